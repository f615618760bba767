package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/metersim"
)

var (
	cfgFile string

	// Global flags
	bindAddress string
	port        int
	meterType   string
	interval    time.Duration
	verbose     bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "metersim",
	Short: "A virtual utility meter served over Modbus TCP",
	Long: `metersim emulates a physical utility meter (electric, water, or gas) as a
Modbus TCP slave device, for testing industrial-automation clients without
hardware.

The simulated readings evolve over time: cumulative consumption grows with the
current load, while power, voltages, flow, temperature, and pressure random-walk
within realistic bounds. Writing coil 10 resets the cumulative counters to
their baseline and clears all alarms.

Examples:
  # Electric meter on the default port
  metersim

  # Gas meter on all interfaces, port 1502, ticking every 500ms
  metersim -t gas -a 0.0.0.0 -p 1502 -i 500ms

  # Poll a running simulator and print decoded readings
  metersim watch -t electric -p 5020`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
	RunE: runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.metersim.yaml)")

	rootCmd.PersistentFlags().StringVarP(&bindAddress, "address", "a", "127.0.0.1", "Bind address")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", metersim.DefaultPort, "Modbus TCP port")
	rootCmd.PersistentFlags().StringVarP(&meterType, "meter-type", "t", "electric", "Meter type: electric, water, gas")
	rootCmd.PersistentFlags().DurationVarP(&interval, "interval", "i", metersim.DefaultTickInterval, "Simulation tick interval")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	viper.BindPFlag("address", rootCmd.PersistentFlags().Lookup("address"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("meter-type", rootCmd.PersistentFlags().Lookup("meter-type"))
	viper.BindPFlag("interval", rootCmd.PersistentFlags().Lookup("interval"))

	rootCmd.AddCommand(watchCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".metersim")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("METERSIM")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// resolveConfig builds the core configuration from viper-bound flags,
// environment, and config file.
func resolveConfig() (metersim.Config, error) {
	cfg := metersim.DefaultConfig()
	cfg.Address = viper.GetString("address")
	cfg.Port = viper.GetInt("port")
	cfg.TickInterval = viper.GetDuration("interval")

	mt, err := metersim.ParseMeterType(viper.GetString("meter-type"))
	if err != nil {
		return cfg, err
	}
	cfg.MeterType = mt

	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}

	bank := metersim.NewRegisterBank(cfg.MeterType)
	sim := metersim.NewSimulator(bank,
		metersim.WithTickInterval(cfg.TickInterval),
		metersim.WithSimLogger(logger),
	)

	server := metersim.NewServer(bank,
		metersim.WithServerLogger(logger),
		metersim.WithMaxConnections(cfg.MaxConns),
		metersim.WithReadTimeout(cfg.ReadTimeout),
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	go sim.Run(ctx)

	logger.Info("starting meter simulator",
		slog.String("meter_type", cfg.MeterType.String()),
		slog.String("addr", cfg.Addr()))

	return server.ListenAndServeContext(ctx, cfg.Addr())
}
