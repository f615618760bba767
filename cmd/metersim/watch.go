package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/metersim"
)

var (
	watchInterval   time.Duration
	watchIterations int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll a running simulator and print decoded readings",
	Long: `Connect to a running metersim instance as a Modbus TCP client, poll the
register map, and print readings decoded to physical units.

Examples:
  # Poll the local electric simulator once per second
  metersim watch

  # Poll a gas simulator on another host, five times
  metersim watch -t gas -a 192.168.1.50 -p 1502 -n 5`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "poll", 1*time.Second, "Poll interval")
	watchCmd.Flags().IntVarP(&watchIterations, "iterations", "n", 0, "Number of polls (0 = until interrupted)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}

	client, err := metersim.NewClient(cfg.Addr(), metersim.WithLogger(logger))
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Addr(), err)
	}

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for i := 0; watchIterations == 0 || i < watchIterations; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}

		readCtx, cancel := context.WithTimeout(ctx, metersim.DefaultTimeout)
		reading, err := client.ReadMeter(readCtx, cfg.MeterType)
		cancel()
		if err != nil {
			return fmt.Errorf("read meter: %w", err)
		}

		fmt.Printf("%s %s\n", time.Now().Format(time.TimeOnly), reading)
	}

	if verbose {
		stats := client.Metrics().Latency.Stats()
		fmt.Printf("polls=%d avg=%.2fms min=%.2fms max=%.2fms\n",
			stats.Count, stats.Avg, stats.Min, stats.Max)
	}
	return nil
}
