// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metersim

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config is the resolved runtime configuration of the simulator, as produced
// by the CLI from flags, environment, and an optional config file.
type Config struct {
	Address      string
	Port         int
	MeterType    MeterType
	TickInterval time.Duration
	ReadTimeout  time.Duration
	MaxConns     int
}

// DefaultConfig returns the documented defaults: an electric meter on
// 127.0.0.1:5020 ticking once per second.
func DefaultConfig() Config {
	return Config{
		Address:      "127.0.0.1",
		Port:         DefaultPort,
		MeterType:    Electric,
		TickInterval: DefaultTickInterval,
		ReadTimeout:  30 * time.Second,
		MaxConns:     100,
	}
}

// Validate checks the configuration for values the simulator cannot run with.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("metersim: port %d out of range", c.Port)
	}
	if c.Address == "" {
		return fmt.Errorf("metersim: bind address cannot be empty")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("metersim: tick interval must be positive, got %s", c.TickInterval)
	}
	if c.MaxConns < 1 {
		return fmt.Errorf("metersim: max connections must be at least 1, got %d", c.MaxConns)
	}
	return nil
}

// Addr returns the host:port the server binds to.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}
