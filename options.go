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
	"log/slog"
	"math/rand/v2"
	"time"
)

// Option is a functional option for configuring the client.
type Option func(*clientOptions)

type clientOptions struct {
	unitID  UnitID
	timeout time.Duration
	logger  *slog.Logger
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		unitID:  1,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
}

// WithUnitID sets the unit ID for requests.
func WithUnitID(id UnitID) Option {
	return func(o *clientOptions) {
		o.unitID = id
	}
}

// WithTimeout sets the timeout for operations.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger      *slog.Logger
	maxConns    int
	readTimeout time.Duration
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:      slog.Default(),
		maxConns:    100,
		readTimeout: 30 * time.Second,
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithReadTimeout sets the read timeout for client connections. Idle peers
// are disconnected after this long without a request.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// SimOption is a functional option for configuring the simulation engine.
type SimOption func(*simOptions)

type simOptions struct {
	interval time.Duration
	seed     uint64
	logger   *slog.Logger
}

func defaultSimOptions() *simOptions {
	return &simOptions{
		interval: DefaultTickInterval,
		seed:     rand.Uint64(),
		logger:   slog.Default(),
	}
}

// WithTickInterval sets the simulation update period.
func WithTickInterval(d time.Duration) SimOption {
	return func(o *simOptions) {
		o.interval = d
	}
}

// WithSeed fixes the random seed, making the simulated walk deterministic.
func WithSeed(seed uint64) SimOption {
	return func(o *simOptions) {
		o.seed = seed
	}
}

// WithSimLogger sets the logger for the simulation engine.
func WithSimLogger(logger *slog.Logger) SimOption {
	return func(o *simOptions) {
		o.logger = logger
	}
}
