// Copyright 2024 The CoAP Core Authors
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

package coap

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the tunables an Endpoint needs beyond RFC 7252's fixed
// defaults. Build one with NewConfig and a chain of With* options, the same
// shape the proxy command used to build its transport.
type Config struct {
	ACKTimeout       time.Duration
	ACKRandomFactor  float64
	MaxRetransmit    int
	NSTART           int
	ExchangeLifetime time.Duration
	DefaultBlockSZX  SZX
	MaxMessageSize   int

	Logger  Logger
	Metrics prometheus.Collector
	Timers  TimerService
}

// ConfigOption configures a Config. Pass zero or more to NewConfig or NewEndpoint.
type ConfigOption func(*Config)

// defaultConfig returns RFC 7252 section 4.8's transmission parameters.
func defaultConfig() Config {
	return Config{
		ACKTimeout:       2 * time.Second,
		ACKRandomFactor:  1.5,
		MaxRetransmit:    4,
		NSTART:           1,
		ExchangeLifetime: 247 * time.Second,
		DefaultBlockSZX:  SZX1024,
		MaxMessageSize:   64 * 1024,
		Logger:           nopLogger{},
	}
}

// NewConfig applies opts over the RFC 7252 defaults.
func NewConfig(opts ...ConfigOption) Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	return cfg
}

// WithACKTimeout overrides ACK_TIMEOUT (default 2s).
func WithACKTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.ACKTimeout = d }
}

// WithACKRandomFactor overrides ACK_RANDOM_FACTOR (default 1.5).
func WithACKRandomFactor(f float64) ConfigOption {
	return func(c *Config) { c.ACKRandomFactor = f }
}

// WithMaxRetransmit overrides MAX_RETRANSMIT (default 4).
func WithMaxRetransmit(n int) ConfigOption {
	return func(c *Config) { c.MaxRetransmit = n }
}

// WithNSTART overrides NSTART, the number of Request calls this endpoint
// lets await their first response at once, counted across all peers
// together (default 1).
func WithNSTART(n int) ConfigOption {
	return func(c *Config) { c.NSTART = n }
}

// WithExchangeLifetime overrides EXCHANGE_LIFETIME, how long a message ID is
// remembered for duplicate rejection (default 247s).
func WithExchangeLifetime(d time.Duration) ConfigOption {
	return func(c *Config) { c.ExchangeLifetime = d }
}

// WithBlockSize sets the block size exponent used both as the endpoint's
// preferred Block2 size when none is requested and as the ceiling offered
// to peers.
func WithBlockSize(szx SZX) ConfigOption {
	return func(c *Config) { c.DefaultBlockSZX = szx }
}

// WithMaxMessageSize sets the size of the buffer Serve reads each datagram
// into (header, options and payload together), guarding against memory
// exhaustion from a malicious peer.
func WithMaxMessageSize(n int) ConfigOption {
	return func(c *Config) { c.MaxMessageSize = n }
}

// WithLogger installs a structured logger. nil restores the no-op logger.
func WithLogger(l Logger) ConfigOption {
	return func(c *Config) { c.Logger = l }
}

// WithMetrics installs a prometheus.Collector built by NewMetrics. Without
// this option the endpoint collects no metrics.
func WithMetrics(m prometheus.Collector) ConfigOption {
	return func(c *Config) { c.Metrics = m }
}

// WithTimerService overrides the TimerService used for retransmits, dedup
// expiry and block/observe lifetimes. Tests inject a manual clock here.
func WithTimerService(t TimerService) ConfigOption {
	return func(c *Config) { c.Timers = t }
}
