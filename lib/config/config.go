// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the renderd configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"

	"github.com/autovideo-dev/renderd/lib/cloud/ec2"
	"github.com/autovideo-dev/renderd/lib/staging"
	"github.com/autovideo-dev/renderd/lib/tier"
)

// Duration is time.Duration but looks like "12s" in YAML/JSON, rather
// than a number of nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 1 && data[0] == '"' {
		dur, err := time.ParseDuration(string(data[1 : len(data)-1]))
		*d = Duration(dur)
		return err
	}
	return fmt.Errorf("duration must be given as a string like \"600s\" or \"1h30m\"")
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// String implements fmt.Stringer
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Duration returns the native representation.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type LoggingConfig struct {
	Level  string `json:"Level"`
	Format string `json:"Format"`
}

type AccelServiceConfig struct {
	Endpoint  string `json:"Endpoint"`
	AuthToken string `json:"AuthToken"`
}

type ComputeVMConfig struct {
	Driver string     `json:"Driver"`
	EC2    ec2.Config `json:"EC2"`
}

type RenderConfig struct {
	// Container image that performs the actual render, on remote
	// jobs and fallback VMs alike.
	ContainerRef string `json:"ContainerRef"`

	// Preemption retries per tier before the ladder advances.
	MaxRetries int `json:"MaxRetries"`

	// Constant delay between preemption retries.
	RetryDelay Duration `json:"RetryDelay"`

	// Remote job status poll interval.
	PollInterval Duration `json:"PollInterval"`

	// Wall-clock budget for one remote job attempt.
	JobTimeout Duration `json:"JobTimeout"`

	// Budget for the whole VM fallback path: boot + render +
	// upload. Expected to be much longer than JobTimeout.
	VMTimeout Duration `json:"VMTimeout"`

	// Sentinel object poll interval during VM fallback.
	VMPollInterval Duration `json:"VMPollInterval"`

	// The ladder skips ahead to VM fallback when less than this
	// much of the request's deadline budget remains.
	MinViableTimeout Duration `json:"MinViableTimeout"`

	// Aggregate status-query budget across all requests, in
	// queries per second.
	StatusQueriesPerSecond float64 `json:"StatusQueriesPerSecond"`
}

type Config struct {
	Listen          string             `json:"Listen"`
	ManagementToken string             `json:"ManagementToken"`
	Logging         LoggingConfig      `json:"Logging"`
	Tiers           tier.Catalog       `json:"Tiers"`
	AccelService    AccelServiceConfig `json:"AccelService"`
	ComputeVM       ComputeVMConfig    `json:"ComputeVM"`
	Storage         staging.S3Params   `json:"Storage"`
	Render          RenderConfig       `json:"Render"`
}

// Default returns a Config with the stock retry/poll tuning. Tier
// catalog, service endpoints and storage must come from the config
// file.
func Default() *Config {
	return &Config{
		Listen: ":9510",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Render: RenderConfig{
			MaxRetries:             5,
			RetryDelay:             Duration(30 * time.Second),
			PollInterval:           Duration(10 * time.Second),
			JobTimeout:             Duration(600 * time.Second),
			VMTimeout:              Duration(30 * time.Minute),
			VMPollInterval:         Duration(15 * time.Second),
			MinViableTimeout:       Duration(2 * time.Minute),
			StatusQueriesPerSecond: 4,
		},
	}
}

// Load reads the YAML config file at path, fills defaults, and
// validates the tier catalog.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Check validates cross-field constraints.
func (cfg *Config) Check() error {
	if err := cfg.Tiers.Check(); err != nil {
		return err
	}
	if cfg.Render.ContainerRef == "" {
		return fmt.Errorf("Render.ContainerRef must be provided")
	}
	if cfg.Render.MaxRetries < 0 {
		return fmt.Errorf("Render.MaxRetries must not be negative")
	}
	return nil
}
