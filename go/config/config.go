// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads replroute configuration from flags, environment
// variables, and an optional config file, in that precedence order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/multigres/replroute/go/cluster"
	"github.com/multigres/replroute/go/dbconn"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// REPLROUTE_PROBE_INTERVAL.
	EnvPrefix = "REPLROUTE"

	// ConfigName is the config file name searched for (without extension).
	ConfigName = "replroute"
)

// NodeConfig is one node entry from the config file.
type NodeConfig struct {
	ID      string `mapstructure:"id"`
	Role    string `mapstructure:"role"`
	Address string `mapstructure:"address"`
	Weight  int    `mapstructure:"weight"`
}

// Config is the full replroute configuration.
type Config struct {
	Nodes []NodeConfig

	Database string
	User     string
	Password string
	SSLMode  string

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// LagCeiling is the routing-eligibility ceiling.
	LagCeiling time.Duration

	// FailoverLagCeiling gates promotion and must be tighter than
	// LagCeiling.
	FailoverLagCeiling time.Duration

	FailureThreshold int

	HTTPAddr string
}

// RegisterFlags installs the replroute flags on the given flag set.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("database", "postgres", "Database name to connect to on every node.")
	fs.String("db-user", "postgres", "Database user.")
	fs.String("db-password", "", "Database password.")
	fs.String("db-sslmode", "disable", "libpq sslmode for node connections.")
	fs.Duration("probe-interval", 5*time.Second, "Interval between health probes of each node.")
	fs.Duration("probe-timeout", 3*time.Second, "Timeout for a single health probe.")
	fs.Duration("lag-ceiling", 10*time.Second, "Maximum replica lag for read-routing eligibility.")
	fs.Duration("failover-lag-ceiling", 1*time.Second, "Maximum candidate lag for failover validation (stricter than --lag-ceiling).")
	fs.Int("failure-threshold", 3, "Consecutive failed probes before the primary is marked suspect.")
	fs.String("http-addr", "localhost:15432", "Listen address for the diagnostics HTTP endpoint.")
	fs.StringSlice("config-path", []string{"."}, "Paths to search for "+ConfigName+".yaml in.")
}

// Load binds flags and environment variables, reads the config file if one
// exists, and returns the validated configuration. The node list can only
// come from the config file; there is no flag form for it.
func Load(v *viper.Viper, fs *pflag.FlagSet) (*Config, error) {
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	// Dashed keys map to underscored variables: probe-interval is
	// overridden by REPLROUTE_PROBE_INTERVAL.
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName(ConfigName)
	for _, path := range v.GetStringSlice("config-path") {
		v.AddConfigPath(path)
	}
	if err := v.ReadInConfig(); err != nil {
		// Flags and environment alone are a valid configuration source.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Database:           v.GetString("database"),
		User:               v.GetString("db-user"),
		Password:           v.GetString("db-password"),
		SSLMode:            v.GetString("db-sslmode"),
		ProbeInterval:      v.GetDuration("probe-interval"),
		ProbeTimeout:       v.GetDuration("probe-timeout"),
		LagCeiling:         v.GetDuration("lag-ceiling"),
		FailoverLagCeiling: v.GetDuration("failover-lag-ceiling"),
		FailureThreshold:   v.GetInt("failure-threshold"),
		HTTPAddr:           v.GetString("http-addr"),
	}

	if raw := v.Get("nodes"); raw != nil {
		if err := decodeNodes(raw, &cfg.Nodes); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeNodes decodes the nodes section with mapstructure, matching the
// weak typing viper applies to the rest of the config.
func decodeNodes(raw any, out *[]NodeConfig) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build node decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("invalid nodes configuration: %w", err)
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe-interval must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe-timeout must be positive")
	}
	if c.LagCeiling <= 0 {
		return fmt.Errorf("lag-ceiling must be positive")
	}
	if c.FailoverLagCeiling <= 0 {
		return fmt.Errorf("failover-lag-ceiling must be positive")
	}
	if c.FailoverLagCeiling > c.LagCeiling {
		return fmt.Errorf("failover-lag-ceiling (%s) must not exceed lag-ceiling (%s)",
			c.FailoverLagCeiling, c.LagCeiling)
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure-threshold must be positive")
	}
	return nil
}

// NodeSet builds the validated cluster node set from the config.
func (c *Config) NodeSet() (*cluster.NodeSet, error) {
	descriptors := make([]cluster.NodeDescriptor, 0, len(c.Nodes))
	for _, nc := range c.Nodes {
		role, err := cluster.ParseRole(nc.Role)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", nc.ID, err)
		}
		descriptors = append(descriptors, cluster.NodeDescriptor{
			ID:      nc.ID,
			Role:    role,
			Address: nc.Address,
			Weight:  nc.Weight,
		})
	}
	return cluster.NewNodeSet(descriptors)
}

// ConnParams returns the shared connection parameters for node pools.
func (c *Config) ConnParams() dbconn.ConnParams {
	return dbconn.ConnParams{
		Database: c.Database,
		User:     c.User,
		Password: c.Password,
		SSLMode:  c.SSLMode,
	}
}
