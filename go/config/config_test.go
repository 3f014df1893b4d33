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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/replroute/go/cluster"
)

const testConfigYAML = `
database: appdb
lag-ceiling: 20s
nodes:
  - id: pg-primary
    role: primary
    address: 10.0.0.1:5432
  - id: pg-replica-1
    role: replica
    address: 10.0.0.2:5432
    weight: 2
  - id: pg-replica-2
    role: standby
    address: 10.0.0.3:5432
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigName+".yaml"), []byte(content), 0o644))
	return dir
}

func newFlagSet(t *testing.T) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("replroute-test", pflag.ContinueOnError)
	RegisterFlags(fs)
	return fs
}

func TestLoadFromFile(t *testing.T) {
	dir := writeConfigFile(t, testConfigYAML)

	fs := newFlagSet(t)
	require.NoError(t, fs.Set("config-path", dir))

	cfg, err := Load(viper.New(), fs)
	require.NoError(t, err)

	assert.Equal(t, "appdb", cfg.Database)
	assert.Equal(t, 20*time.Second, cfg.LagCeiling)

	// Flag defaults fill everything the file leaves out.
	assert.Equal(t, "postgres", cfg.User)
	assert.Equal(t, 5*time.Second, cfg.ProbeInterval)
	assert.Equal(t, 3*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, time.Second, cfg.FailoverLagCeiling)
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, "localhost:15432", cfg.HTTPAddr)

	require.Len(t, cfg.Nodes, 3)
	assert.Equal(t, NodeConfig{ID: "pg-primary", Role: "primary", Address: "10.0.0.1:5432"}, cfg.Nodes[0])
	assert.Equal(t, 2, cfg.Nodes[1].Weight)
}

func TestLoadWithoutFile(t *testing.T) {
	fs := newFlagSet(t)
	require.NoError(t, fs.Set("config-path", t.TempDir()))

	// No config file at all is fine; flags and environment carry the day.
	cfg, err := Load(viper.New(), fs)
	require.NoError(t, err)
	assert.Empty(t, cfg.Nodes)
	assert.Equal(t, "postgres", cfg.Database)
}

func TestLoadEnvOverride(t *testing.T) {
	fs := newFlagSet(t)
	require.NoError(t, fs.Set("config-path", t.TempDir()))
	t.Setenv("REPLROUTE_DATABASE", "from-env")
	t.Setenv("REPLROUTE_PROBE_INTERVAL", "42s")
	t.Setenv("REPLROUTE_DB_USER", "env-user")
	t.Setenv("REPLROUTE_FAILURE_THRESHOLD", "7")

	cfg, err := Load(viper.New(), fs)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Database)

	// Dashed keys resolve through the underscore replacer.
	assert.Equal(t, 42*time.Second, cfg.ProbeInterval)
	assert.Equal(t, "env-user", cfg.User)
	assert.Equal(t, 7, cfg.FailureThreshold)
}

func TestLoadFlagOverridesFile(t *testing.T) {
	dir := writeConfigFile(t, testConfigYAML)

	fs := newFlagSet(t)
	require.NoError(t, fs.Set("config-path", dir))
	require.NoError(t, fs.Set("database", "from-flag"))

	cfg, err := Load(viper.New(), fs)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Database)
}

func TestLoadRejectsInvalidCombination(t *testing.T) {
	fs := newFlagSet(t)
	require.NoError(t, fs.Set("config-path", t.TempDir()))
	require.NoError(t, fs.Set("failover-lag-ceiling", "30s"))

	_, err := Load(viper.New(), fs)
	require.ErrorContains(t, err, "failover-lag-ceiling")
}

func TestLoadRejectsMalformedNodes(t *testing.T) {
	dir := writeConfigFile(t, "nodes: definitely-not-a-list\n")

	fs := newFlagSet(t)
	require.NoError(t, fs.Set("config-path", dir))

	_, err := Load(viper.New(), fs)
	require.ErrorContains(t, err, "nodes")
}

func TestValidate(t *testing.T) {
	base := Config{
		ProbeInterval:      5 * time.Second,
		ProbeTimeout:       3 * time.Second,
		LagCeiling:         10 * time.Second,
		FailoverLagCeiling: time.Second,
		FailureThreshold:   3,
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero probe interval", func(c *Config) { c.ProbeInterval = 0 }},
		{"zero probe timeout", func(c *Config) { c.ProbeTimeout = 0 }},
		{"zero lag ceiling", func(c *Config) { c.LagCeiling = 0 }},
		{"zero failover ceiling", func(c *Config) { c.FailoverLagCeiling = 0 }},
		{"failover ceiling above lag ceiling", func(c *Config) { c.FailoverLagCeiling = 11 * time.Second }},
		{"zero failure threshold", func(c *Config) { c.FailureThreshold = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNodeSet(t *testing.T) {
	cfg := Config{Nodes: []NodeConfig{
		{ID: "pg-primary", Role: "primary", Address: "10.0.0.1:5432"},
		{ID: "pg-replica-1", Role: "standby", Address: "10.0.0.2:5432", Weight: 3},
	}}

	nodes, err := cfg.NodeSet()
	require.NoError(t, err)
	assert.Equal(t, "pg-primary", nodes.Primary().ID)

	r, ok := nodes.Get("pg-replica-1")
	require.True(t, ok)
	assert.Equal(t, cluster.RoleReplica, r.Role)
	assert.Equal(t, 3, r.Weight)
}

func TestNodeSetRejectsBadRole(t *testing.T) {
	cfg := Config{Nodes: []NodeConfig{
		{ID: "pg-primary", Role: "leader", Address: "10.0.0.1:5432"},
	}}
	_, err := cfg.NodeSet()
	require.ErrorContains(t, err, "pg-primary")
}
