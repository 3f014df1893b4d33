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

// Package health probes cluster nodes for replication status and maintains
// the consolidated health view that feeds the topology registry.
package health

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/multigres/replroute/go/cluster"
	"github.com/multigres/replroute/go/dbconn"
)

// Status queries. pg_last_xact_replay_timestamp() is NULL on a primary and
// on a standby that has not replayed any transaction yet; the NULL is
// carried through as an unknown lag rather than treated as zero.
const (
	recoveryQuery = "SELECT pg_is_in_recovery()"
	lagQuery      = "SELECT EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp()))"
)

// Snapshot is the result of probing one node. One snapshot per node is kept
// by the monitor, most recent wins.
type Snapshot struct {
	NodeID string

	// Reachable is false when the probe timed out or the connection failed.
	// The recovery and lag fields then carry the prior snapshot's values.
	Reachable bool

	// IsInRecovery is the node's self-reported standby state.
	IsInRecovery bool

	// Lag is the replay lag versus the primary's last transaction.
	// Valid is false on primaries and when the lag could not be measured.
	Lag sql.NullFloat64

	ObservedAt          time.Time
	ConsecutiveFailures int
}

// LagSeconds returns the measured lag and whether a measurement exists.
func (s Snapshot) LagSeconds() (float64, bool) {
	return s.Lag.Float64, s.Lag.Valid
}

// Prober issues the status queries against a single node. It never mutates
// shared state; the monitor owns consolidation.
type Prober struct {
	pools   *dbconn.Pools
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewProber creates a prober. Every probe is bounded by timeout.
func NewProber(pools *dbconn.Pools, logger *slog.Logger, timeout time.Duration) *Prober {
	return &Prober{
		pools:   pools,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
	}
}

// Probe checks one node and returns a fresh snapshot.
//
// measureLag controls whether the replay-lag query runs; the monitor passes
// true for every node it currently treats as a standby. prev supplies the
// failure counter and the stale values carried through on an unreachable
// probe; pass a zero Snapshot for the first probe of a node.
func (p *Prober) Probe(ctx context.Context, node cluster.NodeDescriptor, measureLag bool, prev Snapshot) Snapshot {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	db, err := p.pools.DB(node)
	if err != nil {
		return p.unreachable(node, prev, err)
	}

	var inRecovery bool
	if err := db.QueryRowContext(probeCtx, recoveryQuery).Scan(&inRecovery); err != nil {
		return p.unreachable(node, prev, err)
	}

	snap := Snapshot{
		NodeID:       node.ID,
		Reachable:    true,
		IsInRecovery: inRecovery,
		ObservedAt:   p.now(),
	}

	if measureLag && inRecovery {
		if err := db.QueryRowContext(probeCtx, lagQuery).Scan(&snap.Lag); err != nil {
			return p.unreachable(node, prev, err)
		}
	}

	return snap
}

// unreachable builds the failed-probe snapshot: prior observations carried
// through, failure counter bumped, fresh timestamp.
func (p *Prober) unreachable(node cluster.NodeDescriptor, prev Snapshot, err error) Snapshot {
	p.logger.Warn("node probe failed",
		"node_id", node.ID,
		"address", node.Address,
		"consecutive_failures", prev.ConsecutiveFailures+1,
		"error", err,
	)
	return Snapshot{
		NodeID:              node.ID,
		Reachable:           false,
		IsInRecovery:        prev.IsInRecovery,
		Lag:                 prev.Lag,
		ObservedAt:          p.now(),
		ConsecutiveFailures: prev.ConsecutiveFailures + 1,
	}
}
