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

package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multigres/replroute/go/cluster"
	"github.com/multigres/replroute/go/tools/event"
	"github.com/multigres/replroute/go/tools/timer"
	"github.com/multigres/replroute/go/topology"
)

const (
	defaultProbeInterval    = 5 * time.Second
	defaultFailureThreshold = 3
)

// PrimarySuspectEvent is fired when the monitor starts suspecting the
// primary, once per transition into the suspect state.
type PrimarySuspectEvent struct {
	NodeID              string
	Reason              string
	ConsecutiveFailures int
	ObservedAt          time.Time
}

// Options configures the monitor. Zero values fall back to defaults.
type Options struct {
	// ProbeInterval is the period of each node's probe cycle.
	ProbeInterval time.Duration

	// LagCeiling is the routing-eligibility ceiling: a replica lagging
	// beyond it is removed from the eligible set. Required.
	LagCeiling time.Duration

	// FailureThreshold is how many consecutive failed probes of the
	// primary it takes to mark it suspect. Individual failures are
	// recorded, not escalated.
	FailureThreshold int
}

func (o Options) withDefaults() Options {
	if o.ProbeInterval == 0 {
		o.ProbeInterval = defaultProbeInterval
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = defaultFailureThreshold
	}
	return o
}

// Monitor runs one independent probe cycle per configured node and
// publishes consolidated health to the topology registry. Probe loops for
// different nodes never block one another; a slow node only delays its own
// schedule.
type Monitor struct {
	registry *topology.Registry
	prober   *Prober
	logger   *slog.Logger
	opts     Options

	mu        sync.Mutex
	snapshots map[string]Snapshot
	runners   map[string]*timer.PeriodicRunner
	suspect   bool

	suspectListeners event.Listeners[PrimarySuspectEvent]

	probes      atomic.Int64
	probeErrors atomic.Int64
}

// NewMonitor creates a monitor over the registry's configured node set.
func NewMonitor(registry *topology.Registry, prober *Prober, logger *slog.Logger, opts Options) *Monitor {
	return &Monitor{
		registry:  registry,
		prober:    prober,
		logger:    logger,
		opts:      opts.withDefaults(),
		snapshots: make(map[string]Snapshot),
		runners:   make(map[string]*timer.PeriodicRunner),
	}
}

// OnPrimarySuspect registers a listener fired on each transition into the
// primary-suspect state. Listeners are called from probe loops and must
// not block.
func (m *Monitor) OnPrimarySuspect(f func(PrimarySuspectEvent)) {
	m.suspectListeners.Add(f)
}

// Open starts one probe loop per configured node, each firing immediately
// and then at the probe interval. ctx bounds the lifetime of all probes.
func (m *Monitor) Open(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.runners) > 0 {
		return // already open
	}

	m.logger.Info("health monitor: opening",
		"nodes", m.registry.Nodes().Len(),
		"probe_interval", m.opts.ProbeInterval,
		"lag_ceiling", m.opts.LagCeiling,
	)

	for _, node := range m.registry.Nodes().All() {
		node := node
		runner := timer.NewPeriodicRunner(ctx, m.opts.ProbeInterval).WithImmediateFirstRun()
		runner.Start(func(ctx context.Context) {
			m.probeNode(ctx, node)
		})
		m.runners[node.ID] = runner
	}
}

// Close stops every probe loop and waits for in-flight probes.
func (m *Monitor) Close() {
	m.mu.Lock()
	runners := m.runners
	m.runners = make(map[string]*timer.PeriodicRunner)
	m.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}
	m.logger.Info("health monitor: closed")
}

// LatestSnapshot returns the most recent snapshot for a node, if any.
func (m *Monitor) LatestSnapshot(nodeID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[nodeID]
	return s, ok
}

// Snapshots returns a copy of the latest snapshot for every probed node.
func (m *Monitor) Snapshots() map[string]Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Snapshot, len(m.snapshots))
	for k, v := range m.snapshots {
		out[k] = v
	}
	return out
}

// Probes returns the number of probes issued since Open.
func (m *Monitor) Probes() int64 { return m.probes.Load() }

// ProbeErrors returns the number of failed probes since Open.
func (m *Monitor) ProbeErrors() int64 { return m.probeErrors.Load() }

// probeNode runs one probe cycle for one node, then recomputes and
// publishes the consolidated view.
func (m *Monitor) probeNode(ctx context.Context, node cluster.NodeDescriptor) {
	topo := m.registry.Snapshot()
	expectStandby := node.ID != topo.PrimaryID

	m.mu.Lock()
	prev := m.snapshots[node.ID]
	m.mu.Unlock()

	snap := m.prober.Probe(ctx, node, expectStandby, prev)
	m.probes.Add(1)
	if !snap.Reachable {
		m.probeErrors.Add(1)
	}

	m.mu.Lock()
	m.snapshots[node.ID] = snap
	m.mu.Unlock()

	m.publish(ctx)
}

// publish recomputes the eligible replica set and the primary health flags
// from the latest snapshots and pushes them to the registry as atomic
// replaces. Called after every probe; unchanged state is a registry no-op.
func (m *Monitor) publish(ctx context.Context) {
	topo := m.registry.Snapshot()

	m.mu.Lock()
	snapshots := make(map[string]Snapshot, len(m.snapshots))
	for k, v := range m.snapshots {
		snapshots[k] = v
	}
	m.mu.Unlock()

	eligible := make([]string, 0, m.registry.Nodes().Len())
	for _, node := range m.registry.Nodes().All() {
		if node.ID == topo.PrimaryID || topo.IsExcluded(node.ID) {
			continue
		}
		snap, ok := snapshots[node.ID]
		if !ok || !snap.Reachable {
			continue
		}
		if !snap.IsInRecovery {
			// A standby that is not in recovery was likely promoted
			// out-of-band. Exclude it and surface the anomaly; never
			// auto-correct.
			m.logger.Error("replica not in recovery, excluding from eligible set",
				"node_id", node.ID,
			)
			continue
		}
		lag, known := snap.LagSeconds()
		if !known {
			// No replay timestamp yet. Lag is unknowable, so the replica
			// cannot be trusted to be within the ceiling.
			continue
		}
		if lag > m.opts.LagCeiling.Seconds() {
			m.logger.Warn("replica lagging beyond ceiling",
				"node_id", node.ID,
				"lag_seconds", lag,
				"ceiling", m.opts.LagCeiling,
			)
			continue
		}
		eligible = append(eligible, node.ID)
	}
	m.registry.ReplaceEligibleReplicas(eligible)

	m.publishPrimaryHealth(snapshots, topo.PrimaryID)
}

func (m *Monitor) publishPrimaryHealth(snapshots map[string]Snapshot, primaryID string) {
	snap, ok := snapshots[primaryID]
	if !ok {
		return // primary not probed yet
	}

	switch {
	case snap.Reachable && snap.IsInRecovery:
		// A "primary" operating as a standby is a dangerous topology
		// state: mark inconsistent so writes fail fast. No automatic
		// failover; the coordinator and operator take it from here.
		m.registry.SetInconsistent(true)
		m.fireSuspect(snap, "primary reports is_in_recovery=true")
	case !snap.Reachable && snap.ConsecutiveFailures >= m.opts.FailureThreshold:
		m.registry.SetPrimarySuspect(true)
		m.fireSuspect(snap, "primary unreachable past failure threshold")
	case snap.Reachable && !snap.IsInRecovery:
		m.registry.SetInconsistent(false)
		m.registry.SetPrimarySuspect(false)
		m.mu.Lock()
		m.suspect = false
		m.mu.Unlock()
	}
}

// fireSuspect fires the suspect event once per transition into suspicion.
func (m *Monitor) fireSuspect(snap Snapshot, reason string) {
	m.mu.Lock()
	already := m.suspect
	m.suspect = true
	m.mu.Unlock()

	if already {
		return
	}
	m.suspectListeners.Fire(PrimarySuspectEvent{
		NodeID:              snap.NodeID,
		Reason:              reason,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		ObservedAt:          snap.ObservedAt,
	})
}
