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

// Package router resolves read and write intents to connections using the
// topology registry's current view.
package router

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/multigres/replroute/go/cluster"
	"github.com/multigres/replroute/go/dbconn"
	"github.com/multigres/replroute/go/rrerrors"
	"github.com/multigres/replroute/go/tools/event"
	"github.com/multigres/replroute/go/topology"
)

// Consistency selects the read routing policy.
type Consistency int

const (
	// Eventual routes reads to eligible replicas, falling back to the
	// primary when none are eligible. The default.
	Eventual Consistency = iota

	// ReadYourWrites routes reads to the primary so a caller sees its own
	// committed writes.
	ReadYourWrites
)

func (c Consistency) String() string {
	switch c {
	case ReadYourWrites:
		return "read-your-writes"
	default:
		return "eventual"
	}
}

// FallbackEvent is fired whenever an eventual read falls back to the
// primary because no replica was eligible.
type FallbackEvent struct {
	PrimaryID string
	Reason    string
	At        time.Time
}

// Router resolves intents to connections. Safe for concurrent use by any
// number of callers.
type Router struct {
	registry *topology.Registry
	pools    *dbconn.Pools
	logger   *slog.Logger

	// rrCounter drives the weighted round-robin position across calls.
	rrCounter atomic.Uint64

	fallbackListeners event.Listeners[FallbackEvent]
}

// NewRouter creates a router over the registry and connection pools.
func NewRouter(registry *topology.Registry, pools *dbconn.Pools, logger *slog.Logger) *Router {
	return &Router{
		registry: registry,
		pools:    pools,
		logger:   logger,
	}
}

// OnFallback registers a listener fired on every read fallback to the
// primary. Listeners must not block.
func (r *Router) OnFallback(f func(FallbackEvent)) {
	r.fallbackListeners.Add(f)
}

// RouteWrite returns a connection to the current primary. If the primary
// is suspect the call fails immediately with ErrPrimaryUnavailable instead
// of handing out a connection that may target a stale primary; callers
// should surface this as retryable rather than writing to a replica.
func (r *Router) RouteWrite(ctx context.Context) (*dbconn.Conn, error) {
	state := r.registry.Snapshot()
	if state.PrimarySuspect {
		return nil, rrerrors.PrimaryUnavailable(state.PrimaryID)
	}

	primary, ok := r.registry.Nodes().Get(state.PrimaryID)
	if !ok {
		return nil, rrerrors.Errorf(rrerrors.CodeInternal,
			"primary %s missing from node set", state.PrimaryID)
	}
	return r.pools.Acquire(ctx, primary)
}

// RouteRead returns a connection according to the consistency level.
//
// Eventual reads select from the eligible replicas by weighted round-robin
// over a snapshot taken once per call; a connection failure on the chosen
// replica is retried exactly once against a different eligible replica.
// With no eligible replica the read degrades to the primary, unless the
// primary is suspect too, in which case ErrNoEligibleReplica is returned.
func (r *Router) RouteRead(ctx context.Context, consistency Consistency) (*dbconn.Conn, error) {
	state := r.registry.Snapshot()

	if consistency == ReadYourWrites {
		if state.PrimarySuspect {
			return nil, rrerrors.PrimaryUnavailable(state.PrimaryID)
		}
		return r.acquireByID(ctx, state.PrimaryID)
	}

	replicas := r.registry.EligibleReplicas()
	if len(replicas) == 0 {
		return r.fallbackToPrimary(ctx, state, "no eligible replicas")
	}

	chosen := r.pickWeighted(replicas)
	conn, err := r.pools.Acquire(ctx, chosen)
	if err == nil {
		return conn, nil
	}

	// One bounded retry against a different replica from the same
	// snapshot. Repeated failure surfaces the acquisition error so the
	// caller can tell "node rejected connection" from "no eligible nodes".
	r.logger.Warn("read connection failed, retrying on another replica",
		"node_id", chosen.ID,
		"error", err,
	)
	for _, other := range replicas {
		if other.ID == chosen.ID {
			continue
		}
		return r.pools.Acquire(ctx, other)
	}
	return nil, err
}

// TopologySnapshot is the diagnostics view of the current topology.
type TopologySnapshot struct {
	Primary        string   `json:"primary"`
	Replicas       []string `json:"replicas"`
	PrimarySuspect bool     `json:"primary_suspect"`
	Inconsistent   bool     `json:"inconsistent"`
	Excluded       []string `json:"excluded,omitempty"`
	Version        uint64   `json:"version"`
}

// GetTopologySnapshot returns the current topology for health and
// diagnostics endpoints.
func (r *Router) GetTopologySnapshot() TopologySnapshot {
	s := r.registry.Snapshot()
	return TopologySnapshot{
		Primary:        s.PrimaryID,
		Replicas:       append([]string(nil), s.ReplicaIDs...),
		PrimarySuspect: s.PrimarySuspect,
		Inconsistent:   s.Inconsistent,
		Excluded:       append([]string(nil), s.ExcludedIDs...),
		Version:        s.Version,
	}
}

func (r *Router) fallbackToPrimary(ctx context.Context, state *topology.State, reason string) (*dbconn.Conn, error) {
	if state.PrimarySuspect {
		return nil, rrerrors.NoEligibleReplica(reason + " and primary is suspect")
	}

	r.logger.Warn("read falling back to primary",
		"primary_id", state.PrimaryID,
		"reason", reason,
	)
	r.fallbackListeners.Fire(FallbackEvent{
		PrimaryID: state.PrimaryID,
		Reason:    reason,
		At:        time.Now(),
	})

	conn, err := r.acquireByID(ctx, state.PrimaryID)
	if err != nil {
		return nil, rrerrors.NoEligibleReplica(reason + " and primary fallback failed: " + err.Error())
	}
	return conn, nil
}

func (r *Router) acquireByID(ctx context.Context, nodeID string) (*dbconn.Conn, error) {
	node, ok := r.registry.Nodes().Get(nodeID)
	if !ok {
		return nil, rrerrors.Errorf(rrerrors.CodeInternal,
			"node %s missing from node set", nodeID)
	}
	return r.pools.Acquire(ctx, node)
}

// pickWeighted selects a replica by weighted round-robin. The position
// counter advances across calls; within one call the selection works over
// the immutable snapshot so a concurrent eligible-set replace cannot
// change the candidates mid-selection.
func (r *Router) pickWeighted(replicas []cluster.NodeDescriptor) cluster.NodeDescriptor {
	total := 0
	for _, n := range replicas {
		total += n.Weight
	}
	if total <= 0 {
		return replicas[int(r.rrCounter.Add(1)-1)%len(replicas)]
	}

	pos := int((r.rrCounter.Add(1) - 1) % uint64(total))
	for _, n := range replicas {
		pos -= n.Weight
		if pos < 0 {
			return n
		}
	}
	return replicas[len(replicas)-1] // unreachable, weights sum to total
}
