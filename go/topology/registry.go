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

// Package topology holds the process-wide view of the current primary and
// the eligible replica set. Readers get immutable snapshots through an
// atomic pointer; the rare writers (health monitor, failover coordinator)
// serialize on a mutex and publish whole new states, so a reader can never
// observe a torn update.
package topology

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/multigres/replroute/go/cluster"
	"github.com/multigres/replroute/go/rrerrors"
)

// State is one immutable point-in-time view of the topology. Fields must
// not be mutated after publication; writers build a fresh State instead.
type State struct {
	// PrimaryID is the current write target. Never empty.
	PrimaryID string

	// ReplicaIDs is the ordered set of replicas eligible for reads.
	ReplicaIDs []string

	// Version increments on every change. PromotePrimary compares against
	// it so a stale coordinator cannot clobber a concurrent update.
	Version uint64

	// PrimarySuspect is set by the health monitor when the primary is
	// unreachable past the failure threshold or reports itself in recovery.
	PrimarySuspect bool

	// Inconsistent is set when the configured primary reports
	// is_in_recovery=true. Writes fail fast while this holds.
	Inconsistent bool

	// ExcludedIDs are nodes the router must never select, typically old
	// primaries after a promotion. Cleared only by reconfiguration.
	ExcludedIDs []string
}

// IsExcluded reports whether the node is on the excluded list.
func (s *State) IsExcluded(id string) bool {
	return slices.Contains(s.ExcludedIDs, id)
}

// Registry is the single source of truth for routing targets.
type Registry struct {
	nodes  *cluster.NodeSet
	logger *slog.Logger

	// writeMu serializes writers. Readers never take it; they load the
	// published state pointer.
	writeMu sync.Mutex
	state   atomic.Pointer[State]

	// promoteMu ensures only one promotion workflow mutates the primary
	// pointer at a time. It deliberately does not cover eligible-set
	// replaces, which stay concurrent except at the moment of the swap.
	promoteMu sync.Mutex
}

// NewRegistry initializes the registry from configuration: the configured
// primary, and every configured replica as initially eligible until the
// first health pass says otherwise.
func NewRegistry(nodes *cluster.NodeSet, logger *slog.Logger) *Registry {
	replicaIDs := make([]string, 0, nodes.Len()-1)
	for _, r := range nodes.Replicas() {
		replicaIDs = append(replicaIDs, r.ID)
	}

	r := &Registry{nodes: nodes, logger: logger}
	r.state.Store(&State{
		PrimaryID:  nodes.Primary().ID,
		ReplicaIDs: replicaIDs,
		Version:    1,
	})
	return r
}

// Snapshot returns the current immutable state. The returned value stays
// internally consistent no matter how long the caller holds it.
func (r *Registry) Snapshot() *State {
	return r.state.Load()
}

// Nodes returns the configured node set.
func (r *Registry) Nodes() *cluster.NodeSet {
	return r.nodes
}

// CurrentPrimary returns the descriptor of the current write target.
func (r *Registry) CurrentPrimary() cluster.NodeDescriptor {
	s := r.Snapshot()
	n, _ := r.nodes.Get(s.PrimaryID)
	return n
}

// EligibleReplicas returns descriptors for the replicas currently eligible
// for reads, in eligible-set order.
func (r *Registry) EligibleReplicas() []cluster.NodeDescriptor {
	s := r.Snapshot()
	out := make([]cluster.NodeDescriptor, 0, len(s.ReplicaIDs))
	for _, id := range s.ReplicaIDs {
		if n, ok := r.nodes.Get(id); ok {
			out = append(out, n)
		}
	}
	return out
}

// IsPrimarySuspect reports whether writes should fail fast.
func (r *Registry) IsPrimarySuspect() bool {
	return r.Snapshot().PrimarySuspect
}

// ReplaceEligibleReplicas atomically replaces the eligible replica set.
// Called only by the health monitor. The primary and excluded nodes are
// filtered out. Publishing an unchanged set is a no-op and does not bump
// the version, so steady-state probing cannot starve a promotion CAS.
func (r *Registry) ReplaceEligibleReplicas(ids []string) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.state.Load()

	filtered := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == cur.PrimaryID || cur.IsExcluded(id) {
			continue
		}
		if _, ok := r.nodes.Get(id); !ok {
			r.logger.Warn("ignoring unknown node in eligible set", "node_id", id)
			continue
		}
		filtered = append(filtered, id)
	}

	if slices.Equal(filtered, cur.ReplicaIDs) {
		return
	}

	next := r.cloneLocked(cur)
	next.ReplicaIDs = filtered
	next.Version = cur.Version + 1
	r.state.Store(next)

	r.logger.Info("eligible replica set replaced",
		"replicas", filtered,
		"version", next.Version,
	)
}

// SetPrimarySuspect marks or clears the primary-suspect flag. Called only
// by the health monitor. Unchanged values are a no-op.
func (r *Registry) SetPrimarySuspect(suspect bool) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.state.Load()
	if cur.PrimarySuspect == suspect {
		return
	}

	next := r.cloneLocked(cur)
	next.PrimarySuspect = suspect
	next.Version = cur.Version + 1
	r.state.Store(next)

	r.logger.Warn("primary suspect flag changed",
		"primary_id", cur.PrimaryID,
		"suspect", suspect,
		"version", next.Version,
	)
}

// SetInconsistent marks or clears the inconsistent-topology flag, raised
// when the configured primary reports itself in recovery. An inconsistent
// topology also makes the primary suspect.
func (r *Registry) SetInconsistent(inconsistent bool) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.state.Load()
	if cur.Inconsistent == inconsistent {
		return
	}

	next := r.cloneLocked(cur)
	next.Inconsistent = inconsistent
	if inconsistent {
		next.PrimarySuspect = true
	}
	next.Version = cur.Version + 1
	r.state.Store(next)

	r.logger.Error("topology consistency changed",
		"primary_id", cur.PrimaryID,
		"inconsistent", inconsistent,
		"version", next.Version,
	)
}

// PromotePrimary swaps the primary pointer to newPrimaryID. Called only by
// the failover coordinator. The swap is a compare-and-swap on the version:
// if expectedVersion no longer matches, the topology changed under the
// caller and ErrStaleTopology is returned; the caller must re-read and
// re-validate. On success the old primary lands on the excluded list and
// the suspect and inconsistent flags are cleared.
func (r *Registry) PromotePrimary(newPrimaryID string, expectedVersion uint64) error {
	r.promoteMu.Lock()
	defer r.promoteMu.Unlock()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.state.Load()
	if cur.Version != expectedVersion {
		return rrerrors.StaleTopology(expectedVersion, cur.Version)
	}
	if newPrimaryID == cur.PrimaryID {
		return rrerrors.Errorf(rrerrors.CodeFailedPrecondition,
			"node %s is already the primary", newPrimaryID)
	}
	if _, ok := r.nodes.Get(newPrimaryID); !ok {
		return rrerrors.Errorf(rrerrors.CodeNotFound,
			"cannot promote unknown node %s", newPrimaryID)
	}
	if cur.IsExcluded(newPrimaryID) {
		return rrerrors.Errorf(rrerrors.CodeFailedPrecondition,
			"cannot promote excluded node %s", newPrimaryID)
	}

	next := r.cloneLocked(cur)
	next.PrimaryID = newPrimaryID
	next.ReplicaIDs = slices.DeleteFunc(next.ReplicaIDs, func(id string) bool {
		return id == newPrimaryID
	})
	next.ExcludedIDs = append(next.ExcludedIDs, cur.PrimaryID)
	next.PrimarySuspect = false
	next.Inconsistent = false
	next.Version = cur.Version + 1
	r.state.Store(next)

	r.logger.Info("primary promoted",
		"old_primary", cur.PrimaryID,
		"new_primary", newPrimaryID,
		"version", next.Version,
	)
	return nil
}

// cloneLocked deep-copies cur so the published State stays immutable.
// Callers must hold writeMu.
func (r *Registry) cloneLocked(cur *State) *State {
	return &State{
		PrimaryID:      cur.PrimaryID,
		ReplicaIDs:     slices.Clone(cur.ReplicaIDs),
		Version:        cur.Version,
		PrimarySuspect: cur.PrimarySuspect,
		Inconsistent:   cur.Inconsistent,
		ExcludedIDs:    slices.Clone(cur.ExcludedIDs),
	}
}
