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
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/replroute/go/cluster"
	"github.com/multigres/replroute/go/dbconn"
	"github.com/multigres/replroute/go/fakepgdb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeOpener(fakes map[string]*fakepgdb.DB) dbconn.Opener {
	return func(node cluster.NodeDescriptor) (*sql.DB, error) {
		fake, ok := fakes[node.ID]
		if !ok {
			return nil, fmt.Errorf("no backend for node %s", node.ID)
		}
		return fake.OpenDB(), nil
	}
}

func recoveryResult(inRecovery bool) *fakepgdb.ExpectedResult {
	return &fakepgdb.ExpectedResult{
		Columns: []string{"pg_is_in_recovery"},
		Rows:    [][]any{{inRecovery}},
	}
}

func lagResult(seconds any) *fakepgdb.ExpectedResult {
	return &fakepgdb.ExpectedResult{
		Columns: []string{"extract"},
		Rows:    [][]any{{seconds}},
	}
}

var (
	primaryNode = cluster.NodeDescriptor{ID: "pg-primary", Role: cluster.RolePrimary, Address: "10.0.0.1:5432", Weight: 1}
	replicaNode = cluster.NodeDescriptor{ID: "pg-replica-1", Role: cluster.RoleReplica, Address: "10.0.0.2:5432", Weight: 1}
)

func TestProbeStandby(t *testing.T) {
	fake := fakepgdb.New(t)
	fake.AddQuery(recoveryQuery, recoveryResult(true))
	fake.AddQuery(lagQuery, lagResult(2.5))

	pools := dbconn.NewPools(fakeOpener(map[string]*fakepgdb.DB{replicaNode.ID: fake}), testLogger())
	defer func() { require.NoError(t, pools.Close()) }()
	prober := NewProber(pools, testLogger(), time.Second)

	snap := prober.Probe(t.Context(), replicaNode, true, Snapshot{})
	assert.Equal(t, "pg-replica-1", snap.NodeID)
	assert.True(t, snap.Reachable)
	assert.True(t, snap.IsInRecovery)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.False(t, snap.ObservedAt.IsZero())

	lag, known := snap.LagSeconds()
	require.True(t, known)
	assert.Equal(t, 2.5, lag)
}

func TestProbePrimarySkipsLagQuery(t *testing.T) {
	fake := fakepgdb.New(t)
	fake.AddQuery(recoveryQuery, recoveryResult(false))

	pools := dbconn.NewPools(fakeOpener(map[string]*fakepgdb.DB{primaryNode.ID: fake}), testLogger())
	defer func() { require.NoError(t, pools.Close()) }()
	prober := NewProber(pools, testLogger(), time.Second)

	snap := prober.Probe(t.Context(), primaryNode, false, Snapshot{})
	assert.True(t, snap.Reachable)
	assert.False(t, snap.IsInRecovery)

	_, known := snap.LagSeconds()
	assert.False(t, known, "lag is meaningless on a primary")
	assert.Zero(t, fake.GetQueryCalledNum(lagQuery))
}

func TestProbeNoLagQueryWhenNotInRecovery(t *testing.T) {
	// Even with lag measurement requested, a node that reports not-in-recovery
	// gets no lag query; the monitor treats the mismatch as an anomaly.
	fake := fakepgdb.New(t)
	fake.AddQuery(recoveryQuery, recoveryResult(false))

	pools := dbconn.NewPools(fakeOpener(map[string]*fakepgdb.DB{replicaNode.ID: fake}), testLogger())
	defer func() { require.NoError(t, pools.Close()) }()
	prober := NewProber(pools, testLogger(), time.Second)

	snap := prober.Probe(t.Context(), replicaNode, true, Snapshot{})
	assert.True(t, snap.Reachable)
	assert.False(t, snap.IsInRecovery)
	assert.Zero(t, fake.GetQueryCalledNum(lagQuery))
}

func TestProbeNullLagIsUnknown(t *testing.T) {
	// pg_last_xact_replay_timestamp() is NULL on a standby that has not
	// replayed anything yet; the NULL must surface as unknown, not zero.
	fake := fakepgdb.New(t)
	fake.AddQuery(recoveryQuery, recoveryResult(true))
	fake.AddQuery(lagQuery, lagResult(nil))

	pools := dbconn.NewPools(fakeOpener(map[string]*fakepgdb.DB{replicaNode.ID: fake}), testLogger())
	defer func() { require.NoError(t, pools.Close()) }()
	prober := NewProber(pools, testLogger(), time.Second)

	snap := prober.Probe(t.Context(), replicaNode, true, Snapshot{})
	assert.True(t, snap.Reachable)
	_, known := snap.LagSeconds()
	assert.False(t, known)
}

func TestProbeUnreachableCarriesPriorObservations(t *testing.T) {
	fake := fakepgdb.New(t)
	fake.RejectQueryPattern(".*", "connection refused")

	pools := dbconn.NewPools(fakeOpener(map[string]*fakepgdb.DB{replicaNode.ID: fake}), testLogger())
	defer func() { require.NoError(t, pools.Close()) }()
	prober := NewProber(pools, testLogger(), time.Second)

	prev := Snapshot{
		NodeID:              "pg-replica-1",
		Reachable:           true,
		IsInRecovery:        true,
		Lag:                 sql.NullFloat64{Float64: 1.2, Valid: true},
		ObservedAt:          time.Now().Add(-5 * time.Second),
		ConsecutiveFailures: 0,
	}

	snap := prober.Probe(t.Context(), replicaNode, true, prev)
	assert.False(t, snap.Reachable)
	assert.True(t, snap.IsInRecovery, "recovery state carried from the prior snapshot")
	lag, known := snap.LagSeconds()
	require.True(t, known)
	assert.Equal(t, 1.2, lag)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
	assert.True(t, snap.ObservedAt.After(prev.ObservedAt))

	// Failures keep accumulating across consecutive probes.
	snap = prober.Probe(t.Context(), replicaNode, true, snap)
	assert.Equal(t, 2, snap.ConsecutiveFailures)
}
