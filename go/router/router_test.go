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

package router

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/replroute/go/cluster"
	"github.com/multigres/replroute/go/dbconn"
	"github.com/multigres/replroute/go/fakepgdb"
	"github.com/multigres/replroute/go/rrerrors"
	"github.com/multigres/replroute/go/topology"
)

type routerFixture struct {
	registry *topology.Registry
	router   *Router
	fakes    map[string]*fakepgdb.DB
}

// newRouterFixture builds a three node cluster with the second replica
// weighted double.
func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	nodes, err := cluster.NewNodeSet([]cluster.NodeDescriptor{
		{ID: "pg-primary", Role: cluster.RolePrimary, Address: "10.0.0.1:5432"},
		{ID: "pg-replica-1", Role: cluster.RoleReplica, Address: "10.0.0.2:5432", Weight: 1},
		{ID: "pg-replica-2", Role: cluster.RoleReplica, Address: "10.0.0.3:5432", Weight: 2},
	})
	require.NoError(t, err)

	fakes := map[string]*fakepgdb.DB{
		"pg-primary":   fakepgdb.New(t).SetName("pg-primary"),
		"pg-replica-1": fakepgdb.New(t).SetName("pg-replica-1"),
		"pg-replica-2": fakepgdb.New(t).SetName("pg-replica-2"),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := topology.NewRegistry(nodes, logger)
	pools := dbconn.NewPools(func(node cluster.NodeDescriptor) (*sql.DB, error) {
		fake, ok := fakes[node.ID]
		if !ok {
			return nil, fmt.Errorf("no backend for node %s", node.ID)
		}
		return fake.OpenDB(), nil
	}, logger)
	t.Cleanup(func() { require.NoError(t, pools.Close()) })

	return &routerFixture{
		registry: registry,
		router:   NewRouter(registry, pools, logger),
		fakes:    fakes,
	}
}

func mustRoute(t *testing.T, conn *dbconn.Conn, err error) string {
	t.Helper()
	require.NoError(t, err)
	id := conn.NodeID()
	require.NoError(t, conn.Close())
	return id
}

func TestRouteWrite(t *testing.T) {
	fx := newRouterFixture(t)

	conn, err := fx.router.RouteWrite(t.Context())
	id := mustRoute(t, conn, err)
	assert.Equal(t, "pg-primary", id)
}

func TestRouteWriteSuspectPrimaryFailsFast(t *testing.T) {
	fx := newRouterFixture(t)
	fx.registry.SetPrimarySuspect(true)

	// The primary itself still answers; the refusal must come from the
	// topology flag alone, without touching the network.
	_, err := fx.router.RouteWrite(t.Context())
	require.ErrorIs(t, err, rrerrors.ErrPrimaryUnavailable)
	assert.Equal(t, rrerrors.CodeUnavailable, rrerrors.CodeOf(err))
}

func TestRouteReadYourWrites(t *testing.T) {
	fx := newRouterFixture(t)

	conn, err := fx.router.RouteRead(t.Context(), ReadYourWrites)
	id := mustRoute(t, conn, err)
	assert.Equal(t, "pg-primary", id)

	fx.registry.SetPrimarySuspect(true)
	_, err = fx.router.RouteRead(t.Context(), ReadYourWrites)
	require.ErrorIs(t, err, rrerrors.ErrPrimaryUnavailable)
}

func TestRouteReadWeightedRoundRobin(t *testing.T) {
	fx := newRouterFixture(t)

	counts := make(map[string]int)
	for range 6 {
		conn, err := fx.router.RouteRead(t.Context(), Eventual)
		counts[mustRoute(t, conn, err)]++
	}

	// Weight 1 vs weight 2 over six reads.
	assert.Equal(t, 2, counts["pg-replica-1"])
	assert.Equal(t, 4, counts["pg-replica-2"])
	assert.Zero(t, counts["pg-primary"])
}

func TestRouteReadRetriesOnceOnConnectionFailure(t *testing.T) {
	fx := newRouterFixture(t)
	fx.registry.ReplaceEligibleReplicas([]string{"pg-replica-1", "pg-replica-2"})

	// First pick lands on pg-replica-1, which refuses connections; the
	// read must be retried on the other eligible replica.
	fx.fakes["pg-replica-1"].SetConnectionError(errors.New("connection refused"))

	conn, err := fx.router.RouteRead(t.Context(), Eventual)
	id := mustRoute(t, conn, err)
	assert.Equal(t, "pg-replica-2", id)
}

func TestRouteReadSingleReplicaFailureSurfacesError(t *testing.T) {
	fx := newRouterFixture(t)
	fx.registry.ReplaceEligibleReplicas([]string{"pg-replica-1"})
	fx.fakes["pg-replica-1"].SetConnectionError(errors.New("connection refused"))

	// No second replica to retry on: the acquisition error surfaces so the
	// caller can tell a refused connection from an empty eligible set.
	_, err := fx.router.RouteRead(t.Context(), Eventual)
	require.ErrorIs(t, err, rrerrors.ErrNodeUnreachable)
}

func TestRouteReadFallsBackToPrimary(t *testing.T) {
	fx := newRouterFixture(t)
	fx.registry.ReplaceEligibleReplicas(nil)

	var events []FallbackEvent
	fx.router.OnFallback(func(ev FallbackEvent) { events = append(events, ev) })

	conn, err := fx.router.RouteRead(t.Context(), Eventual)
	id := mustRoute(t, conn, err)
	assert.Equal(t, "pg-primary", id)

	require.Len(t, events, 1)
	assert.Equal(t, "pg-primary", events[0].PrimaryID)
	assert.Contains(t, events[0].Reason, "no eligible replicas")
}

func TestRouteReadNoReplicasAndSuspectPrimary(t *testing.T) {
	fx := newRouterFixture(t)
	fx.registry.ReplaceEligibleReplicas(nil)
	fx.registry.SetPrimarySuspect(true)

	_, err := fx.router.RouteRead(t.Context(), Eventual)
	require.ErrorIs(t, err, rrerrors.ErrNoEligibleReplica)
	assert.Equal(t, rrerrors.CodeFailedPrecondition, rrerrors.CodeOf(err))
}

func TestRouteReadFallbackConnectionFailure(t *testing.T) {
	fx := newRouterFixture(t)
	fx.registry.ReplaceEligibleReplicas(nil)
	fx.fakes["pg-primary"].SetConnectionError(errors.New("connection refused"))

	_, err := fx.router.RouteRead(t.Context(), Eventual)
	require.ErrorIs(t, err, rrerrors.ErrNoEligibleReplica)
}

func TestGetTopologySnapshot(t *testing.T) {
	fx := newRouterFixture(t)
	fx.registry.ReplaceEligibleReplicas([]string{"pg-replica-2"})
	fx.registry.SetInconsistent(true)

	snap := fx.router.GetTopologySnapshot()
	assert.Equal(t, "pg-primary", snap.Primary)
	assert.Equal(t, []string{"pg-replica-2"}, snap.Replicas)
	assert.True(t, snap.PrimarySuspect)
	assert.True(t, snap.Inconsistent)
	assert.Empty(t, snap.Excluded)
	assert.Equal(t, uint64(3), snap.Version)
}

func TestConsistencyString(t *testing.T) {
	assert.Equal(t, "eventual", Eventual.String())
	assert.Equal(t, "read-your-writes", ReadYourWrites.String())
}
