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

// Package dbconn manages one pooled database handle per cluster node and
// hands out routed connection handles bound to a node identity.
package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/multigres/replroute/go/cluster"
	"github.com/multigres/replroute/go/rrerrors"
)

// Pool sizing follows the control plane's production settings: 20 base
// connections plus 10 overflow, recycled every 30 minutes.
const (
	defaultMaxOpenConns    = 30
	defaultMaxIdleConns    = 20
	defaultConnMaxLifetime = 30 * time.Minute
)

// ConnParams holds the credentials shared by every node connection.
// Host and port come from each node's descriptor.
type ConnParams struct {
	Database string
	User     string
	Password string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (p ConnParams) withDefaults() ConnParams {
	if p.MaxOpenConns == 0 {
		p.MaxOpenConns = defaultMaxOpenConns
	}
	if p.MaxIdleConns == 0 {
		p.MaxIdleConns = defaultMaxIdleConns
	}
	if p.ConnMaxLifetime == 0 {
		p.ConnMaxLifetime = defaultConnMaxLifetime
	}
	if p.SSLMode == "" {
		p.SSLMode = "disable"
	}
	return p
}

// Opener opens a database handle for a node. Production code uses PQOpener;
// tests inject an opener backed by fakepgdb.
type Opener func(node cluster.NodeDescriptor) (*sql.DB, error)

// PQOpener returns an Opener that connects with lib/pq using the given
// connection parameters and applies the pool sizing discipline.
func PQOpener(params ConnParams) Opener {
	params = params.withDefaults()
	return func(node cluster.NodeDescriptor) (*sql.DB, error) {
		dsn := fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
			node.Host(), node.Port(), params.Database, params.User, params.Password, params.SSLMode)
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open connection pool for node %s: %w", node.ID, err)
		}
		db.SetMaxOpenConns(params.MaxOpenConns)
		db.SetMaxIdleConns(params.MaxIdleConns)
		db.SetConnMaxLifetime(params.ConnMaxLifetime)
		return db, nil
	}
}

// Pools owns one *sql.DB per node, opened lazily on first use.
type Pools struct {
	open   Opener
	logger *slog.Logger

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewPools creates a Pools using the given opener.
func NewPools(open Opener, logger *slog.Logger) *Pools {
	return &Pools{
		open:   open,
		logger: logger,
		dbs:    make(map[string]*sql.DB),
	}
}

// DB returns the pooled handle for a node, opening it on first use.
func (p *Pools) DB(node cluster.NodeDescriptor) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.dbs[node.ID]; ok {
		return db, nil
	}
	db, err := p.open(node)
	if err != nil {
		return nil, err
	}
	p.dbs[node.ID] = db
	p.logger.Info("opened connection pool", "node_id", node.ID, "address", node.Address)
	return db, nil
}

// Acquire checks out a connection to the given node, bounded by ctx.
// Each checkout is pinged first; a stale connection is discarded and
// re-acquired once before the failure is surfaced.
func (p *Pools) Acquire(ctx context.Context, node cluster.NodeDescriptor) (*Conn, error) {
	db, err := p.DB(node)
	if err != nil {
		return nil, rrerrors.NodeUnreachable(node.ID, err)
	}

	conn, err := p.acquirePinged(ctx, db)
	if err != nil {
		return nil, rrerrors.NodeUnreachable(node.ID, err)
	}
	return NewConn(node.ID, conn), nil
}

func (p *Pools) acquirePinged(ctx context.Context, db *sql.DB) (*sql.Conn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		// The pooled connection may simply have gone stale; one fresh
		// checkout distinguishes that from a down node.
		conn, err = db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		if err := conn.PingContext(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// CheckConnectivity issues SELECT 1 against the node. Used by readiness
// probes; an error means the node is unreachable.
func (p *Pools) CheckConnectivity(ctx context.Context, node cluster.NodeDescriptor) error {
	db, err := p.DB(node)
	if err != nil {
		return rrerrors.NodeUnreachable(node.ID, err)
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return rrerrors.NodeUnreachable(node.ID, err)
	}
	return nil
}

// Close closes every pool. Safe to call once at shutdown.
func (p *Pools) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for id, db := range p.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing pool for node %s: %w", id, err))
		}
	}
	p.dbs = make(map[string]*sql.DB)
	return errors.Join(errs...)
}
