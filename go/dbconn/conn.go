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

package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
)

// Conn is a routed connection handle. It wraps a pooled *sql.Conn together
// with the identity of the node it is bound to, so callers (and logs) can
// always tell which endpoint served a statement.
type Conn struct {
	nodeID string
	conn   *sql.Conn
	closed atomic.Bool
}

// NewConn wraps a pooled connection bound to the given node.
func NewConn(nodeID string, conn *sql.Conn) *Conn {
	return &Conn{nodeID: nodeID, conn: conn}
}

// NodeID returns the ID of the node this connection is bound to.
func (c *Conn) NodeID() string {
	return c.nodeID
}

// Exec executes a statement that returns no rows.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) error {
	if c.closed.Load() {
		return fmt.Errorf("cannot execute on closed connection to %s", c.nodeID)
	}
	_, err := c.conn.ExecContext(ctx, query, args...)
	return err
}

// Query executes a query that returns rows.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("cannot query on closed connection to %s", c.nodeID)
	}
	return c.conn.QueryContext(ctx, query, args...)
}

// QueryRow executes a query expected to return at most one row. There is
// no closed-handle guard here: *sql.Row carries no error constructor, so a
// closed handle surfaces sql.ErrConnDone from the returned row's Scan
// instead of the wrapped error Exec and Query produce.
func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

// Close returns the connection to its node's pool. Idempotent.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil // already closed
	}
	return c.conn.Close()
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Raw returns the underlying *sql.Conn. Direct use bypasses the node
// identity bookkeeping, so callers should prefer the wrapper methods.
func (c *Conn) Raw() *sql.Conn {
	return c.conn
}
