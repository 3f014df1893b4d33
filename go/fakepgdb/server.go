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

// Package fakepgdb provides a fake PostgreSQL server for tests. It lets
// tests script the results of the replication status queries issued by the
// prober and router without a live cluster.
package fakepgdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
)

// DB is a fake PostgreSQL database. All methods are safe for concurrent
// use. It implements driver.Connector so it can be handed to sql.OpenDB.
type DB struct {
	t    testing.TB
	name string

	mu sync.Mutex

	// data maps tolower(query) to a result.
	data map[string]*ExpectedResult

	// rejected maps tolower(query) to an error.
	rejected map[string]error

	// patterns are checked in insertion order when no exact match is found.
	patterns []patternEntry

	// queryCalled counts how many times each exact query was executed.
	queryCalled map[string]int

	// connErr, when set, fails every new connection attempt. Used to
	// simulate an unreachable node.
	connErr error
}

// ExpectedResult holds the faked rows for a matched query.
type ExpectedResult struct {
	Columns []string
	Rows    [][]any

	// BeforeFunc, when set, is called synchronously before the result is
	// returned. Tests use it to interleave concurrent state changes with
	// a query.
	BeforeFunc func()
}

type patternEntry struct {
	pattern string
	expr    *regexp.Regexp
	result  *ExpectedResult
	err     string
}

// New creates a new fake PostgreSQL database for testing.
func New(t testing.TB) *DB {
	return &DB{
		t:           t,
		name:        "fakepgdb",
		data:        make(map[string]*ExpectedResult),
		rejected:    make(map[string]error),
		queryCalled: make(map[string]int),
	}
}

// SetName sets the name of the DB, used in error messages.
func (db *DB) SetName(name string) *DB {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.name = name
	return db
}

// Connect implements driver.Connector.
func (db *DB) Connect(ctx context.Context) (driver.Conn, error) {
	db.mu.Lock()
	err := db.connErr
	db.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fakeConn{db: db}, nil
}

// Driver implements driver.Connector.
func (db *DB) Driver() driver.Driver {
	return &fakeDriver{db: db}
}

// OpenDB returns a *sql.DB connected to this fake database.
func (db *DB) OpenDB() *sql.DB {
	return sql.OpenDB(db)
}

// AddQuery adds an exact query and its expected result. Matching is
// case-insensitive.
func (db *DB) AddQuery(query string, result *ExpectedResult) {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := strings.ToLower(query)
	db.data[key] = result
	db.queryCalled[key] = 0
}

// AddQueryPattern adds an expected result for any query matching the given
// regexp. Patterns are checked only if no exact match exists. Begin/end
// anchors are added and matching is case-insensitive.
func (db *DB) AddQueryPattern(queryPattern string, result *ExpectedResult) {
	expr := regexp.MustCompile("(?is)^" + queryPattern + "$")
	db.mu.Lock()
	defer db.mu.Unlock()
	db.patterns = append(db.patterns, patternEntry{
		pattern: queryPattern,
		expr:    expr,
		result:  result,
	})
}

// RejectQueryPattern makes any query matching the pattern fail with an error.
func (db *DB) RejectQueryPattern(queryPattern, errMsg string) {
	expr := regexp.MustCompile("(?is)^" + queryPattern + "$")
	db.mu.Lock()
	defer db.mu.Unlock()
	db.patterns = append(db.patterns, patternEntry{
		pattern: queryPattern,
		expr:    expr,
		err:     errMsg,
	})
}

// AddRejectedQuery makes the exact query fail with err.
func (db *DB) AddRejectedQuery(query string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rejected[strings.ToLower(query)] = err
}

// DeleteAllQueries removes every scripted query, pattern, and rejection.
func (db *DB) DeleteAllQueries() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data = make(map[string]*ExpectedResult)
	db.rejected = make(map[string]error)
	db.patterns = nil
	db.queryCalled = make(map[string]int)
}

// GetQueryCalledNum returns how many times an exact query was executed.
func (db *DB) GetQueryCalledNum(query string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.queryCalled[strings.ToLower(query)]
}

// SetConnectionError makes all new connections fail with err until cleared
// with a nil err. Existing connections are unaffected.
func (db *DB) SetConnectionError(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.connErr = err
}

// handleQuery resolves a query against the scripted expectations.
func (db *DB) handleQuery(query string) (*ExpectedResult, error) {
	result, err := db.lookup(query)
	if err != nil {
		return nil, err
	}
	if f := result.BeforeFunc; f != nil {
		f()
	}
	return result, nil
}

func (db *DB) lookup(query string) (*ExpectedResult, error) {
	key := strings.ToLower(query)

	db.mu.Lock()
	defer db.mu.Unlock()

	db.queryCalled[key]++

	if err, ok := db.rejected[key]; ok {
		return nil, err
	}

	if result, ok := db.data[key]; ok {
		return result, nil
	}

	for _, pat := range db.patterns {
		if pat.expr.MatchString(query) {
			if pat.err != "" {
				return nil, errors.New(pat.err)
			}
			return pat.result, nil
		}
	}

	return nil, fmt.Errorf("fakepgdb: query %q is not supported on %v", query, db.name)
}
