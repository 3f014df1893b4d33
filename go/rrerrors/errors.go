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

package rrerrors

import (
	"errors"
	"fmt"
)

// Sentinels for the routing and failover error taxonomy. Callers use
// errors.Is against these; the concrete error still carries a message and
// code via codedError.
var (
	// ErrNodeUnreachable indicates a probe or connection attempt failed.
	// Retryable.
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrReplicationAnomaly indicates a node's self-reported recovery state
	// contradicts its configured role. Never auto-corrected, always surfaced.
	ErrReplicationAnomaly = errors.New("replication anomaly")

	// ErrStaleTopology indicates a compare-and-swap on the topology version
	// failed. The caller must re-read the topology and retry.
	ErrStaleTopology = errors.New("stale topology version")

	// ErrPrimaryUnavailable indicates a write was attempted while the
	// primary is suspect. Fail-fast, surfaced immediately to the caller.
	ErrPrimaryUnavailable = errors.New("primary unavailable")

	// ErrNoEligibleReplica indicates a read could not be served by any
	// replica and the primary fallback also failed.
	ErrNoEligibleReplica = errors.New("no eligible replica")
)

type codedError struct {
	code     Code
	sentinel error
	err      error
}

func (e *codedError) Error() string { return e.err.Error() }

func (e *codedError) Unwrap() []error {
	if e.sentinel != nil {
		return []error{e.sentinel, e.err}
	}
	return []error{e.err}
}

// New returns an error with the given code and message.
func New(code Code, msg string) error {
	return &codedError{code: code, err: errors.New(msg)}
}

// Errorf returns a formatted error with the given code.
func Errorf(code Code, format string, args ...any) error {
	return &codedError{code: code, err: fmt.Errorf(format, args...)}
}

// Wrap annotates err with a message, preserving err's code if it has one.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &codedError{code: CodeOf(err), err: fmt.Errorf("%s: %w", msg, err)}
}

// NodeUnreachable wraps err as a retryable unreachable-node error.
func NodeUnreachable(nodeID string, err error) error {
	return &codedError{
		code:     CodeUnavailable,
		sentinel: ErrNodeUnreachable,
		err:      fmt.Errorf("node %s unreachable: %w", nodeID, err),
	}
}

// ReplicationAnomaly reports a node whose recovery state contradicts its role.
func ReplicationAnomaly(nodeID, detail string) error {
	return &codedError{
		code:     CodeFailedPrecondition,
		sentinel: ErrReplicationAnomaly,
		err:      fmt.Errorf("replication anomaly on node %s: %s", nodeID, detail),
	}
}

// StaleTopology reports a failed version compare-and-swap.
func StaleTopology(expected, current uint64) error {
	return &codedError{
		code:     CodeAborted,
		sentinel: ErrStaleTopology,
		err:      fmt.Errorf("stale topology version: expected %d, current %d", expected, current),
	}
}

// PrimaryUnavailable reports a write rejected because the primary is suspect.
func PrimaryUnavailable(primaryID string) error {
	return &codedError{
		code:     CodeUnavailable,
		sentinel: ErrPrimaryUnavailable,
		err:      fmt.Errorf("primary %s is suspect, refusing write", primaryID),
	}
}

// NoEligibleReplica reports a read that could not be served anywhere.
func NoEligibleReplica(detail string) error {
	return &codedError{
		code:     CodeFailedPrecondition,
		sentinel: ErrNoEligibleReplica,
		err:      fmt.Errorf("no eligible replica: %s", detail),
	}
}

// CodeOf extracts the code from an error, returning CodeUnknown for plain
// errors and CodeOK for nil.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return CodeUnknown
}
