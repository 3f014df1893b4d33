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

// Package failover implements the operator-triggered promotion workflow.
//
// This is deliberately a manual-assisted state machine, not an automatic
// one: no timer-based self-healing, because mis-promoting on a false
// positive (say, a transient network partition) is strictly worse than a
// bounded read-only outage. Aborted workflows are never retried
// automatically; the operator restarts from scratch.
package failover

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/multigres/replroute/go/health"
	"github.com/multigres/replroute/go/rrerrors"
	"github.com/multigres/replroute/go/topology"
)

// State is the workflow state. Transitions:
// Idle → ValidatingCandidate → Promoting → Completed,
// with Aborted reachable from ValidatingCandidate and Promoting.
type State int

const (
	Idle State = iota
	ValidatingCandidate
	Promoting
	Completed
	Aborted
)

var stateNames = map[State]string{
	Idle:                "idle",
	ValidatingCandidate: "validating-candidate",
	Promoting:           "promoting",
	Completed:           "completed",
	Aborted:             "aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the workflow has finished.
func (s State) Terminal() bool {
	return s == Completed || s == Aborted
}

// Workflow is the handle returned by BeginFailover.
type Workflow struct {
	ID          uuid.UUID
	CandidateID string
	StartedAt   time.Time

	mu     sync.Mutex
	state  State
	reason string

	done chan struct{}
}

// Status returns the current state and, for aborted workflows, the reason.
func (w *Workflow) Status() (State, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.reason
}

// Wait blocks until the workflow terminates or ctx expires. On expiry the
// returned state is the workflow's current (non-terminal) state, alongside
// the context error.
func (w *Workflow) Wait(ctx context.Context) (State, string, error) {
	select {
	case <-w.done:
		s, reason := w.Status()
		return s, reason, nil
	case <-ctx.Done():
		s, reason := w.Status()
		return s, reason, ctx.Err()
	}
}

func (w *Workflow) transition(logger *slog.Logger, next State, reason string) {
	w.mu.Lock()
	prev := w.state
	w.state = next
	w.reason = reason
	w.mu.Unlock()

	logger.Info("failover workflow transition",
		"workflow_id", w.ID,
		"candidate_id", w.CandidateID,
		"from", prev,
		"to", next,
		"reason", reason,
	)
	if next.Terminal() {
		close(w.done)
	}
}

// Coordinator validates a candidate replica and, if it passes, atomically
// swaps the registry's primary pointer. Only one workflow may be active at
// a time.
type Coordinator struct {
	registry *topology.Registry
	prober   *health.Prober
	logger   *slog.Logger

	// strictLagCeiling gates promotion. It must be tighter than the
	// routing-eligibility ceiling: a candidate good enough to serve reads
	// is not necessarily close enough to become primary.
	strictLagCeiling time.Duration

	mu        sync.Mutex
	active    *Workflow
	workflows map[uuid.UUID]*Workflow
}

// NewCoordinator creates a coordinator using the given strict lag ceiling
// for candidate validation.
func NewCoordinator(registry *topology.Registry, prober *health.Prober, logger *slog.Logger, strictLagCeiling time.Duration) *Coordinator {
	return &Coordinator{
		registry:         registry,
		prober:           prober,
		logger:           logger,
		strictLagCeiling: strictLagCeiling,
		workflows:        make(map[uuid.UUID]*Workflow),
	}
}

// BeginFailover starts a promotion workflow for the candidate and returns
// its handle immediately; validation and promotion run in the background.
// Fails if another workflow is still active.
func (c *Coordinator) BeginFailover(ctx context.Context, candidateID string) (*Workflow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		if s, _ := c.active.Status(); !s.Terminal() {
			return nil, rrerrors.Errorf(rrerrors.CodeFailedPrecondition,
				"failover workflow %s already in progress", c.active.ID)
		}
	}

	wf := &Workflow{
		ID:          uuid.New(),
		CandidateID: candidateID,
		StartedAt:   time.Now(),
		state:       ValidatingCandidate,
		done:        make(chan struct{}),
	}
	c.active = wf
	c.workflows[wf.ID] = wf

	c.logger.Info("failover workflow started",
		"workflow_id", wf.ID,
		"candidate_id", candidateID,
	)

	go c.run(ctx, wf)
	return wf, nil
}

// FailoverStatus looks up a workflow by handle ID.
func (c *Coordinator) FailoverStatus(id uuid.UUID) (State, string, error) {
	c.mu.Lock()
	wf, ok := c.workflows[id]
	c.mu.Unlock()

	if !ok {
		return Idle, "", rrerrors.Errorf(rrerrors.CodeNotFound,
			"no failover workflow with id %s", id)
	}
	s, reason := wf.Status()
	return s, reason, nil
}

// run executes the workflow. The registry is mutated only in the Promoting
// step; every validation failure aborts with the topology untouched.
func (c *Coordinator) run(ctx context.Context, wf *Workflow) {
	// The expected version is captured before validation. Any topology
	// change in between (an eligible-set change, another promotion) makes
	// the promotion CAS fail, forcing the operator to re-validate against
	// the changed world.
	state := c.registry.Snapshot()
	expectedVersion := state.Version

	candidate, ok := c.registry.Nodes().Get(wf.CandidateID)
	if !ok {
		wf.transition(c.logger, Aborted, "candidate is not a configured node")
		return
	}
	if wf.CandidateID == state.PrimaryID {
		wf.transition(c.logger, Aborted, "candidate is already the primary")
		return
	}
	if state.IsExcluded(wf.CandidateID) {
		wf.transition(c.logger, Aborted, "candidate is excluded from routing")
		return
	}

	// Re-probe synchronously, bypassing the periodic cycle: the decision
	// must be made on current state, not a snapshot up to an interval old.
	snap := c.prober.Probe(ctx, candidate, true, health.Snapshot{})
	if !snap.Reachable {
		wf.transition(c.logger, Aborted, "candidate unreachable during validation")
		return
	}
	if !snap.IsInRecovery {
		wf.transition(c.logger, Aborted,
			"candidate is not in recovery: it must currently be a standby")
		return
	}
	lag, known := snap.LagSeconds()
	if !known {
		wf.transition(c.logger, Aborted, "candidate replay lag is unknown")
		return
	}
	if lag > c.strictLagCeiling.Seconds() {
		wf.transition(c.logger, Aborted, "candidate lag exceeds the failover ceiling")
		return
	}

	wf.transition(c.logger, Promoting, "")

	if err := c.registry.PromotePrimary(wf.CandidateID, expectedVersion); err != nil {
		if errors.Is(err, rrerrors.ErrStaleTopology) {
			wf.transition(c.logger, Aborted,
				"topology changed during promotion: "+err.Error())
			return
		}
		wf.transition(c.logger, Aborted, err.Error())
		return
	}

	// The old primary is now excluded by the registry; demoting it back
	// to a working replica is an external operational step.
	wf.transition(c.logger, Completed, "")
}
