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

// Package timer provides PeriodicRunner for running callbacks at regular
// intervals. Each probe loop in the health monitor owns one runner, so a
// slow callback on one node never delays another node's schedule.
package timer

import (
	"context"
	"sync"
	"time"
)

// PeriodicRunner runs a callback at a fixed interval.
//
// The next run is scheduled only after the current callback returns, so a
// callback that overruns the interval delays its own schedule rather than
// stacking invocations. Stop cancels the callback context and waits for any
// in-flight callback before returning. A stopped runner can be started again.
type PeriodicRunner struct {
	parentCtx context.Context
	interval  time.Duration

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	running   bool
	immediate bool
}

// NewPeriodicRunner creates a runner that fires every interval once started.
// The parent context bounds the lifetime of all callbacks; callers should
// pass a long-lived context, not a request context.
func NewPeriodicRunner(ctx context.Context, interval time.Duration) *PeriodicRunner {
	return &PeriodicRunner{
		parentCtx: ctx,
		interval:  interval,
	}
}

// WithImmediateFirstRun makes Start fire the callback right away instead of
// waiting one interval. Must be called before Start.
func (r *PeriodicRunner) WithImmediateFirstRun() *PeriodicRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.immediate = true
	return r
}

// Start begins running the callback. Returns false if already running.
func (r *PeriodicRunner) Start(callback func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return false
	}

	ctx, cancel := context.WithCancel(r.parentCtx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.running = true

	go r.loop(ctx, done, callback, r.immediate)
	return true
}

// Stop cancels the callback context and waits for any in-flight callback.
// Idempotent; the runner can be restarted afterwards.
func (r *PeriodicRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the runner is currently started.
func (r *PeriodicRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *PeriodicRunner) loop(ctx context.Context, done chan struct{}, callback func(ctx context.Context), immediate bool) {
	defer close(done)

	if immediate {
		callback(ctx)
		if ctx.Err() != nil {
			return
		}
	}

	t := time.NewTimer(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			callback(ctx)
			// Reset only after the callback completes so invocations
			// never overlap.
			t.Reset(r.interval)
		}
	}
}
