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

// Package event provides a small listener registry used to surface health
// observations (primary suspect, read fallback) to external observers.
package event

import "sync"

// Listeners holds a set of callbacks for events of type T.
// Fire invokes every listener synchronously in registration order; listeners
// must not block, they are called from the health monitor's probe loops.
type Listeners[T any] struct {
	mu    sync.Mutex
	funcs []func(T)
}

// Add registers a listener.
func (l *Listeners[T]) Add(f func(T)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.funcs = append(l.funcs, f)
}

// Fire delivers ev to every registered listener. Concurrent Fire calls are
// serialized so listeners observe events in a consistent order.
func (l *Listeners[T]) Fire(ev T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.funcs {
		f(ev)
	}
}

// Len returns the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.funcs)
}
