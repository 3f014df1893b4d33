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

package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenersFireOrder(t *testing.T) {
	var ls Listeners[string]
	assert.Equal(t, 0, ls.Len())

	var got []string
	ls.Add(func(ev string) { got = append(got, "first:"+ev) })
	ls.Add(func(ev string) { got = append(got, "second:"+ev) })
	require.Equal(t, 2, ls.Len())

	ls.Fire("a")
	ls.Fire("b")

	assert.Equal(t, []string{"first:a", "second:a", "first:b", "second:b"}, got)
}

func TestListenersFireWithoutListeners(t *testing.T) {
	var ls Listeners[int]
	ls.Fire(42) // must not panic
}

func TestListenersConcurrentFire(t *testing.T) {
	var ls Listeners[int]
	var sum int
	ls.Add(func(ev int) { sum += ev })

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ls.Fire(1)
		}()
	}
	wg.Wait()

	// Fire serializes listener invocations, so the unguarded sum is safe.
	assert.Equal(t, 100, sum)
}
