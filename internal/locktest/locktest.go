// Copyright 2025 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package locktest contains the concurrent correctness checks shared by
// the lock packages' tests.
package locktest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Timeout bounds every helper in this package. A lock that loses a
// wakeup shows up as a timeout rather than a hung test binary.
const Timeout = 60 * time.Second

type entry struct {
	goroutine, iteration int
}

// Exclusion has each of the goroutines acquire the lock, increment a
// plain counter, and release it, iterations times. It verifies that the
// final count is exact, that no two critical sections overlapped, and
// that the recorded history is a linearization: every goroutine's
// critical sections appear in its own program order.
//
// The lock functions are called by the worker goroutines, so they may
// close over per-goroutine state such as an explicit queue node.
func Exclusion(
	t testing.TB, goroutines, iterations int, locker func(g int) sync.Locker,
) {
	t.Helper()
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()

	var (
		counter  int
		history  = make([]entry, 0, goroutines*iterations)
		inside   atomic.Int32
		overlaps atomic.Int32
	)

	eg, egCtx := errgroup.WithContext(ctx)
	for g := 0; g < goroutines; g++ {
		g := g // Capture
		l := locker(g)
		eg.Go(func() error {
			for i := 0; i < iterations; i++ {
				if err := egCtx.Err(); err != nil {
					return err
				}
				l.Lock()
				if inside.Add(1) != 1 {
					overlaps.Add(1)
				}
				counter++
				history = append(history, entry{g, i})
				inside.Add(-1)
				l.Unlock()
			}
			return nil
		})
	}
	wait(t, eg)

	r.Zero(overlaps.Load(), "overlapping critical sections")
	r.Equal(goroutines*iterations, counter)
	r.Len(history, goroutines*iterations)

	next := make([]int, goroutines)
	for idx, e := range history {
		r.Equalf(next[e.goroutine], e.iteration,
			"goroutine %d out of program order at history index %d", e.goroutine, idx)
		next[e.goroutine]++
	}
}

// Permutations is the three-actor check: three goroutines each perform
// r = ++v under a fresh lock. The only acceptable outcomes are the six
// permutations of {1, 2, 3}. It returns how often each outcome was seen.
func Permutations(t testing.TB, rounds int, newLock func() sync.Locker) map[string]int {
	t.Helper()
	r := require.New(t)
	seen := make(map[string]int)

	for round := 0; round < rounds; round++ {
		l := newLock()
		var v int
		var results [3]int
		var start, done sync.WaitGroup
		start.Add(1)
		done.Add(3)
		for a := 0; a < 3; a++ {
			a := a // Capture
			go func() {
				defer done.Done()
				start.Wait()
				l.Lock()
				v++
				results[a] = v
				l.Unlock()
			}()
		}
		start.Done()
		waitGroup(t, &done)

		sorted := results
		sort.Ints(sorted[:])
		r.Equalf([3]int{1, 2, 3}, sorted, "round %d: bad outcome %v", round, results)
		seen[fmt.Sprintf("%d, %d, %d", results[0], results[1], results[2])]++
	}
	return seen
}

// A Waiter is one participant of [GrantOrder].
type Waiter struct {
	Lock   func()
	Unlock func()
	// Queued reports whether the waiter has become visible in the
	// lock's wait queue.
	Queued func() bool
}

// GrantOrder serializes arrivals: while the lock is held by the caller,
// it starts each waiter in turn and waits for it to be queued before
// starting the next. It then calls release and returns the indexes of
// the waiters in the order they were granted the lock.
func GrantOrder(t testing.TB, release func(), waiters []Waiter) []int {
	t.Helper()
	r := require.New(t)

	var mu sync.Mutex
	var order []int
	var done sync.WaitGroup
	done.Add(len(waiters))
	for i, w := range waiters {
		i, w := i, w // Capture
		go func() {
			defer done.Done()
			w.Lock()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			w.Unlock()
		}()
		r.Eventuallyf(w.Queued, Timeout, time.Millisecond, "waiter %d never queued", i)
	}
	release()
	waitGroup(t, &done)
	return order
}

// Sequence returns 0..n-1.
func Sequence(n int) []int {
	ret := make([]int, n)
	for i := range ret {
		ret[i] = i
	}
	return ret
}

// Transitions counts the adjacent pairs in seq whose values differ.
func Transitions(seq []int) int {
	count := 0
	for i := 1; i < len(seq); i++ {
		if seq[i] != seq[i-1] {
			count++
		}
	}
	return count
}

func wait(t testing.TB, eg *errgroup.Group) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- eg.Wait() }()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(Timeout):
		require.FailNow(t, "timed out waiting for lock holders; lost wakeup?")
	}
}

func waitGroup(t testing.TB, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(Timeout):
		require.FailNow(t, "timed out waiting for lock holders; lost wakeup?")
	}
}
