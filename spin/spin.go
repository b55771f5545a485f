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

/*
Package spin contains the flat spin locks: test-and-set, test-test-and-set
and the ticket lock.

These are the baselines the queue locks are measured against. Every
waiter spins on the same shared word, so each release invalidates the
cache line in every waiting core. Test-and-set gives no ordering
guarantee at all; the ticket lock serves waiters in the order they took
a ticket.

Each lock has a yielding variant for oversubscribed machines (more
runnable goroutines than processors). A yielding waiter gives up the
processor between attempts and, after a few rounds, sleeps according to
a [backoff.Backoff] schedule:

	l := spin.NewTicketYield(spin.WithBackoff(backoff.Default))
	l.Lock()
	defer l.Unlock()

None of the locks are reentrant.
*/
package spin

import (
	"runtime"

	"github.com/cockroachdb/numalocks/backoff"
	"github.com/cockroachdb/numalocks/park"
)

// cacheLinePad separates hot atomics that are written by different
// goroutines.
type cacheLinePad struct {
	_ [64]byte
}

// Option configures a yielding lock.
type Option func(*Options)

// Options for the yielding variants.
type Options struct {
	// Backoff creates the sleep schedule for one contended acquisition.
	// When nil, waiters only yield.
	Backoff backoff.Factory
	// Yields is the number of bare processor yields before the first
	// sleep.
	Yields int
}

// DefaultOptions yields 16 times and then sleeps on [backoff.Default].
func DefaultOptions() Options {
	return Options{
		Backoff: backoff.Default,
		Yields:  16,
	}
}

// WithBackoff sets the sleep schedule factory. A nil factory disables
// sleeping.
func WithBackoff(f backoff.Factory) Option {
	return func(o *Options) { o.Backoff = f }
}

// WithYields sets the number of yields before the first sleep.
func WithYields(n int) Option {
	return func(o *Options) {
		if n >= 0 {
			o.Yields = n
		}
	}
}

func buildOptions(opts []Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// waiter tracks the progress of one contended acquisition.
type waiter struct {
	opts    *Options // nil for the pure spin variants
	attempt int
	sleeper *backoff.Sleeper
}

// pause is called after every failed attempt.
func (w *waiter) pause() {
	i := w.attempt
	w.attempt++
	if w.opts == nil {
		park.Pause(i)
		return
	}
	if i < w.opts.Yields || w.opts.Backoff == nil {
		runtime.Gosched()
		return
	}
	if w.sleeper == nil {
		w.sleeper = backoff.NewSleeper(w.opts.Backoff())
	}
	w.sleeper.Sleep()
}
