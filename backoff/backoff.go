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

// Package backoff provides the sleep schedules used by the yielding
// spin locks once yielding alone has not produced the lock.
package backoff

import (
	"time"

	gr "github.com/sethvargo/go-retry"
)

// Backoff strategy. The signature matches
// [github.com/sethvargo/go-retry.Backoff], so those strategies can be
// used directly.
type Backoff interface {
	// Next returns the next delay. It returns true when the schedule
	// is exhausted.
	Next() (time.Duration, bool)
}

// A Factory creates a fresh, unshared Backoff for a single contended
// acquisition.
type Factory func() Backoff

// Defaults used by [Default].
const (
	DefaultBase = time.Microsecond
	DefaultMax  = 100 * time.Microsecond
)

// Default returns an exponential schedule starting at [DefaultBase] and
// capped at [DefaultMax] that never runs out.
func Default() Backoff {
	return gr.WithCappedDuration(DefaultMax, gr.NewExponential(DefaultBase))
}

// A Sleeper sleeps according to a Backoff, holding the last delay once
// the schedule is exhausted. Lock waiters never give up, so an
// exhausted schedule only stops growing.
type Sleeper struct {
	b    Backoff
	last time.Duration
}

// NewSleeper wraps the Backoff.
func NewSleeper(b Backoff) *Sleeper {
	return &Sleeper{b: b}
}

// Sleep blocks for the next delay and returns it.
func (s *Sleeper) Sleep() time.Duration {
	if s.b != nil {
		if d, stop := s.b.Next(); !stop {
			s.last = d
		} else {
			s.b = nil
		}
	}
	if s.last > 0 {
		time.Sleep(s.last)
	}
	return s.last
}
