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

// Package park contains the block/wake primitive and the spin-then-park
// wait policy shared by the queue locks.
package park

import (
	"errors"
	"runtime"
)

// A Parker is a single-slot wake token owned by one waiting goroutine.
//
// Unpark deposits the token and never blocks, so it is safe to call
// before the corresponding Park. Park consumes the token, blocking
// until one is available. A token left over from an earlier handoff
// produces a spurious wake; callers must re-check whatever condition
// they are waiting on.
//
// The zero value is not usable; embed a Parker and call Init, or use
// NewParker.
type Parker struct {
	ch chan struct{}
}

// NewParker returns an initialized Parker.
func NewParker() *Parker {
	p := &Parker{}
	p.Init()
	return p
}

// Init prepares an embedded Parker for use. It must be called before
// the Parker is shared with other goroutines.
func (p *Parker) Init() {
	p.ch = make(chan struct{}, 1)
}

// Park blocks until a token is available.
func (p *Parker) Park() {
	<-p.ch
}

// Unpark makes a token available, waking the parked goroutine if
// there is one.
func (p *Parker) Unpark() {
	select {
	case p.ch <- struct{}{}:
	default:
		// A token is already pending.
	}
}

// pureSpins is the number of iterations Pause burns before it starts
// yielding the processor.
const pureSpins = 16

// Pause is a single iteration of a busy-wait loop. Early iterations
// only burn a few cycles; later ones yield the processor so that a
// preempted lock holder can make progress when goroutines outnumber
// processors.
func Pause(i int) {
	if i < pureSpins {
		for j := 0; j < 1<<(i&3); j++ {
			// Empty spin.
		}
		return
	}
	runtime.Gosched()
}

// ErrInvalidPolicy is returned by [Policy.Validate].
var ErrInvalidPolicy = errors.New("invalid wait policy")

// Policy is the two-phase wait used by the blocking lock variants: a
// bounded busy-spin on a local flag, followed by parking until the
// releaser calls [Parker.Unpark].
type Policy struct {
	// SpinBudget is the number of spin iterations before parking.
	SpinBudget int
	// ParkEnabled allows the waiter to be descheduled. When false, the
	// waiter spins indefinitely, which is only appropriate when there
	// are no more waiters than processors.
	ParkEnabled bool
}

// DefaultPolicy spins briefly and then parks.
func DefaultPolicy() Policy {
	return Policy{SpinBudget: 256, ParkEnabled: true}
}

// SpinPolicy never parks.
func SpinPolicy() Policy {
	return Policy{SpinBudget: 0, ParkEnabled: false}
}

// Validate returns an error if the policy is unusable.
func (p Policy) Validate() error {
	if p.SpinBudget < 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// Await returns once ready reports true. The parker must belong to the
// calling goroutine and is only used when parking is enabled.
func (p Policy) Await(pk *Parker, ready func() bool) {
	for i := 0; !ready(); i++ {
		if p.ParkEnabled && i >= p.SpinBudget {
			pk.Park()
			continue
		}
		Pause(i)
	}
}
