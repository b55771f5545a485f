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

package spin

import "sync/atomic"

// TAS is a test-and-set lock. Every attempt is an atomic
// read-modify-write on the shared flag, which makes it the worst
// performer under contention.
type TAS struct {
	_      cacheLinePad
	locked atomic.Bool
	_      cacheLinePad
	opts   *Options
}

// NewTAS returns a spinning test-and-set lock.
func NewTAS() *TAS { return &TAS{} }

// NewTASYield returns a test-and-set lock whose waiters yield and sleep
// between attempts.
func NewTASYield(opts ...Option) *TAS {
	o := buildOptions(opts)
	return &TAS{opts: &o}
}

// Lock acquires the lock.
func (l *TAS) Lock() {
	w := waiter{opts: l.opts}
	for !l.locked.CompareAndSwap(false, true) {
		w.pause()
	}
}

// Unlock releases the lock.
func (l *TAS) Unlock() {
	if !l.locked.Swap(false) {
		panic("spin: unlock of unlocked TAS")
	}
}

// TTAS is a test-test-and-set lock. Waiters read the flag until it
// looks free and only then attempt the atomic swap, so waiting is
// served from the local cache.
type TTAS struct {
	_      cacheLinePad
	locked atomic.Bool
	_      cacheLinePad
	opts   *Options
}

// NewTTAS returns a spinning test-test-and-set lock.
func NewTTAS() *TTAS { return &TTAS{} }

// NewTTASYield returns a test-test-and-set lock whose waiters yield and
// sleep between attempts.
func NewTTASYield(opts ...Option) *TTAS {
	o := buildOptions(opts)
	return &TTAS{opts: &o}
}

// Lock acquires the lock.
func (l *TTAS) Lock() {
	w := waiter{opts: l.opts}
	for {
		if !l.locked.Load() && !l.locked.Swap(true) {
			return
		}
		w.pause()
	}
}

// Unlock releases the lock.
func (l *TTAS) Unlock() {
	if !l.locked.Swap(false) {
		panic("spin: unlock of unlocked TTAS")
	}
}
