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

// Ticket is a FIFO spin lock. Lock takes the next ticket and waits
// until it is being served; Unlock serves the next ticket.
//
// The counters wrap around; this is harmless as long as fewer than
// 2^32 goroutines wait at once.
type Ticket struct {
	_       cacheLinePad
	next    atomic.Uint32
	_       cacheLinePad
	serving atomic.Uint32
	_       cacheLinePad
	opts    *Options
}

// NewTicket returns a spinning ticket lock.
func NewTicket() *Ticket { return &Ticket{} }

// NewTicketYield returns a ticket lock whose waiters yield and sleep
// while waiting for their turn.
func NewTicketYield(opts ...Option) *Ticket {
	o := buildOptions(opts)
	return &Ticket{opts: &o}
}

// Lock acquires the lock.
func (l *Ticket) Lock() {
	my := l.next.Add(1) - 1
	w := waiter{opts: l.opts}
	for l.serving.Load() != my {
		w.pause()
	}
}

// Unlock releases the lock to the holder of the next ticket.
func (l *Ticket) Unlock() {
	if l.serving.Load() == l.next.Load() {
		panic("spin: unlock of unlocked Ticket")
	}
	l.serving.Add(1)
}

// waiting returns the number of tickets issued and not yet served,
// including the holder's.
func (l *Ticket) waiting() uint32 {
	return l.next.Load() - l.serving.Load()
}
