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

package cna

import (
	"math"
	"sync"
	"testing"

	"github.com/cockroachdb/numalocks/internal/locktest"
	"github.com/cockroachdb/numalocks/park"
	"github.com/cockroachdb/numalocks/topology"
	"github.com/stretchr/testify/require"
)

type nodeLocker struct {
	l      *Lock
	n      *Node
	socket int
}

func (nl *nodeLocker) Lock()   { nl.l.LockNode(nl.n, nl.socket) }
func (nl *nodeLocker) Unlock() { nl.l.UnlockNode(nl.n) }

func newLock(t *testing.T, opts ...Option) *Lock {
	l, err := New(opts...)
	require.NoError(t, err)
	return l
}

func TestExclusion(t *testing.T) {
	tcs := []struct {
		name string
		opts []Option
	}{
		{"default", nil},
		{"always local", []Option{WithLocalityThreshold(math.MaxUint32)}},
		{"never local", []Option{WithLocalityThreshold(0)}},
		{"short scan", []Option{WithScanLimit(2)}},
		{"spin", []Option{WithPolicy(park.SpinPolicy())}},
		{"park at once", []Option{WithPolicy(park.Policy{ParkEnabled: true})}},
		{"frequent flush", []Option{WithLocalityThreshold(3)}},
	}
	for _, tc := range tcs {
		tc := tc // Capture
		t.Run(tc.name, func(t *testing.T) {
			l := newLock(t, tc.opts...)
			locktest.Exclusion(t, 8, 1000, func(g int) sync.Locker {
				return &nodeLocker{l: l, n: NewNode(), socket: g % 3}
			})
			require.True(t, l.IsFree())
		})
	}
}

func TestExclusionWithProvider(t *testing.T) {
	l := newLock(t, WithTopology(topology.Static{Socket: 1}))
	locktest.Exclusion(t, 8, 1000, func(int) sync.Locker { return l })
	require.True(t, l.IsFree())
}

func TestPermutations(t *testing.T) {
	locktest.Permutations(t, 200, func() sync.Locker { return newLock(t) })
}

// alternating queues count waiters behind a holder on socket 0, with
// waiter i on socket (i+1)%2. It returns the grant order.
func alternating(t *testing.T, l *Lock, count int) []int {
	holder := NewNode()
	l.LockNode(holder, 0)
	waiters := make([]locktest.Waiter, count)
	for i := range waiters {
		n := NewNode()
		socket := (i + 1) % 2
		waiters[i] = locktest.Waiter{
			Lock:   func() { l.LockNode(n, socket) },
			Unlock: func() { l.UnlockNode(n) },
			Queued: func() bool { return l.tail.Load() == n },
		}
	}
	return locktest.GrantOrder(t, func() { l.UnlockNode(holder) }, waiters)
}

func sockets(order []int) []int {
	ret := []int{0} // The holder.
	for _, i := range order {
		ret = append(ret, (i+1)%2)
	}
	return ret
}

func TestSocketLocality(t *testing.T) {
	r := require.New(t)
	const count = 16

	var cross, total int
	l := newLock(t,
		WithLocalityThreshold(math.MaxUint32),
		WithEvents(&Events{OnHandoff: func(from, to int) {
			total++
			if from != to {
				cross++
			}
		}}),
	)
	order := alternating(t, l, count)
	r.Equal([]int{1, 3, 5, 7, 9, 11, 13, 15, 0, 2, 4, 6, 8, 10, 12, 14}, order)
	r.Equal(1, locktest.Transitions(sockets(order)))
	r.Equal(count, total)
	r.Equal(1, cross)
	r.True(l.IsFree())

	// Strict FIFO, as served by MCS, changes sockets on every grant.
	r.Equal(count, locktest.Transitions(sockets(locktest.Sequence(count))))
}

func TestNoLocality(t *testing.T) {
	tcs := []struct {
		name string
		opts []Option
	}{
		{"threshold zero", []Option{WithLocalityThreshold(0)}},
		{"scan limit one", []Option{WithLocalityThreshold(math.MaxUint32), WithScanLimit(1)}},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			l := newLock(t, tc.opts...)
			order := alternating(t, l, 8)
			require.Equal(t, locktest.Sequence(8), order)
			require.True(t, l.IsFree())
		})
	}
}

func TestReleaseWithoutSuccessor(t *testing.T) {
	r := require.New(t)
	l := newLock(t, WithTopology(topology.Static{}))
	r.True(l.IsFree())

	n := NewNode()
	l.LockNode(n, 1)
	r.False(l.IsFree())
	l.UnlockNode(n)
	r.True(l.IsFree())

	l.Lock()
	l.Unlock()
	r.True(l.IsFree())
}

func TestOptions(t *testing.T) {
	r := require.New(t)
	_, err := New(WithScanLimit(0))
	r.ErrorIs(err, ErrInvalidOptions)

	_, err = New(WithPolicy(park.Policy{SpinBudget: -1}))
	r.ErrorIs(err, park.ErrInvalidPolicy)

	l := newLock(t)
	r.Equal(DefaultScanLimit, l.scanLimit)
	r.Equal(uint32(DefaultLocalityThreshold), l.threshold)
	r.NotNil(l.topo)
}

func TestUnlockOfUnlocked(t *testing.T) {
	l := newLock(t)
	require.Panics(t, func() { l.Unlock() })
}
