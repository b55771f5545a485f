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

package hmcs

import (
	"fmt"
	"sync"
	"testing"

	"github.com/cockroachdb/numalocks/internal/locktest"
	"github.com/cockroachdb/numalocks/park"
	"github.com/cockroachdb/numalocks/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nodeLocker[T any, P Layout[T]] struct {
	l       *Lock[T, P]
	n       P
	cluster int
}

func (nl *nodeLocker[T, P]) Lock()   { nl.l.LockNode(nl.n, nl.cluster) }
func (nl *nodeLocker[T, P]) Unlock() { nl.l.UnlockNode(nl.n, nl.cluster) }

func mustTree(t *testing.T, counts ...int) *Tree {
	tree, err := NewTree(counts...)
	require.NoError(t, err)
	return tree
}

func mustLock[T any, P Layout[T]](t *testing.T, tree *Tree, opts ...Option) *Lock[T, P] {
	opts = append([]Option{WithTopology(topology.Static{})}, opts...)
	l, err := New[T, P](tree, opts...)
	require.NoError(t, err)
	return l
}

func exclusion[T any, P Layout[T]](t *testing.T, tree *Tree, opts ...Option) {
	l := mustLock[T, P](t, tree, opts...)
	locktest.Exclusion(t, 8, 1000, func(g int) sync.Locker {
		return &nodeLocker[T, P]{l: l, n: l.NewNode(), cluster: g % l.Leaves()}
	})
	require.True(t, l.IsFree())
}

func TestExclusion(t *testing.T) {
	trees := map[string][]int{
		"root only": nil,
		"numa":      {2},
		"cluster":   {8, 4, 2},
	}
	options := map[string][]Option{
		"default":      nil,
		"threshold 1":  {WithCohortThreshold(1)},
		"threshold 3":  {WithCohortThreshold(3)},
		"spin":         {WithPolicy(park.SpinPolicy())},
		"park at once": {WithPolicy(park.Policy{ParkEnabled: true}), WithCohortThreshold(2)},
	}
	for treeName, counts := range trees {
		for optName, opts := range options {
			tree := mustTree(t, counts...)
			t.Run(fmt.Sprintf("%s/%s/padded", treeName, optName), func(t *testing.T) {
				exclusion[Padded](t, tree, opts...)
			})
			t.Run(fmt.Sprintf("%s/%s/compact", treeName, optName), func(t *testing.T) {
				exclusion[Compact](t, tree, opts...)
			})
		}
	}
}

func TestExclusionWithProvider(t *testing.T) {
	r := require.New(t)
	l, err := NewCluster(8, 4, 2, WithTopology(topology.Static{Cluster: 5}))
	r.NoError(err)
	locktest.Exclusion(t, 8, 1000, func(int) sync.Locker { return l })
	r.True(l.IsFree())

	n, err := NewNUMA(2, WithTopology(topology.Static{Cluster: 1}))
	r.NoError(err)
	locktest.Exclusion(t, 8, 1000, func(int) sync.Locker { return n })
	r.True(n.IsFree())
}

func TestPermutations(t *testing.T) {
	tree := mustTree(t, 4, 2)
	locktest.Permutations(t, 200, func() sync.Locker {
		return mustLock[Padded](t, tree, WithTopology(topology.Static{Cluster: 3}))
	})
}

// cohortScenario holds the lock from leaf 0 of a two-leaf tree, queues
// three more waiters at leaf 0 and then one at leaf 1, and releases.
func cohortScenario(t *testing.T, threshold uint32) (order []int, handoffs []uint32) {
	l := mustLock[Padded](t, mustTree(t, 2),
		WithCohortThreshold(threshold),
		WithEvents(&Events{OnHandoff: func(level int, count uint32) {
			assert.Equal(t, 0, level)
			handoffs = append(handoffs, count)
		}}),
	)
	const root = 2

	holder := l.NewNode()
	l.LockNode(holder, 0)

	var waiters []locktest.Waiter
	for i := 0; i < 3; i++ {
		n := l.NewNode()
		waiters = append(waiters, locktest.Waiter{
			Lock:   func() { l.LockNode(n, 0) },
			Unlock: func() { l.UnlockNode(n, 0) },
			Queued: func() bool { return l.levels[0].tail.Load() == n.node() },
		})
	}
	remote := l.NewNode()
	waiters = append(waiters, locktest.Waiter{
		Lock:   func() { l.LockNode(remote, 1) },
		Unlock: func() { l.UnlockNode(remote, 1) },
		Queued: func() bool { return l.levels[root].tail.Load() == l.levels[1].node },
	})

	order = locktest.GrantOrder(t, func() { l.UnlockNode(holder, 0) }, waiters)
	require.True(t, l.IsFree())
	return order, handoffs
}

func TestCohortThreshold(t *testing.T) {
	tcs := []struct {
		threshold uint32
		order     []int
		handoffs  []uint32
	}{
		// The waiter at leaf 1 is overtaken by every local waiter.
		{threshold: DefaultCohortThreshold, order: []int{0, 1, 2, 3}, handoffs: []uint32{1, 2, 3}},
		// Two local handoffs, then the root goes to leaf 1 and the last
		// local waiter has to queue at the root behind it.
		{threshold: 3, order: []int{0, 1, 3, 2}, handoffs: []uint32{1, 2}},
		{threshold: 2, order: []int{0, 3, 1, 2}, handoffs: []uint32{1, 1}},
		// Every release goes through the root.
		{threshold: 1, order: []int{3, 0, 1, 2}, handoffs: nil},
	}
	for _, tc := range tcs {
		t.Run(fmt.Sprint(tc.threshold), func(t *testing.T) {
			order, handoffs := cohortScenario(t, tc.threshold)
			require.Equal(t, tc.order, order)
			require.Equal(t, tc.handoffs, handoffs)
		})
	}
}

func TestCohortBoundUnderContention(t *testing.T) {
	const threshold = 4
	var (
		maxCount uint32
		releases int
	)
	tree := mustTree(t, 4, 2)
	l := mustLock[Compact](t, tree,
		WithCohortThreshold(threshold),
		WithEvents(&Events{
			OnHandoff: func(_ int, count uint32) {
				if count > maxCount {
					maxCount = count
				}
			},
			OnParentRelease: func(int) { releases++ },
		}),
	)
	locktest.Exclusion(t, 8, 2000, func(g int) sync.Locker {
		return &nodeLocker[Compact, *Compact]{l: l, n: l.NewNode(), cluster: g % 4}
	})
	require.Less(t, maxCount, uint32(threshold))
	require.Positive(t, releases)
	require.True(t, l.IsFree())
}

func TestReleaseWithoutSuccessor(t *testing.T) {
	r := require.New(t)
	l := mustLock[Padded](t, mustTree(t, 4, 2, 1))
	r.True(l.IsFree())

	for cluster := 0; cluster < l.Leaves(); cluster++ {
		n := l.NewNode()
		l.LockNode(n, cluster)
		r.False(l.IsFree())
		l.UnlockNode(n, cluster)
		for i := range l.levels {
			r.Nilf(l.levels[i].tail.Load(), "level %d after cluster %d", i, cluster)
		}
	}

	// A fresh acquisition must not block.
	l.Lock()
	l.Unlock()
	r.True(l.IsFree())
}

func TestClusterOutOfRange(t *testing.T) {
	r := require.New(t)
	l := mustLock[Padded](t, mustTree(t, 4))
	n := l.NewNode()
	r.Panics(func() { l.LockNode(n, 4) })
	r.Panics(func() { l.LockNode(n, -1) })
	r.True(l.IsFree())

	bad := mustLock[Padded](t, mustTree(t, 4), WithTopology(topology.Static{Cluster: 9}))
	r.Panics(func() { bad.Lock() })
	r.True(bad.IsFree())
}

func TestUnlockOfUnlocked(t *testing.T) {
	l := mustLock[Padded](t, mustTree(t, 2))
	require.Panics(t, func() { l.Unlock() })
}

func TestIdenticalTreesBehaveIdentically(t *testing.T) {
	for i := 0; i < 2; i++ {
		l, err := NewCluster(8, 4, 2, WithTopology(topology.Static{}))
		require.NoError(t, err)
		locktest.Exclusion(t, 8, 500, func(g int) sync.Locker {
			return &nodeLocker[Padded, *Padded]{l: l, n: l.NewNode(), cluster: (g*3 + i) % 8}
		})
		require.True(t, l.IsFree())
	}
}

func TestOptions(t *testing.T) {
	r := require.New(t)
	tree := mustTree(t, 2)

	_, err := New[Padded](tree, WithCohortThreshold(0))
	r.ErrorIs(err, ErrInvalidOptions)
	_, err = New[Padded](tree, WithCohortThreshold(MaxCohortThreshold+1))
	r.ErrorIs(err, ErrInvalidOptions)
	_, err = New[Padded](tree, WithPolicy(park.Policy{SpinBudget: -1}))
	r.ErrorIs(err, park.ErrInvalidPolicy)
	_, err = New[Padded](nil)
	r.ErrorIs(err, ErrInvalidTree)
	_, err = NewNUMA(0)
	r.ErrorIs(err, ErrInvalidTree)
	_, err = NewCluster(6, 4, 2)
	r.ErrorIs(err, ErrInvalidTree)

	l, err := NewNUMA(2)
	r.NoError(err)
	r.Equal(uint32(DefaultCohortThreshold), l.threshold)
	r.Equal(2, l.Leaves())
	r.NotNil(l.topo)
}
