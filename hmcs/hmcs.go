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
Package hmcs implements the hierarchical MCS lock.

The lock is a tree of MCS queues that mirrors the machine: one queue per
core cluster or NUMA node at the leaves, one per group of those above,
and a single queue at the root. A goroutine queues at its own leaf. The
first waiter of a leaf, the cohort start, then queues at the parent on
behalf of the whole leaf, using a node dedicated to that leaf, and so on
up to the root.

Whoever holds a level may pass it straight to the next waiter queued at
the same level, together with every level above it. Those handoffs are
cheap and keep the lock in one part of the machine, but they are
counted, and once the count reaches the cohort threshold the holder
releases the parent so that other parts of the tree get their turn.

The engine is generic over the queue node layout:

	tree, _ := hmcs.ClusterTree(32, 4, 2)
	l, _ := hmcs.New[hmcs.Padded](tree)
	l.Lock()
	defer l.Unlock()
*/
package hmcs

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/numalocks/park"
	"github.com/cockroachdb/numalocks/topology"
)

// DefaultCohortThreshold bounds consecutive handoffs at a level.
const DefaultCohortThreshold = 10000

// ErrInvalidOptions is returned for unusable options.
var ErrInvalidOptions = errors.New("invalid HMCS options")

// Option configures a Lock.
type Option func(*Options)

// Options for a Lock.
type Options struct {
	// CohortThreshold is the maximum number of consecutive holders of a
	// level, within a single acquisition of its parent. It must be
	// between 1 and MaxCohortThreshold.
	CohortThreshold uint32
	// Events receives cohort notifications. May be nil.
	Events *Events
	// Policy controls how waiters wait.
	Policy park.Policy
	// Topology maps the caller of Lock to a leaf.
	Topology topology.Provider
}

// WithCohortThreshold sets [Options.CohortThreshold].
func WithCohortThreshold(n uint32) Option {
	return func(o *Options) { o.CohortThreshold = n }
}

// WithEvents sets the cohort hooks.
func WithEvents(e *Events) Option { return func(o *Options) { o.Events = e } }

// WithPolicy sets the wait policy.
func WithPolicy(p park.Policy) Option { return func(o *Options) { o.Policy = p } }

// WithTopology sets the provider consulted by Lock.
func WithTopology(p topology.Provider) Option { return func(o *Options) { o.Topology = p } }

// Validate returns an error if the options are unusable.
func (o *Options) Validate() error {
	if o.CohortThreshold < 1 || o.CohortThreshold > MaxCohortThreshold {
		return fmt.Errorf("%w: cohort threshold %d", ErrInvalidOptions, o.CohortThreshold)
	}
	if o.Topology == nil {
		return fmt.Errorf("%w: no topology", ErrInvalidOptions)
	}
	return o.Policy.Validate()
}

// level is the lock state of one tree level.
type level struct {
	_    cacheLinePad
	tail atomic.Pointer[header]
	_    cacheLinePad
	// node queues at the parent on behalf of this level's cohort.
	node   *header
	parent int
	depth  int
}

// Lock is a hierarchical MCS lock with queue nodes of type T.
type Lock[T any, P Layout[T]] struct {
	levels []level
	leaves int

	threshold uint32
	events    *Events
	policy    park.Policy
	topo      topology.Provider
	nodes     sync.Pool

	// Only accessed by the goroutine holding the lock.
	holder  P
	cluster int
}

var _ sync.Locker = (*Lock[Padded, *Padded])(nil)

// New returns a lock over the tree. By default, Lock maps callers with
// [topology.Default].
func New[T any, P Layout[T]](tree *Tree, opts ...Option) (*Lock[T, P], error) {
	return newLock[T, P](tree, topology.Default, opts)
}

// NewNUMA returns a lock with one leaf per NUMA node. By default, Lock
// maps callers to the NUMA node of their CPU.
func NewNUMA(nodes int, opts ...Option) (*Lock[Padded, *Padded], error) {
	tree, err := NUMATree(nodes)
	if err != nil {
		return nil, err
	}
	return newLock[Padded](tree, byNode, opts)
}

// NewCluster returns a lock over core clusters, NUMA nodes, super-NUMA
// nodes and the root. By default, Lock maps callers to the core cluster
// of their CPU.
func NewCluster(clusters, nodes, superNodes int, opts ...Option) (*Lock[Padded, *Padded], error) {
	tree, err := ClusterTree(clusters, nodes, superNodes)
	if err != nil {
		return nil, err
	}
	return newLock[Padded](tree, topology.Default, opts)
}

func byNode() topology.Provider {
	m, err := topology.System()
	if err != nil {
		return topology.Static{}
	}
	return m.ByNode()
}

func newLock[T any, P Layout[T]](
	tree *Tree, defaultTopology func() topology.Provider, opts []Option,
) (*Lock[T, P], error) {
	if tree == nil {
		return nil, fmt.Errorf("%w: nil tree", ErrInvalidTree)
	}
	o := Options{
		CohortThreshold: DefaultCohortThreshold,
		Policy:          park.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Topology == nil {
		o.Topology = defaultTopology()
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	l := &Lock[T, P]{
		levels:    make([]level, tree.Len()),
		leaves:    tree.Leaves(),
		threshold: o.CohortThreshold,
		events:    o.Events,
		policy:    o.Policy,
		topo:      o.Topology,
	}
	for i := range l.levels {
		l.levels[i].parent = tree.Parent(i)
		l.levels[i].depth = tree.Depth(i)
		l.levels[i].node = l.NewNode().node()
	}
	l.nodes.New = func() any { return l.NewNode() }
	return l, nil
}

// NewNode returns a queue node for use with LockNode. A node may be
// reused for any number of acquisitions, but by only one goroutine at a
// time.
func (l *Lock[T, P]) NewNode() P {
	n := P(new(T))
	n.node().parker.Init()
	return n
}

// Leaves returns the number of valid cluster ids.
func (l *Lock[T, P]) Leaves() int { return l.leaves }

// Lock acquires the lock through the caller's leaf. It panics if the
// topology provider reports a cluster outside of the tree.
func (l *Lock[T, P]) Lock() {
	cluster := l.topo.ClusterID()
	n := l.nodes.Get().(P)
	l.LockNode(n, cluster)
	l.holder = n
	l.cluster = cluster
}

// Unlock releases a lock acquired by Lock.
func (l *Lock[T, P]) Unlock() {
	n := l.holder
	if n == nil {
		panic("hmcs: unlock of unlocked lock")
	}
	l.holder = nil
	l.UnlockNode(n, l.cluster)
	l.nodes.Put(n)
}

// LockNode acquires the lock through the leaf for the cluster, queueing
// n. It panics if the cluster is outside of the tree.
func (l *Lock[T, P]) LockNode(n P, cluster int) {
	l.checkCluster(cluster)
	l.lockLevel(n.node(), cluster)
}

// UnlockNode releases a lock acquired by LockNode(n, cluster).
func (l *Lock[T, P]) UnlockNode(n P, cluster int) {
	l.checkCluster(cluster)
	l.unlockLevel(cluster, n.node())
}

func (l *Lock[T, P]) checkCluster(cluster int) {
	if cluster < 0 || cluster >= l.leaves {
		panic(fmt.Sprintf("hmcs: cluster %d outside of [0, %d)", cluster, l.leaves))
	}
}

// lockLevel acquires level idx, and every level above it, for q.
func (l *Lock[T, P]) lockLevel(q *header, idx int) {
	lv := &l.levels[idx]
	q.next.Store(nil)

	if lv.parent < 0 {
		q.status.Store(locked)
		pred := lv.tail.Swap(q)
		if pred == nil {
			q.status.Store(unlocked)
			return
		}
		pred.next.Store(q)
		l.policy.Await(&q.parker, func() bool { return q.status.Load() != locked })
		return
	}

	q.status.Store(wait)
	pred := lv.tail.Swap(q)
	if pred != nil {
		pred.next.Store(q)
		l.policy.Await(&q.parker, func() bool { return q.status.Load() != wait })
		if q.status.Load() < acquireParent {
			// Handed over by a cohort-mate, parents included.
			return
		}
	}
	q.status.Store(cohortStart)
	l.lockLevel(lv.node, lv.parent)
}

// unlockLevel releases level idx, held by q, and every level above it
// that is not passed on along with it.
func (l *Lock[T, P]) unlockLevel(idx int, q *header) {
	lv := &l.levels[idx]
	if lv.parent < 0 {
		release(lv, q, unlocked)
		return
	}

	if count := q.status.Load(); count < l.threshold {
		if succ := q.next.Load(); succ != nil {
			l.events.doHandoff(lv.depth, count)
			succ.signal(count + 1)
			return
		}
	}
	l.events.doParentRelease(lv.depth)
	l.unlockLevel(lv.parent, lv.node)
	release(lv, q, acquireParent)
}

// release passes the level to q's successor with the status, or frees
// the level if there is no successor.
func release(lv *level, q *header, status uint32) {
	succ := q.next.Load()
	if succ == nil {
		if lv.tail.CompareAndSwap(q, nil) {
			return
		}
		// A successor has swapped the tail but not linked itself yet.
		for i := 0; succ == nil; i++ {
			park.Pause(i)
			succ = q.next.Load()
		}
	}
	succ.signal(status)
}

// IsFree reports whether no level is held or awaited.
func (l *Lock[T, P]) IsFree() bool {
	for i := range l.levels {
		if l.levels[i].tail.Load() != nil {
			return false
		}
	}
	return true
}
