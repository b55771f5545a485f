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

// Package mcs implements the Mellor-Crummey Scott queue lock.
//
// Waiters form a singly-linked list rooted at an atomically swapped tail.
// Each waiter spins, and eventually parks, on a flag in its own node, so
// a release touches only the successor's cache line. Waiters are served
// in the order they swapped themselves into the tail.
//
// A Lock can be used as a [sync.Locker], in which case queue nodes come
// from a pool, or with caller-owned nodes:
//
//	n := mcs.NewNode()
//	l.LockNode(n)
//	defer l.UnlockNode(n)
package mcs

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/numalocks/park"
)

type cacheLinePad struct {
	_ [64]byte
}

// A Node is one waiter's position in the queue. A Node may be reused
// for any number of acquisitions, but by only one goroutine at a time.
type Node struct {
	next   atomic.Pointer[Node]
	locked atomic.Bool
	parker park.Parker
	_      cacheLinePad
}

// NewNode returns a Node ready for use.
func NewNode() *Node {
	n := &Node{}
	n.parker.Init()
	return n
}

// Option configures a Lock.
type Option func(*Options)

// Options for a Lock.
type Options struct {
	Policy park.Policy
}

// WithPolicy sets how waiters wait for their predecessor.
func WithPolicy(p park.Policy) Option {
	return func(o *Options) { o.Policy = p }
}

// Lock is an MCS lock.
type Lock struct {
	_      cacheLinePad
	tail   atomic.Pointer[Node]
	_      cacheLinePad
	holder *Node // Only accessed by the goroutine holding the lock.
	policy park.Policy
	nodes  sync.Pool
}

var _ sync.Locker = (*Lock)(nil)

// New returns an MCS lock that spins and then parks, unless configured
// otherwise.
func New(opts ...Option) (*Lock, error) {
	o := Options{Policy: park.DefaultPolicy()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.Policy.Validate(); err != nil {
		return nil, err
	}
	l := &Lock{policy: o.Policy}
	l.nodes.New = func() any { return NewNode() }
	return l, nil
}

// NewYield returns an MCS lock whose waiters never park. They spin and
// yield the processor instead.
func NewYield() *Lock {
	l, _ := New(WithPolicy(park.SpinPolicy()))
	return l
}

// Lock acquires the lock using a pooled node.
func (l *Lock) Lock() {
	n := l.nodes.Get().(*Node)
	l.LockNode(n)
	l.holder = n
}

// Unlock releases a lock acquired by Lock.
func (l *Lock) Unlock() {
	n := l.holder
	if n == nil {
		panic("mcs: unlock of unlocked lock")
	}
	l.holder = nil
	l.UnlockNode(n)
	l.nodes.Put(n)
}

// LockNode acquires the lock, queueing n.
func (l *Lock) LockNode(n *Node) {
	n.next.Store(nil)
	n.locked.Store(true)

	pred := l.tail.Swap(n)
	if pred == nil {
		return
	}
	pred.next.Store(n)
	l.policy.Await(&n.parker, func() bool { return !n.locked.Load() })
}

// UnlockNode releases a lock acquired by LockNode(n).
func (l *Lock) UnlockNode(n *Node) {
	succ := n.next.Load()
	if succ == nil {
		if l.tail.CompareAndSwap(n, nil) {
			return
		}
		// A successor has swapped the tail but not linked itself yet.
		for i := 0; succ == nil; i++ {
			park.Pause(i)
			succ = n.next.Load()
		}
	}
	succ.locked.Store(false)
	succ.parker.Unpark()
}

// IsFree reports whether the lock is neither held nor awaited.
func (l *Lock) IsFree() bool { return l.tail.Load() == nil }
