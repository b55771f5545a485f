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

// Package clh implements the Craig, Landin and Hagersten queue lock.
//
// The queue is implicit: a waiter swaps a locked node into the tail and
// watches the node it displaced. Releasing marks the releaser's node
// unlocked, which is exactly what its successor is watching. The
// successor takes over the predecessor's node for its next acquisition,
// so nodes migrate between goroutines.
package clh

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/numalocks/park"
)

type cacheLinePad struct {
	_ [64]byte
}

type node struct {
	locked atomic.Bool
	// parker wakes the single goroutine watching this node.
	parker park.Parker
	_      cacheLinePad
}

func newNode() *node {
	n := &node{}
	n.parker.Init()
	return n
}

// A Handle is the proof of ownership returned by [Lock.Acquire].
type Handle struct {
	my, pred *node
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

// Lock is a CLH lock.
type Lock struct {
	_      cacheLinePad
	tail   atomic.Pointer[node]
	_      cacheLinePad
	holder Handle
	policy park.Policy
	nodes  sync.Pool
}

var _ sync.Locker = (*Lock)(nil)

// New returns a CLH lock.
func New(opts ...Option) (*Lock, error) {
	o := Options{Policy: park.DefaultPolicy()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.Policy.Validate(); err != nil {
		return nil, err
	}
	l := &Lock{policy: o.Policy}
	l.nodes.New = func() any { return newNode() }
	// The queue starts with a released node for the first waiter to
	// watch.
	l.tail.Store(newNode())
	return l, nil
}

// Acquire blocks until the lock is held and returns the Handle that
// must be passed to Release.
func (l *Lock) Acquire() Handle {
	my := l.nodes.Get().(*node)
	my.locked.Store(true)
	pred := l.tail.Swap(my)
	if pred.locked.Load() {
		l.policy.Await(&pred.parker, func() bool { return !pred.locked.Load() })
	}
	return Handle{my: my, pred: pred}
}

// Release releases the lock held by h. The handle must not be reused.
func (l *Lock) Release(h Handle) {
	h.my.locked.Store(false)
	h.my.parker.Unpark()
	// Nobody watches the predecessor anymore.
	l.nodes.Put(h.pred)
}

// Lock acquires the lock.
func (l *Lock) Lock() {
	l.holder = l.Acquire()
}

// Unlock releases the lock.
func (l *Lock) Unlock() {
	h := l.holder
	if h.my == nil {
		panic("clh: unlock of unlocked lock")
	}
	l.holder = Handle{}
	l.Release(h)
}

// IsFree reports whether the lock is neither held nor awaited.
func (l *Lock) IsFree() bool { return !l.tail.Load().locked.Load() }
