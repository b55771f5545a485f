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
Package cna implements the Compact NUMA-Aware lock of Dice and Kogan.

CNA is an MCS lock whose releaser prefers a successor on its own socket.
Waiters from other sockets that are skipped over are moved from the main
queue to a secondary queue. The secondary queue is owned by the lock
holder: its head travels with the lock in the holder's spin word, and it
is invisible to arriving waiters, which only ever see the main queue's
tail.

The secondary queue is spliced back in front of the main queue when no
same-socket waiter is left, and is flushed with a small probability on
every release so that waiters on other sockets are not starved. The
result is FIFO order within a socket and long same-socket runs between
socket changes.
*/
package cna

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/numalocks/park"
	"github.com/cockroachdb/numalocks/topology"
)

type cacheLinePad struct {
	_ [64]byte
}

// A Node is one waiter's position in the queue. A Node may be reused
// for any number of acquisitions, but by only one goroutine at a time.
type Node struct {
	next atomic.Pointer[Node]
	// spin is nil while waiting. Once the lock is passed, it holds either
	// granted or the head of the secondary queue.
	spin atomic.Pointer[Node]
	// secTail is the last node of the secondary queue. It is only
	// meaningful on the secondary queue's head.
	secTail *Node
	socket  int
	parker  park.Parker
	_       cacheLinePad
}

// NewNode returns a Node ready for use.
func NewNode() *Node {
	n := &Node{}
	n.parker.Init()
	return n
}

// granted is stored in spin when the lock is passed without a secondary
// queue.
var granted = &Node{}

// Defaults for [Options].
const (
	DefaultScanLimit         = 256
	DefaultLocalityThreshold = 0xffff
)

// ErrInvalidOptions is returned by [New] for unusable options.
var ErrInvalidOptions = errors.New("invalid CNA options")

// Option configures a Lock.
type Option func(*Options)

// Options for a Lock.
type Options struct {
	// Events receives handoff notifications. May be nil.
	Events *Events
	// LocalityThreshold controls how long the lock stays on one socket.
	// Each release flushes the secondary queue with probability
	// 1/(LocalityThreshold+1). Zero disables the same-socket preference.
	LocalityThreshold uint32
	// Policy controls how waiters wait.
	Policy park.Policy
	// ScanLimit bounds the number of queued waiters a release inspects
	// while looking for a same-socket successor.
	ScanLimit int
	// Topology supplies the caller's socket to Lock.
	Topology topology.Provider
}

// WithEvents sets the handoff hooks.
func WithEvents(e *Events) Option { return func(o *Options) { o.Events = e } }

// WithLocalityThreshold sets [Options.LocalityThreshold].
func WithLocalityThreshold(n uint32) Option {
	return func(o *Options) { o.LocalityThreshold = n }
}

// WithPolicy sets the wait policy.
func WithPolicy(p park.Policy) Option { return func(o *Options) { o.Policy = p } }

// WithScanLimit sets [Options.ScanLimit].
func WithScanLimit(n int) Option { return func(o *Options) { o.ScanLimit = n } }

// WithTopology sets the provider consulted by Lock.
func WithTopology(p topology.Provider) Option { return func(o *Options) { o.Topology = p } }

// Validate returns an error if the options are unusable.
func (o *Options) Validate() error {
	if o.ScanLimit < 1 {
		return fmt.Errorf("%w: scan limit %d", ErrInvalidOptions, o.ScanLimit)
	}
	if o.Topology == nil {
		return fmt.Errorf("%w: no topology", ErrInvalidOptions)
	}
	return o.Policy.Validate()
}

// Lock is a CNA lock.
type Lock struct {
	_    cacheLinePad
	tail atomic.Pointer[Node]
	_    cacheLinePad

	// Only accessed by the goroutine holding the lock.
	holder *Node
	seed   uint32

	events    *Events
	policy    park.Policy
	scanLimit int
	threshold uint32
	topo      topology.Provider
	nodes     sync.Pool
}

var _ sync.Locker = (*Lock)(nil)

// New returns a CNA lock. By default, it asks [topology.Default] for the
// caller's socket.
func New(opts ...Option) (*Lock, error) {
	o := Options{
		LocalityThreshold: DefaultLocalityThreshold,
		Policy:            park.DefaultPolicy(),
		ScanLimit:         DefaultScanLimit,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Topology == nil {
		o.Topology = topology.Default()
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	l := &Lock{
		seed:      uint32(time.Now().UnixNano()) | 1,
		events:    o.Events,
		policy:    o.Policy,
		scanLimit: o.ScanLimit,
		threshold: o.LocalityThreshold,
		topo:      o.Topology,
	}
	l.nodes.New = func() any { return NewNode() }
	return l, nil
}

// Lock acquires the lock on behalf of the caller's socket.
func (l *Lock) Lock() {
	n := l.nodes.Get().(*Node)
	l.LockNode(n, l.topo.SocketID())
	l.holder = n
}

// Unlock releases a lock acquired by Lock.
func (l *Lock) Unlock() {
	n := l.holder
	if n == nil {
		panic("cna: unlock of unlocked lock")
	}
	l.holder = nil
	l.UnlockNode(n)
	l.nodes.Put(n)
}

// LockNode acquires the lock, queueing n as a waiter from the socket.
func (l *Lock) LockNode(n *Node, socket int) {
	n.next.Store(nil)
	n.spin.Store(nil)
	n.secTail = nil
	n.socket = socket

	pred := l.tail.Swap(n)
	if pred == nil {
		n.spin.Store(granted)
		return
	}
	pred.next.Store(n)
	l.policy.Await(&n.parker, func() bool { return n.spin.Load() != nil })
}

// UnlockNode releases a lock acquired by LockNode(n).
func (l *Lock) UnlockNode(n *Node) {
	sec := n.spin.Load()
	if sec == granted {
		sec = nil
	}

	if n.next.Load() == nil {
		if sec == nil {
			if l.tail.CompareAndSwap(n, nil) {
				return
			}
		} else if l.tail.CompareAndSwap(n, sec.secTail) {
			// The main queue is empty; the secondary queue becomes the main
			// queue.
			l.pass(n, sec, granted)
			return
		}
		for i := 0; n.next.Load() == nil; i++ {
			park.Pause(i)
		}
	}

	if l.keepLocal() {
		if succ := l.findSuccessor(n, sec); succ != nil {
			// findSuccessor may have grown the secondary queue.
			l.pass(n, succ, n.spin.Load())
			return
		}
	}
	if sec != nil {
		// Serve the secondary queue before the rest of the main queue.
		sec.secTail.next.Store(n.next.Load())
		l.pass(n, sec, granted)
		return
	}
	l.pass(n, n.next.Load(), granted)
}

// pass hands the lock to succ. The value stored in succ's spin word is
// either granted or the head of the secondary queue.
func (l *Lock) pass(from, succ, spin *Node) {
	l.events.doHandoff(from.socket, succ.socket)
	succ.spin.Store(spin)
	succ.parker.Unpark()
}

// keepLocal decides whether this release may prefer a same-socket
// waiter. It is only called by the lock holder.
func (l *Lock) keepLocal() bool {
	if l.threshold == 0 {
		return false
	}
	l.seed ^= l.seed << 13
	l.seed ^= l.seed >> 17
	l.seed ^= l.seed << 5
	return uint64(l.seed)%(uint64(l.threshold)+1) != 0
}

// findSuccessor looks for a waiter on n's socket among the first
// scanLimit waiters of the main queue. Waiters skipped over on the way
// are moved to the end of the secondary queue headed by sec, and n's
// spin word is updated to the (possibly new) secondary head. It returns
// nil, without changing anything, if no such waiter is found.
func (l *Lock) findSuccessor(n, sec *Node) *Node {
	next := n.next.Load()
	if next.socket == n.socket {
		return next
	}

	skipHead, skipTail := next, next
	cur := next.next.Load()
	for scanned := 1; cur != nil && scanned < l.scanLimit; scanned++ {
		if cur.socket == n.socket {
			// Unlink [skipHead, skipTail] and append it to the secondary
			// queue.
			skipTail.next.Store(nil)
			if sec == nil {
				sec = skipHead
				n.spin.Store(sec)
			} else {
				sec.secTail.next.Store(skipHead)
			}
			sec.secTail = skipTail
			return cur
		}
		skipTail = cur
		cur = cur.next.Load()
	}
	return nil
}

// IsFree reports whether the lock is neither held nor awaited.
func (l *Lock) IsFree() bool { return l.tail.Load() == nil }
