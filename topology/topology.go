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

// Package topology maps the calling goroutine onto the hardware
// hierarchy consulted by the NUMA-aware locks.
//
// Go has no stable notion of "the current thread". A goroutine that
// wants a stable answer must be locked to its OS thread and pinned to a
// CPU; see [Pin]. Unpinned goroutines get the CPU they happen to be
// running on, which is still a useful locality hint.
package topology

import "sync"

// A Provider reports where the calling goroutine runs.
type Provider interface {
	// ClusterID returns the index of the innermost hardware group (core
	// cluster or NUMA node) of the caller. It is used as a leaf index.
	ClusterID() int
	// SocketID returns the caller's socket.
	SocketID() int
}

// Static always reports the same location.
type Static struct {
	Cluster int
	Socket  int
}

var _ Provider = Static{}

// ClusterID implements [Provider].
func (s Static) ClusterID() int { return s.Cluster }

// SocketID implements [Provider].
func (s Static) SocketID() int { return s.Socket }

// Func adapts functions to a [Provider]. A nil function reports zero.
type Func struct {
	Cluster func() int
	Socket  func() int
}

var _ Provider = Func{}

// ClusterID implements [Provider].
func (f Func) ClusterID() int {
	if f.Cluster == nil {
		return 0
	}
	return f.Cluster()
}

// SocketID implements [Provider].
func (f Func) SocketID() int {
	if f.Socket == nil {
		return 0
	}
	return f.Socket()
}

var system = sync.OnceValues(DiscoverSystem)

// System returns the topology of the running machine. It is discovered
// once.
func System() (*Machine, error) {
	return system()
}

// Default returns a cluster-granularity provider for the running
// machine. It reports a single cluster on a single socket when the
// topology is not available.
func Default() Provider {
	m, err := System()
	if err != nil {
		return Static{}
	}
	return m.ByCluster()
}
