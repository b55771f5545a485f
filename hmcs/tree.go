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
	"errors"
	"fmt"
)

// ErrInvalidTree is returned when a tree shape cannot be built.
var ErrInvalidTree = errors.New("invalid lock tree")

// A Tree is the immutable shape of a hierarchy: an arena of levels in
// which every level but the root names its parent by index. Leaves come
// first, in cluster order, followed by each higher level in turn, and
// the root is last.
//
// A Tree holds no lock state and may be shared by any number of locks.
type Tree struct {
	parents []int // -1 for the root
	depths  []int // 0 for leaves
	leaves  int
}

// NewTree builds a tree from the number of groups at each level, from
// the leaves upwards, excluding the root. Every count must divide the
// count below it, and group i of a level belongs to group i/(fan-out)
// of the level above.
//
// With no counts, the root is the only leaf and a lock built on the
// tree behaves like a plain MCS lock.
func NewTree(counts ...int) (*Tree, error) {
	for i, c := range counts {
		if c < 1 {
			return nil, fmt.Errorf("%w: level %d has %d groups", ErrInvalidTree, i, c)
		}
		if i > 0 && counts[i-1]%c != 0 {
			return nil, fmt.Errorf("%w: %d groups at level %d do not divide evenly into %d",
				ErrInvalidTree, counts[i-1], i-1, c)
		}
	}

	t := &Tree{leaves: 1}
	if len(counts) > 0 {
		t.leaves = counts[0]
	}
	offset := 0
	for i, c := range counts {
		next := offset + c // First index of the level above.
		fanOut := c        // The top level hangs off the root.
		if i+1 < len(counts) {
			fanOut = c / counts[i+1]
		}
		for j := 0; j < c; j++ {
			t.parents = append(t.parents, next+j/fanOut)
			t.depths = append(t.depths, i)
		}
		offset = next
	}
	t.parents = append(t.parents, -1)
	t.depths = append(t.depths, len(counts))
	return t, nil
}

// NUMATree is a two-level tree: one leaf per NUMA node under the root.
func NUMATree(nodes int) (*Tree, error) {
	return NewTree(nodes)
}

// ClusterTree is a four-level tree: core clusters, NUMA nodes,
// super-NUMA nodes (e.g. sockets), and the root.
func ClusterTree(clusters, nodes, superNodes int) (*Tree, error) {
	return NewTree(clusters, nodes, superNodes)
}

// Leaves returns the number of leaves, which is the range of valid
// cluster ids.
func (t *Tree) Leaves() int { return t.leaves }

// Len returns the number of levels in the arena.
func (t *Tree) Len() int { return len(t.parents) }

// Height returns the number of levels from a leaf to the root,
// inclusive.
func (t *Tree) Height() int { return t.depths[len(t.depths)-1] + 1 }

// Parent returns the arena index of the parent of level i, or -1 for the
// root.
func (t *Tree) Parent(i int) int { return t.parents[i] }

// Depth returns the distance of level i from the leaves.
func (t *Tree) Depth(i int) int { return t.depths[i] }

// Path returns the arena indexes from the leaf for the cluster up to the
// root.
func (t *Tree) Path(cluster int) []int {
	var ret []int
	for i := cluster; i >= 0; i = t.parents[i] {
		ret = append(ret, i)
	}
	return ret
}
