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
	"math"
	"sync/atomic"

	"github.com/cockroachdb/numalocks/park"
)

// Queue node statuses. At a non-root level, a status between
// cohortStart and acquireParent is the number of consecutive handoffs
// within the cohort, including the current holder.
const (
	unlocked      uint32 = 0
	locked        uint32 = 1
	cohortStart   uint32 = 1
	acquireParent uint32 = math.MaxUint32 - 1
	wait          uint32 = math.MaxUint32
)

// MaxCohortThreshold is the largest usable [Options.CohortThreshold].
const MaxCohortThreshold = acquireParent - 1

type cacheLinePad struct {
	_ [64]byte
}

// header is the queue node state shared by all layouts.
type header struct {
	next   atomic.Pointer[header]
	status atomic.Uint32
	parker park.Parker
}

// signal passes the lock to a waiting node.
func (h *header) signal(status uint32) {
	h.status.Store(status)
	h.parker.Unpark()
}

// Layout is the constraint satisfied by the queue node layouts, which
// are [Compact] and [Padded].
type Layout[T any] interface {
	*T
	node() *header
}

// Compact queue nodes are as small as possible. Neighboring nodes may
// share a cache line.
type Compact struct {
	h header
}

func (c *Compact) node() *header { return &c.h }

// Padded queue nodes occupy their own cache lines, so spinning on one
// never disturbs another.
type Padded struct {
	_ cacheLinePad
	h header
	_ cacheLinePad
}

func (p *Padded) node() *header { return &p.h }
