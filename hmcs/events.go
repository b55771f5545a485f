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

// Events provides a [Lock] with optional callbacks to observe cohort
// behavior. Levels are reported by their distance from the leaves.
// Callbacks run while the lock is held, so they are serialized.
type Events struct {
	// OnHandoff is called when a holder passes a level directly to a
	// cohort-mate. The count is the holder's position in the run of
	// consecutive holders of the level, starting at 1 for the holder that
	// acquired the parent.
	OnHandoff func(level int, count uint32)
	// OnParentRelease is called when a holder releases the level above,
	// because the cohort threshold was reached or because it has no
	// successor at its own level.
	OnParentRelease func(level int)
}

func (e *Events) doHandoff(level int, count uint32) {
	if e != nil && e.OnHandoff != nil {
		e.OnHandoff(level, count)
	}
}

func (e *Events) doParentRelease(level int) {
	if e != nil && e.OnParentRelease != nil {
		e.OnParentRelease(level)
	}
}
