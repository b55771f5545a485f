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

// Events provides a [Lock] with optional callbacks to observe how the
// lock moves between sockets. Callbacks run while the lock is still
// held by the releasing goroutine, so they are serialized, but they
// delay every waiter and must be fast.
type Events struct {
	// OnHandoff is called with the sockets of the releasing goroutine and
	// of the waiter it passes the lock to.
	OnHandoff func(from, to int)
}

func (e *Events) doHandoff(from, to int) {
	if e != nil && e.OnHandoff != nil {
		e.OnHandoff(from, to)
	}
}
