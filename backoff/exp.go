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

package backoff

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidArg is returned for unusable schedule bounds.
var ErrInvalidArg = errors.New("invalid argument")

// MaxDelay is the largest delay accepted by [NewExpBackoff]. A lock
// waiter that sleeps longer than this is better served by parking.
const MaxDelay = time.Second

// doubling sleeps base, 2*base, 4*base and so on, holding at ceiling.
type doubling struct {
	base, ceiling time.Duration
	// steps is the number of delays handed out, bounded by budget
	// unless budget is zero.
	steps, budget int
	delay         time.Duration
}

var _ Backoff = (*doubling)(nil)

func checkBounds(base, ceiling time.Duration) error {
	switch {
	case base <= 0:
		return fmt.Errorf("%w: base delay %s", ErrInvalidArg, base)
	case ceiling > MaxDelay:
		return fmt.Errorf("%w: max delay %s exceeds %s", ErrInvalidArg, ceiling, MaxDelay)
	case base > ceiling:
		return fmt.Errorf("%w: base delay %s exceeds max delay %s", ErrInvalidArg, base, ceiling)
	}
	return nil
}

// NewExpBackoff returns a schedule that doubles from baseDelay up to
// maxDelay and is exhausted after limit delays. A zero limit never runs
// out.
func NewExpBackoff(baseDelay time.Duration, maxDelay time.Duration, limit int) (Backoff, error) {
	if err := checkBounds(baseDelay, maxDelay); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit %d", ErrInvalidArg, limit)
	}
	return &doubling{base: baseDelay, ceiling: maxDelay, budget: limit}, nil
}

// Next implements Backoff.
func (d *doubling) Next() (time.Duration, bool) {
	if d.budget > 0 && d.steps == d.budget {
		return 0, true
	}
	d.steps++
	switch {
	case d.delay == 0:
		d.delay = d.base
	case d.delay < d.ceiling:
		// Saturate instead of overflowing.
		if d.delay > d.ceiling/2 {
			d.delay = d.ceiling
		} else {
			d.delay *= 2
		}
	}
	return d.delay, false
}

// ExpFactory returns a Factory of unlimited doubling schedules. The
// bounds are checked once, here.
func ExpFactory(baseDelay, maxDelay time.Duration) (Factory, error) {
	if err := checkBounds(baseDelay, maxDelay); err != nil {
		return nil, err
	}
	return func() Backoff {
		return &doubling{base: baseDelay, ceiling: maxDelay}
	}, nil
}
