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

//go:build !linux

package topology

import "errors"

// ErrPinUnsupported is returned by [Pin] on platforms without CPU
// affinity.
var ErrPinUnsupported = errors.New("cpu pinning not supported on this platform")

// CurrentCPU always returns 0.
func CurrentCPU() int { return 0 }

// Pin is not supported on this platform.
func Pin(int) error { return ErrPinUnsupported }
