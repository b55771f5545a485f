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

package bench

import (
	"fmt"
	"math/rand/v2"
)

// A Worker is the per-thread state of a workload. One operation is
// Before, then Critical while holding the lock, then After.
type Worker interface {
	Before()
	Critical()
	After()
}

// A Workload creates the workers of one benchmark run.
type Workload interface {
	NewWorker() Worker
}

// NewWorkload returns the workload for a bench.
func NewWorkload(b Bench, seed uint64) (Workload, error) {
	switch b.Name {
	case MatrixBench:
		return NewMatrixWorkload(b.Before, b.In, b.After, seed), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBench, b.Name)
	}
}

// matrix is a dense, square, row-major matrix.
type matrix struct {
	n    int
	data []float64
}

func newMatrix(n int) *matrix {
	return &matrix{n: n, data: make([]float64, n*n)}
}

func randomMatrix(rng *rand.Rand, n int) *matrix {
	m := newMatrix(n)
	for i := range m.data {
		m.data[i] = rng.Float64()
	}
	return m
}

// mul stores a*b into m.
func (m *matrix) mul(a, b *matrix) {
	n := m.n
	for i := 0; i < n; i++ {
		row := m.data[i*n : (i+1)*n]
		for j := range row {
			row[j] = 0
		}
		for k := 0; k < n; k++ {
			aik := a.data[i*n+k]
			bk := b.data[k*n : (k+1)*n]
			for j := range row {
				row[j] += aik * bk[j]
			}
		}
	}
}

// product is one multiplication to perform.
type product struct {
	a, b, out *matrix
}

func (p *product) run() {
	if p.out.n > 0 {
		p.out.mul(p.a, p.b)
	}
}

// MatrixWorkload multiplies square matrices before, inside and after
// the critical section. The operands are shared by all workers. The
// product computed inside the critical section is written to a single
// shared matrix, so a broken lock corrupts it.
type MatrixWorkload struct {
	before, in, after product
}

// NewMatrixWorkload returns a matrix workload with random operands of
// the given sizes.
func NewMatrixWorkload(before, in, after int, seed uint64) *MatrixWorkload {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	operands := func(n int) product {
		return product{a: randomMatrix(rng, n), b: randomMatrix(rng, n), out: newMatrix(n)}
	}
	return &MatrixWorkload{
		before: operands(before),
		in:     operands(in),
		after:  operands(after),
	}
}

// NewWorker implements [Workload].
func (w *MatrixWorkload) NewWorker() Worker {
	return &matrixWorker{
		before: product{a: w.before.a, b: w.before.b, out: newMatrix(w.before.out.n)},
		in:     &w.in,
		after:  product{a: w.after.a, b: w.after.b, out: newMatrix(w.after.out.n)},
	}
}

type matrixWorker struct {
	before product
	in     *product
	after  product
}

func (w *matrixWorker) Before()   { w.before.run() }
func (w *matrixWorker) Critical() { w.in.run() }
func (w *matrixWorker) After()    { w.after.run() }
