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
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/numalocks/locks"
	"github.com/cockroachdb/numalocks/topology"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one benchmark configuration.
type Result struct {
	Name    string
	Lock    locks.Kind
	Threads int
	// Latency is the configured percentile of the time from calling Lock
	// to returning from Unlock.
	Latency time.Duration
	// Throughput is in operations per millisecond.
	Throughput float64
	// Ops is the number of measured operations.
	Ops int64
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLockConfig sets the configuration of the locks under test.
func WithLockConfig(cfg locks.Config) RunnerOption {
	return func(r *Runner) { r.lockConfig = cfg }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logr.Logger) RunnerOption {
	return func(r *Runner) { r.log = log }
}

// WithPinning pins benchmark thread i to CPU i modulo the CPU count.
func WithPinning(pin bool) RunnerOption {
	return func(r *Runner) { r.pin = pin }
}

// WithSeed sets the seed of the workload operands.
func WithSeed(seed uint64) RunnerOption {
	return func(r *Runner) { r.seed = seed }
}

// Runner executes the configurations described by Settings.
type Runner struct {
	settings   *Settings
	lockConfig locks.Config
	log        logr.Logger
	pin        bool
	seed       uint64
	cpus       int
}

// NewRunner returns a Runner for validated settings.
func NewRunner(s *Settings, opts ...RunnerOption) *Runner {
	r := &Runner{
		settings: s,
		log:      logr.Discard(),
		seed:     1,
		cpus:     runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every configuration in order. On error, it returns the
// results gathered so far.
func (r *Runner) Run(ctx context.Context) ([]Result, error) {
	params := r.settings.Params()
	r.log.Info("starting benchmarks",
		"configurations", len(params),
		"warmupIterations", r.settings.WarmupIterations,
		"iterations", r.settings.Iterations,
		"durationInMillis", r.settings.DurationInMillis,
		"latencyPercentile", r.settings.LatencyPercentile)

	results := make([]Result, 0, len(params))
	for _, p := range params {
		res, err := r.Bench(ctx, p)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Bench executes a single configuration.
func (r *Runner) Bench(ctx context.Context, p Params) (Result, error) {
	log := r.log.WithValues("name", p.Bench.Name, "lock", p.Lock.String(), "threads", p.Threads)

	l, err := locks.New(p.Lock, r.lockConfig)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", p.Lock, err)
	}
	w, err := NewWorkload(p.Bench, r.seed)
	if err != nil {
		return Result{}, err
	}

	log.Info("run bench")
	for i := 0; i < r.settings.WarmupIterations; i++ {
		if _, err := r.iteration(ctx, l, w, p.Threads); err != nil {
			return Result{}, err
		}
	}

	var total sample
	for i := 0; i < r.settings.Iterations; i++ {
		s, err := r.iteration(ctx, l, w, p.Threads)
		if err != nil {
			return Result{}, err
		}
		log.V(1).Info("iteration", "iteration", i, "ops", s.ops, "elapsed", s.elapsed)
		total.merge(s)
	}

	res := Result{
		Name:    p.Bench.Name,
		Lock:    p.Lock,
		Threads: p.Threads,
		Latency: Percentile(total.latencies, r.settings.LatencyPercentile),
		Ops:     total.ops,
	}
	if ms := float64(total.elapsed) / float64(time.Millisecond); ms > 0 {
		res.Throughput = float64(total.ops) / ms
	}
	log.Info("bench ended", "latency", res.Latency, "throughput", res.Throughput)
	return res, nil
}

type sample struct {
	ops       int64
	elapsed   time.Duration
	latencies []time.Duration
}

func (s *sample) merge(o sample) {
	s.ops += o.ops
	s.elapsed += o.elapsed
	s.latencies = append(s.latencies, o.latencies...)
}

// iteration runs the workload on the given number of goroutines for the
// configured duration.
func (r *Runner) iteration(
	ctx context.Context, l sync.Locker, w Workload, threads int,
) (sample, error) {
	duration := time.Duration(r.settings.DurationInMillis) * time.Millisecond
	perThread := make([][]time.Duration, threads)

	eg, egCtx := errgroup.WithContext(ctx)
	start := time.Now()
	deadline := start.Add(duration)
	for g := 0; g < threads; g++ {
		g := g // Capture
		worker := w.NewWorker()
		eg.Go(func() error {
			if r.pin {
				// The goroutine exits while still locked to its thread,
				// which retires the pinned thread.
				cpu := g % r.cpus
				if err := topology.Pin(cpu); err != nil {
					r.log.V(1).Info("cannot pin benchmark thread", "cpu", cpu, "error", err.Error())
				}
			}
			var latencies []time.Duration
			for egCtx.Err() == nil {
				worker.Before()
				began := time.Now()
				l.Lock()
				worker.Critical()
				l.Unlock()
				now := time.Now()
				latencies = append(latencies, now.Sub(began))
				worker.After()
				if !now.Before(deadline) {
					break
				}
			}
			perThread[g] = latencies
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return sample{}, err
	}
	if err := ctx.Err(); err != nil {
		return sample{}, err
	}

	s := sample{elapsed: time.Since(start)}
	for _, latencies := range perThread {
		s.ops += int64(len(latencies))
		s.latencies = append(s.latencies, latencies...)
	}
	return s, nil
}

// Percentile returns the p-th percentile, 0 < p <= 100, of the values
// using the nearest-rank method. It returns 0 for no values. The slice
// is sorted in place.
func Percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	rank := int(math.Ceil(p / 100 * float64(len(values))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(values) {
		rank = len(values)
	}
	return values[rank-1]
}
