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
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/numalocks/locks"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidSettings is returned for settings that cannot be run.
	ErrInvalidSettings = errors.New("invalid benchmark settings")
	// ErrUnknownBench is returned for unsupported benchmark names.
	ErrUnknownBench = errors.New("unknown benchmark")
)

// MatrixBench is the name of the matrix multiplication benchmark.
const MatrixBench = "matrix"

// Bench describes one workload. For the matrix benchmark, Before, In
// and After are the sizes of the square matrices multiplied before,
// inside and after the critical section.
type Bench struct {
	Name   string `yaml:"name" toml:"name"`
	Before int    `yaml:"before" toml:"before"`
	In     int    `yaml:"in" toml:"in"`
	After  int    `yaml:"after" toml:"after"`
}

// Settings drive a benchmark run. The field names match the
// settings.json files of earlier tooling, which remain loadable.
type Settings struct {
	// Schema is the settings schema version. Empty means
	// [CurrentSchema].
	Schema            string       `yaml:"schema" toml:"schema"`
	WarmupIterations  int          `yaml:"warmupIterations" toml:"warmupIterations"`
	Iterations        int          `yaml:"iterations" toml:"iterations"`
	DurationInMillis  int          `yaml:"durationInMillis" toml:"durationInMillis"`
	LatencyPercentile float64      `yaml:"latencyPercentile" toml:"latencyPercentile"`
	Threads           []int        `yaml:"threads" toml:"threads"`
	Locks             []locks.Kind `yaml:"locks" toml:"locks"`
	Benches           []Bench      `yaml:"benches" toml:"benches"`
}

// Format is a settings file syntax.
type Format int

// The supported formats. JSON is read by the YAML decoder.
const (
	FormatYAML Format = iota
	FormatTOML
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Load reads and validates a settings file.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(data, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes and validates settings. Unknown keys are rejected.
func Parse(data []byte, format Format) (*Settings, error) {
	s := &Settings{}
	switch format {
	case FormatTOML:
		md, err := toml.Decode(string(data), s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown keys %v", ErrInvalidSettings, undecoded)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(s); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the settings and fills in defaults.
func (s *Settings) Validate() error {
	if s.Schema == "" {
		s.Schema = CurrentSchema.String()
	}
	schema, err := ParseSchema(s.Schema)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if !schema.Compatible(CurrentSchema) {
		return fmt.Errorf("%w: schema %s is not compatible with %s",
			ErrInvalidSettings, schema, CurrentSchema)
	}

	switch {
	case s.WarmupIterations < 0:
		return fmt.Errorf("%w: warmupIterations %d", ErrInvalidSettings, s.WarmupIterations)
	case s.Iterations < 1:
		return fmt.Errorf("%w: iterations %d", ErrInvalidSettings, s.Iterations)
	case s.DurationInMillis < 1:
		return fmt.Errorf("%w: durationInMillis %d", ErrInvalidSettings, s.DurationInMillis)
	case s.LatencyPercentile <= 0 || s.LatencyPercentile > 100:
		return fmt.Errorf("%w: latencyPercentile %v", ErrInvalidSettings, s.LatencyPercentile)
	case len(s.Locks) == 0:
		return fmt.Errorf("%w: no locks", ErrInvalidSettings)
	case len(s.Benches) == 0:
		return fmt.Errorf("%w: no benches", ErrInvalidSettings)
	}

	if len(s.Threads) == 0 {
		s.Threads = AutoThreads(runtime.NumCPU())
	}
	for _, n := range s.Threads {
		if n < 1 {
			return fmt.Errorf("%w: thread count %d", ErrInvalidSettings, n)
		}
	}
	for _, b := range s.Benches {
		if b.Name != MatrixBench {
			return fmt.Errorf("%w: %q", ErrUnknownBench, b.Name)
		}
		if b.Before < 0 || b.In < 0 || b.After < 0 {
			return fmt.Errorf("%w: negative matrix size in %+v", ErrInvalidSettings, b)
		}
	}
	return nil
}

// AutoThreads returns the thread counts used when none are configured:
// powers of two and the midpoints between them below the CPU count,
// then the CPU count and twice the CPU count.
func AutoThreads(cpus int) []int {
	var ret []int
	for i := 0; i < 10; i++ {
		left := 1 << i
		mid := left + left/2
		if left < cpus {
			ret = append(ret, left)
		}
		if mid != left && mid < cpus {
			ret = append(ret, mid)
		}
	}
	return append(ret, cpus, 2*cpus)
}

// Params is one benchmark configuration.
type Params struct {
	Bench   Bench
	Lock    locks.Kind
	Threads int
}

// Params expands the settings into the benchmark configurations to run,
// benches first, then thread counts, then locks.
func (s *Settings) Params() []Params {
	var ret []Params
	for _, b := range s.Benches {
		for _, threads := range s.Threads {
			for _, kind := range s.Locks {
				ret = append(ret, Params{Bench: b, Lock: kind, Threads: threads})
			}
		}
	}
	return ret
}
