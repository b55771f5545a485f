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
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/numalocks/locks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jsonSettings = `{
  "warmupIterations": 2,
  "iterations": 5,
  "durationInMillis": 1000,
  "latencyPercentile": 99.9,
  "threads": [1, 4],
  "locks": ["MCS", "hmcs_numa"],
  "benches": [{"name": "matrix", "before": 2, "in": 8, "after": 4}]
}`

const yamlSettings = `
schema: v1.0.0
warmupIterations: 2
iterations: 5
durationInMillis: 1000
latencyPercentile: 99.9
threads: [1, 4]
locks: [MCS, HMCS_NUMA]
benches:
  - name: matrix
    before: 2
    in: 8
    after: 4
`

const tomlSettings = `
warmupIterations = 2
iterations = 5
durationInMillis = 1000
latencyPercentile = 99.9
threads = [1, 4]
locks = ["MCS", "HMCS_NUMA"]

[[benches]]
name = "matrix"
before = 2
in = 8
after = 4
`

func TestParse(t *testing.T) {
	tcs := []struct {
		name   string
		data   string
		format Format
		schema string
	}{
		{"json", jsonSettings, FormatYAML, CurrentSchema.String()},
		{"yaml", yamlSettings, FormatYAML, "v1.0.0"},
		{"toml", tomlSettings, FormatTOML, CurrentSchema.String()},
	}
	for _, tc := range tcs {
		tc := tc // Capture
		t.Run(tc.name, func(t *testing.T) {
			r := require.New(t)
			s, err := Parse([]byte(tc.data), tc.format)
			r.NoError(err)
			r.Equal(&Settings{
				Schema:            tc.schema,
				WarmupIterations:  2,
				Iterations:        5,
				DurationInMillis:  1000,
				LatencyPercentile: 99.9,
				Threads:           []int{1, 4},
				Locks:             []locks.Kind{locks.MCS, locks.HMCSNUMA},
				Benches:           []Bench{{Name: MatrixBench, Before: 2, In: 8, After: 4}},
			}, s)
		})
	}
}

func TestParseErrors(t *testing.T) {
	base := func() *Settings {
		return &Settings{
			Iterations:        1,
			DurationInMillis:  1,
			LatencyPercentile: 50,
			Threads:           []int{1},
			Locks:             []locks.Kind{locks.MCS},
			Benches:           []Bench{{Name: MatrixBench}},
		}
	}
	tcs := []struct {
		name   string
		mutate func(*Settings)
		want   error
	}{
		{"negative warmup", func(s *Settings) { s.WarmupIterations = -1 }, ErrInvalidSettings},
		{"no iterations", func(s *Settings) { s.Iterations = 0 }, ErrInvalidSettings},
		{"no duration", func(s *Settings) { s.DurationInMillis = 0 }, ErrInvalidSettings},
		{"zero percentile", func(s *Settings) { s.LatencyPercentile = 0 }, ErrInvalidSettings},
		{"large percentile", func(s *Settings) { s.LatencyPercentile = 100.5 }, ErrInvalidSettings},
		{"no locks", func(s *Settings) { s.Locks = nil }, ErrInvalidSettings},
		{"no benches", func(s *Settings) { s.Benches = nil }, ErrInvalidSettings},
		{"zero threads", func(s *Settings) { s.Threads = []int{2, 0} }, ErrInvalidSettings},
		{"unknown bench", func(s *Settings) { s.Benches[0].Name = "sort" }, ErrUnknownBench},
		{"negative size", func(s *Settings) { s.Benches[0].In = -1 }, ErrInvalidSettings},
		{"bad schema", func(s *Settings) { s.Schema = "one" }, ErrInvalidSettings},
		{"future schema", func(s *Settings) { s.Schema = "v2.0.0" }, ErrInvalidSettings},
		{"newer minor schema", func(s *Settings) { s.Schema = "v1.2.0" }, ErrInvalidSettings},
		{"older minor schema", func(s *Settings) { s.Schema = "v1.0.0" }, nil},
	}
	for _, tc := range tcs {
		tc := tc // Capture
		t.Run(tc.name, func(t *testing.T) {
			s := base()
			require.NoError(t, s.Validate())
			s = base()
			tc.mutate(s)
			if tc.want == nil {
				require.NoError(t, s.Validate())
				return
			}
			require.ErrorIs(t, s.Validate(), tc.want)
		})
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	r := require.New(t)

	_, err := Parse([]byte(`{"iterations": 1, "cores": 4}`), FormatYAML)
	r.ErrorIs(err, ErrInvalidSettings)

	_, err = Parse([]byte("iterations = 1\ncores = 4\n"), FormatTOML)
	r.ErrorIs(err, ErrInvalidSettings)
}

func TestParseRejectsUnknownLock(t *testing.T) {
	_, err := Parse([]byte(`{"locks": ["SEMAPHORE"]}`), FormatYAML)
	require.ErrorIs(t, err, ErrInvalidSettings)
	require.ErrorIs(t, err, locks.ErrUnknownKind)
}

func TestAutoThreadsFilled(t *testing.T) {
	s := &Settings{
		Iterations:        1,
		DurationInMillis:  1,
		LatencyPercentile: 50,
		Locks:             []locks.Kind{locks.MCS},
		Benches:           []Bench{{Name: MatrixBench}},
	}
	require.NoError(t, s.Validate())
	require.NotEmpty(t, s.Threads)
}

func TestAutoThreads(t *testing.T) {
	tcs := []struct {
		cpus int
		want []int
	}{
		{1, []int{1, 2}},
		{2, []int{1, 2, 4}},
		{4, []int{1, 2, 3, 4, 8}},
		{8, []int{1, 2, 3, 4, 6, 8, 16}},
		{12, []int{1, 2, 3, 4, 6, 8, 12, 24}},
	}
	for _, tc := range tcs {
		assert.Equal(t, tc.want, AutoThreads(tc.cpus), "cpus=%d", tc.cpus)
	}
}

func TestParams(t *testing.T) {
	s := &Settings{
		Threads: []int{1, 2},
		Locks:   []locks.Kind{locks.MCS, locks.CLH},
		Benches: []Bench{{Name: MatrixBench, In: 1}},
	}
	b := s.Benches[0]
	require.Equal(t, []Params{
		{Bench: b, Lock: locks.MCS, Threads: 1},
		{Bench: b, Lock: locks.CLH, Threads: 1},
		{Bench: b, Lock: locks.MCS, Threads: 2},
		{Bench: b, Lock: locks.CLH, Threads: 2},
	}, s.Params())
}

func TestLoad(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "settings.json")
	r.NoError(os.WriteFile(jsonPath, []byte(jsonSettings), 0644))
	fromJSON, err := Load(jsonPath)
	r.NoError(err)

	tomlPath := filepath.Join(dir, "settings.TOML")
	r.NoError(os.WriteFile(tomlPath, []byte(tomlSettings), 0644))
	fromTOML, err := Load(tomlPath)
	r.NoError(err)

	r.Equal(fromJSON, fromTOML)

	_, err = Load(filepath.Join(dir, "missing.json"))
	r.ErrorIs(err, os.ErrNotExist)
}
