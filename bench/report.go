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
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// Headers are the columns of a results file. Latency is in nanoseconds
// and throughput in operations per millisecond.
var Headers = []string{"name", "lock", "threads", "latency", "throughput"}

// WriteCSV writes the results, preceded by [Headers].
func WriteCSV(w io.Writer, results []Result) error {
	out := csv.NewWriter(w)
	if err := out.Write(Headers); err != nil {
		return err
	}
	for _, res := range results {
		record := []string{
			res.Name,
			res.Lock.String(),
			strconv.Itoa(res.Threads),
			strconv.FormatInt(res.Latency.Nanoseconds(), 10),
			strconv.FormatFloat(res.Throughput, 'f', 3, 64),
		}
		if err := out.Write(record); err != nil {
			return err
		}
	}
	out.Flush()
	return out.Error()
}

// WriteCSVFile writes the results to a file, creating its directory.
func WriteCSVFile(path string, results []Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, results); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
