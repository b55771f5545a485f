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

// Package lint checks source conventions across the module.
package lint

import (
	"bytes"
	"go/format"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const root = "../.."

// sources returns the module's Go files, skipping directories the go
// tool ignores.
func sources(t *testing.T) []string {
	t.Helper()
	var ret []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || name == "testdata") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(name, ".go") {
			ret = append(ret, path)
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, ret)
	return ret
}

func TestGofmt(t *testing.T) {
	for _, path := range sources(t) {
		src, err := os.ReadFile(path)
		require.NoError(t, err)
		formatted, err := format.Source(src)
		if assert.NoError(t, err, path) {
			assert.True(t, bytes.Equal(src, formatted), "%s is not gofmt-clean", path)
		}
	}
}

func TestLicenseHeader(t *testing.T) {
	for _, path := range sources(t) {
		src, err := os.ReadFile(path)
		require.NoError(t, err)
		a := assert.New(t)
		a.True(bytes.HasPrefix(src, []byte("// Copyright 2025 The Cockroach Authors\n")), path)
		a.Contains(string(src), "// SPDX-License-Identifier: Apache-2.0\n", path)
	}
}
