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
	"strings"

	"golang.org/x/mod/semver"
)

// CurrentSchema is the settings schema understood by this package.
// Settings declaring another major version are rejected.
var CurrentSchema = MustSchema("v1.1.0")

// Schema is the semantic version of a settings document.
type Schema struct {
	version string
}

// ParseSchema accepts a semantic version with or without the leading
// "v", e.g. "1.0" or "v1.0.0".
func ParseSchema(version string) (*Schema, error) {
	v := strings.TrimSpace(version)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return nil, fmt.Errorf("not a semver: %q", version)
	}
	return &Schema{version: semver.Canonical(v)}, nil
}

// MustSchema panics if the version string is not a valid semantic
// version.
func MustSchema(version string) *Schema {
	s, err := ParseSchema(version)
	if err != nil {
		panic(err)
	}
	return s
}

// MinVersion returns true if the schema is at least the specified
// minimum.
func (s *Schema) MinVersion(minVersion *Schema) bool {
	return semver.Compare(s.version, minVersion.version) >= 0
}

// Compatible returns true if a document with this schema can be read by
// a reader of the other schema: same major version, and no newer than
// the reader, whose decoder would reject fields it does not know.
func (s *Schema) Compatible(reader *Schema) bool {
	return semver.Major(s.version) == semver.Major(reader.version) && reader.MinVersion(s)
}

// String implements the Stringer interface.
func (s *Schema) String() string {
	return s.version
}
