// Copyright 2024 Repovul Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package record defines the two output shapes of the conversion
// pipeline: vulnerability and revision records.
package record

import (
	"sort"
	"strings"
	"time"
)

// Vulnerability is one OSV entry's worth of output: the surviving entry's
// own metadata, plus the subset of the hitting set that covers it.
type Vulnerability struct {
	ID        string
	Published time.Time
	Modified  time.Time
	Details   string
	Summary   *string
	Severity  []map[string]any
	RepoURL   string
	CWEs      []string
	Commits   []string
}

// Normalize sorts CWEs and Commits in place so serialized output is
// deterministic regardless of insertion order.
func (v *Vulnerability) Normalize() {
	sort.Strings(v.CWEs)
	sort.Strings(v.Commits)
}

// Revision is a specific commit of a specific repository, with its
// language/byte-size breakdown.
type Revision struct {
	RepoURL   string
	Commit    string
	Date      time.Time
	Languages map[string]int64
	Size      int64
}

// SizeMatchesLanguages reports whether Size equals the sum of Languages.
func (r *Revision) SizeMatchesLanguages() bool {
	var sum int64
	for _, n := range r.Languages {
		sum += n
	}
	return sum == r.Size
}

// RepoName derives a flat, filesystem-safe name for a repo URL: host and
// path components joined by "_", scheme stripped. Useful for any external
// tool that wants to lay records out one directory per repo.
func RepoName(repoURL string) string {
	s := repoURL
	if idx := strings.Index(s, "://"); idx != -1 {
		s = s[idx+3:]
	}
	s = strings.Trim(s, "/")
	s = strings.ReplaceAll(s, "/", "_")
	return s
}
