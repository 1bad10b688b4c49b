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

// Package osv parses the OSV vulnerability schema into a strict model:
// unexpected top-level shapes are rejected, unknown fields are tolerated
// silently (the zero-config behavior of encoding/json).
package osv

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/timothee-chauvin/repovul/internal/repoerrors"
)

// Entry is a single OSV vulnerability record, as read from
// osv_root/<ecosystem>/<id>.json.
type Entry struct {
	ID               string           `json:"id"`
	Published        time.Time        `json:"published"`
	Modified         time.Time        `json:"modified"`
	Withdrawn        *time.Time       `json:"withdrawn,omitempty"`
	Details          string           `json:"details"`
	Summary          string           `json:"summary,omitempty"`
	Severity         []map[string]any `json:"severity,omitempty"`
	Affected         []Affected       `json:"affected,omitempty"`
	References       []Reference      `json:"references,omitempty"`
	DatabaseSpecific map[string]any   `json:"database_specific,omitempty"`
}

// Affected describes one affected package/range group within an entry.
type Affected struct {
	Ranges   []Range  `json:"ranges,omitempty"`
	Versions []string `json:"versions,omitempty"`
}

// Range is one affected[].ranges[] element. Only the GIT-typed ranges carry
// a repo URL; other types (SEMVER, ECOSYSTEM) are parsed but ignored for
// repo-URL extraction.
type Range struct {
	Type string `json:"type"`
	Repo string `json:"repo,omitempty"`
}

// Reference is a top-level entry.references[] element.
type Reference struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Parse decodes raw OSV JSON into an Entry, rejecting payloads that don't
// carry the minimal required top-level shape.
func Parse(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, repoerrors.WithMessage(repoerrors.ErrValidation, err.Error())
	}
	if e.ID == "" {
		return nil, repoerrors.WithMessage(repoerrors.ErrValidation, "missing id")
	}
	if e.Published.IsZero() || e.Modified.IsZero() {
		return nil, repoerrors.WithMessage(repoerrors.ErrValidation,
			fmt.Sprintf("%s: missing published/modified timestamp", e.ID))
	}
	return &e, nil
}

// IsWithdrawn reports whether the entry has been retracted by its publisher.
func (e *Entry) IsWithdrawn() bool {
	return e.Withdrawn != nil
}

// AffectedVersions returns the union of affected[*].versions across the
// entry, in no particular order (callers sort as needed). Ranges are not
// expanded into version strings: only explicit version tags participate in
// hitting-set construction.
func (e *Entry) AffectedVersions() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range e.Affected {
		for _, v := range a.Versions {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// RepoURL extracts a single canonical repository URL, encoding the
// precedence decided in SPEC_FULL.md's Open Question resolution:
//  1. the first affected[*].ranges[*] entry with type GIT and a non-empty repo,
//  2. else the first references[*] entry with type REPOSITORY,
//  3. else "" (the entry is later dropped for having an unsupported/empty domain).
func (e *Entry) RepoURL() string {
	for _, a := range e.Affected {
		for _, r := range a.Ranges {
			if r.Type == "GIT" && r.Repo != "" {
				return r.Repo
			}
		}
	}
	for _, ref := range e.References {
		if ref.Type == "REPOSITORY" && ref.URL != "" {
			return ref.URL
		}
	}
	return ""
}

// CWEs extracts and sorts the CWE identifiers from database_specific.cwe_ids,
// the field GHSA-sourced OSV records populate (SPEC_FULL.md Supplemented
// Features).
func (e *Entry) CWEs() []string {
	raw, ok := e.DatabaseSpecific["cwe_ids"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	seen := make(map[string]struct{}, len(list))
	var out []string
	for _, v := range list {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
