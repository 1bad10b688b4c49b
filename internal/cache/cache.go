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

// Package cache implements the persistent per-repo memo of resolved
// versions and hitting-set solutions: a single on-disk JSON blob, written
// atomically (write-to-temp, rename) by a single writer, while workers
// operate on independent copies.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// VersionInfo is the resolved (commit, date) pair for one version string, or
// nil if that version was not found in git.
type VersionInfo struct {
	Commit string    `json:"commit"`
	Date   time.Time `json:"date"`
}

// Item is the per-repo cache payload. VersionsInfo records every
// resolution attempt, including negatives (nil value).
type Item struct {
	VersionsInfo      map[string]*VersionInfo `json:"versions_info"`
	HittingSetResults map[string][]string     `json:"hitting_set_results"`
}

// newItem returns an empty, initialized Item.
func newItem() Item {
	return Item{
		VersionsInfo:      make(map[string]*VersionInfo),
		HittingSetResults: make(map[string][]string),
	}
}

// Clone returns a deep copy, so a worker goroutine can mutate its own
// copy without racing the driver's.
func (it Item) Clone() Item {
	out := newItem()
	for k, v := range it.VersionsInfo {
		if v == nil {
			out.VersionsInfo[k] = nil
			continue
		}
		cp := *v
		out.VersionsInfo[k] = &cp
	}
	for k, v := range it.HittingSetResults {
		out.HittingSetResults[k] = append([]string(nil), v...)
	}
	return out
}

// Equal reports whether two Items carry the same content, used to gate
// cache writes to only when a worker's copy actually changed.
func (it Item) Equal(other Item) bool {
	if len(it.VersionsInfo) != len(other.VersionsInfo) {
		return false
	}
	for k, v := range it.VersionsInfo {
		ov, ok := other.VersionsInfo[k]
		if !ok {
			return false
		}
		if (v == nil) != (ov == nil) {
			return false
		}
		if v != nil && (v.Commit != ov.Commit || !v.Date.Equal(ov.Date)) {
			return false
		}
	}
	if len(it.HittingSetResults) != len(other.HittingSetResults) {
		return false
	}
	for k, v := range it.HittingSetResults {
		ov, ok := other.HittingSetResults[k]
		if !ok || len(v) != len(ov) {
			return false
		}
		for i := range v {
			if v[i] != ov[i] {
				return false
			}
		}
	}
	return true
}

// Store is the single-writer, in-memory mapping repo_url -> Item, backed by
// a single on-disk file.
type Store struct {
	path string
	mu   sync.Mutex
	data map[string]Item
}

type onDisk struct {
	Repos map[string]Item `json:"repos"`
}

// Read loads the full on-disk state. A missing file means "begin empty".
func Read(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string]Item)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile(%s): %w", path, err)
	}
	var d onDisk
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("json.Unmarshal cache file: %w", err)
	}
	if d.Repos != nil {
		s.data = d.Repos
	}
	return s, nil
}

// Initialize ensures an entry exists for repoURL, without overwriting one
// that's already present.
func (s *Store) Initialize(repoURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[repoURL]; !ok {
		s.data[repoURL] = newItem()
	}
}

// Get returns a deep copy of repoURL's cache item, safe for a worker to
// mutate independently.
func (s *Store) Get(repoURL string) Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.data[repoURL]
	if !ok {
		return newItem()
	}
	return item.Clone()
}

// Set replaces repoURL's cache item wholesale.
func (s *Store) Set(repoURL string, item Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[repoURL] = item
}

// Changed reports whether item differs from what's currently stored for
// repoURL, used by the driver to decide whether a write is warranted.
func (s *Store) Changed(repoURL string, item Item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.data[repoURL]
	if !ok {
		return true
	}
	return !cur.Equal(item)
}

// Write serializes the entire state atomically: write to a temp file in the
// same directory, then rename over the target. encoding/json sorts map keys
// by default, keeping the file diff-friendly.
func (s *Store) Write() error {
	s.mu.Lock()
	snapshot := make(map[string]Item, len(s.data))
	for k, v := range s.data {
		snapshot[k] = v
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(onDisk{Repos: snapshot}, "", "  ")
	if err != nil {
		return fmt.Errorf("json.Marshal cache: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("os.MkdirAll: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, ".cache-*.tmp")
	if err != nil {
		return fmt.Errorf("os.CreateTemp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("os.Rename: %w", err)
	}
	return nil
}
