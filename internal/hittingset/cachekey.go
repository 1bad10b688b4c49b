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

package hittingset

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// CacheKey computes a stable, weak (non-cryptographic) hash of a hitting-set
// instance. Canonicalization guarantees every permutation of lists, of
// each list's members, or of the dates map hashes to the same key.
func CacheKey(lists [][]string, dates map[string]int64) string {
	sortedLists := make([][]string, len(lists))
	for i, lst := range lists {
		cp := append([]string(nil), lst...)
		sort.Strings(cp)
		sortedLists[i] = cp
	}
	sort.Slice(sortedLists, func(i, j int) bool {
		return lessStringSlice(sortedLists[i], sortedLists[j])
	})

	type datePair struct {
		Version string `json:"version"`
		Date    int64  `json:"date"`
	}
	pairs := make([]datePair, 0, len(dates))
	for v, d := range dates {
		pairs = append(pairs, datePair{Version: v, Date: d})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Version < pairs[j].Version })

	canon := struct {
		Lists [][]string `json:"lists"`
		Dates []datePair `json:"dates"`
	}{sortedLists, pairs}

	// json.Marshal errors only on unsupported types (channels, funcs), never
	// on this plain data shape.
	data, _ := json.Marshal(canon)
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

func lessStringSlice(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
