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

// Package hittingset solves a two-stage optimization: minimum cardinality
// hitting set first, then maximum total date among minimum solutions. It
// is an exact branch-and-bound search over the standard library.
package hittingset

import (
	"fmt"
	"sort"

	"github.com/timothee-chauvin/repovul/internal/repoerrors"
)

// maxNodes bounds the search so a pathological instance fails loudly
// (SolverError) instead of hanging forever; ordinary repo-sized instances
// (tens of affected versions) never come close to it.
const maxNodes = 2_000_000

// Solve computes the minimum-cardinality, maximum-date hitting set for
// lists over the universe implied by their union. dates must be defined for
// every version appearing in lists. Returns a sorted, deterministic result.
func Solve(lists [][]string, dates map[string]int64) ([]string, error) {
	if len(lists) == 0 {
		return nil, nil
	}

	universeSet := make(map[string]struct{})
	for _, lst := range lists {
		if len(lst) == 0 {
			return nil, repoerrors.WithMessage(repoerrors.ErrSolver, "empty set in hitting-set instance")
		}
		for _, v := range lst {
			universeSet[v] = struct{}{}
		}
	}
	universe := make([]string, 0, len(universeSet))
	for v := range universeSet {
		if _, ok := dates[v]; !ok {
			return nil, repoerrors.WithMessage(repoerrors.ErrSolver, fmt.Sprintf("missing date for version %q", v))
		}
		universe = append(universe, v)
	}
	sort.Strings(universe) // deterministic variable order

	index := make(map[string]int, len(universe))
	dateByIdx := make([]int64, len(universe))
	for i, v := range universe {
		index[v] = i
		dateByIdx[i] = dates[v]
	}

	listsByIdx := make([][]int, len(lists))
	for i, lst := range lists {
		idxs := make([]int, len(lst))
		for j, v := range lst {
			idxs[j] = index[v]
		}
		sort.Ints(idxs)
		listsByIdx[i] = idxs
	}

	// Sum of the k largest dates, for an admissible upper bound in stage 2.
	sortedDatesDesc := append([]int64(nil), dateByIdx...)
	sort.Slice(sortedDatesDesc, func(i, j int) bool { return sortedDatesDesc[i] > sortedDatesDesc[j] })
	prefixSum := make([]int64, len(sortedDatesDesc)+1)
	for i, d := range sortedDatesDesc {
		prefixSum[i+1] = prefixSum[i] + d
	}

	s := &search{
		listsByIdx: listsByIdx,
		dateByIdx:  dateByIdx,
		prefixSum:  prefixSum,
		selected:   make([]bool, len(universe)),
		covered:    make([]bool, len(lists)),
	}

	// Stage 1: minimum cardinality.
	s.bestSize = len(universe) + 1
	s.nodes = 0
	if err := s.run(0, 0, false); err != nil {
		return nil, err
	}
	minSize := s.bestSize

	// Stage 2: among covers of exactly minSize, maximize total date.
	s2 := &search{
		listsByIdx: listsByIdx,
		dateByIdx:  dateByIdx,
		prefixSum:  prefixSum,
		selected:   make([]bool, len(universe)),
		covered:    make([]bool, len(lists)),
		fixedSize:  minSize,
	}
	s2.bestSize = minSize + 1
	s2.bestDate = -1
	s2.nodes = 0
	if err := s2.run(0, 0, true); err != nil {
		return nil, err
	}
	if s2.bestSelected == nil {
		return nil, repoerrors.WithMessage(repoerrors.ErrSolver, "no optimal solution found in stage 2/2")
	}

	out := make([]string, 0, minSize)
	for i, on := range s2.bestSelected {
		if on {
			out = append(out, universe[i])
		}
	}
	sort.Strings(out)
	return out, nil
}

// search carries the mutable state of one branch-and-bound run. A single
// struct serves both stages: stage 1 ignores dateSum/fixedSize, stage 2
// enforces size == fixedSize and maximizes dateSum.
type search struct {
	listsByIdx [][]int
	dateByIdx  []int64
	prefixSum  []int64 // prefixSum[k] = sum of k largest dates in the universe

	selected []bool
	covered  []bool

	fixedSize int // stage 2 only: required final |H|

	bestSize     int
	bestDate     int64
	bestSelected []bool
	nodes        int
}

// run performs the branch-and-bound search. maximizeDate selects stage-2
// behavior (fixed cardinality, maximize date sum); otherwise it is stage 1
// (minimize cardinality only).
func (s *search) run(selectedCount int, dateSum int64, maximizeDate bool) error {
	s.nodes++
	if s.nodes > maxNodes {
		return repoerrors.WithMessage(repoerrors.ErrSolver, "search exceeded node budget")
	}

	if maximizeDate && selectedCount > s.fixedSize {
		return nil
	}

	// Find an uncovered list with the fewest uncovered candidates (MRV).
	bestList := -1
	bestCandidates := []int(nil)
	for i, lst := range s.listsByIdx {
		if s.covered[i] {
			continue
		}
		var cand []int
		for _, v := range lst {
			if !s.selected[v] {
				cand = append(cand, v)
			}
		}
		if bestList == -1 || len(cand) < len(bestCandidates) {
			bestList, bestCandidates = i, cand
			if len(cand) <= 1 {
				break
			}
		}
	}

	if bestList == -1 {
		// All lists covered: a leaf.
		if maximizeDate {
			if selectedCount == s.fixedSize && dateSum > s.bestDate {
				s.bestDate = dateSum
				s.bestSelected = append([]bool(nil), s.selected...)
			}
			return nil
		}
		if selectedCount < s.bestSize {
			s.bestSize = selectedCount
		}
		return nil
	}

	if len(bestCandidates) == 0 {
		// Uncovered list with no remaining candidate: dead branch.
		return nil
	}

	if maximizeDate {
		remaining := s.fixedSize - selectedCount
		if remaining <= 0 {
			return nil
		}
		upperBound := dateSum + (s.prefixSum[min(remaining, len(s.prefixSum)-1)])
		if upperBound <= s.bestDate {
			return nil
		}
	} else if selectedCount+1 >= s.bestSize {
		return nil
	}

	for _, v := range bestCandidates {
		s.selected[v] = true
		var newlyCovered []int
		for i, lst := range s.listsByIdx {
			if s.covered[i] {
				continue
			}
			if containsInt(lst, v) {
				s.covered[i] = true
				newlyCovered = append(newlyCovered, i)
			}
		}
		if err := s.run(selectedCount+1, dateSum+s.dateByIdx[v], maximizeDate); err != nil {
			return err
		}
		for _, i := range newlyCovered {
			s.covered[i] = false
		}
		s.selected[v] = false
	}
	return nil
}

func containsInt(sorted []int, v int) bool {
	i := sort.SearchInts(sorted, v)
	return i < len(sorted) && sorted[i] == v
}
