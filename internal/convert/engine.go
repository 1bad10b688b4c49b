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

// Package convert implements the per-repo conversion algorithm: OSV
// entries sharing a repo_url become vulnerability records and revision
// records, via cached version resolution and a minimum hitting set over
// affected versions.
package convert

import (
	"errors"
	"sort"

	"github.com/go-logr/logr"

	"github.com/timothee-chauvin/repovul/internal/cache"
	"github.com/timothee-chauvin/repovul/internal/gitgateway"
	"github.com/timothee-chauvin/repovul/internal/hittingset"
	"github.com/timothee-chauvin/repovul/internal/osv"
	"github.com/timothee-chauvin/repovul/internal/record"
	"github.com/timothee-chauvin/repovul/internal/repoerrors"
)

// StatusCode is the outcome of converting one repo's OSV group.
type StatusCode string

const (
	StatusOK              StatusCode = "OK"
	StatusRepoNotFound    StatusCode = "REPO_NOT_FOUND"
	StatusGitRuntimeError StatusCode = "GIT_RUNTIME_ERROR"
	StatusLinguistError   StatusCode = "LINGUIST_ERROR"
)

// Result is what one repo's conversion produces.
type Result struct {
	Vulnerabilities []record.Vulnerability
	Revisions       []record.Revision
	CacheItem       cache.Item
	Status          StatusCode
}

// Convert performs the full per-repo conversion: filtering, cached version
// resolution, hitting-set solving, revision materialization, and
// vulnerability assembly. existingRevisions is the pre-dispatch snapshot of
// what's already stored for repoURL, indexed by commit.
//
// A non-nil error is fatal to the whole run (a solver or validation
// failure): the caller must cancel remaining work and propagate it, rather
// than treat it as a per-repo skip the way a non-OK Result.Status is
// treated.
func Convert(log logr.Logger, repoURL string, entries []*osv.Entry, cacheItem cache.Item, existingRevisions map[string]record.Revision) (Result, error) {
	group := filterNoAffectedVersions(log, entries)
	group = filterWithdrawn(log, group)
	if len(group) == 0 {
		log.Info("no OSV entries with affected versions found, skipping", "repo_url", repoURL)
		return Result{CacheItem: cacheItem, Status: StatusOK}, nil
	}

	affectedByID := make(map[string][]string, len(group))
	allVersionsSet := make(map[string]struct{})
	for _, e := range group {
		vs := e.AffectedVersions()
		affectedByID[e.ID] = vs
		for _, v := range vs {
			allVersionsSet[v] = struct{}{}
		}
	}

	var repo *gitgateway.Repo
	defer func() {
		if repo != nil {
			repo.Close()
		}
	}()
	ensureRepo := func() (*gitgateway.Repo, error) {
		if repo != nil {
			return repo, nil
		}
		log.Info("version resolution or size measurement needs the repo, cloning", "repo_url", repoURL)
		r, err := gitgateway.Clone(repoURL)
		if err != nil {
			return nil, err
		}
		repo = r
		return repo, nil
	}

	versionsInfo, err := resolveVersionsWithCache(ensureRepo, allVersionsSet, cacheItem)
	if err != nil {
		return statusForError(log, repoURL, err, cacheItem)
	}

	unknown := make(map[string]struct{})
	for v, info := range versionsInfo {
		if info == nil {
			unknown[v] = struct{}{}
		}
	}
	if len(unknown) > 0 {
		log.Info("filtered out versions not found by git", "count", len(unknown), "total", len(versionsInfo), "repo_url", repoURL)
		for id, vs := range affectedByID {
			filtered := vs[:0:0]
			for _, v := range vs {
				if _, bad := unknown[v]; !bad {
					filtered = append(filtered, v)
				}
			}
			if len(filtered) == 0 {
				delete(affectedByID, id)
			} else {
				affectedByID[id] = filtered
			}
		}
		if len(affectedByID) == 0 {
			log.Info("no valid versions found, skipping", "repo_url", repoURL)
			return Result{CacheItem: cacheItem, Status: StatusOK}, nil
		}
	}

	versionDates := make(map[string]int64, len(versionsInfo))
	for v, info := range versionsInfo {
		if info != nil {
			versionDates[v] = info.Date.Unix()
		}
	}

	ids := sortedKeys(affectedByID)
	lists := make([][]string, 0, len(affectedByID))
	for _, id := range ids {
		lists = append(lists, affectedByID[id])
	}

	hittingSetVersions, cacheItem, err := solveHittingSetWithCache(lists, versionDates, cacheItem)
	if err != nil {
		return statusForError(log, repoURL, err, cacheItem)
	}
	log.Info("minimum hitting set computed", "repo_url", repoURL, "versions", hittingSetVersions)

	revisionsByVersion, err := materializeRevisions(ensureRepo, hittingSetVersions, versionsInfo, repoURL, existingRevisions)
	if err != nil {
		return statusForError(log, repoURL, err, cacheItem)
	}

	hittingSetSet := make(map[string]struct{}, len(hittingSetVersions))
	for _, v := range hittingSetVersions {
		hittingSetSet[v] = struct{}{}
	}

	vulns := make([]record.Vulnerability, 0, len(group))
	for _, e := range group {
		if _, surviving := affectedByID[e.ID]; !surviving {
			// Every affected version of this entry was unresolved.
			continue
		}
		var commits []string
		for _, v := range e.AffectedVersions() {
			if _, ok := hittingSetSet[v]; !ok {
				continue
			}
			rev, ok := revisionsByVersion[v]
			if !ok {
				continue
			}
			commits = append(commits, rev.Commit)
		}
		vuln := record.Vulnerability{
			ID:        e.ID,
			Published: e.Published,
			Modified:  e.Modified,
			Details:   e.Details,
			RepoURL:   e.RepoURL(),
			CWEs:      e.CWEs(),
			Severity:  e.Severity,
			Commits:   commits,
		}
		if e.Summary != "" {
			s := e.Summary
			vuln.Summary = &s
		}
		vuln.Normalize()
		vulns = append(vulns, vuln)
	}

	revs := make([]record.Revision, 0, len(revisionsByVersion))
	for _, r := range revisionsByVersion {
		revs = append(revs, r)
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].Commit < revs[j].Commit })

	return Result{Vulnerabilities: vulns, Revisions: revs, CacheItem: cacheItem, Status: StatusOK}, nil
}

// statusForError classifies err: RepoNotFound, GitRuntimeError and
// LinguistError abort only this repo (a non-OK Status, nil error);
// anything else (a solver error, a validation error, or an unrecognized
// error) is fatal to the whole run and is returned as an error for the
// caller to propagate.
func statusForError(log logr.Logger, repoURL string, err error, cacheItem cache.Item) (Result, error) {
	switch {
	case errors.Is(err, repoerrors.ErrRepoNotFound):
		log.Info("repo not found, skipping", "repo_url", repoURL, "error", err.Error())
		return Result{CacheItem: cacheItem, Status: StatusRepoNotFound}, nil
	case errors.Is(err, repoerrors.ErrLinguist):
		log.Info("error computing code sizes, skipping", "repo_url", repoURL, "error", err.Error())
		return Result{CacheItem: cacheItem, Status: StatusLinguistError}, nil
	case errors.Is(err, repoerrors.ErrGitRuntime):
		log.Info("git runtime error, skipping", "repo_url", repoURL, "error", err.Error())
		return Result{CacheItem: cacheItem, Status: StatusGitRuntimeError}, nil
	default:
		return Result{}, err
	}
}

func filterNoAffectedVersions(log logr.Logger, group []*osv.Entry) []*osv.Entry {
	out := make([]*osv.Entry, 0, len(group))
	for _, e := range group {
		if len(e.AffectedVersions()) > 0 {
			out = append(out, e)
		}
	}
	if len(out) < len(group) {
		log.Info("filtered out OSV entries without affected versions", "count", len(group)-len(out), "total", len(group))
	}
	return out
}

func filterWithdrawn(log logr.Logger, group []*osv.Entry) []*osv.Entry {
	out := make([]*osv.Entry, 0, len(group))
	for _, e := range group {
		if !e.IsWithdrawn() {
			out = append(out, e)
		}
	}
	if len(out) < len(group) {
		log.Info("filtered out OSV entries marked withdrawn", "count", len(group)-len(out), "total", len(group))
	}
	return out
}

// resolveVersionsWithCache resolves every version in versions to a
// (commit, date) pair, consulting cacheItem.VersionsInfo first and only
// cloning the repo (via ensureRepo) when at least one version is missing
// from it. A nil map entry records a version absent from the repo
// (gitgateway.ErrVersionNotFound), so that negative result is cached too.
// Any other error from ResolveVersion is a genuine git failure, not an
// absent version: it aborts immediately and is never cached. Mutates
// cacheItem.VersionsInfo in place.
func resolveVersionsWithCache(ensureRepo func() (*gitgateway.Repo, error), versions map[string]struct{}, cacheItem cache.Item) (map[string]*cache.VersionInfo, error) {
	out := make(map[string]*cache.VersionInfo, len(versions))
	for v := range versions {
		if info, ok := cacheItem.VersionsInfo[v]; ok {
			out[v] = info
			continue
		}
		repo, err := ensureRepo()
		if err != nil {
			return nil, err
		}
		commit, date, resolveErr := repo.ResolveVersion(v)
		var info *cache.VersionInfo
		switch {
		case resolveErr == nil:
			info = &cache.VersionInfo{Commit: commit, Date: date}
		case errors.Is(resolveErr, gitgateway.ErrVersionNotFound):
			// info stays nil: a version absent from the repo, cached as such.
		default:
			// A genuine git failure after the ref resolved, not an absent
			// version: fatal to this repo's conversion, must not be cached.
			return nil, resolveErr
		}
		out[v] = info
		cacheItem.VersionsInfo[v] = info
	}
	return out, nil
}

// solveHittingSetWithCache solves (or retrieves from cacheItem.HittingSetResults)
// the minimum hitting set for lists, returning the possibly-updated cache item.
func solveHittingSetWithCache(lists [][]string, versionDates map[string]int64, cacheItem cache.Item) ([]string, cache.Item, error) {
	key := hittingset.CacheKey(lists, versionDates)
	if solution, ok := cacheItem.HittingSetResults[key]; ok {
		return solution, cacheItem, nil
	}
	solution, err := hittingset.Solve(lists, versionDates)
	if err != nil {
		return nil, cacheItem, err
	}
	cacheItem.HittingSetResults[key] = solution
	return solution, cacheItem, nil
}

// materializeRevisions produces a Revision for every version in the
// hitting set, reusing an existingRevisions entry by commit where one
// already exists in the store, and only measuring code sizes (which
// requires a checkout) for the genuinely new ones.
func materializeRevisions(ensureRepo func() (*gitgateway.Repo, error), versions []string, versionsInfo map[string]*cache.VersionInfo, repoURL string, existingRevisions map[string]record.Revision) (map[string]record.Revision, error) {
	out := make(map[string]record.Revision, len(versions))
	var unknown []string
	for _, v := range versions {
		info := versionsInfo[v]
		if existing, ok := existingRevisions[info.Commit]; ok {
			out[v] = existing
			continue
		}
		unknown = append(unknown, v)
	}
	if len(unknown) == 0 {
		return out, nil
	}

	repo, err := ensureRepo()
	if err != nil {
		return nil, err
	}
	for _, v := range unknown {
		info := versionsInfo[v]
		if err := repo.Checkout(info.Commit); err != nil {
			return nil, err
		}
		languages, size, err := repo.MeasureSizes()
		if err != nil {
			return nil, err
		}
		out[v] = record.Revision{
			RepoURL:   repoURL,
			Commit:    info.Commit,
			Date:      info.Date,
			Languages: languages,
			Size:      size,
		}
	}
	return out, nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
