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

// Package driver implements the parallel per-repo conversion orchestration:
// one goroutine pool task per repo, serialized completion handling (store
// write, cache write, progress logging), cancel-on-error semantics.
package driver

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/timothee-chauvin/repovul/internal/cache"
	"github.com/timothee-chauvin/repovul/internal/convert"
	"github.com/timothee-chauvin/repovul/internal/osv"
	"github.com/timothee-chauvin/repovul/internal/record"
	"github.com/timothee-chauvin/repovul/internal/repoerrors"
	"github.com/timothee-chauvin/repovul/internal/store"
)

// Driver owns the record store and cache store and dispatches per-repo
// conversions across a bounded goroutine pool. Workers never touch the
// store or the on-disk cache directly; the driver is the single writer for
// both.
type Driver struct {
	Store       *store.Store
	Cache       *cache.Store
	Log         logr.Logger
	Concurrency int // 0 means runtime.GOMAXPROCS(0)
}

// Stats is the final per-status-code breakdown of a conversion run.
type Stats struct {
	Total    int
	ByStatus map[convert.StatusCode][]string
}

type preparedArgs struct {
	repoURL           string
	entries           []*osv.Entry
	cacheItem         cache.Item
	existingRevisions map[string]record.Revision
}

type taskResult struct {
	repoURL string
	result  convert.Result
	err     error
}

// ConvertAll converts every repo in byRepo, sorted by repo_url for
// deterministic ordering.
func (d *Driver) ConvertAll(ctx context.Context, byRepo map[string][]*osv.Entry) (Stats, error) {
	return d.ConvertList(ctx, byRepo, sortedRepoURLs(byRepo))
}

// ConvertRange converts the [start, end) slice of byRepo's sorted repo_urls.
func (d *Driver) ConvertRange(ctx context.Context, byRepo map[string][]*osv.Entry, start, end int) (Stats, error) {
	all := sortedRepoURLs(byRepo)
	if start < 0 {
		start = 0
	}
	if end > len(all) {
		end = len(all)
	}
	if start > end {
		start = end
	}
	return d.ConvertList(ctx, byRepo, all[start:end])
}

// ConvertRepo converts a single repo_url.
func (d *Driver) ConvertRepo(ctx context.Context, byRepo map[string][]*osv.Entry, repoURL string) (Stats, error) {
	return d.ConvertList(ctx, byRepo, []string{repoURL})
}

// ConvertList runs the full driver protocol over repoURLs, in the order
// given: precompute arguments, dispatch across the worker pool, and handle
// each completion serially (store write, cache write, ETA log) as it
// arrives.
func (d *Driver) ConvertList(ctx context.Context, byRepo map[string][]*osv.Entry, repoURLs []string) (Stats, error) {
	d.Log.Info("preparing arguments...")
	prepareStart := time.Now()
	prepared := make([]preparedArgs, 0, len(repoURLs))
	for _, repoURL := range repoURLs {
		d.Cache.Initialize(repoURL)
		existing, err := d.Store.RevisionsByRepo(ctx, repoURL)
		if err != nil {
			return Stats{}, fmt.Errorf("RevisionsByRepo(%s): %w", repoURL, err)
		}
		prepared = append(prepared, preparedArgs{
			repoURL:           repoURL,
			entries:           byRepo[repoURL],
			cacheItem:         d.Cache.Get(repoURL),
			existingRevisions: existing,
		})
	}
	d.Log.Info("arguments prepared", "repos", len(prepared), "duration", time.Since(prepareStart))

	d.Log.Info("computing in parallel...")
	computeStart := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency())

	// Buffered to len(prepared) so every worker can send its result without
	// blocking, even if the driver stops reading early on a fatal error.
	results := make(chan taskResult, len(prepared))
	for _, args := range prepared {
		args := args
		g.Go(func() error {
			// After a fatal error (or once ctx is done), tasks that have not
			// started yet are skipped; a running conversion is not interrupted.
			if err := gctx.Err(); err != nil {
				results <- taskResult{repoURL: args.repoURL, err: err}
				return err
			}
			result, err := convert.Convert(d.Log, args.repoURL, args.entries, args.cacheItem, args.existingRevisions)
			results <- taskResult{repoURL: args.repoURL, result: result, err: err}
			return err
		})
	}
	go func() {
		g.Wait()
		close(results)
	}()

	stats := Stats{Total: len(prepared), ByStatus: make(map[convert.StatusCode][]string)}
	i := 0
	for tr := range results {
		i++
		if tr.err != nil {
			d.Log.Error(tr.err, "fatal error processing repo, aborting run", "repo_url", tr.repoURL, "error_kind", repoerrors.GetName(tr.err))
			return stats, fmt.Errorf("converting %s: %w", tr.repoURL, tr.err)
		}

		stats.ByStatus[tr.result.Status] = append(stats.ByStatus[tr.result.Status], tr.repoURL)

		if err := d.Store.Replace(ctx, tr.repoURL, tr.result.Vulnerabilities, tr.result.Revisions); err != nil {
			return stats, fmt.Errorf("Replace(%s): %w", tr.repoURL, err)
		}
		if d.Cache.Changed(tr.repoURL, tr.result.CacheItem) {
			d.Log.Info("cache updated, writing", "repo_url", tr.repoURL)
			d.Cache.Set(tr.repoURL, tr.result.CacheItem)
			if err := d.Cache.Write(); err != nil {
				return stats, fmt.Errorf("cache.Write: %w", err)
			}
		}

		elapsed := time.Since(computeStart)
		eta := elapsed / time.Duration(i) * time.Duration(len(prepared)-i)
		d.Log.Info("finished processing repo", "progress", fmt.Sprintf("%d/%d", i, len(prepared)),
			"elapsed", elapsed, "eta", eta, "repo_url", tr.repoURL)
	}

	d.displayStatistics(stats)
	return stats, nil
}

func (d *Driver) concurrency() int {
	if d.Concurrency > 0 {
		return d.Concurrency
	}
	return runtime.GOMAXPROCS(0)
}

func (d *Driver) displayStatistics(stats Stats) {
	d.Log.Info("done processing repositories", "ok", fmt.Sprintf("%d/%d", len(stats.ByStatus[convert.StatusOK]), stats.Total))
	for _, code := range []convert.StatusCode{convert.StatusRepoNotFound, convert.StatusGitRuntimeError, convert.StatusLinguistError} {
		repos := stats.ByStatus[code]
		if len(repos) == 0 {
			continue
		}
		d.Log.Info("non-OK status", "status", code, "count", len(repos), "repos", repos)
	}
}

func sortedRepoURLs(byRepo map[string][]*osv.Entry) []string {
	out := make([]string, 0, len(byRepo))
	for repoURL := range byRepo {
		out = append(out, repoURL)
	}
	sort.Strings(out)
	return out
}
