package convert

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-logr/logr"

	"github.com/timothee-chauvin/repovul/internal/cache"
	"github.com/timothee-chauvin/repovul/internal/osv"
	"github.com/timothee-chauvin/repovul/internal/record"
)

// newFixtureRepo builds a two-tag repo on disk and returns its file:// URL,
// mirroring internal/gitgateway's test fixture.
func newFixtureRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}

	commit := func(name, content, msg string, when time.Time) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("Add: %v", err)
		}
		sig := &object.Signature{Name: "t", Email: "t@example.com", When: when}
		if _, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig}); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	commit("main.go", "package main\n", "v1", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	head1, _ := repo.Head()
	repo.CreateTag("v1.0.0", head1.Hash(), nil)

	commit("main.go", "package main\n\nfunc main() {}\n", "v2", time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC))
	head2, _ := repo.Head()
	repo.CreateTag("v2.0.0", head2.Hash(), nil)

	return "file://" + dir
}

func entry(id, repoURL string, versions []string, withdrawn bool) *osv.Entry {
	e := &osv.Entry{
		ID:        id,
		Published: time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
		Modified:  time.Date(2022, 1, 2, 0, 0, 0, 0, time.UTC),
		Details:   "details for " + id,
		Affected:  []osv.Affected{{Versions: versions, Ranges: []osv.Range{{Type: "GIT", Repo: repoURL}}}},
	}
	if withdrawn {
		w := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)
		e.Withdrawn = &w
	}
	return e
}

func emptyCacheItem() cache.Item {
	return cache.Item{
		VersionsInfo:      make(map[string]*cache.VersionInfo),
		HittingSetResults: make(map[string][]string),
	}
}

func TestConvertSingleEntrySingleVersion(t *testing.T) {
	url := newFixtureRepo(t)
	entries := []*osv.Entry{entry("CVE-1", url, []string{"v1.0.0"}, false)}

	result, err := Convert(logr.Discard(), url, entries, emptyCacheItem(), nil)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if result.Status != StatusOK {
		t.Fatalf("status = %v", result.Status)
	}
	if len(result.Vulnerabilities) != 1 {
		t.Fatalf("expected 1 vulnerability, got %d", len(result.Vulnerabilities))
	}
	if len(result.Vulnerabilities[0].Commits) != 1 {
		t.Fatalf("expected 1 commit on the vulnerability, got %+v", result.Vulnerabilities[0])
	}
	if len(result.Revisions) != 1 {
		t.Fatalf("expected 1 revision, got %d", len(result.Revisions))
	}
	if !result.Revisions[0].SizeMatchesLanguages() {
		t.Error("size does not match sum of languages")
	}
}

func TestConvertTwoEntriesSharingOneVersionYieldsSizeOneHittingSet(t *testing.T) {
	url := newFixtureRepo(t)
	entries := []*osv.Entry{
		entry("CVE-1", url, []string{"v1.0.0", "v2.0.0"}, false),
		entry("CVE-2", url, []string{"v2.0.0"}, false),
	}

	result, err := Convert(logr.Discard(), url, entries, emptyCacheItem(), nil)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(result.Revisions) != 1 {
		t.Fatalf("expected hitting set of size 1 (v2.0.0 covers both), got %d revisions: %+v", len(result.Revisions), result.Revisions)
	}
	for _, v := range result.Vulnerabilities {
		if len(v.Commits) != 1 {
			t.Errorf("vulnerability %s: expected exactly 1 commit, got %v", v.ID, v.Commits)
		}
	}
}

func TestConvertFiltersWithdrawnAndNoVersionEntries(t *testing.T) {
	url := newFixtureRepo(t)
	entries := []*osv.Entry{
		entry("CVE-1", url, []string{"v1.0.0"}, true),
		entry("CVE-2", url, nil, false),
	}

	result, err := Convert(logr.Discard(), url, entries, emptyCacheItem(), nil)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if result.Status != StatusOK {
		t.Fatalf("status = %v", result.Status)
	}
	if len(result.Vulnerabilities) != 0 || len(result.Revisions) != 0 {
		t.Fatalf("expected empty output, got %+v", result)
	}
}

func TestConvertAllVersionsUnresolvedYieldsEmptyOK(t *testing.T) {
	url := newFixtureRepo(t)
	entries := []*osv.Entry{entry("CVE-1", url, []string{"does-not-exist"}, false)}

	result, err := Convert(logr.Discard(), url, entries, emptyCacheItem(), nil)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if result.Status != StatusOK {
		t.Fatalf("status = %v, want OK even though no version resolved", result.Status)
	}
	if len(result.Vulnerabilities) != 0 {
		t.Fatalf("expected no vulnerabilities, got %+v", result.Vulnerabilities)
	}
}

func TestConvertAbortsOnGenuineGitRuntimeError(t *testing.T) {
	dir, err := os.MkdirTemp("", "repovul-bad-tag-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := wt.Add("main.go"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	sig := &object.Signature{Name: "t", Email: "t@example.com", When: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	commitHash, err := wt.Commit("initial", &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	commitObj, err := repo.CommitObject(commitHash)
	if err != nil {
		t.Fatalf("CommitObject: %v", err)
	}
	// Tag a tree, not a commit: ResolveRevision finds the ref, but reading
	// its commit object genuinely fails, unlike an absent version.
	if _, err := repo.CreateTag("v1.0.0", commitObj.TreeHash, nil); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}

	url := "file://" + dir
	entries := []*osv.Entry{entry("CVE-1", url, []string{"v1.0.0"}, false)}

	result, err := Convert(logr.Discard(), url, entries, emptyCacheItem(), nil)
	if err != nil {
		t.Fatalf("Convert: %v (a git runtime error aborts only this repo, not the run)", err)
	}
	if result.Status != StatusGitRuntimeError {
		t.Fatalf("status = %v, want GitRuntimeError when a resolved ref's commit object can't be read", result.Status)
	}
}

func TestConvertRepoNotFound(t *testing.T) {
	entries := []*osv.Entry{entry("CVE-1", "file:///does/not/exist", []string{"v1.0.0"}, false)}

	result, err := Convert(logr.Discard(), "file:///does/not/exist", entries, emptyCacheItem(), nil)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if result.Status != StatusRepoNotFound {
		t.Fatalf("status = %v, want RepoNotFound", result.Status)
	}
}

func TestConvertReusesExistingRevisionByCommit(t *testing.T) {
	url := newFixtureRepo(t)
	entries := []*osv.Entry{entry("CVE-1", url, []string{"v1.0.0"}, false)}

	// Resolve once to learn the commit hash for v1.0.0, then pre-seed an
	// existing revision for it with a sentinel language map that MeasureSizes
	// would never itself produce, to prove it was reused rather than
	// recomputed.
	firstResult, err := Convert(logr.Discard(), url, entries, emptyCacheItem(), nil)
	if err != nil {
		t.Fatalf("Convert (priming): %v", err)
	}
	if len(firstResult.Revisions) != 1 {
		t.Fatalf("expected 1 revision from priming run, got %d", len(firstResult.Revisions))
	}
	commit := firstResult.Revisions[0].Commit

	existing := map[string]record.Revision{
		commit: {
			RepoURL:   url,
			Commit:    commit,
			Date:      time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC),
			Languages: map[string]int64{"Sentinel": 42},
			Size:      42,
		},
	}

	result, err := Convert(logr.Discard(), url, entries, emptyCacheItem(), existing)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(result.Revisions) != 1 {
		t.Fatalf("expected 1 revision, got %d", len(result.Revisions))
	}
	if result.Revisions[0].Languages["Sentinel"] != 42 {
		t.Errorf("expected reused existing revision, got %+v", result.Revisions[0])
	}
}

func TestConvertCachesVersionResolution(t *testing.T) {
	url := newFixtureRepo(t)
	entries := []*osv.Entry{entry("CVE-1", url, []string{"v1.0.0"}, false)}

	firstResult, err := Convert(logr.Discard(), url, entries, emptyCacheItem(), nil)
	if err != nil {
		t.Fatalf("Convert (priming): %v", err)
	}

	result, err := Convert(logr.Discard(), url, entries, firstResult.CacheItem, nil)
	if err != nil {
		t.Fatalf("Convert (cached): %v", err)
	}
	if result.Status != StatusOK || len(result.Revisions) != 1 {
		t.Fatalf("expected cached conversion to succeed, got %+v", result)
	}
	if _, ok := firstResult.CacheItem.VersionsInfo["v1.0.0"]; !ok {
		t.Fatal("expected priming run's cache item to record v1.0.0's resolution")
	}
}
