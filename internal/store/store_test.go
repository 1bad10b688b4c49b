package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/timothee-chauvin/repovul/internal/record"
)

var cmpTimeEqual = cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "repovul.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleVuln(id, repoURL string, commits []string) record.Vulnerability {
	summary := "a summary"
	return record.Vulnerability{
		ID:        id,
		Published: time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
		Modified:  time.Date(2022, 1, 2, 0, 0, 0, 0, time.UTC),
		Details:   "details",
		Summary:   &summary,
		RepoURL:   repoURL,
		CWEs:      []string{"CWE-79"},
		Commits:   commits,
	}
}

func sampleRevision(repoURL, commit string) record.Revision {
	return record.Revision{
		RepoURL:   repoURL,
		Commit:    commit,
		Date:      time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
		Languages: map[string]int64{"Go": 100},
		Size:      100,
	}
}

func TestReplaceAndQueryByRepo(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	repoURL := "https://github.com/a/b"
	vulns := []record.Vulnerability{sampleVuln("CVE-1", repoURL, []string{"abc123"})}
	revs := []record.Revision{sampleRevision(repoURL, "abc123")}

	if err := s.Replace(ctx, repoURL, vulns, revs); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	got, err := s.VulnerabilitiesByRepo(ctx, repoURL, DateWindow{})
	if err != nil {
		t.Fatalf("VulnerabilitiesByRepo: %v", err)
	}
	if len(got) != 1 || got[0].ID != "CVE-1" {
		t.Fatalf("got %+v", got)
	}
	if diff := cmp.Diff(vulns[0], got[0], cmpTimeEqual); diff != "" {
		t.Errorf("round-tripped vulnerability mismatch (-want +got):\n%s", diff)
	}

	revsGot, err := s.RevisionsByRepo(ctx, repoURL)
	if err != nil {
		t.Fatalf("RevisionsByRepo: %v", err)
	}
	rev, ok := revsGot["abc123"]
	if !ok {
		t.Fatalf("revision not found: %+v", revsGot)
	}
	if diff := cmp.Diff(revs[0], rev, cmpTimeEqual); diff != "" {
		t.Errorf("round-tripped revision mismatch (-want +got):\n%s", diff)
	}
}

func TestReplaceIsAtomicPerRepo(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	repoURL := "https://github.com/a/b"
	if err := s.Replace(ctx, repoURL, []record.Vulnerability{sampleVuln("CVE-1", repoURL, nil)}, nil); err != nil {
		t.Fatalf("Replace 1: %v", err)
	}
	if err := s.Replace(ctx, repoURL, []record.Vulnerability{sampleVuln("CVE-2", repoURL, nil)}, nil); err != nil {
		t.Fatalf("Replace 2: %v", err)
	}

	got, err := s.VulnerabilitiesByRepo(ctx, repoURL, DateWindow{})
	if err != nil {
		t.Fatalf("VulnerabilitiesByRepo: %v", err)
	}
	if len(got) != 1 || got[0].ID != "CVE-2" {
		t.Fatalf("expected only CVE-2 to survive replace, got %+v", got)
	}
}

func TestVulnerabilitiesByCommitUsesExactMembership(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	repoURL := "https://github.com/a/b"
	vulns := []record.Vulnerability{
		sampleVuln("CVE-1", repoURL, []string{"abc123"}),
		sampleVuln("CVE-2", repoURL, []string{"abc1"}),
	}
	if err := s.Replace(ctx, repoURL, vulns, nil); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	got, err := s.VulnerabilitiesByCommit(ctx, "abc1", DateWindow{})
	if err != nil {
		t.Fatalf("VulnerabilitiesByCommit: %v", err)
	}
	if len(got) != 1 || got[0].ID != "CVE-2" {
		t.Fatalf("expected exact match only on CVE-2 (not substring match on CVE-1's abc123), got %+v", got)
	}
}

func TestVulnerabilitiesByCommitDateWindow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repoURL := "https://github.com/a/b"

	v := sampleVuln("CVE-1", repoURL, []string{"abc123"})
	v.Published = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.Replace(ctx, repoURL, []record.Vulnerability{v}, nil); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	inWindow := DateWindow{After: time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC), Before: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
	got, err := s.VulnerabilitiesByCommit(ctx, "abc123", inWindow)
	if err != nil {
		t.Fatalf("VulnerabilitiesByCommit: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 result within window, got %d", len(got))
	}

	outOfWindow := DateWindow{After: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
	got, err = s.VulnerabilitiesByCommit(ctx, "abc123", outOfWindow)
	if err != nil {
		t.Fatalf("VulnerabilitiesByCommit: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected 0 results outside window, got %d", len(got))
	}
}

func TestDistinctRepoURLs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Replace(ctx, "https://github.com/b/b", []record.Vulnerability{sampleVuln("CVE-2", "https://github.com/b/b", nil)}, nil); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := s.Replace(ctx, "https://github.com/a/a", []record.Vulnerability{sampleVuln("CVE-1", "https://github.com/a/a", nil)}, nil); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	got, err := s.DistinctRepoURLs(ctx)
	if err != nil {
		t.Fatalf("DistinctRepoURLs: %v", err)
	}
	want := []string{"https://github.com/a/a", "https://github.com/b/b"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got %v, want %v (sorted)", got, want)
	}
}
