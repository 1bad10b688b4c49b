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

// Package gitgateway wraps go-git clone/checkout/tag-resolution and an
// in-process linguist-style language classifier.
package gitgateway

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	cp "github.com/otiai10/copy"
	"github.com/src-d/enry/v2"

	"github.com/timothee-chauvin/repovul/internal/repoerrors"
)

const filePrefix = "file://"

// Repo is a local, materialized clone of one repo_url, with a lazily
// checked-out worktree.
type Repo struct {
	url     string
	tempDir string
	repo    *git.Repository
}

// Clone materializes repoURL into a temporary directory, either by copying
// a local file:// path (for tests and vendored fixtures) or by a full
// network clone. It does not check out a particular commit; call Checkout
// or ResolveVersion afterwards.
func Clone(repoURL string) (*Repo, error) {
	tempDir, err := os.MkdirTemp("", "repovul-repo-*")
	if err != nil {
		return nil, fmt.Errorf("os.MkdirTemp: %w", err)
	}

	var gitRepo *git.Repository
	if strings.HasPrefix(repoURL, filePrefix) {
		if err := cp.Copy(strings.TrimPrefix(repoURL, filePrefix), tempDir); err != nil {
			os.RemoveAll(tempDir)
			return nil, repoerrors.WithMessage(repoerrors.ErrRepoNotFound, fmt.Sprintf("cp.Copy(%s): %v", repoURL, err))
		}
		gitRepo, err = git.PlainOpen(tempDir)
		if err != nil {
			os.RemoveAll(tempDir)
			return nil, repoerrors.WithMessage(repoerrors.ErrGitRuntime, fmt.Sprintf("git.PlainOpen: %v", err))
		}
	} else {
		uri := repoURL
		if !strings.HasPrefix(uri, "https://") && !strings.HasPrefix(uri, "ssh://") && !strings.HasPrefix(uri, "git://") {
			uri = "https://" + uri
		}
		gitRepo, err = git.PlainClone(tempDir, false, &git.CloneOptions{URL: uri})
		if err != nil {
			os.RemoveAll(tempDir)
			// go-git surfaces remote 404s as a generic transport error, not a
			// typed one, so any clone failure is treated as "repo not found"
			// rather than a transient git runtime error.
			return nil, repoerrors.WithMessage(repoerrors.ErrRepoNotFound, fmt.Sprintf("git.PlainClone(%s): %v", uri, err))
		}
	}

	return &Repo{url: repoURL, tempDir: tempDir, repo: gitRepo}, nil
}

// Close removes the temporary clone directory.
func (r *Repo) Close() error {
	if err := os.RemoveAll(r.tempDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("os.RemoveAll: %w", err)
	}
	return nil
}

// Path returns the filesystem path of the materialized worktree.
func (r *Repo) Path() string {
	return r.tempDir
}

// ErrVersionNotFound indicates none of a version's candidate ref names
// resolved in the repo. Distinct from repoerrors.ErrGitRuntime: the caller
// treats this as "version absent" (filter it out), not a hard failure.
var ErrVersionNotFound = errors.New("version not found")

// ResolveVersion resolves a version string (a tag name, or a raw
// commit-ish) to a commit hash and its author date, without checking it
// out. Returns ErrVersionNotFound when none of the candidate ref names
// resolve, or a repoerrors.ErrGitRuntime-wrapped error when a ref resolves
// but reading its commit object fails — a genuine git failure, not an
// absent version.
func (r *Repo) ResolveVersion(version string) (commit string, date time.Time, err error) {
	for _, refName := range candidateRefNames(version) {
		hash, resolveErr := r.repo.ResolveRevision(plumbing.Revision(refName))
		if resolveErr != nil {
			continue
		}
		commitObj, commitErr := r.repo.CommitObject(*hash)
		if commitErr != nil {
			return "", time.Time{}, repoerrors.WithMessage(repoerrors.ErrGitRuntime, fmt.Sprintf("CommitObject(%s): %v", hash, commitErr))
		}
		return commitObj.Hash.String(), commitObj.Author.When, nil
	}
	return "", time.Time{}, fmt.Errorf("%w: version %q", ErrVersionNotFound, version)
}

// candidateRefNames enumerates the revision strings go-git should try, in
// order, to resolve a version string: the string as given (a tag, branch, or
// a full or abbreviated commit hash, since ResolveRevision accepts all of
// them), the common "v"-prefixed form when the string has no "v" prefix,
// and finally the explicit refs/tags/ names of both forms.
func candidateRefNames(version string) []string {
	candidates := []string{version}
	if !strings.HasPrefix(version, "v") {
		candidates = append(candidates, "v"+version)
	}
	candidates = append(candidates,
		"refs/tags/"+version,
		"refs/tags/v"+version,
	)
	return candidates
}

// Checkout forces the worktree to the given commit hash.
func (r *Repo) Checkout(commit string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return repoerrors.WithMessage(repoerrors.ErrGitRuntime, fmt.Sprintf("Worktree: %v", err))
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(commit), Force: true}); err != nil {
		return repoerrors.WithMessage(repoerrors.ErrGitRuntime, fmt.Sprintf("Checkout(%s): %v", commit, err))
	}
	return nil
}

// MeasureSizes walks the currently checked-out worktree and classifies
// every regular file by programming language, returning the per-language
// byte totals and their sum. Vendored, binary, and generated paths are
// excluded, mirroring what a Linguist-family classifier reports as "code"
// (go-enry is the in-process Go port of GitHub Linguist used here).
func (r *Repo) MeasureSizes() (languages map[string]int64, size int64, err error) {
	languages = make(map[string]int64)
	walkErr := filepath.Walk(r.tempDir, func(path string, info fs.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(r.tempDir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if enry.IsVendor(rel) || enry.IsDotFile(rel) || enry.IsDocumentation(rel) || enry.IsConfiguration(rel) {
			return nil
		}

		content, readErr := os.ReadFile(path)
		if readErr != nil {
			// A file disappearing or being unreadable mid-walk (e.g. a
			// broken symlink) is tolerated; it simply contributes no bytes.
			return nil
		}
		if enry.IsBinary(content) || enry.IsGenerated(rel, content) {
			return nil
		}

		lang := enry.GetLanguage(rel, content)
		if lang == "" {
			return nil
		}
		languages[lang] += int64(len(content))
		size += int64(len(content))
		return nil
	})
	if walkErr != nil {
		return nil, 0, repoerrors.WithMessage(repoerrors.ErrLinguist, fmt.Sprintf("filepath.Walk: %v", walkErr))
	}
	return languages, size, nil
}

// FirstCommitDate returns the committer date of the repo's earliest commit
// on the current HEAD. The conversion pipeline does not call it; only the
// per-version dates computed by ResolveVersion feed the hitting-set solver.
func (r *Repo) FirstCommitDate() (time.Time, error) {
	head, err := r.repo.Head()
	if err != nil {
		return time.Time{}, repoerrors.WithMessage(repoerrors.ErrGitRuntime, fmt.Sprintf("Head: %v", err))
	}
	commitIter, err := r.repo.Log(&git.LogOptions{From: head.Hash(), Order: git.LogOrderCommitterTime})
	if err != nil {
		return time.Time{}, repoerrors.WithMessage(repoerrors.ErrGitRuntime, fmt.Sprintf("Log: %v", err))
	}
	defer commitIter.Close()

	var first *object.Commit
	err = commitIter.ForEach(func(c *object.Commit) error {
		first = c
		return nil
	})
	if err != nil {
		return time.Time{}, repoerrors.WithMessage(repoerrors.ErrGitRuntime, fmt.Sprintf("commitIter.ForEach: %v", err))
	}
	if first == nil {
		return time.Time{}, repoerrors.WithMessage(repoerrors.ErrGitRuntime, "repository has no commits")
	}
	return first.Committer.When, nil
}
