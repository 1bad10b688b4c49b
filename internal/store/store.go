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

// Package store is the relational persistence layer: two tables
// (vulnerabilities, revisions), bootstrapped on first open, with a
// per-repo atomic replace write protocol. Backed by modernc.org/sqlite, a
// pure-Go (cgo-free) sqlite driver, so the module stays a single static
// binary.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/timothee-chauvin/repovul/internal/record"
)

const schema = `
CREATE TABLE IF NOT EXISTS vulnerabilities (
	id         TEXT PRIMARY KEY,
	published  TEXT NOT NULL,
	modified   TEXT NOT NULL,
	details    TEXT NOT NULL,
	summary    TEXT,
	severity   TEXT,
	repo_url   TEXT NOT NULL,
	cwes       TEXT NOT NULL,
	commits    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vulnerabilities_repo_url ON vulnerabilities(repo_url);

CREATE TABLE IF NOT EXISTS revisions (
	repo_url    TEXT NOT NULL,
	commit_hash TEXT NOT NULL,
	date        TEXT NOT NULL,
	languages   TEXT NOT NULL,
	size        INTEGER NOT NULL,
	PRIMARY KEY (repo_url, commit_hash)
);
CREATE INDEX IF NOT EXISTS idx_revisions_repo_url ON revisions(repo_url);
`

// Store is a handle on the repovul.db relational store. All writes go
// through Replace, which is the only write path and is always per-repo
// atomic.
type Store struct {
	db *sql.DB
}

// Open bootstraps the schema (if absent) and returns a ready Store. path is
// typically config.Config.DBPath().
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	// modernc.org/sqlite serializes writes itself; a single open connection
	// avoids SQLITE_BUSY under the orchestrator's single-writer model.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Replace deletes every existing vulnerability/revision for repoURL, then
// inserts the given ones, all within one transaction.
func (s *Store) Replace(ctx context.Context, repoURL string, vulns []record.Vulnerability, revs []record.Revision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM vulnerabilities WHERE repo_url = ?`, repoURL); err != nil {
		return fmt.Errorf("delete vulnerabilities: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM revisions WHERE repo_url = ?`, repoURL); err != nil {
		return fmt.Errorf("delete revisions: %w", err)
	}

	for _, v := range vulns {
		if err := insertVulnerability(ctx, tx, v); err != nil {
			return err
		}
	}
	for _, r := range revs {
		if err := insertRevision(ctx, tx, r); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	return nil
}

func insertVulnerability(ctx context.Context, tx *sql.Tx, v record.Vulnerability) error {
	severityJSON, err := json.Marshal(v.Severity)
	if err != nil {
		return fmt.Errorf("marshal severity: %w", err)
	}
	cwes := v.CWEs
	if cwes == nil {
		cwes = []string{}
	}
	cwesJSON, err := json.Marshal(cwes)
	if err != nil {
		return fmt.Errorf("marshal cwes: %w", err)
	}
	commits := v.Commits
	if commits == nil {
		commits = []string{}
	}
	commitsJSON, err := json.Marshal(commits)
	if err != nil {
		return fmt.Errorf("marshal commits: %w", err)
	}

	var summary sql.NullString
	if v.Summary != nil {
		summary = sql.NullString{String: *v.Summary, Valid: true}
	}
	var severity sql.NullString
	if len(v.Severity) > 0 {
		severity = sql.NullString{String: string(severityJSON), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO vulnerabilities (id, published, modified, details, summary, severity, repo_url, cwes, commits)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Published.UTC().Format(time.RFC3339Nano), v.Modified.UTC().Format(time.RFC3339Nano),
		v.Details, summary, severity, v.RepoURL, string(cwesJSON), string(commitsJSON))
	if err != nil {
		return fmt.Errorf("insert vulnerability %s: %w", v.ID, err)
	}
	return nil
}

func insertRevision(ctx context.Context, tx *sql.Tx, r record.Revision) error {
	languagesJSON, err := json.Marshal(r.Languages)
	if err != nil {
		return fmt.Errorf("marshal languages: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO revisions (repo_url, commit_hash, date, languages, size)
		VALUES (?, ?, ?, ?, ?)`,
		r.RepoURL, r.Commit, r.Date.UTC().Format(time.RFC3339Nano), string(languagesJSON), r.Size)
	if err != nil {
		return fmt.Errorf("insert revision %s@%s: %w", r.RepoURL, r.Commit, err)
	}
	return nil
}

// RevisionsByRepo returns every revision currently stored for repoURL,
// indexed by commit, so the driver can reuse them instead of re-measuring
// a revision that's already materialized.
func (s *Store) RevisionsByRepo(ctx context.Context, repoURL string) (map[string]record.Revision, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT repo_url, commit_hash, date, languages, size FROM revisions WHERE repo_url = ?`, repoURL)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]record.Revision)
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out[r.Commit] = r
	}
	return out, rows.Err()
}

// DateWindow is a half-open [After, Before) filter on a vulnerability's
// published timestamp. A zero value on either bound disables that side.
type DateWindow struct {
	After  time.Time
	Before time.Time
}

func (w DateWindow) clause(column string, args *[]any) string {
	clause := ""
	if !w.After.IsZero() {
		clause += fmt.Sprintf(" AND %s >= ?", column)
		*args = append(*args, w.After.UTC().Format(time.RFC3339Nano))
	}
	if !w.Before.IsZero() {
		clause += fmt.Sprintf(" AND %s < ?", column)
		*args = append(*args, w.Before.UTC().Format(time.RFC3339Nano))
	}
	return clause
}

// VulnerabilitiesByCommit returns every vulnerability whose commits list
// contains commit, using JSON-array membership (json_each) rather than a
// substring search over the serialized column: a substring match on "abc1"
// would wrongly match a stored commit "abc123".
func (s *Store) VulnerabilitiesByCommit(ctx context.Context, commit string, window DateWindow) ([]record.Vulnerability, error) {
	args := []any{commit}
	query := `
		SELECT id, published, modified, details, summary, severity, repo_url, cwes, commits
		FROM vulnerabilities
		WHERE EXISTS (SELECT 1 FROM json_each(vulnerabilities.commits) WHERE json_each.value = ?)` +
		window.clause("published", &args)
	return s.queryVulnerabilities(ctx, query, args...)
}

// VulnerabilitiesByRepo returns every vulnerability for repoURL.
func (s *Store) VulnerabilitiesByRepo(ctx context.Context, repoURL string, window DateWindow) ([]record.Vulnerability, error) {
	args := []any{repoURL}
	query := `
		SELECT id, published, modified, details, summary, severity, repo_url, cwes, commits
		FROM vulnerabilities
		WHERE repo_url = ?` + window.clause("published", &args)
	return s.queryVulnerabilities(ctx, query, args...)
}

// DistinctRepoURLs returns every repo_url with at least one stored
// vulnerability, sorted.
func (s *Store) DistinctRepoURLs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT repo_url FROM vulnerabilities ORDER BY repo_url`)
	if err != nil {
		return nil, fmt.Errorf("query distinct repo_url: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var repoURL string
		if err := rows.Scan(&repoURL); err != nil {
			return nil, fmt.Errorf("scan repo_url: %w", err)
		}
		out = append(out, repoURL)
	}
	return out, rows.Err()
}

func (s *Store) queryVulnerabilities(ctx context.Context, query string, args ...any) ([]record.Vulnerability, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query vulnerabilities: %w", err)
	}
	defer rows.Close()

	var out []record.Vulnerability
	for rows.Next() {
		v, err := scanVulnerability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVulnerability(rows *sql.Rows) (record.Vulnerability, error) {
	var (
		v                          record.Vulnerability
		published, modified        string
		summary, severity          sql.NullString
		cwesJSON, commitsJSON      string
	)
	if err := rows.Scan(&v.ID, &published, &modified, &v.Details, &summary, &severity, &v.RepoURL, &cwesJSON, &commitsJSON); err != nil {
		return record.Vulnerability{}, fmt.Errorf("scan vulnerability: %w", err)
	}
	var err error
	if v.Published, err = time.Parse(time.RFC3339Nano, published); err != nil {
		return record.Vulnerability{}, fmt.Errorf("parse published: %w", err)
	}
	if v.Modified, err = time.Parse(time.RFC3339Nano, modified); err != nil {
		return record.Vulnerability{}, fmt.Errorf("parse modified: %w", err)
	}
	if summary.Valid {
		s := summary.String
		v.Summary = &s
	}
	if severity.Valid {
		if err := json.Unmarshal([]byte(severity.String), &v.Severity); err != nil {
			return record.Vulnerability{}, fmt.Errorf("unmarshal severity: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(cwesJSON), &v.CWEs); err != nil {
		return record.Vulnerability{}, fmt.Errorf("unmarshal cwes: %w", err)
	}
	if err := json.Unmarshal([]byte(commitsJSON), &v.Commits); err != nil {
		return record.Vulnerability{}, fmt.Errorf("unmarshal commits: %w", err)
	}
	return v, nil
}

func scanRevision(rows *sql.Rows) (record.Revision, error) {
	var (
		r             record.Revision
		date          string
		languagesJSON string
	)
	if err := rows.Scan(&r.RepoURL, &r.Commit, &date, &languagesJSON, &r.Size); err != nil {
		return record.Revision{}, fmt.Errorf("scan revision: %w", err)
	}
	var err error
	if r.Date, err = time.Parse(time.RFC3339Nano, date); err != nil {
		return record.Revision{}, fmt.Errorf("parse date: %w", err)
	}
	if err := json.Unmarshal([]byte(languagesJSON), &r.Languages); err != nil {
		return record.Revision{}, fmt.Errorf("unmarshal languages: %w", err)
	}
	return r, nil
}
