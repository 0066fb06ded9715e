// Package store is the durable local tier: rendered artifacts, workspace
// listings, and per-workspace sync cursors in one SQLite file.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/issuefs/issuefs/internal/tracker"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned for missing rows.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite database. Writers are serialized by SQLite;
// readers may proceed concurrently under WAL.
type Store struct {
	db *sql.DB
}

// Artifact is one stored issue row plus its optional sidecar.
type Artifact struct {
	Key      string
	Markdown []byte
	Sidecar  []byte
	Updated  time.Time
	CachedAt time.Time
}

// Open opens or creates the store at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	// file: URI form handles paths with spaces and query params.
	escaped := strings.ReplaceAll(path, " ", "%20")
	db, err := sql.Open("sqlite", "file:"+escaped)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// formatTime stores timestamps as RFC3339Nano UTC. Times before the Unix
// epoch collapse to the epoch sentinel.
func formatTime(t time.Time) string {
	if t.Before(time.Unix(0, 0)) {
		t = time.Unix(0, 0)
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}
	return t
}

// UpsertArtifact writes an issue's rendered bytes and sidecar in one
// transaction. An upsert with identical markdown and updated stamp is a
// no-op; a nil sidecar removes any stored sidecar row.
func (s *Store) UpsertArtifact(ctx context.Context, key string, markdown, sidecar []byte, updated, cachedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO issues (issue_key, markdown, updated, cached_at, access_count)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(issue_key) DO UPDATE SET
			markdown = excluded.markdown,
			updated = excluded.updated,
			cached_at = excluded.cached_at
		WHERE issues.updated != excluded.updated OR issues.markdown != excluded.markdown
	`, key, markdown, formatTime(updated), formatTime(cachedAt))
	if err != nil {
		return fmt.Errorf("upsert issue %s: %w", key, err)
	}

	if sidecar == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM issue_sidecars WHERE issue_key = ?`, key); err != nil {
			return fmt.Errorf("delete sidecar %s: %w", key, err)
		}
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO issue_sidecars (issue_key, comments_md, updated, cached_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(issue_key) DO UPDATE SET
				comments_md = excluded.comments_md,
				updated = excluded.updated,
				cached_at = excluded.cached_at
			WHERE issue_sidecars.updated != excluded.updated OR issue_sidecars.comments_md != excluded.comments_md
		`, key, sidecar, formatTime(updated), formatTime(cachedAt))
		if err != nil {
			return fmt.Errorf("upsert sidecar %s: %w", key, err)
		}
	}

	return tx.Commit()
}

// GetArtifact reads one issue row and its sidecar (when present).
// The read is a single indexed lookup per table; safe on the VFS path.
func (s *Store) GetArtifact(ctx context.Context, key string) (*Artifact, error) {
	var (
		markdown         []byte
		updated, cachedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT markdown, updated, cached_at FROM issues WHERE issue_key = ?`, key,
	).Scan(&markdown, &updated, &cachedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue %s: %w", key, err)
	}

	art := &Artifact{
		Key:      key,
		Markdown: markdown,
		Updated:  parseTime(updated),
		CachedAt: parseTime(cachedAt),
	}

	var sidecar []byte
	err = s.db.QueryRowContext(ctx,
		`SELECT comments_md FROM issue_sidecars WHERE issue_key = ?`, key,
	).Scan(&sidecar)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("get sidecar %s: %w", key, err)
	}
	art.Sidecar = sidecar

	return art, nil
}

// TouchArtifact bumps the access counter for one issue.
func (s *Store) TouchArtifact(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE issues SET access_count = access_count + 1 WHERE issue_key = ?`, key)
	if err != nil {
		return fmt.Errorf("touch issue %s: %w", key, err)
	}
	return nil
}

// AccessCount reads the access counter for one issue.
func (s *Store) AccessCount(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT access_count FROM issues WHERE issue_key = ?`, key).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("access count %s: %w", key, err)
	}
	return n, nil
}

// UpsertListing stores the ordered entries for one workspace.
func (s *Store) UpsertListing(ctx context.Context, workspace string, entries []tracker.IssueRef, cachedAt time.Time) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal listing %s: %w", workspace, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspace_listings (workspace, entries_json, cached_at)
		VALUES (?, ?, ?)
		ON CONFLICT(workspace) DO UPDATE SET
			entries_json = excluded.entries_json,
			cached_at = excluded.cached_at
	`, workspace, data, formatTime(cachedAt))
	if err != nil {
		return fmt.Errorf("upsert listing %s: %w", workspace, err)
	}
	return nil
}

// GetListing reads the stored entries for one workspace.
func (s *Store) GetListing(ctx context.Context, workspace string) ([]tracker.IssueRef, time.Time, error) {
	var (
		data     []byte
		cachedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT entries_json, cached_at FROM workspace_listings WHERE workspace = ?`, workspace,
	).Scan(&data, &cachedAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("get listing %s: %w", workspace, err)
	}

	var entries []tracker.IssueRef
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, time.Time{}, fmt.Errorf("parse listing %s: %w", workspace, err)
	}
	return entries, parseTime(cachedAt), nil
}

// UpsertCursor stores the last-sync watermark for one workspace.
func (s *Store) UpsertCursor(ctx context.Context, workspace string, cursor time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursor (workspace, last_sync)
		VALUES (?, ?)
		ON CONFLICT(workspace) DO UPDATE SET last_sync = excluded.last_sync
	`, workspace, formatTime(cursor))
	if err != nil {
		return fmt.Errorf("upsert cursor %s: %w", workspace, err)
	}
	return nil
}

// GetCursor reads the last-sync watermark for one workspace.
func (s *Store) GetCursor(ctx context.Context, workspace string) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync FROM sync_cursor WHERE workspace = ?`, workspace).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get cursor %s: %w", workspace, err)
	}
	return parseTime(raw), nil
}
