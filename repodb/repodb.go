// Package repodb persists the repo-derived manifest and source-URI index
// that RepoSyncer builds and Fetcher consults as its last-resort lookup
// when no configured mirror carries a distfile.
//
// Storage is a single SQLite file opened through the pure-Go
// modernc.org/sqlite driver (no cgo), following the same file-DSN and
// pragma-string convention as quay/claircore's internal/rpm/sqlite
// package. Writers are serialized through a single mutex, matching the
// "single writer" ownership spec.md assigns to RepoDB; readers go
// straight to database/sql's own connection pool.
package repodb

import (
	"context"
	_ "embed"
	"fmt"
	"net/url"
	"sync"

	"database/sql"

	_ "modernc.org/sqlite" // register the sqlite driver
)

//go:embed sql/schema.sql
var schema string

// ManifestEntry mirrors spec.md §3's ManifestEntry: a distfile recorded
// in a package tree's Manifest file, with whichever digests the Manifest
// line actually carried.
type ManifestEntry struct {
	File    string
	Origin  string
	Size    int64
	BLAKE2B string
	SHA512  string
}

// DB is a handle to the portcache repo database.
type DB struct {
	sql *sql.DB
	mu  sync.Mutex
}

// Open opens (creating if absent) the SQLite database at path and
// applies the manifest/src_uri schema. path must be a filesystem path;
// modernc.org/sqlite has no in-memory-shared-cache support this package
// relies on.
func Open(path string) (*DB, error) {
	dsn := url.URL{
		Scheme:   "file",
		Opaque:   path,
		RawQuery: url.Values{"_pragma": {"foreign_keys(1)", "busy_timeout(5000)"}}.Encode(),
	}
	sqldb, err := sql.Open("sqlite", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("repodb: open: %w", err)
	}
	if err := sqldb.Ping(); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("repodb: ping: %w", err)
	}
	if _, err := sqldb.Exec(schema); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("repodb: applying schema: %w", err)
	}
	return &DB{sql: sqldb}, nil
}

// Close releases the underlying SQLite connection(s).
func (db *DB) Close() error {
	return db.sql.Close()
}

// Underlying exposes the *sql.DB for health.Checker wiring
// (checks.DBChecker) without widening this package's own API surface.
func (db *DB) Underlying() *sql.DB {
	return db.sql
}

// UpsertManifestEntry inserts e, or replaces the existing row for
// e.File if one is already present — a repo re-sync may re-derive the
// same file with updated digests after an upstream Manifest edit.
func (db *DB) UpsertManifestEntry(ctx context.Context, e ManifestEntry) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO manifest (file, origin, size, blake2b, sha512)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file) DO UPDATE SET
			origin = excluded.origin,
			size = excluded.size,
			blake2b = excluded.blake2b,
			sha512 = excluded.sha512
	`, e.File, e.Origin, e.Size, nullIfEmpty(e.BLAKE2B), nullIfEmpty(e.SHA512))
	if err != nil {
		return fmt.Errorf("repodb: upsert manifest entry %q: %w", e.File, err)
	}
	return nil
}

// InsertSrcURI records uri as a known source for file. It is a no-op,
// not an error, if the pair is already present — RecipeParser re-derives
// the same (file, uri) pairs on every ebuild re-evaluation.
func (db *DB) InsertSrcURI(ctx context.Context, file, uri string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO src_uri (uri, file) VALUES (?, ?)
		ON CONFLICT(uri) DO NOTHING
	`, uri, file)
	if err != nil {
		return fmt.Errorf("repodb: insert src_uri %q -> %q: %w", uri, file, err)
	}
	return nil
}

// GetSrcURI returns every URI recorded against filename, in insertion
// order. Per spec.md §7's error-handling taxonomy, a DB error is logged
// by the caller and treated as "no known URIs", not propagated as a hard
// failure — so this returns an error only for the caller to log; an
// empty, non-nil slice with a nil error is the normal "nothing known"
// case.
func (db *DB) GetSrcURI(ctx context.Context, filename string) ([]string, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT uri FROM src_uri WHERE file = ? ORDER BY rowid
	`, filename)
	if err != nil {
		return nil, fmt.Errorf("repodb: query src_uri for %q: %w", filename, err)
	}
	defer rows.Close()

	uris := []string{}
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return uris, fmt.Errorf("repodb: scan src_uri for %q: %w", filename, err)
		}
		uris = append(uris, uri)
	}
	if err := rows.Err(); err != nil {
		return uris, fmt.Errorf("repodb: iterate src_uri for %q: %w", filename, err)
	}
	return uris, nil
}

// DeleteManifestEntry removes file's manifest row, cascading to every
// src_uri row referencing it.
func (db *DB) DeleteManifestEntry(ctx context.Context, file string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.sql.ExecContext(ctx, `DELETE FROM manifest WHERE file = ?`, file); err != nil {
		return fmt.Errorf("repodb: delete manifest entry %q: %w", file, err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
