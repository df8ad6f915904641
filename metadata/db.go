// Package metadata implements the relational index that sits alongside
// the content-addressed storage layer: repos, blobs, manifests, tags and
// the association tables that tie them together, plus in-progress
// uploads. Everything the garbage collector and the registry protocol
// engine need to answer without touching the filesystem lives here.
package metadata

import (
	"context"
	"database/sql"
	"fmt"

	// sqlite3 registers itself as a database/sql driver under "sqlite3".
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS repo (
	name TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS blob (
	digest        TEXT PRIMARY KEY,
	size          INTEGER NOT NULL,
	is_manifest   INTEGER NOT NULL DEFAULT 0,
	last_accessed DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS repo_blob_assoc (
	repo_name   TEXT NOT NULL REFERENCES repo(name) ON DELETE CASCADE,
	blob_digest TEXT NOT NULL REFERENCES blob(digest) ON DELETE CASCADE,
	PRIMARY KEY (repo_name, blob_digest)
);

CREATE TABLE IF NOT EXISTS manifest (
	digest TEXT PRIMARY KEY REFERENCES blob(digest) ON DELETE CASCADE,
	json   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS manifest_blob_assoc (
	manifest_digest TEXT NOT NULL REFERENCES manifest(digest) ON DELETE CASCADE,
	blob_digest     TEXT NOT NULL REFERENCES blob(digest) ON DELETE CASCADE,
	PRIMARY KEY (manifest_digest, blob_digest)
);

CREATE TABLE IF NOT EXISTS tag (
	repo            TEXT NOT NULL REFERENCES repo(name) ON DELETE CASCADE,
	tag             TEXT NOT NULL,
	manifest_digest TEXT NOT NULL REFERENCES manifest(digest),
	PRIMARY KEY (repo, tag)
);

-- every upsert to tag is additionally appended here, so manifest_history
-- can report every digest a tag has ever pointed to, not just the live one.
CREATE TABLE IF NOT EXISTS tag_history (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	repo            TEXT NOT NULL,
	tag             TEXT NOT NULL,
	manifest_digest TEXT NOT NULL,
	pushed_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS tag_history_repo_tag ON tag_history(repo, tag, pushed_at DESC);

CREATE TABLE IF NOT EXISTS blob_blob_assoc (
	parent_digest TEXT NOT NULL REFERENCES blob(digest) ON DELETE CASCADE,
	child_digest  TEXT NOT NULL REFERENCES blob(digest) ON DELETE CASCADE,
	PRIMARY KEY (parent_digest, child_digest)
);

CREATE TABLE IF NOT EXISTS blob_upload (
	uuid       TEXT PRIMARY KEY,
	repo       TEXT NOT NULL REFERENCES repo(name) ON DELETE CASCADE,
	offset     INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// DB is the metadata index. Writes go through a single connection
// (writer); reads may use a separate pool so long streaming reads don't
// block metadata writes, matching the single-writer/many-readers
// guidance for the store.
type DB struct {
	writer *sql.DB
	reader *sql.DB
}

// Open creates (if necessary) and opens a SQLite-backed metadata index
// at path, in WAL mode, and applies the schema.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", path)

	writer, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("metadata: opening writer connection: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("metadata: opening reader pool: %w", err)
	}
	reader.SetMaxOpenConns(4)

	db := &DB{writer: writer, reader: reader}
	if _, err := db.writer.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("metadata: applying schema: %w", err)
	}

	return db, nil
}

// Close releases both underlying connection pools.
func (db *DB) Close() error {
	readerErr := db.reader.Close()
	writerErr := db.writer.Close()
	if writerErr != nil {
		return writerErr
	}
	return readerErr
}

// ensureRepo inserts name into repo if it is not already present. It is
// called from every path that can create implicit repositories: blob
// association, manifest push, and upload creation.
func ensureRepo(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO repo (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name)
	return err
}
