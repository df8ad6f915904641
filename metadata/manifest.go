package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookup methods when no row matches.
var ErrNotFound = errors.New("metadata: not found")

// Manifest is a row of the manifest table joined with its owning blob.
type Manifest struct {
	Digest string
	JSON   string
	Size   int64
}

// TagEntry is one observation of a tag pointing at a manifest digest,
// used to answer manifest_history.
type TagEntry struct {
	Repo     string
	Tag      string
	Digest   string
	PushedAt time.Time
}

// PutManifest records a manifest's own row, its blob row (is_manifest =
// true), and a manifest_blob_assoc edge to every blob digest it
// references (layers, config, or nested manifests for indexes/lists).
func (db *DB) PutManifest(ctx context.Context, repo, digest, json string, size int64, references []string) error {
	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ensureRepo(ctx, tx, repo); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blob (digest, size, is_manifest, last_accessed)
		VALUES (?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(digest) DO UPDATE SET is_manifest = 1, last_accessed = CURRENT_TIMESTAMP`,
		digest, size); err != nil {
		return fmt.Errorf("metadata: upserting manifest blob %q: %w", digest, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO repo_blob_assoc (repo_name, blob_digest) VALUES (?, ?)
		ON CONFLICT(repo_name, blob_digest) DO NOTHING`,
		repo, digest); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO manifest (digest, json) VALUES (?, ?)
		ON CONFLICT(digest) DO UPDATE SET json = excluded.json`,
		digest, json); err != nil {
		return fmt.Errorf("metadata: upserting manifest %q: %w", digest, err)
	}

	for _, ref := range references {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO manifest_blob_assoc (manifest_digest, blob_digest) VALUES (?, ?)
			ON CONFLICT(manifest_digest, blob_digest) DO NOTHING`,
			digest, ref); err != nil {
			return fmt.Errorf("metadata: linking manifest %q to blob %q: %w", digest, ref, err)
		}
	}

	return tx.Commit()
}

// GetManifest fetches a manifest's JSON body by digest.
func (db *DB) GetManifest(ctx context.Context, digest string) (*Manifest, error) {
	row := db.reader.QueryRowContext(ctx, `
		SELECT m.digest, m.json, b.size
		FROM manifest m JOIN blob b ON b.digest = m.digest
		WHERE m.digest = ?`, digest)

	var m Manifest
	if err := row.Scan(&m.Digest, &m.JSON, &m.Size); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// DeleteManifest removes a manifest row (and, via ON DELETE CASCADE, its
// manifest_blob_assoc rows). The underlying blob row and content are left
// for the ordinary orphan sweep to reclaim once nothing else marks it.
func (db *DB) DeleteManifest(ctx context.Context, digest string) error {
	_, err := db.writer.ExecContext(ctx, `DELETE FROM manifest WHERE digest = ?`, digest)
	return err
}

// PutTag points repo/tag at digest, appending to tag_history so past
// digests remain queryable even after being superseded.
func (db *DB) PutTag(ctx context.Context, repo, tag, digest string) error {
	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ensureRepo(ctx, tx, repo); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tag (repo, tag, manifest_digest) VALUES (?, ?, ?)
		ON CONFLICT(repo, tag) DO UPDATE SET manifest_digest = excluded.manifest_digest`,
		repo, tag, digest); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tag_history (repo, tag, manifest_digest) VALUES (?, ?, ?)`,
		repo, tag, digest); err != nil {
		return err
	}

	return tx.Commit()
}

// GetTag resolves repo/tag to its current manifest digest.
func (db *DB) GetTag(ctx context.Context, repo, tag string) (string, error) {
	var digest string
	err := db.reader.QueryRowContext(ctx,
		`SELECT manifest_digest FROM tag WHERE repo = ? AND tag = ?`, repo, tag).Scan(&digest)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return digest, err
}

// DeleteTag removes a single repo/tag pointer. tag_history rows are left
// intact as an audit trail.
func (db *DB) DeleteTag(ctx context.Context, repo, tag string) error {
	_, err := db.writer.ExecContext(ctx, `DELETE FROM tag WHERE repo = ? AND tag = ?`, repo, tag)
	return err
}

// ListTags returns every live tag name in a repository, ordered lexically.
func (db *DB) ListTags(ctx context.Context, repo string) ([]string, error) {
	rows, err := db.reader.QueryContext(ctx,
		`SELECT tag FROM tag WHERE repo = ? ORDER BY tag ASC`, repo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TagHistory returns every digest repo/tag has ever pointed to, most
// recent first. This backs the manifest_history route.
func (db *DB) TagHistory(ctx context.Context, repo, tag string) ([]TagEntry, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT repo, tag, manifest_digest, pushed_at
		FROM tag_history
		WHERE repo = ? AND tag = ?
		ORDER BY pushed_at DESC`, repo, tag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TagEntry
	for rows.Next() {
		var e TagEntry
		if err := rows.Scan(&e.Repo, &e.Tag, &e.Digest, &e.PushedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListRepositories returns every repository name known to the index,
// ordered lexically, for the catalog endpoint.
func (db *DB) ListRepositories(ctx context.Context) ([]string, error) {
	rows, err := db.reader.QueryContext(ctx, `SELECT name FROM repo ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteRepository removes a repo row. ON DELETE CASCADE takes its
// repo_blob_assoc and tag rows with it; blobs themselves are left for
// the orphan sweep.
func (db *DB) DeleteRepository(ctx context.Context, name string) error {
	_, err := db.writer.ExecContext(ctx, `DELETE FROM repo WHERE name = ?`, name)
	return err
}
