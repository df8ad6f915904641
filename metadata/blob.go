package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Blob is a row of the blob table: a single content-addressed object,
// which may or may not also be a manifest.
type Blob struct {
	Digest       string
	Size         int64
	IsManifest   bool
	LastAccessed time.Time
}

// PutBlob registers digest against repo, creating both rows if they do
// not already exist and bumping last_accessed if they do. isManifest
// marks blobs that are themselves manifest documents so the garbage
// collector can tell manifests and layers apart without a join back to
// the manifest table.
func (db *DB) PutBlob(ctx context.Context, repo string, digest string, size int64, isManifest bool) error {
	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ensureRepo(ctx, tx, repo); err != nil {
		return fmt.Errorf("metadata: ensuring repo %q: %w", repo, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO blob (digest, size, is_manifest, last_accessed)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(digest) DO UPDATE SET last_accessed = CURRENT_TIMESTAMP`,
		digest, size, isManifest)
	if err != nil {
		return fmt.Errorf("metadata: upserting blob %q: %w", digest, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO repo_blob_assoc (repo_name, blob_digest) VALUES (?, ?)
		ON CONFLICT(repo_name, blob_digest) DO NOTHING`,
		repo, digest)
	if err != nil {
		return fmt.Errorf("metadata: associating blob %q with repo %q: %w", digest, repo, err)
	}

	return tx.Commit()
}

// TouchBlob bumps a blob's last_accessed timestamp to now, the signal
// the orphan sweep in the garbage collector uses to decide whether a
// blob is still in active use.
func (db *DB) TouchBlob(ctx context.Context, digest string) error {
	_, err := db.writer.ExecContext(ctx,
		`UPDATE blob SET last_accessed = CURRENT_TIMESTAMP WHERE digest = ?`, digest)
	return err
}

// GetBlob looks up a blob by digest.
func (db *DB) GetBlob(ctx context.Context, digest string) (*Blob, error) {
	row := db.reader.QueryRowContext(ctx,
		`SELECT digest, size, is_manifest, last_accessed FROM blob WHERE digest = ?`, digest)

	var b Blob
	if err := row.Scan(&b.Digest, &b.Size, &b.IsManifest, &b.LastAccessed); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// LinkBlobs records that parent (a manifest digest, typically) refers to
// child (one of its layers or a nested manifest). Used to reconstruct
// the reference graph an orphan sweep must not cut through.
func (db *DB) LinkBlobs(ctx context.Context, parent, child string) error {
	_, err := db.writer.ExecContext(ctx, `
		INSERT INTO blob_blob_assoc (parent_digest, child_digest) VALUES (?, ?)
		ON CONFLICT(parent_digest, child_digest) DO NOTHING`,
		parent, child)
	return err
}

// DeleteBlob removes a blob row and its associations. The caller is
// responsible for deleting the underlying content from the storage
// driver; this only updates the index.
func (db *DB) DeleteBlob(ctx context.Context, digest string) error {
	_, err := db.writer.ExecContext(ctx, `DELETE FROM blob WHERE digest = ?`, digest)
	return err
}

// OrphanBlobs returns blobs that have not been accessed since before cutoff
// and are not referenced by any manifest_blob_assoc row, excluding blobs
// that still have a row of their own in the manifest table — the candidate
// set for the orphan-reclamation step of the garbage collector.
func (db *DB) OrphanBlobs(ctx context.Context, cutoff time.Time) ([]Blob, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT b.digest, b.size, b.is_manifest, b.last_accessed
		FROM blob b
		WHERE b.last_accessed < ?
		AND NOT EXISTS (
			SELECT 1 FROM manifest_blob_assoc mba WHERE mba.blob_digest = b.digest
		)
		AND NOT EXISTS (
			SELECT 1 FROM manifest m WHERE m.digest = b.digest
		)`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Blob
	for rows.Next() {
		var b Blob
		if err := rows.Scan(&b.Digest, &b.Size, &b.IsManifest, &b.LastAccessed); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// TotalSize returns the sum of all blob sizes currently indexed, used to
// decide whether a proxy cache has crossed its configured max_size.
func (db *DB) TotalSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := db.reader.QueryRowContext(ctx, `SELECT SUM(size) FROM blob`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// OldestProxyBlobs returns blobs under proxy repositories (name LIKE
// 'f/%', the convention the proxy engine uses for its remote-alias
// namespace) ordered oldest-last_accessed-first, for overflow eviction.
func (db *DB) OldestProxyBlobs(ctx context.Context, limit int) ([]Blob, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT DISTINCT b.digest, b.size, b.is_manifest, b.last_accessed
		FROM blob b
		JOIN repo_blob_assoc rba ON rba.blob_digest = b.digest
		JOIN repo r ON r.name = rba.repo_name
		WHERE r.name LIKE 'f/%'
		ORDER BY b.last_accessed ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Blob
	for rows.Next() {
		var b Blob
		if err := rows.Scan(&b.Digest, &b.Size, &b.IsManifest, &b.LastAccessed); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ManifestsReferencing returns every manifest digest that references
// blobDigest, used to cascade a proxy-overflow eviction up to the
// manifests that would otherwise be left dangling.
func (db *DB) ManifestsReferencing(ctx context.Context, blobDigest string) ([]string, error) {
	rows, err := db.reader.QueryContext(ctx,
		`SELECT manifest_digest FROM manifest_blob_assoc WHERE blob_digest = ?`, blobDigest)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
