package metadata

import (
	"context"
	"database/sql"
	"time"
)

// Upload is a row of the blob_upload table: an in-progress, not yet
// finalised, chunked blob upload.
type Upload struct {
	UUID      string
	Repo      string
	Offset    int64
	UpdatedAt time.Time
}

// StartUpload records a new in-progress upload.
func (db *DB) StartUpload(ctx context.Context, uuid, repo string) error {
	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ensureRepo(ctx, tx, repo); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blob_upload (uuid, repo, offset, updated_at)
		VALUES (?, ?, 0, CURRENT_TIMESTAMP)`, uuid, repo); err != nil {
		return err
	}

	return tx.Commit()
}

// AdvanceUpload records the new write offset for an in-progress upload
// and refreshes updated_at, the timestamp stale-upload reclamation keys
// off of.
func (db *DB) AdvanceUpload(ctx context.Context, uuid string, offset int64) error {
	_, err := db.writer.ExecContext(ctx,
		`UPDATE blob_upload SET offset = ?, updated_at = CURRENT_TIMESTAMP WHERE uuid = ?`,
		offset, uuid)
	return err
}

// GetUpload looks up an in-progress upload by its id.
func (db *DB) GetUpload(ctx context.Context, uuid string) (*Upload, error) {
	row := db.reader.QueryRowContext(ctx,
		`SELECT uuid, repo, offset, updated_at FROM blob_upload WHERE uuid = ?`, uuid)

	var u Upload
	if err := row.Scan(&u.UUID, &u.Repo, &u.Offset, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// FinishUpload removes the blob_upload row once the upload has been
// finalised into a blob (success) or explicitly cancelled.
func (db *DB) FinishUpload(ctx context.Context, uuid string) error {
	_, err := db.writer.ExecContext(ctx, `DELETE FROM blob_upload WHERE uuid = ?`, uuid)
	return err
}

// StaleUploads returns uploads that have not been written to since
// before cutoff — the candidate set for the stale-upload reclamation
// step of the garbage collector.
func (db *DB) StaleUploads(ctx context.Context, cutoff time.Time) ([]Upload, error) {
	rows, err := db.reader.QueryContext(ctx,
		`SELECT uuid, repo, offset, updated_at FROM blob_upload WHERE updated_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Upload
	for rows.Next() {
		var u Upload
		if err := rows.Scan(&u.UUID, &u.Repo, &u.Offset, &u.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
