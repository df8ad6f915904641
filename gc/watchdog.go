// Package gc runs the registry's background garbage collector: a
// fixed-interval watchdog that reclaims stale uploads, orphaned blobs,
// and (when a size budget is configured) the oldest content cached from
// proxied upstreams.
package gc

import (
	"context"
	"fmt"
	"time"

	driver "github.com/trow-registry/trow/registry/storage/driver"

	"github.com/trow-registry/trow/internal/dcontext"
	"github.com/trow-registry/trow/metadata"
	"github.com/trow-registry/trow/registry/storage"
)

// DefaultInterval is how often the watchdog runs when Config.Interval is
// left at its zero value.
const DefaultInterval = 10 * time.Minute

// DefaultUploadIdleTimeout is how long an upload may sit without a
// write before its scratch state is considered abandoned.
const DefaultUploadIdleTimeout = 24 * time.Hour

// DefaultBlobIdleTimeout is how long a blob may go unreferenced and
// unaccessed before it is eligible for orphan reclamation.
const DefaultBlobIdleTimeout = 24 * time.Hour

// overflowThreshold is the fraction of MaxSize usage that triggers
// proxy-cache eviction.
const overflowThreshold = 0.80

// Config controls the watchdog's pacing and size budget.
type Config struct {
	// Interval is how often a collection pass runs. Defaults to
	// DefaultInterval.
	Interval time.Duration

	// UploadIdleTimeout bounds how long an unfinished upload survives
	// without progress. Defaults to DefaultUploadIdleTimeout.
	UploadIdleTimeout time.Duration

	// BlobIdleTimeout bounds how long an unreferenced blob survives
	// without being accessed. Defaults to DefaultBlobIdleTimeout.
	BlobIdleTimeout time.Duration

	// MaxSize, when non-zero, is the total byte budget for all blobs in
	// the metadata index. Once usage exceeds 80% of this budget the
	// watchdog evicts the oldest-accessed blobs under proxy
	// ("f/"-prefixed) repositories until usage falls back under the
	// threshold.
	MaxSize int64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.UploadIdleTimeout <= 0 {
		c.UploadIdleTimeout = DefaultUploadIdleTimeout
	}
	if c.BlobIdleTimeout <= 0 {
		c.BlobIdleTimeout = DefaultBlobIdleTimeout
	}
	return c
}

// Watchdog periodically reclaims storage described by a metadata index.
type Watchdog struct {
	db     *metadata.DB
	vacuum storage.Vacuum
	driver driver.StorageDriver
	config Config
}

// NewWatchdog builds a collector against db, deleting content through
// vacuum and, for scratch upload state that never became a blob,
// directly through driver.
func NewWatchdog(db *metadata.DB, vacuum storage.Vacuum, storageDriver driver.StorageDriver, config Config) *Watchdog {
	return &Watchdog{
		db:     db,
		vacuum: vacuum,
		driver: storageDriver,
		config: config.withDefaults(),
	}
}

// Run blocks, executing a collection pass on every tick of w.config.Interval
// until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	logger := dcontext.GetLogger(ctx)
	logger.Infof("gc: starting watchdog, interval=%s", w.config.Interval)

	t := time.NewTicker(w.config.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Infof("gc: stopping watchdog: %v", ctx.Err())
			return
		case <-t.C:
			if err := w.collectOnce(ctx); err != nil {
				logger.Errorf("gc: collection pass failed: %v", err)
			}
		}
	}
}

// collectOnce runs the three reclamation steps in order: stale uploads,
// orphan blobs, then proxy overflow eviction.
func (w *Watchdog) collectOnce(ctx context.Context) error {
	logger := dcontext.GetLogger(ctx)
	start := time.Now()

	uploadsReclaimed, err := w.reclaimStaleUploads(ctx)
	if err != nil {
		return fmt.Errorf("gc: reclaiming stale uploads: %w", err)
	}

	blobsReclaimed, bytesReclaimed, err := w.reclaimOrphanBlobs(ctx)
	if err != nil {
		return fmt.Errorf("gc: reclaiming orphan blobs: %w", err)
	}

	var evicted int
	if w.config.MaxSize > 0 {
		evicted, err = w.evictProxyOverflow(ctx)
		if err != nil {
			return fmt.Errorf("gc: evicting proxy overflow: %w", err)
		}
	}

	logger.Infof(
		"gc: pass complete in %s: uploads=%d orphan_blobs=%d bytes=%d proxy_evicted=%d",
		time.Since(start), uploadsReclaimed, blobsReclaimed, bytesReclaimed, evicted,
	)
	return nil
}

// reclaimStaleUploads removes blob_upload rows (and their scratch state
// on the storage driver) that have not advanced since before the idle
// threshold.
func (w *Watchdog) reclaimStaleUploads(ctx context.Context) (int, error) {
	logger := dcontext.GetLogger(ctx)
	cutoff := time.Now().Add(-w.config.UploadIdleTimeout)

	stale, err := w.db.StaleUploads(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, upload := range stale {
		uploadPath, err := storage.UploadDataPath(upload.Repo, upload.UUID)
		if err != nil {
			logger.Warnf("gc: resolving scratch path for upload %s: %v", upload.UUID, err)
			continue
		}

		if err := w.driver.Delete(ctx, uploadPath); err != nil {
			if _, ok := err.(driver.PathNotFoundError); !ok {
				logger.Warnf("gc: deleting scratch data for upload %s: %v", upload.UUID, err)
				continue
			}
		}

		if err := w.db.FinishUpload(ctx, upload.UUID); err != nil {
			logger.Warnf("gc: removing stale upload row %s: %v", upload.UUID, err)
			continue
		}

		reclaimed++
	}

	return reclaimed, nil
}

// reclaimOrphanBlobs removes blobs that have not been accessed since
// before the idle threshold, are not referenced by any manifest and are
// not themselves stored manifests.
func (w *Watchdog) reclaimOrphanBlobs(ctx context.Context) (count int, bytes int64, err error) {
	logger := dcontext.GetLogger(ctx)
	cutoff := time.Now().Add(-w.config.BlobIdleTimeout)

	orphans, err := w.db.OrphanBlobs(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}

	for _, blob := range orphans {
		if err := w.deleteBlob(ctx, blob.Digest); err != nil {
			logger.Warnf("gc: removing orphan blob %s: %v", blob.Digest, err)
			continue
		}

		count++
		bytes += blob.Size
	}

	return count, bytes, nil
}

// evictProxyOverflow, when usage exceeds 80% of the configured budget,
// removes the oldest-accessed blobs under proxy repositories (and the
// manifests that reference them) until usage falls back under the
// threshold or no more candidates remain.
func (w *Watchdog) evictProxyOverflow(ctx context.Context) (int, error) {
	logger := dcontext.GetLogger(ctx)

	total, err := w.db.TotalSize(ctx)
	if err != nil {
		return 0, err
	}

	limit := int64(float64(w.config.MaxSize) * overflowThreshold)
	if total <= limit {
		return 0, nil
	}

	const batchSize = 100
	evicted := 0

	for total > limit {
		candidates, err := w.db.OldestProxyBlobs(ctx, batchSize)
		if err != nil {
			return evicted, err
		}
		if len(candidates) == 0 {
			logger.Warnf(
				"gc: proxy overflow target not reached: usage=%d budget=%d (80%%=%d), no eviction candidates remain",
				total, w.config.MaxSize, limit,
			)
			return evicted, nil
		}

		for _, blob := range candidates {
			if total <= limit {
				break
			}

			referencingManifests, err := w.db.ManifestsReferencing(ctx, blob.Digest)
			if err != nil {
				return evicted, err
			}
			for _, manifestDigest := range referencingManifests {
				if err := w.deleteManifest(ctx, manifestDigest); err != nil {
					logger.Warnf("gc: evicting manifest %s referencing %s: %v", manifestDigest, blob.Digest, err)
				}
			}

			if err := w.deleteBlob(ctx, blob.Digest); err != nil {
				logger.Warnf("gc: evicting proxy blob %s: %v", blob.Digest, err)
				continue
			}

			total -= blob.Size
			evicted++
		}
	}

	return evicted, nil
}

func (w *Watchdog) deleteBlob(ctx context.Context, digest string) error {
	if err := w.vacuum.RemoveBlob(digest); err != nil {
		if _, ok := err.(driver.PathNotFoundError); !ok {
			return err
		}
	}
	return w.db.DeleteBlob(ctx, digest)
}

func (w *Watchdog) deleteManifest(ctx context.Context, digest string) error {
	return w.db.DeleteManifest(ctx, digest)
}
