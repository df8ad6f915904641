package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	distribution "github.com/trow-registry/trow"
	"github.com/trow-registry/trow/internal/dcontext"
	driver "github.com/trow-registry/trow/registry/storage/driver"
)

func emit(format string, a ...any) {
	fmt.Printf(format+"\n", a...)
}

// GCOpts holds the knobs for a single mark-and-sweep pass.
type GCOpts struct {
	DryRun           bool
	RemoveUntagged   bool
	Quiet            bool
	MaxConcurrency   int           // default: 4
	ProgressInterval time.Duration // default: 30s
	CheckpointDir    string        // optional: enable checkpointing
	Timeout          time.Duration // default: 24h
	MarkOnly         bool          // only run the mark phase, saving candidates
	SweepOnly        bool          // only run the sweep phase from a checkpoint
}

// CheckpointState is the state persisted between a mark-only run and a
// later sweep-only run.
type CheckpointState struct {
	Version            string    `json:"version"`
	Timestamp          time.Time `json:"timestamp"`
	MarkPhaseComplete  bool      `json:"mark_phase_complete"`
	Stats              GCStats   `json:"stats"`
	DeletionCandidates []string  `json:"deletion_candidates"`
}

// lockFile marks an in-progress GC run so two runs against the same
// checkpoint directory don't race.
type lockFile struct {
	Hostname  string    `json:"hostname"`
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
	Timeout   string    `json:"timeout"`
}

// GCStats summarizes one mark-and-sweep run.
type GCStats struct {
	ReposProcessed int
	ReposTotal     int

	ManifestsMarked   int
	BlobsMarked       int
	MarkDuration      time.Duration
	BlobEnumDuration  time.Duration
	TotalMarkDuration time.Duration

	ManifestsDeleted  int
	BlobsDeleted      int
	LayerLinksDeleted int
	BytesDeleted      int64
	SweepDuration     time.Duration

	TotalDuration time.Duration
	Errors        []error
}

// manifestDel identifies an untagged manifest revision eligible for
// deletion once it is confirmed unreferenced.
type manifestDel struct {
	Name   string
	Digest digest.Digest
	Tags   []string
}

// MarkAndSweep walks every repository reachable from registry, marking
// every blob a live manifest references, then deletes everything the
// content-addressable store holds that was never marked.
func MarkAndSweep(ctx context.Context, storageDriver driver.StorageDriver, registry distribution.Namespace, opts GCOpts) error {
	if opts.MaxConcurrency == 0 {
		opts.MaxConcurrency = 4
	}
	if opts.ProgressInterval == 0 {
		opts.ProgressInterval = 30 * time.Second
	}
	if opts.Timeout == 0 {
		opts.Timeout = 24 * time.Hour
	}

	if opts.MarkOnly && opts.SweepOnly {
		return errors.New("cannot specify both mark-only and sweep-only")
	}
	if opts.SweepOnly && opts.CheckpointDir == "" {
		return errors.New("sweep-only requires a checkpoint directory to load candidates from")
	}
	if opts.MarkOnly && opts.CheckpointDir == "" {
		return errors.New("mark-only requires a checkpoint directory to save candidates to")
	}

	if opts.CheckpointDir != "" {
		if err := acquireLock(opts.CheckpointDir, opts.Timeout); err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		defer releaseLock(opts.CheckpointDir)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	stats := &GCStats{}
	startTime := time.Now()
	logger := dcontext.GetLogger(ctx)

	mode := "full"
	if opts.MarkOnly {
		mode = "mark-only"
	} else if opts.SweepOnly {
		mode = "sweep-only"
	}

	logger.Infof("starting garbage collection (mode=%s, timeout=%v, workers=%d)",
		mode, opts.Timeout, opts.MaxConcurrency)

	err := markAndSweepWithStats(ctx, storageDriver, registry, opts, stats, logger)

	stats.TotalDuration = time.Since(startTime)

	if !opts.Quiet {
		logger.Infof("gc complete: mode=%s total_time=%v mark_time=%v (mark_refs=%v enum_blobs=%v) sweep_time=%v "+
			"repos=%d manifests_marked=%d blobs_marked=%d "+
			"manifests_deleted=%d blobs_deleted=%d space_reclaimed=%s layer_links_deleted=%d errors=%d",
			mode, stats.TotalDuration, stats.TotalMarkDuration, stats.MarkDuration, stats.BlobEnumDuration, stats.SweepDuration,
			stats.ReposProcessed, stats.ManifestsMarked, stats.BlobsMarked,
			stats.ManifestsDeleted, stats.BlobsDeleted, humanizeBytes(stats.BytesDeleted),
			stats.LayerLinksDeleted, len(stats.Errors))
	}

	return err
}

func markAndSweepWithStats(ctx context.Context, storageDriver driver.StorageDriver, registry distribution.Namespace, opts GCOpts, stats *GCStats, logger dcontext.Logger) error {
	repositoryEnumerator, ok := registry.(distribution.RepositoryEnumerator)
	if !ok {
		return errors.New("registry does not support repository enumeration")
	}

	var loadedCandidates map[digest.Digest]struct{}
	if opts.SweepOnly {
		checkpoint, err := loadCheckpoint(opts.CheckpointDir)
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if checkpoint == nil {
			return errors.New("no checkpoint found, run the mark phase first")
		}

		logger.Infof("loaded checkpoint from %v with %d deletion candidates",
			checkpoint.Timestamp, len(checkpoint.DeletionCandidates))

		loadedCandidates = make(map[digest.Digest]struct{})
		for _, candidate := range checkpoint.DeletionCandidates {
			dgst, err := digest.Parse(candidate)
			if err != nil {
				logger.Warnf("invalid digest in checkpoint: %s", candidate)
				continue
			}
			loadedCandidates[dgst] = struct{}{}
		}

		logger.Info("re-running the mark phase to catch new references")
	}

	markStart := time.Now()
	logger.Info("starting mark phase (1/2: marking referenced blobs)")

	var markSetMu sync.Mutex
	markSet := make(map[digest.Digest]struct{})

	var deleteLayerSetMu sync.Mutex
	deleteLayerSet := make(map[string][]digest.Digest)

	var manifestArrMu sync.Mutex
	manifestArr := make([]manifestDel, 0)

	var statsMu sync.Mutex
	lastProgress := time.Now()

	var repoNames []string
	if err := repositoryEnumerator.Enumerate(ctx, func(repoName string) error {
		repoNames = append(repoNames, repoName)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to enumerate repositories: %w", err)
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(opts.MaxConcurrency)

	for _, repoName := range repoNames {
		repoName := repoName
		g.Go(func() error {
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			default:
			}

			statsMu.Lock()
			stats.ReposProcessed++
			if time.Since(lastProgress) >= opts.ProgressInterval {
				elapsed := time.Since(markStart)
				rate := float64(stats.ManifestsMarked) / elapsed.Seconds()
				logger.Infof("mark progress (1/2: marking referenced): repos=%d manifests=%d blobs=%d (elapsed=%v, rate=%.1f manifests/sec)",
					stats.ReposProcessed, stats.ManifestsMarked, stats.BlobsMarked, elapsed, rate)
				lastProgress = time.Now()
			}
			statsMu.Unlock()

			if !opts.Quiet {
				emit(repoName)
			}

			repository, err := registry.Repository(groupCtx, repoName)
			if err != nil {
				return fmt.Errorf("failed to construct repository: %w", err)
			}

			manifestService, err := repository.Manifests(groupCtx)
			if err != nil {
				return fmt.Errorf("failed to construct manifest service: %w", err)
			}

			manifestEnumerator, ok := manifestService.(distribution.ManifestEnumerator)
			if !ok {
				return errors.New("manifest service does not support enumeration")
			}

			var allTags []string
			var tagToDigestMap map[string]digest.Digest
			if opts.RemoveUntagged {
				allTags, err = repository.Tags(groupCtx).All(groupCtx)
				if err != nil {
					if _, ok := err.(distribution.ErrRepositoryUnknown); !ok {
						return fmt.Errorf("failed to retrieve tags for repo %s: %w", repoName, err)
					}
					allTags = []string{}
				}

				tagToDigestMap = make(map[string]digest.Digest, len(allTags))
				for _, tag := range allTags {
					desc, err := repository.Tags(groupCtx).Get(groupCtx, tag)
					if err != nil {
						continue
					}
					tagToDigestMap[tag] = desc.Digest
				}
			}

			err = manifestEnumerator.Enumerate(groupCtx, func(dgst digest.Digest) error {
				if opts.RemoveUntagged {
					isTagged := false
					for _, tagDigest := range tagToDigestMap {
						if tagDigest == dgst {
							isTagged = true
							break
						}
					}

					if !isTagged {
						manifestArrMu.Lock()
						manifestArr = append(manifestArr, manifestDel{Name: repoName, Digest: dgst, Tags: allTags})
						manifestArrMu.Unlock()
						return nil
					}
				}

				if !opts.Quiet {
					emit("%s: marking manifest %s", repoName, dgst)
				}

				markSetMu.Lock()
				markSet[dgst] = struct{}{}
				markSetMu.Unlock()

				statsMu.Lock()
				stats.ManifestsMarked++
				statsMu.Unlock()

				return markManifestReferences(groupCtx, dgst, manifestService, func(d digest.Digest) bool {
					markSetMu.Lock()
					defer markSetMu.Unlock()

					_, marked := markSet[d]
					if !marked {
						markSet[d] = struct{}{}
						statsMu.Lock()
						stats.BlobsMarked++
						statsMu.Unlock()
						if !opts.Quiet {
							emit("%s: marking blob %s", repoName, d)
						}
					}
					return marked
				})
			})

			if err != nil {
				if _, ok := err.(driver.PathNotFoundError); !ok {
					return err
				}
			}

			blobService := repository.Blobs(groupCtx)
			layerEnumerator, ok := blobService.(distribution.BlobEnumerator)
			if !ok {
				return errors.New("blob service does not support enumeration")
			}

			var deleteLayers []digest.Digest
			err = layerEnumerator.Enumerate(groupCtx, func(dgst digest.Digest) error {
				markSetMu.Lock()
				_, exists := markSet[dgst]
				markSetMu.Unlock()

				if !exists {
					deleteLayers = append(deleteLayers, dgst)
				}
				return nil
			})

			if len(deleteLayers) > 0 {
				deleteLayerSetMu.Lock()
				deleteLayerSet[repoName] = deleteLayers
				deleteLayerSetMu.Unlock()
			}

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to mark: %w", err)
	}

	stats.MarkDuration = time.Since(markStart)
	logger.Infof("mark phase (1/2) complete: repos=%d manifests=%d blobs=%d duration=%v",
		stats.ReposProcessed, stats.ManifestsMarked, stats.BlobsMarked, stats.MarkDuration)

	manifestArr = unmarkReferencedManifests(manifestArr, markSet, opts.Quiet)

	var deleteSet map[digest.Digest]struct{}
	var blobCount int

	if opts.SweepOnly && loadedCandidates != nil {
		logger.Info("mark phase (2/2: blob enumeration) skipped, filtering checkpoint candidates")
		blobEnumStart := time.Now()

		deleteSet = make(map[digest.Digest]struct{})
		protected := 0
		for dgst := range loadedCandidates {
			if _, marked := markSet[dgst]; !marked {
				deleteSet[dgst] = struct{}{}
			} else {
				protected++
			}
		}

		blobCount = len(loadedCandidates)
		stats.BlobEnumDuration = time.Since(blobEnumStart)
		stats.TotalMarkDuration = stats.MarkDuration + stats.BlobEnumDuration

		logger.Infof("mark phase (2/2) complete: filtered %d checkpoint candidates, %d eligible, %d protected by new references (duration=%v)",
			blobCount, len(deleteSet), protected, stats.BlobEnumDuration)
	} else {
		logger.Info("starting mark phase (2/2: blob enumeration)")
		blobService := registry.Blobs()
		deleteSet = make(map[digest.Digest]struct{})
		blobEnumStart := time.Now()
		lastBlobProgress := time.Now()

		err := blobService.Enumerate(ctx, func(dgst digest.Digest) error {
			blobCount++

			if time.Since(lastBlobProgress) >= opts.ProgressInterval {
				elapsed := time.Since(blobEnumStart)
				logger.Infof("mark progress (2/2): checked=%d blobs (elapsed=%v, rate=%.0f blobs/sec)",
					blobCount, elapsed, float64(blobCount)/elapsed.Seconds())
				lastBlobProgress = time.Now()
			}

			if blobCount%10000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			if _, ok := markSet[dgst]; !ok {
				deleteSet[dgst] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("error enumerating blobs: %w", err)
		}

		stats.BlobEnumDuration = time.Since(blobEnumStart)
		stats.TotalMarkDuration = stats.MarkDuration + stats.BlobEnumDuration
		logger.Infof("mark phase (2/2) complete: total=%d blobs, candidates=%d duration=%v",
			blobCount, len(deleteSet), stats.BlobEnumDuration)
	}

	if opts.MarkOnly {
		candidates := make([]string, 0, len(deleteSet))
		for dgst := range deleteSet {
			candidates = append(candidates, dgst.String())
		}

		checkpoint := CheckpointState{
			Version:            "1",
			Timestamp:          time.Now(),
			MarkPhaseComplete:  true,
			Stats:              *stats,
			DeletionCandidates: candidates,
		}

		if err := saveCheckpoint(opts.CheckpointDir, checkpoint); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}

		logger.Infof("mark phase complete: saved %d deletion candidates to %s", len(candidates), opts.CheckpointDir)
		return nil
	}

	sweepStart := time.Now()
	lastProgress = time.Now()
	logger.Info("starting sweep phase")

	vacuum := NewVacuum(ctx, storageDriver)

	if !opts.DryRun && len(manifestArr) > 0 {
		logger.Infof("deleting %d manifests using %d workers", len(manifestArr), opts.MaxConcurrency)
		g, groupCtx := errgroup.WithContext(ctx)
		g.SetLimit(opts.MaxConcurrency)

		var manifestDeleteMu sync.Mutex
		manifestDeleteCount := 0

		for _, obj := range manifestArr {
			obj := obj
			g.Go(func() error {
				select {
				case <-groupCtx.Done():
					return groupCtx.Err()
				default:
				}

				if err := vacuum.RemoveManifest(obj.Name, obj.Digest, obj.Tags); err != nil {
					return fmt.Errorf("failed to delete manifest %s: %w", obj.Digest, err)
				}

				manifestDeleteMu.Lock()
				manifestDeleteCount++
				if manifestDeleteCount%100 == 0 && time.Since(lastProgress) >= opts.ProgressInterval {
					elapsed := time.Since(sweepStart)
					rate := float64(manifestDeleteCount) / elapsed.Seconds()
					logger.Infof("sweep progress (manifests): deleted=%d/%d (elapsed=%v, rate=%.1f manifests/sec)",
						manifestDeleteCount, len(manifestArr), elapsed, rate)
					lastProgress = time.Now()
				}
				manifestDeleteMu.Unlock()

				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}
		stats.ManifestsDeleted = manifestDeleteCount
		logger.Infof("manifest deletion complete: deleted=%d duration=%v", manifestDeleteCount, time.Since(sweepStart))
	}

	if !opts.Quiet {
		emit("%d blobs marked, %d blobs and %d manifests eligible for deletion", len(markSet), len(deleteSet), len(manifestArr))
	}

	if !opts.DryRun && len(deleteSet) > 0 {
		logger.Infof("deleting %d blobs using %d workers", len(deleteSet), opts.MaxConcurrency)

		deleteBlobs := make([]digest.Digest, 0, len(deleteSet))
		for dgst := range deleteSet {
			deleteBlobs = append(deleteBlobs, dgst)
		}

		g, groupCtx := errgroup.WithContext(ctx)
		g.SetLimit(opts.MaxConcurrency)

		var blobStatsMu sync.Mutex
		blobsDeleted := 0
		var totalBytes int64
		lastProgress = time.Now()

		for _, dgst := range deleteBlobs {
			dgst := dgst
			g.Go(func() error {
				select {
				case <-groupCtx.Done():
					return groupCtx.Err()
				default:
				}

				var blobSize int64
				if blobPath, err := pathFor(blobDataPathSpec{digest: dgst}); err == nil {
					if fi, err := storageDriver.Stat(groupCtx, blobPath); err == nil {
						blobSize = fi.Size()
					}
				}

				if err := vacuum.RemoveBlob(string(dgst)); err != nil {
					return fmt.Errorf("failed to delete blob %s: %w", dgst, err)
				}

				blobStatsMu.Lock()
				blobsDeleted++
				totalBytes += blobSize
				if blobsDeleted%1000 == 0 && time.Since(lastProgress) >= opts.ProgressInterval {
					elapsed := time.Since(sweepStart)
					rate := float64(blobsDeleted) / elapsed.Seconds()
					logger.Infof("sweep progress (blobs): deleted=%d/%d (elapsed=%v, rate=%.1f blobs/sec)",
						blobsDeleted, len(deleteBlobs), elapsed, rate)
					lastProgress = time.Now()
				}
				blobStatsMu.Unlock()

				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}

		stats.BlobsDeleted = blobsDeleted
		stats.BytesDeleted = totalBytes
		logger.Infof("blob deletion complete: deleted=%d size=%s duration=%v",
			blobsDeleted, humanizeBytes(totalBytes), time.Since(sweepStart))
	} else if opts.DryRun && !opts.Quiet {
		for dgst := range deleteSet {
			emit("blob eligible for deletion: %s", dgst)
		}
	}

	for repo, dgsts := range deleteLayerSet {
		for _, dgst := range dgsts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if !opts.Quiet {
				emit("%s: layer link eligible for deletion: %s", repo, dgst)
			}
			if opts.DryRun {
				continue
			}
			if err := vacuum.RemoveLayer(repo, dgst); err != nil {
				return fmt.Errorf("failed to delete layer link %s of repo %s: %w", dgst, repo, err)
			}
			stats.LayerLinksDeleted++
		}
	}

	stats.SweepDuration = time.Since(sweepStart)
	logger.Infof("sweep phase complete: manifests_deleted=%d blobs_deleted=%d space_freed=%s layer_links_deleted=%d duration=%v",
		stats.ManifestsDeleted, stats.BlobsDeleted, humanizeBytes(stats.BytesDeleted), stats.LayerLinksDeleted, stats.SweepDuration)

	if opts.SweepOnly && opts.CheckpointDir != "" {
		checkpointPath := filepath.Join(opts.CheckpointDir, "candidates.json")
		if err := os.Remove(checkpointPath); err != nil {
			logger.Warnf("failed to remove checkpoint file %s: %v", checkpointPath, err)
		} else {
			logger.Infof("removed checkpoint file: %s", checkpointPath)
		}
	}

	return nil
}

// unmarkReferencedManifests drops any untagged-manifest candidate that
// turned out to be referenced (directly or transitively) by something
// marked during this pass.
func unmarkReferencedManifests(manifestArr []manifestDel, markSet map[digest.Digest]struct{}, quiet bool) []manifestDel {
	filtered := make([]manifestDel, 0, len(manifestArr))
	for _, obj := range manifestArr {
		if _, ok := markSet[obj.Digest]; !ok {
			if !quiet {
				emit("manifest eligible for deletion: repo=%s digest=%s", obj.Name, obj.Digest)
			}
			filtered = append(filtered, obj)
		}
	}
	return filtered
}

func acquireLock(checkpointDir string, timeout time.Duration) error {
	lockPath := filepath.Join(checkpointDir, ".lock")

	if data, err := os.ReadFile(lockPath); err == nil {
		var lock lockFile
		if err := json.Unmarshal(data, &lock); err == nil {
			if time.Since(lock.Timestamp) < timeout {
				return fmt.Errorf("another gc run is in progress (locked by %s at %v)", lock.Hostname, lock.Timestamp)
			}
		}
	}

	hostname, _ := os.Hostname()
	lock := lockFile{
		Hostname:  hostname,
		PID:       os.Getpid(),
		Timestamp: time.Now(),
		Timeout:   timeout.String(),
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock: %w", err)
	}

	if err := os.MkdirAll(checkpointDir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	return os.WriteFile(lockPath, data, 0o644)
}

func releaseLock(checkpointDir string) error {
	return os.Remove(filepath.Join(checkpointDir, ".lock"))
}

func saveCheckpoint(checkpointDir string, state CheckpointState) error {
	if checkpointDir == "" {
		return nil
	}

	statePath := filepath.Join(checkpointDir, "candidates.json")
	tmpPath := statePath + ".tmp"

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	return os.Rename(tmpPath, statePath)
}

func loadCheckpoint(checkpointDir string) (*CheckpointState, error) {
	if checkpointDir == "" {
		return nil, nil
	}

	statePath := filepath.Join(checkpointDir, "candidates.json")
	data, err := os.ReadFile(statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var state CheckpointState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	if time.Since(state.Timestamp) > 7*24*time.Hour {
		return nil, fmt.Errorf("checkpoint is too old (%v), delete it and restart", time.Since(state.Timestamp))
	}

	if !state.MarkPhaseComplete {
		return nil, errors.New("checkpoint is incomplete, the mark phase did not finish")
	}

	return &state, nil
}

func humanizeBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// markManifestReferences recursively marks every blob and nested manifest
// a manifest references, via ingester, stopping at anything already
// marked.
func markManifestReferences(ctx context.Context, dgst digest.Digest, manifestService distribution.ManifestService, ingester func(digest.Digest) bool) error {
	manifest, err := manifestService.Get(ctx, dgst)
	if err != nil {
		return fmt.Errorf("failed to retrieve manifest for digest %v: %w", dgst, err)
	}

	for _, descriptor := range manifest.References() {
		if ingester(descriptor.Digest) {
			continue
		}

		if ok, _ := manifestService.Exists(ctx, descriptor.Digest); ok {
			if err := markManifestReferences(ctx, descriptor.Digest, manifestService, ingester); err != nil {
				return err
			}
		}
	}

	return nil
}
