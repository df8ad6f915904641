package storage

import (
	"context"
	"path"

	"github.com/opencontainers/go-digest"

	"github.com/trow-registry/trow/internal/dcontext"
	driver "github.com/trow-registry/trow/registry/storage/driver"
)

// Vacuum removes content from the storage backend. These functions will
// only reliably work on strongly consistent storage systems.
// https://en.wikipedia.org/wiki/Consistency_model

// NewVacuum creates a new Vacuum.
func NewVacuum(ctx context.Context, driver driver.StorageDriver) Vacuum {
	return Vacuum{
		ctx:    ctx,
		driver: driver,
	}
}

// Vacuum removes content from the filesystem.
type Vacuum struct {
	driver driver.StorageDriver
	ctx    context.Context
}

// RemoveBlob removes a blob from the content-addressable store.
func (v Vacuum) RemoveBlob(dgst string) error {
	d, err := digest.Parse(dgst)
	if err != nil {
		return err
	}

	blobPath, err := pathFor(blobDataPathSpec{digest: d})
	if err != nil {
		return err
	}

	dcontext.GetLogger(v.ctx).Infof("deleting blob: %s", blobPath)
	return v.driver.Delete(v.ctx, blobPath)
}

// RemoveManifest removes a manifest revision and its tag index entries
// from a repository.
func (v Vacuum) RemoveManifest(name string, dgst digest.Digest, tags []string) error {
	for _, tag := range tags {
		tagsPath, err := pathFor(manifestTagIndexEntryPathSpec{name: name, revision: dgst, tag: tag})
		if err != nil {
			return err
		}

		if _, err := v.driver.Stat(v.ctx, tagsPath); err != nil {
			switch err.(type) {
			case driver.PathNotFoundError:
				continue
			default:
				return err
			}
		}

		dcontext.GetLogger(v.ctx).Infof("deleting manifest tag reference: %s", tagsPath)
		if err := v.driver.Delete(v.ctx, tagsPath); err != nil {
			return err
		}
	}

	manifestPath, err := pathFor(manifestRevisionPathSpec{name: name, revision: dgst})
	if err != nil {
		return err
	}

	dcontext.GetLogger(v.ctx).Infof("deleting manifest: %s", manifestPath)
	return v.driver.Delete(v.ctx, manifestPath)
}

// RemoveRepository removes a repository's manifest, layer, and upload
// directories from the filesystem.
func (v Vacuum) RemoveRepository(repoName string) error {
	rootForRepository, err := pathFor(repositoriesRootPathSpec{})
	if err != nil {
		return err
	}

	for _, sub := range []string{"_manifests", "_layers", "_uploads"} {
		dir := path.Join(rootForRepository, repoName, sub)
		dcontext.GetLogger(v.ctx).Infof("deleting repo: %s", dir)
		if err := v.driver.Delete(v.ctx, dir); err != nil {
			if _, ok := err.(driver.PathNotFoundError); !ok {
				return err
			}
		}
	}

	return nil
}

// RemoveLayer removes a blob link path from a repository without touching
// the underlying blob in the content-addressable store.
func (v Vacuum) RemoveLayer(repoName string, dgst digest.Digest) error {
	layerLinkPath, err := pathFor(layerLinkPathSpec{name: repoName, digest: dgst})
	if err != nil {
		return err
	}

	dcontext.GetLogger(v.ctx).Infof("deleting layer link path: %s", layerLinkPath)
	return v.driver.Delete(v.ctx, layerLinkPath)
}

// UploadDataPath returns the path to the scratch data file for an
// in-progress upload, for callers outside this package (the garbage
// collector) that need to clean up abandoned upload state directly.
func UploadDataPath(repoName, uploadID string) (string, error) {
	return pathFor(uploadDataPathSpec{name: repoName, id: uploadID})
}
