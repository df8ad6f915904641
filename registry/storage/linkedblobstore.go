package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/opencontainers/go-digest"

	distribution "github.com/trow-registry/trow"
	"github.com/trow-registry/trow/internal/dcontext"
	"github.com/trow-registry/trow/internal/uuid"
	storagedriver "github.com/trow-registry/trow/registry/storage/driver"
)

// linkPathFunc describes a function that can resolve a link path for a
// given repository name and digest.
type linkPathFunc func(name string, dgst digest.Digest) (string, error)

// linkedBlobStore provides a repository-scoped view over the global
// blobStore, maintaining link files that point into the content-addressable
// store.
type linkedBlobStore struct {
	*blobStore

	blobServer           distribution.BlobServer
	blobAccessController distribution.BlobDescriptorService

	repository distribution.Repository
	ctx        context.Context

	deleteEnabled bool

	// linkPathFns resolves the primary and alias locations for a link, in
	// order of preference, used for read fallback (e.g. manifests linked
	// both from _manifests/revisions and _layers).
	linkPathFns []linkPathFunc

	// linkDirectoryPathSpec, if set, roots the tree Enumerate walks
	// looking for link files.
	linkDirectoryPathSpec pathSpec
}

var _ distribution.BlobStore = &linkedBlobStore{}

func (lbs *linkedBlobStore) Stat(ctx context.Context, dgst digest.Digest) (distribution.Descriptor, error) {
	if _, err := lbs.resolveDigest(ctx, dgst); err != nil {
		return distribution.Descriptor{}, err
	}

	return lbs.blobAccessController.Stat(ctx, dgst)
}

func (lbs *linkedBlobStore) Get(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	canonical, err := lbs.resolveDigest(ctx, dgst)
	if err != nil {
		return nil, err
	}

	return lbs.blobStore.Get(ctx, canonical)
}

func (lbs *linkedBlobStore) Open(ctx context.Context, dgst digest.Digest) (io.ReadSeekCloser, error) {
	canonical, err := lbs.resolveDigest(ctx, dgst)
	if err != nil {
		return nil, err
	}

	return lbs.blobStore.Open(ctx, canonical)
}

func (lbs *linkedBlobStore) ServeBlob(ctx context.Context, w http.ResponseWriter, r *http.Request, dgst digest.Digest) error {
	canonical, err := lbs.resolveDigest(ctx, dgst)
	if err != nil {
		return err
	}

	desc, err := lbs.blobAccessController.Stat(ctx, canonical)
	if err != nil {
		return err
	}

	return lbs.blobServer.ServeBlob(ctx, w, r, desc.Digest)
}

func (lbs *linkedBlobStore) Put(ctx context.Context, mediaType string, p []byte) (distribution.Descriptor, error) {
	dgst := digest.FromBytes(p)
	if desc, err := lbs.blobAccessController.Stat(ctx, dgst); err == nil {
		return desc, nil
	}

	desc, err := lbs.blobStore.Put(ctx, mediaType, p)
	if err != nil {
		dcontext.GetLogger(ctx).Errorf("error putting blob %s: %v", dgst, err)
		return distribution.Descriptor{}, err
	}

	if err := lbs.linkBlob(ctx, desc, dgst); err != nil {
		return distribution.Descriptor{}, err
	}

	if err := lbs.blobAccessController.SetDescriptor(ctx, desc.Digest, desc); err != nil {
		return distribution.Descriptor{}, err
	}

	return desc, nil
}

// Writer begins a new blob write session, identified by a freshly generated
// upload id.
func (lbs *linkedBlobStore) Writer(ctx context.Context) (distribution.BlobWriter, error) {
	id := uuid.NewString()

	startedAtPath, err := pathFor(uploadStartedAtPathSpec{name: lbs.repository.Named(), id: id})
	if err != nil {
		return nil, err
	}

	if err := lbs.blobStore.driver.PutContent(ctx, startedAtPath, []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
		return nil, err
	}

	return lbs.newBlobUpload(ctx, id, time.Now().UTC())
}

// Resume attempts to restart a blob upload identified by id. Only the
// started-at marker is required to exist; the data file, if any, is picked
// up from wherever the previous session left it.
func (lbs *linkedBlobStore) Resume(ctx context.Context, id string) (distribution.BlobWriter, error) {
	startedAtPath, err := pathFor(uploadStartedAtPathSpec{name: lbs.repository.Named(), id: id})
	if err != nil {
		return nil, err
	}

	startedAtBytes, err := lbs.blobStore.driver.GetContent(ctx, startedAtPath)
	if err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return nil, distribution.ErrBlobUploadUnknown
		default:
			return nil, err
		}
	}

	startedAt, err := time.Parse(time.RFC3339, string(startedAtBytes))
	if err != nil {
		return nil, distribution.ErrBlobUploadInvalid
	}

	return lbs.newBlobUpload(ctx, id, startedAt)
}

func (lbs *linkedBlobStore) newBlobUpload(ctx context.Context, id string, startedAt time.Time) (distribution.BlobWriter, error) {
	dataPath, err := pathFor(uploadDataPathSpec{name: lbs.repository.Named(), id: id})
	if err != nil {
		return nil, err
	}

	fw, err := newFileWriter(ctx, lbs.blobStore.driver, dataPath)
	if err != nil {
		return nil, err
	}

	bw := &blobWriter{
		ctx:        ctx,
		blobStore:  lbs,
		id:         id,
		startedAt:  startedAt,
		digester:   digest.Canonical.Digester(),
		fileWriter: fw,
		driver:     lbs.blobStore.driver,
		path:       dataPath,
	}

	return bw, nil
}

func (lbs *linkedBlobStore) Delete(ctx context.Context, dgst digest.Digest) error {
	if !lbs.deleteEnabled {
		return distribution.ErrUnsupported
	}

	canonical, err := lbs.resolveDigest(ctx, dgst)
	if err != nil {
		return err
	}

	if err := lbs.blobAccessController.Clear(ctx, canonical); err != nil {
		return err
	}

	linkPath, err := lbs.linkPathFns[0](lbs.repository.Named(), canonical)
	if err != nil {
		return err
	}

	return lbs.blobStore.driver.Delete(ctx, linkPath)
}

// Mount links dgst, which must already exist in the global blob store
// (normally verified via sourceRepo's own link), directly into this
// repository without copying any data.
func (lbs *linkedBlobStore) Mount(ctx context.Context, sourceRepo string, dgst digest.Digest) (distribution.Descriptor, error) {
	desc, err := lbs.blobStore.statter.Stat(ctx, dgst)
	if err != nil {
		return distribution.Descriptor{}, err
	}

	if err := lbs.linkBlob(ctx, desc); err != nil {
		return distribution.Descriptor{}, err
	}

	if err := lbs.blobAccessController.SetDescriptor(ctx, desc.Digest, desc); err != nil {
		return distribution.Descriptor{}, err
	}

	return desc, nil
}

// Enumerate walks every link file rooted at linkDirectoryPathSpec, calling
// ingestor once per resolved digest. It is used for tag-index listing and
// garbage collection mark phases; linkDirectoryPathSpec must be set.
func (lbs *linkedBlobStore) Enumerate(ctx context.Context, ingestor func(dgst digest.Digest) error) error {
	if lbs.linkDirectoryPathSpec == nil {
		return fmt.Errorf("linked blob store not configured for enumeration")
	}

	root, err := pathFor(lbs.linkDirectoryPathSpec)
	if err != nil {
		return err
	}

	return lbs.blobStore.driver.Walk(ctx, root, func(fileInfo storagedriver.FileInfo) error {
		filePath := fileInfo.Path()
		if fileInfo.IsDir() || path.Base(filePath) != "link" {
			return nil
		}

		dgst, err := lbs.blobStore.readlink(ctx, filePath)
		if err != nil {
			return err
		}

		return ingestor(dgst)
	})
}

// linkBlob links the given canonical descriptor at every alias digest
// (normally just the single digest the content was pushed under).
func (lbs *linkedBlobStore) linkBlob(ctx context.Context, canonical distribution.Descriptor, aliases ...digest.Digest) error {
	dgsts := append([]digest.Digest{canonical.Digest}, aliases...)

	for _, dgst := range dgsts {
		if dgst == "" {
			continue
		}

		linkPath, err := lbs.linkPathFns[0](lbs.repository.Named(), dgst)
		if err != nil {
			return err
		}

		if err := lbs.blobStore.link(ctx, linkPath, canonical.Digest); err != nil {
			return err
		}
	}

	return nil
}

// resolveDigest walks the configured link paths, in order, returning the
// first one that resolves to a blob that still exists in the global store.
func (lbs *linkedBlobStore) resolveDigest(ctx context.Context, dgst digest.Digest) (digest.Digest, error) {
	if err := dgst.Validate(); err != nil {
		return "", distribution.ErrBlobUnknown
	}

	var lastErr error
	for _, linkPathFn := range lbs.linkPathFns {
		linkPath, err := linkPathFn(lbs.repository.Named(), dgst)
		if err != nil {
			lastErr = err
			continue
		}

		canonical, err := lbs.blobStore.readlink(ctx, linkPath)
		if err != nil {
			switch err.(type) {
			case storagedriver.PathNotFoundError:
				lastErr = distribution.ErrBlobUnknown
				continue
			}
			if err == distribution.ErrBlobUnknown {
				lastErr = err
				continue
			}
			return "", err
		}

		return canonical, nil
	}

	if lastErr == nil {
		lastErr = distribution.ErrBlobUnknown
	}

	return "", lastErr
}

// linkedBlobStatter resolves repository-scoped link files down to the
// global blob store's statter, without needing a full linkedBlobStore.
type linkedBlobStatter struct {
	*blobStore

	repository  distribution.Repository
	linkPathFns []linkPathFunc
}

var _ distribution.BlobStatter = &linkedBlobStatter{}

func (lbs *linkedBlobStatter) Stat(ctx context.Context, dgst digest.Digest) (distribution.Descriptor, error) {
	var lastErr error
	for _, linkPathFn := range lbs.linkPathFns {
		linkPath, err := linkPathFn(lbs.repository.Named(), dgst)
		if err != nil {
			lastErr = err
			continue
		}

		target, err := lbs.blobStore.readlink(ctx, linkPath)
		if err != nil {
			switch err.(type) {
			case storagedriver.PathNotFoundError:
				lastErr = distribution.ErrBlobUnknown
				continue
			}
			if err == distribution.ErrBlobUnknown {
				lastErr = err
				continue
			}
			return distribution.Descriptor{}, err
		}

		return lbs.blobStore.statter.Stat(ctx, target)
	}

	if lastErr == nil {
		lastErr = distribution.ErrBlobUnknown
	}

	return distribution.Descriptor{}, lastErr
}

// blobLinkPath resolves the _layers link path for a blob within a
// repository.
func blobLinkPath(name string, dgst digest.Digest) (string, error) {
	return pathFor(layerLinkPathSpec{name: name, digest: dgst})
}

// manifestRevisionLinkPath resolves the _manifests/revisions link path for
// a manifest digest within a repository.
func manifestRevisionLinkPath(name string, dgst digest.Digest) (string, error) {
	return pathFor(manifestRevisionLinkPathSpec{name: name, revision: dgst})
}

var errResumableDigestNotAvailable = fmt.Errorf("resumable digest not available")
