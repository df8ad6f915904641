package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	distribution "github.com/trow-registry/trow"
	"github.com/trow-registry/trow/internal/dcontext"
	storagedriver "github.com/trow-registry/trow/registry/storage/driver"
)

// digestSha256Empty is the canonical sha256 digest of empty data.
const digestSha256Empty = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// blobWriter is used to control the various aspects of a resumable blob
// upload.
type blobWriter struct {
	ctx       context.Context
	blobStore *linkedBlobStore

	id        string
	startedAt time.Time
	digester  digest.Digester
	written   int64 // bytes written through Write/ReadFrom, tracked for the fast validation path

	fileWriter storagedriver.FileWriter
	driver     storagedriver.StorageDriver
	path       string

	committed bool
	cancelled bool
	mutex     sync.Mutex
}

var _ distribution.BlobWriter = &blobWriter{}

func (bw *blobWriter) ID() string {
	return bw.id
}

func (bw *blobWriter) StartedAt() time.Time {
	return bw.startedAt
}

func (bw *blobWriter) Size() int64 {
	return bw.fileWriter.Size()
}

func (bw *blobWriter) Write(p []byte) (int, error) {
	n, err := bw.fileWriter.Write(p)
	if err != nil {
		return n, err
	}

	hn, herr := bw.digester.Hash().Write(p[:n])
	bw.written += int64(hn)
	if herr != nil {
		return n, herr
	}

	return n, nil
}

func (bw *blobWriter) ReadFrom(r io.Reader) (int64, error) {
	tee := io.TeeReader(r, bw.fileWriter)
	nn, err := io.Copy(bw.digester.Hash(), tee)
	bw.written += nn
	return nn, err
}

func (bw *blobWriter) Close() error {
	if bw.committed {
		return errors.New("blobwriter close after commit")
	}

	return bw.fileWriter.Close()
}

// Commit marks the upload as completed, returning a valid descriptor. The
// final size and digest are checked against the provisional descriptor.
func (bw *blobWriter) Commit(ctx context.Context, desc distribution.Descriptor) (distribution.Descriptor, error) {
	bw.mutex.Lock()
	defer bw.mutex.Unlock()

	dcontext.GetLogger(ctx).Debug("(*blobWriter).Commit")

	if err := bw.fileWriter.Commit(ctx); err != nil {
		return distribution.Descriptor{}, err
	}
	if err := bw.Close(); err != nil {
		return distribution.Descriptor{}, err
	}
	desc.Size = bw.Size()

	canonical, err := bw.validateBlob(ctx, desc)
	if err != nil {
		return distribution.Descriptor{}, err
	}

	if err := bw.moveBlob(ctx, canonical); err != nil {
		return distribution.Descriptor{}, err
	}

	if err := bw.blobStore.linkBlob(ctx, canonical, desc.Digest); err != nil {
		return distribution.Descriptor{}, err
	}

	if err := bw.removeResources(ctx); err != nil {
		return distribution.Descriptor{}, err
	}

	if err := bw.blobStore.blobAccessController.SetDescriptor(ctx, canonical.Digest, canonical); err != nil {
		return distribution.Descriptor{}, err
	}

	bw.committed = true

	return canonical, nil
}

// Cancel the blob upload process, releasing any resources associated with
// the writer and discarding any data written thus far.
func (bw *blobWriter) Cancel(ctx context.Context) error {
	bw.mutex.Lock()
	defer bw.mutex.Unlock()

	bw.cancelled = true
	dcontext.GetLogger(ctx).Debug("(*blobWriter).Cancel")

	if err := bw.fileWriter.Cancel(ctx); err != nil {
		return err
	}

	return bw.removeResources(ctx)
}

// validateBlob checks the data against the digest, returning an error if it
// does not match. The canonical descriptor is returned.
func (bw *blobWriter) validateBlob(ctx context.Context, desc distribution.Descriptor) (distribution.Descriptor, error) {
	if desc.Digest == "" {
		return distribution.Descriptor{}, distribution.ErrBlobInvalidDigest{
			Reason: fmt.Errorf("cannot validate against empty digest"),
		}
	}

	var size int64
	if fi, err := bw.driver.Stat(ctx, bw.path); err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			desc.Size = 0
		default:
			return distribution.Descriptor{}, err
		}
	} else {
		if fi.IsDir() {
			return distribution.Descriptor{}, fmt.Errorf("unexpected directory at upload location %q", bw.path)
		}
		size = fi.Size()
	}

	if desc.Size > 0 {
		if desc.Size != size {
			return distribution.Descriptor{}, distribution.ErrBlobInvalidLength
		}
	} else {
		desc.Size = size
	}

	var canonical digest.Digest
	var verified bool

	// Fast path: if everything written in this process matches the
	// requested size and algorithm, trust the running digest rather than
	// re-reading the blob back from storage.
	if bw.written == size && digest.Canonical == desc.Digest.Algorithm() {
		canonical = bw.digester.Digest()
		verified = desc.Digest == canonical
	}

	if !verified {
		digester := digest.Canonical.Digester()
		verifier := desc.Digest.Verifier()

		fr, err := newFileReader(ctx, bw.driver, bw.path, desc.Size)
		if err != nil {
			return distribution.Descriptor{}, err
		}
		defer fr.Close()

		tr := io.TeeReader(fr, digester.Hash())
		if _, err := io.Copy(verifier, tr); err != nil {
			return distribution.Descriptor{}, err
		}

		canonical = digester.Digest()
		verified = verifier.Verified()
	}

	if !verified {
		dcontext.GetLogger(ctx).Errorf("canonical digest %v does not match provided digest %v", canonical, desc.Digest)
		return distribution.Descriptor{}, distribution.ErrBlobInvalidDigest{
			Digest: desc.Digest,
			Reason: fmt.Errorf("content does not match digest"),
		}
	}

	desc.Digest = canonical
	if desc.MediaType == "" {
		desc.MediaType = "application/octet-stream"
	}

	return desc, nil
}

// moveBlob moves the data into its final, hash-qualified destination,
// identified by dgst. The blob should be validated before this is called.
func (bw *blobWriter) moveBlob(ctx context.Context, desc distribution.Descriptor) error {
	blobPath, err := pathFor(blobDataPathSpec{digest: desc.Digest})
	if err != nil {
		return err
	}

	if _, err := bw.blobStore.driver.Stat(ctx, blobPath); err == nil {
		// Content-addressed: if it's already there, we're done.
		return nil
	} else if _, ok := err.(storagedriver.PathNotFoundError); !ok {
		return err
	}

	if _, err := bw.blobStore.driver.Stat(ctx, bw.path); err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			if desc.Digest == digestSha256Empty {
				return bw.blobStore.driver.PutContent(ctx, blobPath, []byte{})
			}
			logrus.
				WithField("upload.id", bw.ID()).
				WithField("digest", desc.Digest).
				Warn("attempted to move zero-length content with non-zero digest")
		} else {
			return err
		}
	}

	return bw.blobStore.driver.Move(ctx, bw.path, blobPath)
}

// removeResources cleans up all resources associated with the upload
// instance. No error is returned if the resources are already gone.
func (bw *blobWriter) removeResources(ctx context.Context) error {
	dataPath, err := pathFor(uploadDataPathSpec{
		name: bw.blobStore.repository.Named(),
		id:   bw.id,
	})
	if err != nil {
		return err
	}

	dirPath := path.Dir(dataPath)
	if err := bw.blobStore.driver.Delete(ctx, dirPath); err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			return nil
		}
		dcontext.GetLogger(ctx).Errorf("unable to delete upload resources %q: %v", dirPath, err)
		return err
	}

	return nil
}
