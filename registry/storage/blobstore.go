package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"

	distribution "github.com/trow-registry/trow"
	storagedriver "github.com/trow-registry/trow/registry/storage/driver"
)

// blobStore implements a generalized blob store over a driver, supporting
// the read/write side and link management. This object is intentionally a
// leaky abstraction, providing utility methods that support creating and
// traversing backend links. It is not, itself, namespaced to a repository;
// linkedBlobStore wraps it to provide that.
type blobStore struct {
	driver  storagedriver.StorageDriver
	statter *blobStatter
}

var _ distribution.BlobProvider = &blobStore{}
var _ distribution.BlobEnumerator = &blobStore{}

// Get retrieves the blob content identified by digest, returning the whole
// thing as a byte slice. Intended for small objects such as manifests.
func (bs *blobStore) Get(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	bp, err := bs.path(dgst)
	if err != nil {
		return nil, err
	}

	p, err := bs.driver.GetContent(ctx, bp)
	if err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return nil, distribution.ErrBlobUnknown
		default:
			return nil, err
		}
	}

	return p, nil
}

// Open provides a ReadSeekCloser to the blob identified by dgst.
func (bs *blobStore) Open(ctx context.Context, dgst digest.Digest) (io.ReadSeekCloser, error) {
	desc, err := bs.statter.Stat(ctx, dgst)
	if err != nil {
		return nil, err
	}

	path, err := bs.path(desc.Digest)
	if err != nil {
		return nil, err
	}

	return newFileReader(ctx, bs.driver, path, desc.Size)
}

// Put stores the content p in the blob store, calculating the digest. If
// the content already exists, only the digest is returned. Intended for
// small objects such as manifests.
func (bs *blobStore) Put(ctx context.Context, mediaType string, p []byte) (distribution.Descriptor, error) {
	dgst := digest.FromBytes(p)
	desc, err := bs.statter.Stat(ctx, dgst)
	if err == nil {
		// content already present
		return desc, nil
	} else if err != distribution.ErrBlobUnknown {
		return distribution.Descriptor{}, err
	}

	bp, err := bs.path(dgst)
	if err != nil {
		return distribution.Descriptor{}, err
	}

	if err := bs.driver.PutContent(ctx, bp, p); err != nil {
		return distribution.Descriptor{}, err
	}

	return distribution.Descriptor{
		Size:      int64(len(p)),
		Digest:    dgst,
		MediaType: mediaType,
	}, nil
}

// path returns the canonical path for the blob identified by dgst. The
// blob may or may not exist at that path.
func (bs *blobStore) path(dgst digest.Digest) (string, error) {
	return pathFor(blobDataPathSpec{digest: dgst})
}

// link writes dgst into the file at path, creating a link from a
// repository-scoped name to the global blob store.
func (bs *blobStore) link(ctx context.Context, path string, dgst digest.Digest) error {
	exists, err := bs.exists(ctx, dgst)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("cannot link non-existent blob %v", dgst)
	}

	return bs.driver.PutContent(ctx, path, []byte(dgst.String()))
}

// readlink reads the digest stored at path, verifying the target blob
// still exists in the global store.
func (bs *blobStore) readlink(ctx context.Context, path string) (digest.Digest, error) {
	content, err := bs.driver.GetContent(ctx, path)
	if err != nil {
		return "", err
	}

	linked, err := digest.Parse(string(content))
	if err != nil {
		return "", err
	}

	bp, err := bs.path(linked)
	if err != nil {
		return "", err
	}

	if _, err := bs.driver.Stat(ctx, bp); err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return "", distribution.ErrBlobUnknown
		default:
			return "", err
		}
	}

	return linked, nil
}

// Enumerate walks the entire content-addressable store, calling ingestor
// once per stored blob digest. It is used by garbage collection to build
// the set of blobs that actually exist on disk.
func (bs *blobStore) Enumerate(ctx context.Context, ingestor func(dgst digest.Digest) error) error {
	root, err := pathFor(repositoriesRootPathSpec{})
	if err != nil {
		return err
	}
	// the blob store lives as a sibling of the repositories root, under
	// <root>/v2/blobs rather than <root>/v2/repositories.
	blobsRoot := path.Join(path.Dir(root), "blobs")

	return bs.driver.Walk(ctx, blobsRoot, func(fileInfo storagedriver.FileInfo) error {
		filePath := fileInfo.Path()
		if fileInfo.IsDir() || path.Base(filePath) != "data" {
			return nil
		}

		// <blobsRoot>/<algorithm>/<first two hex>/<hex digest>/data
		rel := strings.Trim(filePath[len(blobsRoot):], "/")
		parts := strings.Split(rel, "/")
		if len(parts) != 4 {
			return nil
		}

		dgst := digest.NewDigestFromEncoded(digest.Algorithm(parts[0]), parts[2])
		if err := dgst.Validate(); err != nil {
			return nil
		}

		return ingestor(dgst)
	})
}

// blobStatter is the global statter used to check for the existence and
// size of blobs across the whole storage namespace, independent of any
// repository link.
type blobStatter struct {
	driver storagedriver.StorageDriver
}

var _ distribution.BlobStatter = &blobStatter{}

func (bs *blobStatter) Stat(ctx context.Context, dgst digest.Digest) (distribution.Descriptor, error) {
	path, err := pathFor(blobDataPathSpec{digest: dgst})
	if err != nil {
		return distribution.Descriptor{}, err
	}

	fi, err := bs.driver.Stat(ctx, path)
	if err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return distribution.Descriptor{}, distribution.ErrBlobUnknown
		default:
			return distribution.Descriptor{}, err
		}
	}

	if fi.IsDir() {
		return distribution.Descriptor{}, distribution.ErrBlobUnknown
	}

	return distribution.Descriptor{
		Size:   fi.Size(),
		Digest: dgst,
	}, nil
}

// blobServer serves blob content directly from the driver, or via the
// driver's redirect mechanism when enabled.
type blobServer struct {
	driver   storagedriver.StorageDriver
	statter  distribution.BlobStatter
	pathFn   func(dgst digest.Digest) (string, error)
	redirect bool
}

var _ distribution.BlobServer = &blobServer{}

func (bs *blobServer) ServeBlob(ctx context.Context, w http.ResponseWriter, r *http.Request, dgst digest.Digest) error {
	desc, err := bs.statter.Stat(ctx, dgst)
	if err != nil {
		return err
	}

	path, err := bs.pathFn(desc.Digest)
	if err != nil {
		return err
	}

	if bs.redirect {
		redirectURL, err := bs.driver.RedirectURL(r, path)
		if err != nil {
			return err
		}
		if redirectURL != "" {
			http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
			return nil
		}
	}

	br, err := newFileReader(ctx, bs.driver, path, desc.Size)
	if err != nil {
		return err
	}
	defer br.Close()

	w.Header().Set("ETag", fmt.Sprintf(`"%s"`, desc.Digest))
	if w.Header().Get("Docker-Content-Digest") == "" {
		w.Header().Set("Docker-Content-Digest", desc.Digest.String())
	}
	if desc.MediaType != "" {
		w.Header().Set("Content-Type", desc.MediaType)
	}
	w.Header().Set("Content-Length", fmt.Sprint(desc.Size))

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return nil
	}

	http.ServeContent(w, r, desc.Digest.String(), zeroTime, br)
	return nil
}

func (bs *blobStore) exists(ctx context.Context, dgst digest.Digest) (bool, error) {
	p, err := bs.path(dgst)
	if err != nil {
		return false, err
	}

	if _, err := bs.driver.Stat(ctx, p); err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return false, nil
		default:
			return false, err
		}
	}

	return true, nil
}

