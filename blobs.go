package distribution

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/opencontainers/go-digest"
)

// BlobProvider describes operations for getting blob data.
type BlobProvider interface {
	// Get returns the entire content of the blob identified by digest.
	Get(ctx context.Context, dgst digest.Digest) ([]byte, error)

	// Open provides a ReadSeekCloser to the blob identified by the
	// provided descriptor. Callers should close the reader when done.
	Open(ctx context.Context, dgst digest.Digest) (io.ReadSeekCloser, error)
}

// BlobServer can serve blobs via HTTP.
type BlobServer interface {
	// ServeBlob attempts to serve the blob, identified by dgst, via http.
	// The service may decide to redirect the client elsewhere or serve
	// the data directly.
	ServeBlob(ctx context.Context, w http.ResponseWriter, r *http.Request, dgst digest.Digest) error
}

// BlobIngester ingests blob data.
type BlobIngester interface {
	// Put inserts the content p into the blob service, returning a
	// descriptor. This should only be used for small objects, such as
	// manifests. This implementation automatically caches the blob.
	Put(ctx context.Context, mediaType string, p []byte) (Descriptor, error)

	// Writer allocates a new BlobWriter to add a blob to this service.
	// Data written is not available to Stat until the writer is
	// committed.
	Writer(ctx context.Context) (BlobWriter, error)

	// Resume attempts to resume a write to a blob, identified by a
	// unique id. It is only supported by registries that support chunked
	// uploads.
	Resume(ctx context.Context, id string) (BlobWriter, error)
}

// BlobWriter provides a handle for inserting data into a blob store.
// Instances should be obtained from BlobIngester.Writer and
// BlobIngester.Resume. The data written is not available until
// Commit is called.
type BlobWriter interface {
	io.WriteCloser
	io.ReaderFrom

	// ID returns the identifier for this writer. The ID can be used with
	// Resume to continue the write.
	ID() string

	// StartedAt returns the time this blob write was started.
	StartedAt() time.Time

	// Commit completes the blob writer process. The content is verified
	// against the provided provisional descriptor, which may result in an
	// error. Depending on the implementation, written data may be
	// validated against the provisional descriptor fields.
	Commit(ctx context.Context, provisional Descriptor) (canonical Descriptor, err error)

	// Cancel ends the blob write without storing any data and frees any
	// associated resources. Any data written thus far will be lost.
	// Cancel implementations should allow multiple calls even after a
	// commit that result in a no-op.
	Cancel(ctx context.Context) error

	// Size returns the number of bytes written to this blob writer.
	Size() int64
}

// BlobDeleter enables deleting blobs from storage.
type BlobDeleter interface {
	Delete(ctx context.Context, dgst digest.Digest) error
}

// BlobEnumerator enables iterating over blobs from storage.
type BlobEnumerator interface {
	Enumerate(ctx context.Context, ingestor func(dgst digest.Digest) error) error
}

// BlobDescriptorService manages metadata about a blob.
type BlobDescriptorService interface {
	BlobStatter

	// Clear removes the descriptor from the cache, if present.
	Clear(ctx context.Context, dgst digest.Digest) error

	// SetDescriptor caches the given descriptor under dgst.
	SetDescriptor(ctx context.Context, dgst digest.Digest, desc Descriptor) error
}

// BlobService combines the operations required to access, write and
// delete a repository's blob content.
type BlobService interface {
	BlobStatter
	BlobProvider
	BlobIngester
	BlobDeleter
}
