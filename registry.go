package distribution

import (
	"context"

	"github.com/opencontainers/go-digest"
)

// Namespace represents a collection of repositories, addressable by name.
type Namespace interface {
	// Scope describes the names that can be used with this Namespace. The
	// global namespace will have a scope that matches all names, and a
	// repository scope will match its repository.
	Scope() Scope

	// Repository should return a reference to the named repository. The
	// registry may or may not have the repository but should always
	// return a reference.
	Repository(ctx context.Context, name string) (Repository, error)

	// Repositories fills 'repos' with a lexicographically sorted catalog
	// of repositories up to the size of 'repos' and returns the number
	// filled, eof if there are no more entries.
	Repositories(ctx context.Context, repos []string, last string) (n int, err error)

	// Blobs returns a BlobEnumerator to enumerate the blobs known to the
	// namespace, if supported.
	Blobs() BlobEnumerator

	// BlobStatter returns a BlobStatter that can be used to check for the
	// existence of blobs across the whole namespace, useful during
	// garbage collection.
	BlobStatter() BlobStatter
}

// Scope defines the set of repositories accessible through a Namespace.
type Scope interface {
	// Contains returns true if the namespace is wholly contained within
	// this scope.
	Contains(name string) bool
}

type fullScope struct{}

func (fullScope) Contains(string) bool { return true }

// GlobalScope represents the full namespace scope.
var GlobalScope Scope = fullScope{}

// Repository is a named collection of manifests and blobs.
type Repository interface {
	// Named returns the name of the repository.
	Named() string

	// Tags returns a reference to this repository's tag service.
	Tags(ctx context.Context) TagService

	// Manifests returns a reference to this repository's manifest
	// service.
	Manifests(ctx context.Context, options ...ManifestServiceOption) (ManifestService, error)

	// Blobs returns a reference to this repository's blob service.
	Blobs(ctx context.Context) BlobStore
}

// BlobStore combines the operations required to access, write and delete
// blobs for a repository, along with operations to resume blob uploads
// and mount blobs from other repositories.
type BlobStore interface {
	BlobStatter
	BlobProvider
	BlobIngester
	BlobDeleter
	BlobServer

	// Mount mounts the blob identified by dgst from sourceRepo into the
	// repository backed by this BlobStore, avoiding a full re-upload when
	// both repositories share the same underlying storage.
	Mount(ctx context.Context, sourceRepo string, dgst digest.Digest) (Descriptor, error)
}

// RepositoryEnumerator enables iterating over repositories.
type RepositoryEnumerator interface {
	Enumerate(ctx context.Context, ingestor func(repoName string) error) error
}

// RepositoryRemover removes a repository and everything it references
// from storage.
type RepositoryRemover interface {
	Remove(ctx context.Context, name string) error
}
