package distribution

import (
	"context"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Descriptor describes targeted content. Used in conjunction with a blob
// store, a descriptor can be used to fetch, store and target any kind of
// blob. It is a direct alias of the OCI image-spec descriptor type so that
// every manifest schema package in this module - which marshal and compare
// descriptors against the OCI types directly - can hand one to a BlobStore
// or ManifestService without a conversion step.
type Descriptor = v1.Descriptor

// Platform describes the platform which a particular manifest is specific
// to.
type Platform = v1.Platform

// Describable is an interface for descriptors that can provide their own
// descriptor. This allows abstract descriptor operations to be performed
// on blob and manifest descriptors with context only provided in the
// specific type.
type Describable interface {
	Descriptor() Descriptor
}

// BlobStatter makes blob descriptors available by digest. The service may
// provide a descriptor of a different digest if the provided digest is
// not canonical.
type BlobStatter interface {
	// Stat provides metadata about a blob identified by the digest. If
	// the blob is unknown, ErrBlobUnknown will be returned.
	Stat(ctx context.Context, dgst digest.Digest) (Descriptor, error)
}
