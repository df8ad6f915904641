// Package cache provides facilities to speed up access to the storage
// backend by caching blob descriptors, avoiding a metadata-index round
// trip for every blob HEAD/GET.
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// ErrBlobUnknown is returned by a BlobDescriptorService when the
// requested digest has no cached descriptor.
var ErrBlobUnknown = errors.New("cache: blob unknown")

// BlobDescriptorService caches descriptors (digest, size, media type)
// so that repeated HEAD/GET calls for the same blob avoid a metadata
// index round trip. Last-accessed bookkeeping for garbage collection
// lives in the metadata index, not in this overlay cache.
type BlobDescriptorService interface {
	Stat(ctx context.Context, dgst digest.Digest) (v1.Descriptor, error)
	Clear(ctx context.Context, dgst digest.Digest) error
	SetDescriptor(ctx context.Context, dgst digest.Digest, desc v1.Descriptor) error
}

// BlobDescriptorCacheProvider provides repository-scoped
// BlobDescriptorService instances plus a global descriptor cache.
type BlobDescriptorCacheProvider interface {
	BlobDescriptorService

	RepositoryScoped(repo string) (BlobDescriptorService, error)
}

// InitFunc is a BlobDescriptorCacheProvider factory, registered under
// a name so configuration can select a backend by string (e.g.
// "inmemory", "redis").
type InitFunc func(ctx context.Context, options map[string]interface{}) (BlobDescriptorCacheProvider, error)

var providers map[string]InitFunc

// Register adds an InitFunc under name. Called from the init() of
// each cache backend package.
func Register(name string, initFunc InitFunc) {
	if providers == nil {
		providers = make(map[string]InitFunc)
	}
	if _, exists := providers[name]; exists {
		panic(fmt.Sprintf("cache: provider already registered: %s", name))
	}
	providers[name] = initFunc
}

// Get constructs the named provider with options.
func Get(ctx context.Context, name string, options map[string]interface{}) (BlobDescriptorCacheProvider, error) {
	initFunc, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("cache: no provider registered with name %q", name)
	}
	return initFunc(ctx, options)
}

// ValidateDescriptor ensures that caches have common criteria for
// admitting descriptors.
func ValidateDescriptor(desc v1.Descriptor) error {
	if err := desc.Digest.Validate(); err != nil {
		return err
	}

	if desc.Size < 0 {
		return fmt.Errorf("cache: invalid length in descriptor: %v < 0", desc.Size)
	}

	if desc.MediaType == "" {
		return fmt.Errorf("cache: empty mediatype on descriptor: %v", desc)
	}

	return nil
}
