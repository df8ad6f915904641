package storage

import (
	"context"
	"regexp"
	"runtime"

	distribution "github.com/trow-registry/trow"
	"github.com/trow-registry/trow/registry/storage/cache"
	storagedriver "github.com/trow-registry/trow/registry/storage/driver"
)

// DefaultConcurrencyLimit bounds the number of goroutines used to resolve
// tags concurrently when a RegistryOption doesn't override it.
var DefaultConcurrencyLimit = runtime.GOMAXPROCS(0)

// registry is the top-level implementation of distribution.Namespace for
// use in the storage package. All instances should descend from this
// object.
type registry struct {
	blobStore                  *blobStore
	blobServer                 *blobServer
	statter                    *blobStatter // global statter service.
	blobDescriptorCacheProvider cache.BlobDescriptorCacheProvider
	deleteEnabled              bool
	tagLookupConcurrencyLimit  int
	driver                     storagedriver.StorageDriver

	manifestURLs         manifestURLs
	validateImageIndexes validateImageIndexes
}

// manifestURLs holds regular expressions for controlling manifest URL
// allow/deny listing.
type manifestURLs struct {
	allow *regexp.Regexp
	deny  *regexp.Regexp
}

// validateImageIndexes holds configuration for validation of image
// indexes.
type validateImageIndexes struct {
	imagesExist    bool
	imagePlatforms []platform
}

type platform struct {
	architecture string
	os           string
}

// RegistryOption is the type used for functional options for NewRegistry.
type RegistryOption func(*registry) error

// EnableRedirect is a functional option for NewRegistry. It causes the
// backend blob server to attempt using (StorageDriver).RedirectURL to
// serve all blobs.
func EnableRedirect(registry *registry) error {
	registry.blobServer.redirect = true
	return nil
}

// TagLookupConcurrencyLimit is a functional option for NewRegistry,
// bounding how many goroutines a repository's TagService may use when
// resolving tags.
func TagLookupConcurrencyLimit(concurrencyLimit int) RegistryOption {
	return func(registry *registry) error {
		registry.tagLookupConcurrencyLimit = concurrencyLimit
		return nil
	}
}

// EnableDelete is a functional option for NewRegistry. It enables
// deletion of blobs, tags, and manifests.
func EnableDelete(registry *registry) error {
	registry.deleteEnabled = true
	return nil
}

// ManifestURLsAllowRegexp is a functional option for NewRegistry.
func ManifestURLsAllowRegexp(r *regexp.Regexp) RegistryOption {
	return func(registry *registry) error {
		registry.manifestURLs.allow = r
		return nil
	}
}

// ManifestURLsDenyRegexp is a functional option for NewRegistry.
func ManifestURLsDenyRegexp(r *regexp.Regexp) RegistryOption {
	return func(registry *registry) error {
		registry.manifestURLs.deny = r
		return nil
	}
}

// EnableValidateImageIndexImagesExist is a functional option for
// NewRegistry. It enables validation that referenced platform images
// exist before an image index is accepted.
func EnableValidateImageIndexImagesExist(registry *registry) error {
	registry.validateImageIndexes.imagesExist = true
	return nil
}

// AddValidateImageIndexImagesExistPlatform adds a platform to check for
// existence before an image index is accepted.
func AddValidateImageIndexImagesExistPlatform(architecture, os string) RegistryOption {
	return func(registry *registry) error {
		registry.validateImageIndexes.imagePlatforms = append(
			registry.validateImageIndexes.imagePlatforms,
			platform{architecture: architecture, os: os},
		)
		return nil
	}
}

// BlobDescriptorCacheProvider returns a functional option for NewRegistry.
// Repository then gives each repository a cache scoped to its name from the
// given provider; the registry-wide blob statter and blob server are not
// cached.
func BlobDescriptorCacheProvider(blobDescriptorCacheProvider cache.BlobDescriptorCacheProvider) RegistryOption {
	return func(registry *registry) error {
		if blobDescriptorCacheProvider != nil {
			registry.blobDescriptorCacheProvider = blobDescriptorCacheProvider
		}
		return nil
	}
}

// NewRegistry creates a new registry instance from the provided driver.
// The resulting registry may be shared by multiple goroutines but is
// cheap to allocate. If EnableRedirect is specified, the backend blob
// server will attempt to use (StorageDriver).RedirectURL to serve all
// blobs.
func NewRegistry(ctx context.Context, driver storagedriver.StorageDriver, options ...RegistryOption) (distribution.Namespace, error) {
	statter := &blobStatter{driver: driver}

	bs := &blobStore{
		driver:  driver,
		statter: statter,
	}

	reg := &registry{
		blobStore: bs,
		blobServer: &blobServer{
			driver:  driver,
			statter: statter,
			pathFn:  bs.path,
		},
		statter: statter,
		driver:  driver,
	}

	for _, option := range options {
		if err := option(reg); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

// Scope returns the namespace scope for a registry. This implementation
// serves the global namespace.
func (reg *registry) Scope() distribution.Scope {
	return distribution.GlobalScope
}

// Repository returns an instance of the repository tied to the registry.
// Instances should not be shared between goroutines but are cheap to
// allocate. In general, they should be request scoped.
func (reg *registry) Repository(ctx context.Context, name string) (distribution.Repository, error) {
	var descriptorCache distribution.BlobDescriptorService
	if reg.blobDescriptorCacheProvider != nil {
		cached, err := reg.blobDescriptorCacheProvider.RepositoryScoped(name)
		if err != nil {
			return nil, err
		}
		descriptorCache = cached
	}

	return &repository{
		registry:        reg,
		ctx:             ctx,
		name:            name,
		descriptorCache: descriptorCache,
	}, nil
}

func (reg *registry) Blobs() distribution.BlobEnumerator {
	return reg.blobStore
}

func (reg *registry) BlobStatter() distribution.BlobStatter {
	return reg.statter
}

// repository provides name-scoped access to a repository's tags,
// manifests, and blobs.
type repository struct {
	*registry
	ctx             context.Context
	name            string
	descriptorCache distribution.BlobDescriptorService
}

func (repo *repository) Named() string {
	return repo.name
}

func (repo *repository) Tags(ctx context.Context) distribution.TagService {
	limit := DefaultConcurrencyLimit
	if repo.tagLookupConcurrencyLimit > 0 {
		limit = repo.tagLookupConcurrencyLimit
	}

	return &tagStore{
		repository:       repo,
		blobStore:        repo.registry.blobStore,
		concurrencyLimit: limit,
	}
}

// Manifests returns an instance of ManifestService scoped to this
// repository. Instantiation is cheap; the instance should be treated as a
// request local.
func (repo *repository) Manifests(ctx context.Context, options ...distribution.ManifestServiceOption) (distribution.ManifestService, error) {
	var statter distribution.BlobDescriptorService = &linkedBlobStatter{
		blobStore:   repo.blobStore,
		repository:  repo,
		linkPathFns: []linkPathFunc{manifestRevisionLinkPath},
	}

	if repo.descriptorCache != nil {
		statter = cache.NewCachedBlobStatter(repo.descriptorCache, statter)
	}

	blobStore := &linkedBlobStore{
		blobStore:             repo.blobStore,
		repository:            repo,
		ctx:                   ctx,
		deleteEnabled:         repo.registry.deleteEnabled,
		blobAccessController:  statter,
		linkPathFns:           []linkPathFunc{manifestRevisionLinkPath},
		linkDirectoryPathSpec: manifestRevisionsPathSpec{name: repo.name},
	}

	return newManifestStore(ctx, repo, blobStore)
}

// Blobs returns an instance of the BlobStore scoped to this repository.
// Instantiation is cheap; the instance should be treated as a request
// local.
func (repo *repository) Blobs(ctx context.Context) distribution.BlobStore {
	var statter distribution.BlobDescriptorService = &linkedBlobStatter{
		blobStore:   repo.blobStore,
		repository:  repo,
		linkPathFns: []linkPathFunc{blobLinkPath},
	}

	if repo.descriptorCache != nil {
		statter = cache.NewCachedBlobStatter(repo.descriptorCache, statter)
	}

	return &linkedBlobStore{
		blobStore:             repo.blobStore,
		blobServer:            repo.blobServer,
		blobAccessController:  statter,
		repository:            repo,
		ctx:                   ctx,
		linkPathFns:           []linkPathFunc{blobLinkPath},
		linkDirectoryPathSpec: layersPathSpec{name: repo.name},
		deleteEnabled:         repo.registry.deleteEnabled,
	}
}
