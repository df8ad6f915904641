package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	distribution "github.com/trow-registry/trow"
	"github.com/trow-registry/trow/internal/dcontext"
	"github.com/trow-registry/trow/manifest/schema1"
)

// manifestStore persists manifests of any registered schema (schema2,
// OCI image manifests, OCI/Docker manifest lists and indexes) as ordinary
// content-addressed blobs, dispatching unmarshalling through
// distribution.UnmarshalManifest so new schemas only need to register
// themselves, not be wired in here.
type manifestStore struct {
	ctx        context.Context
	repository distribution.Repository
	blobStore  *linkedBlobStore

	// skipDependencyVerification disables the check that every
	// referenced blob/manifest already exists before Put accepts a new
	// manifest. It exists for cross-repository mounts and proxy-cache
	// fills, where the references legitimately live elsewhere until the
	// mount completes.
	skipDependencyVerification bool
}

var _ distribution.ManifestService = &manifestStore{}

func newManifestStore(ctx context.Context, repo distribution.Repository, blobStore *linkedBlobStore) (distribution.ManifestService, error) {
	return &manifestStore{
		ctx:        ctx,
		repository: repo,
		blobStore:  blobStore,
	}, nil
}

func (ms *manifestStore) Exists(ctx context.Context, dgst digest.Digest) (bool, error) {
	dcontext.GetLogger(ctx).Debug("(*manifestStore).Exists")

	_, err := ms.blobStore.Stat(ctx, dgst)
	if err != nil {
		if err == distribution.ErrBlobUnknown {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

func (ms *manifestStore) Get(ctx context.Context, dgst digest.Digest, options ...distribution.ManifestServiceOption) (distribution.Manifest, error) {
	dcontext.GetLogger(ctx).Debug("(*manifestStore).Get")

	for _, option := range options {
		if err := option.Apply(ms); err != nil {
			return nil, err
		}
	}

	content, err := ms.blobStore.Get(ctx, dgst)
	if err != nil {
		if err == distribution.ErrBlobUnknown {
			return nil, distribution.ErrManifestUnknownRevision{
				Name:     ms.repository.Named(),
				Revision: dgst,
			}
		}
		return nil, err
	}

	desc, err := ms.blobStore.Stat(ctx, dgst)
	if err != nil {
		return nil, err
	}

	ctHeader := desc.MediaType
	if ctHeader == "" {
		// the global blob store only ever stats digest and size; a
		// manifest's own media type survives only via the descriptor
		// cache, which is optional. Fall back to sniffing it out of
		// the manifest content itself.
		ctHeader, err = detectManifestMediaType(content)
		if err != nil {
			return nil, err
		}
	}

	manifest, _, err := distribution.UnmarshalManifest(ctHeader, content)
	if err != nil {
		return nil, err
	}

	return manifest, nil
}

// detectManifestMediaType recovers a manifest's media type from its own
// content when the descriptor that named it didn't carry one. Every
// registered schema except the legacy Docker v1 signed manifest embeds its
// media type directly in the JSON body.
func detectManifestMediaType(content []byte) (string, error) {
	var versioned struct {
		MediaType     string `json:"mediaType"`
		SchemaVersion int    `json:"schemaVersion"`
	}

	if err := json.Unmarshal(content, &versioned); err != nil {
		return "", err
	}

	if versioned.MediaType != "" {
		return versioned.MediaType, nil
	}

	if versioned.SchemaVersion == 1 {
		return schema1.MediaTypeSignedManifest, nil
	}

	return "", fmt.Errorf("could not determine manifest media type")
}

func (ms *manifestStore) Put(ctx context.Context, manifest distribution.Manifest, options ...distribution.ManifestServiceOption) (digest.Digest, error) {
	dcontext.GetLogger(ctx).Debug("(*manifestStore).Put")

	mediaType, payload, err := manifest.Payload()
	if err != nil {
		return "", err
	}

	if err := ms.verifyManifest(ctx, manifest); err != nil {
		return "", err
	}

	desc, err := ms.blobStore.Put(ctx, mediaType, payload)
	if err != nil {
		dcontext.GetLogger(ctx).Errorf("error putting payload into blobstore: %v", err)
		return "", err
	}

	for _, option := range options {
		if err := option.Apply(ms); err != nil {
			return "", err
		}
	}

	return desc.Digest, nil
}

func (ms *manifestStore) Delete(ctx context.Context, dgst digest.Digest) error {
	dcontext.GetLogger(ctx).Debug("(*manifestStore).Delete")
	return ms.blobStore.Delete(ctx, dgst)
}

// verifyManifest ensures that the manifest content is acceptable before it
// is admitted: every blob it references (layers, config) and every
// manifest it references (indexes, lists) must already exist in the
// repository unless skipDependencyVerification was set.
func (ms *manifestStore) verifyManifest(ctx context.Context, mnfst distribution.Manifest) error {
	if ms.skipDependencyVerification {
		return nil
	}

	var errs distribution.ErrManifestVerification

	for _, descriptor := range mnfst.References() {
		var missing bool
		var err error

		switch descriptor.MediaType {
		case v1.MediaTypeImageManifest, v1.MediaTypeImageIndex,
			"application/vnd.docker.distribution.manifest.v2+json",
			"application/vnd.docker.distribution.manifest.list.v2+json":
			exists, statErr := ms.Exists(ctx, descriptor.Digest)
			err = statErr
			missing = err == nil && !exists
		default:
			_, err = ms.repository.Blobs(ctx).Stat(ctx, descriptor.Digest)
			missing = err == distribution.ErrBlobUnknown
		}

		if err != nil && err != distribution.ErrBlobUnknown {
			errs = append(errs, err)
			continue
		}

		if missing {
			errs = append(errs, distribution.ErrManifestBlobUnknown{Digest: descriptor.Digest})
		}
	}

	if len(errs) != 0 {
		return errs
	}

	return nil
}
