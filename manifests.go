package distribution

import (
	"context"
	"fmt"
	"mime"

	"github.com/opencontainers/go-digest"
)

// Manifest represents a registry object specifying a set of references and
// an optional target.
type Manifest interface {
	// References returns a list of objects which make up this manifest.
	// The references are strictly ordered from base to head. A reference
	// is anything which can be represented by a Descriptor.
	References() []Descriptor

	// Payload provides the serialized format of the manifest, in
	// addition to the media type.
	Payload() (mediaType string, payload []byte, err error)
}

// SubjectGetter is implemented by manifests that can carry a subject
// descriptor, such as OCI artifact manifests. Callers should type-assert a
// Manifest against this interface before looking for a subject.
type SubjectGetter interface {
	// Subject returns the descriptor of the manifest this one is an
	// attachment to, or nil if this manifest has no subject.
	Subject() *Descriptor
}

// ManifestBuilder creates a manifest allowing one to include dependencies.
// Instances can be obtained from a version-specific manifest package.
// Manifest-specific data is passed into the function which creates the
// builder.
type ManifestBuilder interface {
	// Build creates the manifest from this builder.
	Build(ctx context.Context) (Manifest, error)

	// References returns the references added to this builder so far, in
	// the order they were added.
	References() []Descriptor

	// AppendReference includes the given object in the manifest after
	// any existing dependencies. If the add fails, such as when adding
	// an unsupported dependency, an error may be returned.
	AppendReference(dependency Describable) error
}

// ManifestService describes operations on image manifests.
type ManifestService interface {
	// Exists returns true if the manifest exists.
	Exists(ctx context.Context, dgst digest.Digest) (bool, error)

	// Get retrieves the manifest specified by the given digest.
	Get(ctx context.Context, dgst digest.Digest, options ...ManifestServiceOption) (Manifest, error)

	// Put creates or updates the given manifest returning the manifest
	// digest.
	Put(ctx context.Context, manifest Manifest, options ...ManifestServiceOption) (digest.Digest, error)

	// Delete removes the manifest specified by the given digest.
	// Deleting a manifest that doesn't exist will return
	// ErrManifestUnknownRevision.
	Delete(ctx context.Context, dgst digest.Digest) error
}

// ManifestEnumerator enables iterating over manifests.
type ManifestEnumerator interface {
	// Enumerate calls ingestor for each manifest known to the
	// implementation. It terminates if ingestor returns an error.
	Enumerate(ctx context.Context, ingestor func(digest.Digest) error) error
}

// ManifestServiceOption is a function argument for Manifest Service Get and
// Put methods.
type ManifestServiceOption interface {
	Apply(ManifestService) error
}

// WithTag allows a tag to be specified on manifest put and get operations.
func WithTag(tag string) ManifestServiceOption {
	return withTag{tag}
}

type withTag struct {
	tag string
}

func (o withTag) Apply(m ManifestService) error {
	return nil
}

// Tag returns the tag, if any, carried by the given options.
func (o withTag) Tag() string {
	return o.tag
}

// WithManifestMediaTypes allows a list of acceptable media types to be
// specified on manifest get operations.
func WithManifestMediaTypes(mediaTypes []string) ManifestServiceOption {
	return withManifestMediaTypes{mediaTypes}
}

type withManifestMediaTypes struct {
	mediaTypes []string
}

func (o withManifestMediaTypes) Apply(m ManifestService) error {
	return nil
}

// MediaTypes returns the media types carried by the given option.
func (o withManifestMediaTypes) MediaTypes() []string {
	return o.mediaTypes
}

// UnmarshalFunc implements manifest unmarshalling for a given media type.
type UnmarshalFunc func(b []byte) (Manifest, Descriptor, error)

var mappings = make(map[string]UnmarshalFunc)

// UnmarshalManifest looks up manifest unmarshal functions based on
// MediaType.
func UnmarshalManifest(ctHeader string, p []byte) (Manifest, Descriptor, error) {
	mediaType, _, err := mime.ParseMediaType(ctHeader)
	if err != nil {
		mediaType = ctHeader
	}

	unmarshalFunc, ok := mappings[mediaType]
	if !ok {
		unmarshalFunc, ok = mappings[""]
		if !ok {
			return nil, Descriptor{}, fmt.Errorf("unsupported manifest media type and no default available: %s", mediaType)
		}
	}

	return unmarshalFunc(p)
}

// RegisterManifestSchema registers an UnmarshalFunc for a given media type.
// This should be called from specific manifest packages on init to
// register the supported manifest media types.
func RegisterManifestSchema(mediaType string, u UnmarshalFunc) error {
	if _, ok := mappings[mediaType]; ok {
		return fmt.Errorf("manifest media type registration would overwrite existing entry: %q", mediaType)
	}
	mappings[mediaType] = u
	return nil
}

// ManifestMediaTypeSupported returns true if the given media type is
// registered as a supported manifest format.
func ManifestMediaTypeSupported(mediaType string) bool {
	_, ok := mappings[mediaType]
	return ok
}
