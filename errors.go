package distribution

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ErrBlobUnknown is returned when a blob is not found in a BlobStatter or
// BlobProvider.
var ErrBlobUnknown = errors.New("blob unknown to registry")

// ErrBlobInvalidLength is returned when a blob upload is shorter or longer
// than the provisional length.
var ErrBlobInvalidLength = errors.New("blob invalid length")

// ErrBlobInvalidDigest is returned when a blob fails the digest check on
// commit.
type ErrBlobInvalidDigest struct {
	Digest digest.Digest
	Reason error
}

func (err ErrBlobInvalidDigest) Error() string {
	return fmt.Sprintf("invalid digest for referenced layer: %v, %v", err.Digest, err.Reason)
}

// ErrBlobUploadUnknown is returned when an upload is not known.
var ErrBlobUploadUnknown = errors.New("blob upload unknown")

// ErrBlobUploadInvalid is returned when an upload is invalid.
var ErrBlobUploadInvalid = errors.New("blob upload invalid")

// ErrBlobMounted is returned when a blob is mounted from another repository
// instead of being uploaded.
type ErrBlobMounted struct {
	From       Descriptor
	Descriptor Descriptor
}

func (err ErrBlobMounted) Error() string {
	return fmt.Sprintf("blob mounted from: %v to: %v", err.From, err.Descriptor)
}

// ErrManifestNotModified is returned when a conditional manifest Get is
// satisfied by the caller's cached copy.
var ErrManifestNotModified = errors.New("manifest not modified")

// ErrManifestUnknown is returned if the manifest is not known by the
// registry.
type ErrManifestUnknown struct {
	Name string
	Tag  string
}

func (err ErrManifestUnknown) Error() string {
	return fmt.Sprintf("unknown manifest name=%s tag=%s", err.Name, err.Tag)
}

// ErrManifestUnknownRevision is returned when a manifest cannot be found by
// digest within a repository.
type ErrManifestUnknownRevision struct {
	Name     string
	Revision digest.Digest
}

func (err ErrManifestUnknownRevision) Error() string {
	return fmt.Sprintf("unknown manifest name=%s revision=%s", err.Name, err.Revision)
}

// ErrManifestUnverified is returned when the registry is unable to verify
// the manifest.
type ErrManifestUnverified struct{}

func (ErrManifestUnverified) Error() string {
	return "unverified manifest"
}

// ErrManifestVerification collects errors encountered while verifying a
// manifest.
type ErrManifestVerification []error

func (errs ErrManifestVerification) Error() string {
	msg := "errors verifying manifest:"
	for _, err := range errs {
		msg += "\n" + err.Error()
	}
	return msg
}

// ErrManifestBlobUnknown is returned when a referenced blob cannot be
// found while validating a manifest.
type ErrManifestBlobUnknown struct {
	Digest digest.Digest
}

func (err ErrManifestBlobUnknown) Error() string {
	return fmt.Sprintf("unknown blob %v on manifest", err.Digest)
}

// ErrManifestNameInvalid is returned when a manifest has an invalid name.
type ErrManifestNameInvalid struct {
	Name   string
	Reason error
}

func (err ErrManifestNameInvalid) Error() string {
	return fmt.Sprintf("manifest name %q invalid: %v", err.Name, err.Reason)
}

// ErrRepositoryUnknown is returned if the named repository is not known by
// the registry.
type ErrRepositoryUnknown struct {
	Name string
}

func (err ErrRepositoryUnknown) Error() string {
	return fmt.Sprintf("unknown repository name=%s", err.Name)
}

// ErrRepositoryNameInvalid should be used to denote an invalid repository
// name. Reason may be set, indicating the cause of invalidity.
type ErrRepositoryNameInvalid struct {
	Name   string
	Reason error
}

func (err ErrRepositoryNameInvalid) Error() string {
	return fmt.Sprintf("repository name %q invalid: %v", err.Name, err.Reason)
}

// ErrTagUnknown is returned if a tag is not known to the repository.
type ErrTagUnknown struct {
	Tag string
}

func (err ErrTagUnknown) Error() string {
	return fmt.Sprintf("unknown tag=%s", err.Tag)
}

// ErrAccessDenied is returned when an operation is not allowed under a
// given authorization context.
var ErrAccessDenied = errors.New("access denied")

// ErrUnsupported is returned when an unimplemented or unsupported action
// is performed.
var ErrUnsupported = errors.New("operation unsupported")

// ErrToken is returned when a proxy pull through a remote registry fails
// to authenticate against that registry.
type ErrToken struct {
	Realm string
	Err   error
}

func (err ErrToken) Error() string {
	return fmt.Sprintf("failed to authenticate against %s: %v", err.Realm, err.Err)
}

func (err ErrToken) Unwrap() error {
	return err.Err
}
