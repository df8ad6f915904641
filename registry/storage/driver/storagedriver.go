// Package driver defines the interface a blob storage backend must
// implement in order to back the registry's blob store. Concrete
// implementations live in subpackages (filesystem, s3, azure,
// inmemory) and register themselves with the factory package.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Version is the version of the storagedriver package.
const Version = "2.0"

// StorageDriver defines methods that a Storage Driver must implement for
// a filesystem-like key/value object storage. Storage drivers are automatically
// registered via the factory package if they implement this interface.
//
// Implementations are expected to be reentrant and safe for use by
// multiple goroutines.
type StorageDriver interface {
	// Name returns the human-readable "name" of the driver, useful in
	// error or configuration messages.
	Name() string

	// GetContent retrieves the content stored at "path" as a []byte.
	GetContent(ctx context.Context, path string) ([]byte, error)

	// PutContent stores the []byte content at a location designated by
	// "path". The driver is responsible for creating any missing
	// parent directories and overwriting any existing content.
	PutContent(ctx context.Context, path string, content []byte) error

	// Reader retrieves an io.ReadCloser for the content stored at
	// "path" with a given byte offset. May be used to resume reading a
	// stream by providing a nonzero offset.
	Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error)

	// Writer returns a FileWriter which is used to resume or append to
	// content at a given path. If append is false, the writer starts
	// at the beginning of the content, truncating any existing data.
	Writer(ctx context.Context, path string, append bool) (FileWriter, error)

	// Stat retrieves the FileInfo for the given path, including the
	// current size in bytes and the modification time.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// List returns a list of the objects that are direct descendants
	// of the given path.
	List(ctx context.Context, path string) ([]string, error)

	// Move moves an object stored at sourcePath to destPath, removing
	// the original object.
	Move(ctx context.Context, sourcePath string, destPath string) error

	// Delete recursively deletes all objects stored at "path" and its
	// subpaths.
	Delete(ctx context.Context, path string) error

	// RedirectURL returns a URL which may be used to retrieve the
	// content stored at the given path, to be used for a specific
	// request. Returning an empty string indicates that the request
	// should be fulfilled directly by the storage driver.
	RedirectURL(r *http.Request, path string) (string, error)

	// Walk traverses a filesystem defined within driver, starting from
	// the given path, calling f on each file and directory.
	Walk(ctx context.Context, path string, f WalkFn, options ...func(*WalkOptions)) error
}

// FileWriter provides an abstraction for an opened writable file-like
// object in the storage backend. The FileWriter must flush all content
// written to it on the call to Close, but is only required to make its
// content readable after a call to Commit.
type FileWriter interface {
	io.WriteCloser

	// Size returns the number of bytes written to this FileWriter.
	Size() int64

	// Cancel removes any written content from this FileWriter.
	Cancel(ctx context.Context) error

	// Commit flushes all content written to this FileWriter and makes
	// it available for future calls to StorageDriver.GetContent and
	// StorageDriver.Reader.
	Commit(ctx context.Context) error
}

// FileInfo returns information about a given path. Inspired by
// os.FileInfo, it elides the base name method.
type FileInfo interface {
	// Path provides the full path of the target of this file info.
	Path() string

	// Size returns current length in bytes of the file. The return
	// value can be used to write to the end of the file at path. The
	// value is meaningless if IsDir returns true.
	Size() int64

	// ModTime returns the modification time for the file. For
	// backends that don't have a modification time, the creation time
	// should be returned.
	ModTime() time.Time

	// IsDir returns true if the path is a directory.
	IsDir() bool
}

// FileInfoFields provides the exported fields for implementing
// FileInfo interface in storage backends that do not have a
// distinct file-system like representation of paths, such as S3 or
// Azure Blob Storage.
type FileInfoFields struct {
	// Path is the storage path of the target.
	Path string

	// Size is current length in bytes of the file. The value of this
	// field is meaningless if IsDir is true.
	Size int64

	// ModTime returns the modification time for the file. For
	// backends that don't have a modification time, it's acceptable
	// to return the zero value.
	ModTime time.Time

	// IsDir indicates whether the path is a directory.
	IsDir bool
}

// FileInfoInternal implements the FileInfo interface from a
// FileInfoFields struct.
type FileInfoInternal struct {
	FileInfoFields
}

var _ FileInfo = FileInfoInternal{}

func (fi FileInfoInternal) Path() string {
	return fi.FileInfoFields.Path
}

func (fi FileInfoInternal) Size() int64 {
	return fi.FileInfoFields.Size
}

func (fi FileInfoInternal) ModTime() time.Time {
	return fi.FileInfoFields.ModTime
}

func (fi FileInfoInternal) IsDir() bool {
	return fi.FileInfoFields.IsDir
}

// WalkOptions provides options to the Walk function, instantiated by
// WithStartAfterHint.
type WalkOptions struct {
	StartAfterHint string
}

// WithStartAfterHint configures Walk to start immediately after the
// given path when enumerating entries depth-first, allowing resumable
// walks over large trees.
func WithStartAfterHint(hint string) func(*WalkOptions) {
	return func(options *WalkOptions) {
		options.StartAfterHint = hint
	}
}

// PathRegexp is the regular expression which must be matched by a path
// to be valid.
var PathRegexp = regexp.MustCompile(`^(/[A-Za-z0-9._-]+)+$`)

// ErrUnsupportedMethod may be returned in the case where a storage
// driver does not support an optional method.
var ErrUnsupportedMethod = fmt.Errorf("unsupported method")

// PathNotFoundError is returned when operating on a nonexistent path.
type PathNotFoundError struct {
	Path       string
	DriverName string
}

func (err PathNotFoundError) Error() string {
	return fmt.Sprintf("%s: Path not found: %s", err.DriverName, err.Path)
}

// InvalidPathError is returned when the provided path is malformed.
type InvalidPathError struct {
	Path       string
	DriverName string
}

func (err InvalidPathError) Error() string {
	return fmt.Sprintf("%s: invalid path: %s", err.DriverName, err.Path)
}

// InvalidOffsetError is returned when attempting to read or write from
// an invalid offset.
type InvalidOffsetError struct {
	Path       string
	Offset     int64
	DriverName string
}

func (err InvalidOffsetError) Error() string {
	return fmt.Sprintf("%s: invalid offset: %d for path: %s", err.DriverName, err.Offset, err.Path)
}

// Error is a catch-all error type which captures an error string and
// the driver that produced it.
type Error struct {
	DriverName string
	Detail     error
}

func (err Error) Error() string {
	return fmt.Sprintf("%s: %s", err.DriverName, err.Detail)
}

// MarshalJSON implements json.Marshaler.
func (err Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		DriverName string `json:"driver"`
		Detail     string `json:"detail"`
	}{
		DriverName: err.DriverName,
		Detail:     err.Detail.Error(),
	})
}

// Errors is a slice of errors returned by a single storage driver
// operation, aggregated when more than one independent failure
// occurs (e.g. a fan-out delete).
type Errors struct {
	DriverName string
	Errs       []error
}

func (errs Errors) Error() string {
	switch len(errs.Errs) {
	case 0:
		return fmt.Sprintf("%s: <nil>", errs.DriverName)
	case 1:
		return fmt.Sprintf("%s: %s", errs.DriverName, errs.Errs[0])
	default:
		msg := fmt.Sprintf("%s: errors:\n", errs.DriverName)
		lines := make([]string, 0, len(errs.Errs))
		for _, e := range errs.Errs {
			lines = append(lines, e.Error())
		}
		return msg + strings.Join(lines, "\n") + "\n"
	}
}

// MarshalJSON implements json.Marshaler.
func (errs Errors) MarshalJSON() ([]byte, error) {
	details := make([]string, 0, len(errs.Errs))
	for _, e := range errs.Errs {
		details = append(details, e.Error())
	}
	return json.Marshal(struct {
		DriverName string   `json:"driver"`
		Details    []string `json:"details"`
	}{
		DriverName: errs.DriverName,
		Details:    details,
	})
}
