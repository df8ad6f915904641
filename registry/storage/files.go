package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	storagedriver "github.com/trow-registry/trow/registry/storage/driver"
)

// zeroTime is used as the synthetic modification time passed to
// http.ServeContent, which only uses it to evaluate conditional requests;
// blobs are immutable and content-addressed so there is nothing meaningful
// to report.
var zeroTime time.Time

// newFileWriter opens a FileWriter at path, truncating any existing
// content. It is a thin convenience wrapper kept so call sites in this
// package don't have to repeat the append=false argument.
func newFileWriter(ctx context.Context, driver storagedriver.StorageDriver, path string) (storagedriver.FileWriter, error) {
	return driver.Writer(ctx, path, false)
}

// fileReader adapts a storage driver's offset-based Reader into an
// io.ReadSeekCloser, re-opening the underlying stream on Seek since most
// backends (S3, Azure, GCS-style object stores) don't expose a native seek
// primitive, only ranged reads.
type fileReader struct {
	ctx    context.Context
	driver storagedriver.StorageDriver
	path   string
	size   int64

	offset int64
	rc     io.ReadCloser
}

func newFileReader(ctx context.Context, driver storagedriver.StorageDriver, path string, size int64) (io.ReadSeekCloser, error) {
	return &fileReader{
		ctx:    ctx,
		driver: driver,
		path:   path,
		size:   size,
	}, nil
}

func (fr *fileReader) Read(p []byte) (int, error) {
	if fr.rc == nil {
		rc, err := fr.driver.Reader(fr.ctx, fr.path, fr.offset)
		if err != nil {
			return 0, err
		}
		fr.rc = rc
	}

	n, err := fr.rc.Read(p)
	fr.offset += int64(n)
	return n, err
}

func (fr *fileReader) Seek(offset int64, whence int) (int64, error) {
	var newOffset int64

	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = fr.offset + offset
	case io.SeekEnd:
		newOffset = fr.size + offset
	default:
		return 0, fmt.Errorf("invalid whence value: %d", whence)
	}

	if newOffset < 0 {
		return 0, fmt.Errorf("cannot seek to negative offset %d", newOffset)
	}

	if newOffset != fr.offset && fr.rc != nil {
		if err := fr.rc.Close(); err != nil {
			return 0, err
		}
		fr.rc = nil
	}

	fr.offset = newOffset
	return fr.offset, nil
}

func (fr *fileReader) Close() error {
	if fr.rc == nil {
		return nil
	}
	return fr.rc.Close()
}
