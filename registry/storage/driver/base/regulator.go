package base

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	storagedriver "github.com/trow-registry/trow/registry/storage/driver"
)

type regulator struct {
	storagedriver.StorageDriver
	sync.Cond

	available uint64
}

// NewRegulator wraps the given driver and is used to regulate concurrent calls
// to the given storage driver to a maximum of the given limit. This is useful
// for storage drivers that would otherwise create an unbounded number of OS
// threads if allowed to be called unregulated.
func NewRegulator(driver storagedriver.StorageDriver, limit uint64) storagedriver.StorageDriver {
	return &regulator{
		StorageDriver: driver,
		Cond: sync.Cond{
			L: &sync.Mutex{},
		},
		available: limit,
	}
}

// GetLimitFromParameter takes an interface type and provides a uint64 limit from it.
// It returns an error if the value is invalid. If the value is below min, min is
// returned instead. If the value is nil, the provided default is returned.
func GetLimitFromParameter(param interface{}, min, def uint64) (uint64, error) {
	if param == nil {
		return def, nil
	}

	limit, ok := param.(uint64)
	if !ok {
		switch v := param.(type) {
		case int:
			limit = uint64(v)
		case string:
			parsed, err := strconv.ParseUint(v, 0, 64)
			if err != nil {
				return 0, fmt.Errorf("parameter must be an integer, '%v' invalid", param)
			}
			limit = parsed
		default:
			parsed, err := strconv.ParseUint(fmt.Sprint(param), 0, 64)
			if err != nil {
				return 0, fmt.Errorf("parameter must be an integer, '%v' invalid", param)
			}
			limit = parsed
		}
	}

	if limit < min {
		return min, nil
	}

	return limit, nil
}

func (r *regulator) condition() bool {
	return r.available > 0
}

func (r *regulator) enter() {
	r.L.Lock()
	defer r.L.Unlock()

	for !r.condition() {
		r.Wait()
	}

	r.available--
}

func (r *regulator) exit() {
	r.L.Lock()
	defer r.Signal()
	defer r.L.Unlock()

	r.available++
}

// Name returns the human-readable "name" of the driver, useful in error
// messages and logging. By convention, this will just be the registration
// name, but drivers may provide other information here.
func (r *regulator) Name() string {
	r.enter()
	defer r.exit()

	return r.StorageDriver.Name()
}

func (r *regulator) GetContent(ctx context.Context, path string) ([]byte, error) {
	r.enter()
	defer r.exit()

	return r.StorageDriver.GetContent(ctx, path)
}

func (r *regulator) PutContent(ctx context.Context, path string, content []byte) error {
	r.enter()
	defer r.exit()

	return r.StorageDriver.PutContent(ctx, path, content)
}

func (r *regulator) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	r.enter()
	defer r.exit()

	return r.StorageDriver.Reader(ctx, path, offset)
}

func (r *regulator) Writer(ctx context.Context, path string, append bool) (storagedriver.FileWriter, error) {
	r.enter()
	defer r.exit()

	return r.StorageDriver.Writer(ctx, path, append)
}

func (r *regulator) Stat(ctx context.Context, path string) (storagedriver.FileInfo, error) {
	r.enter()
	defer r.exit()

	return r.StorageDriver.Stat(ctx, path)
}

func (r *regulator) List(ctx context.Context, path string) ([]string, error) {
	r.enter()
	defer r.exit()

	return r.StorageDriver.List(ctx, path)
}

func (r *regulator) Move(ctx context.Context, sourcePath string, destPath string) error {
	r.enter()
	defer r.exit()

	return r.StorageDriver.Move(ctx, sourcePath, destPath)
}

func (r *regulator) Delete(ctx context.Context, path string) error {
	r.enter()
	defer r.exit()

	return r.StorageDriver.Delete(ctx, path)
}

func (r *regulator) RedirectURL(req *http.Request, path string) (string, error) {
	r.enter()
	defer r.exit()

	return r.StorageDriver.RedirectURL(req, path)
}

func (r *regulator) Walk(ctx context.Context, path string, f storagedriver.WalkFn, options ...func(*storagedriver.WalkOptions)) error {
	r.enter()
	defer r.exit()

	return r.StorageDriver.Walk(ctx, path, f, options...)
}
