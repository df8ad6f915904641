package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	distribution "github.com/trow-registry/trow"
	storagedriver "github.com/trow-registry/trow/registry/storage/driver"
)

var _ distribution.TagService = &tagStore{}

// tagStore provides methods to manage manifest tags in a backend storage
// driver. Only the digest field of the returned descriptor round-trips;
// size and media type are left to the manifest store.
type tagStore struct {
	repository       *repository
	blobStore        *blobStore
	concurrencyLimit int
}

// All returns every tag known for the repository.
func (ts *tagStore) All(ctx context.Context) ([]string, error) {
	root, err := pathFor(manifestTagsPathSpec{name: ts.repository.Named()})
	if err != nil {
		return nil, err
	}

	entries, err := ts.blobStore.driver.List(ctx, root)
	if err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return nil, distribution.ErrRepositoryUnknown{Name: ts.repository.Named()}
		default:
			return nil, err
		}
	}

	tags := make([]string, 0, len(entries))
	for _, entry := range entries {
		_, tag := path.Split(entry)
		tags = append(tags, tag)
	}

	sort.Strings(tags)
	return tags, nil
}

// Tag associates tag with desc, updating the store to point at the
// current revision and indexing the revision under the tag.
func (ts *tagStore) Tag(ctx context.Context, tag string, desc distribution.Descriptor) error {
	currentPath, err := pathFor(manifestTagCurrentPathSpec{name: ts.repository.Named(), tag: tag})
	if err != nil {
		return err
	}

	lbs := ts.linkedBlobStore(ctx, tag)
	if err := lbs.linkBlob(ctx, desc); err != nil {
		return err
	}

	return ts.blobStore.link(ctx, currentPath, desc.Digest)
}

// Get resolves the current digest for tag.
func (ts *tagStore) Get(ctx context.Context, tag string) (distribution.Descriptor, error) {
	currentPath, err := pathFor(manifestTagCurrentPathSpec{name: ts.repository.Named(), tag: tag})
	if err != nil {
		return distribution.Descriptor{}, err
	}

	revision, err := ts.blobStore.readlink(ctx, currentPath)
	if err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return distribution.Descriptor{}, distribution.ErrTagUnknown{Tag: tag}
		}
		return distribution.Descriptor{}, err
	}

	return distribution.Descriptor{Digest: revision}, nil
}

// Untag removes the tag's directory, its current link and its index
// entries, leaving the underlying manifest revision untouched.
func (ts *tagStore) Untag(ctx context.Context, tag string) error {
	tagPath, err := pathFor(manifestTagPathSpec{name: ts.repository.Named(), tag: tag})
	if err != nil {
		return err
	}

	return ts.blobStore.driver.Delete(ctx, tagPath)
}

// linkedBlobStore returns a linkedBlobStore scoped to tag's index
// directory, reusing the link management code that writer/manifest paths
// already exercise.
func (ts *tagStore) linkedBlobStore(ctx context.Context, tag string) *linkedBlobStore {
	return &linkedBlobStore{
		blobStore:  ts.blobStore,
		repository: ts.repository,
		ctx:        ctx,
		linkPathFns: []linkPathFunc{func(name string, dgst digest.Digest) (string, error) {
			return pathFor(manifestTagIndexEntryLinkPathSpec{name: name, tag: tag, revision: dgst})
		}},
	}
}

// Lookup returns the tags, if any, currently pointing at desc.
func (ts *tagStore) Lookup(ctx context.Context, desc distribution.Descriptor) ([]string, error) {
	allTags, err := ts.All(ctx)
	switch err.(type) {
	case distribution.ErrRepositoryUnknown:
		// not yet populated
	case nil:
	default:
		return nil, err
	}

	limit := ts.concurrencyLimit
	if limit <= 0 {
		limit = DefaultConcurrencyLimit
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var (
		tags []string
		mu   sync.Mutex
	)

	for _, tag := range allTags {
		if gctx.Err() != nil {
			break
		}
		tag := tag

		g.Go(func() error {
			currentPath, err := pathFor(manifestTagCurrentPathSpec{name: ts.repository.Named(), tag: tag})
			if err != nil {
				return err
			}

			tagDigest, err := ts.blobStore.readlink(gctx, currentPath)
			if err != nil {
				switch err.(type) {
				case storagedriver.PathNotFoundError:
					return nil
				}
				return err
			}

			if tagDigest == desc.Digest {
				mu.Lock()
				tags = append(tags, tag)
				mu.Unlock()
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return tags, nil
}

// ManifestDigests returns the set of manifest revisions indexed under tag.
func (ts *tagStore) ManifestDigests(ctx context.Context, tag string) ([]digest.Digest, error) {
	lbs := &linkedBlobStore{
		blobStore: ts.blobStore,
		blobAccessController: &linkedBlobStatter{
			blobStore:   ts.blobStore,
			repository:  ts.repository,
			linkPathFns: []linkPathFunc{manifestRevisionLinkPath},
		},
		repository: ts.repository,
		ctx:        ctx,
		linkPathFns: []linkPathFunc{func(name string, dgst digest.Digest) (string, error) {
			return pathFor(manifestTagIndexEntryLinkPathSpec{name: name, tag: tag, revision: dgst})
		}},
		linkDirectoryPathSpec: manifestTagIndexPathSpec{name: ts.repository.Named(), tag: tag},
	}

	var dgsts []digest.Digest
	err := lbs.Enumerate(ctx, func(dgst digest.Digest) error {
		dgsts = append(dgsts, dgst)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return dgsts, nil
}

// List returns up to limit tags lexicographically following last.
func (ts *tagStore) List(ctx context.Context, limit int, last string) ([]string, error) {
	if limit == 0 {
		return nil, errors.New("attempted to list 0 tags")
	}

	root, err := pathFor(manifestTagsPathSpec{name: ts.repository.Named()})
	if err != nil {
		return nil, err
	}

	startAfter := ""
	if last != "" {
		startAfter, err = pathFor(manifestTagPathSpec{name: ts.repository.Named(), tag: last})
		if err != nil {
			return nil, err
		}
	}

	var tags []string
	filledBuffer := false

	err = ts.blobStore.driver.Walk(ctx, root, func(fileInfo storagedriver.FileInfo) error {
		filePath := fileInfo.Path()
		tag := strings.TrimPrefix(filePath, root+"/")
		if strings.Contains(tag, "/") {
			return storagedriver.ErrSkipDir
		}

		if last == "" || tag > last {
			tags = append(tags, tag)
			if limit > 0 && len(tags) == limit {
				filledBuffer = true
				return storagedriver.ErrFilledBuffer
			}
		}

		return storagedriver.ErrSkipDir
	}, storagedriver.WithStartAfterHint(startAfter))

	if err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return tags, distribution.ErrRepositoryUnknown{Name: ts.repository.Named()}
		default:
			return tags, err
		}
	}

	if filledBuffer {
		return tags, nil
	}

	return tags, io.EOF
}
