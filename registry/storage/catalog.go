package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	distribution "github.com/trow-registry/trow"
	storagedriver "github.com/trow-registry/trow/registry/storage/driver"
)

// errStopReposWalk is used internally to halt a repository walk once the
// requested number of entries has been collected. It is never returned to
// a caller.
var errStopReposWalk = errors.New("stop repos walk")

var _ distribution.RepositoryEnumerator = &registry{}
var _ distribution.RepositoryRemover = &registry{}

// Repositories fills repos with a lexicographically sorted list of known
// repository names, starting after last, and returns the number filled.
// Returns io.EOF when no more entries remain.
func (reg *registry) Repositories(ctx context.Context, repos []string, last string) (n int, err error) {
	var finishedWalk bool
	var foundRepos []string

	if len(repos) == 0 {
		return -1, errors.New("no repos requested")
	}

	root, err := pathFor(repositoriesRootPathSpec{})
	if err != nil {
		return 0, err
	}

	err = reg.walkRepos(ctx, root, last, func(repoPath string) error {
		if len(foundRepos) == len(repos) {
			finishedWalk = true
			return errStopReposWalk
		}

		foundRepos = append(foundRepos, repoPath)
		return nil
	})

	n = copy(repos, foundRepos)

	if err != nil {
		return n, err
	} else if !finishedWalk {
		return n, io.EOF
	}

	return n, nil
}

// Enumerate applies ingester to every repository name known to the
// registry.
func (reg *registry) Enumerate(ctx context.Context, ingester func(string) error) error {
	root, err := pathFor(repositoriesRootPathSpec{})
	if err != nil {
		return err
	}

	return reg.walkRepos(ctx, root, "", ingester)
}

// Remove deletes every blob link, tag, and manifest revision belonging to
// the named repository.
func (reg *registry) Remove(ctx context.Context, name string) error {
	root, err := pathFor(repositoriesRootPathSpec{})
	if err != nil {
		return err
	}

	return reg.driver.Delete(ctx, path.Join(root, name))
}

func (reg *registry) walkRepos(ctx context.Context, root, last string, fn func(repoPath string) error) error {
	midFn := fn
	if last != "" {
		midFn = func(repoPath string) error {
			if repoPath != last {
				return fn(repoPath)
			}
			return nil
		}
	}

	err := reg.walkReposPath(ctx, root, root, last, midFn)
	if err == errStopReposWalk {
		return nil
	}
	return err
}

func (reg *registry) walkReposPath(ctx context.Context, root, lookPath, last string, fn func(repoPath string) error) error {
	children, err := reg.blobStore.driver.List(ctx, lookPath)
	if err != nil {
		return err
	}

	sort.Strings(children)

	if last != "" {
		splitLast := strings.Split(last, "/")

		if len(splitLast) > 1 {
			if err := reg.walkReposPath(ctx, root, lookPath+"/"+splitLast[0], strings.Join(splitLast[1:], "/"), fn); err != nil {
				return err
			}
		}

		n := sort.SearchStrings(children, lookPath+"/"+splitLast[0])
		if n == len(children) || children[n] != lookPath+"/"+splitLast[0] {
			return fmt.Errorf("%q repository not found", last)
		}

		if len(splitLast) > 1 {
			children = children[n+1:]
		} else {
			children = children[n:]
		}
	}

	for _, child := range children {
		_, file := path.Split(child)

		if file == "_manifests" {
			if err := fn(strings.TrimPrefix(lookPath, root+"/")); err != nil {
				if err == storagedriver.ErrSkipDir {
					break
				}
				return err
			}
		} else if !strings.HasPrefix(file, "_") {
			if err := reg.walkReposPath(ctx, root, child, "", fn); err != nil {
				return err
			}
		}
	}

	return nil
}
