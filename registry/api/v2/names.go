package v2

import (
	"errors"
	"fmt"

	"github.com/trow-registry/trow/reference"
)

// ErrRepositoryNameEmpty is returned for empty, invalid repository names.
var ErrRepositoryNameEmpty = errors.New("repository name must have at least one component")

// ErrRepositoryNameLong is returned when a repository name is longer than
// RepositoryNameTotalLengthMax.
var ErrRepositoryNameLong = fmt.Errorf("repository name must not be more than %v characters", reference.RepositoryNameTotalLengthMax)

// ErrRepositoryNameComponentInvalid is returned when a repository name
// component fails validation against RepositoryNameComponentRegexp.
var ErrRepositoryNameComponentInvalid = fmt.Errorf("repository name component must match %q", reference.RepositoryNameComponentRegexp.String())

// ValidateRepositoryName ensures the repository name is valid for use in
// the registry: the whole name must match RepositoryNameRegexp (an
// optional hostname and port, then slash-separated components) and be at
// most RepositoryNameTotalLengthMax characters long.
func ValidateRepositoryName(name string) error {
	if name == "" {
		return ErrRepositoryNameEmpty
	}

	if len(name) > reference.RepositoryNameTotalLengthMax {
		return ErrRepositoryNameLong
	}

	if RepositoryNameRegexp.FindString(name) != name {
		return ErrRepositoryNameComponentInvalid
	}

	return nil
}
