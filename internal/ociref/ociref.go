package ociref

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidReference is returned when a reference string does not
// match the grammar in regexp.go.
var ErrInvalidReference = errors.New("ociref: invalid reference format")

// DefaultHost is the upstream Trow resolves unqualified references
// against. This diverges from the Docker engine's own default
// ("docker.io") because Trow proxies the real v2 API endpoint
// directly rather than the legacy index host.
const DefaultHost = "registry-1.docker.io"

const legacyDockerHost = "docker.io"
const defaultRepoPrefix = "library/"
const defaultTag = "latest"

// Reference is a fully parsed, normalised image reference.
type Reference struct {
	// Scheme is "http" or "https"; defaults to "https".
	Scheme string
	// Host is the registry host, normalised (docker.io rewritten to
	// registry-1.docker.io, unqualified references default here too).
	Host string
	// Repo is the `/`-separated repository path, lowercase.
	Repo string
	// Tag is set when the reference names a tag. Mutually exclusive
	// with Digest.
	Tag string
	// Digest is set when the reference names a digest.
	Digest string
}

// HasDigest reports whether the reference names a digest rather than
// (or in addition to, once resolved) a tag.
func (r Reference) HasDigest() bool { return r.Digest != "" }

// Ref returns the tag or digest component, whichever is set, for
// building the `/manifests/<ref>` URL path segment.
func (r Reference) Ref() string {
	if r.Digest != "" {
		return r.Digest
	}
	return r.Tag
}

// String renders the reference back to canonical "host/repo:tag" or
// "host/repo@digest" form.
func (r Reference) String() string {
	s := r.Host + "/" + r.Repo
	if r.Digest != "" {
		return s + "@" + r.Digest
	}
	if r.Tag != "" {
		return s + ":" + r.Tag
	}
	return s
}

// Parse parses s into a normalised Reference. An unqualified name
// (no host component) defaults to DefaultHost and, when it has no
// `/`, is canonicalised to "library/<name>" exactly as the Docker
// engine does for docker.io. A reference with neither tag nor digest
// defaults its tag to "latest".
func Parse(s string) (Reference, error) {
	scheme := "https"
	if strings.HasPrefix(s, "http://") {
		scheme = "http"
		s = strings.TrimPrefix(s, "http://")
	} else if strings.HasPrefix(s, "https://") {
		s = strings.TrimPrefix(s, "https://")
	}

	m := ReferenceRegexp.FindStringSubmatch(s)
	if m == nil {
		return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, s)
	}
	domain, repo, tag, dgst := m[2], m[3], m[4], m[5]

	host, repo := normalizeDomain(domain, repo)

	if strings.ToLower(repo) != repo {
		return Reference{}, fmt.Errorf("%w: repository name must be lowercase: %q", ErrInvalidReference, s)
	}

	if tag == "" && dgst == "" {
		tag = defaultTag
	}

	return Reference{
		Scheme: scheme,
		Host:   host,
		Repo:   repo,
		Tag:    tag,
		Digest: dgst,
	}, nil
}

// normalizeDomain applies the Docker engine's domain-defaulting rules,
// with registry-1.docker.io substituted for docker.io. The leading
// component counts as a host only when it contains "." or ":", is
// "localhost", or has an uppercase letter; otherwise it is part of the
// repository path.
func normalizeDomain(domain, repo string) (host, normalizedRepo string) {
	if domain != "" && !strings.ContainsAny(domain, ".:") && domain != "localhost" && strings.ToLower(domain) == domain {
		repo = domain + "/" + repo
		domain = ""
	}
	if domain == "" {
		domain = DefaultHost
	}
	if domain == legacyDockerHost || domain == "index.docker.io" {
		domain = DefaultHost
	}
	if domain == DefaultHost && !strings.ContainsRune(repo, '/') {
		repo = defaultRepoPrefix + repo
	}
	return domain, repo
}

// ValidateTag reports whether s is a syntactically valid tag string.
func ValidateTag(s string) bool { return TagRegexp.MatchString(s) }

// ValidateDigest reports whether s is a syntactically valid digest
// string (algorithm + hex, not cryptographically verified).
func ValidateDigest(s string) bool { return DigestRegexp.MatchString(s) }

// IsProxyRepo reports whether repo is a Trow proxy repo of the form
// "f/<alias>/<remote-repo>".
func IsProxyRepo(repo string) bool {
	return strings.HasPrefix(repo, "f/")
}

// SplitProxyRepo splits a proxy repo name "f/<alias>/<remote-repo>"
// into its alias and remote-repo parts. ok is false if repo is not a
// proxy repo.
func SplitProxyRepo(repo string) (alias, remote string, ok bool) {
	if !IsProxyRepo(repo) {
		return "", "", false
	}
	rest := strings.TrimPrefix(repo, "f/")
	i := strings.IndexRune(rest, '/')
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// ProxyRepo builds the local proxy repo name "f/<alias>/<remote-repo>".
func ProxyRepo(alias, remote string) string {
	return "f/" + alias + "/" + remote
}
