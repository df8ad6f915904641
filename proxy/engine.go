// Package proxy implements the pull-through cache that serves reads
// against f/<alias>/<repo> repositories from an upstream registry on a
// local cache miss, storing what it fetches through the same storage
// and metadata index the rest of the registry uses.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/trow-registry/trow"
	"github.com/trow-registry/trow/configuration"
	"github.com/trow-registry/trow/internal/dcontext"
	"github.com/trow-registry/trow/internal/ociref"
	"github.com/trow-registry/trow/manifest/manifestlist"
	"github.com/trow-registry/trow/manifest/ocischema"
	"github.com/trow-registry/trow/metadata"
	digest "github.com/opencontainers/go-digest"
)

// Engine resolves reads against f/<alias>/<repo> by fetching from the
// named upstream when the content is not already cached locally.
type Engine struct {
	upstreams map[string]configuration.ProxyUpstream
	offline   bool

	local    distribution.Namespace
	metadata *metadata.DB

	client *Client
	tokens *tokenCache
}

// New builds an Engine from the registry's proxy configuration. local is
// the same distribution.Namespace the rest of the registry reads and
// writes through, so content the engine fetches is immediately visible
// to ordinary GET requests against f/<alias>/<repo>.
func New(config configuration.Proxy, local distribution.Namespace, db *metadata.DB) *Engine {
	upstreams := make(map[string]configuration.ProxyUpstream, len(config.Proxies)+1)
	for _, u := range config.Proxies {
		upstreams[u.Alias] = u
	}
	if config.RemoteURL != "" {
		if _, exists := upstreams[""]; !exists {
			upstreams[""] = configuration.ProxyUpstream{
				Host:     config.RemoteURL,
				Username: config.Username,
				Password: config.Password,
			}
		}
	}

	return &Engine{
		upstreams: upstreams,
		offline:   config.Offline,
		local:     local,
		metadata:  db,
		client:    NewClient(),
		tokens:    newTokenCache(config.TokenCacheRedisAddr),
	}
}

// Upstream returns the configured upstream for alias.
func (e *Engine) Upstream(alias string) (configuration.ProxyUpstream, bool) {
	u, ok := e.upstreams[alias]
	return u, ok
}

// repoAllowed reports whether repo is proxied under upstream (not listed
// in its ignore_repos).
func repoAllowed(upstream configuration.ProxyUpstream, repo string) bool {
	for _, ignored := range upstream.IgnoreRepos {
		if ignored == repo {
			return false
		}
	}
	return true
}

// GetManifest implements spec.md §4.6's read pipeline for
// GET /v2/f/<alias>/<repo>/manifests/<ref>.
func (e *Engine) GetManifest(ctx context.Context, alias, repo, ref string) (distribution.Manifest, digest.Digest, error) {
	upstream, ok := e.upstreams[alias]
	if !ok {
		return nil, "", ErrUnknownAlias
	}
	if !repoAllowed(upstream, repo) {
		return nil, "", ErrRepoIgnored
	}

	localRepoName := ociref.ProxyRepo(alias, repo)
	localRepo, err := e.local.Repository(ctx, localRepoName)
	if err != nil {
		return nil, "", err
	}
	manifests, err := localRepo.Manifests(ctx)
	if err != nil {
		return nil, "", err
	}
	tags := localRepo.Tags(ctx)

	remote, err := ociref.Parse(upstream.Host + "/" + repo)
	if err != nil {
		return nil, "", fmt.Errorf("proxy: invalid upstream repository %s/%s: %w", upstream.Host, repo, err)
	}
	if ociref.ValidateDigest(ref) {
		remote.Digest = ref
	} else {
		remote.Tag = ref
	}

	if e.offline {
		return e.localManifest(ctx, tags, manifests, ref)
	}

	upstreamDigest, err := e.headManifest(ctx, upstream, remote)
	if err != nil {
		dcontext.GetLogger(ctx).Warnf("proxy: HEAD %s failed, falling back to local cache: %v", remote, err)
		return e.localManifest(ctx, tags, manifests, ref)
	}

	if exists, _ := manifests.Exists(ctx, upstreamDigest); exists {
		if remote.Tag != "" {
			if err := e.bindTag(ctx, localRepoName, tags, remote.Tag, upstreamDigest); err != nil {
				return nil, "", err
			}
		}
		m, err := manifests.Get(ctx, upstreamDigest)
		if err == nil {
			_, payload, _ := m.Payload()
			manifestServed(len(payload), true)
		}
		return m, upstreamDigest, err
	}

	manifest, raw, mediaType, err := e.getManifestBytes(ctx, upstream, remote)
	if err != nil {
		return nil, "", err
	}
	manifestPulled(len(raw))
	manifestServed(len(raw), false)

	storedDigest, err := manifests.Put(ctx, manifest)
	if err != nil {
		return nil, "", err
	}

	if e.metadata != nil {
		if err := e.metadata.PutBlob(ctx, localRepoName, storedDigest.String(), int64(len(raw)), true); err != nil {
			dcontext.GetLogger(ctx).Errorf("proxy: recording manifest %s in metadata: %v", storedDigest, err)
		}
		if err := e.metadata.PutManifest(ctx, localRepoName, storedDigest.String(), string(raw), int64(len(raw)), nil); err != nil {
			dcontext.GetLogger(ctx).Errorf("proxy: recording manifest body %s in metadata: %v", storedDigest, err)
		}
	}

	if isManifestIndex(manifest) {
		// Multi-platform index: link the children for GC's sake but do
		// not fetch them yet. They are fetched lazily the next time a
		// specific platform's manifest digest is requested directly.
		for _, child := range manifest.References() {
			e.linkBlob(ctx, storedDigest, child.Digest)
		}
	} else {
		blobs := localRepo.Blobs(ctx)
		for _, child := range manifest.References() {
			if err := e.ensureBlob(ctx, localRepoName, blobs, upstream, remote, child); err != nil {
				return nil, "", fmt.Errorf("proxy: fetching %s: %w", child.Digest, err)
			}
			e.linkBlob(ctx, storedDigest, child.Digest)
		}
	}

	if remote.Tag != "" {
		if err := e.bindTag(ctx, localRepoName, tags, remote.Tag, storedDigest); err != nil {
			return nil, "", err
		}
	}

	_ = mediaType
	return manifest, storedDigest, nil
}

// GetBlob serves a blob under a proxy repository, fetching it from the
// upstream on a local cache miss. Used both for direct blob reads and
// for the lazy fetch of a multi-platform index's child manifests' own
// blobs.
func (e *Engine) GetBlob(ctx context.Context, alias, repo string, dgst digest.Digest) (distribution.Descriptor, io.ReadCloser, error) {
	upstream, ok := e.upstreams[alias]
	if !ok {
		return distribution.Descriptor{}, nil, ErrUnknownAlias
	}
	if !repoAllowed(upstream, repo) {
		return distribution.Descriptor{}, nil, ErrRepoIgnored
	}

	localRepoName := ociref.ProxyRepo(alias, repo)
	localRepo, err := e.local.Repository(ctx, localRepoName)
	if err != nil {
		return distribution.Descriptor{}, nil, err
	}
	blobs := localRepo.Blobs(ctx)

	if desc, err := blobs.Stat(ctx, dgst); err == nil {
		rc, err := blobs.Open(ctx, dgst)
		if err == nil {
			blobServed(desc.Size, true)
		}
		return desc, rc, err
	}

	if e.offline {
		return distribution.Descriptor{}, nil, ErrOffline
	}

	remote, err := ociref.Parse(upstream.Host + "/" + repo)
	if err != nil {
		return distribution.Descriptor{}, nil, err
	}
	remote.Digest = dgst.String()

	desc := distribution.Descriptor{Digest: dgst}
	if err := e.ensureBlob(ctx, localRepoName, blobs, upstream, remote, desc); err != nil {
		return distribution.Descriptor{}, nil, err
	}

	stored, err := blobs.Stat(ctx, dgst)
	if err != nil {
		return distribution.Descriptor{}, nil, err
	}
	rc, err := blobs.Open(ctx, dgst)
	if err == nil {
		blobPulled(stored.Size)
		blobServed(stored.Size, false)
	}
	return stored, rc, err
}

func (e *Engine) localManifest(ctx context.Context, tags distribution.TagService, manifests distribution.ManifestService, ref string) (distribution.Manifest, digest.Digest, error) {
	var dgst digest.Digest
	if ociref.ValidateDigest(ref) {
		dgst = digest.Digest(ref)
	} else {
		desc, err := tags.Get(ctx, ref)
		if err != nil {
			return nil, "", ErrOffline
		}
		dgst = desc.Digest
	}
	m, err := manifests.Get(ctx, dgst)
	if err != nil {
		return nil, "", ErrOffline
	}
	if _, payload, err := m.Payload(); err == nil {
		manifestServed(len(payload), true)
	}
	return m, dgst, nil
}

func (e *Engine) bindTag(ctx context.Context, localRepoName string, tags distribution.TagService, tag string, dgst digest.Digest) error {
	if err := tags.Tag(ctx, tag, distribution.Descriptor{Digest: dgst}); err != nil {
		return err
	}
	if e.metadata != nil {
		if err := e.metadata.PutTag(ctx, localRepoName, tag, dgst.String()); err != nil {
			dcontext.GetLogger(ctx).Errorf("proxy: recording tag %s in metadata: %v", tag, err)
		}
	}
	return nil
}

func (e *Engine) linkBlob(ctx context.Context, parent, child digest.Digest) {
	if e.metadata == nil {
		return
	}
	if err := e.metadata.LinkBlobs(ctx, parent.String(), child.String()); err != nil {
		dcontext.GetLogger(ctx).Errorf("proxy: linking %s -> %s in metadata: %v", parent, child, err)
	}
}

// ensureBlob fetches child into the local blob store if it is not
// already present, streaming the upstream response body directly into a
// scoped temporary file via the blob writer, exactly as client uploads
// do.
func (e *Engine) ensureBlob(ctx context.Context, localRepoName string, blobs distribution.BlobStore, upstream configuration.ProxyUpstream, remote ociref.Reference, child distribution.Descriptor) error {
	if _, err := blobs.Stat(ctx, child.Digest); err == nil {
		return nil
	}

	blobRemote := remote
	blobRemote.Tag = ""
	blobRemote.Digest = child.Digest.String()

	resp, err := e.authedRequest(ctx, upstream, http.MethodGet, blobURL(blobRemote))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream blob fetch returned %s", resp.Status)
	}

	writer, err := blobs.Writer(ctx)
	if err != nil {
		return err
	}
	defer writer.Close()

	if _, err := writer.ReadFrom(resp.Body); err != nil {
		writer.Cancel(ctx)
		return err
	}

	desc, err := writer.Commit(ctx, distribution.Descriptor{Digest: child.Digest, Size: child.Size, MediaType: child.MediaType})
	if err != nil {
		return err
	}

	if e.metadata != nil {
		if err := e.metadata.PutBlob(ctx, localRepoName, desc.Digest.String(), desc.Size, false); err != nil {
			dcontext.GetLogger(ctx).Errorf("proxy: recording blob %s in metadata: %v", desc.Digest, err)
		}
	}
	return nil
}

// headManifest issues an authenticated HEAD against the upstream
// manifest endpoint and returns the digest it reports.
func (e *Engine) headManifest(ctx context.Context, upstream configuration.ProxyUpstream, remote ociref.Reference) (digest.Digest, error) {
	resp, err := e.authedRequest(ctx, upstream, http.MethodHead, manifestURL(remote))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upstream HEAD manifest returned %s", resp.Status)
	}

	dgst := resp.Header.Get("Docker-Content-Digest")
	if dgst == "" {
		return "", fmt.Errorf("upstream did not return a Docker-Content-Digest header")
	}
	return digest.Parse(dgst)
}

// getManifestBytes fetches and unmarshals the manifest body.
func (e *Engine) getManifestBytes(ctx context.Context, upstream configuration.ProxyUpstream, remote ociref.Reference) (distribution.Manifest, []byte, string, error) {
	resp, err := e.authedRequest(ctx, upstream, http.MethodGet, manifestURL(remote))
	if err != nil {
		return nil, nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, "", fmt.Errorf("upstream GET manifest returned %s", resp.Status)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, "", err
	}

	mediaType := resp.Header.Get("Content-Type")
	manifest, _, err := distribution.UnmarshalManifest(mediaType, raw)
	if err != nil {
		return nil, nil, "", err
	}
	return manifest, raw, mediaType, nil
}

// authedRequest issues method against target, attaching a cached bearer
// token if one exists. On a 401 it answers the WWW-Authenticate challenge
// (fetching and caching a Bearer token, or setting the configured Basic
// credentials, which are not cached) and retries once.
func (e *Engine) authedRequest(ctx context.Context, upstream configuration.ProxyUpstream, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", acceptHeader())

	cacheKey := tokenCacheKey(upstream.Host, target)
	if token, ok := e.tokens.get(ctx, cacheKey); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	ch, ok := parseChallenge(resp.Header.Get("WWW-Authenticate"))
	if !ok {
		return nil, fmt.Errorf("upstream returned 401 with no usable challenge")
	}

	retry, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	retry.Header.Set("Accept", acceptHeader())

	switch ch.scheme {
	case "Bearer":
		token, ttl, err := fetchBearerToken(ctx, e.client, ch, upstream.Username, upstream.Password)
		if err != nil {
			return nil, err
		}
		e.tokens.set(ctx, cacheKey, token, ttl)
		retry.Header.Set("Authorization", "Bearer "+token)
	case "Basic":
		if upstream.Username == "" {
			return nil, fmt.Errorf("upstream requires Basic auth but no credentials are configured")
		}
		retry.SetBasicAuth(upstream.Username, upstream.Password)
	default:
		return nil, fmt.Errorf("unsupported auth challenge scheme %q", ch.scheme)
	}

	return e.client.Do(ctx, retry)
}

func manifestURL(ref ociref.Reference) string {
	return fmt.Sprintf("%s://%s/v2/%s/manifests/%s", ref.Scheme, ref.Host, ref.Repo, ref.Ref())
}

func blobURL(ref ociref.Reference) string {
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", ref.Scheme, ref.Host, ref.Repo, ref.Digest)
}

func acceptHeader() string {
	return "application/vnd.oci.image.index.v1+json,application/vnd.oci.image.manifest.v1+json," +
		"application/vnd.docker.distribution.manifest.list.v2+json,application/vnd.docker.distribution.manifest.v2+json," +
		"application/vnd.docker.distribution.manifest.v1+json"
}

func isManifestIndex(m distribution.Manifest) bool {
	switch m.(type) {
	case *manifestlist.DeserializedManifestList, *ocischema.DeserializedImageIndex:
		return true
	default:
		return false
	}
}
