// Package admission implements the registry's Kubernetes admission webhook:
// an image policy check (/validate-image) and a pull-through proxy rewrite
// (/mutate-image), both operating on the container and init-container
// images of an admitted Pod.
package admission

import (
	"strings"

	"github.com/trow-registry/trow/configuration"
	"github.com/trow-registry/trow/internal/ociref"
)

// checkResult is the outcome of evaluating one image reference against a
// ImageValidation policy.
type checkResult struct {
	allowed bool
	reason  string
}

// checkImageAllowed applies policy to rawImageRef: the longest matching
// prefix among policy.Allow and policy.Deny wins; ties prefer Deny; if
// nothing matches, policy.Default applies. An unparsable reference is
// always denied.
func checkImageAllowed(rawImageRef string, policy configuration.ImageValidation) checkResult {
	ref, err := ociref.Parse(rawImageRef)
	if err != nil {
		return checkResult{allowed: false, reason: "invalid image reference"}
	}
	imageRef := ref.Host + "/" + ref.Repo

	allowed := strings.EqualFold(policy.Default, "Allow")
	matchLen := 0
	reason := "image did not match any allow/deny rule, using default policy"

	for _, m := range policy.Deny {
		if len(m) > matchLen && strings.HasPrefix(imageRef, m) {
			allowed = false
			matchLen = len(m)
			reason = "image explicitly denied"
		}
	}
	for _, m := range policy.Allow {
		if len(m) > matchLen && strings.HasPrefix(imageRef, m) {
			allowed = true
			matchLen = len(m)
			reason = "image explicitly allowed"
		}
	}

	return checkResult{allowed: allowed, reason: reason}
}

// rewrittenImage reports the local f/<alias>/<repo> form of rawImageRef
// under the first configured proxy upstream whose host matches, and
// whether a rewrite applies at all.
func rewrittenImage(rawImageRef, localHost string, proxies []configuration.ProxyUpstream) (string, bool) {
	ref, err := ociref.Parse(rawImageRef)
	if err != nil {
		return "", false
	}

	for _, p := range proxies {
		if ref.Host != normalizeHost(p.Host) {
			continue
		}

		local := ociref.Reference{
			Scheme: ref.Scheme,
			Host:   localHost,
			Repo:   ociref.ProxyRepo(p.Alias, ref.Repo),
			Tag:    ref.Tag,
			Digest: ref.Digest,
		}
		return local.Host + "/" + local.Repo + refSuffix(local), true
	}

	return "", false
}

// normalizeHost applies ociref.Parse's docker.io rewrite to a bare upstream
// host, so proxy config entries using "docker.io" match images resolved
// against "registry-1.docker.io".
func normalizeHost(host string) string {
	if host == "docker.io" || host == "index.docker.io" {
		return ociref.DefaultHost
	}
	return host
}

func refSuffix(r ociref.Reference) string {
	if r.Digest != "" {
		return "@" + r.Digest
	}
	if r.Tag != "" {
		return ":" + r.Tag
	}
	return ""
}
