// Package ociref parses and normalises OCI/Docker image references the
// way the Docker engine does, with the host-default divergence Trow
// requires: an unqualified reference resolves against
// registry-1.docker.io, not docker.io.
package ociref

import "regexp"

// Grammar constants, grounded on the distribution project's reference
// regexp package. Kept deliberately bounded in size to avoid
// pathological regexp inputs.
const (
	alphanumeric = `[a-z0-9]+`
	separator    = `(?:[._]|__|[-]*)`

	domainComponent = `(?:[a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9])`
	ipv6address     = `\[(?:[a-fA-F0-9:]+)\]`

	tagPat    = `[\w][\w.-]{0,127}`
	digestPat = `[A-Za-z][A-Za-z0-9]*(?:[-_+.][A-Za-z][A-Za-z0-9]*)*[:][[:xdigit:]]{32,}`
)

func literal(s string) string {
	return regexp.QuoteMeta(s)
}

func group(res ...string) string {
	s := ""
	for _, re := range res {
		s += re
	}
	return `(?:` + s + `)`
}

func optional(res ...string) string {
	return group(res...) + `?`
}

func repeated(res ...string) string {
	return group(res...) + `+`
}

func capture(res ...string) string {
	s := ""
	for _, re := range res {
		s += re
	}
	return `(` + s + `)`
}

func anchored(res ...string) string {
	s := ""
	for _, re := range res {
		s += re
	}
	return `^` + s + `$`
}

var (
	domainName = group(domainComponent, optional(repeated(literal(`.`), domainComponent)))
	host       = group(domainName, "|", ipv6address)
	domainPat  = group(host, optional(literal(`:`), `[0-9]+`))

	nameComponent = group(alphanumeric, optional(repeated(separator, alphanumeric)))
	namePat       = group(optional(domainPat, literal(`/`)), nameComponent, optional(repeated(literal(`/`), nameComponent)))

	referencePat = anchored(capture(optional(capture(domainPat), literal(`/`)), capture(nameComponent, optional(repeated(literal(`/`), nameComponent)))), optional(literal(":"), capture(tagPat)), optional(literal("@"), capture(digestPat)))

	// ReferenceRegexp is anchored and captures: [1] full name, [2] domain
	// (may be empty), [3] path, [4] tag (may be empty), [5] digest (may
	// be empty).
	ReferenceRegexp = regexp.MustCompile(referencePat)

	// TagRegexp matches a bare tag string.
	TagRegexp = regexp.MustCompile(anchored(tagPat))

	// DigestRegexp matches a bare digest string, e.g. "sha256:<hex>".
	DigestRegexp = regexp.MustCompile(anchored(digestPat))
)
