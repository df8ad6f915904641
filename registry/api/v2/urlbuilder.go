package v2

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
)

// URLBuilder creates registry API urls from a single base endpoint. It can
// be used to create urls for use in a registry client or server.
//
// All urls will be created from the given base, including the api version.
type URLBuilder struct {
	root         *url.URL
	router       *mux.Router
	relative     bool
}

// NewURLBuilder creates a URLBuilder with the provided root url object.
// Relative urls may be created instead if relative is true.
func NewURLBuilder(root *url.URL, relative bool) *URLBuilder {
	return &URLBuilder{
		root:     root,
		router:   Router(),
		relative: relative,
	}
}

// NewURLBuilderFromString workes identically to NewURLBuilder except it
// takes a string argument for the root, returning an error if it is not
// parsable.
func NewURLBuilderFromString(root string, relative bool) (*URLBuilder, error) {
	u, err := url.Parse(root)
	if err != nil {
		return nil, err
	}

	return NewURLBuilder(u, relative), nil
}

// NewURLBuilderFromRequest uses information from an http.Request to
// construct the root url, honoring the X-Forwarded-Proto, X-Forwarded-Host
// and Forwarded headers set by a reverse proxy in front of the registry.
func NewURLBuilderFromRequest(r *http.Request, relative bool) *URLBuilder {
	var scheme string

	forwardedProto := r.Header.Get("X-Forwarded-Proto")
	forwardedHost := r.Header.Get("X-Forwarded-Host")

	if forwarded := r.Header.Get("Forwarded"); forwarded != "" {
		if host, proto, err := parseForwardedHeader(forwarded); err == nil {
			if host != "" {
				forwardedHost = host
			}
			if proto != "" {
				forwardedProto = proto
			}
		}
	}

	switch {
	case forwardedProto != "":
		scheme = forwardedProto
	case r.TLS != nil:
		scheme = "https"
	case len(r.URL.Scheme) > 0:
		scheme = r.URL.Scheme
	default:
		scheme = "http"
	}

	host := r.Host
	if forwardedHost != "" {
		// the first entry is the one set by the proxy closest to the
		// client, which is the one we want.
		host = strings.TrimSpace(strings.Split(forwardedHost, ",")[0])
	}

	basePath := routeDescriptorsMap[RouteNameBase].Path

	requestPath := r.URL.Path
	index := strings.Index(requestPath, basePath)

	u := &url.URL{
		Scheme: scheme,
		Host:   host,
	}

	if index > 0 {
		// N.B. index+1 is important because we want to include the trailing /
		u.Path = requestPath[0 : index+1]
	}

	return NewURLBuilder(u, relative)
}

// BuildBaseURL constructs a base url for the API, typically just "/v2/".
func (ub *URLBuilder) BuildBaseURL() (string, error) {
	route := ub.cloneRoute(RouteNameBase)
	return route.url()
}

// BuildCatalogURL constructs a url to list the repository catalog.
func (ub *URLBuilder) BuildCatalogURL(values ...url.Values) (string, error) {
	route := ub.cloneRoute(RouteNameCatalog)
	return route.url(opts(values)...)
}

// BuildTagsURL constructs a url to list the tags in the named repository.
func (ub *URLBuilder) BuildTagsURL(name string) (string, error) {
	route := ub.cloneRoute(RouteNameTags)
	return route.url("name", name)
}

// BuildManifestURL constructs a url for the manifest identified by name and
// reference, where reference may be a tag or digest.
func (ub *URLBuilder) BuildManifestURL(name, reference string) (string, error) {
	route := ub.cloneRoute(RouteNameManifest)
	return route.url("name", name, "reference", reference)
}

// BuildBlobURL constructs the url for the blob identified by name and dgst.
func (ub *URLBuilder) BuildBlobURL(name string, dgst digest.Digest) (string, error) {
	route := ub.cloneRoute(RouteNameBlob)
	return route.url("name", name, "digest", dgst.String())
}

// BuildBlobUploadURL constructs a url to begin a blob upload in the
// repository identified by name.
func (ub *URLBuilder) BuildBlobUploadURL(name string, values ...url.Values) (string, error) {
	route := ub.cloneRoute(RouteNameBlobUpload)
	return route.url(append([]string{"name", name}, opts(values)...)...)
}

// BuildBlobUploadChunkURL constructs a url for the upload identified by
// uuid, including any url values.
func (ub *URLBuilder) BuildBlobUploadChunkURL(name, uuid string, values ...url.Values) (string, error) {
	route := ub.cloneRoute(RouteNameBlobUploadChunk)
	return route.url(append([]string{"name", name, "uuid", uuid}, opts(values)...)...)
}

// opts flattens a slice of url.Values into alternating key/value pairs
// understood by gorilla/mux's route.URL.
func opts(values []url.Values) []string {
	var flat []string
	for _, v := range values {
		for k, vs := range v {
			for _, val := range vs {
				flat = append(flat, k, val)
			}
		}
	}
	return flat
}

// clonedRoute is a pair of route and parameters that can be used to
// compute a URL, carrying a reference to the builder it was cloned from so
// relative-vs-absolute resolution can be applied consistently.
type clonedRoute struct {
	ub    *URLBuilder
	route *mux.Route
}

func (ub *URLBuilder) cloneRoute(name string) clonedRoute {
	route := new(mux.Route)
	*route = *ub.router.GetRoute(name)

	return clonedRoute{ub: ub, route: route}
}

func (cr clonedRoute) url(pairs ...string) (string, error) {
	routeURL, err := cr.route.URL(pairs...)
	if err != nil {
		return "", err
	}

	if cr.ub.relative {
		return routeURL.String(), nil
	}

	routeURL.Scheme = cr.ub.root.Scheme
	routeURL.Host = cr.ub.root.Host
	routeURL.Path = cr.ub.root.Path + routeURL.Path

	return routeURL.String(), nil
}
