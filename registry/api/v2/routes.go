package v2

import (
	"regexp"
	"strings"

	"github.com/gorilla/mux"

	"github.com/trow-registry/trow/reference"
)

// Route names used to identify a particular route in the muxer. These are
// also used to look up a route for building URLs via URLBuilder.
const (
	RouteNameBase                 = "base"
	RouteNameManifest             = "manifest"
	RouteNameTags                 = "tags"
	RouteNameBlob                 = "blob"
	RouteNameBlobUpload           = "blob-upload"
	RouteNameBlobUploadChunk      = "blob-upload-chunk"
	RouteNameCatalog              = "catalog"
	RouteNameExtensionsRegistry   = "extensions-registry"
	RouteNameExtensionsRepository = "extensions-repository"
)

// RepositoryNameRegexp matches the name component of any reference, such
// as the repository portion of a pull-through mirrored image name.
var RepositoryNameRegexp = reference.RepositoryNameRegexp

// TagNameRegexp matches valid tag names, as used in the manifest
// reference route.
var TagNameRegexp = reference.TagRegexp

// DigestRegexp matches valid content digests, as used in the manifest and
// blob reference routes.
var DigestRegexp = regexp.MustCompile(`[A-Za-z][A-Za-z0-9]*(?:[-_+.][A-Za-z][A-Za-z0-9]*)*:[0-9a-fA-F]{32,}`)

// Router builds the gorilla router for the registry's v2 API with no path
// prefix.
func Router() *mux.Router {
	return RouterWithPrefix("")
}

// RouterWithPrefix builds the gorilla router for the registry's v2 API,
// prefixing every route with the given string. An empty prefix behaves
// the same as Router.
func RouterWithPrefix(prefix string) *mux.Router {
	rootRouter := mux.NewRouter()
	if prefix != "" {
		rootRouter = rootRouter.PathPrefix(prefix).Subrouter()
	}
	router := rootRouter.StrictSlash(true)

	for _, descriptor := range routeDescriptors {
		router.Path(descriptor.Path).Name(descriptor.Name)
	}

	return router
}

// parseForwardedHeader extracts the host and protocol reported by an
// RFC7239 Forwarded header, which a registry sitting behind a pull-through
// caching proxy or load balancer may set instead of the legacy
// X-Forwarded-* headers.
func parseForwardedHeader(header string) (host, proto string, err error) {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		value := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch key {
		case "host":
			host = value
		case "proto":
			proto = value
		}
	}
	return host, proto, nil
}
