package v2

import (
	"net/http"

	"github.com/trow-registry/trow/registry/api/errcode"
)

var (
	nameParameterDescriptor = ParameterDescriptor{
		Name:        "name",
		Type:        "string",
		Format:      RepositoryNameRegexp.String(),
		Required:    true,
		Description: "Name of the target repository.",
	}

	referenceParameterDescriptor = ParameterDescriptor{
		Name:        "reference",
		Type:        "string",
		Format:      TagNameRegexp.String(),
		Required:    true,
		Description: "Tag or digest of the target manifest.",
	}

	digestPathParameter = ParameterDescriptor{
		Name:        "digest",
		Type:        "path",
		Required:    true,
		Format:      DigestRegexp.String(),
		Description: "Digest of desired blob.",
	}

	uuidParameter = ParameterDescriptor{
		Name:        "uuid",
		Type:        "opaque",
		Required:    true,
		Description: "A uuid identifying the upload. This field can accept characters that would need to be escaped.",
	}

	contentLengthZeroHeader = ParameterDescriptor{
		Name:        "Content-Length",
		Type:        "integer",
		Format:      "0",
		Required:    true,
	}

	authChallengeHeader = ParameterDescriptor{
		Name:        "WWW-Authenticate",
		Type:        "string",
		Format:      `Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:samalba/my-app:pull,push"`,
		Description: "An RFC7235 compliant authentication challenge header.",
	}
)

// ParameterDescriptor describes the format of a request parameter, which
// may appear as a path component, query parameter or request header.
type ParameterDescriptor struct {
	Name        string
	Type        string
	Description string
	Required    bool
	Format      string
}

// ResponseDescriptor describes the components of an API response.
type ResponseDescriptor struct {
	Name        string
	Description string
	StatusCode  int
	Headers     []ParameterDescriptor
	ErrorCodes  []errcode.ErrorCode
}

// MethodDescriptor describes the requirements of a particular HTTP method
// against a route.
type MethodDescriptor struct {
	Method      string
	Description string
	Requires    []ParameterDescriptor
	Responses   []ResponseDescriptor
}

// RouteDescriptor describes a route, by name, and the methods available on
// that route.
type RouteDescriptor struct {
	Name    string
	Path    string
	Entity  string
	Methods []MethodDescriptor
}

// APIDescriptor exposes the full description of the registry API.
var APIDescriptor = struct {
	RouteDescriptors []RouteDescriptor
}{
	RouteDescriptors: routeDescriptors,
}

var routeDescriptors = []RouteDescriptor{
	{
		Name:   RouteNameBase,
		Path:   "/v2/",
		Entity: "Base",
		Methods: []MethodDescriptor{
			{
				Method:      http.MethodGet,
				Description: "Check that the endpoint implements Docker Registry API V2.",
				Responses: []ResponseDescriptor{
					{
						Description: "The API implements V2 protocol and is accessible.",
						StatusCode:  http.StatusOK,
					},
					{
						Description: "The client is not authorized to access the registry.",
						StatusCode:  http.StatusUnauthorized,
						Headers:     []ParameterDescriptor{authChallengeHeader},
					},
				},
			},
		},
	},
	{
		Name:   RouteNameTags,
		Path:   "/v2/{name:" + RepositoryNameRegexp.String() + "}/tags/list",
		Entity: "Tags",
		Methods: []MethodDescriptor{
			{
				Method:      http.MethodGet,
				Description: "Fetch the tags under the repository identified by name.",
				Requires:    []ParameterDescriptor{nameParameterDescriptor},
				Responses: []ResponseDescriptor{
					{
						Description: "A list of tags for the named repository.",
						StatusCode:  http.StatusOK,
					},
				},
			},
		},
	},
	{
		Name:   RouteNameManifest,
		Path:   "/v2/{name:" + RepositoryNameRegexp.String() + "}/manifests/{reference:" + TagNameRegexp.String() + "|" + DigestRegexp.String() + "}",
		Entity: "Manifest",
		Methods: []MethodDescriptor{
			{
				Method:      http.MethodGet,
				Description: "Fetch the manifest identified by name and reference where reference can be a tag or digest.",
				Requires:    []ParameterDescriptor{nameParameterDescriptor, referenceParameterDescriptor},
				Responses: []ResponseDescriptor{
					{Description: "The manifest identified by name and reference.", StatusCode: http.StatusOK},
				},
			},
			{
				Method:      http.MethodHead,
				Description: "Check for the existence of the manifest identified by name and reference.",
				Requires:    []ParameterDescriptor{nameParameterDescriptor, referenceParameterDescriptor},
			},
			{
				Method:      http.MethodPut,
				Description: "Put the manifest identified by name and reference where reference can be a tag or digest.",
				Requires:    []ParameterDescriptor{nameParameterDescriptor, referenceParameterDescriptor},
				Responses: []ResponseDescriptor{
					{Description: "The manifest has been accepted by the registry.", StatusCode: http.StatusCreated},
				},
			},
			{
				Method:      http.MethodDelete,
				Description: "Delete the manifest or tag identified by name and reference. A digest reference deletes the manifest and the tags pointing at it; a tag reference removes only that tag.",
				Requires:    []ParameterDescriptor{nameParameterDescriptor, referenceParameterDescriptor},
				Responses: []ResponseDescriptor{
					{Description: "The manifest was deleted.", StatusCode: http.StatusAccepted},
				},
			},
		},
	},
	{
		Name:   RouteNameBlob,
		Path:   "/v2/{name:" + RepositoryNameRegexp.String() + "}/blobs/{digest:" + DigestRegexp.String() + "}",
		Entity: "Blob",
		Methods: []MethodDescriptor{
			{
				Method:      http.MethodGet,
				Description: "Retrieve the blob from the registry identified by digest.",
				Requires:    []ParameterDescriptor{nameParameterDescriptor, digestPathParameter},
				Responses: []ResponseDescriptor{
					{Description: "The blob identified by digest.", StatusCode: http.StatusOK},
				},
			},
			{
				Method:      http.MethodHead,
				Description: "Check if the blob identified by digest exists, without the response body.",
				Requires:    []ParameterDescriptor{nameParameterDescriptor, digestPathParameter},
			},
			{
				Method:      http.MethodDelete,
				Description: "Delete the blob identified by name and digest.",
				Requires:    []ParameterDescriptor{nameParameterDescriptor, digestPathParameter},
				Responses: []ResponseDescriptor{
					{Description: "The blob was deleted.", StatusCode: http.StatusAccepted},
				},
			},
		},
	},
	{
		Name:   RouteNameBlobUpload,
		Path:   "/v2/{name:" + RepositoryNameRegexp.String() + "}/blobs/uploads/",
		Entity: "Initiate Blob Upload",
		Methods: []MethodDescriptor{
			{
				Method:      http.MethodPost,
				Description: "Initiate a resumable blob upload. If successful, an upload location will be provided to complete the upload. Optionally, if the digest parameter is present, the request body will be used to complete the upload in a single request.",
				Requires:    []ParameterDescriptor{nameParameterDescriptor},
				Responses: []ResponseDescriptor{
					{Description: "Upload initiated; follow the Location header.", StatusCode: http.StatusAccepted},
					{Description: "The blob was mounted or created in a single request.", StatusCode: http.StatusCreated},
				},
			},
		},
	},
	{
		Name:   RouteNameBlobUploadChunk,
		Path:   "/v2/{name:" + RepositoryNameRegexp.String() + "}/blobs/uploads/{uuid:[a-zA-Z0-9-_.=]+}",
		Entity: "Blob Upload",
		Methods: []MethodDescriptor{
			{
				Method:      http.MethodGet,
				Description: "Retrieve status of upload identified by uuid.",
				Requires:    []ParameterDescriptor{nameParameterDescriptor, uuidParameter},
			},
			{
				Method:      http.MethodPatch,
				Description: "Upload a chunk of data for the specified upload.",
				Requires:    []ParameterDescriptor{nameParameterDescriptor, uuidParameter},
			},
			{
				Method:      http.MethodPut,
				Description: "Complete the upload specified by uuid, optionally appending the body as the final chunk.",
				Requires:    []ParameterDescriptor{nameParameterDescriptor, uuidParameter},
				Responses: []ResponseDescriptor{
					{Description: "The blob has been created in the registry.", StatusCode: http.StatusCreated},
				},
			},
			{
				Method:      http.MethodDelete,
				Description: "Cancel outstanding upload processes, releasing associated resources.",
				Requires:    []ParameterDescriptor{nameParameterDescriptor, uuidParameter},
				Responses: []ResponseDescriptor{
					{Description: "The upload has been cancelled.", StatusCode: http.StatusNoContent},
				},
			},
		},
	},
	{
		Name:   RouteNameCatalog,
		Path:   "/v2/_catalog",
		Entity: "Catalog",
		Methods: []MethodDescriptor{
			{
				Method:      http.MethodGet,
				Description: "List a set of available repositories in the local registry cluster.",
				Responses: []ResponseDescriptor{
					{Description: "Returns the repository catalog for the registry.", StatusCode: http.StatusOK},
				},
			},
		},
	},
}

var routeDescriptorsMap map[string]RouteDescriptor

func init() {
	routeDescriptorsMap = make(map[string]RouteDescriptor, len(routeDescriptors))
	for _, descriptor := range routeDescriptors {
		routeDescriptorsMap[descriptor.Name] = descriptor
	}
}
