package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/trow-registry/trow"
	"github.com/trow-registry/trow/configuration"
	"github.com/trow-registry/trow/internal/dcontext"
	"github.com/trow-registry/trow/registry/api/errcode"
	v2 "github.com/trow-registry/trow/registry/api/v2"
	"github.com/trow-registry/trow/registry/auth"
	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
)

// Context should contain the request specific context for use in across
// handlers. Resources that don't need to be shared across handlers should not
// be on this object.
type Context struct {
	context.Context

	// App backs every request context, giving handlers access to shared,
	// process-lifetime state (the storage namespace, configuration, the
	// read-only/cache-mode flags) without threading it through every call.
	App *App

	// Config mirrors App.Config for handlers that only need the
	// configuration and not the rest of App.
	Config *configuration.Configuration

	// readOnly mirrors App.readOnly: true when the storage maintenance
	// configuration puts the registry in read-only mode and writes are
	// rejected.
	readOnly bool

	// isCache mirrors App.isCache: true when this instance is a
	// pull-through proxy rather than a primary registry.
	isCache bool

	// repositoryExtensions lists the OCI distribution-spec extensions this
	// instance advertises under /v2/<name>/_extensions.
	repositoryExtensions []string

	// Repository is the repository for the current request. All requests
	// should be scoped to a single repository. This field may be nil.
	Repository distribution.Repository

	// Errors is a collection of errors encountered during the request to be
	// returned to the client API. If errors are added to the collection, the
	// handler *must not* start the response via http.ResponseWriter.
	Errors errcode.Errors

	urlBuilder *v2.URLBuilder
}

// Value overrides context.Context.Value to ensure that calls are routed to
// correct context.
func (ctx *Context) Value(key interface{}) interface{} {
	return ctx.Context.Value(key)
}

func getName(ctx context.Context) (name string) {
	return dcontext.GetStringValue(ctx, "vars.name")
}

func getReference(ctx context.Context) (reference string) {
	return dcontext.GetStringValue(ctx, "vars.reference")
}

var errDigestNotAvailable = fmt.Errorf("digest not available in context")

func getDigest(ctx context.Context) (dgst digest.Digest, err error) {
	dgstStr := dcontext.GetStringValue(ctx, "vars.digest")

	if dgstStr == "" {
		dcontext.GetLogger(ctx).Errorf("digest not available")
		return "", errDigestNotAvailable
	}

	d, err := digest.Parse(dgstStr)
	if err != nil {
		dcontext.GetLogger(ctx).Errorf("error parsing digest=%q: %v", dgstStr, err)
		return "", err
	}

	return d, nil
}

func getUploadUUID(ctx context.Context) (uuid string) {
	return dcontext.GetStringValue(ctx, "vars.uuid")
}

const (
	// userKey is used to get the user object from
	// a user context
	userKey = "auth.user"

	// userNameKey is used to get the user name from
	// a user context
	userNameKey = "auth.user.name"
)

// getUserName attempts to resolve a username from the context and request. If
// a username cannot be resolved, the empty string is returned.
func getUserName(ctx context.Context, r *http.Request) string {
	username := dcontext.GetStringValue(ctx, userNameKey)

	// Fallback to request user with basic auth
	if username == "" {
		var ok bool
		uname, _, ok := basicAuth(r)
		if ok {
			username = uname
		}
	}

	return username
}

// withUser returns a context with the authorized user info.
func withUser(ctx context.Context, user auth.UserInfo) context.Context {
	return userInfoContext{
		Context: ctx,
		user:    user,
	}
}

type userInfoContext struct {
	context.Context
	user auth.UserInfo
}

func (uic userInfoContext) Value(key interface{}) interface{} {
	switch key {
	case userKey:
		return uic.user
	case userNameKey:
		return uic.user.Name
	}

	return uic.Context.Value(key)
}

// withResources returns a context with the authorized resources.
func withResources(ctx context.Context, resources []auth.Resource) context.Context {
	return resourceContext{
		Context:   ctx,
		resources: resources,
	}
}

type resourceContext struct {
	context.Context
	resources []auth.Resource
}

type resourceKey struct{}

func (rc resourceContext) Value(key interface{}) interface{} {
	if key == (resourceKey{}) {
		return rc.resources
	}

	return rc.Context.Value(key)
}

// authorizedResources returns the list of resources which have
// been authorized for this request.
func authorizedResources(ctx context.Context) []auth.Resource {
	if resources, ok := ctx.Value(resourceKey{}).([]auth.Resource); ok {
		return resources
	}

	return nil
}

// getVarsFromRequest extracts the mux route variables matched against r. It
// is a variable rather than a direct call to mux.Vars so tests can stub it.
var getVarsFromRequest = mux.Vars

// contextWithVars returns a context populated with the route variables
// matched for r, made available both as the aggregate "vars" map and as
// individually keyed "vars.<name>" lookups, per getName/getReference/
// getDigest/getUploadUUID above.
func contextWithVars(ctx context.Context, r *http.Request) context.Context {
	vars := getVarsFromRequest(r)
	return varsContext{
		Context: ctx,
		vars:    vars,
	}
}

type varsContext struct {
	context.Context
	vars map[string]string
}

func (vc varsContext) Value(key interface{}) interface{} {
	if key == "vars" {
		return vc.vars
	}

	if keyStr, ok := key.(string); ok {
		if name, found := strings.CutPrefix(keyStr, "vars."); found {
			return vc.vars[name]
		}
	}

	return vc.Context.Value(key)
}
