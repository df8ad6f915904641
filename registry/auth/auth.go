// Package auth defines a standard interface for request access controllers.
//
// An access controller has a simple interface with a single `Authorized`
// method which checks that a given context is authorized to perform one or
// more actions on a resource. This method should return a non-nil error if
// the context is not authorized.
//
// An implementation registers its access controller by name with a
// constructor which accepts an options map for configuring the access
// controller.
//
//	options := map[string]interface{}{"realm": "registry", "username": user, "password": pass}
//	accessController, _ := auth.GetAccessController("basic", options)
package auth

import (
	"context"
	"fmt"
	"net/http"
)

// UserInfo carries information about an authenticated/authorized client.
type UserInfo struct {
	Name string
}

// Resource describes a resource by type and name.
type Resource struct {
	Type string
	Name string
}

// AuthenticationError is a special error type which is used to indicate that
// a client either has invalid authentication credentials or, if the client
// is not authenticated, should attempt to authenticate in order to access
// the requested resource. A type which implements this interface is able to
// set HTTP WWW-Authenticate challenge response header values based on the
// error. Note: HTTP status code "401 Unauthorized" is used semantically to
// indicate that the client is "Unauthenticated". To indicate that the
// client is in fact unauthorized (despite being authenticated), an access
// controller should return an error implementing the AuthorizationError
// interface.
type AuthenticationError interface {
	error

	// AuthenticationErrorDetails should return a JSON-serializable object
	// detailing the authentication error.
	AuthenticationErrorDetails() interface{}

	// SetChallengeHeaders prepares an authentication challenge response by
	// setting one or more HTTP WWW-Authenticate challenge headers. Callers
	// are expected to set the appropriate HTTP status code (i.e. 401)
	// themselves.
	SetChallengeHeaders(h http.Header)
}

// AuthorizationError is a special error type which is used to indicate that
// a client is not authorized to access the requested resource.
type AuthorizationError interface {
	error

	// AuthorizationErrorDetails should return a JSON-serializable object
	// detailing the authorization error.
	AuthorizationErrorDetails() interface{}

	// ResourceHidden should return whether the existence of the requested
	// resource should be exposed to the client. If true, the caller MUST
	// return an HTTP 404 Not Found response in lieu of a 403 Forbidden or
	// 401 Unauthorized response so as to not leak the existence of the
	// resource to the client.
	ResourceHidden() bool
}

// AccessController controls access to a registry resource based on a
// request context and the attempted actions being performed on that
// resource. Implementations must validate complete authorization or
// indicate authentication or authorization errors through the
// AuthenticationError and AuthorizationError interfaces.
type AccessController interface {
	// Authorized returns a nil error if the context is granted access and
	// returns a new authorized context. If one or more action strings are
	// provided, the requested access will be compared with what is
	// available to the context. The given context will contain a
	// "http.request" key with a *http.Request value. If the error is
	// non-nil, access should always be denied. The returned error may
	// implement the AuthenticationError or AuthorizationError interface in
	// which case the caller should take the appropriate action based on
	// the error. The returned context object should have a "auth.user"
	// value set to a UserInfo struct.
	Authorized(ctx context.Context, resource Resource, actions ...string) (context.Context, error)
}

type userInfoKey struct{}

// WithUser returns a context with the authorized user info.
func WithUser(ctx context.Context, user UserInfo) context.Context {
	return context.WithValue(ctx, userInfoKey{}, user)
}

// UserFrom returns the user info stored in the context by WithUser, if any.
func UserFrom(ctx context.Context) (UserInfo, bool) {
	user, ok := ctx.Value(userInfoKey{}).(UserInfo)
	return user, ok
}

// InitFunc is the type of an AccessController factory function and is used
// to register the constructor for different AccessController backends.
type InitFunc func(options map[string]interface{}) (AccessController, error)

var accessControllers map[string]InitFunc

func init() {
	accessControllers = make(map[string]InitFunc)
}

// Register is used to register an InitFunc for an AccessController backend
// with the given name.
func Register(name string, initFunc InitFunc) error {
	if _, exists := accessControllers[name]; exists {
		return fmt.Errorf("name already registered: %s", name)
	}

	accessControllers[name] = initFunc

	return nil
}

// GetAccessController constructs an AccessController with the given options
// using the named backend.
func GetAccessController(name string, options map[string]interface{}) (AccessController, error) {
	if initFunc, exists := accessControllers[name]; exists {
		return initFunc(options)
	}

	return nil, fmt.Errorf("no access controller registered with name: %s", name)
}
