// Package basic provides a single-user HTTP Basic access controller. It
// checks the Authorization header against one configured username/password
// pair rather than an htpasswd file, matching the single-operator deployment
// model where write access is gated by one set of credentials instead of a
// user database.
package basic

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/trow-registry/trow/registry/auth"
)

// ErrCredentialRequired is returned when no Authorization header is given.
var ErrCredentialRequired = errors.New("authorization credential required")

// ErrInvalidCredential is returned when the supplied credential does not
// match the configured username/password.
var ErrInvalidCredential = errors.New("invalid authorization credential")

type accessController struct {
	realm    string
	username string
	password string
}

var _ auth.AccessController = &accessController{}

func newAccessController(options map[string]interface{}) (auth.AccessController, error) {
	realm, present := options["realm"]
	if _, ok := realm.(string); !present || !ok {
		return nil, fmt.Errorf(`"realm" must be set for basic access controller`)
	}

	username, present := options["username"]
	if _, ok := username.(string); !present || !ok {
		return nil, fmt.Errorf(`"username" must be set for basic access controller`)
	}

	password, present := options["password"]
	if _, ok := password.(string); !present || !ok {
		return nil, fmt.Errorf(`"password" must be set for basic access controller`)
	}

	return &accessController{
		realm:    realm.(string),
		username: username.(string),
		password: password.(string),
	}, nil
}

// Authorized validates the request's Authorization header against the
// configured single user. Only actions that mutate the registry ("push",
// "*") require credentials; plain reads ("pull") pass through
// unauthenticated, so this gate sits in front of write routes
// (PATCH/PUT/POST/DELETE on /v2/...) rather than the whole API.
func (ac *accessController) Authorized(ctx context.Context, resource auth.Resource, actions ...string) (context.Context, error) {
	if !requiresCredential(actions) {
		return ctx, nil
	}

	req, ok := ctx.Value(requestContextKey{}).(*http.Request)
	if !ok {
		return nil, &challengeError{realm: ac.realm, err: ErrCredentialRequired}
	}

	username, password, ok := req.BasicAuth()
	if !ok {
		return nil, &challengeError{realm: ac.realm, err: ErrCredentialRequired}
	}

	usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(ac.username)) == 1
	passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(ac.password)) == 1
	if !usernameMatch || !passwordMatch {
		return nil, &challengeError{realm: ac.realm, err: ErrInvalidCredential}
	}

	return auth.WithUser(ctx, auth.UserInfo{Name: username}), nil
}

// requiresCredential reports whether actions names a mutating operation.
// "pull" alone is left open; "push" and "*" (the delete wildcard used by
// accessActions) require the configured credential.
func requiresCredential(actions []string) bool {
	for _, a := range actions {
		if a != "pull" {
			return true
		}
	}
	return false
}

type requestContextKey struct{}

// WithRequest returns a context carrying the inbound request, so that
// Authorized can recover the Authorization header.
func WithRequest(ctx context.Context, r *http.Request) context.Context {
	return context.WithValue(ctx, requestContextKey{}, r)
}

type challengeError struct {
	realm string
	err   error
}

var _ auth.AuthenticationError = &challengeError{}

func (ch *challengeError) SetChallengeHeaders(h http.Header) {
	h.Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", ch.realm))
}

func (ch *challengeError) AuthenticationErrorDetails() interface{} {
	return ch.Error()
}

func (ch *challengeError) Error() string {
	return fmt.Sprintf("basic authentication challenge: %s", ch.err)
}

func init() {
	auth.Register("basic", auth.InitFunc(newAccessController))
}
