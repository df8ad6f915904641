package handlers

import (
	"net/http"
)

// basicAuth extracts HTTP Basic credentials from r. It is used as a
// username fallback for request logging when no other auth scheme was
// used; the registry/auth/basic access controller reads the header itself.
func basicAuth(r *http.Request) (username, password string, ok bool) {
	return r.BasicAuth()
}
