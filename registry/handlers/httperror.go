package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/trow-registry/trow/registry/api/errcode"
)

// serveJSON writes err to w as a JSON error envelope, with the status code
// derived from the first error's ErrorCode if it carries one.
func serveJSON(w http.ResponseWriter, err error) {
	_ = errcode.ServeJSON(w, err)
}

// serveJSONStatus writes errs to w as a JSON error envelope under a status
// code fixed by the caller, overriding whatever status the error codes
// would otherwise imply.
func serveJSONStatus(w http.ResponseWriter, errs errcode.Errors, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errs)
}

// httpError is a wrapper for errcode.Errors that adds a Status int to hold
// an HTTP Status code which will be used to set the status code on
// the response.
type httpError struct {
	errcode.Errors
	Status int
}

// NewHTTPError create a new httpError using the given ErrorCode, detail and http status.
// detail must be json serializable.
func NewHTTPError(errCode errcode.ErrorCode, detail interface{}, status int) error {
	errs := errcode.Errors{}
	if errCode > 0 {
		errs.Push(errCode, detail)
	}
	newErr := httpError{
		errs,
		status,
	}
	return newErr
}

// ServeError is currently just a pass through to serveJSONStatus but its use will
// allow us to easily make changes to how errors are served in the future.
func (err *httpError) ServeError(w http.ResponseWriter) {
	serveJSONStatus(w, err.Errors, err.Status)
}

func (err httpError) Error() string {
	return err.Errors.Error()
}
