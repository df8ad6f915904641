package errcode

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorCode represents the error type. The errors are serialized via
// strings and the integer format may change and should *never* be
// exported.
type ErrorCode int

// ErrorDescriptor provides relevant information about a given error code.
type ErrorDescriptor struct {
	// Code is the error code that this descriptor describes.
	Code ErrorCode

	// Value provides a unique, string key, often capitalized with
	// underscores, to identify the error code. This value is used as the
	// keyed value when serializing api errors.
	Value string

	// Message is a short, human readable description of the error
	// condition included in API responses.
	Message string

	// Description provides a complete account of the error's purpose,
	// suitable for use in documentation.
	Description string

	// HTTPStatusCode provides the http status code that is associated with
	// this error condition.
	HTTPStatusCode int
}

// ParseErrorCode attempts to parse the error code string, returning
// ErrorCodeUnknown if the error is not known.
func ParseErrorCode(value string) ErrorCode {
	ed, ok := idToDescriptors[value]
	if !ok {
		return ErrorCodeUnknown
	}

	return ed.Code
}

// Descriptor returns the descriptor for the error code.
func (ec ErrorCode) Descriptor() ErrorDescriptor {
	d, ok := errorCodeToDescriptors[ec]
	if !ok {
		return ErrorCodeUnknown.Descriptor()
	}

	return d
}

// String returns the canonical identifier for this error code.
func (ec ErrorCode) String() string {
	return ec.Descriptor().Value
}

// Message returns the human-readable error message for this error code.
func (ec ErrorCode) Message() string {
	return ec.Descriptor().Message
}

// ErrorCode returns itself, satisfying ErrorCoder for a bare ErrorCode
// value that hasn't been promoted to an Error via WithArgs/WithDetail.
func (ec ErrorCode) ErrorCode() ErrorCode {
	return ec
}

// MarshalText encodes the receiver into UTF-8-encoded text and returns the
// result, implementing encoding.TextMarshaler.
func (ec ErrorCode) MarshalText() (text []byte, err error) {
	return []byte(ec.String()), nil
}

// UnmarshalText decodes the form generated by MarshalText.
func (ec *ErrorCode) UnmarshalText(text []byte) error {
	desc, ok := idToDescriptors[string(text)]
	if !ok {
		desc = ErrorCodeUnknown.Descriptor()
	}

	*ec = desc.Code
	return nil
}

// Error returns the lowercased error code string, so a bare ErrorCode
// satisfies the error interface without any message arguments filled in.
func (ec ErrorCode) Error() string {
	return strings.ToLower(strings.ReplaceAll(ec.String(), "_", " "))
}

// WithMessage creates a new Error struct based on the passed-in info and
// overrides the Message property.
func (ec ErrorCode) WithMessage(message string) Error {
	return Error{
		Code:    ec,
		Message: message,
	}
}

// WithArgs creates a new Error struct and formats the ErrorCode's message
// template with the given args.
func (ec ErrorCode) WithArgs(args ...interface{}) Error {
	return Error{
		Code:    ec,
		Message: fmt.Sprintf(ec.Message(), args...),
	}
}

// WithDetail creates a new Error struct based on the passed-in info and
// sets the Detail property appropriately.
func (ec ErrorCode) WithDetail(detail interface{}) Error {
	return Error{
		Code:    ec,
		Message: ec.Message(),
	}.WithDetail(detail)
}

// ErrorCoder is implemented by error types that carry an ErrorCode.
type ErrorCoder interface {
	ErrorCode() ErrorCode
}

// Error provides a wrapper around ErrorCode with extra details provided.
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

var _ error = Error{}
var _ ErrorCoder = Error{}

// ErrorCode returns the ErrorCode of this Error.
func (e Error) ErrorCode() ErrorCode {
	return e.Code
}

// Error returns a human readable representation of the error.
func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code.Error(), e.Message)
}

// WithDetail returns a new Error, based on the current one, but with the
// detail set to an independent value.
func (e Error) WithDetail(detail interface{}) Error {
	return Error{
		Code:    e.Code,
		Message: e.Message,
		Detail:  detail,
	}
}

// WithArgs returns a new Error, based on the current one, with the
// ErrorCode's message template formatted with args.
func (e Error) WithArgs(args ...interface{}) Error {
	return Error{
		Code:    e.Code,
		Message: fmt.Sprintf(e.Code.Message(), args...),
		Detail:  e.Detail,
	}
}

// Errors provides the envelope for multiple errors and a few sugar methods
// for use within the application.
type Errors []error

var _ error = Errors{}

func (errs Errors) Error() string {
	switch len(errs) {
	case 0:
		return "<nil>"
	case 1:
		return errs[0].Error()
	default:
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return strings.Join(msgs, ",")
	}
}

// Len returns the current number of errors.
func (errs Errors) Len() int {
	return len(errs)
}

// Push pushes an error code onto the error stack, with the optional detail
// argument attached to the resulting Error.
func (errs *Errors) Push(code ErrorCode, details ...interface{}) {
	var detail interface{}
	switch len(details) {
	case 0:
		detail = nil
	case 1:
		detail = details[0]
	default:
		detail = details
	}

	if detail == nil {
		*errs = append(*errs, Error{Code: code, Message: code.Message()})
		return
	}

	*errs = append(*errs, code.WithDetail(detail))
}

// PushErr pushes a plain error onto the stack, wrapping it in an
// ErrorCodeUnknown Error unless it already carries an error code.
func (errs *Errors) PushErr(err error) {
	switch err.(type) {
	case Error, ErrorCode:
		*errs = append(*errs, err)
	default:
		*errs = append(*errs, Error{Code: ErrorCodeUnknown, Message: err.Error()})
	}
}

// MarshalJSON converts a slice of errors to the standard errors envelope of
// the API.
func (errs Errors) MarshalJSON() ([]byte, error) {
	var tmpErrs struct {
		Errors []Error `json:"errors,omitempty"`
	}

	for _, daErr := range errs {
		var err Error

		switch e := daErr.(type) {
		case ErrorCode:
			err = e.WithDetail(nil)
		case Error:
			err = e
		default:
			err = ErrorCodeUnknown.WithDetail(daErr.Error())
		}

		if err.Message == "" {
			err.Message = err.Code.Message()
		}

		tmpErrs.Errors = append(tmpErrs.Errors, err)
	}

	return json.Marshal(tmpErrs)
}

// UnmarshalJSON deserializes the standard errors envelope into Errors.
func (errs *Errors) UnmarshalJSON(data []byte) error {
	var tmpErrs struct {
		Errors []Error
	}

	if err := json.Unmarshal(data, &tmpErrs); err != nil {
		return err
	}

	var newErrs Errors
	for _, daErr := range tmpErrs.Errors {
		newErrs = append(newErrs, daErr)
	}

	*errs = newErrs
	return nil
}
