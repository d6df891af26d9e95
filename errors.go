package evaltrack

import (
	"errors"
	"fmt"
	"net/http"
)

// Every error returned by a sink client wraps exactly one of these. Use
// errors.Is to classify them.
var (
	// ErrTransport means the sink couldn't be reached, or the connection
	// failed before a response was received.
	ErrTransport = errors.New("transport error")

	// ErrSerialization means a trace couldn't be encoded, or a response
	// couldn't be decoded.
	ErrSerialization = errors.New("serialization error")

	// ErrUnknown covers everything else, including non-2xx responses.
	ErrUnknown = errors.New("unknown error")
)

var (
	// ErrInvalidTrace is returned by Validate, and by stores that reject a
	// malformed trace.
	ErrInvalidTrace = errors.New("invalid trace")

	// ErrNotFound is returned by stores when no trace has the requested ID.
	ErrNotFound = errors.New("trace not found")
)

// StatusError records a non-2xx response from a remote sink. It's always
// wrapped together with ErrUnknown.
type StatusError struct {
	Code int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("remote status code %d (%s)", e.Code, http.StatusText(e.Code))
}
