package rides

import "errors"

// Error kinds surfaced by the repository. All are terminal per request;
// the HTTP boundary maps them to status codes with errors.Is.
var (
	ErrNotFound     = errors.New("ride not found")
	ErrInvalidState = errors.New("ride is no longer available")
	ErrForbidden    = errors.New("caller has no rights over this ride")
	ErrBadRequest   = errors.New("invalid request")
)
