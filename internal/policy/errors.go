package policy

import "errors"

var (
	ErrPathEscape    = errors.New("path escapes workspace")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrInvalidPolicy = errors.New("invalid policy")
)

// IsPathEscape returns true if the error is a workspace confinement violation.
func IsPathEscape(err error) bool {
	return errors.Is(err, ErrPathEscape)
}

// IsQuotaExceeded returns true if the error is a request quota rejection.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}
