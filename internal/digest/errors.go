package digest

import "errors"

// ErrUnavailable means the BLAKE3 primitive failed its self-test and no
// fallback was permitted. Every hashing operation fails closed with this
// error rather than silently switching algorithms.
var ErrUnavailable = errors.New("hash primitive unavailable")

// IsUnavailable returns true if the error is a hash-unavailable failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
