package cas

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("object not found")
	ErrInvalidDigest = errors.New("invalid digest")
)

// IntegrityError reports a verification failure on read. It is fail-closed:
// callers get this error instead of bytes that do not match their digest.
type IntegrityError struct {
	Digest   string
	Stage    string // stored_blob, decode, content, metadata
	Expected string
	Observed string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("cas integrity failed for %s at %s: expected %s, observed %s",
		e.Digest, e.Stage, e.Expected, e.Observed)
}

// IsIntegrity returns true if the error is a CAS integrity failure.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsNotFound returns true if the error is a missing-object lookup.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
