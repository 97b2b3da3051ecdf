package policy

import "regexp"

// Secret-like environment variable names are stripped before spawn no
// matter what the allow-list says. The pattern covers the usual credential
// naming families; standalone KEY needs a word boundary so PYTHONHASHSEED
// style names survive.
var secretKeyPattern = regexp.MustCompile(
	`(?i)(secret|token|passwd|password|credential|auth|cookie|api_?key|access_?key|private_?key|(^|_)key($|_))`)

// IsSecretKey reports whether an environment variable name looks like a
// credential.
func IsSecretKey(name string) bool {
	return secretKeyPattern.MatchString(name)
}
