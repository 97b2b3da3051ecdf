// Package digest provides the domain-separated hashing primitive used for
// every content identity in the engine. BLAKE3 is the sole primitive; a
// SHA-256 fallback exists only behind an explicit opt-in and taints every
// result produced while it is active.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"lukechampine.com/blake3"
)

// Domain is a context prefix mixed into the hash input so that identical
// bytes hashed in different contexts never collide.
type Domain string

const (
	DomainRequest Domain = "req:"
	DomainResult  Domain = "res:"
	DomainCAS     Domain = "cas:"
)

// Primitive identifies the active hash algorithm.
type Primitive string

const (
	PrimitiveBlake3 Primitive = "blake3"
	PrimitiveSHA256 Primitive = "sha256"
)

// blake3 of the empty input. Used as a startup self-test vector; if the
// primitive cannot reproduce it, the engine refuses to hash anything.
const blake3EmptyHex = "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"

// DigestLen is the length of every hex-encoded digest the engine emits.
const DigestLen = 64

// Options configures engine construction. There is no runtime negotiation:
// the primitive is decided here, once, and recorded in every result.
type Options struct {
	// AllowFallback permits SHA-256 when the BLAKE3 self-test fails.
	// Every result produced by a fallback engine is marked
	// compatibility-degraded; this is an emergency escape hatch, not a
	// configuration choice.
	AllowFallback bool

	// forceFallback is used by tests to exercise the degraded path
	// without breaking the primitive.
	forceFallback bool
}

// RuntimeInfo describes the active primitive for health/doctor introspection.
type RuntimeInfo struct {
	Primitive     string `json:"primitive"`
	Backend       string `json:"backend"`
	Version       string `json:"version"`
	CompatWarning bool   `json:"compat_warning"`
	FallbackAllowed bool `json:"fallback_allowed"`
}

// Engine computes domain-separated digests. It is an explicit constructed
// value threaded through the system, never a process-wide singleton, so
// tests can run multiple configurations side by side.
type Engine struct {
	primitive Primitive
	degraded  bool
	allowFall bool
}

// New constructs an Engine, running the BLAKE3 self-test first. If the
// self-test fails the engine fails closed with ErrUnavailable unless
// opts.AllowFallback is set, in which case a loudly-logged SHA-256 engine
// is returned and Degraded() reports true.
func New(opts Options) (*Engine, error) {
	ok := selfTest() && !opts.forceFallback
	if ok {
		return &Engine{primitive: PrimitiveBlake3, allowFall: opts.AllowFallback}, nil
	}
	if !opts.AllowFallback {
		return nil, ErrUnavailable
	}
	log.Warn().
		Str("primitive", string(PrimitiveSHA256)).
		Msg("BLAKE3 unavailable, running on SHA-256 fallback; all results will be marked compatibility-degraded")
	return &Engine{primitive: PrimitiveSHA256, degraded: true, allowFall: true}, nil
}

func selfTest() bool {
	sum := blake3.Sum256(nil)
	return hex.EncodeToString(sum[:]) == blake3EmptyHex
}

func (e *Engine) newHasher() hash.Hash {
	if e.primitive == PrimitiveSHA256 {
		return sha256.New()
	}
	return blake3.New(32, nil)
}

// Sum returns the 64-hex-char digest of payload under the given domain.
func (e *Engine) Sum(domain Domain, payload []byte) string {
	h := e.newHasher()
	h.Write([]byte(domain))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// SumBytes returns the undomained digest of payload. Used for stream and
// trace content whose context is already bound by the result structure.
func (e *Engine) SumBytes(payload []byte) string {
	h := e.newHasher()
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// SumFile streams path through the hasher without loading it in memory.
func (e *Engine) SumFile(path string) (string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := e.newHasher()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Primitive reports the active hash algorithm.
func (e *Engine) Primitive() Primitive { return e.primitive }

// Degraded reports whether the engine is running on the fallback primitive.
// Results produced by a degraded engine carry a compatibility flag.
func (e *Engine) Degraded() bool { return e.degraded }

// Runtime returns introspection data for health/doctor.
func (e *Engine) Runtime() RuntimeInfo {
	backend := "lukechampine.com/blake3"
	if e.primitive == PrimitiveSHA256 {
		backend = "crypto/sha256"
	}
	return RuntimeInfo{
		Primitive:       string(e.primitive),
		Backend:         backend,
		Version:         "256-bit",
		CompatWarning:   e.degraded,
		FallbackAllowed: e.allowFall,
	}
}

// Valid reports whether s is a syntactically well-formed digest:
// exactly 64 lowercase hex characters. Callers must check this before any
// digest-keyed filesystem access.
func Valid(s string) bool {
	if len(s) != DigestLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
