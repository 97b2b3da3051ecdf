// Package canonical produces byte-stable JSON: object keys sorted
// lexicographically, no insignificant whitespace, duplicate keys rejected,
// non-finite numbers rejected, fixed numeric formatting. Canonical bytes are
// the only permitted input to the digest engine for requests and results, so
// digest equality implies semantic equality.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrParse        = errors.New("json parse error")
	ErrDuplicateKey = errors.New("json duplicate key")
	ErrNonFinite    = errors.New("non-finite number")
)

// Marshal serializes a Go value to canonical JSON bytes. Map keys are
// sorted, struct field order is normalized, and NaN/Inf floats are rejected.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		var uv *json.UnsupportedValueError
		if errors.As(err, &uv) {
			return nil, fmt.Errorf("%w: %s", ErrNonFinite, uv.Str)
		}
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return Transform(raw)
}

// Transform re-serializes raw JSON bytes into canonical form. Unlike
// encoding/json's default behavior, duplicate object keys are an error, not
// a silent last-wins merge.
func Transform(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	v, err := parseValue(dec)
	if err != nil {
		return nil, err
	}
	// Trailing garbage after the top-level value is a parse error.
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrParse)
	}

	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// member preserves an object's key/value pairs for duplicate detection
// before sorting.
type member struct {
	key string
	val any
}

func parseValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return parseFrom(dec, tok)
}

func parseFrom(dec *json.Decoder, tok json.Token) (any, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return parseObject(dec)
		case '[':
			return parseArray(dec)
		default:
			return nil, fmt.Errorf("%w: unexpected %q", ErrParse, t)
		}
	case string, json.Number, bool, nil:
		return t, nil
	default:
		return nil, fmt.Errorf("%w: unexpected token %v", ErrParse, tok)
	}
}

func parseObject(dec *json.Decoder) ([]member, error) {
	seen := make(map[string]struct{})
	var members []member
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if d, ok := tok.(json.Delim); ok && d == '}' {
			return members, nil
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: object key is not a string", ErrParse)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}
		seen[key] = struct{}{}

		val, err := parseValue(dec)
		if err != nil {
			return nil, err
		}
		members = append(members, member{key: key, val: val})
	}
}

func parseArray(dec *json.Decoder) ([]any, error) {
	elems := []any{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if d, ok := tok.(json.Delim); ok && d == ']' {
			return elems, nil
		}
		val, err := parseFrom(dec, tok)
		if err != nil {
			return nil, err
		}
		elems = append(elems, val)
	}
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, t)
	case json.Number:
		return writeNumber(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []member:
		sorted := make([]member, len(t))
		copy(sorted, t)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].key < sorted[j].key })
		buf.WriteByte('{')
		for i, m := range sorted {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, m.key)
			buf.WriteByte(':')
			if err := writeValue(buf, m.val); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: unhandled value %T", ErrParse, v)
	}
	return nil
}

// writeNumber emits integers verbatim in minimal form and everything else in
// a fixed exponential form so the same semantic value always produces the
// same bytes.
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		// Integer literal: already minimal (encoding/json rejects leading
		// zeros and bare '+').
		buf.WriteString(s)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %s", ErrNonFinite, s)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatFloat(f, 'f', 0, 64))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'e', 17, 64))
	return nil
}

const hexDigits = "0123456789abcdef"

// writeString escapes per RFC 8785 style: only the mandatory escapes, no
// HTML-safety rewrites, \u00XX for other control characters.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xf])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
