// Package bencode implements the bencoding format used by torrent
// metainfo files and tracker responses: byte strings, integers,
// lists, and dictionaries.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// ErrMalformedBencoding is the sentinel wrapped by every decode
// failure; callers branch on it with errors.Is.
var ErrMalformedBencoding = errors.New("malformed bencoding")

// Kind tags the four bencoding value types.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindList
	KindDict
)

// Value is a decoded bencoded value together with the exact byte
// range of the input it was parsed from. Callers that need
// byte-exact re-encoding (the metainfo package's info-hash) use
// Raw instead of re-encoding the decoded tree.
type Value struct {
	Kind Kind

	Str  []byte
	Int  int64
	List []Value
	Dict map[string]Value

	// DictKeys preserves on-wire dict key order for Kind == KindDict.
	DictKeys []string

	// Raw is the exact input slice this value was decoded from,
	// start to end inclusive of its own framing.
	Raw []byte
}

// malformed wraps ErrMalformedBencoding with positional context.
func malformed(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformedBencoding, format, args...)
}

// Decode parses the single top-level bencoded value at the start of
// b. Trailing bytes after that value are reported, not silently
// tolerated.
func Decode(b []byte) (Value, error) {
	v, rest, err := decodeValue(b)
	if err != nil {
		return Value{}, err
	}
	if len(rest) != 0 {
		return Value{}, malformed("%d trailing byte(s) after top-level value", len(rest))
	}
	return v, nil
}

func decodeValue(b []byte) (Value, []byte, error) {
	if len(b) == 0 {
		return Value{}, nil, malformed("unexpected end of input")
	}
	switch {
	case b[0] == 'i':
		return decodeInt(b)
	case b[0] == 'l':
		return decodeList(b)
	case b[0] == 'd':
		return decodeDict(b)
	case b[0] >= '0' && b[0] <= '9':
		return decodeString(b)
	default:
		return Value{}, nil, malformed("unexpected byte %q at start of value", b[0])
	}
}

func decodeString(b []byte) (Value, []byte, error) {
	colon := bytes.IndexByte(b, ':')
	if colon < 0 {
		return Value{}, nil, malformed("byte string missing ':' length delimiter")
	}
	lenBytes := b[:colon]
	for i, c := range lenBytes {
		if c < '0' || c > '9' {
			return Value{}, nil, malformed("non-digit %q in byte string length prefix", c)
		}
		if c == '0' && i == 0 && len(lenBytes) > 1 {
			return Value{}, nil, malformed("byte string length has leading zero")
		}
	}
	n, err := strconv.ParseInt(string(lenBytes), 10, 64)
	if err != nil {
		return Value{}, nil, malformed("invalid byte string length: %v", err)
	}
	start := colon + 1
	end := start + int(n)
	if n < 0 || end > len(b) {
		return Value{}, nil, malformed("byte string length %d exceeds remaining input", n)
	}
	return Value{Kind: KindString, Str: b[start:end], Raw: b[:end]}, b[end:], nil
}

func decodeInt(b []byte) (Value, []byte, error) {
	end := bytes.IndexByte(b, 'e')
	if end < 0 {
		return Value{}, nil, malformed("unterminated integer")
	}
	digits := b[1:end]
	if len(digits) == 0 {
		return Value{}, nil, malformed("empty integer")
	}
	neg := digits[0] == '-'
	magnitude := digits
	if neg {
		magnitude = digits[1:]
	}
	if len(magnitude) == 0 {
		return Value{}, nil, malformed("integer has sign with no digits")
	}
	if magnitude[0] == '0' && len(magnitude) > 1 {
		return Value{}, nil, malformed("integer has leading zero")
	}
	if neg && string(magnitude) == "0" {
		return Value{}, nil, malformed("negative zero integer is invalid")
	}
	for _, c := range magnitude {
		if c < '0' || c > '9' {
			return Value{}, nil, malformed("non-digit %q in integer", c)
		}
	}
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return Value{}, nil, malformed("invalid integer: %v", err)
	}
	return Value{Kind: KindInt, Int: n, Raw: b[:end+1]}, b[end+1:], nil
}

func decodeList(b []byte) (Value, []byte, error) {
	start := b
	rest := b[1:]
	var items []Value
	for {
		if len(rest) == 0 {
			return Value{}, nil, malformed("unterminated list")
		}
		if rest[0] == 'e' {
			rest = rest[1:]
			break
		}
		v, r, err := decodeValue(rest)
		if err != nil {
			return Value{}, nil, err
		}
		items = append(items, v)
		rest = r
	}
	consumed := len(start) - len(rest)
	return Value{Kind: KindList, List: items, Raw: start[:consumed]}, rest, nil
}

func decodeDict(b []byte) (Value, []byte, error) {
	start := b
	rest := b[1:]
	dict := make(map[string]Value)
	var keys []string
	for {
		if len(rest) == 0 {
			return Value{}, nil, malformed("unterminated dictionary")
		}
		if rest[0] == 'e' {
			rest = rest[1:]
			break
		}
		if rest[0] < '0' || rest[0] > '9' {
			return Value{}, nil, malformed("dictionary key must be a byte string, got %q", rest[0])
		}
		keyVal, r, err := decodeString(rest)
		if err != nil {
			return Value{}, nil, err
		}
		key := string(keyVal.Str)
		val, r2, err := decodeValue(r)
		if err != nil {
			return Value{}, nil, err
		}
		dict[key] = val
		keys = append(keys, key)
		rest = r2
	}
	consumed := len(start) - len(rest)
	return Value{Kind: KindDict, Dict: dict, DictKeys: keys, Raw: start[:consumed]}, rest, nil
}

// Encode re-encodes v. Dictionary keys are written in lexicographic
// byte order regardless of DictKeys, per the bencoding spec.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, v)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindString:
		fmt.Fprintf(buf, "%d:", len(v.Str))
		buf.Write(v.Str)
	case KindInt:
		fmt.Fprintf(buf, "i%de", v.Int)
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeInto(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(buf, "%d:", len(k))
			buf.WriteString(k)
			encodeInto(buf, v.Dict[k])
		}
		buf.WriteByte('e')
	}
}

// String builds a byte-string Value.
func String(s []byte) Value { return Value{Kind: KindString, Str: s} }

// Int builds an integer Value.
func Int(n int64) Value { return Value{Kind: KindInt, Int: n} }

// List builds a list Value.
func List(items ...Value) Value { return Value{Kind: KindList, List: items} }

// Dict builds a dictionary Value from a map; key order on encode is
// always lexicographic regardless of map iteration order.
func Dict(m map[string]Value) Value {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Value{Kind: KindDict, Dict: m, DictKeys: keys}
}
