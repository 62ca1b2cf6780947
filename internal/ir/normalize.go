package ir

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// IsCanonicalString reports whether s is valid UTF-8 in NFC, that is,
// whether it survives a canonical encoding unchanged.
func IsCanonicalString(s string) bool {
	return utf8.ValidString(s) && norm.NFC.IsNormalString(s)
}

// NormalizeString returns s exactly as MarshalCanonical writes it: NFC, with
// each invalid UTF-8 byte replaced by U+FFFD.
func NormalizeString(s string) string {
	n := norm.NFC.String(s)
	if utf8.ValidString(n) {
		return n
	}
	var sb strings.Builder
	sb.Grow(len(n))
	for _, r := range n {
		sb.WriteRune(r)
	}
	return sb.String()
}

// CheckCanonical reports the first string or object key in v that is not
// valid UTF-8 in NFC.
func CheckCanonical(v IRValue) error {
	switch val := v.(type) {
	case IRString:
		return checkString(string(val))
	case IRArray:
		for i, elem := range val {
			if err := CheckCanonical(elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case IRObject:
		for _, k := range val.SortedKeys() {
			if err := checkString(k); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			if err := CheckCanonical(val[k]); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		}
	}
	return nil
}

func checkString(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("invalid UTF-8 in %q", s)
	}
	if !norm.NFC.IsNormalString(s) {
		return fmt.Errorf("%q is not NFC normalized", s)
	}
	return nil
}

// CanonicalValue returns v with every string and object key in NFC, the
// form a peer decodes from the wire. Invalid UTF-8, and object keys that
// collide once normalized, are errors.
func CanonicalValue(v IRValue) (IRValue, error) {
	switch val := v.(type) {
	case IRString:
		if !utf8.ValidString(string(val)) {
			return nil, fmt.Errorf("invalid UTF-8 in %q", string(val))
		}
		return IRString(norm.NFC.String(string(val))), nil
	case IRArray:
		out := make(IRArray, len(val))
		for i, elem := range val {
			c, err := CanonicalValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	case IRObject:
		out := make(IRObject, len(val))
		for _, k := range val.SortedKeys() {
			if !utf8.ValidString(k) {
				return nil, fmt.Errorf("invalid UTF-8 in key %q", k)
			}
			nk := norm.NFC.String(k)
			if _, dup := out[nk]; dup {
				return nil, fmt.Errorf("keys collide after normalization: %q", nk)
			}
			c, err := CanonicalValue(val[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[nk] = c
		}
		return out, nil
	default:
		return v, nil
	}
}
