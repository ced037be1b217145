package wsproto

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidHeader = errors.New("invalid header")

// Header is a raw header line. Names and values are kept as bytes and are never re-encoded.
type Header struct {
	Name  []byte
	Value []byte
}

type Headers []Header

// Get returns the first value for the case-insensitive name.
func (h Headers) Get(name string) ([]byte, bool) {
	for _, hdr := range h {
		if strings.EqualFold(string(hdr.Name), name) {
			return hdr.Value, true
		}
	}
	return nil, false
}

// Values returns all values for the case-insensitive name, in order.
func (h Headers) Values(name string) [][]byte {
	var vs [][]byte
	for _, hdr := range h {
		if strings.EqualFold(string(hdr.Name), name) {
			vs = append(vs, hdr.Value)
		}
	}
	return vs
}

// Validate reports the first header that cannot be written to the wire as is.
func (h Headers) Validate() error {
	for i, hdr := range h {
		if len(hdr.Name) == 0 {
			return fmt.Errorf("%w: header #%d has empty name", ErrInvalidHeader, i)
		}
		if !isToken(hdr.Name) {
			return fmt.Errorf("%w: header #%d name %q is not a token", ErrInvalidHeader, i, hdr.Name)
		}
		if bytes.ContainsAny(hdr.Value, "\r\n\x00") {
			return fmt.Errorf("%w: header %q value contains control characters", ErrInvalidHeader, hdr.Name)
		}
	}
	return nil
}

// ValidateTokens checks a sub-protocol list: every item must be a non-empty token.
func ValidateTokens(name string, list []string) error {
	for i, item := range list {
		if item == "" || !isToken([]byte(item)) {
			return fmt.Errorf("%w: %s[%d] %q must be a token", ErrInvalidHeader, name, i, item)
		}
	}
	return nil
}

// ValidateExtensions checks an extension offer list. Parameters after ';' are allowed,
// list separators and line breaks are not.
func ValidateExtensions(list []string) error {
	for i, item := range list {
		name := strings.TrimSpace(strings.SplitN(item, ";", 2)[0])
		if name == "" || !isToken([]byte(name)) || strings.ContainsAny(item, ",\r\n\x00") {
			return fmt.Errorf("%w: extensions[%d] %q is malformed", ErrInvalidHeader, i, item)
		}
	}
	return nil
}

func isToken(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c <= ' ' || c >= 0x7f || strings.IndexByte(`()<>@,;:\"/[]?={}`, c) >= 0 {
			return false
		}
	}
	return true
}
