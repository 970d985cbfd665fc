// Package charset decodes email body content into UTF-8.
package charset

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// Decode converts body bytes labelled with the given MIME charset to a UTF-8
// string. The second return value reports whether a fallback was needed
// (unknown label, or content that did not match its declared encoding).
//
// Unknown or undecodable content falls back to UTF-8 validation and then
// Latin-1, so Decode always returns something usable.
func Decode(data []byte, label string) (string, bool) {
	label = strings.ToLower(strings.TrimSpace(label))

	switch label {
	case "", "utf-8", "utf8", "ascii", "us-ascii":
		return validateUTF8(data)
	case "latin1", "latin-1", "iso-8859-1":
		return decodeLatin1(data), false
	}

	enc, err := ianaindex.MIME.Encoding(label)
	if err != nil || enc == nil {
		// Unknown label: content may still be plain UTF-8.
		s, _ := validateUTF8(data)
		return s, true
	}

	decoded, fellBack := decodeWith(enc, data)
	return decoded, fellBack
}

func decodeWith(enc encoding.Encoding, data []byte) (string, bool) {
	result, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		s, _ := validateUTF8(data)
		return s, true
	}
	return string(result), false
}

// validateUTF8 passes valid UTF-8 through and reinterprets anything else as
// Latin-1, which never fails.
func validateUTF8(data []byte) (string, bool) {
	if utf8.Valid(data) {
		return string(data), false
	}
	return decodeLatin1(data), true
}

func decodeLatin1(data []byte) string {
	result, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), data)
	if err != nil {
		return string(data)
	}
	return string(result)
}
