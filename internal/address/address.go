// Package address parses free-form email address strings into normalized records.
package address

import (
	"net/mail"
	"strings"
)

// Address is a normalized email address with an optional display name.
// Email is always lowercased.
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Parse parses a single free-form address such as "Jane Doe <jane@x.com>" or a
// bare "jane@x.com". A bare address gets its display name from the local part.
// Empty input yields the zero Address; Parse never fails.
func Parse(s string) Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}
	}

	if addr, err := mail.ParseAddress(s); err == nil {
		return normalize(addr.Name, addr.Address)
	}

	// Fall back to angle-bracket extraction for inputs net/mail rejects,
	// such as unquoted display names with punctuation.
	if open := strings.LastIndex(s, "<"); open >= 0 {
		if close := strings.Index(s[open:], ">"); close > 0 {
			name := strings.Trim(strings.TrimSpace(s[:open]), `"`)
			return normalize(name, s[open+1:open+close])
		}
	}

	return normalize("", s)
}

// ParseList parses a comma-separated list of addresses. Empty input yields an
// empty list; entries that cannot be parsed are kept best-effort.
func ParseList(s string) []Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return []Address{}
	}

	if addrs, err := mail.ParseAddressList(s); err == nil {
		result := make([]Address, len(addrs))
		for i, addr := range addrs {
			result[i] = normalize(addr.Name, addr.Address)
		}
		return result
	}

	// Best-effort split. Commas inside quoted display names are rare in the
	// payloads we receive and already handled by the net/mail path above.
	parts := strings.Split(s, ",")
	result := make([]Address, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		result = append(result, Parse(part))
	}
	return result
}

// ParseAll parses every element of a list of free-form address strings,
// flattening comma lists inside individual elements.
func ParseAll(values []string) []Address {
	result := make([]Address, 0, len(values))
	for _, v := range values {
		result = append(result, ParseList(v)...)
	}
	return result
}

// Valid reports whether s parses as a syntactically valid address.
func Valid(s string) bool {
	_, err := mail.ParseAddress(strings.TrimSpace(s))
	return err == nil
}

func normalize(name, email string) Address {
	email = strings.ToLower(strings.TrimSpace(email))
	name = strings.TrimSpace(name)
	if name == "" {
		if at := strings.Index(email, "@"); at > 0 {
			name = email[:at]
		}
	}
	return Address{Name: name, Email: email}
}
