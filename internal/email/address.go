package email

import (
	"fmt"
	"strings"
)

// Address is an RFC 2821 envelope address (reverse-path or forward-path).
// The zero value is the null reverse-path "<>".
type Address struct {
	User string
	Host string
}

// ParseAddress parses an envelope address with or without angle brackets.
// "<>" parses to the null address.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return Address{}, fmt.Errorf("unterminated address %q", s)
		}
		s = s[1:end]
	}
	if s == "" {
		return Address{}, nil
	}

	// A source route (@a,@b:user@host) is obsolete; keep only the mailbox.
	if strings.HasPrefix(s, "@") {
		if i := strings.Index(s, ":"); i >= 0 {
			s = s[i+1:]
		}
	}

	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return Address{}, fmt.Errorf("invalid mailbox %q", s)
	}
	if strings.ContainsAny(s, " \t<>") {
		return Address{}, fmt.Errorf("invalid mailbox %q", s)
	}

	return Address{User: s[:at], Host: s[at+1:]}, nil
}

// MustParseAddress is like ParseAddress but panics on error. Meant for tests
// and constants.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsNull reports whether a is the null reverse-path.
func (a Address) IsNull() bool {
	return a.User == "" && a.Host == ""
}

// String returns user@host, or an empty string for the null address.
func (a Address) String() string {
	if a.IsNull() {
		return ""
	}
	return a.User + "@" + a.Host
}

// Bracketed returns the address in SMTP path form, e.g. "<user@host>".
func (a Address) Bracketed() string {
	return "<" + a.String() + ">"
}
