// Package srs implements the Sender Rewriting Scheme used to give forwarded
// messages a bounce-routable envelope sender at the relay's own domain.
//
// Addresses use the common SRS0/SRS1 layout:
//
//	SRS0=HHHH=TT=orig-domain=orig-local
//	SRS1=HHHH=first-forwarder==HHHH=TT=orig-domain=orig-local
//
// HHHH is a truncated HMAC-SHA1 over the remaining fields and TT is a
// base32 day stamp, so a rewritten address can be validated and reversed by
// any holder of the secret for a limited time.
package srs

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// defaultHashLength is the number of base64 characters kept from the HMAC.
	defaultHashLength = 4

	// defaultMaxAge is how many days a rewritten address stays reversible.
	defaultMaxAge = 21

	base32Chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

	// stampCycle is the number of distinct two-character day stamps.
	stampCycle = 1024
)

var (
	// ErrNotSRS is returned by Reverse for a local part that is not an SRS address.
	ErrNotSRS = errors.New("srs: not an SRS address")
	// ErrBadHash is returned when the embedded hash does not match.
	ErrBadHash = errors.New("srs: hash mismatch")
	// ErrExpired is returned when the day stamp is older than the maximum age.
	ErrExpired = errors.New("srs: address expired")
	// ErrMalformed is returned for an SRS address with missing fields.
	ErrMalformed = errors.New("srs: malformed address")
)

// Rewriter rewrites envelope senders into SRS addresses at a fixed domain.
// It is safe for concurrent use.
type Rewriter struct {
	secret     []byte
	domain     string
	hashLength int
	maxAge     int
	now        func() time.Time
}

// Option customizes a Rewriter.
type Option func(*Rewriter)

// WithClock overrides the time source, used for testing.
func WithClock(now func() time.Time) Option {
	return func(r *Rewriter) { r.now = now }
}

// WithMaxAge sets how many days a rewritten address remains valid.
func WithMaxAge(days int) Option {
	return func(r *Rewriter) { r.maxAge = days }
}

// New creates a Rewriter for the given secret and sender domain.
func New(secret, senderDomain string, opts ...Option) (*Rewriter, error) {
	if secret == "" {
		return nil, errors.New("srs: secret is required")
	}
	if senderDomain == "" {
		return nil, errors.New("srs: sender domain is required")
	}

	r := &Rewriter{
		secret:     []byte(secret),
		domain:     senderDomain,
		hashLength: defaultHashLength,
		maxAge:     defaultMaxAge,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxAge <= 0 || r.maxAge >= stampCycle {
		return nil, fmt.Errorf("srs: max age must be between 1 and %d days", stampCycle-1)
	}
	return r, nil
}

// SenderDomain returns the domain rewritten senders are placed at.
func (r *Rewriter) SenderDomain() string {
	return r.domain
}

// Rewrite returns the SRS local part for the sender local@host. The result
// is meant to be combined with SenderDomain. Addresses that are already SRS
// rewritten by another forwarder are converted to SRS1 so the chain stays
// short.
func (r *Rewriter) Rewrite(local, host string) (string, error) {
	if local == "" || host == "" {
		return "", fmt.Errorf("%w: empty sender", ErrMalformed)
	}

	switch {
	case hasTag(local, "SRS1"):
		// SRS1=HHHH=first-forwarder==...: keep the first forwarder and
		// re-sign the opaque part.
		fields := strings.SplitN(local[5:], "=", 3)
		if len(fields) != 3 || fields[1] == "" {
			return r.rewriteSRS0(local, host), nil
		}
		first, rest := fields[1], fields[2]
		return "SRS1=" + r.hash(first, rest) + "=" + first + "=" + rest, nil

	case hasTag(local, "SRS0"):
		// Keep the separator following the tag so Reverse can rebuild it.
		rest := local[4:]
		return "SRS1=" + r.hash(host, rest) + "=" + host + "=" + rest, nil
	}

	return r.rewriteSRS0(local, host), nil
}

// Reverse decodes an SRS local part produced by Rewrite. For SRS0 it
// returns the original sender; for SRS1 it returns the SRS0 address at the
// first forwarder.
func (r *Rewriter) Reverse(local string) (string, string, error) {
	switch {
	case hasTag(local, "SRS0"):
		fields := strings.SplitN(local[5:], "=", 4)
		if len(fields) != 4 || fields[2] == "" || fields[3] == "" {
			return "", "", ErrMalformed
		}
		hash, stamp, host, user := fields[0], fields[1], fields[2], fields[3]
		if !r.validHash(hash, stamp, host, user) {
			return "", "", ErrBadHash
		}
		if err := r.checkStamp(stamp); err != nil {
			return "", "", err
		}
		return user, host, nil

	case hasTag(local, "SRS1"):
		fields := strings.SplitN(local[5:], "=", 3)
		if len(fields) != 3 || fields[1] == "" || fields[2] == "" {
			return "", "", ErrMalformed
		}
		hash, host, rest := fields[0], fields[1], fields[2]
		if !r.validHash(hash, host, rest) {
			return "", "", ErrBadHash
		}
		return "SRS0" + rest, host, nil
	}

	return "", "", ErrNotSRS
}

func (r *Rewriter) rewriteSRS0(local, host string) string {
	stamp := r.stamp()
	return "SRS0=" + r.hash(stamp, host, local) + "=" + stamp + "=" + host + "=" + local
}

func (r *Rewriter) hash(parts ...string) string {
	mac := hmac.New(sha1.New, r.secret)
	for _, p := range parts {
		mac.Write([]byte(strings.ToLower(p)))
	}
	sum := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return sum[:r.hashLength]
}

func (r *Rewriter) validHash(got string, parts ...string) bool {
	want := r.hash(parts...)
	// Hashes travel through MTAs that may fold case.
	return len(got) == len(want) && hmac.Equal([]byte(strings.ToLower(got)), []byte(strings.ToLower(want)))
}

func (r *Rewriter) day() int {
	return int(r.now().Unix()/86400) % stampCycle
}

func (r *Rewriter) stamp() string {
	d := r.day()
	return string([]byte{base32Chars[(d>>5)&31], base32Chars[d&31]})
}

func (r *Rewriter) checkStamp(stamp string) error {
	if len(stamp) != 2 {
		return ErrMalformed
	}
	hi := strings.IndexByte(base32Chars, upper(stamp[0]))
	lo := strings.IndexByte(base32Chars, upper(stamp[1]))
	if hi < 0 || lo < 0 {
		return ErrMalformed
	}
	then := hi<<5 | lo
	age := (r.day() - then + stampCycle) % stampCycle
	if age > r.maxAge {
		return ErrExpired
	}
	return nil
}

// hasTag reports whether local starts with tag (case-insensitive) followed
// by one of the SRS separators.
func hasTag(local, tag string) bool {
	if len(local) <= len(tag) || !strings.EqualFold(local[:len(tag)], tag) {
		return false
	}
	switch local[len(tag)] {
	case '=', '+', '-':
		return true
	}
	return false
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}
