package srs

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var day0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRewriter(t *testing.T, now time.Time) *Rewriter {
	t.Helper()
	r, err := New("123", "domain.me", WithClock(fixedClock(now)))
	require.NoError(t, err)
	return r
}

func TestNew_RequiresSecretAndDomain(t *testing.T) {
	_, err := New("", "domain.me")
	require.Error(t, err)

	_, err = New("123", "")
	require.Error(t, err)

	_, err = New("123", "domain.me", WithMaxAge(0))
	require.Error(t, err)
}

func TestRewrite_SRS0Layout(t *testing.T) {
	r := newTestRewriter(t, day0)

	got, err := r.Rewrite("joe", "test.com")
	require.NoError(t, err)

	parts := strings.Split(got, "=")
	require.Len(t, parts, 5)
	assert.Equal(t, "SRS0", parts[0])
	assert.Len(t, parts[1], defaultHashLength)
	assert.Len(t, parts[2], 2)
	assert.Equal(t, "test.com", parts[3])
	assert.Equal(t, "joe", parts[4])
	assert.Equal(t, "domain.me", r.SenderDomain())
}

func TestRewrite_Deterministic(t *testing.T) {
	r := newTestRewriter(t, day0)

	a, err := r.Rewrite("joe", "test.com")
	require.NoError(t, err)
	b, err := r.Rewrite("joe", "test.com")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := New("456", "domain.me", WithClock(fixedClock(day0)))
	require.NoError(t, err)
	c, err := other.Rewrite("joe", "test.com")
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "different secrets must produce different hashes")
}

func TestRewrite_EmptySender(t *testing.T) {
	r := newTestRewriter(t, day0)
	_, err := r.Rewrite("", "test.com")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestReverse_RoundTrip(t *testing.T) {
	r := newTestRewriter(t, day0)

	local, err := r.Rewrite("joe.bloggs+tag", "test.com")
	require.NoError(t, err)

	user, host, err := r.Reverse(local)
	require.NoError(t, err)
	assert.Equal(t, "joe.bloggs+tag", user)
	assert.Equal(t, "test.com", host)
}

func TestReverse_CaseFolded(t *testing.T) {
	r := newTestRewriter(t, day0)

	local, err := r.Rewrite("joe", "test.com")
	require.NoError(t, err)

	user, host, err := r.Reverse(strings.ToLower(local))
	require.NoError(t, err)
	assert.Equal(t, "joe", user)
	assert.Equal(t, "test.com", host)
}

func TestReverse_Tampered(t *testing.T) {
	r := newTestRewriter(t, day0)

	local, err := r.Rewrite("joe", "test.com")
	require.NoError(t, err)

	tampered := strings.Replace(local, "=joe", "=eve", 1)
	_, _, err = r.Reverse(tampered)
	require.ErrorIs(t, err, ErrBadHash)
}

func TestReverse_Expired(t *testing.T) {
	r := newTestRewriter(t, day0)
	local, err := r.Rewrite("joe", "test.com")
	require.NoError(t, err)

	later := newTestRewriter(t, day0.Add(time.Duration(defaultMaxAge+1)*24*time.Hour))
	_, _, err = later.Reverse(local)
	require.ErrorIs(t, err, ErrExpired)

	stillValid := newTestRewriter(t, day0.Add(time.Duration(defaultMaxAge)*24*time.Hour))
	_, _, err = stillValid.Reverse(local)
	require.NoError(t, err)
}

func TestReverse_NotSRS(t *testing.T) {
	r := newTestRewriter(t, day0)
	_, _, err := r.Reverse("joe")
	require.ErrorIs(t, err, ErrNotSRS)

	_, _, err = r.Reverse("SRS0=abcd")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestRewrite_AlreadyRewrittenBecomesSRS1(t *testing.T) {
	first, err := New("first-secret", "first.example", WithClock(fixedClock(day0)))
	require.NoError(t, err)
	r := newTestRewriter(t, day0)

	srs0, err := first.Rewrite("joe", "test.com")
	require.NoError(t, err)

	srs1, err := r.Rewrite(srs0, "first.example")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(srs1, "SRS1="), "got %q", srs1)
	assert.Contains(t, srs1, "=first.example==")

	// Reversing SRS1 yields the SRS0 address at the first forwarder.
	user, host, err := r.Reverse(srs1)
	require.NoError(t, err)
	assert.Equal(t, srs0, user)
	assert.Equal(t, "first.example", host)

	// A third hop keeps pointing at the first forwarder.
	third, err := New("third-secret", "third.example", WithClock(fixedClock(day0)))
	require.NoError(t, err)
	srs1Again, err := third.Rewrite(srs1, "domain.me")
	require.NoError(t, err)
	assert.Contains(t, srs1Again, "=first.example==")
	user, host, err = third.Reverse(srs1Again)
	require.NoError(t, err)
	assert.Equal(t, srs0, user)
	assert.Equal(t, "first.example", host)
}

func TestReloadable_Swap(t *testing.T) {
	a := newTestRewriter(t, day0)
	b, err := New("other", "other.example", WithClock(fixedClock(day0)))
	require.NoError(t, err)

	rl := NewReloadable(a)
	assert.Equal(t, "domain.me", rl.SenderDomain())
	before, err := rl.Rewrite("joe", "test.com")
	require.NoError(t, err)

	rl.Store(b)
	assert.Equal(t, "other.example", rl.SenderDomain())
	after, err := rl.Rewrite("joe", "test.com")
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
	assert.Same(t, b, rl.Current())
}
