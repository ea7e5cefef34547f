// Package storetest holds the behaviour every store backend must share.
// Backend tests call Run with a constructor for a fresh, empty store.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-mask-relay/internal/store"
)

// Harness is an empty store plus a way to seed alias records into it.
type Harness struct {
	Store    store.Store
	PutAlias func(t *testing.T, a store.Alias)
	// Unique is true when the backend enforces one thread per id atomically.
	Unique   bool
}

// Run executes the shared suite. newHarness is called once per subtest.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Run("FindAlias", func(t *testing.T) { testFindAlias(t, newHarness(t)) })
	t.Run("FindAliasInactive", func(t *testing.T) { testFindAliasInactive(t, newHarness(t)) })
	t.Run("FindAliasFirstActiveWins", func(t *testing.T) { testFirstActiveWins(t, newHarness(t)) })
	t.Run("FindAliasNotFound", func(t *testing.T) { testFindAliasNotFound(t, newHarness(t)) })
	t.Run("ThreadCreateOnce", func(t *testing.T) { testThreadCreateOnce(t, newHarness(t)) })
	t.Run("ThreadNotFound", func(t *testing.T) { testThreadNotFound(t, newHarness(t)) })
	t.Run("ThreadConcurrentCreate", func(t *testing.T) { testThreadConcurrentCreate(t, newHarness(t)) })
}

func testFindAlias(t *testing.T, h Harness) {
	ctx := context.Background()
	h.PutAlias(t, store.Alias{
		User:        "alias",
		Host:        "domain.me",
		Active:      true,
		Dest:        []string{"real@dest.com", "other@dest.com"},
		TwoWayRelay: true,
	})

	got, err := h.Store.FindAlias(ctx, "alias", "domain.me")
	require.NoError(t, err)
	assert.Equal(t, "alias", got.User)
	assert.Equal(t, "domain.me", got.Host)
	assert.True(t, got.Active)
	assert.Equal(t, []string{"real@dest.com", "other@dest.com"}, got.Dest)
	assert.True(t, got.TwoWayRelay)
	assert.Equal(t, "alias@domain.me", got.Address())
}

func testFindAliasInactive(t *testing.T, h Harness) {
	h.PutAlias(t, store.Alias{User: "off", Host: "domain.me", Active: false, Dest: []string{"real@dest.com"}})

	_, err := h.Store.FindAlias(context.Background(), "off", "domain.me")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testFirstActiveWins(t *testing.T, h Harness) {
	h.PutAlias(t, store.Alias{User: "dup", Host: "domain.me", Active: false, Dest: []string{"old@dest.com"}})
	h.PutAlias(t, store.Alias{User: "dup", Host: "domain.me", Active: true, Dest: []string{"new@dest.com"}})

	got, err := h.Store.FindAlias(context.Background(), "dup", "domain.me")
	require.NoError(t, err)
	assert.Equal(t, []string{"new@dest.com"}, got.Dest)
}

func testFindAliasNotFound(t *testing.T, h Harness) {
	h.PutAlias(t, store.Alias{User: "alias", Host: "domain.me", Active: true, Dest: []string{"real@dest.com"}})

	_, err := h.Store.FindAlias(context.Background(), "ghost", "domain.me")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.Store.FindAlias(context.Background(), "alias", "other.me")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testThreadCreateOnce(t *testing.T, h Harness) {
	ctx := context.Background()
	first := store.Thread{ID: "abc@thread", Origin: "alice@real.com", Dest: "bob@real.com", Alias: "alias@domain.me"}

	got, created, err := h.Store.CreateThread(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first, *got)

	second := store.Thread{ID: "abc@thread", Origin: "mallory@real.com", Dest: "eve@real.com", Alias: "other@domain.me"}
	got, created, err = h.Store.CreateThread(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, *got, "existing thread must stay authoritative")

	for i := 0; i < 3; i++ {
		found, err := h.Store.FindThread(ctx, "abc@thread")
		require.NoError(t, err)
		assert.Equal(t, first, *found)
	}
}

func testThreadNotFound(t *testing.T, h Harness) {
	_, err := h.Store.FindThread(context.Background(), "missing@thread")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testThreadConcurrentCreate(t *testing.T, h Harness) {
	if !h.Unique {
		t.Skip("backend does not enforce unique thread ids")
	}

	ctx := context.Background()
	const writers = 8

	var wg sync.WaitGroup
	results := make([]*store.Thread, writers)
	createdCount := make([]bool, writers)
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], createdCount[i], errs[i] = h.Store.CreateThread(ctx, store.Thread{
				ID:     "race@thread",
				Origin: "origin@real.com",
				Dest:   "dest@real.com",
				Alias:  "alias@domain.me",
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "origin@real.com", results[i].Origin)
		if createdCount[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}
