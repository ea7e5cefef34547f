// Package memory implements an in-process store, used for tests and for
// running the relay locally from a YAML alias file.
package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shineum/smtp-mask-relay/internal/store"
)

// Store keeps aliases and threads in maps guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	aliases []store.Alias
	threads map[string]store.Thread
}

// New returns an empty Store.
func New() *Store {
	return &Store{threads: make(map[string]store.Thread)}
}

// aliasFile is the on-disk layout accepted by LoadFile.
type aliasFile struct {
	Aliases []store.Alias `yaml:"aliases"`
}

// LoadFile reads aliases from a YAML file of the form:
//
//	aliases:
//	  - user: alias
//	    host: domain.me
//	    active: true
//	    dest: [real@dest.com]
//	    two_way_relay: true
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read alias file: %w", err)
	}

	var f aliasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse alias file: %w", err)
	}

	for _, a := range f.Aliases {
		s.PutAlias(a)
	}
	return nil
}

// PutAlias appends an alias record. Lookups return the first active match,
// so later records with the same key only matter once earlier ones are
// inactive.
func (s *Store) PutAlias(a store.Alias) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Dest = slices.Clone(a.Dest)
	s.aliases = append(s.aliases, a)
}

func (s *Store) FindAlias(ctx context.Context, user, host string) (*store.Alias, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.aliases {
		if a.Active && a.User == user && a.Host == host {
			found := a
			found.Dest = slices.Clone(a.Dest)
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindThread(ctx context.Context, id string) (*store.Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) CreateThread(ctx context.Context, t store.Thread) (*store.Thread, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.threads[t.ID]; ok {
		return &existing, false, nil
	}
	s.threads[t.ID] = t
	return &t, true, nil
}

// Threads returns the number of recorded threads.
func (s *Store) Threads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

func (s *Store) Name() string {
	return "memory"
}

func (s *Store) Close(context.Context) error {
	return nil
}
