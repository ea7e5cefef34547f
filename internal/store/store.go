// Package store defines the persistent records the relay reads and writes,
// and the contracts every storage backend implements.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("store: not found")

// Alias is a masked address and the real addresses it forwards to.
type Alias struct {
	User        string   `bson:"user" json:"user" yaml:"user"`
	Host        string   `bson:"host" json:"host" yaml:"host"`
	Active      bool     `bson:"active" json:"active" yaml:"active"`
	Dest        []string `bson:"dest" json:"dest" yaml:"dest"`
	TwoWayRelay bool     `bson:"two_way_relay" json:"two_way_relay" yaml:"two_way_relay"`
}

// Address returns the alias as user@host.
func (a *Alias) Address() string {
	return a.User + "@" + a.Host
}

// Thread correlates a message identifier with the two real parties of a
// conversation and the alias between them. A thread is immutable once
// created.
type Thread struct {
	ID     string `bson:"id" json:"id"`
	Origin string `bson:"origin" json:"origin"`
	Dest   string `bson:"dest" json:"dest"`
	Alias  string `bson:"alias" json:"alias"`
}

// AliasDirectory looks up active aliases.
type AliasDirectory interface {
	// FindAlias returns the first active alias matching user and host, or
	// ErrNotFound.
	FindAlias(ctx context.Context, user, host string) (*Alias, error)
}

// ThreadStore records conversation threads.
type ThreadStore interface {
	// FindThread returns the thread with the given id, or ErrNotFound.
	FindThread(ctx context.Context, id string) (*Thread, error)

	// CreateThread inserts t unless a thread with the same id exists. It
	// returns the stored thread and whether this call created it; when
	// another writer won the race the existing record is returned.
	CreateThread(ctx context.Context, t Thread) (*Thread, bool, error)
}

// Store is a complete backend: alias directory, thread store and lifecycle.
type Store interface {
	AliasDirectory
	ThreadStore

	// Name returns the human-readable backend name.
	Name() string

	// Close releases the backend's connections.
	Close(ctx context.Context) error
}
