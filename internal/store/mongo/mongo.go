// Package mongo implements the store on MongoDB.
//
// Alias and thread documents may live in separate collections or, as in
// older deployments, share a single collection: alias documents are matched
// on {user, host, active} and thread documents on {id}.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/shineum/smtp-mask-relay/internal/store"
)

// Config names the database and collections to use.
type Config struct {
	URI              string
	Database         string
	AliasCollection  string
	ThreadCollection string
	ConnectTimeout   time.Duration
}

// Store is a MongoDB-backed store.
type Store struct {
	client  *mongo.Client
	aliases *mongo.Collection
	threads *mongo.Collection
}

// Open connects to MongoDB, verifies the connection and ensures the unique
// index on thread ids.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Database == "" {
		return nil, errors.New("mongo: database name is required")
	}
	if cfg.AliasCollection == "" {
		cfg.AliasCollection = "aliases"
	}
	if cfg.ThreadCollection == "" {
		cfg.ThreadCollection = "threads"
	}

	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:  client,
		aliases: db.Collection(cfg.AliasCollection),
		threads: db.Collection(cfg.ThreadCollection),
	}

	// Partial so alias documents sharing the collection (no id field) do not
	// collide on a null key.
	_, err = s.threads.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "id", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.D{{Key: "id", Value: bson.D{{Key: "$exists", Value: true}}}}),
	})
	if err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create thread index: %w", err)
	}

	slog.Info("connected to mongo",
		"database", cfg.Database,
		"alias_collection", cfg.AliasCollection,
		"thread_collection", cfg.ThreadCollection,
	)

	return s, nil
}

// PutAlias inserts an alias document. Used by tests and provisioning tools.
func (s *Store) PutAlias(ctx context.Context, a store.Alias) error {
	if a.Dest == nil {
		a.Dest = []string{}
	}
	if _, err := s.aliases.InsertOne(ctx, a); err != nil {
		return fmt.Errorf("failed to insert alias: %w", err)
	}
	return nil
}

func (s *Store) FindAlias(ctx context.Context, user, host string) (*store.Alias, error) {
	filter := bson.D{
		{Key: "user", Value: user},
		{Key: "host", Value: host},
		{Key: "active", Value: true},
	}

	var a store.Alias
	err := s.aliases.FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alias: %w", err)
	}
	return &a, nil
}

func (s *Store) FindThread(ctx context.Context, id string) (*store.Thread, error) {
	var t store.Thread
	err := s.threads.FindOne(ctx, bson.D{{Key: "id", Value: id}}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query thread: %w", err)
	}
	return &t, nil
}

func (s *Store) CreateThread(ctx context.Context, t store.Thread) (*store.Thread, bool, error) {
	_, err := s.threads.InsertOne(ctx, t)
	if err == nil {
		return &t, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("failed to insert thread: %w", err)
	}

	existing, err := s.FindThread(ctx, t.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) Name() string {
	return "mongo"
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
