package mongo

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-mask-relay/internal/store"
	"github.com/shineum/smtp-mask-relay/internal/store/storetest"
)

func testURI(t *testing.T) string {
	uri := os.Getenv("MASK_RELAY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("MASK_RELAY_TEST_MONGO_URI not set")
	}
	return uri
}

func openScratch(t *testing.T, cfg Config) *Store {
	t.Helper()
	ctx := context.Background()
	cfg.Database = "relay_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	cfg.ConnectTimeout = 5 * time.Second

	s, err := Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.aliases.Database().Drop(ctx)
		s.Close(ctx)
	})
	return s
}

func harness(cfg Config) func(t *testing.T) storetest.Harness {
	return func(t *testing.T) storetest.Harness {
		s := openScratch(t, cfg)
		return storetest.Harness{
			Store: s,
			PutAlias: func(t *testing.T, a store.Alias) {
				require.NoError(t, s.PutAlias(context.Background(), a))
			},
			Unique: true,
		}
	}
}

func TestStore_SeparateCollections(t *testing.T) {
	storetest.Run(t, harness(Config{URI: testURI(t)}))
}

func TestStore_SharedCollection(t *testing.T) {
	storetest.Run(t, harness(Config{
		URI:              testURI(t),
		AliasCollection:  "aliases",
		ThreadCollection: "aliases",
	}))
}

func TestOpen_RequiresDatabase(t *testing.T) {
	_, err := Open(context.Background(), Config{URI: "mongodb://localhost:27017"})
	require.Error(t, err)
}
