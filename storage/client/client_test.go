package client

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/restakefi/keyguard/log"
	"github.com/restakefi/keyguard/storage"
	"github.com/restakefi/keyguard/storage/postgres"
	"github.com/restakefi/keyguard/storage/postgres/testutil"
	"github.com/restakefi/keyguard/storage/storagetest"
)

func TestStorageClient(t *testing.T) {
	testutil.SkipIfNoDatabase(t)
	connString := os.Getenv("CI_TEST_CONN_STRING")

	storagetest.Run(t, func(t *testing.T) storage.Storage {
		ctx := context.Background()
		db := testutil.NewTestClient(t)
		require.NoError(t, db.Wipe(ctx), "failed to wipe database")
		require.NoError(t, postgres.RunMigrations("", connString, log.NewNopLogger()), "failed to run migrations")
		c := NewStorageClient(db, log.NewNopLogger())
		t.Cleanup(c.Close)
		return c
	})
}
