// Package testutil provides a Postgres client for tests that need a live database.
package testutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/restakefi/keyguard/log"
	"github.com/restakefi/keyguard/storage/postgres"
)

// SkipIfNoDatabase skips tests when CI_TEST_CONN_STRING is not set.
func SkipIfNoDatabase(t *testing.T) {
	if testing.Short() || os.Getenv("CI_TEST_CONN_STRING") == "" {
		t.Skip("skipping test that requires CI_TEST_CONN_STRING")
	}
}

// NewTestClient returns a postgres client used in CI tests.
func NewTestClient(t *testing.T) *postgres.Client {
	SkipIfNoDatabase(t)
	connString := os.Getenv("CI_TEST_CONN_STRING")
	logger, err := log.NewLogger("postgres-test", os.Stdout, log.FmtJSON, log.LevelError)
	require.Nil(t, err, "log.NewLogger")

	client, err := postgres.NewClient(connString, logger)
	require.Nil(t, err, "postgres.NewClient")
	return client
}
