// Package postgres implements the target storage interface
// backed by PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"

	"github.com/restakefi/keyguard/log"
	"github.com/restakefi/keyguard/metrics"
	"github.com/restakefi/keyguard/storage"
)

const (
	moduleName = "postgres"

	// schema holds every keyguard table, type and index.
	schema = "keyguard"
	// migrationsTable is where golang-migrate records the applied version.
	migrationsTable = "public.schema_migrations"
)

// Client is a client for connecting to PostgreSQL.
type Client struct {
	pool    *pgxpool.Pool
	logger  *log.Logger
	metrics metrics.DatabaseMetrics
}

var _ storage.TargetStorage = (*Client)(nil)

// pgxLogger routes pgx trace logs into the keyguard logger.
type pgxLogger struct {
	logger *log.Logger
}

func (l *pgxLogger) Log(_ context.Context, level tracelog.LogLevel, msg string, data map[string]interface{}) {
	args := make([]interface{}, 0, 2*len(data))
	for k, v := range data {
		args = append(args, k, v)
	}
	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		l.logger.Debug(msg, args...)
	case tracelog.LogLevelInfo:
		l.logger.Info(msg, args...)
	case tracelog.LogLevelWarn:
		l.logger.Warn(msg, args...)
	default:
		l.logger.Error(msg, args...)
	}
}

// NewClient creates a new PostgreSQL client.
func NewClient(connString string, l *log.Logger) (*Client, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	// Only warnings and errors from pgx reach the logger; "Info" would log
	// every statement.
	config.ConnConfig.Tracer = &tracelog.TraceLog{
		LogLevel: tracelog.LogLevelWarn,
		Logger: &pgxLogger{
			logger: l.WithModule(moduleName).With("db", config.ConnConfig.Database),
		},
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, err
	}
	return &Client{
		pool:    pool,
		logger:  l.WithModule(moduleName),
		metrics: metrics.NewDefaultDatabaseMetrics("keyguard", moduleName),
	}, nil
}

// SendBatch applies the batch in one transaction. Statements are pipelined
// in a single round trip; the first failing statement aborts the batch.
func (c *Client) SendBatch(ctx context.Context, batch *storage.QueryBatch) (err error) {
	timer := c.metrics.Timer("send_batch")
	defer func() { c.metrics.Observe("send_batch", timer, err) }()

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				c.logger.Error("failed to roll back batch", "err", rbErr)
			}
		}
	}()

	pgxBatch := batch.AsPgxBatch()
	results := tx.SendBatch(ctx, &pgxBatch)
	for i, q := range batch.Queries() {
		if _, err = results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("query %d %q: %w", i, q.Cmd, err)
		}
	}
	if err = results.Close(); err != nil {
		return fmt.Errorf("close batch results: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Query submits a new read query to PostgreSQL.
func (c *Client) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	timer := c.metrics.Timer("query")
	rows, err := c.pool.Query(ctx, sql, args...)
	c.metrics.Observe("query", timer, err)
	if err != nil {
		c.logger.Error("failed to query db",
			"error", err,
			"query_cmd", sql,
		)
		return nil, err
	}
	return rows, nil
}

// QueryRow submits a new read query for a single row to PostgreSQL.
func (c *Client) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return c.pool.QueryRow(ctx, sql, args...)
}

// Begin implements the storage.TargetStorage interface for Client.
func (c *Client) Begin(ctx context.Context) (storage.Tx, error) {
	timer := c.metrics.Timer("begin")
	tx, err := c.pool.Begin(ctx)
	c.metrics.Observe("begin", timer, err)
	return tx, err
}

// Close implements the storage.TargetStorage interface for Client.
func (c *Client) Close() {
	c.pool.Close()
}

// Name implements the storage.TargetStorage interface for Client.
func (c *Client) Name() string {
	return moduleName
}

// Wipe drops the keyguard schema and the migration bookkeeping, so that the
// next RunMigrations starts from an empty database.
func (c *Client) Wipe(ctx context.Context) error {
	for _, stmt := range []string{
		fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema),
		fmt.Sprintf("DROP TABLE IF EXISTS %s", migrationsTable),
	} {
		c.logger.Info("wiping", "statement", stmt)
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("wipe: %w", err)
		}
	}
	return nil
}
