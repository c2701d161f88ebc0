// Package storage defines storage interfaces.
package storage

import (
	"context"
	"errors"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/restakefi/keyguard/common"
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPendingRemovalExists is returned when a removal is marked pending
	// while another removal of the same operator registry is still pending.
	ErrPendingRemovalExists = errors.New("another removal is pending for this registry")

	// ErrNotPending is returned when settling a removal that is not pending.
	ErrNotPending = errors.New("removal is not pending")
)

// QueuedQuery is a single statement of a QueryBatch.
type QueuedQuery struct {
	Cmd  string
	Args []interface{}
}

// QueryBatch represents a batch of queries to be executed atomically.
type QueryBatch struct {
	items []*QueuedQuery
}

// Queue adds a statement to the batch.
func (b *QueryBatch) Queue(cmd string, args ...interface{}) {
	b.items = append(b.items, &QueuedQuery{Cmd: cmd, Args: args})
}

// Queries returns the queued statements.
func (b *QueryBatch) Queries() []*QueuedQuery {
	return b.items
}

// AsPgxBatch converts the batch into a pgx batch.
func (b *QueryBatch) AsPgxBatch() pgx.Batch {
	pgxBatch := pgx.Batch{}
	for _, q := range b.items {
		pgxBatch.Queue(q.Cmd, q.Args...)
	}
	return pgxBatch
}

// QueryResults represents the results from a read query.
type QueryResults = pgx.Rows

// QueryResult represents the result from a read query.
type QueryResult = pgx.Row

// Tx represents a database transaction.
type Tx = pgx.Tx

// TargetStorage defines an interface for reading and writing daemon state.
type TargetStorage interface {
	// SendBatch sends a batch of queries to be applied to target storage.
	SendBatch(ctx context.Context, batch *QueryBatch) error

	// Query submits a query to fetch data from target storage.
	Query(ctx context.Context, sql string, args ...interface{}) (QueryResults, error)

	// QueryRow submits a query to fetch a single row of data from target storage.
	QueryRow(ctx context.Context, sql string, args ...interface{}) QueryResult

	// Begin starts a new transaction.
	// XXX: Not the nicest that this exposes the underlying pgx.Tx interface. Could instead
	// return a `storage.Tx`-like interface that wraps pgx.Tx.
	Begin(ctx context.Context) (Tx, error)

	// Close shuts down the target storage client.
	Close()

	// Name returns the name of the target storage.
	Name() string
}

// TaskStateStorage persists per-task progress and run status.
type TaskStateStorage interface {
	// TaskState returns the stored state, or nil if the task has no row yet.
	TaskState(ctx context.Context, key common.TaskKey) (*common.TaskState, error)

	// EnsureTaskRunning creates a running row at block 0 if absent. It returns
	// the last processed block if the task is running and nil if it is paused.
	EnsureTaskRunning(ctx context.Context, key common.TaskKey) (*uint64, error)

	// SetTaskStatus upserts the status, keeping the last processed block.
	SetTaskStatus(ctx context.Context, key common.TaskKey, status common.TaskStatus) error

	// AdvanceTaskCheckpoint moves the last processed block forward. Lower
	// values are ignored.
	AdvanceTaskCheckpoint(ctx context.Context, key common.TaskKey, block uint64) error

	// ListTaskStates returns every stored task state.
	ListTaskStates(ctx context.Context) ([]*common.TaskState, error)
}

// KeyStorage persists validator keys and their removal transactions.
type KeyStorage interface {
	// InsertValidatorKeys stores newly observed keys. Keys already present
	// (by chain and public key) are skipped. Returns the number inserted.
	InsertValidatorKeys(ctx context.Context, keys []*common.ValidatorKey) (int, error)

	// UnverifiedKeys returns up to limit keys that were neither verified nor
	// linked to a removal, oldest first.
	UnverifiedKeys(ctx context.Context, chainID common.ChainID, registry ethCommon.Address, limit int) ([]*common.ValidatorKey, error)

	// MarkKeysVerified records that the keys passed verification.
	MarkKeysVerified(ctx context.Context, ids []int64, at time.Time) error

	// QueueRemoval inserts a queued removal and links the given keys to it
	// in one transaction.
	QueueRemoval(ctx context.Context, tx *common.RemoveKeysTransaction, keyIDs []int64) (*common.RemoveKeysTransaction, error)

	// PendingRemoval returns the registry's pending removal, if any.
	PendingRemoval(ctx context.Context, chainID common.ChainID, registry ethCommon.Address) (*common.RemoveKeysTransaction, error)

	// NextQueuedRemoval returns the queued removal whose keys sit highest in
	// the operator's list, if any.
	NextQueuedRemoval(ctx context.Context, chainID common.ChainID, registry ethCommon.Address) (*common.RemoveKeysTransaction, error)

	// RemovalByHash returns the removal carrying the transaction hash, if any.
	RemovalByHash(ctx context.Context, chainID common.ChainID, hash ethCommon.Hash) (*common.RemoveKeysTransaction, error)

	// LinkedKeys returns the keys linked to a removal ordered by key index.
	LinkedKeys(ctx context.Context, removalID int64) ([]*common.ValidatorKey, error)

	// MarkRemovalPending moves a queued removal to pending with the submitted
	// transaction hash and the key range it targets. Fails with
	// ErrPendingRemovalExists if the registry already has a pending removal.
	MarkRemovalPending(ctx context.Context, removalID int64, fromIndex, count uint64, hash ethCommon.Hash) error

	// MarkRemovalReverted records that the pending transaction reverted.
	MarkRemovalReverted(ctx context.Context, removalID int64) error

	// SettleRemoval marks a pending removal succeeded, deletes its keys and
	// compacts the operator's remaining key indices, atomically. at is the
	// position of the removal event; only keys added before it are deleted
	// or moved, since later keys already carry post-removal indices.
	SettleRemoval(ctx context.Context, removalID int64, at common.EventPosition) error

	// ApplyExternalRemoval reflects an on-chain removal event the daemon did
	// not send: it deletes and compacts the range among keys added before
	// the event and records a succeeded removal row. It is a no-op if the
	// event's transaction hash is already recorded. Returns whether anything
	// changed.
	ApplyExternalRemoval(ctx context.Context, ev *common.RemovalEvent) (bool, error)

	// OperatorKeys returns the operator's stored keys ordered by index.
	OperatorKeys(ctx context.Context, chainID common.ChainID, registry ethCommon.Address, operatorID uint64) ([]*common.ValidatorKey, error)

	// CountKeys returns the number of stored keys for the operator.
	CountKeys(ctx context.Context, chainID common.ChainID, registry ethCommon.Address, operatorID uint64) (uint64, error)

	// ListRemovals returns removals of the registry, newest first.
	ListRemovals(ctx context.Context, chainID common.ChainID, registry ethCommon.Address, limit int) ([]*common.RemoveKeysTransaction, error)
}

// Storage is the full daemon state store.
type Storage interface {
	TaskStateStorage
	KeyStorage

	// Close releases the underlying resources.
	Close()
}
