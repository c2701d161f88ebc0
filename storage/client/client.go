// Package client implements the keyguard state store on top of a SQL
// storage.TargetStorage.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/restakefi/keyguard/common"
	"github.com/restakefi/keyguard/log"
	"github.com/restakefi/keyguard/storage"
	"github.com/restakefi/keyguard/storage/client/queries"
)

const externalRemovalReason = "removed on-chain outside of keyguard"

// StorageClient is a wrapper around a storage.TargetStorage
// with knowledge of the keyguard schema.
type StorageClient struct {
	db     storage.TargetStorage
	logger *log.Logger
}

var _ storage.Storage = (*StorageClient)(nil)

// NewStorageClient creates a new storage client.
func NewStorageClient(db storage.TargetStorage, l *log.Logger) *StorageClient {
	return &StorageClient{db: db, logger: l.WithModule("storage-client")}
}

// Close closes the backing TargetStorage.
func (c *StorageClient) Close() {
	c.db.Close()
}

// removalLockKey serializes every removal mutation of one registry.
func removalLockKey(chainID common.ChainID, registry ethCommon.Address) string {
	return fmt.Sprintf("keyguard/removal/%d/%s", chainID, registry.Hex())
}

// inTx runs fn in a transaction that holds the registry's removal lock.
func (c *StorageClient) inTx(ctx context.Context, chainID common.ChainID, registry ethCommon.Address, fn func(tx storage.Tx) error) error {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// No-op after a successful commit.
		_ = tx.Rollback(ctx)
	}()

	if _, err = tx.Exec(ctx, queries.TakeXactLock, removalLockKey(chainID, registry)); err != nil {
		return fmt.Errorf("taking removal lock: %w", err)
	}
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(row scanner) (*common.ValidatorKey, error) {
	var (
		k         common.ValidatorKey
		chainID   uint64
		registry  []byte
		addedHash []byte
	)
	if err := row.Scan(
		&k.ID,
		&chainID,
		&registry,
		&k.OperatorID,
		&k.KeyIndex,
		&k.PublicKey,
		&k.RemoveKeysTransactionID,
		&addedHash,
		&k.AddedBlockNumber,
		&k.AddedLogIndex,
		&k.VerifiedAt,
	); err != nil {
		return nil, err
	}
	k.ChainID = common.ChainID(chainID)
	k.OperatorRegistry = ethCommon.BytesToAddress(registry)
	k.AddedTxHash = ethCommon.BytesToHash(addedHash)
	return &k, nil
}

func scanRemoval(row scanner) (*common.RemoveKeysTransaction, error) {
	var (
		r        common.RemoveKeysTransaction
		chainID  uint64
		registry []byte
		status   string
		txHash   []byte
	)
	if err := row.Scan(
		&r.ID,
		&chainID,
		&registry,
		&r.OperatorID,
		&r.FromIndex,
		&r.ValidatorCount,
		&status,
		&txHash,
		&r.Reason,
		&r.CreatedAt,
	); err != nil {
		return nil, err
	}
	r.ChainID = common.ChainID(chainID)
	r.OperatorRegistry = ethCommon.BytesToAddress(registry)
	r.Status = common.RemovalStatus(status)
	if txHash != nil {
		r.TransactionHash = common.Ptr(ethCommon.BytesToHash(txHash))
	}
	return &r, nil
}

// queryKeys runs a query returning validator key rows.
func (c *StorageClient) queryKeys(ctx context.Context, sql string, args ...interface{}) ([]*common.ValidatorKey, error) {
	rows, err := c.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*common.ValidatorKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning validator key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// queryRemoval returns the single removal row of a query, or nil.
func (c *StorageClient) queryRemoval(ctx context.Context, sql string, args ...interface{}) (*common.RemoveKeysTransaction, error) {
	r, err := scanRemoval(c.db.QueryRow(ctx, sql, args...))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return r, nil
}

// TaskState implements storage.TaskStateStorage.
func (c *StorageClient) TaskState(ctx context.Context, key common.TaskKey) (*common.TaskState, error) {
	state := common.TaskState{TaskKey: key}
	var status string
	err := c.db.QueryRow(ctx, queries.TaskState, uint64(key.ChainID), key.Registry.Bytes(), string(key.Task)).
		Scan(&status, &state.LastBlockNumber, &state.UpdatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("task state %s: %w", key, err)
	}
	state.Status = common.TaskStatus(status)
	return &state, nil
}

// EnsureTaskRunning implements storage.TaskStateStorage.
func (c *StorageClient) EnsureTaskRunning(ctx context.Context, key common.TaskKey) (*uint64, error) {
	var (
		status    string
		lastBlock uint64
	)
	if err := c.db.QueryRow(ctx, queries.EnsureTaskRunning, uint64(key.ChainID), key.Registry.Bytes(), string(key.Task)).
		Scan(&status, &lastBlock); err != nil {
		return nil, fmt.Errorf("ensure task running %s: %w", key, err)
	}
	if common.TaskStatus(status) != common.TaskStatusRunning {
		return nil, nil
	}
	return &lastBlock, nil
}

// SetTaskStatus implements storage.TaskStateStorage.
func (c *StorageClient) SetTaskStatus(ctx context.Context, key common.TaskKey, status common.TaskStatus) error {
	batch := &storage.QueryBatch{}
	batch.Queue(queries.SetTaskStatus, uint64(key.ChainID), key.Registry.Bytes(), string(key.Task), string(status))
	return c.db.SendBatch(ctx, batch)
}

// AdvanceTaskCheckpoint implements storage.TaskStateStorage.
func (c *StorageClient) AdvanceTaskCheckpoint(ctx context.Context, key common.TaskKey, block uint64) error {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, queries.AdvanceTaskCheckpoint, uint64(key.ChainID), key.Registry.Bytes(), string(key.Task), block)
	if err != nil {
		return fmt.Errorf("advance checkpoint %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("advance checkpoint %s: %w", key, storage.ErrNotFound)
	}
	return tx.Commit(ctx)
}

// ListTaskStates implements storage.TaskStateStorage.
func (c *StorageClient) ListTaskStates(ctx context.Context) ([]*common.TaskState, error) {
	rows, err := c.db.Query(ctx, queries.ListTaskStates)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*common.TaskState
	for rows.Next() {
		var (
			s        common.TaskState
			chainID  uint64
			registry []byte
			task     string
			status   string
		)
		if err := rows.Scan(&chainID, &registry, &task, &status, &s.LastBlockNumber, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning task state: %w", err)
		}
		s.ChainID = common.ChainID(chainID)
		s.Registry = ethCommon.BytesToAddress(registry)
		s.Task = common.TaskKind(task)
		s.Status = common.TaskStatus(status)
		states = append(states, &s)
	}
	return states, rows.Err()
}

// InsertValidatorKeys implements storage.KeyStorage.
func (c *StorageClient) InsertValidatorKeys(ctx context.Context, keys []*common.ValidatorKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := 0
	for _, k := range keys {
		tag, err := tx.Exec(ctx, queries.InsertValidatorKey,
			uint64(k.ChainID),
			k.OperatorRegistry.Bytes(),
			k.OperatorID,
			k.KeyIndex,
			k.PublicKey,
			k.AddedTxHash.Bytes(),
			k.AddedBlockNumber,
			k.AddedLogIndex,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting key %s: %w", k.PublicKeyHex(), err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

// UnverifiedKeys implements storage.KeyStorage.
func (c *StorageClient) UnverifiedKeys(ctx context.Context, chainID common.ChainID, registry ethCommon.Address, limit int) ([]*common.ValidatorKey, error) {
	return c.queryKeys(ctx, queries.UnverifiedKeys, uint64(chainID), registry.Bytes(), limit)
}

// MarkKeysVerified implements storage.KeyStorage.
func (c *StorageClient) MarkKeysVerified(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	batch := &storage.QueryBatch{}
	batch.Queue(queries.MarkKeysVerified, ids, at)
	return c.db.SendBatch(ctx, batch)
}

// QueueRemoval implements storage.KeyStorage.
func (c *StorageClient) QueueRemoval(ctx context.Context, r *common.RemoveKeysTransaction, keyIDs []int64) (*common.RemoveKeysTransaction, error) {
	queued := *r
	queued.Status = common.RemovalQueued
	queued.TransactionHash = nil
	err := c.inTx(ctx, r.ChainID, r.OperatorRegistry, func(tx storage.Tx) error {
		if err := tx.QueryRow(ctx, queries.InsertRemoval,
			uint64(r.ChainID),
			r.OperatorRegistry.Bytes(),
			r.OperatorID,
			r.FromIndex,
			r.ValidatorCount,
			string(common.RemovalQueued),
			nil,
			r.Reason,
		).Scan(&queued.ID, &queued.CreatedAt); err != nil {
			return fmt.Errorf("inserting removal: %w", err)
		}
		tag, err := tx.Exec(ctx, queries.LinkKeys, queued.ID, keyIDs)
		if err != nil {
			return fmt.Errorf("linking keys: %w", err)
		}
		if tag.RowsAffected() != int64(len(keyIDs)) {
			return fmt.Errorf("linking keys: %d of %d keys were already linked or missing", int64(len(keyIDs))-tag.RowsAffected(), len(keyIDs))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &queued, nil
}

// PendingRemoval implements storage.KeyStorage.
func (c *StorageClient) PendingRemoval(ctx context.Context, chainID common.ChainID, registry ethCommon.Address) (*common.RemoveKeysTransaction, error) {
	return c.queryRemoval(ctx, queries.PendingRemoval, uint64(chainID), registry.Bytes())
}

// NextQueuedRemoval implements storage.KeyStorage.
func (c *StorageClient) NextQueuedRemoval(ctx context.Context, chainID common.ChainID, registry ethCommon.Address) (*common.RemoveKeysTransaction, error) {
	return c.queryRemoval(ctx, queries.NextQueuedRemoval, uint64(chainID), registry.Bytes())
}

// RemovalByHash implements storage.KeyStorage.
func (c *StorageClient) RemovalByHash(ctx context.Context, chainID common.ChainID, hash ethCommon.Hash) (*common.RemoveKeysTransaction, error) {
	return c.queryRemoval(ctx, queries.RemovalByHash, uint64(chainID), hash.Bytes())
}

// LinkedKeys implements storage.KeyStorage.
func (c *StorageClient) LinkedKeys(ctx context.Context, removalID int64) ([]*common.ValidatorKey, error) {
	return c.queryKeys(ctx, queries.LinkedKeys, removalID)
}

// removalForUpdate locks and returns a removal row inside tx.
func removalForUpdate(ctx context.Context, tx storage.Tx, id int64) (*common.RemoveKeysTransaction, error) {
	r, err := scanRemoval(tx.QueryRow(ctx, queries.RemovalForUpdate, id))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("removal %d: %w", id, storage.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("removal %d: %w", id, err)
	}
	return r, nil
}

// lockedRemoval resolves a removal's registry so its lock can be taken.
func (c *StorageClient) lockedRemoval(ctx context.Context, id int64, fn func(tx storage.Tx, r *common.RemoveKeysTransaction) error) error {
	var chainID uint64
	var registry []byte
	err := c.db.QueryRow(ctx, queries.RemovalRegistry, id).
		Scan(&chainID, &registry)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("removal %d: %w", id, storage.ErrNotFound)
	case err != nil:
		return err
	}
	return c.inTx(ctx, common.ChainID(chainID), ethCommon.BytesToAddress(registry), func(tx storage.Tx) error {
		r, err := removalForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		return fn(tx, r)
	})
}

// MarkRemovalPending implements storage.KeyStorage.
func (c *StorageClient) MarkRemovalPending(ctx context.Context, removalID int64, fromIndex, count uint64, hash ethCommon.Hash) error {
	return c.lockedRemoval(ctx, removalID, func(tx storage.Tx, r *common.RemoveKeysTransaction) error {
		if r.Status != common.RemovalQueued {
			return fmt.Errorf("removal %d is %s, not queued", removalID, r.Status)
		}
		var pendingID int64
		err := tx.QueryRow(ctx, queries.PendingRemovalID, uint64(r.ChainID), r.OperatorRegistry.Bytes()).Scan(&pendingID)
		switch {
		case err == nil:
			return fmt.Errorf("removal %d: %w (removal %d)", removalID, storage.ErrPendingRemovalExists, pendingID)
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}
		_, err = tx.Exec(ctx, queries.MarkRemovalPending, removalID, fromIndex, count, hash.Bytes())
		return err
	})
}

// MarkRemovalReverted implements storage.KeyStorage.
func (c *StorageClient) MarkRemovalReverted(ctx context.Context, removalID int64) error {
	return c.lockedRemoval(ctx, removalID, func(tx storage.Tx, r *common.RemoveKeysTransaction) error {
		if r.Status != common.RemovalPending {
			return fmt.Errorf("removal %d: %w", removalID, storage.ErrNotPending)
		}
		_, err := tx.Exec(ctx, queries.SetRemovalStatus, removalID, string(common.RemovalReverted), string(common.RemovalPending))
		return err
	})
}

// SettleRemoval implements storage.KeyStorage.
func (c *StorageClient) SettleRemoval(ctx context.Context, removalID int64, at common.EventPosition) error {
	return c.lockedRemoval(ctx, removalID, func(tx storage.Tx, r *common.RemoveKeysTransaction) error {
		if r.Status != common.RemovalPending {
			return fmt.Errorf("removal %d: %w", removalID, storage.ErrNotPending)
		}
		if _, err := tx.Exec(ctx, queries.SetRemovalStatus, removalID, string(common.RemovalSucceeded), string(common.RemovalPending)); err != nil {
			return err
		}
		return c.compact(ctx, tx, r.ChainID, r.OperatorRegistry, r.OperatorID, r.FromIndex, r.ValidatorCount, at)
	})
}

// ApplyExternalRemoval implements storage.KeyStorage.
func (c *StorageClient) ApplyExternalRemoval(ctx context.Context, ev *common.RemovalEvent) (bool, error) {
	applied := false
	err := c.inTx(ctx, ev.ChainID, ev.Registry, func(tx storage.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, queries.RemovalIDByHash, uint64(ev.ChainID), ev.TxHash.Bytes()).Scan(&id)
		switch {
		case err == nil:
			// Already reflected.
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		if err = c.compact(ctx, tx, ev.ChainID, ev.Registry, ev.OperatorID, ev.FromIndex, ev.ValidatorCount, ev.Position()); err != nil {
			return err
		}
		if _, err = tx.Exec(ctx, queries.InsertRemoval,
			uint64(ev.ChainID),
			ev.Registry.Bytes(),
			ev.OperatorID,
			ev.FromIndex,
			ev.ValidatorCount,
			string(common.RemovalSucceeded),
			ev.TxHash.Bytes(),
			externalRemovalReason,
		); err != nil {
			return fmt.Errorf("recording external removal: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// compact deletes [from, from+count) of the operator's keys added before at
// and moves the top keys of that set into the freed slots. Keys added after
// at already carry post-removal indices and are left alone.
func (c *StorageClient) compact(ctx context.Context, tx storage.Tx, chainID common.ChainID, registry ethCommon.Address, operatorID, from, count uint64, at common.EventPosition) error {
	scope := []interface{}{uint64(chainID), registry.Bytes(), operatorID, at.BlockNumber, at.LogIndex}
	var stored, top uint64
	if err := tx.QueryRow(ctx, queries.KeyBoundsBefore, scope...).Scan(&stored, &top); err != nil {
		return fmt.Errorf("operator key bounds: %w", err)
	}
	moves, err := common.CompactionMoves(max(top, from+count), from, count)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, queries.DeleteKeyRangeBefore, append(scope, from, from+count)...)
	if err != nil {
		return fmt.Errorf("deleting keys: %w", err)
	}
	for _, m := range moves {
		if _, err := tx.Exec(ctx, queries.MoveKeyBefore, append(scope, m.From, m.To)...); err != nil {
			return fmt.Errorf("moving key %d to %d: %w", m.From, m.To, err)
		}
	}
	c.logger.Debug("compacted operator keys",
		"chain_id", chainID,
		"registry", registry.Hex(),
		"operator_id", operatorID,
		"stored", stored,
		"deleted", tag.RowsAffected(),
		"moved", len(moves),
	)
	return nil
}

// OperatorKeys implements storage.KeyStorage.
func (c *StorageClient) OperatorKeys(ctx context.Context, chainID common.ChainID, registry ethCommon.Address, operatorID uint64) ([]*common.ValidatorKey, error) {
	return c.queryKeys(ctx, queries.OperatorKeys, uint64(chainID), registry.Bytes(), operatorID)
}

// CountKeys implements storage.KeyStorage.
func (c *StorageClient) CountKeys(ctx context.Context, chainID common.ChainID, registry ethCommon.Address, operatorID uint64) (uint64, error) {
	var count, top uint64
	if err := c.db.QueryRow(ctx, queries.OperatorKeyBounds, uint64(chainID), registry.Bytes(), operatorID).Scan(&count, &top); err != nil {
		return 0, err
	}
	return count, nil
}

// ListRemovals implements storage.KeyStorage.
func (c *StorageClient) ListRemovals(ctx context.Context, chainID common.ChainID, registry ethCommon.Address, limit int) ([]*common.RemoveKeysTransaction, error) {
	rows, err := c.db.Query(ctx, queries.ListRemovals, uint64(chainID), registry.Bytes(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var removals []*common.RemoveKeysTransaction
	for rows.Next() {
		r, err := scanRemoval(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning removal: %w", err)
		}
		removals = append(removals, r)
	}
	return removals, rows.Err()
}
