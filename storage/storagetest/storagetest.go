// Package storagetest holds behavior tests shared by every storage.Storage
// backend.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/restakefi/keyguard/common"
	"github.com/restakefi/keyguard/storage"
)

var (
	Chain    = common.ChainID(17000)
	Registry = ethCommon.HexToAddress("0x5c1f4e1d2b7d56c5b9e2d5b9a7d7f0a4a8e3c111")
	Operator = uint64(7)
)

// PublicKey returns a deterministic 48-byte key for index i.
func PublicKey(op uint64, i uint64) []byte {
	pk := make([]byte, 48)
	copy(pk, fmt.Sprintf("op-%d-key-%d", op, i))
	return pk
}

// SeedKeys inserts n keys at indices [0, n) for the operator.
func SeedKeys(t *testing.T, s storage.Storage, op uint64, n uint64) []*common.ValidatorKey {
	ctx := context.Background()
	keys := make([]*common.ValidatorKey, 0, n)
	for i := uint64(0); i < n; i++ {
		keys = append(keys, &common.ValidatorKey{
			PublicKey:        PublicKey(op, i),
			OperatorID:       op,
			ChainID:          Chain,
			OperatorRegistry: Registry,
			KeyIndex:         i,
			AddedTxHash:      ethCommon.BytesToHash([]byte{byte(op), byte(i)}),
			AddedBlockNumber: 100 + i,
		})
	}
	inserted, err := s.InsertValidatorKeys(ctx, keys)
	require.NoError(t, err)
	require.Equal(t, int(n), inserted)

	stored, err := s.OperatorKeys(ctx, Chain, Registry, op)
	require.NoError(t, err)
	return stored
}

// IndexOf maps public key to key index.
func IndexOf(keys []*common.ValidatorKey) map[string]uint64 {
	out := make(map[string]uint64, len(keys))
	for _, k := range keys {
		out[string(k.PublicKey)] = k.KeyIndex
	}
	return out
}

// RequireDense asserts that the operator's indices are exactly 0..n-1.
func RequireDense(t *testing.T, s storage.Storage, op uint64, n int) {
	keys, err := s.OperatorKeys(context.Background(), Chain, Registry, op)
	require.NoError(t, err)
	require.Len(t, keys, n)
	for i, k := range keys {
		require.Equal(t, uint64(i), k.KeyIndex, "index gap at position %d", i)
	}
}

// Run runs the shared behavior tests. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Storage) {
	t.Run("EnsureTaskRunning", func(t *testing.T) { testEnsureTaskRunning(t, newStore(t)) })
	t.Run("CheckpointMonotonic", func(t *testing.T) { testCheckpointMonotonic(t, newStore(t)) })
	t.Run("InsertKeysIdempotent", func(t *testing.T) { testInsertKeysIdempotent(t, newStore(t)) })
	t.Run("SettleRemoval", func(t *testing.T) { testSettleRemoval(t, newStore(t)) })
	t.Run("OnePending", func(t *testing.T) { testOnePending(t, newStore(t)) })
	t.Run("Reverted", func(t *testing.T) { testReverted(t, newStore(t)) })
	t.Run("ExternalRemoval", func(t *testing.T) { testExternalRemoval(t, newStore(t)) })
	t.Run("LaterKeysKeepIndices", func(t *testing.T) { testLaterKeysKeepIndices(t, newStore(t)) })
	t.Run("QueueOrder", func(t *testing.T) { testQueueOrder(t, newStore(t)) })
	t.Run("UnverifiedKeys", func(t *testing.T) { testUnverifiedKeys(t, newStore(t)) })
}

func testEnsureTaskRunning(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := common.TaskKey{ChainID: Chain, Registry: Registry, Task: common.TaskKeyRemoval}

	state, err := s.TaskState(ctx, key)
	require.NoError(t, err)
	require.Nil(t, state)

	last, err := s.EnsureTaskRunning(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, uint64(0), *last)

	require.NoError(t, s.AdvanceTaskCheckpoint(ctx, key, 42))
	last, err = s.EnsureTaskRunning(ctx, key)
	require.NoError(t, err)
	require.Equal(t, uint64(42), *last)

	require.NoError(t, s.SetTaskStatus(ctx, key, common.TaskStatusPaused))
	last, err = s.EnsureTaskRunning(ctx, key)
	require.NoError(t, err)
	require.Nil(t, last)

	state, err = s.TaskState(ctx, key)
	require.NoError(t, err)
	require.Equal(t, common.TaskStatusPaused, state.Status)
	require.Equal(t, uint64(42), state.LastBlockNumber)

	// Other task kinds of the same registry are independent.
	other := key
	other.Task = common.TaskKeyRetrieval
	last, err = s.EnsureTaskRunning(ctx, other)
	require.NoError(t, err)
	require.Equal(t, uint64(0), *last)

	states, err := s.ListTaskStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
}

func testCheckpointMonotonic(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := common.TaskKey{ChainID: Chain, Registry: Registry, Task: common.TaskKeyRetrieval}

	require.ErrorIs(t, s.AdvanceTaskCheckpoint(ctx, key, 5), storage.ErrNotFound)

	_, err := s.EnsureTaskRunning(ctx, key)
	require.NoError(t, err)
	require.NoError(t, s.AdvanceTaskCheckpoint(ctx, key, 100))
	require.NoError(t, s.AdvanceTaskCheckpoint(ctx, key, 90))

	state, err := s.TaskState(ctx, key)
	require.NoError(t, err)
	require.Equal(t, uint64(100), state.LastBlockNumber)
}

func testInsertKeysIdempotent(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	keys := SeedKeys(t, s, Operator, 3)

	inserted, err := s.InsertValidatorKeys(ctx, keys)
	require.NoError(t, err)
	require.Equal(t, 0, inserted)

	n, err := s.CountKeys(ctx, Chain, Registry, Operator)
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)
}

func testSettleRemoval(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	keys := SeedKeys(t, s, Operator, 5)
	before := IndexOf(keys)

	r, err := s.QueueRemoval(ctx, &common.RemoveKeysTransaction{
		ChainID:          Chain,
		OperatorRegistry: Registry,
		OperatorID:       Operator,
		FromIndex:        1,
		ValidatorCount:   2,
		Reason:           "invalid deposit signature",
	}, []int64{keys[1].ID, keys[2].ID})
	require.NoError(t, err)
	require.Equal(t, common.RemovalQueued, r.Status)

	linked, err := s.LinkedKeys(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, linked, 2)

	at := common.EventPosition{BlockNumber: 500}
	require.ErrorIs(t, s.SettleRemoval(ctx, r.ID, at), storage.ErrNotPending)

	hash := ethCommon.HexToHash("0xaa")
	require.NoError(t, s.MarkRemovalPending(ctx, r.ID, 1, 2, hash))
	pending, err := s.PendingRemoval(ctx, Chain, Registry)
	require.NoError(t, err)
	require.Equal(t, r.ID, pending.ID)
	require.Equal(t, hash, *pending.TransactionHash)

	require.NoError(t, s.SettleRemoval(ctx, r.ID, at))
	RequireDense(t, s, Operator, 3)

	after, err := s.OperatorKeys(ctx, Chain, Registry, Operator)
	require.NoError(t, err)
	// Slots 1 and 2 are filled by the former 3 and 4.
	require.Equal(t, before[string(PublicKey(Operator, 0))], after[0].KeyIndex)
	require.Equal(t, PublicKey(Operator, 3), after[1].PublicKey)
	require.Equal(t, PublicKey(Operator, 4), after[2].PublicKey)

	byHash, err := s.RemovalByHash(ctx, Chain, hash)
	require.NoError(t, err)
	require.Equal(t, common.RemovalSucceeded, byHash.Status)

	pending, err = s.PendingRemoval(ctx, Chain, Registry)
	require.NoError(t, err)
	require.Nil(t, pending)
}

func testOnePending(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	keys := SeedKeys(t, s, Operator, 4)

	queue := func(k *common.ValidatorKey) *common.RemoveKeysTransaction {
		r, err := s.QueueRemoval(ctx, &common.RemoveKeysTransaction{
			ChainID:          Chain,
			OperatorRegistry: Registry,
			OperatorID:       Operator,
			FromIndex:        k.KeyIndex,
			ValidatorCount:   1,
		}, []int64{k.ID})
		require.NoError(t, err)
		return r
	}
	a, b := queue(keys[3]), queue(keys[2])

	require.NoError(t, s.MarkRemovalPending(ctx, a.ID, 3, 1, ethCommon.HexToHash("0x01")))
	err := s.MarkRemovalPending(ctx, b.ID, 2, 1, ethCommon.HexToHash("0x02"))
	require.ErrorIs(t, err, storage.ErrPendingRemovalExists)

	// Keys already linked cannot be queued twice.
	_, err = s.QueueRemoval(ctx, &common.RemoveKeysTransaction{
		ChainID:          Chain,
		OperatorRegistry: Registry,
		OperatorID:       Operator,
		FromIndex:        3,
		ValidatorCount:   1,
	}, []int64{keys[3].ID})
	require.Error(t, err)
}

func testReverted(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	keys := SeedKeys(t, s, Operator, 2)
	r, err := s.QueueRemoval(ctx, &common.RemoveKeysTransaction{
		ChainID:          Chain,
		OperatorRegistry: Registry,
		OperatorID:       Operator,
		FromIndex:        1,
		ValidatorCount:   1,
	}, []int64{keys[1].ID})
	require.NoError(t, err)

	require.ErrorIs(t, s.MarkRemovalReverted(ctx, r.ID), storage.ErrNotPending)
	require.NoError(t, s.MarkRemovalPending(ctx, r.ID, 1, 1, ethCommon.HexToHash("0xbb")))
	require.NoError(t, s.MarkRemovalReverted(ctx, r.ID))

	// Nothing is deleted on revert.
	RequireDense(t, s, Operator, 2)
	removals, err := s.ListRemovals(ctx, Chain, Registry, 10)
	require.NoError(t, err)
	require.Len(t, removals, 1)
	require.Equal(t, common.RemovalReverted, removals[0].Status)
}

func testExternalRemoval(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	SeedKeys(t, s, Operator, 6)
	ev := &common.RemovalEvent{
		ChainID:        Chain,
		Registry:       Registry,
		OperatorID:     Operator,
		FromIndex:      0,
		ValidatorCount: 2,
		TxHash:         ethCommon.HexToHash("0xcc"),
		BlockNumber:    500,
	}

	applied, err := s.ApplyExternalRemoval(ctx, ev)
	require.NoError(t, err)
	require.True(t, applied)
	RequireDense(t, s, Operator, 4)

	// Replaying the same event changes nothing.
	applied, err = s.ApplyExternalRemoval(ctx, ev)
	require.NoError(t, err)
	require.False(t, applied)
	RequireDense(t, s, Operator, 4)

	keys, err := s.OperatorKeys(ctx, Chain, Registry, Operator)
	require.NoError(t, err)
	require.Equal(t, PublicKey(Operator, 4), keys[0].PublicKey)
	require.Equal(t, PublicKey(Operator, 5), keys[1].PublicKey)
	require.Equal(t, PublicKey(Operator, 2), keys[2].PublicKey)
	require.Equal(t, PublicKey(Operator, 3), keys[3].PublicKey)

	// Other operators are untouched.
	SeedKeys(t, s, Operator+1, 2)
	RequireDense(t, s, Operator+1, 2)
}

func testLaterKeysKeepIndices(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	SeedKeys(t, s, Operator, 4)
	// Added in the removal's block after it, and later on: both indices
	// already account for the removal of index 1.
	later := []*common.ValidatorKey{
		{
			PublicKey: PublicKey(Operator, 10), OperatorID: Operator, ChainID: Chain, OperatorRegistry: Registry,
			KeyIndex: 3, AddedTxHash: ethCommon.HexToHash("0x10"), AddedBlockNumber: 500, AddedLogIndex: 4,
		},
		{
			PublicKey: PublicKey(Operator, 11), OperatorID: Operator, ChainID: Chain, OperatorRegistry: Registry,
			KeyIndex: 4, AddedTxHash: ethCommon.HexToHash("0x11"), AddedBlockNumber: 600,
		},
	}
	inserted, err := s.InsertValidatorKeys(ctx, later)
	require.NoError(t, err)
	require.Equal(t, 2, inserted)

	applied, err := s.ApplyExternalRemoval(ctx, &common.RemovalEvent{
		ChainID:        Chain,
		Registry:       Registry,
		OperatorID:     Operator,
		FromIndex:      1,
		ValidatorCount: 1,
		TxHash:         ethCommon.HexToHash("0xee"),
		BlockNumber:    500,
		LogIndex:       2,
	})
	require.NoError(t, err)
	require.True(t, applied)

	RequireDense(t, s, Operator, 5)
	keys, err := s.OperatorKeys(ctx, Chain, Registry, Operator)
	require.NoError(t, err)
	want := [][]byte{
		PublicKey(Operator, 0),
		PublicKey(Operator, 3),
		PublicKey(Operator, 2),
		PublicKey(Operator, 10),
		PublicKey(Operator, 11),
	}
	for i, k := range keys {
		require.Equal(t, want[i], k.PublicKey, "index %d", i)
	}
}

func testQueueOrder(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	keys := SeedKeys(t, s, Operator, 8)

	low, err := s.QueueRemoval(ctx, &common.RemoveKeysTransaction{
		ChainID: Chain, OperatorRegistry: Registry, OperatorID: Operator, FromIndex: 1, ValidatorCount: 2,
	}, []int64{keys[1].ID, keys[2].ID})
	require.NoError(t, err)
	high, err := s.QueueRemoval(ctx, &common.RemoveKeysTransaction{
		ChainID: Chain, OperatorRegistry: Registry, OperatorID: Operator, FromIndex: 5, ValidatorCount: 1,
	}, []int64{keys[5].ID})
	require.NoError(t, err)

	next, err := s.NextQueuedRemoval(ctx, Chain, Registry)
	require.NoError(t, err)
	require.Equal(t, high.ID, next.ID)

	require.NoError(t, s.MarkRemovalPending(ctx, high.ID, 5, 1, ethCommon.HexToHash("0xdd")))
	require.NoError(t, s.SettleRemoval(ctx, high.ID, common.EventPosition{BlockNumber: 500}))
	RequireDense(t, s, Operator, 7)

	next, err = s.NextQueuedRemoval(ctx, Chain, Registry)
	require.NoError(t, err)
	require.Equal(t, low.ID, next.ID)
}

func testUnverifiedKeys(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	keys := SeedKeys(t, s, Operator, 5)

	unverified, err := s.UnverifiedKeys(ctx, Chain, Registry, 3)
	require.NoError(t, err)
	require.Len(t, unverified, 3)

	require.NoError(t, s.MarkKeysVerified(ctx, []int64{keys[0].ID, keys[1].ID}, time.Now()))
	_, err = s.QueueRemoval(ctx, &common.RemoveKeysTransaction{
		ChainID: Chain, OperatorRegistry: Registry, OperatorID: Operator, FromIndex: 4, ValidatorCount: 1,
	}, []int64{keys[4].ID})
	require.NoError(t, err)

	unverified, err = s.UnverifiedKeys(ctx, Chain, Registry, 100)
	require.NoError(t, err)
	require.Len(t, unverified, 2)
	require.Equal(t, keys[2].ID, unverified[0].ID)
	require.Equal(t, keys[3].ID, unverified[1].ID)
}
