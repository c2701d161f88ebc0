// Package memory implements the keyguard state store in process memory.
// State does not survive a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/restakefi/keyguard/common"
	"github.com/restakefi/keyguard/storage"
)

const externalRemovalReason = "removed on-chain outside of keyguard"

// Store is an in-memory storage.Storage.
type Store struct {
	mu sync.Mutex

	tasks    map[common.TaskKey]*common.TaskState
	keys     map[int64]*common.ValidatorKey
	removals map[int64]*common.RemoveKeysTransaction

	nextKeyID     int64
	nextRemovalID int64

	now func() time.Time
}

var _ storage.Storage = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		tasks:    make(map[common.TaskKey]*common.TaskState),
		keys:     make(map[int64]*common.ValidatorKey),
		removals: make(map[int64]*common.RemoveKeysTransaction),
		now:      time.Now,
	}
}

// Close implements storage.Storage.
func (s *Store) Close() {}

func copyKey(k *common.ValidatorKey) *common.ValidatorKey {
	c := *k
	c.PublicKey = append([]byte(nil), k.PublicKey...)
	return &c
}

func copyRemoval(r *common.RemoveKeysTransaction) *common.RemoveKeysTransaction {
	c := *r
	return &c
}

// TaskState implements storage.TaskStateStorage.
func (s *Store) TaskState(_ context.Context, key common.TaskKey) (*common.TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.tasks[key]
	if !ok {
		return nil, nil
	}
	c := *state
	return &c, nil
}

// EnsureTaskRunning implements storage.TaskStateStorage.
func (s *Store) EnsureTaskRunning(_ context.Context, key common.TaskKey) (*uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.tasks[key]
	if !ok {
		state = &common.TaskState{TaskKey: key, Status: common.TaskStatusRunning, UpdatedAt: s.now()}
		s.tasks[key] = state
	}
	if state.Status != common.TaskStatusRunning {
		return nil, nil
	}
	return common.Ptr(state.LastBlockNumber), nil
}

// SetTaskStatus implements storage.TaskStateStorage.
func (s *Store) SetTaskStatus(_ context.Context, key common.TaskKey, status common.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.tasks[key]
	if !ok {
		state = &common.TaskState{TaskKey: key}
		s.tasks[key] = state
	}
	state.Status = status
	state.UpdatedAt = s.now()
	return nil
}

// AdvanceTaskCheckpoint implements storage.TaskStateStorage.
func (s *Store) AdvanceTaskCheckpoint(_ context.Context, key common.TaskKey, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.tasks[key]
	if !ok {
		return fmt.Errorf("advance checkpoint %s: %w", key, storage.ErrNotFound)
	}
	state.LastBlockNumber = max(state.LastBlockNumber, block)
	state.UpdatedAt = s.now()
	return nil
}

// ListTaskStates implements storage.TaskStateStorage.
func (s *Store) ListTaskStates(_ context.Context) ([]*common.TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]*common.TaskState, 0, len(s.tasks))
	for _, state := range s.tasks {
		c := *state
		states = append(states, &c)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].String() < states[j].String()
	})
	return states, nil
}

// InsertValidatorKeys implements storage.KeyStorage.
func (s *Store) InsertValidatorKeys(_ context.Context, keys []*common.ValidatorKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, k := range keys {
		if s.findByPublicKey(k.ChainID, k.PublicKey) != nil {
			continue
		}
		s.nextKeyID++
		c := copyKey(k)
		c.ID = s.nextKeyID
		c.RemoveKeysTransactionID = nil
		c.VerifiedAt = nil
		s.keys[c.ID] = c
		inserted++
	}
	return inserted, nil
}

func (s *Store) findByPublicKey(chainID common.ChainID, pk []byte) *common.ValidatorKey {
	for _, k := range s.keys {
		if k.ChainID == chainID && string(k.PublicKey) == string(pk) {
			return k
		}
	}
	return nil
}

// sortedKeys returns the keys matching pred, ordered by less.
func (s *Store) sortedKeys(pred func(*common.ValidatorKey) bool, less func(a, b *common.ValidatorKey) bool) []*common.ValidatorKey {
	var out []*common.ValidatorKey
	for _, k := range s.keys {
		if pred(k) {
			out = append(out, copyKey(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// UnverifiedKeys implements storage.KeyStorage.
func (s *Store) UnverifiedKeys(_ context.Context, chainID common.ChainID, registry ethCommon.Address, limit int) ([]*common.ValidatorKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.sortedKeys(func(k *common.ValidatorKey) bool {
		return k.ChainID == chainID && k.OperatorRegistry == registry && k.VerifiedAt == nil && k.RemoveKeysTransactionID == nil
	}, func(a, b *common.ValidatorKey) bool { return a.ID < b.ID })
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// MarkKeysVerified implements storage.KeyStorage.
func (s *Store) MarkKeysVerified(_ context.Context, ids []int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if k, ok := s.keys[id]; ok {
			k.VerifiedAt = common.Ptr(at)
		}
	}
	return nil
}

// QueueRemoval implements storage.KeyStorage.
func (s *Store) QueueRemoval(_ context.Context, r *common.RemoveKeysTransaction, keyIDs []int64) (*common.RemoveKeysTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range keyIDs {
		k, ok := s.keys[id]
		if !ok || k.RemoveKeysTransactionID != nil {
			return nil, fmt.Errorf("linking keys: key %d was already linked or missing", id)
		}
	}
	s.nextRemovalID++
	queued := copyRemoval(r)
	queued.ID = s.nextRemovalID
	queued.Status = common.RemovalQueued
	queued.TransactionHash = nil
	queued.CreatedAt = s.now()
	s.removals[queued.ID] = queued
	for _, id := range keyIDs {
		s.keys[id].RemoveKeysTransactionID = common.Ptr(queued.ID)
	}
	return copyRemoval(queued), nil
}

func (s *Store) firstRemoval(pred func(*common.RemoveKeysTransaction) bool, less func(a, b *common.RemoveKeysTransaction) bool) *common.RemoveKeysTransaction {
	var best *common.RemoveKeysTransaction
	for _, r := range s.removals {
		if pred(r) && (best == nil || less(r, best)) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	return copyRemoval(best)
}

func byID(a, b *common.RemoveKeysTransaction) bool { return a.ID < b.ID }

// PendingRemoval implements storage.KeyStorage.
func (s *Store) PendingRemoval(_ context.Context, chainID common.ChainID, registry ethCommon.Address) (*common.RemoveKeysTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.firstRemoval(func(r *common.RemoveKeysTransaction) bool {
		return r.ChainID == chainID && r.OperatorRegistry == registry && r.Status == common.RemovalPending
	}, byID), nil
}

// topIndex is the highest index a removal covers, from its linked keys if any.
func (s *Store) topIndex(r *common.RemoveKeysTransaction) uint64 {
	found := false
	var top uint64
	for _, k := range s.keys {
		if k.RemoveKeysTransactionID != nil && *k.RemoveKeysTransactionID == r.ID {
			if !found || k.KeyIndex > top {
				top = k.KeyIndex
			}
			found = true
		}
	}
	if !found {
		return r.ToIndex() - 1
	}
	return top
}

// NextQueuedRemoval implements storage.KeyStorage.
func (s *Store) NextQueuedRemoval(_ context.Context, chainID common.ChainID, registry ethCommon.Address) (*common.RemoveKeysTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.firstRemoval(func(r *common.RemoveKeysTransaction) bool {
		return r.ChainID == chainID && r.OperatorRegistry == registry && r.Status == common.RemovalQueued
	}, func(a, b *common.RemoveKeysTransaction) bool {
		ta, tb := s.topIndex(a), s.topIndex(b)
		if ta != tb {
			return ta > tb
		}
		return a.ID < b.ID
	}), nil
}

// RemovalByHash implements storage.KeyStorage.
func (s *Store) RemovalByHash(_ context.Context, chainID common.ChainID, hash ethCommon.Hash) (*common.RemoveKeysTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removalByHash(chainID, hash), nil
}

func (s *Store) removalByHash(chainID common.ChainID, hash ethCommon.Hash) *common.RemoveKeysTransaction {
	return s.firstRemoval(func(r *common.RemoveKeysTransaction) bool {
		return r.ChainID == chainID && r.TransactionHash != nil && *r.TransactionHash == hash
	}, byID)
}

// LinkedKeys implements storage.KeyStorage.
func (s *Store) LinkedKeys(_ context.Context, removalID int64) ([]*common.ValidatorKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sortedKeys(func(k *common.ValidatorKey) bool {
		return k.RemoveKeysTransactionID != nil && *k.RemoveKeysTransactionID == removalID
	}, func(a, b *common.ValidatorKey) bool { return a.KeyIndex < b.KeyIndex }), nil
}

func (s *Store) removal(id int64) (*common.RemoveKeysTransaction, error) {
	r, ok := s.removals[id]
	if !ok {
		return nil, fmt.Errorf("removal %d: %w", id, storage.ErrNotFound)
	}
	return r, nil
}

// MarkRemovalPending implements storage.KeyStorage.
func (s *Store) MarkRemovalPending(_ context.Context, removalID int64, fromIndex, count uint64, hash ethCommon.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.removal(removalID)
	if err != nil {
		return err
	}
	if r.Status != common.RemovalQueued {
		return fmt.Errorf("removal %d is %s, not queued", removalID, r.Status)
	}
	if p := s.firstRemoval(func(o *common.RemoveKeysTransaction) bool {
		return o.ChainID == r.ChainID && o.OperatorRegistry == r.OperatorRegistry && o.Status == common.RemovalPending
	}, byID); p != nil {
		return fmt.Errorf("removal %d: %w (removal %d)", removalID, storage.ErrPendingRemovalExists, p.ID)
	}
	r.Status = common.RemovalPending
	r.FromIndex = fromIndex
	r.ValidatorCount = count
	r.TransactionHash = common.Ptr(hash)
	return nil
}

// MarkRemovalReverted implements storage.KeyStorage.
func (s *Store) MarkRemovalReverted(_ context.Context, removalID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.removal(removalID)
	if err != nil {
		return err
	}
	if r.Status != common.RemovalPending {
		return fmt.Errorf("removal %d: %w", removalID, storage.ErrNotPending)
	}
	r.Status = common.RemovalReverted
	return nil
}

// SettleRemoval implements storage.KeyStorage.
func (s *Store) SettleRemoval(_ context.Context, removalID int64, at common.EventPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.removal(removalID)
	if err != nil {
		return err
	}
	if r.Status != common.RemovalPending {
		return fmt.Errorf("removal %d: %w", removalID, storage.ErrNotPending)
	}
	if err := s.compact(r.ChainID, r.OperatorRegistry, r.OperatorID, r.FromIndex, r.ValidatorCount, at); err != nil {
		return err
	}
	r.Status = common.RemovalSucceeded
	return nil
}

// ApplyExternalRemoval implements storage.KeyStorage.
func (s *Store) ApplyExternalRemoval(_ context.Context, ev *common.RemovalEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removalByHash(ev.ChainID, ev.TxHash) != nil {
		return false, nil
	}
	if err := s.compact(ev.ChainID, ev.Registry, ev.OperatorID, ev.FromIndex, ev.ValidatorCount, ev.Position()); err != nil {
		return false, err
	}
	s.nextRemovalID++
	s.removals[s.nextRemovalID] = &common.RemoveKeysTransaction{
		ID:               s.nextRemovalID,
		ChainID:          ev.ChainID,
		OperatorRegistry: ev.Registry,
		OperatorID:       ev.OperatorID,
		FromIndex:        ev.FromIndex,
		ValidatorCount:   ev.ValidatorCount,
		Status:           common.RemovalSucceeded,
		TransactionHash:  common.Ptr(ev.TxHash),
		Reason:           externalRemovalReason,
		CreatedAt:        s.now(),
	}
	return true, nil
}

// compact re-indexes the operator's keys added before at. It validates the
// moves before mutating so a failure leaves the store untouched.
func (s *Store) compact(chainID common.ChainID, registry ethCommon.Address, operatorID, from, count uint64, at common.EventPosition) error {
	byIndex := make(map[uint64]*common.ValidatorKey)
	var top uint64
	for _, k := range s.keys {
		if k.ChainID == chainID && k.OperatorRegistry == registry && k.OperatorID == operatorID && k.AddedAt().Before(at) {
			byIndex[k.KeyIndex] = k
			top = max(top, k.KeyIndex+1)
		}
	}
	moves, err := common.CompactionMoves(max(top, from+count), from, count)
	if err != nil {
		return err
	}

	for i := from; i < from+count; i++ {
		if k, ok := byIndex[i]; ok {
			delete(s.keys, k.ID)
		}
	}
	for _, m := range moves {
		if k, ok := byIndex[m.From]; ok {
			k.KeyIndex = m.To
		}
	}
	return nil
}

// CountKeys implements storage.KeyStorage.
func (s *Store) CountKeys(_ context.Context, chainID common.ChainID, registry ethCommon.Address, operatorID uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n uint64
	for _, k := range s.keys {
		if k.ChainID == chainID && k.OperatorRegistry == registry && k.OperatorID == operatorID {
			n++
		}
	}
	return n, nil
}

// ListRemovals implements storage.KeyStorage.
func (s *Store) ListRemovals(_ context.Context, chainID common.ChainID, registry ethCommon.Address, limit int) ([]*common.RemoveKeysTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*common.RemoveKeysTransaction
	for _, r := range s.removals {
		if r.ChainID == chainID && r.OperatorRegistry == registry {
			out = append(out, copyRemoval(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OperatorKeys implements storage.KeyStorage.
func (s *Store) OperatorKeys(_ context.Context, chainID common.ChainID, registry ethCommon.Address, operatorID uint64) ([]*common.ValidatorKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sortedKeys(func(k *common.ValidatorKey) bool {
		return k.ChainID == chainID && k.OperatorRegistry == registry && k.OperatorID == operatorID
	}, func(a, b *common.ValidatorKey) bool {
		if a.KeyIndex != b.KeyIndex {
			return a.KeyIndex < b.KeyIndex
		}
		return a.ID < b.ID
	}), nil
}
