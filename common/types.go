// Package common holds the domain types shared by every keyguard component.
package common

import (
	"fmt"
	"strings"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// ChainID is an EVM chain id.
type ChainID uint64

func (c ChainID) String() string {
	return fmt.Sprintf("%d", uint64(c))
}

// TaskKind names a unit of checkpointed work.
type TaskKind string

const (
	TaskKeyRemoval   TaskKind = "key_removal"
	TaskKeyRetrieval TaskKind = "key_retrieval"
)

// Validate checks that the task kind is known.
func (t TaskKind) Validate() error {
	switch t {
	case TaskKeyRemoval, TaskKeyRetrieval:
		return nil
	default:
		return fmt.Errorf("unknown task '%s'", string(t))
	}
}

// TaskStatus is the run state of a checkpoint.
type TaskStatus string

const (
	TaskStatusRunning TaskStatus = "running"
	TaskStatusPaused  TaskStatus = "paused"
)

// RemovalStatus is the state of a RemoveKeysTransaction.
type RemovalStatus string

const (
	RemovalQueued    RemovalStatus = "queued"
	RemovalPending   RemovalStatus = "pending"
	RemovalSucceeded RemovalStatus = "succeeded"
	RemovalReverted  RemovalStatus = "reverted"
)

// TaskKey identifies one checkpoint.
type TaskKey struct {
	ChainID  ChainID
	Registry ethCommon.Address
	Task     TaskKind
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.ChainID, strings.ToLower(k.Registry.Hex()), k.Task)
}

// TaskState is the persisted checkpoint for a TaskKey.
type TaskState struct {
	TaskKey
	Status          TaskStatus
	LastBlockNumber uint64
	UpdatedAt       time.Time
}

// RestakingToken is one LRT deployment on one chain.
type RestakingToken struct {
	ChainID          ChainID
	Address          ethCommon.Address
	Symbol           string
	OperatorRegistry ethCommon.Address
	// Coordinator emits the Rebalanced event that precedes vault deposits.
	Coordinator ethCommon.Address
}

// ValidatorKey is a BLS public key registered to an operator.
type ValidatorKey struct {
	ID               int64
	PublicKey        []byte
	OperatorID       uint64
	ChainID          ChainID
	OperatorRegistry ethCommon.Address
	KeyIndex         uint64
	// RemoveKeysTransactionID links the key to the removal that will delete it.
	RemoveKeysTransactionID *int64
	AddedTxHash             ethCommon.Hash
	AddedBlockNumber        uint64
	AddedLogIndex           uint64
	VerifiedAt              *time.Time
}

// AddedAt returns the position of the event that registered the key.
func (k *ValidatorKey) AddedAt() EventPosition {
	return EventPosition{BlockNumber: k.AddedBlockNumber, LogIndex: k.AddedLogIndex}
}

// PublicKeyHex returns the 0x-prefixed public key.
func (k *ValidatorKey) PublicKeyHex() string {
	return "0x" + ethCommon.Bytes2Hex(k.PublicKey)
}

// RemoveKeysTransaction is one unit of removal work over the contiguous
// index range [FromIndex, FromIndex+ValidatorCount).
type RemoveKeysTransaction struct {
	ID               int64
	ChainID          ChainID
	OperatorRegistry ethCommon.Address
	OperatorID       uint64
	FromIndex        uint64
	ValidatorCount   uint64
	Status           RemovalStatus
	TransactionHash  *ethCommon.Hash
	Reason           string
	CreatedAt        time.Time
}

// ToIndex returns the exclusive upper bound of the removed range.
func (tx *RemoveKeysTransaction) ToIndex() uint64 {
	return tx.FromIndex + tx.ValidatorCount
}

// RemovalEvent is an observed OperatorPendingValidatorDetailsRemoved log.
type RemovalEvent struct {
	ChainID        ChainID
	Registry       ethCommon.Address
	OperatorID     uint64
	FromIndex      uint64
	ValidatorCount uint64
	TxHash         ethCommon.Hash
	BlockNumber    uint64
	LogIndex       uint
}

// Position returns where the event was emitted.
func (ev *RemovalEvent) Position() EventPosition {
	return EventPosition{BlockNumber: ev.BlockNumber, LogIndex: uint64(ev.LogIndex)}
}

// EventPosition orders registry events by block and log index.
type EventPosition struct {
	BlockNumber uint64
	LogIndex    uint64
}

// Before reports whether p was emitted before o.
func (p EventPosition) Before(o EventPosition) bool {
	if p.BlockNumber != o.BlockNumber {
		return p.BlockNumber < o.BlockNumber
	}
	return p.LogIndex < o.LogIndex
}

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T {
	return &v
}
