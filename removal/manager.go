// Package removal drives queued validator key removals to completion, one
// transaction at a time per operator registry, while keeping the stored key
// indices in step with the registry contract.
package removal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/restakefi/keyguard/alert"
	"github.com/restakefi/keyguard/chain"
	"github.com/restakefi/keyguard/checkpoint"
	"github.com/restakefi/keyguard/common"
	"github.com/restakefi/keyguard/log"
	"github.com/restakefi/keyguard/metrics"
	"github.com/restakefi/keyguard/storage"
	"github.com/restakefi/keyguard/subgraph"
)

const taskName = string(common.TaskKeyRemoval)

// ErrIndexMismatch is returned when the stored keys of a queued removal no
// longer match the registry contract.
var ErrIndexMismatch = errors.New("stored key indices do not match the operator registry")

// ChainClient is the chain access the manager needs.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, hash ethCommon.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash ethCommon.Hash) (*chain.Transaction, error)
	RemovalEvents(ctx context.Context, registry ethCommon.Address, from, to uint64) ([]*common.RemovalEvent, error)
	OperatorKeys(ctx context.Context, registry ethCommon.Address, operatorID, from, count uint64) ([][]byte, error)
	RemoveValidatorKeys(ctx context.Context, registry ethCommon.Address, operatorID, from, count uint64) (ethCommon.Hash, error)
}

var _ ChainClient = (*chain.Client)(nil)

// TokenSource lists the restaking tokens deployed on a chain.
type TokenSource interface {
	RestakingTokens(ctx context.Context) ([]*common.RestakingToken, error)
}

var _ TokenSource = (*subgraph.Client)(nil)

// Chain bundles the per-chain collaborators.
type Chain struct {
	ID common.ChainID
	// Confirmations is how far behind head event scans stop.
	Confirmations uint64
	// StartBlock is where scans of a fresh checkpoint begin.
	StartBlock uint64
	// KeyRetrieval holds removal reconciliation back to the key_retrieval
	// checkpoint, so every key added before a removal is stored when the
	// removal is applied.
	KeyRetrieval bool
	Client       ChainClient
	Tokens       TokenSource
}

// Manager runs the key removal task.
type Manager struct {
	chains      []*Chain
	db          storage.KeyStorage
	checkpoints *checkpoint.Store
	alerts      alert.Sink
	failures    *alert.FailureTracker

	// Queued removals already alerted on for an index mismatch.
	mismatchMu sync.Mutex
	mismatched map[int64]bool

	logger  *log.Logger
	metrics metrics.TaskMetrics
}

// NewManager creates a removal manager over the given chains.
func NewManager(
	chains []*Chain,
	db storage.KeyStorage,
	checkpoints *checkpoint.Store,
	alerts alert.Sink,
	alertAfterFailures int,
	logger *log.Logger,
) *Manager {
	return &Manager{
		chains:      chains,
		db:          db,
		checkpoints: checkpoints,
		alerts:      alerts,
		failures:    alert.NewFailureTracker(alertAfterFailures),
		mismatched:  make(map[int64]bool),
		logger:      logger.WithModule(taskName),
		metrics:     metrics.NewDefaultTaskMetrics(taskName),
	}
}

func (m *Manager) Name() string {
	return taskName
}

func (m *Manager) alert(ctx context.Context, severity alert.Severity, title string, fields alert.Fields) {
	fields.TaskName = taskName
	m.metrics.Alerts(string(severity)).Inc()
	alert.Send(ctx, m.alerts, severity, title, fields)
}

func tokenFields(token *common.RestakingToken) alert.Fields {
	return alert.Fields{
		ChainID:          token.ChainID,
		OperatorRegistry: common.Ptr(token.OperatorRegistry),
		Symbol:           token.Symbol,
	}
}

func removalFields(token *common.RestakingToken, r *common.RemoveKeysTransaction) alert.Fields {
	f := tokenFields(token)
	f.OperatorID = common.Ptr(r.OperatorID)
	f.TxHash = r.TransactionHash
	return f
}

// Tick processes every restaking token of every chain once. A failing token
// does not stop the others; all failures are returned together.
func (m *Manager) Tick(ctx context.Context) error {
	var result *multierror.Error
	for _, c := range m.chains {
		tokens, err := c.Tokens.RestakingTokens(ctx)
		if err != nil {
			m.logger.Error("failed to list restaking tokens", "chain_id", c.ID, "err", err)
			result = multierror.Append(result, fmt.Errorf("chain %d: %w", c.ID, err))
			continue
		}
		for _, token := range tokens {
			if err := m.processToken(ctx, c, token); err != nil {
				result = multierror.Append(result, fmt.Errorf("chain %d %s: %w", c.ID, token.Symbol, err))
			}
		}
	}
	return result.ErrorOrNil()
}

func (m *Manager) processToken(ctx context.Context, c *Chain, token *common.RestakingToken) error {
	subject := common.TaskKey{ChainID: c.ID, Registry: token.OperatorRegistry, Task: common.TaskKeyRemoval}.String()
	err := m.ProcessToken(ctx, c, token)
	if err == nil {
		m.failures.Succeeded(subject)
		return nil
	}

	m.logger.Error("failed to process restaking token",
		"chain_id", c.ID,
		"symbol", token.Symbol,
		"registry", token.OperatorRegistry.Hex(),
		"err", err,
	)
	m.metrics.TokenFailures(c.ID.String(), token.Symbol).Inc()
	if n, fire := m.failures.Failed(subject); fire {
		fields := tokenFields(token)
		fields.Description = fmt.Sprintf("%d consecutive failures, last: %s", n, err)
		m.alert(ctx, alert.SeverityError, "Key removal keeps failing", fields)
	}
	return err
}

// ProcessToken runs one tick for one restaking token: reconcile with chain
// events, advance the pending removal, then emit the next queued one.
func (m *Manager) ProcessToken(ctx context.Context, c *Chain, token *common.RestakingToken) error {
	key := common.TaskKey{ChainID: c.ID, Registry: token.OperatorRegistry, Task: common.TaskKeyRemoval}
	last, err := m.checkpoints.EnsureRunning(ctx, key)
	if err != nil {
		return err
	}
	if last == nil {
		return nil
	}

	if err := m.SyncWithOnchainRemovalEvents(ctx, c, token, *last); err != nil {
		return fmt.Errorf("sync removal events: %w", err)
	}

	var pending, queued *common.RemoveKeysTransaction
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pending, err = m.db.PendingRemoval(gCtx, c.ID, token.OperatorRegistry)
		return err
	})
	g.Go(func() error {
		var err error
		queued, err = m.db.NextQueuedRemoval(gCtx, c.ID, token.OperatorRegistry)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fetch removals: %w", err)
	}

	if pending != nil {
		if err := m.ProcessPendingTx(ctx, c, token, pending); err != nil {
			return fmt.Errorf("process pending removal %d: %w", pending.ID, err)
		}
		return nil
	}
	if queued == nil {
		return nil
	}
	if err := m.EmitQueuedTx(ctx, c, token, queued); err != nil && !errors.Is(err, ErrIndexMismatch) {
		return fmt.Errorf("emit queued removal %d: %w", queued.ID, err)
	}
	return nil
}

// SyncWithOnchainRemovalEvents applies the registry's removal events in
// chain order, scanning from the block after last up to the confirmed head.
// An event of the daemon's own pending removal settles it; any other event
// not recorded yet is applied as an external removal. With KeyRetrieval set
// the scan also stops at the key_retrieval checkpoint. The checkpoint only
// advances once every event in the range is stored.
func (m *Manager) SyncWithOnchainRemovalEvents(ctx context.Context, c *Chain, token *common.RestakingToken, last uint64) error {
	head, err := c.Client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if head < c.Confirmations {
		return nil
	}
	to := head - c.Confirmations
	if c.KeyRetrieval {
		state, err := m.checkpoints.GetStatus(ctx, common.TaskKey{ChainID: c.ID, Registry: token.OperatorRegistry, Task: common.TaskKeyRetrieval})
		if err != nil {
			return fmt.Errorf("key retrieval checkpoint: %w", err)
		}
		if state == nil {
			return nil
		}
		to = min(to, state.LastBlockNumber)
	}
	from := max(last+1, c.StartBlock)
	if from > to {
		return nil
	}

	events, err := c.Client.RemovalEvents(ctx, token.OperatorRegistry, from, to)
	if err != nil {
		return err
	}
	logger := m.logger.With("chain_id", c.ID, "symbol", token.Symbol)
	for _, ev := range events {
		own, err := m.db.RemovalByHash(ctx, c.ID, ev.TxHash)
		if err != nil {
			return fmt.Errorf("removal by hash %s: %w", ev.TxHash.Hex(), err)
		}
		if own != nil {
			if own.Status != common.RemovalPending {
				continue
			}
			if err := m.settle(ctx, c, token, own, ev); err != nil {
				return err
			}
			continue
		}

		applied, err := m.db.ApplyExternalRemoval(ctx, ev)
		if err != nil {
			return fmt.Errorf("apply removal event in tx %s: %w", ev.TxHash.Hex(), err)
		}
		if applied {
			logger.Warn("applied removal made outside of the daemon",
				"operator_id", ev.OperatorID,
				"from_index", ev.FromIndex,
				"validator_count", ev.ValidatorCount,
				"tx_hash", ev.TxHash.Hex(),
				"block_number", ev.BlockNumber,
			)
			m.metrics.Removals(c.ID.String(), "external").Inc()
		}
	}

	key := common.TaskKey{ChainID: c.ID, Registry: token.OperatorRegistry, Task: common.TaskKeyRemoval}
	if err := m.checkpoints.Advance(ctx, key, to); err != nil {
		return err
	}
	m.metrics.Checkpoint(c.ID.String(), token.OperatorRegistry.Hex()).Set(float64(to))
	logger.Debug("synced removal events", "from", from, "to", to, "num_events", len(events))
	return nil
}

func (m *Manager) settle(ctx context.Context, c *Chain, token *common.RestakingToken, pending *common.RemoveKeysTransaction, ev *common.RemovalEvent) error {
	if err := m.db.SettleRemoval(ctx, pending.ID, ev.Position()); err != nil {
		return fmt.Errorf("settle removal %d: %w", pending.ID, err)
	}
	m.metrics.Removals(c.ID.String(), string(common.RemovalSucceeded)).Inc()
	m.logger.Info("removal transaction succeeded",
		"chain_id", c.ID,
		"symbol", token.Symbol,
		"removal_id", pending.ID,
		"tx_hash", ev.TxHash.Hex(),
		"operator_id", pending.OperatorID,
		"from_index", pending.FromIndex,
		"validator_count", pending.ValidatorCount,
		"block_number", ev.BlockNumber,
	)
	return nil
}

// ProcessPendingTx follows a pending removal through its receipt. A revert
// pauses the registry. A successful receipt leaves the removal pending: it
// settles once its event is reached by SyncWithOnchainRemovalEvents.
func (m *Manager) ProcessPendingTx(ctx context.Context, c *Chain, token *common.RestakingToken, pending *common.RemoveKeysTransaction) error {
	if pending.TransactionHash == nil {
		return fmt.Errorf("pending removal %d has no transaction hash", pending.ID)
	}
	hash := *pending.TransactionHash
	logger := m.logger.With("chain_id", c.ID, "symbol", token.Symbol, "removal_id", pending.ID, "tx_hash", hash.Hex())

	receipt, err := c.Client.TransactionReceipt(ctx, hash)
	if err != nil {
		return err
	}
	if receipt == nil {
		tx, err := c.Client.TransactionByHash(ctx, hash)
		if err != nil {
			return err
		}
		if tx == nil {
			logger.Warn("pending removal transaction unknown to the node")
			fields := removalFields(token, pending)
			fields.Description = "the node does not know the pending removal transaction, it may have been dropped"
			m.alert(ctx, alert.SeverityWarning, "Removal transaction not found", fields)
			return nil
		}
		logger.Debug("removal transaction not mined yet")
		return nil
	}

	if receipt.Status == types.ReceiptStatusFailed {
		if err := m.db.MarkRemovalReverted(ctx, pending.ID); err != nil {
			return err
		}
		key := common.TaskKey{ChainID: c.ID, Registry: token.OperatorRegistry, Task: common.TaskKeyRemoval}
		if err := m.checkpoints.Pause(ctx, key); err != nil {
			return err
		}
		m.metrics.Removals(c.ID.String(), string(common.RemovalReverted)).Inc()
		logger.Error("removal transaction reverted, registry paused", "block_number", receipt.BlockNumber)
		fields := removalFields(token, pending)
		fields.Description = fmt.Sprintf("removal of [%d, %d) reverted in block %s, processing is paused until resumed",
			pending.FromIndex, pending.ToIndex(), receipt.BlockNumber)
		m.alert(ctx, alert.SeverityError, "Removal transaction reverted", fields)
		return nil
	}

	logger.Debug("removal transaction mined, waiting for its event to be reconciled", "block_number", receipt.BlockNumber)
	return nil
}

// firstMismatch records a mismatch for the removal and reports whether it
// is the first one.
func (m *Manager) firstMismatch(removalID int64) bool {
	m.mismatchMu.Lock()
	defer m.mismatchMu.Unlock()
	if m.mismatched[removalID] {
		return false
	}
	m.mismatched[removalID] = true
	return true
}

func (m *Manager) clearMismatch(removalID int64) {
	m.mismatchMu.Lock()
	defer m.mismatchMu.Unlock()
	delete(m.mismatched, removalID)
}

// EmitQueuedTx sends the queued removal if the stored keys still match the
// registry. On a mismatch it returns ErrIndexMismatch, leaving the removal
// queued; the alert is sent once per removal until it is emitted.
func (m *Manager) EmitQueuedTx(ctx context.Context, c *Chain, token *common.RestakingToken, queued *common.RemoveKeysTransaction) error {
	logger := m.logger.With("chain_id", c.ID, "symbol", token.Symbol, "removal_id", queued.ID, "operator_id", queued.OperatorID)

	keys, err := m.db.LinkedKeys(ctx, queued.ID)
	if err != nil {
		return err
	}
	mismatch := func(desc string) error {
		logger.Warn("not emitting queued removal", "reason", desc)
		if m.firstMismatch(queued.ID) {
			fields := removalFields(token, queued)
			fields.Description = desc
			m.alert(ctx, alert.SeverityWarning, "Removal index mismatch", fields)
		}
		return fmt.Errorf("%w: %s", ErrIndexMismatch, desc)
	}
	if len(keys) == 0 {
		return mismatch("no stored keys are linked to the removal")
	}
	from, count := keys[0].KeyIndex, uint64(len(keys))
	for i, k := range keys {
		if k.KeyIndex != from+uint64(i) {
			return mismatch(fmt.Sprintf("linked keys are not contiguous: index %d follows %d", k.KeyIndex, keys[i-1].KeyIndex))
		}
	}

	onchain, err := c.Client.OperatorKeys(ctx, token.OperatorRegistry, queued.OperatorID, from, count)
	if err != nil {
		return err
	}
	if uint64(len(onchain)) != count {
		return mismatch(fmt.Sprintf("registry returned %d keys for [%d, %d)", len(onchain), from, from+count))
	}
	for i, k := range keys {
		if !bytes.Equal(onchain[i], k.PublicKey) {
			return mismatch(fmt.Sprintf("key at index %d is %s on-chain, stored %s",
				k.KeyIndex, ethCommon.Bytes2Hex(onchain[i]), ethCommon.Bytes2Hex(k.PublicKey)))
		}
	}

	m.clearMismatch(queued.ID)
	hash, err := c.Client.RemoveValidatorKeys(ctx, token.OperatorRegistry, queued.OperatorID, from, count)
	if err != nil {
		return err
	}
	if err := m.db.MarkRemovalPending(ctx, queued.ID, from, count, hash); err != nil {
		fields := removalFields(token, queued)
		fields.TxHash = &hash
		fields.Description = fmt.Sprintf("removal was sent but could not be recorded: %s", err)
		m.alert(ctx, alert.SeverityError, "Removal not recorded", fields)
		return err
	}
	m.metrics.Removals(c.ID.String(), string(common.RemovalPending)).Inc()
	logger.Info("emitted removal transaction", "from_index", from, "validator_count", count, "tx_hash", hash.Hex())
	return nil
}
