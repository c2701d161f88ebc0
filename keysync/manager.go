// Package keysync mirrors newly added validator keys from the subgraph and
// feeds them through the verifier, queueing removals for flagged keys.
package keysync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"

	"github.com/restakefi/keyguard/alert"
	"github.com/restakefi/keyguard/checkpoint"
	"github.com/restakefi/keyguard/common"
	"github.com/restakefi/keyguard/log"
	"github.com/restakefi/keyguard/metrics"
	"github.com/restakefi/keyguard/storage"
	"github.com/restakefi/keyguard/subgraph"
	"github.com/restakefi/keyguard/verifier"
)

const (
	taskName = string(common.TaskKeyRetrieval)

	// maxBatchesPerTick bounds the verification drain of one token.
	maxBatchesPerTick = 20
)

// HeadSource returns the chain head.
type HeadSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// KeySource lists restaking tokens and the keys added to their registries.
type KeySource interface {
	RestakingTokens(ctx context.Context) ([]*common.RestakingToken, error)
	KeysAdded(ctx context.Context, registry ethCommon.Address, from, to uint64) ([]*subgraph.KeyAdded, error)
}

var _ KeySource = (*subgraph.Client)(nil)

// KeyVerifier decides which keys must be removed.
type KeyVerifier interface {
	Verify(ctx context.Context, token *common.RestakingToken, keys []*common.ValidatorKey) (*verifier.Result, error)
}

var _ KeyVerifier = (*verifier.Verifier)(nil)

// Chain bundles the per-chain collaborators.
type Chain struct {
	ID            common.ChainID
	Confirmations uint64
	StartBlock    uint64
	Head          HeadSource
	Keys          KeySource
	Verifier      KeyVerifier
}

// Manager runs the key retrieval task.
type Manager struct {
	chains      []*Chain
	db          storage.KeyStorage
	checkpoints *checkpoint.Store
	alerts      alert.Sink
	failures    *alert.FailureTracker
	batchSize   int

	logger  *log.Logger
	metrics metrics.TaskMetrics
}

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
		batchSize:   verifier.MaxBatchSize,
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

// Tick syncs and verifies keys of every restaking token of every chain.
func (m *Manager) Tick(ctx context.Context) error {
	var result *multierror.Error
	for _, c := range m.chains {
		tokens, err := c.Keys.RestakingTokens(ctx)
		if err != nil {
			m.logger.Error("failed to list restaking tokens", "chain_id", c.ID, "err", err)
			result = multierror.Append(result, fmt.Errorf("chain %d: %w", c.ID, err))
			continue
		}
		for _, token := range tokens {
			subject := common.TaskKey{ChainID: c.ID, Registry: token.OperatorRegistry, Task: common.TaskKeyRetrieval}.String()
			if err := m.ProcessToken(ctx, c, token); err != nil {
				m.logger.Error("failed to process restaking token", "chain_id", c.ID, "symbol", token.Symbol, "err", err)
				m.metrics.TokenFailures(c.ID.String(), token.Symbol).Inc()
				if n, fire := m.failures.Failed(subject); fire {
					m.alert(ctx, alert.SeverityError, "Key retrieval keeps failing", alert.Fields{
						Description:      fmt.Sprintf("%d consecutive failures, last: %s", n, err),
						ChainID:          c.ID,
						OperatorRegistry: common.Ptr(token.OperatorRegistry),
						Symbol:           token.Symbol,
					})
				}
				result = multierror.Append(result, fmt.Errorf("chain %d %s: %w", c.ID, token.Symbol, err))
				continue
			}
			m.failures.Succeeded(subject)
		}
	}
	return result.ErrorOrNil()
}

// ProcessToken stores the keys added since the checkpoint, then verifies
// stored keys that were not verified yet.
func (m *Manager) ProcessToken(ctx context.Context, c *Chain, token *common.RestakingToken) error {
	key := common.TaskKey{ChainID: c.ID, Registry: token.OperatorRegistry, Task: common.TaskKeyRetrieval}
	last, err := m.checkpoints.EnsureRunning(ctx, key)
	if err != nil {
		return err
	}
	if last == nil {
		return nil
	}
	if err := m.SyncKeys(ctx, c, token, *last); err != nil {
		return fmt.Errorf("sync keys: %w", err)
	}
	if err := m.VerifyKeys(ctx, c, token); err != nil {
		return fmt.Errorf("verify keys: %w", err)
	}
	return nil
}

// SyncKeys stores keys added in (last, head-confirmations] and advances the
// checkpoint.
func (m *Manager) SyncKeys(ctx context.Context, c *Chain, token *common.RestakingToken, last uint64) error {
	head, err := c.Head.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if head < c.Confirmations {
		return nil
	}
	to := head - c.Confirmations
	from := max(last+1, c.StartBlock)
	if from > to {
		return nil
	}

	added, err := c.Keys.KeysAdded(ctx, token.OperatorRegistry, from, to)
	if err != nil {
		return err
	}
	keys := make([]*common.ValidatorKey, 0, len(added))
	for _, a := range added {
		keys = append(keys, &common.ValidatorKey{
			PublicKey:        a.PublicKey,
			OperatorID:       a.OperatorID,
			ChainID:          c.ID,
			OperatorRegistry: token.OperatorRegistry,
			KeyIndex:         a.KeyIndex,
			AddedTxHash:      a.TxHash,
			AddedBlockNumber: a.BlockNumber,
			AddedLogIndex:    a.LogIndex,
		})
	}
	inserted, err := m.db.InsertValidatorKeys(ctx, keys)
	if err != nil {
		return err
	}

	key := common.TaskKey{ChainID: c.ID, Registry: token.OperatorRegistry, Task: common.TaskKeyRetrieval}
	if err := m.checkpoints.Advance(ctx, key, to); err != nil {
		return err
	}
	m.metrics.Checkpoint(c.ID.String(), token.OperatorRegistry.Hex()).Set(float64(to))
	m.logger.Info("synced validator keys",
		"chain_id", c.ID,
		"symbol", token.Symbol,
		"from", from,
		"to", to,
		"num_added", len(added),
		"num_inserted", inserted,
	)
	return nil
}

// VerifyKeys drains unverified keys through the verifier in batches.
// Skipped keys stay unverified; the drain stops once a batch decides nothing.
func (m *Manager) VerifyKeys(ctx context.Context, c *Chain, token *common.RestakingToken) error {
	for i := 0; i < maxBatchesPerTick; i++ {
		keys, err := m.db.UnverifiedKeys(ctx, c.ID, token.OperatorRegistry, m.batchSize)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		res, err := c.Verifier.Verify(ctx, token, keys)
		if err != nil {
			return err
		}
		if err := m.queueFlagged(ctx, c, token, res.Flagged); err != nil {
			return err
		}
		if len(res.Valid) > 0 {
			ids := make([]int64, 0, len(res.Valid))
			for _, k := range res.Valid {
				ids = append(ids, k.ID)
			}
			if err := m.db.MarkKeysVerified(ctx, ids, time.Now()); err != nil {
				return err
			}
		}
		m.logger.Info("verified validator keys",
			"chain_id", c.ID,
			"symbol", token.Symbol,
			"num_keys", len(keys),
			"num_flagged", len(res.Flagged),
			"num_valid", len(res.Valid),
			"num_skipped", len(res.Skipped),
		)
		if len(res.Flagged)+len(res.Valid) == 0 || len(keys) < m.batchSize {
			return nil
		}
	}
	return nil
}

// RemovalRange is a contiguous run of one operator's flagged keys.
type RemovalRange struct {
	OperatorID uint64
	Keys       []*common.ValidatorKey
	Reasons    []verifier.Reason
}

// GroupFlagged splits flagged keys into contiguous per-operator index
// ranges, ordered by operator then index.
func GroupFlagged(flagged []verifier.Flagged) []*RemovalRange {
	sorted := append([]verifier.Flagged{}, flagged...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].Key, sorted[j].Key
		if a.OperatorID != b.OperatorID {
			return a.OperatorID < b.OperatorID
		}
		return a.KeyIndex < b.KeyIndex
	})

	var ranges []*RemovalRange
	var cur *RemovalRange
	for _, f := range sorted {
		if cur == nil || cur.OperatorID != f.Key.OperatorID || cur.Keys[len(cur.Keys)-1].KeyIndex+1 != f.Key.KeyIndex {
			cur = &RemovalRange{OperatorID: f.Key.OperatorID}
			ranges = append(ranges, cur)
		}
		cur.Keys = append(cur.Keys, f.Key)
		cur.Reasons = append(cur.Reasons, f.Reason)
	}
	return ranges
}

// Reason joins the distinct reasons of the range.
func (r *RemovalRange) Reason() string {
	seen := map[verifier.Reason]bool{}
	var parts []string
	for _, reason := range r.Reasons {
		if !seen[reason] {
			seen[reason] = true
			parts = append(parts, string(reason))
		}
	}
	return strings.Join(parts, "; ")
}

func (m *Manager) queueFlagged(ctx context.Context, c *Chain, token *common.RestakingToken, flagged []verifier.Flagged) error {
	for _, f := range flagged {
		m.metrics.FlaggedKeys(c.ID.String(), string(f.Reason)).Inc()
	}
	for _, r := range GroupFlagged(flagged) {
		ids := make([]int64, 0, len(r.Keys))
		for _, k := range r.Keys {
			ids = append(ids, k.ID)
		}
		queued, err := m.db.QueueRemoval(ctx, &common.RemoveKeysTransaction{
			ChainID:          c.ID,
			OperatorRegistry: token.OperatorRegistry,
			OperatorID:       r.OperatorID,
			FromIndex:        r.Keys[0].KeyIndex,
			ValidatorCount:   uint64(len(r.Keys)),
			Reason:           r.Reason(),
		}, ids)
		if err != nil {
			return fmt.Errorf("queue removal of operator %d keys: %w", r.OperatorID, err)
		}
		m.metrics.Removals(c.ID.String(), string(common.RemovalQueued)).Inc()
		m.alert(ctx, alert.SeverityWarning, "Validator keys queued for removal", alert.Fields{
			Description: fmt.Sprintf("removal %d of [%d, %d): %s",
				queued.ID, queued.FromIndex, queued.ToIndex(), queued.Reason),
			ChainID:          c.ID,
			OperatorID:       common.Ptr(r.OperatorID),
			OperatorRegistry: common.Ptr(token.OperatorRegistry),
			Symbol:           token.Symbol,
		})
	}
	return nil
}
