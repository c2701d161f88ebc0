// Package verifier decides which newly added validator keys must be removed
// because their beacon chain deposits are invalid or were front-run.
package verifier

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prysmaticlabs/prysm/v5/beacon-chain/core/signing"
	"github.com/prysmaticlabs/prysm/v5/config/params"
	"github.com/prysmaticlabs/prysm/v5/contracts/deposit"
	ethpb "github.com/prysmaticlabs/prysm/v5/proto/prysm/v1alpha1"
	"golang.org/x/sync/errgroup"

	"github.com/restakefi/keyguard/alert"
	"github.com/restakefi/keyguard/beacon"
	"github.com/restakefi/keyguard/chain"
	"github.com/restakefi/keyguard/common"
	"github.com/restakefi/keyguard/log"
)

const (
	// MaxBatchSize is the most keys verified in one call.
	MaxBatchSize = beacon.MaxBatchSize

	// GraceWindow is how long after a key is added a deposit to it is still
	// considered too early to trust.
	GraceWindow = 3 * 24 * time.Hour

	receiptConcurrency = 8
	blockTimeCacheSize = 256
)

// ErrBatchTooLarge is returned for batches over MaxBatchSize keys.
var ErrBatchTooLarge = beacon.ErrBatchTooLarge

// Reason tells why a key was flagged.
type Reason string

const (
	ReasonInvalidSignature       Reason = "invalid deposit signature"
	ReasonMissingLogs            Reason = "deposit transaction lacks Rebalanced or DepositEvent log"
	ReasonDepositBeforeRebalance Reason = "deposit logged before rebalance"
	ReasonDepositInGraceWindow   Reason = "deposit within grace window of key addition"
)

// Flagged is a key that must be removed.
type Flagged struct {
	Key    *common.ValidatorKey
	Reason Reason
}

// Result partitions a verified batch.
type Result struct {
	Flagged []Flagged
	Valid   []*common.ValidatorKey
	// Skipped keys could not be decided this round.
	Skipped []*common.ValidatorKey
}

// ChainClient is the chain access the verifier needs.
type ChainClient interface {
	TransactionReceipt(ctx context.Context, hash ethCommon.Hash) (*types.Receipt, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
}

var _ ChainClient = (*chain.Client)(nil)

// DepositSource returns beacon chain deposits of public keys.
type DepositSource interface {
	Deposits(ctx context.Context, pubkeys [][]byte) ([]*beacon.Deposit, error)
}

var _ DepositSource = (*beacon.Client)(nil)

// Config is the per-chain verification setup.
type Config struct {
	ChainID common.ChainID
	// ForkVersion is the genesis fork version the deposit domain is bound to.
	ForkVersion     []byte
	DepositContract ethCommon.Address
}

// Verifier checks keys of one chain.
type Verifier struct {
	cfg      Config
	chain    ChainClient
	deposits DepositSource
	alerts   alert.Sink
	logger   *log.Logger
	now      func() time.Time
}

func New(cfg Config, chainClient ChainClient, deposits DepositSource, alerts alert.Sink, logger *log.Logger) *Verifier {
	return &Verifier{
		cfg:      cfg,
		chain:    chainClient,
		deposits: deposits,
		alerts:   alerts,
		logger:   logger.WithModule("verifier").With("chain_id", cfg.ChainID),
		now:      time.Now,
	}
}

// Verify runs both checks over keys of one restaking token, fetching the
// deposits once. An error means no key of the batch was decided.
func (v *Verifier) Verify(ctx context.Context, token *common.RestakingToken, keys []*common.ValidatorKey) (*Result, error) {
	deposits, err := v.fetchDeposits(ctx, keys)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	invalid := v.checkSignatures(keys, deposits)
	var rest []*common.ValidatorKey
	for _, k := range keys {
		if reason, ok := invalid[k.ID]; ok {
			res.Flagged = append(res.Flagged, Flagged{Key: k, Reason: reason})
			continue
		}
		rest = append(rest, k)
	}

	unused, err := v.checkUnused(ctx, token, rest, deposits)
	if err != nil {
		return nil, err
	}
	res.Flagged = append(res.Flagged, unused.Flagged...)
	res.Valid = unused.Valid
	res.Skipped = unused.Skipped
	return res, nil
}

// VerifyDepositsAreValid returns the keys whose beacon deposits carry a
// signature that does not verify.
func (v *Verifier) VerifyDepositsAreValid(ctx context.Context, keys []*common.ValidatorKey) ([]Flagged, error) {
	deposits, err := v.fetchDeposits(ctx, keys)
	if err != nil {
		return nil, err
	}
	invalid := v.checkSignatures(keys, deposits)
	var flagged []Flagged
	for _, k := range keys {
		if reason, ok := invalid[k.ID]; ok {
			flagged = append(flagged, Flagged{Key: k, Reason: reason})
		}
	}
	return flagged, nil
}

// VerifyValidatorKeysAreUnused applies the deposit ordering checks against
// the token's coordinator.
func (v *Verifier) VerifyValidatorKeysAreUnused(ctx context.Context, token *common.RestakingToken, keys []*common.ValidatorKey) (*Result, error) {
	deposits, err := v.fetchDeposits(ctx, keys)
	if err != nil {
		return nil, err
	}
	return v.checkUnused(ctx, token, keys, deposits)
}

// fetchDeposits groups the beacon deposits of keys by public key.
func (v *Verifier) fetchDeposits(ctx context.Context, keys []*common.ValidatorKey) (map[string][]*beacon.Deposit, error) {
	if len(keys) > MaxBatchSize {
		return nil, fmt.Errorf("%w: got %d", ErrBatchTooLarge, len(keys))
	}
	pubkeys := make([][]byte, 0, len(keys))
	for _, k := range keys {
		pubkeys = append(pubkeys, k.PublicKey)
	}
	deposits, err := v.deposits.Deposits(ctx, pubkeys)
	if err != nil {
		return nil, fmt.Errorf("fetch deposits: %w", err)
	}
	byKey := make(map[string][]*beacon.Deposit, len(deposits))
	for _, d := range deposits {
		byKey[string(d.PublicKey)] = append(byKey[string(d.PublicKey)], d)
	}
	return byKey, nil
}

func (v *Verifier) checkSignatures(keys []*common.ValidatorKey, deposits map[string][]*beacon.Deposit) map[int64]Reason {
	invalid := map[int64]Reason{}
	for _, k := range keys {
		for _, d := range deposits[string(k.PublicKey)] {
			if err := v.verifySignature(d); err != nil {
				v.logger.Info("deposit signature does not verify",
					"public_key", k.PublicKeyHex(),
					"deposit_tx", d.TxHash.Hex(),
					"err", err,
				)
				invalid[k.ID] = ReasonInvalidSignature
				break
			}
		}
	}
	return invalid
}

func (v *Verifier) verifySignature(d *beacon.Deposit) error {
	domain, err := signing.ComputeDomain(params.BeaconConfig().DomainDeposit, v.cfg.ForkVersion, nil)
	if err != nil {
		return fmt.Errorf("compute deposit domain: %w", err)
	}
	return deposit.VerifyDepositSignature(&ethpb.Deposit_Data{
		PublicKey:             d.PublicKey,
		WithdrawalCredentials: d.WithdrawalCredentials,
		Amount:                d.Amount,
		Signature:             d.Signature,
	}, domain)
}

// amountLE is the deposit contract's encoding of a gwei amount.
func amountLE(gwei uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, gwei)
	return b
}

// receipts fetches the receipts of hashes concurrently. Unknown
// transactions map to nil.
func (v *Verifier) receipts(ctx context.Context, hashes map[ethCommon.Hash]struct{}) (map[ethCommon.Hash]*types.Receipt, error) {
	var mu sync.Mutex
	out := make(map[ethCommon.Hash]*types.Receipt, len(hashes))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(receiptConcurrency)
	for h := range hashes {
		g.Go(func() error {
			r, err := v.chain.TransactionReceipt(gCtx, h)
			if err != nil {
				return err
			}
			mu.Lock()
			out[h] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

type blockTimes struct {
	chain ChainClient
	cache *lru.Cache[uint64, time.Time]
}

func (b *blockTimes) get(ctx context.Context, number uint64) (time.Time, error) {
	if t, ok := b.cache.Get(number); ok {
		return t, nil
	}
	t, err := b.chain.BlockTime(ctx, number)
	if err != nil {
		return time.Time{}, err
	}
	b.cache.Add(number, t)
	return t, nil
}

var errUndecided = errors.New("missing chain data")

func (v *Verifier) checkUnused(ctx context.Context, token *common.RestakingToken, keys []*common.ValidatorKey, deposits map[string][]*beacon.Deposit) (*Result, error) {
	res := &Result{}

	hashes := map[ethCommon.Hash]struct{}{}
	for _, k := range keys {
		ds := deposits[string(k.PublicKey)]
		if len(ds) == 0 {
			continue
		}
		hashes[k.AddedTxHash] = struct{}{}
		for _, d := range ds {
			hashes[d.TxHash] = struct{}{}
		}
	}
	receipts, err := v.receipts(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("fetch receipts: %w", err)
	}

	cache, err := lru.New[uint64, time.Time](blockTimeCacheSize)
	if err != nil {
		return nil, err
	}
	times := &blockTimes{chain: v.chain, cache: cache}

	for _, k := range keys {
		ds := deposits[string(k.PublicKey)]
		if len(ds) == 0 {
			// A deposit may still land inside the grace window; decide once
			// it has passed.
			addedAt, err := times.get(ctx, k.AddedBlockNumber)
			if err != nil {
				return nil, fmt.Errorf("key addition block time: %w", err)
			}
			if addedAt.Add(GraceWindow).After(v.now()) {
				res.Skipped = append(res.Skipped, k)
				continue
			}
			res.Valid = append(res.Valid, k)
			continue
		}
		reason, err := v.checkKey(ctx, token, k, ds, receipts, times)
		switch {
		case errors.Is(err, errUndecided):
			v.alerts.Warn(ctx, "Key verification skipped", alert.Fields{
				TaskName:         string(common.TaskKeyRetrieval),
				Description:      fmt.Sprintf("key %s: %s", k.PublicKeyHex(), err),
				ChainID:          v.cfg.ChainID,
				OperatorID:       common.Ptr(k.OperatorID),
				OperatorRegistry: common.Ptr(k.OperatorRegistry),
				Symbol:           token.Symbol,
			})
			res.Skipped = append(res.Skipped, k)
		case err != nil:
			return nil, err
		case reason != "":
			res.Flagged = append(res.Flagged, Flagged{Key: k, Reason: reason})
		default:
			res.Valid = append(res.Valid, k)
		}
	}
	return res, nil
}

// checkKey returns the reason the key must be removed, or "" if every
// deposit to it is attributable to the vault.
func (v *Verifier) checkKey(
	ctx context.Context,
	token *common.RestakingToken,
	k *common.ValidatorKey,
	ds []*beacon.Deposit,
	receipts map[ethCommon.Hash]*types.Receipt,
	times *blockTimes,
) (Reason, error) {
	added := receipts[k.AddedTxHash]
	if added == nil {
		return "", fmt.Errorf("%w: no receipt for key addition tx %s", errUndecided, k.AddedTxHash.Hex())
	}
	addedAt, err := times.get(ctx, added.BlockNumber.Uint64())
	if err != nil {
		return "", fmt.Errorf("key addition block time: %w", err)
	}

	for _, d := range ds {
		receipt := receipts[d.TxHash]
		if receipt == nil {
			return "", fmt.Errorf("%w: no receipt for deposit tx %s", errUndecided, d.TxHash.Hex())
		}
		rebalanced := chain.FindRebalanced(receipt, token.Coordinator)
		events, err := chain.DepositEvents(receipt, v.cfg.DepositContract)
		if err != nil {
			return "", err
		}
		var depositLog *chain.DepositEvent
		for _, ev := range events {
			if bytes.Equal(ev.Pubkey, d.PublicKey) && bytes.Equal(ev.Amount, amountLE(d.Amount)) {
				depositLog = ev
				break
			}
		}

		logger := v.logger.With("public_key", k.PublicKeyHex(), "deposit_tx", d.TxHash.Hex())
		switch {
		case rebalanced == nil || depositLog == nil:
			logger.Info("deposit logs missing", "has_rebalanced", rebalanced != nil, "has_deposit_event", depositLog != nil)
			return ReasonMissingLogs, nil
		case depositLog.LogIndex < rebalanced.Index:
			logger.Info("deposit logged before rebalance", "deposit_log_index", depositLog.LogIndex, "rebalanced_log_index", rebalanced.Index)
			return ReasonDepositBeforeRebalance, nil
		case addedAt.Add(GraceWindow).After(d.BlockTime()):
			logger.Info("deposit within grace window", "added_at", addedAt, "deposited_at", d.BlockTime())
			return ReasonDepositInGraceWindow, nil
		}
	}
	return "", nil
}
