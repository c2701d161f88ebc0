// Package chain implements the read-only chain observer and the removal
// call against an operator registry, over Ethereum JSON-RPC.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/restakefi/keyguard/common"
	"github.com/restakefi/keyguard/config"
	"github.com/restakefi/keyguard/log"
	"github.com/restakefi/keyguard/metrics"
)

const (
	// maxRetries bounds the attempts of one RPC call to maxRetries+1.
	maxRetries = 2

	defaultLogsBatchSize  = 2000
	defaultRequestTimeout = 30 * time.Second
)

// ErrReadOnly is returned when sending a transaction without a signer.
var ErrReadOnly = errors.New("chain client has no signer")

// Backend is the subset of ethclient.Client used by Client.
type Backend interface {
	bind.ContractBackend
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash ethCommon.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash ethCommon.Hash) (tx *types.Transaction, isPending bool, err error)
}

var _ Backend = (*ethclient.Client)(nil)

// Options tune a Client.
type Options struct {
	// Signer submits removal transactions. Nil makes the client read-only.
	Signer *ecdsa.PrivateKey
	// GasLimit overrides gas estimation when non-zero.
	GasLimit       uint64
	LogsBatchSize  uint64
	RequestTimeout time.Duration
	// NewBackOff returns the retry policy of one call. Defaults to an
	// exponential backoff capped at 10s overall.
	NewBackOff func() backoff.BackOff
}

// Client is a chain observer for one chain.
type Client struct {
	chainID common.ChainID
	backend Backend
	opts    Options

	logger  *log.Logger
	metrics metrics.RequestMetrics
}

// NewClient creates a client over an existing backend.
func NewClient(chainID common.ChainID, backend Backend, opts Options, logger *log.Logger) *Client {
	if opts.LogsBatchSize == 0 {
		opts.LogsBatchSize = defaultLogsBatchSize
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}
	return &Client{
		chainID: chainID,
		backend: backend,
		opts:    opts,
		logger:  logger.WithModule("chain").With("chain_id", chainID),
		metrics: metrics.NewDefaultRequestMetrics("keyguard", "rpc"),
	}
}

// Dial connects to the chain's RPC endpoint. signer may be nil.
func Dial(ctx context.Context, cfg *config.ChainConfig, signer *config.SignerConfig, logger *log.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPC)
	if err != nil {
		return nil, fmt.Errorf("ethclient DialContext chain %d: %w", cfg.ChainID, err)
	}
	opts := Options{
		LogsBatchSize:  cfg.LogsBatchSize,
		RequestTimeout: cfg.RequestTimeout,
	}
	if signer != nil && signer.PrivateKey != "" {
		key, err := crypto.HexToECDSA(trimHexPrefix(signer.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("signer private key: %w", err)
		}
		opts.Signer = key
		opts.GasLimit = signer.GasLimit
	}
	return NewClient(common.ChainID(cfg.ChainID), ec, opts, logger), nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 4 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	return b
}

// call runs op with per-attempt timeouts and bounded retries. ethereum.NotFound
// is returned as is, without retrying.
func call[T any](ctx context.Context, c *Client, endpoint string, op func(ctx context.Context) (T, error)) (T, error) {
	timer := c.metrics.RequestTimer(endpoint)
	b := backoff.WithContext(backoff.WithMaxRetries(c.opts.NewBackOff(), maxRetries), ctx)
	res, err := backoff.RetryNotifyWithData(func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
		v, err := op(callCtx)
		if errors.Is(err, ethereum.NotFound) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b, func(err error, next time.Duration) {
		c.logger.Warn("rpc call failed, retrying", "endpoint", endpoint, "err", err, "retry_in", next)
	})
	if errors.Is(err, ethereum.NotFound) {
		c.metrics.Observe(endpoint, timer, nil)
	} else {
		c.metrics.Observe(endpoint, timer, err)
	}
	return res, err
}

// BlockNumber returns the current head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return call(ctx, c, "eth_blockNumber", c.backend.BlockNumber)
}

// TransactionReceipt returns the receipt of a mined transaction, or nil if
// the node does not know of one yet.
func (c *Client) TransactionReceipt(ctx context.Context, hash ethCommon.Hash) (*types.Receipt, error) {
	receipt, err := call(ctx, c, "eth_getTransactionReceipt", func(ctx context.Context) (*types.Receipt, error) {
		return c.backend.TransactionReceipt(ctx, hash)
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
	}
	return receipt, nil
}

// Transaction is a transaction as seen by the node.
type Transaction struct {
	Tx      *types.Transaction
	Pending bool
}

// TransactionByHash returns the transaction, or nil if the node does not
// know of it.
func (c *Client) TransactionByHash(ctx context.Context, hash ethCommon.Hash) (*Transaction, error) {
	tx, err := call(ctx, c, "eth_getTransactionByHash", func(ctx context.Context) (*Transaction, error) {
		tx, pending, err := c.backend.TransactionByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		return &Transaction{Tx: tx, Pending: pending}, nil
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", hash.Hex(), err)
	}
	return tx, nil
}

// BlockTime returns the timestamp of a block.
func (c *Client) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	header, err := call(ctx, c, "eth_getBlockByNumber", func(ctx context.Context) (*types.Header, error) {
		return c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("block %d: %w", number, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// RemovalEvents returns the registry's OperatorPendingValidatorDetailsRemoved
// events in [from, to], in chain order. The range is queried in pages of at
// most LogsBatchSize blocks.
func (c *Client) RemovalEvents(ctx context.Context, registry ethCommon.Address, from, to uint64) ([]*common.RemovalEvent, error) {
	topic := OperatorRegistryABI.Events[eventValidatorsRemoved].ID
	var events []*common.RemovalEvent
	for start := from; start <= to; start += c.opts.LogsBatchSize {
		end := min(start+c.opts.LogsBatchSize-1, to)
		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []ethCommon.Address{registry},
			Topics:    [][]ethCommon.Hash{{topic}},
		}
		logs, err := call(ctx, c, "eth_getLogs", func(ctx context.Context) ([]types.Log, error) {
			return c.backend.FilterLogs(ctx, query)
		})
		if err != nil {
			return nil, fmt.Errorf("removal events [%d, %d]: %w", start, end, err)
		}
		for i := range logs {
			if logs[i].Removed {
				continue
			}
			ev, err := c.decodeRemovalEvent(&logs[i])
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		c.logger.Debug("scanned removal events", "registry", registry.Hex(), "from", start, "to", end, "num_logs", len(logs))
		if end == to {
			break
		}
	}
	return events, nil
}

func (c *Client) decodeRemovalEvent(l *types.Log) (*common.RemovalEvent, error) {
	if len(l.Topics) != 2 {
		return nil, fmt.Errorf("removal event in tx %s: expected 2 topics, got %d", l.TxHash.Hex(), len(l.Topics))
	}
	values, err := OperatorRegistryABI.Unpack(eventValidatorsRemoved, l.Data)
	if err != nil {
		return nil, fmt.Errorf("removal event in tx %s: %w", l.TxHash.Hex(), err)
	}
	fromIndex, ok1 := values[0].(*big.Int)
	count, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("removal event in tx %s: unexpected field types", l.TxHash.Hex())
	}
	return &common.RemovalEvent{
		ChainID:        c.chainID,
		Registry:       l.Address,
		OperatorID:     new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(),
		FromIndex:      fromIndex.Uint64(),
		ValidatorCount: count.Uint64(),
		TxHash:         l.TxHash,
		BlockNumber:    l.BlockNumber,
		LogIndex:       l.Index,
	}, nil
}

func (c *Client) registry(address ethCommon.Address) *bind.BoundContract {
	return bind.NewBoundContract(address, OperatorRegistryABI, c.backend, c.backend, c.backend)
}

// OperatorKeys returns the public keys the registry holds for the operator
// at [from, from+count).
func (c *Client) OperatorKeys(ctx context.Context, registry ethCommon.Address, operatorID, from, count uint64) ([][]byte, error) {
	contract := c.registry(registry)
	keys, err := call(ctx, c, "getValidatorDetails", func(ctx context.Context) ([][]byte, error) {
		var out []interface{}
		if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, methodGetValidatorDetails,
			new(big.Int).SetUint64(operatorID),
			new(big.Int).SetUint64(from),
			new(big.Int).SetUint64(count),
		); err != nil {
			return nil, err
		}
		if len(out) != 1 {
			return nil, fmt.Errorf("unexpected output length %d", len(out))
		}
		keys, ok := out[0].([][]byte)
		if !ok {
			return nil, fmt.Errorf("unexpected output type %T", out[0])
		}
		return keys, nil
	})
	if err != nil {
		return nil, fmt.Errorf("operator %d keys [%d, %d): %w", operatorID, from, from+count, err)
	}
	return keys, nil
}

// RemoveValidatorKeys submits removeValidatorDetails and returns the hash of
// the sent transaction. It is never retried.
func (c *Client) RemoveValidatorKeys(ctx context.Context, registry ethCommon.Address, operatorID, from, count uint64) (ethCommon.Hash, error) {
	if c.opts.Signer == nil {
		return ethCommon.Hash{}, ErrReadOnly
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.opts.Signer, new(big.Int).SetUint64(uint64(c.chainID)))
	if err != nil {
		return ethCommon.Hash{}, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	opts.GasLimit = c.opts.GasLimit

	timer := c.metrics.RequestTimer(methodRemoveValidatorDetails)
	tx, err := c.registry(registry).Transact(opts, methodRemoveValidatorDetails,
		new(big.Int).SetUint64(operatorID),
		new(big.Int).SetUint64(from),
		new(big.Int).SetUint64(count),
	)
	c.metrics.Observe(methodRemoveValidatorDetails, timer, err)
	if err != nil {
		return ethCommon.Hash{}, fmt.Errorf("removeValidatorDetails(%d, %d, %d): %w", operatorID, from, count, err)
	}
	c.logger.Info("sent removal transaction",
		"registry", registry.Hex(),
		"operator_id", operatorID,
		"from_index", from,
		"validator_count", count,
		"tx_hash", tx.Hash().Hex(),
		"nonce", tx.Nonce(),
	)
	return tx.Hash(), nil
}
