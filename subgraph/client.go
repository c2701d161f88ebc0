// Package subgraph reads LRT deployments and key additions from the
// protocol's indexed-event GraphQL service.
package subgraph

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"

	"github.com/restakefi/keyguard/common"
	"github.com/restakefi/keyguard/log"
	"github.com/restakefi/keyguard/metrics"
)

// pageSize is the largest `first` the graph node accepts.
const pageSize = 1000

const restakingTokensQuery = `query RestakingTokens($first: Int!, $skip: Int!) {
  liquidRestakingTokens(first: $first, skip: $skip, orderBy: id) {
    id
    symbol
    operatorRegistry
    coordinator
  }
}`

const keysAddedQuery = `query ValidatorKeysAdded($registry: Bytes!, $fromBlock: BigInt!, $toBlock: BigInt!, $first: Int!, $skip: Int!) {
  validatorKeysAddeds(
    first: $first
    skip: $skip
    orderBy: blockNumber
    orderDirection: asc
    where: {operatorRegistry: $registry, blockNumber_gte: $fromBlock, blockNumber_lte: $toBlock}
  ) {
    operatorId
    pubkey
    keyIndex
    transactionHash
    blockNumber
    logIndex
  }
}`

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse[T any] struct {
	Data   T              `json:"data"`
	Errors []graphqlError `json:"errors"`
}

// KeyAdded is one validator key added to an operator registry.
type KeyAdded struct {
	OperatorID  uint64
	PublicKey   []byte
	KeyIndex    uint64
	TxHash      ethCommon.Hash
	BlockNumber uint64
	LogIndex    uint64
}

// Client queries one chain's subgraph.
type Client struct {
	chainID common.ChainID
	rest    *resty.Client
	logger  *log.Logger
	metrics metrics.RequestMetrics
}

// NewClient creates a client for the subgraph at url.
func NewClient(chainID common.ChainID, url string, timeout time.Duration, logger *log.Logger) *Client {
	rest := resty.New().
		SetBaseURL(url).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetHeader("Content-Type", "application/json")
	return &Client{
		chainID: chainID,
		rest:    rest,
		logger:  logger.WithModule("subgraph").With("chain_id", chainID),
		metrics: metrics.NewDefaultRequestMetrics("keyguard", "subgraph"),
	}
}

func query[T any](ctx context.Context, c *Client, name string, q string, vars map[string]interface{}) (T, error) {
	var out graphqlResponse[T]
	timer := c.metrics.RequestTimer(name)
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(graphqlRequest{Query: q, Variables: vars}).
		SetResult(&out).
		Post("")
	switch {
	case err != nil:
	case resp.IsError():
		err = fmt.Errorf("http %s", resp.Status())
	case len(out.Errors) > 0:
		msgs := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			msgs = append(msgs, e.Message)
		}
		err = fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}
	c.metrics.Observe(name, timer, err)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("subgraph %s: %w", name, err)
	}
	c.logger.Debug("subgraph query", "query", name, "vars", vars)
	return out.Data, nil
}

// RestakingTokens returns every LRT deployed on the chain.
func (c *Client) RestakingTokens(ctx context.Context) ([]*common.RestakingToken, error) {
	type row struct {
		ID               ethCommon.Address `json:"id"`
		Symbol           string            `json:"symbol"`
		OperatorRegistry ethCommon.Address `json:"operatorRegistry"`
		Coordinator      ethCommon.Address `json:"coordinator"`
	}
	var tokens []*common.RestakingToken
	for skip := 0; ; skip += pageSize {
		data, err := query[struct {
			Tokens []row `json:"liquidRestakingTokens"`
		}](ctx, c, "liquidRestakingTokens", restakingTokensQuery, map[string]interface{}{
			"first": pageSize,
			"skip":  skip,
		})
		if err != nil {
			return nil, err
		}
		for _, r := range data.Tokens {
			tokens = append(tokens, &common.RestakingToken{
				ChainID:          c.chainID,
				Address:          r.ID,
				Symbol:           r.Symbol,
				OperatorRegistry: r.OperatorRegistry,
				Coordinator:      r.Coordinator,
			})
		}
		if len(data.Tokens) < pageSize {
			return tokens, nil
		}
	}
}

// KeysAdded returns the keys added to registry in blocks [from, to], in
// chain order.
func (c *Client) KeysAdded(ctx context.Context, registry ethCommon.Address, from, to uint64) ([]*KeyAdded, error) {
	type row struct {
		OperatorID      string         `json:"operatorId"`
		Pubkey          hexutil.Bytes  `json:"pubkey"`
		KeyIndex        string         `json:"keyIndex"`
		TransactionHash ethCommon.Hash `json:"transactionHash"`
		BlockNumber     string         `json:"blockNumber"`
		LogIndex        string         `json:"logIndex"`
	}
	var keys []*KeyAdded
	for skip := 0; ; skip += pageSize {
		data, err := query[struct {
			Keys []row `json:"validatorKeysAddeds"`
		}](ctx, c, "validatorKeysAddeds", keysAddedQuery, map[string]interface{}{
			"registry":  strings.ToLower(registry.Hex()),
			"fromBlock": strconv.FormatUint(from, 10),
			"toBlock":   strconv.FormatUint(to, 10),
			"first":     pageSize,
			"skip":      skip,
		})
		if err != nil {
			return nil, err
		}
		for _, r := range data.Keys {
			k := &KeyAdded{
				PublicKey: r.Pubkey,
				TxHash:    r.TransactionHash,
			}
			for _, f := range []struct {
				name string
				in   string
				out  *uint64
			}{
				{"operatorId", r.OperatorID, &k.OperatorID},
				{"keyIndex", r.KeyIndex, &k.KeyIndex},
				{"blockNumber", r.BlockNumber, &k.BlockNumber},
				{"logIndex", r.LogIndex, &k.LogIndex},
			} {
				if *f.out, err = strconv.ParseUint(f.in, 10, 64); err != nil {
					return nil, fmt.Errorf("validatorKeysAdded in tx %s: bad %s %q: %w", r.TransactionHash.Hex(), f.name, f.in, err)
				}
			}
			keys = append(keys, k)
		}
		if len(data.Keys) < pageSize {
			return keys, nil
		}
	}
}
