// Package beacon queries beacon chain deposit records from a
// beaconcha.in-compatible API.
package beacon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"

	"github.com/restakefi/keyguard/log"
	"github.com/restakefi/keyguard/metrics"
)

// MaxBatchSize is the most public keys one deposits request accepts.
const MaxBatchSize = 100

const depositsEndpoint = "/api/v1/validator/{pubkeys}/deposits"

var (
	// ErrStatusNotOK is returned when the API answers with a non-OK status.
	ErrStatusNotOK = errors.New("beacon api status not OK")

	// ErrBatchTooLarge is returned for requests over MaxBatchSize keys.
	ErrBatchTooLarge = fmt.Errorf("more than %d public keys in one request", MaxBatchSize)
)

// Deposit is one beacon chain deposit.
type Deposit struct {
	PublicKey             hexutil.Bytes  `json:"publickey"`
	WithdrawalCredentials hexutil.Bytes  `json:"withdrawal_credentials"`
	// Amount is in gwei.
	Amount         uint64         `json:"amount"`
	Signature      hexutil.Bytes  `json:"signature"`
	TxHash         ethCommon.Hash `json:"tx_hash"`
	BlockTimestamp int64          `json:"block_ts"`
	BlockNumber    uint64         `json:"block_number"`
}

// BlockTime returns the time of the block that included the deposit.
func (d *Deposit) BlockTime() time.Time {
	return time.Unix(d.BlockTimestamp, 0).UTC()
}

// deposits accepts both a single object and a list, the API returns the
// former when only one deposit matches.
type deposits []*Deposit

func (d *deposits) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*d = nil
		return nil
	case len(data) > 0 && data[0] == '{':
		var one Deposit
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*d = deposits{&one}
		return nil
	default:
		var many []*Deposit
		if err := json.Unmarshal(data, &many); err != nil {
			return err
		}
		*d = many
		return nil
	}
}

type depositsResponse struct {
	Status string   `json:"status"`
	Data   deposits `json:"data"`
}

// Client is a beacon deposit API client.
type Client struct {
	rest    *resty.Client
	apiKey  string
	logger  *log.Logger
	metrics metrics.RequestMetrics
}

// NewClient creates a client for the API at baseURL. apiKey may be empty.
func NewClient(baseURL string, apiKey string, timeout time.Duration, logger *log.Logger) *Client {
	rest := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetHeader("Accept", "application/json")
	return &Client{
		rest:    rest,
		apiKey:  apiKey,
		logger:  logger.WithModule("beacon"),
		metrics: metrics.NewDefaultRequestMetrics("keyguard", "beacon"),
	}
}

// Deposits returns the deposits made for the given public keys.
func (c *Client) Deposits(ctx context.Context, pubkeys [][]byte) ([]*Deposit, error) {
	if len(pubkeys) == 0 {
		return nil, nil
	}
	if len(pubkeys) > MaxBatchSize {
		return nil, fmt.Errorf("%w: got %d", ErrBatchTooLarge, len(pubkeys))
	}
	hexKeys := make([]string, 0, len(pubkeys))
	for _, pk := range pubkeys {
		hexKeys = append(hexKeys, hexutil.Encode(pk))
	}

	var body depositsResponse
	req := c.rest.R().
		SetContext(ctx).
		SetRawPathParam("pubkeys", strings.Join(hexKeys, ",")).
		SetResult(&body)
	if c.apiKey != "" {
		req.SetQueryParam("apikey", c.apiKey)
	}

	timer := c.metrics.RequestTimer("deposits")
	resp, err := req.Get(depositsEndpoint)
	switch {
	case err != nil:
	case resp.IsError():
		err = fmt.Errorf("beacon api: http %d", resp.StatusCode())
	case body.Status != "OK":
		err = fmt.Errorf("%w: %s", ErrStatusNotOK, body.Status)
	}
	c.metrics.Observe("deposits", timer, err)
	if err != nil {
		return nil, fmt.Errorf("deposits of %d keys: %w", len(pubkeys), err)
	}

	c.logger.Debug("fetched deposits", "num_keys", len(pubkeys), "num_deposits", len(body.Data))
	return body.Data, nil
}
