package subgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/restakefi/keyguard/common"
	"github.com/restakefi/keyguard/log"
)

type recordedRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

func newServer(t *testing.T, handle func(req recordedRequest) string) (*httptest.Server, *[]recordedRequest) {
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req recordedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		reqs = append(reqs, req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(handle(req)))
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestRestakingTokens(t *testing.T) {
	srv, reqs := newServer(t, func(req recordedRequest) string {
		return `{"data":{"liquidRestakingTokens":[{
			"id":"0x1111111111111111111111111111111111111111",
			"symbol":"rsETH",
			"operatorRegistry":"0x2222222222222222222222222222222222222222",
			"coordinator":"0x3333333333333333333333333333333333333333"
		}]}}`
	})
	c := NewClient(17000, srv.URL, time.Second, log.NewNopLogger())

	tokens, err := c.RestakingTokens(context.Background())
	require.NoError(t, err)
	require.Len(t, *reqs, 1)
	require.Contains(t, (*reqs)[0].Query, "liquidRestakingTokens")
	require.Equal(t, []*common.RestakingToken{{
		ChainID:          17000,
		Address:          ethCommon.HexToAddress("0x1111111111111111111111111111111111111111"),
		Symbol:           "rsETH",
		OperatorRegistry: ethCommon.HexToAddress("0x2222222222222222222222222222222222222222"),
		Coordinator:      ethCommon.HexToAddress("0x3333333333333333333333333333333333333333"),
	}}, tokens)
}

func TestKeysAddedPaging(t *testing.T) {
	registry := ethCommon.HexToAddress("0x2222222222222222222222222222222222222222")
	srv, reqs := newServer(t, func(req recordedRequest) string {
		skip := int(req.Variables["skip"].(float64))
		n := pageSize
		if skip > 0 {
			n = 2
		}
		rows := make([]string, 0, n)
		for i := 0; i < n; i++ {
			idx := skip + i
			rows = append(rows, fmt.Sprintf(`{"operatorId":"7","pubkey":"0x%s","keyIndex":"%d","transactionHash":"0x%064x","blockNumber":"%d","logIndex":"1"}`,
				strings.Repeat("ab", 48), idx, idx, 100+idx))
		}
		return `{"data":{"validatorKeysAddeds":[` + strings.Join(rows, ",") + `]}}`
	})
	c := NewClient(1, srv.URL, time.Second, log.NewNopLogger())

	keys, err := c.KeysAdded(context.Background(), registry, 100, 2000)
	require.NoError(t, err)
	require.Len(t, keys, pageSize+2)
	require.Len(t, *reqs, 2)

	first := (*reqs)[0].Variables
	require.Equal(t, strings.ToLower(registry.Hex()), first["registry"])
	require.Equal(t, "100", first["fromBlock"])
	require.Equal(t, "2000", first["toBlock"])
	require.Equal(t, float64(pageSize), (*reqs)[1].Variables["skip"])

	last := keys[len(keys)-1]
	require.Equal(t, uint64(7), last.OperatorID)
	require.Equal(t, uint64(pageSize+1), last.KeyIndex)
	require.Equal(t, uint64(100+pageSize+1), last.BlockNumber)
	require.Len(t, last.PublicKey, 48)
}

func TestGraphQLErrors(t *testing.T) {
	srv, _ := newServer(t, func(recordedRequest) string {
		return `{"errors":[{"message":"indexing_error"}]}`
	})
	c := NewClient(1, srv.URL, time.Second, log.NewNopLogger())

	_, err := c.RestakingTokens(context.Background())
	require.ErrorContains(t, err, "indexing_error")
}

func TestBadNumber(t *testing.T) {
	srv, _ := newServer(t, func(recordedRequest) string {
		return `{"data":{"validatorKeysAddeds":[{"operatorId":"x","pubkey":"0x01","keyIndex":"0","transactionHash":"0x` + strings.Repeat("00", 32) + `","blockNumber":"1","logIndex":"0"}]}}`
	})
	c := NewClient(1, srv.URL, time.Second, log.NewNopLogger())

	_, err := c.KeysAdded(context.Background(), ethCommon.Address{}, 0, 1)
	require.ErrorContains(t, err, "operatorId")
}
