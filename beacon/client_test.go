package beacon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/restakefi/keyguard/log"
)

func pubkey(b byte) []byte {
	pk := make([]byte, 48)
	pk[0] = b
	return pk
}

func TestDeposits(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotKey = r.URL.Query().Get("apikey")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK","data":[{
			"publickey":"0x` + strings.Repeat("aa", 48) + `",
			"withdrawal_credentials":"0x010000000000000000000000` + strings.Repeat("11", 20) + `",
			"amount":32000000000,
			"signature":"0x` + strings.Repeat("bb", 96) + `",
			"tx_hash":"0x` + strings.Repeat("cc", 32) + `",
			"block_ts":1700000000,
			"block_number":18500000
		}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", 5*time.Second, log.NewNopLogger())
	deposits, err := c.Deposits(context.Background(), [][]byte{pubkey(1), pubkey(2)})
	require.NoError(t, err)
	require.Len(t, deposits, 1)

	require.True(t, strings.HasPrefix(gotPath, "/api/v1/validator/0x01"))
	require.Contains(t, gotPath, ",0x02")
	require.True(t, strings.HasSuffix(gotPath, "/deposits"))
	require.Equal(t, "secret", gotKey)

	d := deposits[0]
	require.Len(t, d.PublicKey, 48)
	require.Len(t, d.Signature, 96)
	require.Equal(t, uint64(32_000_000_000), d.Amount)
	require.Equal(t, int64(1_700_000_000), d.BlockTime().Unix())
	require.Equal(t, uint64(18_500_000), d.BlockNumber)
}

func TestDepositsSingleObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK","data":{"publickey":"0x01","amount":1000000000,"block_ts":1}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second, log.NewNopLogger())
	deposits, err := c.Deposits(context.Background(), [][]byte{pubkey(1)})
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	require.Equal(t, uint64(1_000_000_000), deposits[0].Amount)
}

func TestDepositsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ERROR: too many validators","data":null}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second, log.NewNopLogger())
	deposits, err := c.Deposits(context.Background(), [][]byte{pubkey(1)})
	require.ErrorIs(t, err, ErrStatusNotOK)
	require.Nil(t, deposits)
}

func TestDepositsBatchTooLarge(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", time.Second, log.NewNopLogger())
	keys := make([][]byte, MaxBatchSize+1)
	for i := range keys {
		keys[i] = pubkey(byte(i))
	}
	_, err := c.Deposits(context.Background(), keys)
	require.ErrorIs(t, err, ErrBatchTooLarge)

	deposits, err := c.Deposits(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, deposits)
}
