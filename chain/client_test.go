package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/restakefi/keyguard/log"
)

var registry = ethCommon.HexToAddress("0x1111111111111111111111111111111111111111")

// fakeBackend implements the calls exercised by the tests. Anything else
// panics through the nil embedded interface.
type fakeBackend struct {
	bind.ContractBackend

	head          uint64
	blockNumErrs  int
	blockNumCalls int

	receipts     map[ethCommon.Hash]*types.Receipt
	receiptCalls int

	logs        []types.Log
	filterCalls [][2]uint64

	callOutput []byte
	lastCall   ethereum.CallMsg

	sent []*types.Transaction
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.blockNumCalls++
	if f.blockNumCalls <= f.blockNumErrs {
		return 0, errors.New("connection refused")
	}
	return f.head, nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash ethCommon.Hash) (*types.Receipt, error) {
	f.receiptCalls++
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) TransactionByHash(context.Context, ethCommon.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	f.filterCalls = append(f.filterCalls, [2]uint64{from, to})
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.lastCall = msg
	return f.callOutput, nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(f.head), BaseFee: big.NewInt(1_000_000_000), Time: 1_700_000_000}, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, ethCommon.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) PendingCodeAt(context.Context, ethCommon.Address) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func newTestClient(f *fakeBackend, opts Options) *Client {
	opts.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return NewClient(17000, f, opts, log.NewNopLogger())
}

func removalLog(t *testing.T, block uint64, index uint, operatorID, from, count int64) types.Log {
	data, err := OperatorRegistryABI.Events[eventValidatorsRemoved].Inputs.NonIndexed().Pack(big.NewInt(from), big.NewInt(count))
	require.NoError(t, err)
	return types.Log{
		Address:     registry,
		Topics:      []ethCommon.Hash{OperatorRegistryABI.Events[eventValidatorsRemoved].ID, ethCommon.BigToHash(big.NewInt(operatorID))},
		Data:        data,
		BlockNumber: block,
		TxHash:      ethCommon.BigToHash(big.NewInt(int64(block))),
		Index:       index,
	}
}

func TestRemovalEventsPaging(t *testing.T) {
	f := &fakeBackend{
		logs: []types.Log{
			removalLog(t, 7, 0, 3, 10, 2),
			removalLog(t, 20, 4, 5, 0, 1),
			removalLog(t, 27, 1, 3, 4, 3),
		},
	}
	c := newTestClient(f, Options{LogsBatchSize: 10})

	events, err := c.RemovalEvents(context.Background(), registry, 5, 27)
	require.NoError(t, err)
	require.Equal(t, [][2]uint64{{5, 14}, {15, 24}, {25, 27}}, f.filterCalls)
	require.Len(t, events, 3)

	require.Equal(t, uint64(3), events[0].OperatorID)
	require.Equal(t, uint64(10), events[0].FromIndex)
	require.Equal(t, uint64(2), events[0].ValidatorCount)
	require.Equal(t, uint64(7), events[0].BlockNumber)
	require.Equal(t, registry, events[0].Registry)

	require.Equal(t, uint64(5), events[1].OperatorID)
	require.Equal(t, uint(4), events[1].LogIndex)
	require.Equal(t, uint64(3), events[2].ValidatorCount)
}

func TestRemovalEventsSkipsReorgedLogs(t *testing.T) {
	l := removalLog(t, 3, 0, 1, 0, 1)
	l.Removed = true
	f := &fakeBackend{logs: []types.Log{l}}
	c := newTestClient(f, Options{})

	events, err := c.RemovalEvents(context.Background(), registry, 0, 10)
	require.NoError(t, err)
	require.Empty(t, events)
	require.Len(t, f.filterCalls, 1)
}

func TestReceiptNotFound(t *testing.T) {
	f := &fakeBackend{}
	c := newTestClient(f, Options{})

	receipt, err := c.TransactionReceipt(context.Background(), ethCommon.HexToHash("0x01"))
	require.NoError(t, err)
	require.Nil(t, receipt)
	require.Equal(t, 1, f.receiptCalls, "not found must not be retried")

	tx, err := c.TransactionByHash(context.Background(), ethCommon.HexToHash("0x01"))
	require.NoError(t, err)
	require.Nil(t, tx)
}

func TestRetry(t *testing.T) {
	f := &fakeBackend{head: 99, blockNumErrs: 2}
	c := newTestClient(f, Options{})

	head, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(99), head)
	require.Equal(t, 3, f.blockNumCalls)

	f = &fakeBackend{blockNumErrs: 10}
	c = newTestClient(f, Options{})
	_, err = c.BlockNumber(context.Background())
	require.Error(t, err)
	require.Equal(t, maxRetries+1, f.blockNumCalls)
}

func TestOperatorKeys(t *testing.T) {
	keys := [][]byte{make([]byte, 48), make([]byte, 48)}
	keys[0][0], keys[1][0] = 0xaa, 0xbb
	out, err := OperatorRegistryABI.Methods[methodGetValidatorDetails].Outputs.Pack(keys)
	require.NoError(t, err)
	f := &fakeBackend{callOutput: out}
	c := newTestClient(f, Options{})

	got, err := c.OperatorKeys(context.Background(), registry, 4, 10, 2)
	require.NoError(t, err)
	require.Equal(t, keys, got)

	expected, err := OperatorRegistryABI.Pack(methodGetValidatorDetails, big.NewInt(4), big.NewInt(10), big.NewInt(2))
	require.NoError(t, err)
	require.Equal(t, expected, f.lastCall.Data)
	require.Equal(t, registry, *f.lastCall.To)
}

func TestRemoveValidatorKeys(t *testing.T) {
	f := &fakeBackend{head: 1}
	c := newTestClient(f, Options{})
	_, err := c.RemoveValidatorKeys(context.Background(), registry, 1, 2, 3)
	require.ErrorIs(t, err, ErrReadOnly)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c = newTestClient(f, Options{Signer: key, GasLimit: 250_000})
	hash, err := c.RemoveValidatorKeys(context.Background(), registry, 1, 2, 3)
	require.NoError(t, err)
	require.Len(t, f.sent, 1)

	tx := f.sent[0]
	require.Equal(t, hash, tx.Hash())
	require.Equal(t, registry, *tx.To())
	require.Equal(t, uint64(250_000), tx.Gas())
	expected, err := OperatorRegistryABI.Pack(methodRemoveValidatorDetails, big.NewInt(1), big.NewInt(2), big.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, expected, tx.Data())
	require.Equal(t, big.NewInt(17000), tx.ChainId())
}

func TestBlockTime(t *testing.T) {
	c := newTestClient(&fakeBackend{}, Options{})
	ts, err := c.BlockTime(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, int64(1_700_000_000), ts.Unix())
}

func TestReceiptEvents(t *testing.T) {
	coordinator := ethCommon.HexToAddress("0x2222222222222222222222222222222222222222")
	depositContract := ethCommon.HexToAddress("0x00000000219ab540356cBB839Cbe05303d7705Fa")

	pubkey := make([]byte, 48)
	pubkey[0] = 0x01
	data, err := DepositContractABI.Events[eventDeposit].Inputs.Pack(
		pubkey, make([]byte, 32), []byte{0x00, 0x40, 0x59, 0x73, 0x07, 0x00, 0x00, 0x00}, make([]byte, 96), make([]byte, 8),
	)
	require.NoError(t, err)

	receipt := &types.Receipt{Logs: []*types.Log{
		{Address: depositContract, Topics: []ethCommon.Hash{DepositContractABI.Events[eventDeposit].ID}, Data: data, Index: 3},
		// Same topic from another emitter is ignored.
		{Address: registry, Topics: []ethCommon.Hash{CoordinatorABI.Events[eventRebalanced].ID}, Index: 4},
		{Address: coordinator, Topics: []ethCommon.Hash{CoordinatorABI.Events[eventRebalanced].ID, ethCommon.Hash{}}, Index: 5},
	}}

	rebalanced := FindRebalanced(receipt, coordinator)
	require.NotNil(t, rebalanced)
	require.Equal(t, uint(5), rebalanced.Index)
	require.Nil(t, FindRebalanced(receipt, depositContract))

	deposits, err := DepositEvents(receipt, depositContract)
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	require.Equal(t, pubkey, deposits[0].Pubkey)
	require.Equal(t, uint(3), deposits[0].LogIndex)
	require.Len(t, deposits[0].Amount, 8)
}
