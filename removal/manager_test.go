package removal

import (
	"context"
	"errors"
	"math/big"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/restakefi/keyguard/alert"
	"github.com/restakefi/keyguard/chain"
	"github.com/restakefi/keyguard/checkpoint"
	"github.com/restakefi/keyguard/common"
	"github.com/restakefi/keyguard/log"
	"github.com/restakefi/keyguard/storage/memory"
	"github.com/restakefi/keyguard/storage/storagetest"
)

var token = &common.RestakingToken{
	ChainID:          storagetest.Chain,
	Address:          ethCommon.HexToAddress("0xa1"),
	Symbol:           "rsETH",
	OperatorRegistry: storagetest.Registry,
}

type sentRemoval struct {
	registry              ethCommon.Address
	operator, from, count uint64
	hash                  ethCommon.Hash
}

// fakeChain is an operator registry that removes keys swap-from-top once a
// removal is mined.
type fakeChain struct {
	head         uint64
	headErr      error
	events       []*common.RemovalEvent
	eventsErr    map[ethCommon.Address]error
	eventsCalls  [][2]uint64
	receipts     map[ethCommon.Hash]*types.Receipt
	known        map[ethCommon.Hash]bool
	registryKeys map[uint64][][]byte
	sent         []sentRemoval
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		head:         1000,
		eventsErr:    map[ethCommon.Address]error{},
		receipts:     map[ethCommon.Hash]*types.Receipt{},
		known:        map[ethCommon.Hash]bool{},
		registryKeys: map[uint64][][]byte{},
	}
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	return f.head, f.headErr
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash ethCommon.Hash) (*types.Receipt, error) {
	return f.receipts[hash], nil
}

func (f *fakeChain) TransactionByHash(_ context.Context, hash ethCommon.Hash) (*chain.Transaction, error) {
	if !f.known[hash] {
		return nil, nil
	}
	return &chain.Transaction{Pending: true}, nil
}

func (f *fakeChain) RemovalEvents(_ context.Context, registry ethCommon.Address, from, to uint64) ([]*common.RemovalEvent, error) {
	if err := f.eventsErr[registry]; err != nil {
		return nil, err
	}
	f.eventsCalls = append(f.eventsCalls, [2]uint64{from, to})
	var out []*common.RemovalEvent
	for _, ev := range f.events {
		if ev.Registry == registry && ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeChain) OperatorKeys(_ context.Context, _ ethCommon.Address, operatorID, from, count uint64) ([][]byte, error) {
	keys := f.registryKeys[operatorID]
	if from+count > uint64(len(keys)) {
		return nil, errors.New("execution reverted: index out of bounds")
	}
	return keys[from : from+count], nil
}

func (f *fakeChain) RemoveValidatorKeys(_ context.Context, registry ethCommon.Address, operatorID, from, count uint64) (ethCommon.Hash, error) {
	hash := ethCommon.BigToHash(big.NewInt(int64(0xf000 + len(f.sent))))
	f.sent = append(f.sent, sentRemoval{registry, operatorID, from, count, hash})
	f.known[hash] = true
	return hash, nil
}

// mine includes the removal sent as hash. A successful removal also emits
// the registry event and compacts the registry's key list.
func (f *fakeChain) mine(hash ethCommon.Hash, success bool) {
	f.head++
	status := types.ReceiptStatusFailed
	if success {
		status = types.ReceiptStatusSuccessful
	}
	f.receipts[hash] = &types.Receipt{Status: status, BlockNumber: new(big.Int).SetUint64(f.head)}
	if !success {
		return
	}
	for _, s := range f.sent {
		if s.hash == hash {
			f.removeFromRegistry(s.operator, s.from, s.count)
			f.events = append(f.events, &common.RemovalEvent{
				ChainID: storagetest.Chain, Registry: s.registry, OperatorID: s.operator,
				FromIndex: s.from, ValidatorCount: s.count, TxHash: hash, BlockNumber: f.head,
			})
		}
	}
}

func (f *fakeChain) removeFromRegistry(op, from, count uint64) {
	keys := f.registryKeys[op]
	moves, err := common.CompactionMoves(uint64(len(keys)), from, count)
	if err != nil {
		panic(err)
	}
	for _, mv := range moves {
		keys[mv.To] = keys[mv.From]
	}
	f.registryKeys[op] = keys[:uint64(len(keys))-count]
}

type fakeTokens struct {
	tokens []*common.RestakingToken
	err    error
}

func (f *fakeTokens) RestakingTokens(context.Context) ([]*common.RestakingToken, error) {
	return f.tokens, f.err
}

type sentAlert struct {
	severity alert.Severity
	title    string
	fields   alert.Fields
}

type recordingSink struct {
	alerts []sentAlert
}

func (r *recordingSink) Warn(_ context.Context, title string, f alert.Fields) {
	r.alerts = append(r.alerts, sentAlert{alert.SeverityWarning, title, f})
}

func (r *recordingSink) Error(_ context.Context, title string, f alert.Fields) {
	r.alerts = append(r.alerts, sentAlert{alert.SeverityError, title, f})
}

type fixture struct {
	store  *memory.Store
	chain  *fakeChain
	c      *Chain
	alerts *recordingSink
	cps    *checkpoint.Store
	m      *Manager
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		store:  memory.NewStore(),
		chain:  newFakeChain(),
		alerts: &recordingSink{},
	}
	f.c = &Chain{ID: storagetest.Chain, Confirmations: 2, Client: f.chain, Tokens: &fakeTokens{tokens: []*common.RestakingToken{token}}}
	f.cps = checkpoint.NewStore(f.store, log.NewNopLogger())
	f.m = NewManager([]*Chain{f.c}, f.store, f.cps, f.alerts, 3, log.NewNopLogger())
	return f
}

// seed stores n keys for op and mirrors them in the registry.
func (f *fixture) seed(t *testing.T, op uint64, n uint64) []*common.ValidatorKey {
	keys := storagetest.SeedKeys(t, f.store, op, n)
	for _, k := range keys {
		f.chain.registryKeys[op] = append(f.chain.registryKeys[op], append([]byte{}, k.PublicKey...))
	}
	return keys
}

func (f *fixture) queue(t *testing.T, keys ...*common.ValidatorKey) *common.RemoveKeysTransaction {
	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.ID)
	}
	r, err := f.store.QueueRemoval(context.Background(), &common.RemoveKeysTransaction{
		ChainID:          storagetest.Chain,
		OperatorRegistry: storagetest.Registry,
		OperatorID:       keys[0].OperatorID,
		FromIndex:        keys[0].KeyIndex,
		ValidatorCount:   uint64(len(keys)),
		Reason:           "test",
	}, ids)
	require.NoError(t, err)
	return r
}

func (f *fixture) removal(t *testing.T, id int64) *common.RemoveKeysTransaction {
	rs, err := f.store.ListRemovals(context.Background(), storagetest.Chain, storagetest.Registry, 100)
	require.NoError(t, err)
	for _, r := range rs {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("removal %d not found", id)
	return nil
}

func (f *fixture) taskState(t *testing.T) *common.TaskState {
	state, err := f.cps.GetStatus(context.Background(), common.TaskKey{ChainID: storagetest.Chain, Registry: storagetest.Registry, Task: common.TaskKeyRemoval})
	require.NoError(t, err)
	return state
}

func TestRemovalLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	keys := f.seed(t, storagetest.Operator, 5)
	queued := f.queue(t, keys[1], keys[2])

	// Emit.
	require.NoError(t, f.m.Tick(ctx))
	require.Len(t, f.chain.sent, 1)
	require.Equal(t, sentRemoval{storagetest.Registry, storagetest.Operator, 1, 2, f.chain.sent[0].hash}, f.chain.sent[0])
	r := f.removal(t, queued.ID)
	require.Equal(t, common.RemovalPending, r.Status)
	require.Equal(t, f.chain.sent[0].hash, *r.TransactionHash)

	// Not mined yet.
	require.NoError(t, f.m.Tick(ctx))
	require.Equal(t, common.RemovalPending, f.removal(t, queued.ID).Status)
	require.Empty(t, f.alerts.alerts)

	// Mined, but the event is not confirmed yet.
	f.chain.mine(f.chain.sent[0].hash, true)
	require.NoError(t, f.m.Tick(ctx))
	require.Equal(t, common.RemovalPending, f.removal(t, queued.ID).Status)
	storagetest.RequireDense(t, f.store, storagetest.Operator, 5)

	// Confirmed: reconciliation reaches our own event and settles it.
	f.chain.head += f.c.Confirmations
	require.NoError(t, f.m.Tick(ctx))
	require.Equal(t, common.RemovalSucceeded, f.removal(t, queued.ID).Status)

	f.chain.head += 5
	require.NoError(t, f.m.Tick(ctx))

	storagetest.RequireDense(t, f.store, storagetest.Operator, 3)
	remaining, err := f.store.OperatorKeys(ctx, storagetest.Chain, storagetest.Registry, storagetest.Operator)
	require.NoError(t, err)
	idx := storagetest.IndexOf(remaining)
	require.Equal(t, uint64(0), idx[string(storagetest.PublicKey(storagetest.Operator, 0))])
	require.Equal(t, uint64(1), idx[string(storagetest.PublicKey(storagetest.Operator, 3))])
	require.Equal(t, uint64(2), idx[string(storagetest.PublicKey(storagetest.Operator, 4))])
	for i, k := range remaining {
		require.Equal(t, f.chain.registryKeys[storagetest.Operator][i], k.PublicKey)
	}

	rs, err := f.store.ListRemovals(ctx, storagetest.Chain, storagetest.Registry, 100)
	require.NoError(t, err)
	require.Len(t, rs, 1, "own event must not be recorded as external")
	require.Equal(t, f.chain.head-f.c.Confirmations, f.taskState(t).LastBlockNumber)
	require.Empty(t, f.alerts.alerts)
}

func TestEmitAfterSettleInSameTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	keys := f.seed(t, storagetest.Operator, 6)
	first := f.queue(t, keys[4], keys[5])
	second := f.queue(t, keys[0])

	require.NoError(t, f.m.Tick(ctx))
	require.Len(t, f.chain.sent, 1)
	require.Equal(t, uint64(4), f.chain.sent[0].from, "higher range goes first")

	f.chain.mine(f.chain.sent[0].hash, true)
	f.chain.head += f.c.Confirmations
	require.NoError(t, f.m.Tick(ctx))
	require.Equal(t, common.RemovalSucceeded, f.removal(t, first.ID).Status)
	require.Len(t, f.chain.sent, 2)
	require.Equal(t, uint64(0), f.chain.sent[1].from)
	require.Equal(t, uint64(1), f.chain.sent[1].count)
	require.Equal(t, common.RemovalPending, f.removal(t, second.ID).Status)
}

func TestRevertPausesRegistry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	keys := f.seed(t, storagetest.Operator, 5)
	first := f.queue(t, keys[3], keys[4])
	second := f.queue(t, keys[0])

	require.NoError(t, f.m.Tick(ctx))
	require.Len(t, f.chain.sent, 1)
	f.chain.mine(f.chain.sent[0].hash, false)

	require.NoError(t, f.m.Tick(ctx))
	require.Equal(t, common.RemovalReverted, f.removal(t, first.ID).Status)
	require.Equal(t, common.RemovalQueued, f.removal(t, second.ID).Status)
	require.Len(t, f.chain.sent, 1, "queued removal must not be emitted after a revert")
	require.Equal(t, common.TaskStatusPaused, f.taskState(t).Status)

	require.Len(t, f.alerts.alerts, 1)
	a := f.alerts.alerts[0]
	require.Equal(t, alert.SeverityError, a.severity)
	require.Equal(t, "key_removal", a.fields.TaskName)
	require.Equal(t, storagetest.Operator, *a.fields.OperatorID)
	require.Equal(t, storagetest.Registry, *a.fields.OperatorRegistry)
	require.Equal(t, f.chain.sent[0].hash, *a.fields.TxHash)

	// Paused: nothing moves, whatever the queue holds.
	f.chain.head += 100
	calls := len(f.chain.eventsCalls)
	require.NoError(t, f.m.Tick(ctx))
	require.Len(t, f.chain.sent, 1)
	require.Len(t, f.chain.eventsCalls, calls)
	storagetest.RequireDense(t, f.store, storagetest.Operator, 5)

	// Resumed: the next queued removal goes out.
	require.NoError(t, f.cps.Resume(ctx, common.TaskKey{ChainID: storagetest.Chain, Registry: storagetest.Registry, Task: common.TaskKeyRemoval}))
	require.NoError(t, f.m.Tick(ctx))
	require.Len(t, f.chain.sent, 2)
	require.Equal(t, common.RemovalPending, f.removal(t, second.ID).Status)
}

func TestIndexMismatchKeepsQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	keys := f.seed(t, storagetest.Operator, 3)
	queued := f.queue(t, keys[1])
	f.chain.registryKeys[storagetest.Operator][1] = []byte("someone else")

	require.NoError(t, f.m.Tick(ctx))
	require.Empty(t, f.chain.sent)
	require.Equal(t, common.RemovalQueued, f.removal(t, queued.ID).Status)
	require.Len(t, f.alerts.alerts, 1)
	require.Equal(t, alert.SeverityWarning, f.alerts.alerts[0].severity)
	require.Equal(t, "Removal index mismatch", f.alerts.alerts[0].title)

	// Still mismatched, already alerted.
	err := f.m.EmitQueuedTx(ctx, f.c, token, queued)
	require.ErrorIs(t, err, ErrIndexMismatch)
	require.NoError(t, f.m.Tick(ctx))
	require.Len(t, f.alerts.alerts, 1)

	// Once the registry matches again the removal goes out.
	f.chain.registryKeys[storagetest.Operator][1] = append([]byte{}, keys[1].PublicKey...)
	require.NoError(t, f.m.Tick(ctx))
	require.Len(t, f.chain.sent, 1)
	require.Equal(t, common.RemovalPending, f.removal(t, queued.ID).Status)
}

func TestOrphanedQueuedRemovalAlertsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	keys := f.seed(t, storagetest.Operator, 3)
	queued := f.queue(t, keys[1])

	// Someone else removes the queued key first.
	f.chain.removeFromRegistry(storagetest.Operator, 1, 1)
	f.chain.events = append(f.chain.events, &common.RemovalEvent{
		ChainID: storagetest.Chain, Registry: storagetest.Registry, OperatorID: storagetest.Operator,
		FromIndex: 1, ValidatorCount: 1, TxHash: ethCommon.HexToHash("0xe2"), BlockNumber: 990,
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, f.m.Tick(ctx))
		f.chain.head++
	}
	require.Empty(t, f.chain.sent)
	require.Equal(t, common.RemovalQueued, f.removal(t, queued.ID).Status)
	storagetest.RequireDense(t, f.store, storagetest.Operator, 2)

	require.Len(t, f.alerts.alerts, 1)
	require.Equal(t, "Removal index mismatch", f.alerts.alerts[0].title)
	require.Equal(t, "no stored keys are linked to the removal", f.alerts.alerts[0].fields.Description)
}

func TestSettleWaitsForKeyRetrieval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.c.KeyRetrieval = true
	retrieval := common.TaskKey{ChainID: storagetest.Chain, Registry: storagetest.Registry, Task: common.TaskKeyRetrieval}
	_, err := f.store.EnsureTaskRunning(ctx, retrieval)
	require.NoError(t, err)
	require.NoError(t, f.cps.Advance(ctx, retrieval, 900))

	// The mirror holds 5 keys, the registry already 10: keys 5..9 were added
	// in block 950, past the key_retrieval checkpoint.
	keys := f.seed(t, storagetest.Operator, 5)
	for i := uint64(5); i < 10; i++ {
		f.chain.registryKeys[storagetest.Operator] = append(f.chain.registryKeys[storagetest.Operator], storagetest.PublicKey(storagetest.Operator, i))
	}
	queued := f.queue(t, keys[1])

	require.NoError(t, f.m.Tick(ctx))
	require.Len(t, f.chain.sent, 1)
	f.chain.mine(f.chain.sent[0].hash, true)
	removedAt := f.chain.head
	f.chain.head += f.c.Confirmations

	// Confirmed on-chain, but the mirror has not caught up with the block.
	require.NoError(t, f.m.Tick(ctx))
	require.Equal(t, common.RemovalPending, f.removal(t, queued.ID).Status)
	storagetest.RequireDense(t, f.store, storagetest.Operator, 5)

	// Key retrieval stores the late keys with their pre-removal indices, and
	// one key added right after the removal with its post-removal index.
	late := make([]*common.ValidatorKey, 0, 6)
	for i := uint64(5); i < 10; i++ {
		late = append(late, &common.ValidatorKey{
			PublicKey: storagetest.PublicKey(storagetest.Operator, i), OperatorID: storagetest.Operator,
			ChainID: storagetest.Chain, OperatorRegistry: storagetest.Registry, KeyIndex: i,
			AddedTxHash: ethCommon.BytesToHash([]byte{0x95, byte(i)}), AddedBlockNumber: 950,
		})
	}
	after := storagetest.PublicKey(storagetest.Operator, 10)
	late = append(late, &common.ValidatorKey{
		PublicKey: after, OperatorID: storagetest.Operator,
		ChainID: storagetest.Chain, OperatorRegistry: storagetest.Registry, KeyIndex: 9,
		AddedTxHash: ethCommon.HexToHash("0xa10"), AddedBlockNumber: removedAt, AddedLogIndex: 1,
	})
	f.chain.registryKeys[storagetest.Operator] = append(f.chain.registryKeys[storagetest.Operator], after)
	_, err = f.store.InsertValidatorKeys(ctx, late)
	require.NoError(t, err)
	require.NoError(t, f.cps.Advance(ctx, retrieval, removedAt))

	require.NoError(t, f.m.Tick(ctx))
	require.Equal(t, common.RemovalSucceeded, f.removal(t, queued.ID).Status)

	storagetest.RequireDense(t, f.store, storagetest.Operator, 10)
	stored, err := f.store.OperatorKeys(ctx, storagetest.Chain, storagetest.Registry, storagetest.Operator)
	require.NoError(t, err)
	for i, k := range stored {
		require.Equal(t, f.chain.registryKeys[storagetest.Operator][i], k.PublicKey, "index %d", i)
	}
	require.Equal(t, storagetest.PublicKey(storagetest.Operator, 9), stored[1].PublicKey)
	require.Equal(t, removedAt, f.taskState(t).LastBlockNumber)
}

func TestExternalRemovalReconciled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, storagetest.Operator, 4)
	_, err := f.store.EnsureTaskRunning(ctx, common.TaskKey{ChainID: storagetest.Chain, Registry: storagetest.Registry, Task: common.TaskKeyRemoval})
	require.NoError(t, err)

	f.chain.removeFromRegistry(storagetest.Operator, 0, 1)
	f.chain.events = append(f.chain.events, &common.RemovalEvent{
		ChainID: storagetest.Chain, Registry: storagetest.Registry, OperatorID: storagetest.Operator,
		FromIndex: 0, ValidatorCount: 1, TxHash: ethCommon.HexToHash("0xe1"), BlockNumber: 990,
	})

	require.NoError(t, f.m.SyncWithOnchainRemovalEvents(ctx, f.c, token, 0))
	storagetest.RequireDense(t, f.store, storagetest.Operator, 3)
	remaining, err := f.store.OperatorKeys(ctx, storagetest.Chain, storagetest.Registry, storagetest.Operator)
	require.NoError(t, err)
	for i, k := range remaining {
		require.Equal(t, f.chain.registryKeys[storagetest.Operator][i], k.PublicKey)
	}
	require.Equal(t, uint64(998), f.taskState(t).LastBlockNumber)

	// Replaying the same range changes nothing.
	require.NoError(t, f.m.SyncWithOnchainRemovalEvents(ctx, f.c, token, 0))
	again, err := f.store.OperatorKeys(ctx, storagetest.Chain, storagetest.Registry, storagetest.Operator)
	require.NoError(t, err)
	require.Equal(t, remaining, again)
	rs, err := f.store.ListRemovals(ctx, storagetest.Chain, storagetest.Registry, 100)
	require.NoError(t, err)
	require.Len(t, rs, 1)
}

func TestSyncRange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.c.StartBlock = 500
	_, err := f.store.EnsureTaskRunning(ctx, common.TaskKey{ChainID: storagetest.Chain, Registry: storagetest.Registry, Task: common.TaskKeyRemoval})
	require.NoError(t, err)

	require.NoError(t, f.m.SyncWithOnchainRemovalEvents(ctx, f.c, token, 0))
	require.NoError(t, f.m.SyncWithOnchainRemovalEvents(ctx, f.c, token, 998))
	f.chain.head = 1010
	require.NoError(t, f.m.SyncWithOnchainRemovalEvents(ctx, f.c, token, 998))
	require.Equal(t, [][2]uint64{{500, 998}, {999, 1008}}, f.chain.eventsCalls)

	f.chain.head = 1
	require.NoError(t, f.m.SyncWithOnchainRemovalEvents(ctx, f.c, token, 0))
	require.Len(t, f.chain.eventsCalls, 2)
	require.Equal(t, uint64(1008), f.taskState(t).LastBlockNumber)
}

func TestDroppedTransactionAlerts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	keys := f.seed(t, storagetest.Operator, 2)
	queued := f.queue(t, keys[1])
	hash := ethCommon.HexToHash("0xdead")
	require.NoError(t, f.store.MarkRemovalPending(ctx, queued.ID, 1, 1, hash))

	require.NoError(t, f.m.Tick(ctx))
	require.Equal(t, common.RemovalPending, f.removal(t, queued.ID).Status)
	require.Len(t, f.alerts.alerts, 1)
	require.Equal(t, "Removal transaction not found", f.alerts.alerts[0].title)
	require.Equal(t, hash, *f.alerts.alerts[0].fields.TxHash)
}

func TestFailuresAreIsolatedAndAlerted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	broken := &common.RestakingToken{ChainID: storagetest.Chain, Symbol: "brokenETH", OperatorRegistry: ethCommon.HexToAddress("0xbad")}
	f.c.Tokens = &fakeTokens{tokens: []*common.RestakingToken{broken, token}}
	f.chain.eventsErr[broken.OperatorRegistry] = errors.New("rpc timeout")
	keys := f.seed(t, storagetest.Operator, 2)
	f.queue(t, keys[1])

	for i := 0; i < 4; i++ {
		err := f.m.Tick(ctx)
		require.ErrorContains(t, err, "brokenETH")
		require.ErrorContains(t, err, "rpc timeout")
	}
	require.Len(t, f.chain.sent, 1, "healthy token still processed")

	var failures []sentAlert
	for _, a := range f.alerts.alerts {
		if a.title == "Key removal keeps failing" {
			failures = append(failures, a)
		}
	}
	require.Len(t, failures, 1)
	require.Equal(t, "brokenETH", failures[0].fields.Symbol)
}

func TestTokenListingFailure(t *testing.T) {
	f := newFixture(t)
	f.c.Tokens = &fakeTokens{err: errors.New("subgraph down")}
	require.ErrorContains(t, f.m.Tick(context.Background()), "subgraph down")
}
