package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ideacapital/vault-go/pkg/chain"
	"github.com/ideacapital/vault-go/pkg/events"
	"github.com/ideacapital/vault-go/pkg/investment"
	busmemory "github.com/ideacapital/vault-go/pkg/messaging/memory"
	"github.com/ideacapital/vault-go/pkg/persistence/memory"
	"github.com/ideacapital/vault-go/pkg/testutil"
	"github.com/ideacapital/vault-go/pkg/types"
	"github.com/ideacapital/vault-go/pkg/util"
)

var (
	crowdsale = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	investor  = common.HexToAddress("0x71C7656EC7ab88b098defB751B7401B5f6d8976F")
)

type fakeRecorder struct {
	mu     sync.Mutex
	events []*investment.ChainInvestment
	err    error
}

func (r *fakeRecorder) RecordChainEvent(_ context.Context, ev *investment.ChainInvestment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *fakeRecorder) recorded() []*investment.ChainInvestment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*investment.ChainInvestment{}, r.events...)
}

func newTestWatcher(t *testing.T, mock *testutil.MockChainClient, store *memory.MemoryPersistence, rec IRecorder, clock clockwork.Clock) *Watcher {
	t.Helper()
	w, err := NewWatcher(mock, store, rec, &Config{
		ContractAddress:   crowdsale.Hex(),
		InventionID:       "invention-1",
		ConfirmationDepth: 5,
		StartBlock:        90,
		MaxBlockRange:     10,
		PollInterval:      time.Second,
		Clock:             clock,
	}, zap.NewNop())
	require.NoError(t, err)
	return w
}

func investmentLog(contract common.Address, block uint64) ethTypes.Log {
	return testutil.InvestmentLog(contract, investor, testutil.USDC(50), testutil.Tokens(1000), testutil.RandomTxHash(), block)
}

func TestPollRecordsConfirmedEvents(t *testing.T) {
	mock := testutil.NewMockChainClient()
	store := memory.NewMemoryPersistence(nil)
	rec := &fakeRecorder{}
	w := newTestWatcher(t, mock, store, rec, clockwork.NewFakeClock())

	confirmed := investmentLog(crowdsale, 95)
	tooRecent := investmentLog(crowdsale, 108)
	mock.AddLogs(
		confirmed,
		investmentLog(testutil.RandomAddress(), 96),
		tooRecent,
	)
	mock.SetHead(110)

	last, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(105), last)

	got := rec.recorded()
	require.Len(t, got, 1)
	assert.Equal(t, util.FormatHash(confirmed.TxHash), got[0].TxHash)
	assert.Equal(t, uint64(95), got[0].BlockNumber)
	assert.Equal(t, "invention-1", got[0].InventionID)
	assert.Equal(t, util.FormatAddress(investor), got[0].Investor)
	assert.True(t, decimal.NewFromInt(50).Equal(got[0].Amount))
	assert.True(t, decimal.NewFromInt(1000).Equal(got[0].TokenAmount))

	state, err := store.LoadWatcherState(context.Background(), util.FormatAddress(crowdsale))
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, uint64(105), state.LastProcessedBlock)

	// Two ranges of at most ten blocks were scanned.
	assert.Equal(t, 2, mock.Calls("FilterLogs"))

	mock.SetHead(120)
	last, err = w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(115), last)

	got = rec.recorded()
	require.Len(t, got, 2)
	assert.Equal(t, util.FormatHash(tooRecent.TxHash), got[1].TxHash)
}

func TestPollSkipsMalformedLogs(t *testing.T) {
	mock := testutil.NewMockChainClient()
	store := memory.NewMemoryPersistence(nil)
	rec := &fakeRecorder{}
	w := newTestWatcher(t, mock, store, rec, clockwork.NewFakeClock())

	mock.AddLogs(
		ethTypes.Log{
			Address:     crowdsale,
			Topics:      []common.Hash{events.InvestmentEventTopic, common.BytesToHash(investor.Bytes())},
			Data:        []byte{0x01, 0x02},
			BlockNumber: 92,
			TxHash:      testutil.RandomTxHash(),
		},
		investmentLog(crowdsale, 93),
	)
	mock.SetHead(99)

	last, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(94), last)
	assert.Len(t, rec.recorded(), 1)
}

func TestPollKeepsCursorOnFailure(t *testing.T) {
	ctx := context.Background()
	mock := testutil.NewMockChainClient()
	store := memory.NewMemoryPersistence(nil)
	rec := &fakeRecorder{err: errors.New("store unavailable")}
	w := newTestWatcher(t, mock, store, rec, clockwork.NewFakeClock())

	mock.AddLogs(investmentLog(crowdsale, 91))
	mock.SetHead(100)

	_, err := w.Poll(ctx)
	require.Error(t, err)
	state, err := store.LoadWatcherState(ctx, util.FormatAddress(crowdsale))
	require.NoError(t, err)
	assert.Nil(t, state)

	mock.FailNext("BlockNumber", 1)
	_, err = w.Poll(ctx)
	require.ErrorIs(t, err, chain.ErrRPCUnavailable)

	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()

	last, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(95), last)
	assert.Len(t, rec.recorded(), 1)
}

func TestPollBelowConfirmationDepth(t *testing.T) {
	mock := testutil.NewMockChainClient()
	w := newTestWatcher(t, mock, memory.NewMemoryPersistence(nil), &fakeRecorder{}, clockwork.NewFakeClock())
	mock.SetHead(3)

	last, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, last)
	assert.Zero(t, mock.Calls("FilterLogs"))
}

func TestRunConfirmsInvestments(t *testing.T) {
	mock := testutil.NewMockChainClient()
	store := memory.NewMemoryPersistence(nil)
	clock := clockwork.NewFakeClock()
	service := investment.NewService(store, nil, busmemory.NewBus(10, zap.NewNop()), clock, zap.NewNop())
	w := newTestWatcher(t, mock, store, service, clock)

	l := investmentLog(crowdsale, 100)
	mock.AddLogs(l)
	mock.SetHead(100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	mock.SetHead(105)
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		inv, err := store.LoadInvestmentByTxHash(context.Background(), util.FormatHash(l.TxHash))
		return err == nil && inv != nil && inv.Status == types.InvestmentStatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestConfigValidate(t *testing.T) {
	_, err := NewWatcher(nil, nil, nil, &Config{InventionID: "x", ContractAddress: "nope"}, zap.NewNop())
	require.Error(t, err)
	_, err = NewWatcher(nil, nil, nil, &Config{ContractAddress: crowdsale.Hex()}, zap.NewNop())
	require.Error(t, err)
	_, err = NewWatcher(nil, nil, nil, nil, zap.NewNop())
	require.Error(t, err)
}
