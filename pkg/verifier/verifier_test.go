package verifier

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ideacapital/vault-go/pkg/chain"
	"github.com/ideacapital/vault-go/pkg/events"
	"github.com/ideacapital/vault-go/pkg/testutil"
	"github.com/ideacapital/vault-go/pkg/types"
	"github.com/ideacapital/vault-go/pkg/util"
)

var (
	investor  = common.HexToAddress("0x71C7656EC7ab88b098defB751B7401B5f6d8976F")
	crowdsale = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

func newTestVerifier(t *testing.T, client chain.IChainClient, cfg *Config) *Verifier {
	t.Helper()
	v, err := NewVerifier(client, cfg, zap.NewNop())
	require.NoError(t, err)
	return v
}

// confirmedTx registers a successful investment of 50 USDC for 1000 tokens.
func confirmedTx(mock *testutil.MockChainClient, from common.Address, emitter common.Address) common.Hash {
	txHash := testutil.RandomTxHash()
	log := testutil.InvestmentLog(emitter, from, testutil.USDC(50), testutil.Tokens(1000), txHash, 100)
	mock.AddReceipt(testutil.Receipt(txHash, ethTypes.ReceiptStatusSuccessful, 100, 84000, log))
	mock.AddTransaction(testutil.Transaction(txHash, from, crowdsale, 100))
	return txHash
}

func TestVerifyPendingWhenReceiptMissing(t *testing.T) {
	mock := testutil.NewMockChainClient()
	v := newTestVerifier(t, mock, nil)

	outcome, err := v.Verify(context.Background(), testutil.RandomTxHash().Hex(), investor.Hex(), decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.Equal(t, types.VerificationStatePending, outcome.State)
	assert.False(t, outcome.State.IsTerminal())
	assert.Equal(t, 0, mock.Calls("Transaction"))
}

func TestVerifyFailedReceipt(t *testing.T) {
	mock := testutil.NewMockChainClient()
	txHash := testutil.RandomTxHash()
	mock.AddReceipt(testutil.Receipt(txHash, ethTypes.ReceiptStatusFailed, 77, 30000))
	v := newTestVerifier(t, mock, nil)

	outcome, err := v.Verify(context.Background(), txHash.Hex(), investor.Hex(), decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.Equal(t, types.VerificationStateFailed, outcome.State)
	assert.Equal(t, uint64(77), outcome.BlockNumber)
	assert.Equal(t, uint64(30000), outcome.GasUsed)
	assert.True(t, outcome.Amount.IsZero())
	assert.True(t, outcome.TokenAmount.IsZero())
}

func TestVerifySenderMismatch(t *testing.T) {
	mock := testutil.NewMockChainClient()
	txHash := confirmedTx(mock, testutil.RandomAddress(), crowdsale)
	v := newTestVerifier(t, mock, nil)

	outcome, err := v.Verify(context.Background(), txHash.Hex(), investor.Hex(), decimal.NewFromInt(50))
	require.ErrorIs(t, err, ErrSenderMismatch)
	require.NotNil(t, outcome)
	assert.Equal(t, types.VerificationStateSenderMismatch, outcome.State)
	assert.True(t, outcome.State.IsTerminal())
	assert.NotEmpty(t, outcome.Sender)
}

func TestVerifyConfirmed(t *testing.T) {
	mock := testutil.NewMockChainClient()
	txHash := confirmedTx(mock, investor, crowdsale)
	v := newTestVerifier(t, mock, &Config{CrowdsaleAddress: crowdsale.Hex()})

	// Sender comparison ignores address casing.
	outcome, err := v.Verify(context.Background(), txHash.Hex(), util.FormatAddress(investor), decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.Equal(t, types.VerificationStateConfirmed, outcome.State)
	assert.Equal(t, uint64(100), outcome.BlockNumber)
	assert.Equal(t, uint64(84000), outcome.GasUsed)
	assert.Equal(t, "0x71c7656ec7ab88b098defb751b7401b5f6d8976f", outcome.InvestorAddress)
	assert.True(t, decimal.NewFromInt(50).Equal(outcome.Amount), "got %s", outcome.Amount)
	assert.True(t, decimal.NewFromInt(1000).Equal(outcome.TokenAmount), "got %s", outcome.TokenAmount)
	assert.Equal(t, 0, testutil.USDC(50).Cmp(outcome.AmountRaw))
	assert.True(t, outcome.AmountMatchesExpected)
}

func TestVerifyReportsAmountDeviation(t *testing.T) {
	mock := testutil.NewMockChainClient()
	txHash := confirmedTx(mock, investor, crowdsale)
	v := newTestVerifier(t, mock, nil)

	outcome, err := v.Verify(context.Background(), txHash.Hex(), investor.Hex(), decimal.NewFromInt(60))
	require.NoError(t, err)
	assert.Equal(t, types.VerificationStateConfirmed, outcome.State)
	assert.False(t, outcome.AmountMatchesExpected)
	assert.True(t, decimal.NewFromInt(50).Equal(outcome.Amount), "decoded amount is reported, not the expected one")
}

func TestVerifyEventNotFound(t *testing.T) {
	mock := testutil.NewMockChainClient()
	txHash := testutil.RandomTxHash()
	unrelated := ethTypes.Log{
		Address: crowdsale,
		Topics:  []common.Hash{common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")},
		Data:    make([]byte, 32),
	}
	mock.AddReceipt(testutil.Receipt(txHash, ethTypes.ReceiptStatusSuccessful, 5, 21000, unrelated))
	mock.AddTransaction(testutil.Transaction(txHash, investor, crowdsale, 5))
	v := newTestVerifier(t, mock, nil)

	outcome, err := v.Verify(context.Background(), txHash.Hex(), investor.Hex(), decimal.NewFromInt(50))
	require.ErrorIs(t, err, ErrEventNotFound)
	assert.Nil(t, outcome)
}

func TestVerifyIgnoresLogsFromOtherContracts(t *testing.T) {
	mock := testutil.NewMockChainClient()
	txHash := confirmedTx(mock, investor, testutil.RandomAddress())

	open := newTestVerifier(t, mock, nil)
	outcome, err := open.Verify(context.Background(), txHash.Hex(), investor.Hex(), decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.Equal(t, types.VerificationStateConfirmed, outcome.State)

	restricted := newTestVerifier(t, mock, &Config{CrowdsaleAddress: crowdsale.Hex()})
	_, err = restricted.Verify(context.Background(), txHash.Hex(), investor.Hex(), decimal.NewFromInt(50))
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestVerifyMalformedEvent(t *testing.T) {
	mock := testutil.NewMockChainClient()
	txHash := testutil.RandomTxHash()
	bad := ethTypes.Log{
		Address: crowdsale,
		Topics:  []common.Hash{events.InvestmentEventTopic, common.BytesToHash(investor.Bytes())},
		Data:    make([]byte, 40),
	}
	mock.AddReceipt(testutil.Receipt(txHash, ethTypes.ReceiptStatusSuccessful, 5, 21000, bad))
	mock.AddTransaction(testutil.Transaction(txHash, investor, crowdsale, 5))
	v := newTestVerifier(t, mock, nil)

	_, err := v.Verify(context.Background(), txHash.Hex(), investor.Hex(), decimal.NewFromInt(50))
	require.ErrorIs(t, err, events.ErrMalformedEvent)
}

func TestVerifyPropagatesRPCFailures(t *testing.T) {
	mock := testutil.NewMockChainClient()
	txHash := confirmedTx(mock, investor, crowdsale)
	v := newTestVerifier(t, mock, nil)

	mock.FailNext("TransactionReceipt", 1)
	_, err := v.Verify(context.Background(), txHash.Hex(), investor.Hex(), decimal.NewFromInt(50))
	require.True(t, errors.Is(err, chain.ErrRPCUnavailable))

	mock.FailNext("Transaction", 1)
	_, err = v.Verify(context.Background(), txHash.Hex(), investor.Hex(), decimal.NewFromInt(50))
	require.True(t, errors.Is(err, chain.ErrRPCUnavailable))

	// Recovers once the endpoint does.
	outcome, err := v.Verify(context.Background(), txHash.Hex(), investor.Hex(), decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.Equal(t, types.VerificationStateConfirmed, outcome.State)
}

func TestVerifyLaggingNodeIsRetryable(t *testing.T) {
	mock := testutil.NewMockChainClient()
	txHash := testutil.RandomTxHash()
	mock.AddReceipt(testutil.Receipt(txHash, ethTypes.ReceiptStatusSuccessful, 5, 21000))
	v := newTestVerifier(t, mock, nil)

	_, err := v.Verify(context.Background(), txHash.Hex(), investor.Hex(), decimal.NewFromInt(50))
	require.True(t, errors.Is(err, chain.ErrRPCUnavailable))
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	v := newTestVerifier(t, testutil.NewMockChainClient(), nil)

	_, err := v.Verify(context.Background(), "0x1234", investor.Hex(), decimal.NewFromInt(1))
	require.ErrorIs(t, err, types.ErrInvalidRequest)

	_, err = v.Verify(context.Background(), testutil.RandomTxHash().Hex(), "bob", decimal.NewFromInt(1))
	require.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestNewVerifierValidation(t *testing.T) {
	_, err := NewVerifier(nil, nil, zap.NewNop())
	require.Error(t, err)

	_, err = NewVerifier(testutil.NewMockChainClient(), &Config{CrowdsaleAddress: "0xnope"}, zap.NewNop())
	require.Error(t, err)

	_, err = NewVerifier(testutil.NewMockChainClient(), &Config{AmountTolerance: decimal.NewFromInt(-1)}, zap.NewNop())
	require.Error(t, err)
}

func TestNewVerifierWarnsOnOpenCrowdsale(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	_, err := NewVerifier(testutil.NewMockChainClient(), &Config{}, zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessageSnippet("No crowdsale address configured").Len())

	core, logs = observer.New(zapcore.WarnLevel)
	_, err = NewVerifier(testutil.NewMockChainClient(), &Config{CrowdsaleAddress: crowdsale.Hex()}, zap.New(core))
	require.NoError(t, err)
	assert.Zero(t, logs.Len())
}

func TestWithinTolerance(t *testing.T) {
	tol := DefaultAmountTolerance
	assert.True(t, WithinTolerance(decimal.RequireFromString("99.5"), decimal.NewFromInt(100), tol))
	assert.True(t, WithinTolerance(decimal.NewFromInt(101), decimal.NewFromInt(100), tol))
	assert.False(t, WithinTolerance(decimal.RequireFromString("101.01"), decimal.NewFromInt(100), tol))
	assert.True(t, WithinTolerance(decimal.Zero, decimal.Zero, tol))
	assert.False(t, WithinTolerance(decimal.NewFromInt(1), decimal.Zero, tol))
}
