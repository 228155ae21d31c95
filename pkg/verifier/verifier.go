// Package verifier confirms investment transactions against their receipts.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ideacapital/vault-go/pkg/chain"
	"github.com/ideacapital/vault-go/pkg/events"
	"github.com/ideacapital/vault-go/pkg/metrics"
	"github.com/ideacapital/vault-go/pkg/types"
	"github.com/ideacapital/vault-go/pkg/util"
)

var (
	ErrEventNotFound  = errors.New("investment event not found in receipt")
	ErrSenderMismatch = errors.New("transaction sender does not match expected wallet")
)

// DefaultAmountTolerance is the relative deviation accepted between the
// decoded and the claimed investment amount.
var DefaultAmountTolerance = decimal.RequireFromString("0.01")

type Config struct {
	// CrowdsaleAddress, when set, is the only accepted emitter of Investment logs.
	CrowdsaleAddress string

	// AmountTolerance is relative to the expected amount. Zero selects DefaultAmountTolerance.
	AmountTolerance decimal.Decimal
}

type Verifier struct {
	client    chain.IChainClient
	crowdsale *common.Address
	tolerance decimal.Decimal
	logger    *zap.Logger
}

func NewVerifier(client chain.IChainClient, cfg *Config, logger *zap.Logger) (*Verifier, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client is required")
	}
	v := &Verifier{
		client:    client,
		tolerance: DefaultAmountTolerance,
		logger:    logger,
	}
	if cfg != nil {
		if cfg.CrowdsaleAddress != "" {
			addr, err := util.ParseAddress(cfg.CrowdsaleAddress)
			if err != nil {
				return nil, fmt.Errorf("invalid crowdsale address: %w", err)
			}
			v.crowdsale = &addr
		}
		if cfg.AmountTolerance.IsNegative() {
			return nil, fmt.Errorf("amount tolerance must not be negative")
		}
		if cfg.AmountTolerance.IsPositive() {
			v.tolerance = cfg.AmountTolerance
		}
	}
	if v.crowdsale == nil {
		logger.Sugar().Warnw("No crowdsale address configured, Investment events from any contract are accepted")
	}
	return v, nil
}

// Verify checks one investment transaction.
//
// A missing receipt yields a Pending outcome and no error. A reverted
// transaction yields Failed. A sender other than expectedWallet yields a
// SenderMismatch outcome together with ErrSenderMismatch. A successful receipt
// without a decodable Investment log returns ErrEventNotFound or the decoder
// error; the expected amount is never used in place of the on-chain one.
// RPC failures are returned as chain.ErrRPCUnavailable.
func (v *Verifier) Verify(ctx context.Context, txHash string, expectedWallet string, expectedAmount decimal.Decimal) (outcome *types.VerificationOutcome, err error) {
	start := time.Now()
	defer func() {
		state := "error"
		if outcome != nil {
			state = string(outcome.State)
		}
		metrics.RecordVerification(state, time.Since(start))
	}()

	hash, err := util.ParseHash(txHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidRequest, err)
	}
	expected, err := util.ParseAddress(expectedWallet)
	if err != nil {
		return nil, fmt.Errorf("%w: expected wallet: %v", types.ErrInvalidRequest, err)
	}
	txHashHex := util.FormatHash(hash)

	receipt, err := v.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		v.logger.Sugar().Debugw("Transaction not mined yet", "txHash", txHashHex)
		return &types.VerificationOutcome{State: types.VerificationStatePending, TxHash: txHashHex}, nil
	}

	blockNumber := uint64(0)
	if receipt.BlockNumber != nil {
		blockNumber = receipt.BlockNumber.Uint64()
	}

	if receipt.Status != ethTypes.ReceiptStatusSuccessful {
		v.logger.Sugar().Infow("Transaction reverted",
			"txHash", txHashHex,
			"blockNumber", blockNumber,
			"gasUsed", receipt.GasUsed,
		)
		return &types.VerificationOutcome{
			State:       types.VerificationStateFailed,
			TxHash:      txHashHex,
			BlockNumber: blockNumber,
			GasUsed:     receipt.GasUsed,
			Amount:      decimal.Zero,
			TokenAmount: decimal.Zero,
		}, nil
	}

	tx, err := v.client.Transaction(ctx, hash)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		// The node served a receipt but not the transaction; treat it as a lagging node.
		return nil, fmt.Errorf("%w: transaction %s missing although receipt exists", chain.ErrRPCUnavailable, txHashHex)
	}
	sender := util.FormatAddress(tx.From)

	if tx.From != expected {
		v.logger.Sugar().Warnw("Investment sender mismatch",
			"txHash", txHashHex,
			"sender", sender,
			"expected", util.FormatAddress(expected),
		)
		return &types.VerificationOutcome{
			State:       types.VerificationStateSenderMismatch,
			TxHash:      txHashHex,
			BlockNumber: blockNumber,
			GasUsed:     receipt.GasUsed,
			Sender:      sender,
			Amount:      decimal.Zero,
			TokenAmount: decimal.Zero,
		}, ErrSenderMismatch
	}

	investmentLog := v.findInvestmentLog(receipt)
	if investmentLog == nil {
		return nil, fmt.Errorf("%w: tx %s", ErrEventNotFound, txHashHex)
	}
	ev, err := events.DecodeInvestmentLog(investmentLog)
	if err != nil {
		return nil, fmt.Errorf("tx %s: %w", txHashHex, err)
	}

	amount := util.FromSmallestUnit(ev.AmountRaw, types.USDCDecimals)
	tokenAmount := util.FromSmallestUnit(ev.TokenAmountRaw, types.RoyaltyTokenDecimals)
	investor, _ := util.NormalizeAddress(ev.Investor)

	outcome = &types.VerificationOutcome{
		State:                 types.VerificationStateConfirmed,
		TxHash:                txHashHex,
		BlockNumber:           blockNumber,
		GasUsed:               receipt.GasUsed,
		Sender:                sender,
		InvestorAddress:       investor,
		AmountRaw:             ev.AmountRaw,
		TokenAmountRaw:        ev.TokenAmountRaw,
		Amount:                amount,
		TokenAmount:           tokenAmount,
		AmountMatchesExpected: WithinTolerance(amount, expectedAmount, v.tolerance),
	}

	v.logger.Sugar().Infow("Verified investment",
		"txHash", txHashHex,
		"investor", investor,
		"amount", amount.String(),
		"tokenAmount", tokenAmount.String(),
		"blockNumber", blockNumber,
		"amountMatchesExpected", outcome.AmountMatchesExpected,
	)
	return outcome, nil
}

func (v *Verifier) findInvestmentLog(receipt *ethTypes.Receipt) *ethTypes.Log {
	for _, l := range receipt.Logs {
		if !events.IsInvestmentLog(l) {
			continue
		}
		if v.crowdsale != nil && l.Address != *v.crowdsale {
			continue
		}
		return l
	}
	return nil
}

// WithinTolerance reports whether |actual - expected| <= expected * tolerance.
func WithinTolerance(actual, expected, tolerance decimal.Decimal) bool {
	if expected.IsZero() {
		return actual.IsZero()
	}
	return actual.Sub(expected).Abs().LessThanOrEqual(expected.Abs().Mul(tolerance))
}
