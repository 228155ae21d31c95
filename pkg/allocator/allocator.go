// Package allocator splits a revenue event into fee lines and pro-rata holder
// shares, producing the ordered claim list committed to by a distribution root.
package allocator

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ideacapital/vault-go/pkg/types"
	"github.com/ideacapital/vault-go/pkg/util"
)

var ErrInvalidDistributionRequest = errors.New("invalid distribution request")

var hundred = decimal.NewFromInt(100)

type LineKind string

const (
	LineKindFee    LineKind = "fee"
	LineKindHolder LineKind = "holder"
)

type Request struct {
	Revenue   decimal.Decimal
	Holders   []types.Holder
	FeeSplits []types.FeeSplit

	// Decimals is the exponent of the payout asset. Nil selects USDC.
	Decimals *int32

	// Rounding resolves fractions of the smallest unit. Defaults to half-up.
	Rounding util.RoundingMode
}

// Line is a single payout. Amount is already rounded to the smallest unit.
type Line struct {
	Kind          LineKind            `json:"kind"`
	RecipientType types.RecipientType `json:"recipient_type"`
	Wallet        string              `json:"wallet"`
	Amount        decimal.Decimal     `json:"amount"`
	AmountUnits   string              `json:"amount_units"`
}

type Allocation struct {
	Lines       []Line          `json:"lines"`
	TotalFees   decimal.Decimal `json:"total_fees"`
	NetRevenue  decimal.Decimal `json:"net_revenue"`
	TotalSupply decimal.Decimal `json:"total_supply"`
}

// Claims returns the lines as merkle claim leaves, preserving order.
func (a *Allocation) Claims() []types.ClaimLeaf {
	return util.Map(a.Lines, func(l Line, _ uint64) types.ClaimLeaf {
		return types.ClaimLeaf{Wallet: l.Wallet, Amount: l.AmountUnits}
	})
}

// Allocate runs the fee waterfall and then the holder split.
//
// Fees are charged against gross revenue in input order and skipped when their
// percentage is zero. Holders share the remaining net revenue in proportion to
// their balance; zero balances receive no line. Fee lines always precede holder lines.
func Allocate(req *Request) (*Allocation, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	decimals := types.USDCDecimals
	if req.Decimals != nil {
		decimals = *req.Decimals
	}

	lines := make([]Line, 0, len(req.FeeSplits)+len(req.Holders))
	totalFees := decimal.Zero

	for _, fs := range req.FeeSplits {
		if !fs.Percentage.IsPositive() {
			continue
		}
		fee := req.Revenue.Mul(fs.Percentage).Shift(-2)
		totalFees = totalFees.Add(fee)

		wallet, _ := util.NormalizeAddress(fs.RecipientAddress)
		lines = append(lines, newLine(LineKindFee, fs.RecipientType, wallet, fee, decimals, req.Rounding))
	}

	netRevenue := req.Revenue.Sub(totalFees)
	totalSupply := decimal.Zero
	for _, h := range req.Holders {
		totalSupply = totalSupply.Add(h.Balance)
	}
	if !totalSupply.IsPositive() {
		return nil, fmt.Errorf("%w: total supply must be positive", ErrInvalidDistributionRequest)
	}

	for _, h := range req.Holders {
		if !h.Balance.IsPositive() {
			continue
		}
		share := HolderShare(h.Balance, totalSupply, netRevenue, decimals, req.Rounding)

		wallet, _ := util.NormalizeAddress(h.Wallet)
		lines = append(lines, newLine(LineKindHolder, types.RecipientTypeHolder, wallet, share, decimals, req.Rounding))
	}

	return &Allocation{
		Lines:       lines,
		TotalFees:   totalFees,
		NetRevenue:  netRevenue,
		TotalSupply: totalSupply,
	}, nil
}

func newLine(kind LineKind, recipientType types.RecipientType, wallet string, amount decimal.Decimal, decimals int32, mode util.RoundingMode) Line {
	units := util.ToSmallestUnit(amount, decimals, mode)
	return Line{
		Kind:          kind,
		RecipientType: recipientType,
		Wallet:        wallet,
		Amount:        util.FromSmallestUnit(units, decimals),
		AmountUnits:   units.String(),
	}
}

func validate(req *Request) error {
	if req == nil {
		return fmt.Errorf("%w: request is nil", ErrInvalidDistributionRequest)
	}
	if len(req.Holders) == 0 {
		return fmt.Errorf("%w: holders must not be empty", ErrInvalidDistributionRequest)
	}
	if !req.Revenue.IsPositive() {
		return fmt.Errorf("%w: revenue must be positive, got %s", ErrInvalidDistributionRequest, req.Revenue)
	}
	if req.Decimals != nil && *req.Decimals < 0 {
		return fmt.Errorf("%w: decimals must not be negative", ErrInvalidDistributionRequest)
	}

	feeTotal := decimal.Zero
	for i, fs := range req.FeeSplits {
		if fs.Percentage.IsNegative() {
			return fmt.Errorf("%w: fee split %d has negative percentage %s", ErrInvalidDistributionRequest, i, fs.Percentage)
		}
		if fs.Percentage.IsPositive() {
			if _, err := util.ParseAddress(fs.RecipientAddress); err != nil {
				return fmt.Errorf("%w: fee split %d: %v", ErrInvalidDistributionRequest, i, err)
			}
		}
		feeTotal = feeTotal.Add(fs.Percentage)
	}
	if feeTotal.GreaterThan(hundred) {
		return fmt.Errorf("%w: fee splits total %s%%, more than 100%%", ErrInvalidDistributionRequest, feeTotal)
	}

	for i, h := range req.Holders {
		if h.Balance.IsNegative() {
			return fmt.Errorf("%w: holder %d has negative balance", ErrInvalidDistributionRequest, i)
		}
		if h.Balance.IsPositive() {
			if _, err := util.ParseAddress(h.Wallet); err != nil {
				return fmt.Errorf("%w: holder %d: %v", ErrInvalidDistributionRequest, i, err)
			}
		}
	}
	return nil
}
