package allocator

import (
	"github.com/shopspring/decimal"

	"github.com/ideacapital/vault-go/pkg/util"
)

// QuoteTokens returns the whole royalty tokens bought by an investment:
// (investment / goal) * supply * royaltyPct / 100, rounded to an integer.
// A zero funding goal quotes zero.
func QuoteTokens(investment, fundingGoal, totalSupply, royaltyPct decimal.Decimal, mode util.RoundingMode) decimal.Decimal {
	if fundingGoal.IsZero() {
		return decimal.Zero
	}
	numerator := investment.Mul(totalSupply).Mul(royaltyPct)
	return mode.Quo(numerator, fundingGoal.Mul(hundred), 0)
}

// HolderShare returns balance / totalSupply * revenue, rounded once at the
// asset's precision.
func HolderShare(balance, totalSupply, revenue decimal.Decimal, decimals int32, mode util.RoundingMode) decimal.Decimal {
	if totalSupply.IsZero() {
		return decimal.Zero
	}
	return mode.Quo(balance.Mul(revenue), totalSupply, decimals)
}
