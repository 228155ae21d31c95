package allocator

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ideacapital/vault-go/pkg/merkle"
	"github.com/ideacapital/vault-go/pkg/types"
	"github.com/ideacapital/vault-go/pkg/util"
)

const (
	platformWallet = "0x1111111111111111111111111111111111111111"
	inventorWallet = "0x2222222222222222222222222222222222222222"
	holderA        = "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"
	holderB        = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	holderC        = "0x3333333333333333333333333333333333333333"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func exponent(n int32) *int32 {
	return &n
}

func TestAllocateFeeWaterfall(t *testing.T) {
	alloc, err := Allocate(&Request{
		Revenue: d("10000"),
		FeeSplits: []types.FeeSplit{
			{RecipientType: types.RecipientTypePlatform, RecipientAddress: platformWallet, Percentage: d("5")},
			{RecipientType: types.RecipientTypeInventor, RecipientAddress: inventorWallet, Percentage: d("10")},
		},
		Holders: []types.Holder{
			{Wallet: holderA, Balance: d("750")},
			{Wallet: holderB, Balance: d("250")},
		},
	})
	require.NoError(t, err)

	// Fees are taken from gross revenue, not compounded.
	assert.True(t, d("1500").Equal(alloc.TotalFees))
	assert.True(t, d("8500").Equal(alloc.NetRevenue))
	assert.True(t, d("1000").Equal(alloc.TotalSupply))

	require.Len(t, alloc.Lines, 4)
	expected := []struct {
		kind   LineKind
		wallet string
		units  string
	}{
		{LineKindFee, platformWallet, "500000000"},
		{LineKindFee, inventorWallet, "1000000000"},
		{LineKindHolder, "0x71c7656ec7ab88b098defb751b7401b5f6d8976f", "6375000000"},
		{LineKindHolder, "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", "2125000000"},
	}
	for i, e := range expected {
		assert.Equal(t, e.kind, alloc.Lines[i].Kind)
		assert.Equal(t, e.wallet, alloc.Lines[i].Wallet)
		assert.Equal(t, e.units, alloc.Lines[i].AmountUnits)
	}
	assert.Equal(t, types.RecipientTypeInventor, alloc.Lines[1].RecipientType)
	assert.Equal(t, types.RecipientTypeHolder, alloc.Lines[3].RecipientType)
}

func TestAllocateSkipsZeroBalancesAndZeroFees(t *testing.T) {
	alloc, err := Allocate(&Request{
		Revenue: d("100"),
		FeeSplits: []types.FeeSplit{
			{RecipientType: types.RecipientTypeTreasury, RecipientAddress: platformWallet, Percentage: decimal.Zero},
		},
		Holders: []types.Holder{
			{Wallet: holderA, Balance: d("1")},
			{Wallet: holderB, Balance: decimal.Zero},
		},
	})
	require.NoError(t, err)
	require.Len(t, alloc.Lines, 1)
	assert.Equal(t, "0x71c7656ec7ab88b098defb751b7401b5f6d8976f", alloc.Lines[0].Wallet)
	assert.Equal(t, "100000000", alloc.Lines[0].AmountUnits)
}

func TestAllocateSumWithinRounding(t *testing.T) {
	for _, mode := range []util.RoundingMode{util.RoundHalfUp, util.RoundHalfEven} {
		t.Run(mode.String(), func(t *testing.T) {
			alloc, err := Allocate(&Request{
				Revenue: d("1000.000001"),
				FeeSplits: []types.FeeSplit{
					{RecipientType: types.RecipientTypePlatform, RecipientAddress: platformWallet, Percentage: d("2.5")},
				},
				Holders: []types.Holder{
					{Wallet: holderA, Balance: d("1")},
					{Wallet: holderB, Balance: d("1")},
					{Wallet: holderC, Balance: d("1")},
				},
				Rounding: mode,
			})
			require.NoError(t, err)

			sum := new(big.Int)
			for _, l := range alloc.Lines {
				units, ok := new(big.Int).SetString(l.AmountUnits, 10)
				require.True(t, ok)
				sum.Add(sum, units)
			}
			revenueUnits := util.ToSmallestUnit(d("1000.000001"), types.USDCDecimals, mode)
			diff := new(big.Int).Sub(revenueUnits, sum)
			diff.Abs(diff)
			assert.LessOrEqual(t, diff.Int64(), int64(len(alloc.Lines)))
		})
	}
}

func TestAllocateRoundingPolicy(t *testing.T) {
	// 0.000005 split in two gives 0.0000025 per holder: a tie at the smallest unit.
	req := func(mode util.RoundingMode) *Request {
		return &Request{
			Revenue: d("0.000005"),
			Holders: []types.Holder{
				{Wallet: holderA, Balance: d("1")},
				{Wallet: holderB, Balance: d("1")},
			},
			Rounding: mode,
		}
	}

	up, err := Allocate(req(util.RoundHalfUp))
	require.NoError(t, err)
	assert.Equal(t, "3", up.Lines[0].AmountUnits)

	even, err := Allocate(req(util.RoundHalfEven))
	require.NoError(t, err)
	assert.Equal(t, "2", even.Lines[0].AmountUnits)
}

func TestAllocateCustomDecimals(t *testing.T) {
	alloc, err := Allocate(&Request{
		Revenue:  d("2"),
		Holders:  []types.Holder{{Wallet: holderA, Balance: d("10")}},
		Decimals: exponent(types.RoyaltyTokenDecimals),
	})
	require.NoError(t, err)
	assert.Equal(t, "2000000000000000000", alloc.Lines[0].AmountUnits)
}

func TestAllocateRoundsAtHighPrecision(t *testing.T) {
	alloc, err := Allocate(&Request{
		Revenue: d("1000"),
		Holders: []types.Holder{
			{Wallet: holderA, Balance: d("1")},
			{Wallet: holderB, Balance: d("2")},
		},
		Decimals: exponent(types.RoyaltyTokenDecimals),
	})
	require.NoError(t, err)
	require.Len(t, alloc.Lines, 2)
	assert.Equal(t, "333333333333333333333", alloc.Lines[0].AmountUnits)
	assert.Equal(t, "666666666666666666667", alloc.Lines[1].AmountUnits)
	assert.True(t, d("333.333333333333333333").Equal(alloc.Lines[0].Amount))
}

func TestAllocateWholeUnitAsset(t *testing.T) {
	alloc, err := Allocate(&Request{
		Revenue: d("10"),
		Holders: []types.Holder{
			{Wallet: holderA, Balance: d("1")},
			{Wallet: holderB, Balance: d("2")},
		},
		Decimals: exponent(0),
	})
	require.NoError(t, err)
	assert.Equal(t, "3", alloc.Lines[0].AmountUnits)
	assert.Equal(t, "7", alloc.Lines[1].AmountUnits)

	usdc, err := Allocate(&Request{Revenue: d("10"), Holders: []types.Holder{{Wallet: holderA, Balance: d("1")}}})
	require.NoError(t, err)
	assert.Equal(t, "10000000", usdc.Lines[0].AmountUnits)
}

func TestAllocateRejectsInvalidRequests(t *testing.T) {
	validHolders := []types.Holder{{Wallet: holderA, Balance: d("1")}}

	tests := []struct {
		name string
		req  *Request
	}{
		{"nil request", nil},
		{"no holders", &Request{Revenue: d("1")}},
		{"zero revenue", &Request{Revenue: decimal.Zero, Holders: validHolders}},
		{"negative revenue", &Request{Revenue: d("-5"), Holders: validHolders}},
		{"negative decimals", &Request{Revenue: d("1"), Holders: validHolders, Decimals: exponent(-1)}},
		{"zero supply", &Request{Revenue: d("1"), Holders: []types.Holder{{Wallet: holderA, Balance: decimal.Zero}}}},
		{"negative balance", &Request{Revenue: d("1"), Holders: []types.Holder{{Wallet: holderA, Balance: d("-1")}, {Wallet: holderB, Balance: d("5")}}}},
		{"invalid holder wallet", &Request{Revenue: d("1"), Holders: []types.Holder{{Wallet: "0xnope", Balance: d("1")}}}},
		{"negative fee", &Request{Revenue: d("1"), Holders: validHolders, FeeSplits: []types.FeeSplit{{RecipientAddress: platformWallet, Percentage: d("-1")}}}},
		{"fees above 100", &Request{Revenue: d("1"), Holders: validHolders, FeeSplits: []types.FeeSplit{
			{RecipientAddress: platformWallet, Percentage: d("60")},
			{RecipientAddress: inventorWallet, Percentage: d("40.01")},
		}}},
		{"invalid fee wallet", &Request{Revenue: d("1"), Holders: validHolders, FeeSplits: []types.FeeSplit{{RecipientAddress: "platform", Percentage: d("1")}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Allocate(tt.req)
			require.ErrorIs(t, err, ErrInvalidDistributionRequest)
		})
	}
}

func TestAllocationFeedsMerkle(t *testing.T) {
	alloc, err := Allocate(&Request{
		Revenue: d("6"),
		Holders: []types.Holder{
			{Wallet: holderA, Balance: d("1")},
			{Wallet: holderB, Balance: d("5")},
		},
		Decimals: exponent(types.RoyaltyTokenDecimals),
	})
	require.NoError(t, err)

	root, proofs, err := merkle.Build(alloc.Claims())
	require.NoError(t, err)
	assert.Equal(t, "0x8140f9815bda3adf6750884e0c94c193c9be3e5891d90d97d4e73934124ec5b1", root)
	assert.Len(t, proofs, 2)
}

func TestQuoteTokens(t *testing.T) {
	tests := []struct {
		name       string
		investment string
		goal       string
		supply     string
		royalty    string
		expected   string
	}{
		{"partial funding", "50", "10000", "1000000", "20", "1000"},
		{"full funding", "10000", "10000", "1000000", "20", "200000"},
		{"zero goal", "50", "0", "1000000", "20", "0"},
		{"fractional result rounds", "1", "3", "10", "100", "3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := QuoteTokens(d(tt.investment), d(tt.goal), d(tt.supply), d(tt.royalty), util.RoundHalfUp)
			assert.True(t, d(tt.expected).Equal(got), "expected %s, got %s", tt.expected, got)
		})
	}
}

func TestHolderShare(t *testing.T) {
	share := HolderShare(d("1000"), d("1000000"), d("50000"), types.USDCDecimals, util.RoundHalfUp)
	assert.True(t, d("50").Equal(share))
	assert.True(t, decimal.Zero.Equal(HolderShare(d("1"), decimal.Zero, d("5"), 6, util.RoundHalfUp)))
}
