package persistence

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ideacapital/vault-go/pkg/types"
)

// Amounts must survive storage without going through float64.
func TestDividendClaimKeepsDecimalPrecision(t *testing.T) {
	original := &types.DividendClaim{
		ID:             "claim-1",
		DistributionID: "dist-1",
		Index:          3,
		RecipientType:  types.RecipientTypeHolder,
		WalletAddress:  "0x71c7656ec7ab88b098defb751b7401b5f6d8976f",
		Amount:         decimal.RequireFromString("12345678901234.123456"),
		AmountUnits:    "12345678901234123456",
		MerkleProof:    []string{"0x08d32c0b719aa7d191069df3aa4963442b48ab22b642e50b485c5be6e0450df5"},
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := MarshalDividendClaim(original)
	require.NoError(t, err)

	restored, err := UnmarshalDividendClaim(data)
	require.NoError(t, err)
	assert.True(t, original.Amount.Equal(restored.Amount), "got %s", restored.Amount)
	assert.Equal(t, original.MerkleProof, restored.MerkleProof)
	assert.True(t, original.CreatedAt.Equal(restored.CreatedAt))
}

func TestUnmarshalDividendClaimDefaultsProof(t *testing.T) {
	restored, err := UnmarshalDividendClaim([]byte(`{"id":"c","distribution_id":"d","merkle_proof":null}`))
	require.NoError(t, err)
	assert.NotNil(t, restored.MerkleProof)
	assert.Len(t, restored.MerkleProof, 0)
}

func TestMarshalNilInput(t *testing.T) {
	_, err := MarshalDistribution(nil)
	require.Error(t, err)
	_, err = MarshalInvestment(nil)
	require.Error(t, err)
	_, err = MarshalWatcherState(nil)
	require.Error(t, err)
}

func TestUnmarshalInvalidInput(t *testing.T) {
	_, err := UnmarshalInvestment(nil)
	require.Error(t, err)
	_, err = UnmarshalDistribution([]byte("{not json"))
	require.Error(t, err)
}

func TestApplyStatusUpdate(t *testing.T) {
	inv := &types.Investment{
		ID:         "inv-1",
		Status:     types.InvestmentStatusPending,
		AmountUSDC: decimal.NewFromInt(50),
	}
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	ApplyStatusUpdate(inv, &types.InvestmentStatusUpdate{
		InvestmentID: "inv-1",
		Status:       types.InvestmentStatusConfirmed,
		BlockNumber:  42,
		TokenAmount:  decimal.NewFromInt(1000),
		UpdatedAt:    at,
	})

	assert.Equal(t, types.InvestmentStatusConfirmed, inv.Status)
	assert.Equal(t, uint64(42), inv.BlockNumber)
	assert.True(t, decimal.NewFromInt(50).Equal(inv.AmountUSDC), "amount kept when update carries none")
	assert.True(t, decimal.NewFromInt(1000).Equal(inv.TokenAmount))
	require.NotNil(t, inv.ConfirmedAt)
	assert.True(t, at.Equal(*inv.ConfirmedAt))
}

func TestValidateDistribution(t *testing.T) {
	dist := &types.Distribution{ID: "d1", ClaimCount: 1}
	require.NoError(t, ValidateDistribution(dist, []*types.DividendClaim{{ID: "c1", DistributionID: "d1"}}))
	require.Error(t, ValidateDistribution(dist, nil))
	require.Error(t, ValidateDistribution(dist, []*types.DividendClaim{{ID: "c1", DistributionID: "other"}}))
	require.Error(t, ValidateDistribution(nil, nil))
}
