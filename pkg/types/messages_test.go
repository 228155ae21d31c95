package types

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wallet   = "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"
	unprefix = "71C7656EC7ab88b098defB751B7401B5f6d8976F"
	txHash   = "0x88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b"
)

func TestDistributeRequestValidate(t *testing.T) {
	valid := func() *DistributeRequest {
		return &DistributeRequest{
			RevenueUSDC: decimal.NewFromInt(100),
			Holders:     []Holder{{Wallet: wallet, Balance: decimal.NewFromInt(1)}},
			FeeSplits:   []FeeSplit{{RecipientType: RecipientTypePlatform, RecipientAddress: wallet, Percentage: decimal.NewFromInt(5)}},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(r *DistributeRequest)
		path   string
	}{
		{"holder without 0x", func(r *DistributeRequest) { r.Holders[0].Wallet = unprefix }, "holders[0].wallet"},
		{"fee recipient without 0x", func(r *DistributeRequest) { r.FeeSplits[0].RecipientAddress = unprefix }, "fee_splits[0].recipient_address"},
		{"negative balance", func(r *DistributeRequest) { r.Holders[0].Balance = decimal.NewFromInt(-1) }, "holders[0].balance"},
		{"zero revenue", func(r *DistributeRequest) { r.RevenueUSDC = decimal.Zero }, "revenue_usdc"},
		{"no holders", func(r *DistributeRequest) { r.Holders = nil }, "holders"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			err := req.Validate()
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Contains(t, err.Error(), tt.path)
		})
	}
}

func TestVerifyRequestValidate(t *testing.T) {
	req := &VerifyRequest{InventionID: "invention-1", WalletAddress: wallet, AmountUSDC: decimal.NewFromInt(50), TxHash: txHash}
	require.NoError(t, req.Validate())

	req.WalletAddress = unprefix
	err := req.Validate()
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "wallet_address")
}
