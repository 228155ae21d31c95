package persistence

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ideacapital/vault-go/pkg/types"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrClosed        = errors.New("persistence layer is closed")
)

// ApplyStatusUpdate folds a status update into an investment. Wallet, amounts
// and block number are only overwritten when the update carries them.
func ApplyStatusUpdate(inv *types.Investment, u *types.InvestmentStatusUpdate) {
	inv.Status = u.Status
	if u.WalletAddress != "" {
		inv.WalletAddress = u.WalletAddress
	}
	if u.BlockNumber != 0 {
		inv.BlockNumber = u.BlockNumber
	}
	if !u.AmountUSDC.IsZero() {
		inv.AmountUSDC = u.AmountUSDC
	}
	if !u.TokenAmount.IsZero() {
		inv.TokenAmount = u.TokenAmount
	}
	inv.FailureReason = u.FailureReason
	if u.Status == types.InvestmentStatusConfirmed {
		at := u.UpdatedAt
		inv.ConfirmedAt = &at
	}
}

// ValidateDistribution checks the invariants shared by all stores before a write.
func ValidateDistribution(dist *types.Distribution, claims []*types.DividendClaim) error {
	if dist == nil {
		return fmt.Errorf("cannot save nil Distribution")
	}
	if dist.ID == "" {
		return fmt.Errorf("distribution ID is required")
	}
	if len(claims) != dist.ClaimCount {
		return fmt.Errorf("distribution %s declares %d claims, got %d", dist.ID, dist.ClaimCount, len(claims))
	}
	for i, c := range claims {
		if c == nil || c.ID == "" {
			return fmt.Errorf("claim %d has no ID", i)
		}
		if c.DistributionID != dist.ID {
			return fmt.Errorf("claim %s belongs to distribution %s, not %s", c.ID, c.DistributionID, dist.ID)
		}
	}
	return nil
}

func ValidateInvestment(inv *types.Investment) error {
	if inv == nil {
		return fmt.Errorf("cannot save nil Investment")
	}
	if inv.ID == "" || inv.TxHash == "" {
		return fmt.Errorf("investment ID and tx hash are required")
	}
	return nil
}

// WalletKey is the case-insensitive lookup key of a wallet address.
func WalletKey(wallet string) string {
	return strings.ToLower(wallet)
}

// TxHashKey is the case-insensitive lookup key of a transaction hash.
func TxHashKey(txHash string) string {
	return strings.ToLower(txHash)
}

func SortClaimsByIndex(claims []*types.DividendClaim) {
	sort.Slice(claims, func(i, j int) bool {
		if claims[i].DistributionID != claims[j].DistributionID {
			return claims[i].DistributionID < claims[j].DistributionID
		}
		return claims[i].Index < claims[j].Index
	})
}

// SortClaimsNewestFirst orders by creation time, then distribution and index for stability.
func SortClaimsNewestFirst(claims []*types.DividendClaim) {
	sort.SliceStable(claims, func(i, j int) bool {
		if !claims[i].CreatedAt.Equal(claims[j].CreatedAt) {
			return claims[i].CreatedAt.After(claims[j].CreatedAt)
		}
		if claims[i].DistributionID != claims[j].DistributionID {
			return claims[i].DistributionID < claims[j].DistributionID
		}
		return claims[i].Index < claims[j].Index
	})
}

func SortInvestmentsNewestFirst(investments []*types.Investment) {
	sort.SliceStable(investments, func(i, j int) bool {
		if !investments[i].CreatedAt.Equal(investments[j].CreatedAt) {
			return investments[i].CreatedAt.After(investments[j].CreatedAt)
		}
		return investments[i].ID < investments[j].ID
	})
}
