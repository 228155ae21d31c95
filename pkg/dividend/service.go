// Package dividend turns revenue events into merkle-committed claim sets and
// answers claim and proof queries against them.
package dividend

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ideacapital/vault-go/pkg/allocator"
	"github.com/ideacapital/vault-go/pkg/merkle"
	"github.com/ideacapital/vault-go/pkg/metrics"
	"github.com/ideacapital/vault-go/pkg/persistence"
	"github.com/ideacapital/vault-go/pkg/types"
	"github.com/ideacapital/vault-go/pkg/util"
)

type Config struct {
	// Decimals of the payout asset. Nil selects USDC.
	Decimals *int32
	Rounding util.RoundingMode
}

// DistributionResult is a distribution together with its claims in leaf order.
type DistributionResult struct {
	Distribution *types.Distribution    `json:"distribution"`
	Claims       []*types.DividendClaim `json:"claims"`
}

// ClaimCheck reports whether a stored claim still verifies against its distribution root.
type ClaimCheck struct {
	ClaimID    string `json:"claim_id"`
	MerkleRoot string `json:"merkle_root"`
	Valid      bool   `json:"valid"`
}

type Service struct {
	store  persistence.IVaultPersistence
	cfg    Config
	clock  clockwork.Clock
	logger *zap.Logger
}

func NewService(store persistence.IVaultPersistence, cfg *Config, clock clockwork.Clock, logger *zap.Logger) *Service {
	s := &Service{store: store, clock: clock, logger: logger}
	if cfg != nil {
		s.cfg = *cfg
	}
	if s.cfg.Decimals == nil {
		usdc := types.USDCDecimals
		s.cfg.Decimals = &usdc
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	return s
}

// Distribute allocates a revenue event, commits the resulting claims to a
// merkle root and stores the distribution with one proof per claim.
func (s *Service) Distribute(ctx context.Context, inventionID string, req *types.DistributeRequest) (*DistributionResult, error) {
	if inventionID == "" {
		return nil, fmt.Errorf("%w: invention id is required", types.ErrInvalidRequest)
	}
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", types.ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	alloc, err := allocator.Allocate(&allocator.Request{
		Revenue:   req.RevenueUSDC,
		Holders:   req.Holders,
		FeeSplits: req.FeeSplits,
		Decimals:  s.cfg.Decimals,
		Rounding:  s.cfg.Rounding,
	})
	if err != nil {
		return nil, err
	}

	root, proofs, err := merkle.Build(alloc.Claims())
	if err != nil {
		return nil, fmt.Errorf("failed to build merkle tree: %w", err)
	}

	now := s.clock.Now().UTC()
	dist := &types.Distribution{
		ID:           uuid.NewString(),
		InventionID:  inventionID,
		MerkleRoot:   root,
		TotalRevenue: req.RevenueUSDC,
		TotalFees:    alloc.TotalFees,
		ClaimCount:   len(alloc.Lines),
		CreatedAt:    now,
	}

	claims := make([]*types.DividendClaim, 0, len(alloc.Lines))
	byType := make(map[string]int)
	for i, line := range alloc.Lines {
		claims = append(claims, &types.DividendClaim{
			ID:             uuid.NewString(),
			DistributionID: dist.ID,
			Index:          i,
			RecipientType:  line.RecipientType,
			WalletAddress:  line.Wallet,
			Amount:         line.Amount,
			AmountUnits:    line.AmountUnits,
			MerkleProof:    proofs[i],
			CreatedAt:      now,
		})
		byType[string(line.RecipientType)]++
	}

	if err := s.store.SaveDistribution(ctx, dist, claims); err != nil {
		return nil, fmt.Errorf("failed to save distribution: %w", err)
	}
	metrics.RecordDistribution(byType)

	s.logger.Sugar().Infow("Distribution created",
		"distributionId", dist.ID,
		"inventionId", inventionID,
		"merkleRoot", root,
		"claims", len(claims),
		"revenueUsdc", req.RevenueUSDC.String(),
		"feesUsdc", alloc.TotalFees.String(),
	)
	return &DistributionResult{Distribution: dist, Claims: claims}, nil
}

func (s *Service) GetDistribution(ctx context.Context, id string) (*DistributionResult, error) {
	dist, err := s.store.LoadDistribution(ctx, id)
	if err != nil {
		return nil, err
	}
	if dist == nil {
		return nil, fmt.Errorf("distribution %s: %w", id, persistence.ErrNotFound)
	}
	claims, err := s.store.ListClaims(ctx, id)
	if err != nil {
		return nil, err
	}
	return &DistributionResult{Distribution: dist, Claims: claims}, nil
}

// ClaimableFor lists the open claims of a wallet, newest first.
func (s *Service) ClaimableFor(ctx context.Context, wallet string) ([]*types.DividendClaim, error) {
	normalized, err := util.NormalizeAddress(wallet)
	if err != nil {
		return nil, fmt.Errorf("%w: wallet: %v", types.ErrInvalidRequest, err)
	}
	return s.store.ListUnclaimedByWallet(ctx, normalized)
}

// VerifyClaim re-derives the leaf of a stored claim and checks its proof
// against the root of its distribution.
func (s *Service) VerifyClaim(ctx context.Context, claimID string) (*ClaimCheck, error) {
	claim, err := s.store.LoadClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		return nil, fmt.Errorf("claim %s: %w", claimID, persistence.ErrNotFound)
	}
	dist, err := s.store.LoadDistribution(ctx, claim.DistributionID)
	if err != nil {
		return nil, err
	}
	if dist == nil {
		return nil, fmt.Errorf("distribution %s of claim %s: %w", claim.DistributionID, claimID, persistence.ErrNotFound)
	}

	valid, err := merkle.VerifyClaimProof(claim.WalletAddress, claim.AmountUnits, claim.MerkleProof, dist.MerkleRoot)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", claimID, err)
	}
	if !valid {
		s.logger.Sugar().Errorw("Stored claim does not verify against its root",
			"claimId", claimID, "distributionId", dist.ID, "merkleRoot", dist.MerkleRoot)
	}
	return &ClaimCheck{ClaimID: claimID, MerkleRoot: dist.MerkleRoot, Valid: valid}, nil
}

// CheckProof verifies an arbitrary (wallet, amount, proof) triple against a root.
func (s *Service) CheckProof(req *types.ProofCheckRequest) (bool, error) {
	if req == nil {
		return false, fmt.Errorf("%w: empty request", types.ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return false, err
	}
	valid, err := merkle.VerifyClaimProof(req.Wallet, req.AmountUnits, req.Proof, req.MerkleRoot)
	if errors.Is(err, merkle.ErrInvalidAddressFormat) || errors.Is(err, merkle.ErrInvalidAmountFormat) {
		return false, fmt.Errorf("%w: %v", types.ErrInvalidRequest, err)
	}
	return valid, err
}

// MarkClaimed records the on-chain payout of a claim.
func (s *Service) MarkClaimed(ctx context.Context, claimID, txHash string) error {
	if !util.IsHexHash(txHash) {
		return fmt.Errorf("%w: tx_hash must be a 0x prefixed 32 byte hex string", types.ErrInvalidRequest)
	}
	if err := s.store.MarkClaimed(ctx, claimID, txHash); err != nil {
		return err
	}
	s.logger.Sugar().Infow("Claim paid out", "claimId", claimID, "txHash", txHash)
	return nil
}
