package persistence

import (
	"context"

	"github.com/ideacapital/vault-go/pkg/types"
)

// IVaultPersistence stores distributions, claims, investments and the
// watcher cursor. All implementations must be safe for concurrent use.
//
// Load methods return nil, nil when the record does not exist. Mutations of
// missing records return ErrNotFound.
type IVaultPersistence interface {
	// Distributions and claims

	// SaveDistribution stores a distribution together with all of its claims in one write.
	// Distributions are immutable; saving an existing ID returns ErrAlreadyExists.
	SaveDistribution(ctx context.Context, dist *types.Distribution, claims []*types.DividendClaim) error

	LoadDistribution(ctx context.Context, id string) (*types.Distribution, error)

	// ListClaims returns the claims of a distribution ordered by leaf index.
	ListClaims(ctx context.Context, distributionID string) ([]*types.DividendClaim, error)

	LoadClaim(ctx context.Context, claimID string) (*types.DividendClaim, error)

	// ListUnclaimedByWallet returns open claims for a wallet, newest first.
	ListUnclaimedByWallet(ctx context.Context, wallet string) ([]*types.DividendClaim, error)

	// MarkClaimed flags a claim as paid out on-chain. It never touches merkle data.
	MarkClaimed(ctx context.Context, claimID string, txHash string) error

	// Investments

	// SaveInvestment inserts a new investment. A second investment with the
	// same ID or transaction hash returns ErrAlreadyExists.
	SaveInvestment(ctx context.Context, inv *types.Investment) error

	LoadInvestment(ctx context.Context, id string) (*types.Investment, error)

	LoadInvestmentByTxHash(ctx context.Context, txHash string) (*types.Investment, error)

	// ListInvestmentsByInvention returns investments newest first.
	ListInvestmentsByInvention(ctx context.Context, inventionID string) ([]*types.Investment, error)

	// UpdateInvestmentStatus records the terminal result of a verification attempt.
	UpdateInvestmentStatus(ctx context.Context, update *types.InvestmentStatusUpdate) error

	// Chain watcher

	SaveWatcherState(ctx context.Context, state *types.WatcherState) error

	LoadWatcherState(ctx context.Context, contractAddress string) (*types.WatcherState, error)

	// Lifecycle Management

	// Close is idempotent. After Close all other operations return ErrClosed.
	Close() error

	HealthCheck(ctx context.Context) error
}
