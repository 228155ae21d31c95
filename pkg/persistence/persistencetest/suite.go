// Package persistencetest holds behaviour checks every IVaultPersistence
// implementation must pass.
package persistencetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ideacapital/vault-go/pkg/persistence"
	"github.com/ideacapital/vault-go/pkg/types"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) persistence.IVaultPersistence

func Run(t *testing.T, newStore Factory) {
	t.Run("DistributionRoundTrip", func(t *testing.T) { testDistributionRoundTrip(t, newStore(t)) })
	t.Run("DistributionIsImmutable", func(t *testing.T) { testDistributionIsImmutable(t, newStore(t)) })
	t.Run("UnclaimedByWallet", func(t *testing.T) { testUnclaimedByWallet(t, newStore(t)) })
	t.Run("MarkClaimedMissing", func(t *testing.T) { testMarkClaimedMissing(t, newStore(t)) })
	t.Run("InvestmentLifecycle", func(t *testing.T) { testInvestmentLifecycle(t, newStore(t)) })
	t.Run("InvestmentUniqueTxHash", func(t *testing.T) { testInvestmentUniqueTxHash(t, newStore(t)) })
	t.Run("InvestmentsByInvention", func(t *testing.T) { testInvestmentsByInvention(t, newStore(t)) })
	t.Run("WatcherState", func(t *testing.T) { testWatcherState(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("ConcurrentInvestments", func(t *testing.T) { testConcurrentInvestments(t, newStore(t)) })
	t.Run("Close", func(t *testing.T) { testClose(t, newStore(t)) })
}

func randomWallet() string {
	id := uuid.New()
	return fmt.Sprintf("0x%x%x", id[:], id[:4])
}

func randomTxHash() string {
	a, b := uuid.New(), uuid.New()
	return fmt.Sprintf("0x%x%x", a[:], b[:])
}

// NewDistribution builds a distribution with n holder claims spread over wallets.
func NewDistribution(inventionID string, wallets []string, createdAt time.Time) (*types.Distribution, []*types.DividendClaim) {
	dist := &types.Distribution{
		ID:           uuid.NewString(),
		InventionID:  inventionID,
		MerkleRoot:   "0x8140f9815bda3adf6750884e0c94c193c9be3e5891d90d97d4e73934124ec5b1",
		TotalRevenue: decimal.NewFromInt(int64(len(wallets)) * 10),
		TotalFees:    decimal.Zero,
		ClaimCount:   len(wallets),
		CreatedAt:    createdAt,
	}
	claims := make([]*types.DividendClaim, 0, len(wallets))
	for i, w := range wallets {
		claims = append(claims, &types.DividendClaim{
			ID:             uuid.NewString(),
			DistributionID: dist.ID,
			Index:          i,
			RecipientType:  types.RecipientTypeHolder,
			WalletAddress:  w,
			Amount:         decimal.RequireFromString("10.000001"),
			AmountUnits:    "10000001",
			MerkleProof:    []string{"0x08d32c0b719aa7d191069df3aa4963442b48ab22b642e50b485c5be6e0450df5"},
			CreatedAt:      createdAt,
		})
	}
	return dist, claims
}

func NewInvestment(inventionID string, createdAt time.Time) *types.Investment {
	return &types.Investment{
		ID:            uuid.NewString(),
		InventionID:   inventionID,
		WalletAddress: randomWallet(),
		AmountUSDC:    decimal.RequireFromString("50.5"),
		TxHash:        randomTxHash(),
		Status:        types.InvestmentStatusPending,
		TokenAmount:   decimal.Zero,
		CreatedAt:     createdAt,
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func testDistributionRoundTrip(t *testing.T, store persistence.IVaultPersistence) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	dist, claims := NewDistribution(uuid.NewString(), []string{randomWallet(), randomWallet(), randomWallet()}, now())
	require.NoError(t, store.SaveDistribution(ctx, dist, claims))

	loaded, err := store.LoadDistribution(ctx, dist.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, dist.MerkleRoot, loaded.MerkleRoot)
	assert.Equal(t, dist.ClaimCount, loaded.ClaimCount)
	assert.True(t, dist.TotalRevenue.Equal(loaded.TotalRevenue))
	assert.True(t, dist.CreatedAt.Equal(loaded.CreatedAt))

	listed, err := store.ListClaims(ctx, dist.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i, c := range listed {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, claims[i].ID, c.ID)
		assert.Equal(t, claims[i].MerkleProof, c.MerkleProof)
		assert.True(t, claims[i].Amount.Equal(c.Amount))
		assert.Equal(t, claims[i].AmountUnits, c.AmountUnits)
	}

	claim, err := store.LoadClaim(ctx, claims[1].ID)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, claims[1].WalletAddress, claim.WalletAddress)
}

func testDistributionIsImmutable(t *testing.T, store persistence.IVaultPersistence) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	dist, claims := NewDistribution(uuid.NewString(), []string{randomWallet()}, now())
	require.NoError(t, store.SaveDistribution(ctx, dist, claims))

	dist2 := *dist
	dist2.MerkleRoot = "0x0000000000000000000000000000000000000000000000000000000000000001"
	err := store.SaveDistribution(ctx, &dist2, claims)
	require.ErrorIs(t, err, persistence.ErrAlreadyExists)

	loaded, err := store.LoadDistribution(ctx, dist.ID)
	require.NoError(t, err)
	assert.Equal(t, dist.MerkleRoot, loaded.MerkleRoot)
}

func testUnclaimedByWallet(t *testing.T, store persistence.IVaultPersistence) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	wallet := randomWallet()
	older, olderClaims := NewDistribution(uuid.NewString(), []string{wallet, randomWallet()}, now().Add(-time.Hour))
	newer, newerClaims := NewDistribution(uuid.NewString(), []string{randomWallet(), wallet}, now())
	require.NoError(t, store.SaveDistribution(ctx, older, olderClaims))
	require.NoError(t, store.SaveDistribution(ctx, newer, newerClaims))

	// Lookup ignores address casing.
	open, err := store.ListUnclaimedByWallet(ctx, upper(wallet))
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, newerClaims[1].ID, open[0].ID, "newest claim first")
	assert.Equal(t, olderClaims[0].ID, open[1].ID)

	require.NoError(t, store.MarkClaimed(ctx, newerClaims[1].ID, randomTxHash()))

	open, err = store.ListUnclaimedByWallet(ctx, wallet)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, olderClaims[0].ID, open[0].ID)

	claimed, err := store.LoadClaim(ctx, newerClaims[1].ID)
	require.NoError(t, err)
	assert.True(t, claimed.Claimed)
	assert.NotEmpty(t, claimed.ClaimTxHash)
	assert.Equal(t, newerClaims[1].MerkleProof, claimed.MerkleProof, "claiming keeps merkle data")

	none, err := store.ListUnclaimedByWallet(ctx, randomWallet())
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Len(t, none, 0)
}

func testMarkClaimedMissing(t *testing.T, store persistence.IVaultPersistence) {
	defer func() { _ = store.Close() }()
	err := store.MarkClaimed(context.Background(), uuid.NewString(), randomTxHash())
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func testInvestmentLifecycle(t *testing.T, store persistence.IVaultPersistence) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	inv := NewInvestment(uuid.NewString(), now())
	require.NoError(t, store.SaveInvestment(ctx, inv))

	loaded, err := store.LoadInvestment(ctx, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, types.InvestmentStatusPending, loaded.Status)
	assert.True(t, inv.AmountUSDC.Equal(loaded.AmountUSDC))

	byTx, err := store.LoadInvestmentByTxHash(ctx, upper(inv.TxHash))
	require.NoError(t, err)
	require.NotNil(t, byTx)
	assert.Equal(t, inv.ID, byTx.ID)

	confirmedAt := now()
	reboundWallet := "0x00000000000000000000000000000000000000b1"
	require.NoError(t, store.UpdateInvestmentStatus(ctx, &types.InvestmentStatusUpdate{
		InvestmentID:  inv.ID,
		Status:        types.InvestmentStatusConfirmed,
		BlockNumber:   1234,
		WalletAddress: reboundWallet,
		TokenAmount:   decimal.RequireFromString("1000.000000000000000001"),
		UpdatedAt:     confirmedAt,
	}))

	loaded, err = store.LoadInvestment(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InvestmentStatusConfirmed, loaded.Status)
	assert.Equal(t, uint64(1234), loaded.BlockNumber)
	assert.Equal(t, reboundWallet, loaded.WalletAddress)
	assert.True(t, decimal.RequireFromString("1000.000000000000000001").Equal(loaded.TokenAmount), "got %s", loaded.TokenAmount)
	assert.True(t, inv.AmountUSDC.Equal(loaded.AmountUSDC))
	require.NotNil(t, loaded.ConfirmedAt)
	assert.True(t, confirmedAt.Equal(*loaded.ConfirmedAt))

	err = store.UpdateInvestmentStatus(ctx, &types.InvestmentStatusUpdate{
		InvestmentID: uuid.NewString(),
		Status:       types.InvestmentStatusFailed,
		UpdatedAt:    now(),
	})
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func testInvestmentUniqueTxHash(t *testing.T, store persistence.IVaultPersistence) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	inv := NewInvestment(uuid.NewString(), now())
	require.NoError(t, store.SaveInvestment(ctx, inv))

	dup := NewInvestment(inv.InventionID, now())
	dup.TxHash = inv.TxHash
	require.ErrorIs(t, store.SaveInvestment(ctx, dup), persistence.ErrAlreadyExists)

	again := *inv
	require.ErrorIs(t, store.SaveInvestment(ctx, &again), persistence.ErrAlreadyExists)

	missing, err := store.LoadInvestment(ctx, dup.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testInvestmentsByInvention(t *testing.T, store persistence.IVaultPersistence) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	inventionID := uuid.NewString()
	first := NewInvestment(inventionID, now().Add(-2*time.Minute))
	second := NewInvestment(inventionID, now().Add(-time.Minute))
	other := NewInvestment(uuid.NewString(), now())
	for _, inv := range []*types.Investment{first, second, other} {
		require.NoError(t, store.SaveInvestment(ctx, inv))
	}

	list, err := store.ListInvestmentsByInvention(ctx, inventionID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	empty, err := store.ListInvestmentsByInvention(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Len(t, empty, 0)
}

func testWatcherState(t *testing.T, store persistence.IVaultPersistence) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	contract := randomWallet()

	state, err := store.LoadWatcherState(ctx, contract)
	require.NoError(t, err)
	assert.Nil(t, state, "first run has no cursor")

	require.NoError(t, store.SaveWatcherState(ctx, &types.WatcherState{ContractAddress: contract, LastProcessedBlock: 10, UpdatedAt: now()}))
	require.NoError(t, store.SaveWatcherState(ctx, &types.WatcherState{ContractAddress: contract, LastProcessedBlock: 20, UpdatedAt: now()}))

	state, err = store.LoadWatcherState(ctx, upper(contract))
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, uint64(20), state.LastProcessedBlock)
}

func testNotFound(t *testing.T, store persistence.IVaultPersistence) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	dist, err := store.LoadDistribution(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, dist)

	claim, err := store.LoadClaim(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, claim)

	inv, err := store.LoadInvestmentByTxHash(ctx, randomTxHash())
	require.NoError(t, err)
	assert.Nil(t, inv)

	claims, err := store.ListClaims(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Len(t, claims, 0)
}

func testConcurrentInvestments(t *testing.T, store persistence.IVaultPersistence) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	inventionID := uuid.NewString()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.SaveInvestment(ctx, NewInvestment(inventionID, now()))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	list, err := store.ListInvestmentsByInvention(ctx, inventionID)
	require.NoError(t, err)
	assert.Len(t, list, 20)
}

func testClose(t *testing.T, store persistence.IVaultPersistence) {
	ctx := context.Background()
	require.NoError(t, store.HealthCheck(ctx))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "close is idempotent")

	_, err := store.LoadInvestment(ctx, uuid.NewString())
	require.ErrorIs(t, err, persistence.ErrClosed)
	require.ErrorIs(t, store.SaveInvestment(ctx, NewInvestment(uuid.NewString(), now())), persistence.ErrClosed)
	require.Error(t, store.HealthCheck(ctx))
}

func upper(s string) string {
	b := []byte(s)
	for i := 2; i < len(b); i++ {
		if b[i] >= 'a' && b[i] <= 'f' {
			b[i] -= 'a' - 'A'
		}
	}
	return string(b)
}
