package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ideacapital/vault-go/pkg/persistence"
	"github.com/ideacapital/vault-go/pkg/types"
	"go.uber.org/zap"
)

// MemoryPersistence keeps every record in process memory. It is meant for
// tests and local development; everything is lost on restart.
//
// Records are deep copied on the way in and out so callers can never mutate
// stored state.
type MemoryPersistence struct {
	mu sync.RWMutex

	distributions map[string]*types.Distribution
	claims        map[string]*types.DividendClaim
	// distributionID -> claim IDs in leaf order
	distClaims map[string][]string
	// wallet -> claim IDs
	walletClaims map[string][]string

	investments map[string]*types.Investment
	// tx hash -> investment ID
	investmentsByTx map[string]string
	// invention ID -> investment IDs
	investmentsByInvention map[string][]string

	watcherStates map[string]*types.WatcherState

	closed bool
}

func NewMemoryPersistence(logger *zap.Logger) *MemoryPersistence {
	if logger != nil {
		logger.Sugar().Warnw("Using in-memory persistence, all data will be lost on restart",
			"hint", "set VAULT_PERSISTENCE=postgres, redis or badger for production")
	}

	return &MemoryPersistence{
		distributions:          make(map[string]*types.Distribution),
		claims:                 make(map[string]*types.DividendClaim),
		distClaims:             make(map[string][]string),
		walletClaims:           make(map[string][]string),
		investments:            make(map[string]*types.Investment),
		investmentsByTx:        make(map[string]string),
		investmentsByInvention: make(map[string][]string),
		watcherStates:          make(map[string]*types.WatcherState),
	}
}

func (m *MemoryPersistence) SaveDistribution(_ context.Context, dist *types.Distribution, claims []*types.DividendClaim) error {
	if err := persistence.ValidateDistribution(dist, claims); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistence.ErrClosed
	}
	if _, exists := m.distributions[dist.ID]; exists {
		return fmt.Errorf("distribution %s: %w", dist.ID, persistence.ErrAlreadyExists)
	}
	for _, c := range claims {
		if _, exists := m.claims[c.ID]; exists {
			return fmt.Errorf("claim %s: %w", c.ID, persistence.ErrAlreadyExists)
		}
	}

	d := *dist
	m.distributions[dist.ID] = &d

	ids := make([]string, 0, len(claims))
	for _, c := range claims {
		m.claims[c.ID] = copyClaim(c)
		ids = append(ids, c.ID)
		wallet := persistence.WalletKey(c.WalletAddress)
		m.walletClaims[wallet] = append(m.walletClaims[wallet], c.ID)
	}
	m.distClaims[dist.ID] = ids

	return nil
}

func (m *MemoryPersistence) LoadDistribution(_ context.Context, id string) (*types.Distribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	dist, exists := m.distributions[id]
	if !exists {
		return nil, nil
	}
	d := *dist
	return &d, nil
}

func (m *MemoryPersistence) ListClaims(_ context.Context, distributionID string) ([]*types.DividendClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	result := make([]*types.DividendClaim, 0, len(m.distClaims[distributionID]))
	for _, id := range m.distClaims[distributionID] {
		result = append(result, copyClaim(m.claims[id]))
	}
	persistence.SortClaimsByIndex(result)
	return result, nil
}

func (m *MemoryPersistence) LoadClaim(_ context.Context, claimID string) (*types.DividendClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	c, exists := m.claims[claimID]
	if !exists {
		return nil, nil
	}
	return copyClaim(c), nil
}

func (m *MemoryPersistence) ListUnclaimedByWallet(_ context.Context, wallet string) ([]*types.DividendClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	result := make([]*types.DividendClaim, 0)
	for _, id := range m.walletClaims[persistence.WalletKey(wallet)] {
		c := m.claims[id]
		if c.Claimed {
			continue
		}
		result = append(result, copyClaim(c))
	}
	persistence.SortClaimsNewestFirst(result)
	return result, nil
}

func (m *MemoryPersistence) MarkClaimed(_ context.Context, claimID string, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistence.ErrClosed
	}

	c, exists := m.claims[claimID]
	if !exists {
		return fmt.Errorf("claim %s: %w", claimID, persistence.ErrNotFound)
	}
	c.Claimed = true
	c.ClaimTxHash = txHash
	return nil
}

func (m *MemoryPersistence) SaveInvestment(_ context.Context, inv *types.Investment) error {
	if err := persistence.ValidateInvestment(inv); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistence.ErrClosed
	}
	if _, exists := m.investments[inv.ID]; exists {
		return fmt.Errorf("investment %s: %w", inv.ID, persistence.ErrAlreadyExists)
	}
	txKey := persistence.TxHashKey(inv.TxHash)
	if _, exists := m.investmentsByTx[txKey]; exists {
		return fmt.Errorf("investment with tx %s: %w", inv.TxHash, persistence.ErrAlreadyExists)
	}

	m.investments[inv.ID] = copyInvestment(inv)
	m.investmentsByTx[txKey] = inv.ID
	m.investmentsByInvention[inv.InventionID] = append(m.investmentsByInvention[inv.InventionID], inv.ID)
	return nil
}

func (m *MemoryPersistence) LoadInvestment(_ context.Context, id string) (*types.Investment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	inv, exists := m.investments[id]
	if !exists {
		return nil, nil
	}
	return copyInvestment(inv), nil
}

func (m *MemoryPersistence) LoadInvestmentByTxHash(_ context.Context, txHash string) (*types.Investment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	id, exists := m.investmentsByTx[persistence.TxHashKey(txHash)]
	if !exists {
		return nil, nil
	}
	return copyInvestment(m.investments[id]), nil
}

func (m *MemoryPersistence) ListInvestmentsByInvention(_ context.Context, inventionID string) ([]*types.Investment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	ids := m.investmentsByInvention[inventionID]
	result := make([]*types.Investment, 0, len(ids))
	for _, id := range ids {
		result = append(result, copyInvestment(m.investments[id]))
	}
	persistence.SortInvestmentsNewestFirst(result)
	return result, nil
}

func (m *MemoryPersistence) UpdateInvestmentStatus(_ context.Context, update *types.InvestmentStatusUpdate) error {
	if update == nil {
		return fmt.Errorf("cannot apply nil InvestmentStatusUpdate")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistence.ErrClosed
	}

	inv, exists := m.investments[update.InvestmentID]
	if !exists {
		return fmt.Errorf("investment %s: %w", update.InvestmentID, persistence.ErrNotFound)
	}
	persistence.ApplyStatusUpdate(inv, update)
	return nil
}

func (m *MemoryPersistence) SaveWatcherState(_ context.Context, state *types.WatcherState) error {
	if state == nil {
		return fmt.Errorf("cannot save nil WatcherState")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistence.ErrClosed
	}

	s := *state
	m.watcherStates[persistence.WalletKey(state.ContractAddress)] = &s
	return nil
}

func (m *MemoryPersistence) LoadWatcherState(_ context.Context, contractAddress string) (*types.WatcherState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	state, exists := m.watcherStates[persistence.WalletKey(contractAddress)]
	if !exists {
		// First run
		return nil, nil
	}
	s := *state
	return &s, nil
}

func (m *MemoryPersistence) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

func (m *MemoryPersistence) HealthCheck(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return persistence.ErrClosed
	}
	return nil
}

func copyClaim(c *types.DividendClaim) *types.DividendClaim {
	if c == nil {
		return nil
	}
	out := *c
	out.MerkleProof = make([]string, len(c.MerkleProof))
	copy(out.MerkleProof, c.MerkleProof)
	return &out
}

func copyInvestment(inv *types.Investment) *types.Investment {
	if inv == nil {
		return nil
	}
	out := *inv
	if inv.ConfirmedAt != nil {
		at := *inv.ConfirmedAt
		out.ConfirmedAt = &at
	}
	return &out
}
