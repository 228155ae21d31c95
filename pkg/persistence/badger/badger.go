package badger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/ideacapital/vault-go/pkg/persistence"
	"github.com/ideacapital/vault-go/pkg/types"
)

// Key layout. Index keys carry the referenced ID as their last segment and an empty value.
const (
	keyPrefixDistribution  = "dist:"
	keyPrefixClaim         = "claim:"
	keyPrefixDistClaims    = "distclaims:"
	keyPrefixWalletClaims  = "walletclaims:"
	keyPrefixInvestment    = "inv:"
	keyPrefixInvestmentTx  = "invtx:"
	keyPrefixInvention     = "invinvention:"
	keyPrefixWatcher       = "watcher:"
	keySchemaVersion       = "metadata:schema_version"
	currentSchemaVersion   = "v1"
	maxConflictRetries     = 5
	defaultGCInterval      = 5 * time.Minute
	valueLogGCDiscardRatio = 0.5
)

// BadgerPersistence is the embedded, disk backed store. Writes are fsynced.
type BadgerPersistence struct {
	db       *badgerdb.DB
	logger   *zap.Logger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

// NewBadgerPersistence opens (or creates) the database at dataPath and starts
// background value log GC.
func NewBadgerPersistence(dataPath string, logger *zap.Logger) (*BadgerPersistence, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = newBadgerLoggerAdapter(logger)
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", absPath, err)
	}

	bp := &BadgerPersistence{
		db:     db,
		logger: logger,
	}

	if err := bp.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bp.gcCancel = cancel
	bp.gcWg.Add(1)
	go bp.runGC(ctx)

	logger.Sugar().Infow("Badger persistence initialized", "path", absPath)

	return bp, nil
}

func (b *BadgerPersistence) initSchema() error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		var existingVersion string
		if err := item.Value(func(val []byte) error {
			existingVersion = string(val)
			return nil
		}); err != nil {
			return fmt.Errorf("failed to read schema version value: %w", err)
		}
		if existingVersion != currentSchemaVersion {
			return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
		}
		return nil
	})
}

func (b *BadgerPersistence) runGC(ctx context.Context) {
	defer b.gcWg.Done()

	ticker := time.NewTicker(defaultGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.db.RunValueLogGC(valueLogGCDiscardRatio)
			if err != nil && !errors.Is(err, badgerdb.ErrNoRewrite) {
				b.logger.Sugar().Warnw("Badger GC error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// update runs fn in a read-write transaction, retrying on optimistic conflicts.
func (b *BadgerPersistence) update(fn func(txn *badgerdb.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
	}
	return err
}

func (b *BadgerPersistence) checkOpen() error {
	if b.closed {
		return persistence.ErrClosed
	}
	return nil
}

func getValue(txn *badgerdb.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func exists(txn *badgerdb.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// scanSuffixes returns the trailing segment of every key under prefix, in key order.
func scanSuffixes(txn *badgerdb.Txn, prefix string) []string {
	opts := badgerdb.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
		key := string(it.Item().Key())
		out = append(out, key[len(prefix):])
	}
	return out
}

func distClaimKey(distID string, index int) string {
	return fmt.Sprintf("%s%s:%08d", keyPrefixDistClaims, distID, index)
}

func walletClaimKey(wallet, claimID string) string {
	return keyPrefixWalletClaims + persistence.WalletKey(wallet) + ":" + claimID
}

func inventionKey(inventionID, investmentID string) string {
	return keyPrefixInvention + inventionID + ":" + investmentID
}

func (b *BadgerPersistence) SaveDistribution(_ context.Context, dist *types.Distribution, claims []*types.DividendClaim) error {
	if err := persistence.ValidateDistribution(dist, claims); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	distData, err := persistence.MarshalDistribution(dist)
	if err != nil {
		return err
	}

	return b.update(func(txn *badgerdb.Txn) error {
		found, err := exists(txn, keyPrefixDistribution+dist.ID)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("distribution %s: %w", dist.ID, persistence.ErrAlreadyExists)
		}
		if err := txn.Set([]byte(keyPrefixDistribution+dist.ID), distData); err != nil {
			return err
		}

		for _, c := range claims {
			data, err := persistence.MarshalDividendClaim(c)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(keyPrefixClaim+c.ID), data); err != nil {
				return err
			}
			if err := txn.Set([]byte(distClaimKey(dist.ID, c.Index)), []byte(c.ID)); err != nil {
				return err
			}
			if err := txn.Set([]byte(walletClaimKey(c.WalletAddress, c.ID)), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerPersistence) LoadDistribution(_ context.Context, id string) (*types.Distribution, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		var err error
		data, err = getValue(txn, keyPrefixDistribution+id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load Distribution: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return persistence.UnmarshalDistribution(data)
}

func (b *BadgerPersistence) ListClaims(_ context.Context, distributionID string) ([]*types.DividendClaim, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	result := make([]*types.DividendClaim, 0)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		prefix := []byte(keyPrefixDistClaims + distributionID + ":")
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			claimID, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read value: %w", err)
			}
			c, err := loadClaim(txn, string(claimID))
			if err != nil {
				return err
			}
			if c != nil {
				result = append(result, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	persistence.SortClaimsByIndex(result)
	return result, nil
}

func loadClaim(txn *badgerdb.Txn, claimID string) (*types.DividendClaim, error) {
	data, err := getValue(txn, keyPrefixClaim+claimID)
	if err != nil || data == nil {
		return nil, err
	}
	return persistence.UnmarshalDividendClaim(data)
}

func (b *BadgerPersistence) LoadClaim(_ context.Context, claimID string) (*types.DividendClaim, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var claim *types.DividendClaim
	err := b.db.View(func(txn *badgerdb.Txn) error {
		var err error
		claim, err = loadClaim(txn, claimID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load DividendClaim: %w", err)
	}
	return claim, nil
}

func (b *BadgerPersistence) ListUnclaimedByWallet(_ context.Context, wallet string) ([]*types.DividendClaim, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	result := make([]*types.DividendClaim, 0)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		for _, claimID := range scanSuffixes(txn, keyPrefixWalletClaims+persistence.WalletKey(wallet)+":") {
			c, err := loadClaim(txn, claimID)
			if err != nil {
				return err
			}
			if c != nil && !c.Claimed {
				result = append(result, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet claims: %w", err)
	}
	persistence.SortClaimsNewestFirst(result)
	return result, nil
}

func (b *BadgerPersistence) MarkClaimed(_ context.Context, claimID string, txHash string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.update(func(txn *badgerdb.Txn) error {
		c, err := loadClaim(txn, claimID)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("claim %s: %w", claimID, persistence.ErrNotFound)
		}
		c.Claimed = true
		c.ClaimTxHash = txHash
		data, err := persistence.MarshalDividendClaim(c)
		if err != nil {
			return err
		}
		return txn.Set([]byte(keyPrefixClaim+claimID), data)
	})
}

func (b *BadgerPersistence) SaveInvestment(_ context.Context, inv *types.Investment) error {
	if err := persistence.ValidateInvestment(inv); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := persistence.MarshalInvestment(inv)
	if err != nil {
		return err
	}
	txKey := keyPrefixInvestmentTx + persistence.TxHashKey(inv.TxHash)

	return b.update(func(txn *badgerdb.Txn) error {
		for _, key := range []string{keyPrefixInvestment + inv.ID, txKey} {
			found, err := exists(txn, key)
			if err != nil {
				return err
			}
			if found {
				return fmt.Errorf("investment %s (tx %s): %w", inv.ID, inv.TxHash, persistence.ErrAlreadyExists)
			}
		}
		if err := txn.Set([]byte(keyPrefixInvestment+inv.ID), data); err != nil {
			return err
		}
		if err := txn.Set([]byte(txKey), []byte(inv.ID)); err != nil {
			return err
		}
		return txn.Set([]byte(inventionKey(inv.InventionID, inv.ID)), nil)
	})
}

func loadInvestment(txn *badgerdb.Txn, id string) (*types.Investment, error) {
	data, err := getValue(txn, keyPrefixInvestment+id)
	if err != nil || data == nil {
		return nil, err
	}
	return persistence.UnmarshalInvestment(data)
}

func (b *BadgerPersistence) LoadInvestment(_ context.Context, id string) (*types.Investment, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var inv *types.Investment
	err := b.db.View(func(txn *badgerdb.Txn) error {
		var err error
		inv, err = loadInvestment(txn, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load Investment: %w", err)
	}
	return inv, nil
}

func (b *BadgerPersistence) LoadInvestmentByTxHash(_ context.Context, txHash string) (*types.Investment, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var inv *types.Investment
	err := b.db.View(func(txn *badgerdb.Txn) error {
		id, err := getValue(txn, keyPrefixInvestmentTx+persistence.TxHashKey(txHash))
		if err != nil || id == nil {
			return err
		}
		inv, err = loadInvestment(txn, string(id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load Investment by tx hash: %w", err)
	}
	return inv, nil
}

func (b *BadgerPersistence) ListInvestmentsByInvention(_ context.Context, inventionID string) ([]*types.Investment, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	result := make([]*types.Investment, 0)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		for _, id := range scanSuffixes(txn, keyPrefixInvention+inventionID+":") {
			inv, err := loadInvestment(txn, id)
			if err != nil {
				return err
			}
			if inv != nil {
				result = append(result, inv)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list investments: %w", err)
	}
	persistence.SortInvestmentsNewestFirst(result)
	return result, nil
}

func (b *BadgerPersistence) UpdateInvestmentStatus(_ context.Context, update *types.InvestmentStatusUpdate) error {
	if update == nil {
		return fmt.Errorf("cannot apply nil InvestmentStatusUpdate")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.update(func(txn *badgerdb.Txn) error {
		inv, err := loadInvestment(txn, update.InvestmentID)
		if err != nil {
			return err
		}
		if inv == nil {
			return fmt.Errorf("investment %s: %w", update.InvestmentID, persistence.ErrNotFound)
		}
		persistence.ApplyStatusUpdate(inv, update)
		data, err := persistence.MarshalInvestment(inv)
		if err != nil {
			return err
		}
		return txn.Set([]byte(keyPrefixInvestment+inv.ID), data)
	})
}

func (b *BadgerPersistence) SaveWatcherState(_ context.Context, state *types.WatcherState) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := persistence.MarshalWatcherState(state)
	if err != nil {
		return err
	}
	return b.update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(keyPrefixWatcher+persistence.WalletKey(state.ContractAddress)), data)
	})
}

func (b *BadgerPersistence) LoadWatcherState(_ context.Context, contractAddress string) (*types.WatcherState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		var err error
		data, err = getValue(txn, keyPrefixWatcher+persistence.WalletKey(contractAddress))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load WatcherState: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return persistence.UnmarshalWatcherState(data)
}

// Close stops GC and closes the database. Safe to call more than once.
func (b *BadgerPersistence) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.gcCancel != nil {
		b.gcCancel()
	}
	b.gcWg.Wait()

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}

	b.logger.Sugar().Info("Badger persistence closed")
	return nil
}

func (b *BadgerPersistence) HealthCheck(_ context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(keySchemaVersion))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("schema version not found - database may be corrupted")
		}
		return err
	})
}
