package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ideacapital/vault-go/pkg/persistence"
	"github.com/ideacapital/vault-go/pkg/types"
)

const (
	keyPrefixDistribution = "vault:dist:"
	keyPrefixClaim        = "vault:claim:"
	keyPrefixInvestment   = "vault:inv:"
	keyPrefixInvestmentTx = "vault:invtx:"
	keyPrefixWatcher      = "vault:watcher:"
	keySchemaVersion      = "vault:metadata:schema_version"
	currentSchemaVersion  = "v1"

	// Sorted set of claim IDs scored by leaf index
	keyPrefixDistClaims = "vault:distclaims:"
	// Set of claim IDs per lowercased wallet
	keyPrefixWalletClaims = "vault:walletclaims:"
	// Sorted set of investment IDs scored by creation time
	keyPrefixInvention = "vault:invention:"

	maxWatchRetries = 10
)

// RedisPersistence stores records as JSON strings with set based secondary indexes.
type RedisPersistence struct {
	client    *redis.Client
	logger    *zap.Logger
	keyPrefix string
	mu        sync.RWMutex
	closed    bool
}

type RedisConfig struct {
	// Address is the Redis server address (host:port)
	Address  string
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is prepended to every key for multi-tenant setups, e.g. "tenant-a:"
	// yields "tenant-a:vault:dist:<id>".
	KeyPrefix string
}

func NewRedisPersistence(cfg *RedisConfig, logger *zap.Logger) (*RedisPersistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	rp := &RedisPersistence{
		client:    client,
		logger:    logger,
		keyPrefix: cfg.KeyPrefix,
	}

	if err := rp.initSchema(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Sugar().Infow("Redis persistence initialized", "address", cfg.Address, "db", cfg.DB, "key_prefix", cfg.KeyPrefix)

	return rp, nil
}

func (r *RedisPersistence) prefixKey(key string) string {
	if r.keyPrefix == "" {
		return key
	}
	return r.keyPrefix + key
}

func (r *RedisPersistence) initSchema(ctx context.Context) error {
	schemaKey := r.prefixKey(keySchemaVersion)

	existingVersion, err := r.client.Get(ctx, schemaKey).Result()
	if errors.Is(err, redis.Nil) {
		return r.client.Set(ctx, schemaKey, currentSchemaVersion, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if existingVersion != currentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
	}
	return nil
}

func (r *RedisPersistence) checkOpen() error {
	if r.closed {
		return persistence.ErrClosed
	}
	return nil
}

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getBytes returns nil, nil for a missing key.
func (r *RedisPersistence) getBytes(ctx context.Context, c getter, key string) ([]byte, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

// watchUpdate runs a read-modify-write on key under WATCH, retrying when the key changes underneath.
func (r *RedisPersistence) watchUpdate(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := r.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("too many concurrent updates of %s", key)
}

func (r *RedisPersistence) SaveDistribution(ctx context.Context, dist *types.Distribution, claims []*types.DividendClaim) error {
	if err := persistence.ValidateDistribution(dist, claims); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return err
	}

	distData, err := persistence.MarshalDistribution(dist)
	if err != nil {
		return err
	}

	distKey := r.prefixKey(keyPrefixDistribution + dist.ID)
	created, err := r.client.SetNX(ctx, distKey, distData, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save Distribution: %w", err)
	}
	if !created {
		return fmt.Errorf("distribution %s: %w", dist.ID, persistence.ErrAlreadyExists)
	}

	pipe := r.client.TxPipeline()
	distClaimsKey := r.prefixKey(keyPrefixDistClaims + dist.ID)
	for _, c := range claims {
		data, err := persistence.MarshalDividendClaim(c)
		if err != nil {
			_ = r.client.Del(ctx, distKey).Err()
			return err
		}
		pipe.Set(ctx, r.prefixKey(keyPrefixClaim+c.ID), data, 0)
		pipe.ZAdd(ctx, distClaimsKey, redis.Z{Score: float64(c.Index), Member: c.ID})
		pipe.SAdd(ctx, r.prefixKey(keyPrefixWalletClaims+persistence.WalletKey(c.WalletAddress)), c.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// Leave no half written distribution behind.
		if delErr := r.client.Del(ctx, distKey).Err(); delErr != nil {
			r.logger.Sugar().Errorw("Failed to roll back distribution", "distributionId", dist.ID, "error", delErr)
		}
		return fmt.Errorf("failed to save claims: %w", err)
	}
	return nil
}

func (r *RedisPersistence) LoadDistribution(ctx context.Context, id string) (*types.Distribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	data, err := r.getBytes(ctx, r.client, r.prefixKey(keyPrefixDistribution+id))
	if err != nil {
		return nil, fmt.Errorf("failed to load Distribution: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return persistence.UnmarshalDistribution(data)
}

// loadClaims fetches claims by ID with MGET, dropping index entries whose record is gone.
func (r *RedisPersistence) loadClaims(ctx context.Context, ids []string) ([]*types.DividendClaim, error) {
	result := make([]*types.DividendClaim, 0, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.prefixKey(keyPrefixClaim + id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch claims: %w", err)
	}

	for i, val := range values {
		data, ok := val.(string)
		if !ok {
			if val != nil {
				r.logger.Sugar().Warnw("Unexpected value type for DividendClaim", "key", keys[i])
			}
			continue
		}
		c, err := persistence.UnmarshalDividendClaim([]byte(data))
		if err != nil {
			r.logger.Sugar().Warnw("Failed to unmarshal DividendClaim, skipping", "key", keys[i], "error", err)
			continue
		}
		result = append(result, c)
	}
	return result, nil
}

func (r *RedisPersistence) ListClaims(ctx context.Context, distributionID string) ([]*types.DividendClaim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := r.client.ZRange(ctx, r.prefixKey(keyPrefixDistClaims+distributionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list claim IDs: %w", err)
	}
	claims, err := r.loadClaims(ctx, ids)
	if err != nil {
		return nil, err
	}
	persistence.SortClaimsByIndex(claims)
	return claims, nil
}

func (r *RedisPersistence) LoadClaim(ctx context.Context, claimID string) (*types.DividendClaim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	data, err := r.getBytes(ctx, r.client, r.prefixKey(keyPrefixClaim+claimID))
	if err != nil {
		return nil, fmt.Errorf("failed to load DividendClaim: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return persistence.UnmarshalDividendClaim(data)
}

func (r *RedisPersistence) ListUnclaimedByWallet(ctx context.Context, wallet string) ([]*types.DividendClaim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := r.client.SMembers(ctx, r.prefixKey(keyPrefixWalletClaims+persistence.WalletKey(wallet))).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet claims: %w", err)
	}
	claims, err := r.loadClaims(ctx, ids)
	if err != nil {
		return nil, err
	}

	open := make([]*types.DividendClaim, 0, len(claims))
	for _, c := range claims {
		if !c.Claimed {
			open = append(open, c)
		}
	}
	persistence.SortClaimsNewestFirst(open)
	return open, nil
}

func (r *RedisPersistence) MarkClaimed(ctx context.Context, claimID string, txHash string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return err
	}

	key := r.prefixKey(keyPrefixClaim + claimID)
	return r.watchUpdate(ctx, key, func(tx *redis.Tx) error {
		data, err := r.getBytes(ctx, tx, key)
		if err != nil {
			return err
		}
		if data == nil {
			return fmt.Errorf("claim %s: %w", claimID, persistence.ErrNotFound)
		}
		c, err := persistence.UnmarshalDividendClaim(data)
		if err != nil {
			return err
		}
		c.Claimed = true
		c.ClaimTxHash = txHash
		updated, err := persistence.MarshalDividendClaim(c)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	})
}

func (r *RedisPersistence) SaveInvestment(ctx context.Context, inv *types.Investment) error {
	if err := persistence.ValidateInvestment(inv); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return err
	}

	data, err := persistence.MarshalInvestment(inv)
	if err != nil {
		return err
	}

	// The tx hash key is the uniqueness guard.
	txKey := r.prefixKey(keyPrefixInvestmentTx + persistence.TxHashKey(inv.TxHash))
	claimed, err := r.client.SetNX(ctx, txKey, inv.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve tx hash: %w", err)
	}
	if !claimed {
		return fmt.Errorf("investment with tx %s: %w", inv.TxHash, persistence.ErrAlreadyExists)
	}

	created, err := r.client.SetNX(ctx, r.prefixKey(keyPrefixInvestment+inv.ID), data, 0).Result()
	if err != nil || !created {
		_ = r.client.Del(ctx, txKey).Err()
		if err != nil {
			return fmt.Errorf("failed to save Investment: %w", err)
		}
		return fmt.Errorf("investment %s: %w", inv.ID, persistence.ErrAlreadyExists)
	}

	score := float64(inv.CreatedAt.UnixMicro())
	if err := r.client.ZAdd(ctx, r.prefixKey(keyPrefixInvention+inv.InventionID), redis.Z{Score: score, Member: inv.ID}).Err(); err != nil {
		return fmt.Errorf("failed to index Investment: %w", err)
	}
	return nil
}

func (r *RedisPersistence) loadInvestment(ctx context.Context, c getter, id string) (*types.Investment, error) {
	data, err := r.getBytes(ctx, c, r.prefixKey(keyPrefixInvestment+id))
	if err != nil {
		return nil, fmt.Errorf("failed to load Investment: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return persistence.UnmarshalInvestment(data)
}

func (r *RedisPersistence) LoadInvestment(ctx context.Context, id string) (*types.Investment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	return r.loadInvestment(ctx, r.client, id)
}

func (r *RedisPersistence) LoadInvestmentByTxHash(ctx context.Context, txHash string) (*types.Investment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	id, err := r.client.Get(ctx, r.prefixKey(keyPrefixInvestmentTx+persistence.TxHashKey(txHash))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tx hash: %w", err)
	}
	return r.loadInvestment(ctx, r.client, id)
}

func (r *RedisPersistence) ListInvestmentsByInvention(ctx context.Context, inventionID string) ([]*types.Investment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	indexKey := r.prefixKey(keyPrefixInvention + inventionID)
	ids, err := r.client.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list investment IDs: %w", err)
	}

	result := make([]*types.Investment, 0, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.prefixKey(keyPrefixInvestment + id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch investments: %w", err)
	}
	for i, val := range values {
		if val == nil {
			// Index entry without a record; clean up.
			r.client.ZRem(ctx, indexKey, ids[i])
			continue
		}
		data, ok := val.(string)
		if !ok {
			r.logger.Sugar().Warnw("Unexpected value type for Investment", "key", keys[i])
			continue
		}
		inv, err := persistence.UnmarshalInvestment([]byte(data))
		if err != nil {
			r.logger.Sugar().Warnw("Failed to unmarshal Investment, skipping", "key", keys[i], "error", err)
			continue
		}
		result = append(result, inv)
	}
	persistence.SortInvestmentsNewestFirst(result)
	return result, nil
}

func (r *RedisPersistence) UpdateInvestmentStatus(ctx context.Context, update *types.InvestmentStatusUpdate) error {
	if update == nil {
		return fmt.Errorf("cannot apply nil InvestmentStatusUpdate")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return err
	}

	key := r.prefixKey(keyPrefixInvestment + update.InvestmentID)
	return r.watchUpdate(ctx, key, func(tx *redis.Tx) error {
		inv, err := r.loadInvestment(ctx, tx, update.InvestmentID)
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
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	})
}

func (r *RedisPersistence) SaveWatcherState(ctx context.Context, state *types.WatcherState) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return err
	}

	data, err := persistence.MarshalWatcherState(state)
	if err != nil {
		return err
	}
	key := r.prefixKey(keyPrefixWatcher + persistence.WalletKey(state.ContractAddress))
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save WatcherState: %w", err)
	}
	return nil
}

func (r *RedisPersistence) LoadWatcherState(ctx context.Context, contractAddress string) (*types.WatcherState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	data, err := r.getBytes(ctx, r.client, r.prefixKey(keyPrefixWatcher+persistence.WalletKey(contractAddress)))
	if err != nil {
		return nil, fmt.Errorf("failed to load WatcherState: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return persistence.UnmarshalWatcherState(data)
}

// Close is idempotent.
func (r *RedisPersistence) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	r.logger.Sugar().Info("Redis persistence closed")
	return nil
}

func (r *RedisPersistence) HealthCheck(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Client exposes the underlying connection so other components, such as the
// stream transport, can share it.
func (r *RedisPersistence) Client() *redis.Client {
	return r.client
}
