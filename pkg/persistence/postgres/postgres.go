package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ideacapital/vault-go/pkg/persistence"
	"github.com/ideacapital/vault-go/pkg/types"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

const uniqueViolation = "23505"

type PostgresConfig struct {
	// URL is a postgres:// connection string
	URL string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// RunMigrations applies the embedded goose migrations on startup.
	RunMigrations bool
}

// PostgresPersistence is the relational store. Decimal columns are NUMERIC and
// travel as text so no precision is lost in either direction.
type PostgresPersistence struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

func NewPostgresPersistence(ctx context.Context, cfg *PostgresConfig, logger *zap.Logger) (*PostgresPersistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres config cannot be nil")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres URL cannot be empty")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if cfg.RunMigrations {
		if err := RunMigrations(cfg.URL, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}

	logger.Sugar().Infow("Postgres persistence initialized",
		"host", poolConfig.ConnConfig.Host,
		"database", poolConfig.ConnConfig.Database,
		"maxConns", poolConfig.MaxConns,
	)

	return &PostgresPersistence{pool: pool, logger: logger}, nil
}

// RunMigrations applies all pending migrations with goose.
func RunMigrations(connStr string, logger *zap.Logger) error {
	logger.Sugar().Infow("Running PostgreSQL migrations")

	goose.SetBaseFS(EmbedMigrations)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Sugar().Infow("PostgreSQL migrations completed")
	return nil
}

func (p *PostgresPersistence) checkOpen() error {
	if p.closed {
		return persistence.ErrClosed
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func parseDecimal(s string, column string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", column, s, err)
	}
	return d, nil
}

// NUMERIC parameters are bound as text and cast server side.
const (
	insertDistribution = `
INSERT INTO distributions (id, invention_id, merkle_root, total_revenue, total_fees, claim_count, created_at)
VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6, $7)
ON CONFLICT (id) DO NOTHING`

	insertClaim = `
INSERT INTO dividend_claims (id, distribution_id, idx, recipient_type, wallet_address, amount, amount_units, merkle_proof, claimed, claim_tx_hash, created_at)
VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8, $9, $10, $11)`

	selectDistribution = `
SELECT id, invention_id, merkle_root, total_revenue::text, total_fees::text, claim_count, created_at
FROM distributions WHERE id = $1`

	claimColumns = `id, distribution_id, idx, recipient_type, wallet_address, amount::text, amount_units, merkle_proof, claimed, claim_tx_hash, created_at`

	insertInvestment = `
INSERT INTO investments (id, invention_id, wallet_address, amount_usdc, tx_hash, status, block_number, token_amount, failure_reason, created_at, confirmed_at)
VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7, $8::text::numeric, $9, $10, $11)`

	investmentColumns = `id, invention_id, wallet_address, amount_usdc::text, tx_hash, status, block_number, token_amount::text, failure_reason, created_at, confirmed_at`

	updateInvestment = `
UPDATE investments
SET status = $2, block_number = $3, amount_usdc = $4::text::numeric, token_amount = $5::text::numeric, failure_reason = $6, confirmed_at = $7, wallet_address = $8
WHERE id = $1`

	upsertWatcherState = `
INSERT INTO watcher_state (contract_address, last_processed_block, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (contract_address) DO UPDATE
SET last_processed_block = EXCLUDED.last_processed_block, updated_at = EXCLUDED.updated_at`
)

func (p *PostgresPersistence) SaveDistribution(ctx context.Context, dist *types.Distribution, claims []*types.DividendClaim) error {
	if err := persistence.ValidateDistribution(dist, claims); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkOpen(); err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertDistribution,
			dist.ID, dist.InventionID, dist.MerkleRoot,
			dist.TotalRevenue.String(), dist.TotalFees.String(),
			dist.ClaimCount, dist.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert distribution: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("distribution %s: %w", dist.ID, persistence.ErrAlreadyExists)
		}

		batch := &pgx.Batch{}
		for _, c := range claims {
			proof := c.MerkleProof
			if proof == nil {
				proof = []string{}
			}
			batch.Queue(insertClaim,
				c.ID, c.DistributionID, c.Index, string(c.RecipientType), c.WalletAddress,
				c.Amount.String(), c.AmountUnits, proof, c.Claimed, c.ClaimTxHash, c.CreatedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("claims of distribution %s: %w", dist.ID, persistence.ErrAlreadyExists)
			}
			return fmt.Errorf("failed to insert claims: %w", err)
		}
		return nil
	})
}

func (p *PostgresPersistence) LoadDistribution(ctx context.Context, id string) (*types.Distribution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	var (
		d                 types.Distribution
		revenue, feeTotal string
	)
	err := p.pool.QueryRow(ctx, selectDistribution, id).Scan(
		&d.ID, &d.InventionID, &d.MerkleRoot, &revenue, &feeTotal, &d.ClaimCount, &d.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load Distribution: %w", err)
	}
	if d.TotalRevenue, err = parseDecimal(revenue, "total_revenue"); err != nil {
		return nil, err
	}
	if d.TotalFees, err = parseDecimal(feeTotal, "total_fees"); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanClaim(row pgx.Row) (*types.DividendClaim, error) {
	var (
		c             types.DividendClaim
		recipientType string
		amount        string
	)
	if err := row.Scan(
		&c.ID, &c.DistributionID, &c.Index, &recipientType, &c.WalletAddress,
		&amount, &c.AmountUnits, &c.MerkleProof, &c.Claimed, &c.ClaimTxHash, &c.CreatedAt,
	); err != nil {
		return nil, err
	}
	c.RecipientType = types.RecipientType(recipientType)
	var err error
	if c.Amount, err = parseDecimal(amount, "amount"); err != nil {
		return nil, err
	}
	if c.MerkleProof == nil {
		c.MerkleProof = []string{}
	}
	return &c, nil
}

func (p *PostgresPersistence) queryClaims(ctx context.Context, query string, args ...any) ([]*types.DividendClaim, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	defer rows.Close()

	result := make([]*types.DividendClaim, 0)
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claims: %w", err)
	}
	return result, nil
}

func (p *PostgresPersistence) ListClaims(ctx context.Context, distributionID string) ([]*types.DividendClaim, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	return p.queryClaims(ctx,
		`SELECT `+claimColumns+` FROM dividend_claims WHERE distribution_id = $1 ORDER BY idx`,
		distributionID,
	)
}

func (p *PostgresPersistence) LoadClaim(ctx context.Context, claimID string) (*types.DividendClaim, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	c, err := scanClaim(p.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM dividend_claims WHERE id = $1`, claimID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load DividendClaim: %w", err)
	}
	return c, nil
}

func (p *PostgresPersistence) ListUnclaimedByWallet(ctx context.Context, wallet string) ([]*types.DividendClaim, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	return p.queryClaims(ctx,
		`SELECT `+claimColumns+` FROM dividend_claims
WHERE lower(wallet_address) = $1 AND NOT claimed
ORDER BY created_at DESC, distribution_id, idx`,
		persistence.WalletKey(wallet),
	)
}

func (p *PostgresPersistence) MarkClaimed(ctx context.Context, claimID string, txHash string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkOpen(); err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx, `UPDATE dividend_claims SET claimed = TRUE, claim_tx_hash = $2 WHERE id = $1`, claimID, txHash)
	if err != nil {
		return fmt.Errorf("failed to mark claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("claim %s: %w", claimID, persistence.ErrNotFound)
	}
	return nil
}

func (p *PostgresPersistence) SaveInvestment(ctx context.Context, inv *types.Investment) error {
	if err := persistence.ValidateInvestment(inv); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkOpen(); err != nil {
		return err
	}

	_, err := p.pool.Exec(ctx, insertInvestment,
		inv.ID, inv.InventionID, inv.WalletAddress, inv.AmountUSDC.String(), inv.TxHash,
		string(inv.Status), int64(inv.BlockNumber), inv.TokenAmount.String(), inv.FailureReason,
		inv.CreatedAt, inv.ConfirmedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("investment %s (tx %s): %w", inv.ID, inv.TxHash, persistence.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert investment: %w", err)
	}
	return nil
}

func scanInvestment(row pgx.Row) (*types.Investment, error) {
	var (
		inv                 types.Investment
		status              string
		amount, tokenAmount string
		blockNumber         int64
	)
	if err := row.Scan(
		&inv.ID, &inv.InventionID, &inv.WalletAddress, &amount, &inv.TxHash, &status,
		&blockNumber, &tokenAmount, &inv.FailureReason, &inv.CreatedAt, &inv.ConfirmedAt,
	); err != nil {
		return nil, err
	}
	inv.Status = types.InvestmentStatus(status)
	inv.BlockNumber = uint64(blockNumber)
	var err error
	if inv.AmountUSDC, err = parseDecimal(amount, "amount_usdc"); err != nil {
		return nil, err
	}
	if inv.TokenAmount, err = parseDecimal(tokenAmount, "token_amount"); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (p *PostgresPersistence) loadInvestmentWhere(ctx context.Context, where string, arg string) (*types.Investment, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	inv, err := scanInvestment(p.pool.QueryRow(ctx, `SELECT `+investmentColumns+` FROM investments WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load Investment: %w", err)
	}
	return inv, nil
}

func (p *PostgresPersistence) LoadInvestment(ctx context.Context, id string) (*types.Investment, error) {
	return p.loadInvestmentWhere(ctx, `id = $1`, id)
}

func (p *PostgresPersistence) LoadInvestmentByTxHash(ctx context.Context, txHash string) (*types.Investment, error) {
	return p.loadInvestmentWhere(ctx, `lower(tx_hash) = $1`, persistence.TxHashKey(txHash))
}

func (p *PostgresPersistence) ListInvestmentsByInvention(ctx context.Context, inventionID string) ([]*types.Investment, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx,
		`SELECT `+investmentColumns+` FROM investments WHERE invention_id = $1 ORDER BY created_at DESC, id`,
		inventionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query investments: %w", err)
	}
	defer rows.Close()

	result := make([]*types.Investment, 0)
	for rows.Next() {
		inv, err := scanInvestment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan investment: %w", err)
		}
		result = append(result, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read investments: %w", err)
	}
	return result, nil
}

func (p *PostgresPersistence) UpdateInvestmentStatus(ctx context.Context, update *types.InvestmentStatusUpdate) error {
	if update == nil {
		return fmt.Errorf("cannot apply nil InvestmentStatusUpdate")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkOpen(); err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		inv, err := scanInvestment(tx.QueryRow(ctx,
			`SELECT `+investmentColumns+` FROM investments WHERE id = $1 FOR UPDATE`, update.InvestmentID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("investment %s: %w", update.InvestmentID, persistence.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock investment: %w", err)
		}

		persistence.ApplyStatusUpdate(inv, update)
		_, err = tx.Exec(ctx, updateInvestment,
			inv.ID, string(inv.Status), int64(inv.BlockNumber), inv.AmountUSDC.String(),
			inv.TokenAmount.String(), inv.FailureReason, inv.ConfirmedAt, inv.WalletAddress,
		)
		if err != nil {
			return fmt.Errorf("failed to update investment: %w", err)
		}
		return nil
	})
}

func (p *PostgresPersistence) SaveWatcherState(ctx context.Context, state *types.WatcherState) error {
	if state == nil {
		return fmt.Errorf("cannot save nil WatcherState")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkOpen(); err != nil {
		return err
	}

	_, err := p.pool.Exec(ctx, upsertWatcherState,
		persistence.WalletKey(state.ContractAddress), int64(state.LastProcessedBlock), state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save WatcherState: %w", err)
	}
	return nil
}

func (p *PostgresPersistence) LoadWatcherState(ctx context.Context, contractAddress string) (*types.WatcherState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	var (
		state types.WatcherState
		block int64
	)
	err := p.pool.QueryRow(ctx,
		`SELECT contract_address, last_processed_block, updated_at FROM watcher_state WHERE contract_address = $1`,
		persistence.WalletKey(contractAddress),
	).Scan(&state.ContractAddress, &block, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load WatcherState: %w", err)
	}
	state.LastProcessedBlock = uint64(block)
	return &state, nil
}

// Close is idempotent.
func (p *PostgresPersistence) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.pool.Close()
	p.logger.Sugar().Info("Postgres persistence closed")
	return nil
}

func (p *PostgresPersistence) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkOpen(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}
