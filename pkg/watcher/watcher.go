// Package watcher follows the crowdsale contract and records Investment
// events that reached the configured confirmation depth.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ideacapital/vault-go/pkg/chain"
	"github.com/ideacapital/vault-go/pkg/events"
	"github.com/ideacapital/vault-go/pkg/investment"
	"github.com/ideacapital/vault-go/pkg/metrics"
	"github.com/ideacapital/vault-go/pkg/persistence"
	"github.com/ideacapital/vault-go/pkg/types"
	"github.com/ideacapital/vault-go/pkg/util"
)

const (
	DefaultPollInterval  = 12 * time.Second
	DefaultMaxBlockRange = uint64(2000)
)

// IRecorder receives decoded Investment events.
type IRecorder interface {
	RecordChainEvent(ctx context.Context, ev *investment.ChainInvestment) error
}

type Config struct {
	ContractAddress string
	InventionID     string

	// ConfirmationDepth is how many blocks an event must be buried under before it is recorded.
	ConfirmationDepth uint64

	// StartBlock is used when no cursor has been persisted yet. Zero starts at the current safe head.
	StartBlock uint64

	MaxBlockRange uint64
	PollInterval  time.Duration
	Clock         clockwork.Clock
}

func (c *Config) Validate() error {
	if c.InventionID == "" {
		return errors.New("invention id is required")
	}
	if _, err := util.ParseAddress(c.ContractAddress); err != nil {
		return fmt.Errorf("contract address: %w", err)
	}
	if c.PollInterval < 0 {
		return errors.New("poll interval must not be negative")
	}
	return nil
}

type Watcher struct {
	client   chain.IChainClient
	store    persistence.IVaultPersistence
	recorder IRecorder
	cfg      Config
	contract common.Address
	cursorID string
	logger   *zap.Logger
}

func NewWatcher(
	client chain.IChainClient,
	store persistence.IVaultPersistence,
	recorder IRecorder,
	cfg *Config,
	logger *zap.Logger,
) (*Watcher, error) {
	if cfg == nil {
		return nil, errors.New("watcher config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Watcher{
		client:   client,
		store:    store,
		recorder: recorder,
		cfg:      *cfg,
		logger:   logger,
	}
	w.contract, _ = util.ParseAddress(cfg.ContractAddress)
	w.cursorID = util.FormatAddress(w.contract)
	if w.cfg.MaxBlockRange == 0 {
		w.cfg.MaxBlockRange = DefaultMaxBlockRange
	}
	if w.cfg.PollInterval == 0 {
		w.cfg.PollInterval = DefaultPollInterval
	}
	if w.cfg.Clock == nil {
		w.cfg.Clock = clockwork.NewRealClock()
	}
	return w, nil
}

// Run polls until ctx is done. Poll failures are logged and retried on the next tick.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Sugar().Infow("Chain watcher starting",
		"contract", w.cursorID,
		"inventionId", w.cfg.InventionID,
		"confirmationDepth", w.cfg.ConfirmationDepth,
		"pollInterval", w.cfg.PollInterval.String(),
	)

	w.safePoll(ctx)

	ticker := w.cfg.Clock.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Sugar().Infow("Chain watcher exiting due to context done")
			return nil
		case <-ticker.Chan():
			w.safePoll(ctx)
		}
	}
}

func (w *Watcher) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Sugar().Errorw("Chain watcher poll panicked", "panic", r)
		}
	}()

	if _, err := w.Poll(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.logger.Sugar().Warnw("Chain watcher poll failed", "error", err)
	}
}

// Poll processes every confirmed block after the cursor and returns the last
// block now covered. The cursor only moves past a range once all of its
// events were recorded.
func (w *Watcher) Poll(ctx context.Context) (uint64, error) {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if head < w.cfg.ConfirmationDepth {
		return 0, nil
	}
	safe := head - w.cfg.ConfirmationDepth

	from, err := w.nextBlock(ctx, safe)
	if err != nil {
		return 0, err
	}
	last := from - 1
	if from == 0 {
		last = 0
	}

	for from <= safe {
		to := from + w.cfg.MaxBlockRange - 1
		if to > safe {
			to = safe
		}
		if err := w.processRange(ctx, from, to); err != nil {
			return last, err
		}
		if err := w.store.SaveWatcherState(ctx, &types.WatcherState{
			ContractAddress:    w.cursorID,
			LastProcessedBlock: to,
			UpdatedAt:          w.cfg.Clock.Now().UTC(),
		}); err != nil {
			return last, fmt.Errorf("failed to save watcher cursor: %w", err)
		}
		metrics.SetWatcherBlock(to)
		last = to
		from = to + 1
	}
	return last, nil
}

func (w *Watcher) nextBlock(ctx context.Context, safe uint64) (uint64, error) {
	state, err := w.store.LoadWatcherState(ctx, w.cursorID)
	if err != nil {
		return 0, fmt.Errorf("failed to load watcher cursor: %w", err)
	}
	if state != nil {
		return state.LastProcessedBlock + 1, nil
	}
	if w.cfg.StartBlock > 0 {
		return w.cfg.StartBlock, nil
	}
	return safe, nil
}

func (w *Watcher) processRange(ctx context.Context, from, to uint64) error {
	logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{w.contract},
		Topics:    [][]common.Hash{{events.InvestmentEventTopic}},
	})
	if err != nil {
		return err
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	w.logger.Sugar().Debugw("Scanned block range", "from", from, "to", to, "logs", len(logs))

	for i := range logs {
		if err := w.handleLog(ctx, &logs[i]); err != nil {
			metrics.RecordWatcherEvent("error")
			return err
		}
	}
	return nil
}

func (w *Watcher) handleLog(ctx context.Context, l *ethTypes.Log) error {
	if l.Removed {
		return nil
	}
	ev, err := events.DecodeInvestmentLog(l)
	if err != nil {
		// Malformed logs never decode, so they are skipped rather than retried.
		metrics.RecordWatcherEvent("invalid")
		w.logger.Sugar().Warnw("Skipping undecodable Investment log",
			"txHash", util.FormatHash(l.TxHash),
			"block", l.BlockNumber,
			"index", l.Index,
			"error", err,
		)
		return nil
	}

	investor, _ := util.NormalizeAddress(ev.Investor)
	chainEv := &investment.ChainInvestment{
		InventionID: w.cfg.InventionID,
		TxHash:      util.FormatHash(l.TxHash),
		BlockNumber: l.BlockNumber,
		Investor:    investor,
		Amount:      util.FromSmallestUnit(ev.AmountRaw, types.USDCDecimals),
		TokenAmount: util.FromSmallestUnit(ev.TokenAmountRaw, types.RoyaltyTokenDecimals),
	}
	if err := w.recorder.RecordChainEvent(ctx, chainEv); err != nil {
		return fmt.Errorf("failed to record investment %s: %w", chainEv.TxHash, err)
	}

	metrics.RecordWatcherEvent("recorded")
	w.logger.Sugar().Infow("Investment event recorded",
		"txHash", chainEv.TxHash,
		"investor", investor,
		"amountUsdc", chainEv.Amount.String(),
		"block", l.BlockNumber,
	)
	return nil
}
