// Package investment tracks investments from submission to on-chain
// confirmation and announces confirmed ones on the message bus.
package investment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ideacapital/vault-go/pkg/chain"
	"github.com/ideacapital/vault-go/pkg/events"
	"github.com/ideacapital/vault-go/pkg/messaging"
	"github.com/ideacapital/vault-go/pkg/persistence"
	"github.com/ideacapital/vault-go/pkg/types"
	"github.com/ideacapital/vault-go/pkg/util"
	"github.com/ideacapital/vault-go/pkg/verifier"
)

// IVerifier is the subset of the transaction verifier the service depends on.
type IVerifier interface {
	Verify(ctx context.Context, txHash string, expectedWallet string, expectedAmount decimal.Decimal) (*types.VerificationOutcome, error)
}

// ChainInvestment is an Investment event observed directly by the chain watcher.
type ChainInvestment struct {
	InventionID string
	TxHash      string
	BlockNumber uint64
	Investor    string
	Amount      decimal.Decimal
	TokenAmount decimal.Decimal
}

type Service struct {
	store     persistence.IVaultPersistence
	verifier  IVerifier
	publisher messaging.IPublisher
	clock     clockwork.Clock
	logger    *zap.Logger
}

func NewService(
	store persistence.IVaultPersistence,
	v IVerifier,
	publisher messaging.IPublisher,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store:     store,
		verifier:  v,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
	}
}

// IsTerminalError reports whether err describes a final on-chain result, as
// opposed to a transient failure worth retrying.
func IsTerminalError(err error) bool {
	return errors.Is(err, verifier.ErrSenderMismatch) ||
		errors.Is(err, verifier.ErrEventNotFound) ||
		errors.Is(err, events.ErrMalformedEvent) ||
		errors.Is(err, events.ErrEventSignatureMismatch)
}

// Submit records an investment and verifies its transaction. It is idempotent
// by transaction hash: a hash that already reached a terminal status is
// returned unchanged without touching the chain.
//
// A sender mismatch is terminal only for the wallet that claimed the
// transaction. A later submission from another wallet is verified again and,
// when that wallet sent the transaction, the investment is rebound to it.
// Claims from a wallet other than the recorded one never change the record
// unless they confirm.
//
// The returned outcome is nil when verification did not run or failed. A
// sender mismatch returns the rejected investment, the outcome and
// verifier.ErrSenderMismatch; the investment is nil when the record belongs
// to another claim. RPC failures leave the investment pending and return
// chain.ErrRPCUnavailable.
func (s *Service) Submit(ctx context.Context, req *types.VerifyRequest) (*types.Investment, *types.VerificationOutcome, error) {
	if req == nil {
		return nil, nil, fmt.Errorf("%w: empty request", types.ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	inv, err := s.findOrCreate(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	claim := *inv
	reclaim := !util.SameAddress(req.WalletAddress, inv.WalletAddress)
	if reclaim {
		claim.WalletAddress, _ = util.NormalizeAddress(req.WalletAddress)
		claim.AmountUSDC = req.AmountUSDC
	}
	if inv.Status.IsTerminal() && !(reclaim && inv.Status == types.InvestmentStatusRejected) {
		s.logger.Sugar().Debugw("Investment already settled", "investmentId", inv.ID, "status", inv.Status)
		return inv, nil, nil
	}

	outcome, verr := s.verifier.Verify(ctx, claim.TxHash, claim.WalletAddress, claim.AmountUSDC)
	switch {
	case errors.Is(verr, verifier.ErrSenderMismatch):
		if reclaim {
			s.logger.Sugar().Warnw("Rejected claim on a transaction recorded for another wallet",
				"investmentId", inv.ID, "txHash", inv.TxHash, "claimant", claim.WalletAddress)
			return nil, outcome, verr
		}
		reason := "transaction sender does not match investor wallet"
		if outcome != nil {
			reason = fmt.Sprintf("transaction sent by %s, expected %s", outcome.Sender, inv.WalletAddress)
		}
		updated, err := s.settle(ctx, inv, types.InvestmentStatusRejected, outcome, reason)
		if err != nil {
			return inv, outcome, err
		}
		return updated, outcome, verr
	case verr != nil && IsTerminalError(verr):
		updated, err := s.settle(ctx, inv, types.InvestmentStatusFailed, nil, verr.Error())
		if err != nil {
			return inv, nil, err
		}
		return updated, nil, verr
	case verr != nil:
		s.logger.Sugar().Warnw("Verification attempt failed", "investmentId", inv.ID, "txHash", inv.TxHash, "error", verr)
		return inv, nil, verr
	}

	switch outcome.State {
	case types.VerificationStatePending:
		return inv, outcome, nil
	case types.VerificationStateFailed:
		updated, err := s.settle(ctx, inv, types.InvestmentStatusFailed, outcome, "transaction reverted")
		return updated, outcome, err
	case types.VerificationStateConfirmed:
		if !outcome.AmountMatchesExpected {
			if reclaim {
				return inv, outcome, nil
			}
			reason := fmt.Sprintf("on-chain amount %s USDC does not match submitted amount %s USDC", outcome.Amount, inv.AmountUSDC)
			updated, err := s.settle(ctx, inv, types.InvestmentStatusFailed, outcome, reason)
			return updated, outcome, err
		}
		if reclaim {
			s.logger.Sugar().Infow("Investment rebound to transaction sender",
				"investmentId", inv.ID, "from", inv.WalletAddress, "to", claim.WalletAddress)
		}
		// Published ahead of the status write; consumers may see a confirmation twice.
		if err := s.publishConfirmed(ctx, &claim, outcome.Amount, outcome.TokenAmount, outcome.BlockNumber); err != nil {
			return inv, outcome, err
		}
		updated, err := s.settle(ctx, &claim, types.InvestmentStatusConfirmed, outcome, "")
		return updated, outcome, err
	default:
		return inv, outcome, fmt.Errorf("unexpected verification state %q", outcome.State)
	}
}

func (s *Service) findOrCreate(ctx context.Context, req *types.VerifyRequest) (*types.Investment, error) {
	existing, err := s.store.LoadInvestmentByTxHash(ctx, req.TxHash)
	if err != nil {
		return nil, fmt.Errorf("failed to look up investment: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	wallet, _ := util.NormalizeAddress(req.WalletAddress)
	id := req.InvestmentID
	if id == "" {
		id = uuid.NewString()
	}
	inv := &types.Investment{
		ID:            id,
		InventionID:   req.InventionID,
		WalletAddress: wallet,
		AmountUSDC:    req.AmountUSDC,
		TxHash:        req.TxHash,
		Status:        types.InvestmentStatusPending,
		TokenAmount:   decimal.Zero,
		CreatedAt:     s.clock.Now().UTC(),
	}

	err = s.store.SaveInvestment(ctx, inv)
	if errors.Is(err, persistence.ErrAlreadyExists) {
		// Lost a race with a concurrent submission of the same transaction.
		existing, lerr := s.store.LoadInvestmentByTxHash(ctx, req.TxHash)
		if lerr != nil {
			return nil, fmt.Errorf("failed to look up investment: %w", lerr)
		}
		if existing == nil {
			return nil, fmt.Errorf("investment %s: %w", id, persistence.ErrAlreadyExists)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save investment: %w", err)
	}

	s.logger.Sugar().Infow("Investment recorded",
		"investmentId", inv.ID,
		"inventionId", inv.InventionID,
		"txHash", inv.TxHash,
		"amountUsdc", inv.AmountUSDC.String(),
	)
	return inv, nil
}

func (s *Service) settle(ctx context.Context, inv *types.Investment, status types.InvestmentStatus, outcome *types.VerificationOutcome, reason string) (*types.Investment, error) {
	update := &types.InvestmentStatusUpdate{
		InvestmentID:  inv.ID,
		Status:        status,
		WalletAddress: inv.WalletAddress,
		FailureReason: reason,
		UpdatedAt:     s.clock.Now().UTC(),
	}
	if outcome != nil {
		update.BlockNumber = outcome.BlockNumber
		if status == types.InvestmentStatusConfirmed {
			update.AmountUSDC = outcome.Amount
			update.TokenAmount = outcome.TokenAmount
		}
	}
	if err := s.store.UpdateInvestmentStatus(ctx, update); err != nil {
		return inv, fmt.Errorf("failed to update investment %s: %w", inv.ID, err)
	}

	s.logger.Sugar().Infow("Investment settled",
		"investmentId", inv.ID,
		"status", status,
		"reason", reason,
	)

	updated := *inv
	persistence.ApplyStatusUpdate(&updated, update)
	return &updated, nil
}

func (s *Service) publishConfirmed(ctx context.Context, inv *types.Investment, amount, tokenAmount decimal.Decimal, block uint64) error {
	if s.publisher == nil {
		return nil
	}
	msg := &types.InvestmentConfirmedMessage{
		InvestmentID:  inv.ID,
		InventionID:   inv.InventionID,
		WalletAddress: inv.WalletAddress,
		AmountUSDC:    amount,
		TokenAmount:   tokenAmount,
		BlockNumber:   block,
	}
	if _, err := messaging.PublishJSON(ctx, s.publisher, messaging.TopicInvestmentConfirmed, msg); err != nil {
		return fmt.Errorf("failed to publish confirmation of %s: %w", inv.ID, err)
	}
	return nil
}

// HandlePending consumes investment.pending messages.
func (s *Service) HandlePending(ctx context.Context, msg *messaging.Message) messaging.Disposition {
	var pending types.InvestmentPendingMessage
	if err := json.Unmarshal(msg.Data, &pending); err != nil {
		s.logger.Sugar().Warnw("Undecodable pending investment message", "messageId", msg.ID, "error", err)
		return messaging.DropPoisonPill
	}
	if err := pending.Validate(); err != nil {
		s.logger.Sugar().Warnw("Invalid pending investment message", "messageId", msg.ID, "error", err)
		return messaging.DropPoisonPill
	}

	inv, _, err := s.Submit(ctx, pending.ToVerifyRequest())
	switch {
	case err == nil && inv.Status == types.InvestmentStatusPending:
		return messaging.Retry
	case err == nil:
		return messaging.Ack
	case errors.Is(err, types.ErrInvalidRequest):
		return messaging.DropPoisonPill
	case IsTerminalError(err):
		return messaging.Ack
	case errors.Is(err, chain.ErrRPCUnavailable):
		s.logger.Sugar().Infow("RPC unavailable, retrying later", "messageId", msg.ID, "attempt", msg.Attempt)
		return messaging.Retry
	default:
		s.logger.Sugar().Errorw("Failed to process pending investment", "messageId", msg.ID, "error", err)
		return messaging.Retry
	}
}

// RecordChainEvent upserts an investment observed by the chain watcher.
// The event is authoritative for investor and amounts: a record claimed by
// another wallet, or settled as rejected or failed, is rebound to the event's
// investor and confirmed.
func (s *Service) RecordChainEvent(ctx context.Context, ev *ChainInvestment) error {
	existing, err := s.store.LoadInvestmentByTxHash(ctx, ev.TxHash)
	if err != nil {
		return fmt.Errorf("failed to look up investment: %w", err)
	}

	if existing == nil {
		now := s.clock.Now().UTC()
		inv := &types.Investment{
			ID:            uuid.NewString(),
			InventionID:   ev.InventionID,
			WalletAddress: ev.Investor,
			AmountUSDC:    ev.Amount,
			TxHash:        ev.TxHash,
			Status:        types.InvestmentStatusPending,
			TokenAmount:   decimal.Zero,
			CreatedAt:     now,
		}
		if err := s.store.SaveInvestment(ctx, inv); err != nil {
			if errors.Is(err, persistence.ErrAlreadyExists) {
				// A concurrent submission got there first.
				return s.RecordChainEvent(ctx, ev)
			}
			return fmt.Errorf("failed to save investment: %w", err)
		}
		existing = inv
	}

	if existing.Status == types.InvestmentStatusConfirmed {
		return nil
	}
	if existing.Status != types.InvestmentStatusPending || !util.SameAddress(existing.WalletAddress, ev.Investor) {
		s.logger.Sugar().Warnw("Chain event overrides recorded investment",
			"investmentId", existing.ID,
			"status", existing.Status,
			"recordedWallet", existing.WalletAddress,
			"investor", ev.Investor,
			"txHash", ev.TxHash,
		)
	}

	confirmed := *existing
	confirmed.WalletAddress = ev.Investor
	outcome := &types.VerificationOutcome{
		State:           types.VerificationStateConfirmed,
		TxHash:          ev.TxHash,
		BlockNumber:     ev.BlockNumber,
		InvestorAddress: ev.Investor,
		Amount:          ev.Amount,
		TokenAmount:     ev.TokenAmount,
	}
	if err := s.publishConfirmed(ctx, &confirmed, ev.Amount, ev.TokenAmount, ev.BlockNumber); err != nil {
		return err
	}
	_, err = s.settle(ctx, &confirmed, types.InvestmentStatusConfirmed, outcome, "")
	return err
}

func (s *Service) Get(ctx context.Context, id string) (*types.Investment, error) {
	inv, err := s.store.LoadInvestment(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, fmt.Errorf("investment %s: %w", id, persistence.ErrNotFound)
	}
	return inv, nil
}

func (s *Service) ListByInvention(ctx context.Context, inventionID string) ([]*types.Investment, error) {
	return s.store.ListInvestmentsByInvention(ctx, inventionID)
}
