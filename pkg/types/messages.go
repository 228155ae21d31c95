package types

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/ideacapital/vault-go/pkg/util"
)

// ErrInvalidRequest marks a payload that failed boundary validation.
var ErrInvalidRequest = errors.New("invalid request")

// InvestmentPendingMessage is consumed from the investment.pending topic.
type InvestmentPendingMessage struct {
	InvestmentID  string          `json:"investment_id"`
	InventionID   string          `json:"invention_id"`
	TxHash        string          `json:"tx_hash"`
	WalletAddress string          `json:"wallet_address"`
	AmountUSDC    decimal.Decimal `json:"amount_usdc"`
}

func (m *InvestmentPendingMessage) Validate() error {
	var allErrors field.ErrorList
	if m.InvestmentID == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("investment_id"), "investment_id is required"))
	}
	allErrors = append(allErrors, validateInvestmentFields(m.InventionID, m.TxHash, m.WalletAddress, m.AmountUSDC)...)
	return toRequestError(allErrors)
}

// ToVerifyRequest converts the bus message into the request shape used by the HTTP API.
func (m *InvestmentPendingMessage) ToVerifyRequest() *VerifyRequest {
	return &VerifyRequest{
		InvestmentID:  m.InvestmentID,
		InventionID:   m.InventionID,
		WalletAddress: m.WalletAddress,
		AmountUSDC:    m.AmountUSDC,
		TxHash:        m.TxHash,
	}
}

// InvestmentConfirmedMessage is published to the investment.confirmed topic.
type InvestmentConfirmedMessage struct {
	InvestmentID  string          `json:"investment_id"`
	InventionID   string          `json:"invention_id"`
	WalletAddress string          `json:"wallet_address"`
	AmountUSDC    decimal.Decimal `json:"amount_usdc"`
	TokenAmount   decimal.Decimal `json:"token_amount"`
	BlockNumber   uint64          `json:"block_number"`
}

// VerifyRequest asks the vault to verify an investment transaction.
// InvestmentID is optional; one is assigned when absent.
type VerifyRequest struct {
	InvestmentID  string          `json:"investment_id,omitempty"`
	InventionID   string          `json:"invention_id"`
	WalletAddress string          `json:"wallet_address"`
	AmountUSDC    decimal.Decimal `json:"amount_usdc"`
	TxHash        string          `json:"tx_hash"`
}

func (r *VerifyRequest) Validate() error {
	return toRequestError(validateInvestmentFields(r.InventionID, r.TxHash, r.WalletAddress, r.AmountUSDC))
}

// DistributeRequest carries a revenue event and the holder snapshot it is split across.
type DistributeRequest struct {
	RevenueUSDC decimal.Decimal `json:"revenue_usdc"`
	Holders     []Holder        `json:"holders"`
	FeeSplits   []FeeSplit      `json:"fee_splits"`
}

func (r *DistributeRequest) Validate() error {
	var allErrors field.ErrorList
	if !r.RevenueUSDC.IsPositive() {
		allErrors = append(allErrors, field.Invalid(field.NewPath("revenue_usdc"), r.RevenueUSDC.String(), "must be positive"))
	}
	if len(r.Holders) == 0 {
		allErrors = append(allErrors, field.Required(field.NewPath("holders"), "at least one holder is required"))
	}
	for i, h := range r.Holders {
		p := field.NewPath("holders").Index(i)
		if _, err := util.ParseAddress(h.Wallet); err != nil {
			allErrors = append(allErrors, field.Invalid(p.Child("wallet"), h.Wallet, "must be a 0x prefixed 20 byte hex address"))
		}
		if h.Balance.IsNegative() {
			allErrors = append(allErrors, field.Invalid(p.Child("balance"), h.Balance.String(), "must not be negative"))
		}
	}
	for i, fs := range r.FeeSplits {
		p := field.NewPath("fee_splits").Index(i)
		if _, err := util.ParseAddress(fs.RecipientAddress); err != nil {
			allErrors = append(allErrors, field.Invalid(p.Child("recipient_address"), fs.RecipientAddress, "must be a 0x prefixed 20 byte hex address"))
		}
		if fs.Percentage.IsNegative() {
			allErrors = append(allErrors, field.Invalid(p.Child("percentage"), fs.Percentage.String(), "must not be negative"))
		}
	}
	return toRequestError(allErrors)
}

// QuoteRequest asks for the royalty tokens an investment would buy.
type QuoteRequest struct {
	InvestmentUSDC    decimal.Decimal `json:"investment_usdc"`
	FundingGoalUSDC   decimal.Decimal `json:"funding_goal_usdc"`
	TotalTokenSupply  decimal.Decimal `json:"total_token_supply"`
	RoyaltyPercentage decimal.Decimal `json:"royalty_percentage"`
}

func (r *QuoteRequest) Validate() error {
	var allErrors field.ErrorList
	if !r.InvestmentUSDC.IsPositive() {
		allErrors = append(allErrors, field.Invalid(field.NewPath("investment_usdc"), r.InvestmentUSDC.String(), "must be positive"))
	}
	if r.FundingGoalUSDC.IsNegative() {
		allErrors = append(allErrors, field.Invalid(field.NewPath("funding_goal_usdc"), r.FundingGoalUSDC.String(), "must not be negative"))
	}
	if r.TotalTokenSupply.IsNegative() {
		allErrors = append(allErrors, field.Invalid(field.NewPath("total_token_supply"), r.TotalTokenSupply.String(), "must not be negative"))
	}
	if r.RoyaltyPercentage.IsNegative() || r.RoyaltyPercentage.GreaterThan(decimal.NewFromInt(100)) {
		allErrors = append(allErrors, field.Invalid(field.NewPath("royalty_percentage"), r.RoyaltyPercentage.String(), "must be between 0 and 100"))
	}
	return toRequestError(allErrors)
}

// ProofCheckRequest asks whether a claim is included under a root.
type ProofCheckRequest struct {
	MerkleRoot  string   `json:"merkle_root"`
	Wallet      string   `json:"wallet"`
	AmountUnits string   `json:"amount_units"`
	Proof       []string `json:"proof"`
}

func (r *ProofCheckRequest) Validate() error {
	var allErrors field.ErrorList
	if !util.IsHexHash(r.MerkleRoot) {
		allErrors = append(allErrors, field.Invalid(field.NewPath("merkle_root"), r.MerkleRoot, "must be a 0x prefixed 32 byte hex string"))
	}
	for i, p := range r.Proof {
		if !util.IsHexHash(p) {
			allErrors = append(allErrors, field.Invalid(field.NewPath("proof").Index(i), p, "must be a 0x prefixed 32 byte hex string"))
		}
	}
	return toRequestError(allErrors)
}

func validateInvestmentFields(inventionID, txHash, wallet string, amount decimal.Decimal) field.ErrorList {
	var allErrors field.ErrorList
	if inventionID == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("invention_id"), "invention_id is required"))
	}
	if !util.IsHexHash(txHash) {
		allErrors = append(allErrors, field.Invalid(field.NewPath("tx_hash"), txHash, "must be a 0x prefixed 32 byte hex string"))
	}
	if _, err := util.ParseAddress(wallet); err != nil {
		allErrors = append(allErrors, field.Invalid(field.NewPath("wallet_address"), wallet, "must be a 0x prefixed 20 byte hex address"))
	}
	if !amount.IsPositive() {
		allErrors = append(allErrors, field.Invalid(field.NewPath("amount_usdc"), amount.String(), "must be positive"))
	}
	return allErrors
}

func toRequestError(allErrors field.ErrorList) error {
	if len(allErrors) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidRequest, allErrors.ToAggregate())
}
