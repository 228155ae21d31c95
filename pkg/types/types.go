package types

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Fixed decimal exponents of the assets the vault deals in.
const (
	USDCDecimals         int32 = 6
	RoyaltyTokenDecimals int32 = 18
)

// ClaimLeaf is a single (wallet, amount) entry committed to by a distribution root.
// Amount is a base-10 integer in the smallest unit of the payout asset.
type ClaimLeaf struct {
	Wallet string `json:"wallet"`
	Amount string `json:"amount"`
}

// Holder is a royalty token holder at the time of a revenue event.
type Holder struct {
	Wallet  string          `json:"wallet"`
	Balance decimal.Decimal `json:"balance"`
}

type RecipientType string

const (
	RecipientTypePlatform RecipientType = "platform"
	RecipientTypeInventor RecipientType = "inventor"
	RecipientTypeTreasury RecipientType = "treasury"
	RecipientTypeHolder   RecipientType = "holder"
)

// FeeSplit is a percentage of gross revenue paid to a fixed recipient before
// the pro-rata holder distribution.
type FeeSplit struct {
	RecipientType    RecipientType   `json:"recipient_type"`
	RecipientAddress string          `json:"recipient_address"`
	Percentage       decimal.Decimal `json:"percentage"`
}

// Distribution is the immutable record of one revenue event.
type Distribution struct {
	ID           string          `json:"id"`
	InventionID  string          `json:"invention_id"`
	MerkleRoot   string          `json:"merkle_root"`
	TotalRevenue decimal.Decimal `json:"total_revenue_usdc"`
	TotalFees    decimal.Decimal `json:"total_fees_usdc"`
	ClaimCount   int             `json:"claim_count"`
	CreatedAt    time.Time       `json:"created_at"`
}

// DividendClaim is one claimable line of a distribution together with its
// inclusion proof. Index is the leaf position inside the distribution tree.
type DividendClaim struct {
	ID             string          `json:"id"`
	DistributionID string          `json:"distribution_id"`
	Index          int             `json:"index"`
	RecipientType  RecipientType   `json:"recipient_type"`
	WalletAddress  string          `json:"wallet_address"`
	Amount         decimal.Decimal `json:"amount_usdc"`
	AmountUnits    string          `json:"amount_units"`
	MerkleProof    []string        `json:"merkle_proof"`
	Claimed        bool            `json:"claimed"`
	ClaimTxHash    string          `json:"claim_tx_hash,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type InvestmentStatus string

const (
	InvestmentStatusPending   InvestmentStatus = "pending"
	InvestmentStatusConfirmed InvestmentStatus = "confirmed"
	InvestmentStatusFailed    InvestmentStatus = "failed"
	InvestmentStatusRejected  InvestmentStatus = "rejected"
)

// IsTerminal reports whether no further verification attempts are needed.
func (s InvestmentStatus) IsTerminal() bool {
	return s == InvestmentStatusConfirmed || s == InvestmentStatusFailed || s == InvestmentStatusRejected
}

type Investment struct {
	ID            string           `json:"id"`
	InventionID   string           `json:"invention_id"`
	WalletAddress string           `json:"wallet_address"`
	AmountUSDC    decimal.Decimal  `json:"amount_usdc"`
	TxHash        string           `json:"tx_hash"`
	Status        InvestmentStatus `json:"status"`
	BlockNumber   uint64           `json:"block_number,omitempty"`
	TokenAmount   decimal.Decimal  `json:"token_amount"`
	FailureReason string           `json:"failure_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ConfirmedAt   *time.Time       `json:"confirmed_at,omitempty"`
}

// InvestmentStatusUpdate is the terminal result of one verification attempt.
type InvestmentStatusUpdate struct {
	InvestmentID  string           `json:"investment_id"`
	Status        InvestmentStatus `json:"status"`
	BlockNumber   uint64           `json:"block_number"`
	// WalletAddress rebinds the investment to the wallet that sent the transaction.
	WalletAddress string           `json:"wallet_address,omitempty"`
	AmountUSDC    decimal.Decimal  `json:"amount_usdc"`
	TokenAmount   decimal.Decimal  `json:"token_amount"`
	FailureReason string           `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// InvestmentEvent is a decoded Investment(address indexed investor, uint256 amount, uint256 tokenAmount) log.
type InvestmentEvent struct {
	Investor       string
	AmountRaw      *big.Int
	TokenAmountRaw *big.Int
}

type VerificationState string

const (
	VerificationStatePending        VerificationState = "pending"
	VerificationStateConfirmed      VerificationState = "confirmed"
	VerificationStateFailed         VerificationState = "failed"
	VerificationStateSenderMismatch VerificationState = "sender_mismatch"
)

// IsTerminal reports whether the state ends the current verification attempt.
func (s VerificationState) IsTerminal() bool {
	return s != VerificationStatePending
}

// VerificationOutcome is computed fresh for every verification attempt.
type VerificationOutcome struct {
	State           VerificationState `json:"state"`
	TxHash          string            `json:"tx_hash"`
	BlockNumber     uint64            `json:"block_number"`
	GasUsed         uint64            `json:"gas_used"`
	Sender          string            `json:"sender,omitempty"`
	InvestorAddress string            `json:"investor_address,omitempty"`
	AmountRaw       *big.Int          `json:"amount_raw,omitempty"`
	TokenAmountRaw  *big.Int          `json:"token_amount_raw,omitempty"`
	Amount          decimal.Decimal   `json:"amount_usdc"`
	TokenAmount     decimal.Decimal   `json:"token_amount"`

	// AmountMatchesExpected is false when the decoded amount falls outside
	// the configured tolerance around the caller supplied amount.
	AmountMatchesExpected bool `json:"amount_matches_expected"`
}

// WatcherState is the persisted cursor of the chain watcher.
type WatcherState struct {
	ContractAddress    string    `json:"contract_address"`
	LastProcessedBlock uint64    `json:"last_processed_block"`
	UpdatedAt          time.Time `json:"updated_at"`
}
