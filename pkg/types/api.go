package types

// HTTP API payloads shared by the server and the Go client.

type ErrorResponse struct {
	Error      string      `json:"error"`
	Investment *Investment `json:"investment,omitempty"`
}

type VerifyResponse struct {
	Investment   *Investment          `json:"investment"`
	Verification *VerificationOutcome `json:"verification,omitempty"`
}

type QuoteResponse struct {
	TokenAmount string `json:"token_amount"`
}

type ClaimsResponse struct {
	Wallet string           `json:"wallet"`
	Claims []*DividendClaim `json:"claims"`
}

type ProofCheckResponse struct {
	Valid bool `json:"valid"`
}

type MarkClaimedRequest struct {
	TxHash string `json:"tx_hash"`
}
