package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ideacapital/vault-go/pkg/allocator"
	"github.com/ideacapital/vault-go/pkg/chain"
	"github.com/ideacapital/vault-go/pkg/investment"
	"github.com/ideacapital/vault-go/pkg/persistence"
	"github.com/ideacapital/vault-go/pkg/types"
	"github.com/ideacapital/vault-go/pkg/verifier"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVerifyInvestment(w http.ResponseWriter, r *http.Request) {
	var req types.VerifyRequest
	if !s.decode(w, r, &req) {
		return
	}

	inv, outcome, err := s.investments.Submit(r.Context(), &req)
	if err != nil {
		if inv != nil && (errors.Is(err, verifier.ErrSenderMismatch) || investment.IsTerminalError(err)) {
			writeJSON(w, http.StatusUnprocessableEntity, types.ErrorResponse{Error: err.Error(), Investment: inv})
			return
		}
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if inv.Status == types.InvestmentStatusPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, types.VerifyResponse{Investment: inv, Verification: outcome})
}

func (s *Server) handleGetInvestment(w http.ResponseWriter, r *http.Request) {
	inv, err := s.investments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleListInvestments(w http.ResponseWriter, r *http.Request) {
	list, err := s.investments.ListByInvention(r.Context(), chi.URLParam(r, "inventionId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*types.Investment{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req types.QuoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	tokens := allocator.QuoteTokens(req.InvestmentUSDC, req.FundingGoalUSDC, req.TotalTokenSupply, req.RoyaltyPercentage, s.rounding)
	writeJSON(w, http.StatusOK, types.QuoteResponse{TokenAmount: tokens.String()})
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var req types.DistributeRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.dividends.Distribute(r.Context(), chi.URLParam(r, "inventionId"), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleGetDistribution(w http.ResponseWriter, r *http.Request) {
	result, err := s.dividends.GetDistribution(r.Context(), chi.URLParam(r, "distributionId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleClaimable(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	claims, err := s.dividends.ClaimableFor(r.Context(), wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if claims == nil {
		claims = []*types.DividendClaim{}
	}
	writeJSON(w, http.StatusOK, types.ClaimsResponse{Wallet: wallet, Claims: claims})
}

func (s *Server) handleCheckProof(w http.ResponseWriter, r *http.Request) {
	var req types.ProofCheckRequest
	if !s.decode(w, r, &req) {
		return
	}
	valid, err := s.dividends.CheckProof(&req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ProofCheckResponse{Valid: valid})
}

func (s *Server) handleVerifyClaim(w http.ResponseWriter, r *http.Request) {
	check, err := s.dividends.VerifyClaim(r.Context(), chi.URLParam(r, "claimId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (s *Server) handleMarkClaimed(w http.ResponseWriter, r *http.Request) {
	var req types.MarkClaimedRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.dividends.MarkClaimed(r.Context(), chi.URLParam(r, "claimId"), req.TxHash); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a single JSON object and rejects unknown fields.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: fmt.Sprintf("failed to parse request: %v", err)})
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "request body must contain a single JSON object"})
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidRequest), errors.Is(err, allocator.ErrInvalidDistributionRequest):
		return http.StatusBadRequest
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, persistence.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, verifier.ErrSenderMismatch), investment.IsTerminalError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, chain.ErrRPCUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Sugar().Errorw("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	} else {
		s.logger.Sugar().Debugw("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, types.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
