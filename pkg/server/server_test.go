package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ideacapital/vault-go/pkg/auth"
	"github.com/ideacapital/vault-go/pkg/dividend"
	"github.com/ideacapital/vault-go/pkg/investment"
	busmemory "github.com/ideacapital/vault-go/pkg/messaging/memory"
	"github.com/ideacapital/vault-go/pkg/persistence/memory"
	"github.com/ideacapital/vault-go/pkg/testutil"
	"github.com/ideacapital/vault-go/pkg/types"
	"github.com/ideacapital/vault-go/pkg/util"
	"github.com/ideacapital/vault-go/pkg/verifier"
)

var (
	investor  = common.HexToAddress("0x71C7656EC7ab88b098defB751B7401B5f6d8976F")
	crowdsale = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	platform  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	alice     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	bob       = common.HexToAddress("0x3333333333333333333333333333333333333333")

	secret = []byte("server-test-secret")
	now    = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
)

type harness struct {
	chain   *testutil.MockChainClient
	handler http.Handler
	clock   *clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mock := testutil.NewMockChainClient()
	store := memory.NewMemoryPersistence(nil)
	t.Cleanup(func() { _ = store.Close() })
	clock := clockwork.NewFakeClockAt(now)

	v, err := verifier.NewVerifier(mock, &verifier.Config{CrowdsaleAddress: crowdsale.Hex()}, zap.NewNop())
	require.NoError(t, err)

	investments := investment.NewService(store, v, busmemory.NewBus(10, zap.NewNop()), clock, zap.NewNop())
	dividends := dividend.NewService(store, &dividend.Config{Rounding: util.RoundHalfUp}, clock, zap.NewNop())
	authenticator := auth.NewAuthenticator(&auth.Config{Secret: secret, Clock: clock}, nil, zap.NewNop())

	s := NewServer(&Config{Port: 0, Rounding: util.RoundHalfUp}, investments, dividends, authenticator, zap.NewNop())
	return &harness{chain: mock, handler: s.Handler(), clock: clock}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderName, auth.Sign(secret, h.clock.Now()))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) mined(from common.Address) common.Hash {
	txHash := testutil.RandomTxHash()
	log := testutil.InvestmentLog(crowdsale, from, testutil.USDC(50), testutil.Tokens(1000), txHash, 100)
	h.chain.AddReceipt(testutil.Receipt(txHash, ethTypes.ReceiptStatusSuccessful, 100, 84000, log))
	h.chain.AddTransaction(testutil.Transaction(txHash, from, crowdsale, 100))
	return txHash
}

func verifyBody(txHash common.Hash) string {
	return `{"invention_id":"invention-1","wallet_address":"` + investor.Hex() +
		`","amount_usdc":"50","tx_hash":"` + txHash.Hex() + `"}`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresAuth(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/vault/investments/abc", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyInvestment(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/vault/investments/verify", verifyBody(h.mined(investor)))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decode[types.VerifyResponse](t, rec)
		assert.Equal(t, types.InvestmentStatusConfirmed, resp.Investment.Status)
		require.NotNil(t, resp.Verification)
		assert.Equal(t, types.VerificationStateConfirmed, resp.Verification.State)
		assert.Equal(t, "1000", resp.Investment.TokenAmount.String())

		rec = h.do(t, http.MethodGet, "/api/v1/vault/investments/"+resp.Investment.ID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, resp.Investment.ID, decode[types.Investment](t, rec).ID)

		rec = h.do(t, http.MethodGet, "/api/v1/vault/investments/by-invention/invention-1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[[]*types.Investment](t, rec), 1)
	})

	t.Run("not mined yet", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/vault/investments/verify", verifyBody(testutil.RandomTxHash()))
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		assert.Equal(t, types.InvestmentStatusPending, decode[types.VerifyResponse](t, rec).Investment.Status)
	})

	t.Run("sender mismatch", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/vault/investments/verify", verifyBody(h.mined(testutil.RandomAddress())))
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		resp := decode[types.ErrorResponse](t, rec)
		require.NotNil(t, resp.Investment)
		assert.Equal(t, types.InvestmentStatusRejected, resp.Investment.Status)
	})

	t.Run("rpc unavailable", func(t *testing.T) {
		h := newHarness(t)
		h.chain.FailNext("TransactionReceipt", 1)
		rec := h.do(t, http.MethodPost, "/api/v1/vault/investments/verify", verifyBody(h.mined(investor)))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	})

	t.Run("bad requests", func(t *testing.T) {
		h := newHarness(t)
		bodies := map[string]string{
			"not json":      `{`,
			"unknown field": `{"invention_id":"x","surprise":true}`,
			"two objects":   verifyBody(testutil.RandomTxHash()) + `{}`,
			"invalid":       `{"invention_id":"","wallet_address":"0x1","amount_usdc":"0","tx_hash":"0x2"}`,
		}
		for name, body := range bodies {
			t.Run(name, func(t *testing.T) {
				rec := h.do(t, http.MethodPost, "/api/v1/vault/investments/verify", body)
				assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			})
		}
	})

	t.Run("unknown investment", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(t, http.MethodGet, "/api/v1/vault/investments/missing", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestQuote(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/vault/investments/quote",
		`{"investment_usdc":"100","funding_goal_usdc":"10000","total_token_supply":"1000000","royalty_percentage":"10"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"token_amount":"1000"}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/api/v1/vault/investments/quote",
		`{"investment_usdc":"100","funding_goal_usdc":"10000","total_token_supply":"1000000","royalty_percentage":"101"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func distributeBody(platformPct string) string {
	return `{"revenue_usdc":"1000",` +
		`"holders":[{"wallet":"` + alice.Hex() + `","balance":"600"},{"wallet":"` + bob.Hex() + `","balance":"400"}],` +
		`"fee_splits":[{"recipient_type":"platform","recipient_address":"` + platform.Hex() + `","percentage":"` + platformPct + `"}]}`
}

func TestDividendFlow(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/vault/dividends/distribute/invention-1", distributeBody("10"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[dividend.DistributionResult](t, rec)
	require.Len(t, created.Claims, 3)
	root := created.Distribution.MerkleRoot

	rec = h.do(t, http.MethodGet, "/api/v1/vault/dividends/"+created.Distribution.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, root, decode[dividend.DistributionResult](t, rec).Distribution.MerkleRoot)

	rec = h.do(t, http.MethodGet, "/api/v1/vault/dividends/claims/"+alice.Hex(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	open := decode[types.ClaimsResponse](t, rec)
	require.Len(t, open.Claims, 1)
	claim := open.Claims[0]
	assert.Equal(t, "540000000", claim.AmountUnits)

	proof, err := json.Marshal(claim.MerkleProof)
	require.NoError(t, err)
	check := func(wallet, amount string) bool {
		rec := h.do(t, http.MethodPost, "/api/v1/vault/dividends/proofs/verify",
			`{"merkle_root":"`+root+`","wallet":"`+wallet+`","amount_units":"`+amount+`","proof":`+string(proof)+`}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode[types.ProofCheckResponse](t, rec).Valid
	}
	assert.True(t, check(alice.Hex(), "540000000"))
	assert.False(t, check(alice.Hex(), "540000001"))
	assert.False(t, check(bob.Hex(), "540000000"))

	rec = h.do(t, http.MethodGet, "/api/v1/vault/dividends/claim/"+claim.ID+"/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[dividend.ClaimCheck](t, rec).Valid)

	payout := testutil.RandomTxHash().Hex()
	rec = h.do(t, http.MethodPost, "/api/v1/vault/dividends/claim/"+claim.ID+"/claimed", `{"tx_hash":"`+payout+`"}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/api/v1/vault/dividends/claims/"+strings.ToLower(alice.Hex()), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[types.ClaimsResponse](t, rec).Claims)
}

func TestDividendErrors(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/vault/dividends/distribute/invention-1", distributeBody("150"))
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/api/v1/vault/dividends/distribute/invention-1", `{"revenue_usdc":"0","holders":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/vault/dividends/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/vault/dividends/claims/not-a-wallet", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/vault/dividends/claim/unknown/verify", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/vault/dividends/claim/unknown/claimed", `{"tx_hash":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/vault/dividends/proofs/verify", `{"merkle_root":"0x00","wallet":"x","amount_units":"1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
