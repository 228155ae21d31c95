// Package client is the Go client for the vault HTTP API used by backend services.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ideacapital/vault-go/pkg/auth"
	"github.com/ideacapital/vault-go/pkg/dividend"
	"github.com/ideacapital/vault-go/pkg/types"
)

const apiPrefix = "/api/v1/vault"

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides default retry settings
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     5,
	InitialBackoff:  100 * time.Millisecond,
	MaxBackoff:      5 * time.Second,
	BackoffMultiple: 2.0,
}

type Config struct {
	BaseURL string

	// SharedSecret signs the X-Vault-Auth header. BearerToken is sent instead when set.
	SharedSecret []byte
	BearerToken  string

	HTTPClient *http.Client
	Retry      *RetryConfig
	Clock      clockwork.Clock
	Logger     *zap.Logger
}

// APIError is a non-2xx answer from the vault.
type APIError struct {
	StatusCode int
	Message    string

	// Investment is set when a verification was rejected or failed terminally.
	Investment *types.Investment
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vault returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

type Client struct {
	baseURL     string
	secret      []byte
	bearerToken string
	http        *http.Client
	retry       RetryConfig
	clock       clockwork.Clock
	logger      *zap.Logger
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}
	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		secret:      cfg.SharedSecret,
		bearerToken: cfg.BearerToken,
		http:        cfg.HTTPClient,
		retry:       DefaultRetryConfig,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Retry != nil {
		c.retry = *cfg.Retry
	}
	if c.retry.MaxAttempts <= 0 {
		c.retry.MaxAttempts = 1
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c, nil
}

// VerifyInvestment submits an investment for verification. A pending result
// (HTTP 202) is returned without error; check Investment.Status.
func (c *Client) VerifyInvestment(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error) {
	var out types.VerifyResponse
	if err := c.do(ctx, http.MethodPost, "/investments/verify", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetInvestment(ctx context.Context, id string) (*types.Investment, error) {
	var out types.Investment
	if err := c.do(ctx, http.MethodGet, "/investments/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListInvestments(ctx context.Context, inventionID string) ([]*types.Investment, error) {
	var out []*types.Investment
	if err := c.do(ctx, http.MethodGet, "/investments/by-invention/"+url.PathEscape(inventionID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Quote(ctx context.Context, req *types.QuoteRequest) (string, error) {
	var out types.QuoteResponse
	if err := c.do(ctx, http.MethodPost, "/investments/quote", req, &out); err != nil {
		return "", err
	}
	return out.TokenAmount, nil
}

func (c *Client) Distribute(ctx context.Context, inventionID string, req *types.DistributeRequest) (*dividend.DistributionResult, error) {
	var out dividend.DistributionResult
	if err := c.do(ctx, http.MethodPost, "/dividends/distribute/"+url.PathEscape(inventionID), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetDistribution(ctx context.Context, id string) (*dividend.DistributionResult, error) {
	var out dividend.DistributionResult
	if err := c.do(ctx, http.MethodGet, "/dividends/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ClaimableFor(ctx context.Context, wallet string) ([]*types.DividendClaim, error) {
	var out types.ClaimsResponse
	if err := c.do(ctx, http.MethodGet, "/dividends/claims/"+url.PathEscape(wallet), nil, &out); err != nil {
		return nil, err
	}
	return out.Claims, nil
}

func (c *Client) CheckProof(ctx context.Context, req *types.ProofCheckRequest) (bool, error) {
	var out types.ProofCheckResponse
	if err := c.do(ctx, http.MethodPost, "/dividends/proofs/verify", req, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

func (c *Client) VerifyClaim(ctx context.Context, claimID string) (*dividend.ClaimCheck, error) {
	var out dividend.ClaimCheck
	if err := c.do(ctx, http.MethodGet, "/dividends/claim/"+url.PathEscape(claimID)+"/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarkClaimed(ctx context.Context, claimID, txHash string) error {
	return c.do(ctx, http.MethodPost, "/dividends/claim/"+url.PathEscape(claimID)+"/claimed",
		&types.MarkClaimedRequest{TxHash: txHash}, nil)
}

// do sends one API call, retrying transport errors and 502/503/504 with
// exponential backoff.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	backoff := c.retry.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		retryable, err := c.once(ctx, method, path, data, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt == c.retry.MaxAttempts {
			break
		}

		c.logger.Sugar().Debugw("Retrying vault request", "method", method, "path", path, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * c.retry.BackoffMultiple)
		if backoff > c.retry.MaxBackoff {
			backoff = c.retry.MaxBackoff
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, data []byte, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	switch {
	case c.bearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	case len(c.secret) > 0:
		req.Header.Set(auth.HeaderName, auth.Sign(c.secret, c.clock.Now()))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var body types.ErrorResponse
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			apiErr.Message = body.Error
			apiErr.Investment = body.Investment
		}
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true, apiErr
		}
		return false, apiErr
	}

	if out == nil || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return false, nil
}
