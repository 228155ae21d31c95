package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ideacapital/vault-go/pkg/auth"
	"github.com/ideacapital/vault-go/pkg/dividend"
	"github.com/ideacapital/vault-go/pkg/investment"
	"github.com/ideacapital/vault-go/pkg/metrics"
	"github.com/ideacapital/vault-go/pkg/util"
)

/*
Server exposes the vault over HTTP.

Public:
  GET  /health
  GET  /metrics

Authenticated, under /api/v1/vault:
  POST /investments/verify                  verify a submitted investment transaction
  GET  /investments/{id}                    load one investment
  GET  /investments/by-invention/{id}       list an invention's investments, newest first
  POST /investments/quote                   royalty tokens bought by an amount
  POST /dividends/distribute/{inventionId}  allocate a revenue event and build its Merkle tree
  GET  /dividends/{distributionId}          distribution with its claims
  GET  /dividends/claims/{wallet}           open claims of a wallet
  POST /dividends/proofs/verify             check a proof against a root
  GET  /dividends/claim/{claimId}/verify    re-check a stored claim
  POST /dividends/claim/{claimId}/claimed   record an on-chain payout

Verification responses:
  200  investment reached a terminal status (confirmed or failed)
  202  transaction not mined yet, investment stays pending
  400  malformed request
  422  sender mismatch or no decodable Investment event
  503  chain RPC unavailable, retry later
*/

const DefaultShutdownTimeout = 10 * time.Second

type Config struct {
	Port               int
	CORSAllowedOrigins []string
	Rounding           util.RoundingMode
}

type Server struct {
	investments *investment.Service
	dividends   *dividend.Service
	auth        *auth.Authenticator
	rounding    util.RoundingMode
	logger      *zap.Logger
	httpServer  *http.Server
}

// NewServer wires the routes. authenticator may be nil, which leaves the API open.
func NewServer(
	cfg *Config,
	investments *investment.Service,
	dividends *dividend.Service,
	authenticator *auth.Authenticator,
	logger *zap.Logger,
) *Server {
	if authenticator == nil {
		authenticator = auth.NewAuthenticator(nil, nil, logger)
	}
	s := &Server{
		investments: investments,
		dividends:   dividends,
		auth:        authenticator,
		rounding:    cfg.Rounding,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", auth.HeaderName},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/vault", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Post("/investments/verify", s.handleVerifyInvestment)
		r.Post("/investments/quote", s.handleQuote)
		r.Get("/investments/by-invention/{inventionId}", s.handleListInvestments)
		r.Get("/investments/{id}", s.handleGetInvestment)

		r.Post("/dividends/distribute/{inventionId}", s.handleDistribute)
		r.Post("/dividends/proofs/verify", s.handleCheckProof)
		r.Get("/dividends/claims/{wallet}", s.handleClaimable)
		r.Get("/dividends/claim/{claimId}/verify", s.handleVerifyClaim)
		r.Post("/dividends/claim/{claimId}/claimed", s.handleMarkClaimed)
		r.Get("/dividends/{distributionId}", s.handleGetDistribution)
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Sugar().Infow("Starting HTTP server", "addr", s.httpServer.Addr, "authEnabled", s.auth.Enabled())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	s.logger.Sugar().Infow("Stopping HTTP server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

// Handler returns the HTTP handler (for testing)
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
