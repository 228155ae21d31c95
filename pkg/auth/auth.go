// Package auth authenticates service-to-service calls into the vault API.
//
// Two schemes are accepted. Backend services sign the current unix timestamp
// with a shared secret and send it in the X-Vault-Auth header. Workloads with
// an OIDC identity send a bearer token that is verified against a cached JWKS.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	HeaderName      = "X-Vault-Auth"
	DefaultMaxDrift = 5 * time.Minute
)

var ErrUnauthorized = errors.New("unauthorized")

type Config struct {
	// Secret is the shared HMAC key. Empty disables the header scheme.
	Secret []byte

	// MaxDrift bounds how far a signed timestamp may be from now. Zero selects DefaultMaxDrift.
	MaxDrift time.Duration

	Clock clockwork.Clock
}

// Principal identifies the authenticated caller.
type Principal struct {
	Scheme  string
	Subject string
}

type principalKey struct{}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// ITokenVerifier checks bearer tokens and returns their subject.
type ITokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

type Authenticator struct {
	secret   []byte
	maxDrift time.Duration
	tokens   ITokenVerifier
	clock    clockwork.Clock
	logger   *zap.Logger
}

// NewAuthenticator builds an authenticator. tokens may be nil when OIDC is not configured.
// With neither a secret nor a token verifier every request is let through.
func NewAuthenticator(cfg *Config, tokens ITokenVerifier, logger *zap.Logger) *Authenticator {
	a := &Authenticator{
		maxDrift: DefaultMaxDrift,
		tokens:   tokens,
		clock:    clockwork.NewRealClock(),
		logger:   logger,
	}
	if cfg != nil {
		a.secret = cfg.Secret
		if cfg.MaxDrift > 0 {
			a.maxDrift = cfg.MaxDrift
		}
		if cfg.Clock != nil {
			a.clock = cfg.Clock
		}
	}
	if !a.Enabled() {
		logger.Sugar().Warnw("Service auth is disabled, no shared secret or OIDC issuer configured")
	}
	return a
}

func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0 || a.tokens != nil
}

// Sign returns the X-Vault-Auth header value for ts.
func Sign(secret []byte, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return unix + ":" + hex.EncodeToString(mac(secret, unix))
}

func mac(secret []byte, message string) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(message))
	return h.Sum(nil)
}

// Authenticate checks the request and returns the caller.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	if !a.Enabled() {
		return &Principal{Scheme: "none"}, nil
	}

	if bearer, ok := bearerToken(r); ok && a.tokens != nil {
		subject, err := a.tokens.VerifyToken(r.Context(), bearer)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return &Principal{Scheme: "oidc", Subject: subject}, nil
	}

	header := r.Header.Get(HeaderName)
	if header == "" || len(a.secret) == 0 {
		return nil, fmt.Errorf("%w: missing credentials", ErrUnauthorized)
	}
	if err := a.verifySignature(header); err != nil {
		return nil, err
	}
	return &Principal{Scheme: "hmac", Subject: "backend"}, nil
}

func (a *Authenticator) verifySignature(header string) error {
	tsPart, sigPart, ok := strings.Cut(header, ":")
	if !ok {
		return fmt.Errorf("%w: malformed %s header", ErrUnauthorized, HeaderName)
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrUnauthorized)
	}
	drift := a.clock.Now().Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > a.maxDrift {
		return fmt.Errorf("%w: timestamp outside the %s window", ErrUnauthorized, a.maxDrift)
	}

	sig, err := hex.DecodeString(sigPart)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrUnauthorized)
	}
	if !hmac.Equal(sig, mac(a.secret, tsPart)) {
		return fmt.Errorf("%w: signature mismatch", ErrUnauthorized)
	}
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}

// Middleware rejects unauthenticated requests with 401 and stores the
// principal on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.Authenticate(r)
		if err != nil {
			a.logger.Sugar().Infow("Rejected request", "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}
