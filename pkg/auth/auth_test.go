package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	secret = []byte("0123456789abcdef0123456789abcdef")
	epoch  = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
)

func request(headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/vault/investments/x", nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestHMAC(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	a := NewAuthenticator(&Config{Secret: secret, Clock: clock}, nil, zap.NewNop())
	require.True(t, a.Enabled())

	tests := []struct {
		name   string
		header string
		ok     bool
	}{
		{name: "valid", header: Sign(secret, epoch), ok: true},
		{name: "slightly in the past", header: Sign(secret, epoch.Add(-4*time.Minute)), ok: true},
		{name: "slightly in the future", header: Sign(secret, epoch.Add(4*time.Minute)), ok: true},
		{name: "too old", header: Sign(secret, epoch.Add(-6*time.Minute))},
		{name: "too far ahead", header: Sign(secret, epoch.Add(6*time.Minute))},
		{name: "wrong secret", header: Sign([]byte("other"), epoch)},
		{name: "missing", header: ""},
		{name: "no separator", header: "12345"},
		{name: "bad timestamp", header: "abc:00"},
		{name: "bad hex", header: strconv.FormatInt(epoch.Unix(), 10) + ":zz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers[HeaderName] = tt.header
			}
			p, err := a.Authenticate(request(headers))
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, "hmac", p.Scheme)
				return
			}
			require.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestHMACCustomDrift(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	a := NewAuthenticator(&Config{Secret: secret, MaxDrift: 30 * time.Second, Clock: clock}, nil, zap.NewNop())

	_, err := a.Authenticate(request(map[string]string{HeaderName: Sign(secret, epoch.Add(-time.Minute))}))
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestDisabledLetsEverythingThrough(t *testing.T) {
	a := NewAuthenticator(nil, nil, zap.NewNop())
	assert.False(t, a.Enabled())

	p, err := a.Authenticate(request(nil))
	require.NoError(t, err)
	assert.Equal(t, "none", p.Scheme)
}

func TestMiddleware(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	a := NewAuthenticator(&Config{Secret: secret, Clock: clock}, nil, zap.NewNop())

	var seen *Principal
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, request(nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
	assert.Nil(t, seen)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, request(map[string]string{HeaderName: Sign(secret, epoch)}))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "hmac", seen.Scheme)
}

func testKeys(t *testing.T) (jwk.Set, jwk.Key) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	publicKey, err := jwk.Import(&privateKey.PublicKey)
	require.NoError(t, err)
	require.NoError(t, publicKey.Set(jwk.KeyIDKey, "vault-test"))
	require.NoError(t, publicKey.Set(jwk.AlgorithmKey, jwa.RS256()))
	require.NoError(t, publicKey.Set(jwk.KeyUsageKey, "sig"))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(publicKey))

	signingKey, err := jwk.Import(privateKey)
	require.NoError(t, err)
	require.NoError(t, signingKey.Set(jwk.KeyIDKey, "vault-test"))
	require.NoError(t, signingKey.Set(jwk.AlgorithmKey, jwa.RS256()))
	return set, signingKey
}

func signToken(t *testing.T, key jwk.Key, claims map[string]any) string {
	t.Helper()
	token := jwt.New()
	for k, v := range claims {
		require.NoError(t, token.Set(k, v))
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256(), key))
	require.NoError(t, err)
	return string(signed)
}

func validClaims() map[string]any {
	return map[string]any{
		jwt.IssuerKey:     "https://issuer.example",
		jwt.AudienceKey:   []string{"vault"},
		jwt.SubjectKey:    "svc-backend",
		jwt.ExpirationKey: epoch.Add(time.Hour),
		jwt.IssuedAtKey:   epoch.Add(-time.Minute),
	}
}

func TestOIDCVerifier(t *testing.T) {
	set, key := testKeys(t)
	clock := clockwork.NewFakeClockAt(epoch)
	v := newOIDCVerifierFromSet(set, &OIDCConfig{
		Issuer:   "https://issuer.example",
		Audience: "vault",
		Clock:    clock,
	}, zap.NewNop())

	subject, err := v.VerifyToken(context.Background(), signToken(t, key, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "svc-backend", subject)

	mutations := map[string]func(c map[string]any){
		"wrong audience": func(c map[string]any) { c[jwt.AudienceKey] = []string{"someone-else"} },
		"wrong issuer":   func(c map[string]any) { c[jwt.IssuerKey] = "https://evil.example" },
		"expired":        func(c map[string]any) { c[jwt.ExpirationKey] = epoch.Add(-time.Hour) },
		"no subject":     func(c map[string]any) { delete(c, jwt.SubjectKey) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			claims := validClaims()
			mutate(claims)
			_, err := v.VerifyToken(context.Background(), signToken(t, key, claims))
			require.Error(t, err)
		})
	}

	_, otherKey := testKeys(t)
	_, err = v.VerifyToken(context.Background(), signToken(t, otherKey, validClaims()))
	require.Error(t, err, "signature from a key outside the set")
}

func TestBearerTakesPrecedence(t *testing.T) {
	set, key := testKeys(t)
	clock := clockwork.NewFakeClockAt(epoch)
	v := newOIDCVerifierFromSet(set, &OIDCConfig{Audience: "vault", Clock: clock}, zap.NewNop())
	a := NewAuthenticator(&Config{Secret: secret, Clock: clock}, v, zap.NewNop())

	p, err := a.Authenticate(request(map[string]string{"Authorization": "Bearer " + signToken(t, key, validClaims())}))
	require.NoError(t, err)
	assert.Equal(t, "oidc", p.Scheme)
	assert.Equal(t, "svc-backend", p.Subject)

	_, err = a.Authenticate(request(map[string]string{"Authorization": "Bearer garbage"}))
	require.ErrorIs(t, err, ErrUnauthorized)

	// HMAC still works alongside OIDC.
	p, err = a.Authenticate(request(map[string]string{HeaderName: Sign(secret, epoch)}))
	require.NoError(t, err)
	assert.Equal(t, "hmac", p.Scheme)
}

func TestNewOIDCVerifierFetchesJWKS(t *testing.T) {
	set, key := testKeys(t)
	body, err := json.Marshal(set)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v, err := NewOIDCVerifier(ctx, &OIDCConfig{
		JWKSURL:  srv.URL,
		Audience: "vault",
		Clock:    clockwork.NewFakeClockAt(epoch),
	}, zap.NewNop())
	require.NoError(t, err)

	subject, err := v.VerifyToken(ctx, signToken(t, key, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "svc-backend", subject)

	_, err = NewOIDCVerifier(ctx, &OIDCConfig{}, zap.NewNop())
	require.Error(t, err)
}
