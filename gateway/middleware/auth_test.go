package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketchain/crypto"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func callerEcho(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(crypto.MarketAddress(caller).String()))
	})
}

func newTestAuthenticator() *Authenticator {
	return NewAuthenticator(AuthConfig{
		Enabled:    true,
		HMACSecret: testSecret,
		Issuer:     "marketd",
		Audience:   "market-clients",
	}, nil)
}

func TestAuthenticatorAcceptsIssuedToken(t *testing.T) {
	auth := newTestAuthenticator()
	caller := [20]byte{0xaa, 0x01}
	token, err := IssueToken(testSecret, "marketd", "market-clients", caller, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/me/items", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	auth.Middleware(true)(callerEcho(t)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, crypto.MarketAddress(caller).String(), rec.Body.String())
}

func TestAuthenticatorRejects(t *testing.T) {
	caller := [20]byte{0xaa, 0x02}
	wrongAudience, err := IssueToken(testSecret, "marketd", "someone-else", caller, time.Minute)
	require.NoError(t, err)
	expired, err := IssueToken(testSecret, "marketd", "market-clients", caller, -time.Hour)
	require.NoError(t, err)
	forged, err := IssueToken([]byte("another-secret-another-secret-xx"), "marketd", "market-clients", caller, time.Minute)
	require.NoError(t, err)

	cases := map[string]string{
		"missing":        "",
		"malformed":      "Bearer not-a-token",
		"wrong audience": "Bearer " + wrongAudience,
		"expired":        "Bearer " + expired,
		"forged":         "Bearer " + forged,
	}
	auth := newTestAuthenticator()
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/listings", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			auth.Middleware(true)(callerEcho(t)).ServeHTTP(rec, req)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			require.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestAuthenticatorOptionalPassesAnonymous(t *testing.T) {
	auth := newTestAuthenticator()
	req := httptest.NewRequest(http.MethodGet, "/v1/listings", nil)
	rec := httptest.NewRecorder()
	auth.Middleware(false)(callerEcho(t)).ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAuthenticatorDisabledUsesCallerHeader(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	caller := [20]byte{0xbb, 0x03}

	req := httptest.NewRequest(http.MethodPost, "/v1/listings", nil)
	req.Header.Set(HeaderCaller, crypto.MarketAddress(caller).String())
	rec := httptest.NewRecorder()
	auth.Middleware(true)(callerEcho(t)).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, crypto.MarketAddress(caller).String(), rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/v1/listings", nil)
	rec = httptest.NewRecorder()
	auth.Middleware(true)(callerEcho(t)).ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/listings", nil)
	req.Header.Set(HeaderCaller, "0x1234")
	rec = httptest.NewRecorder()
	auth.Middleware(true)(callerEcho(t)).ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestObservabilityAssignsRequestID(t *testing.T) {
	obs := NewObservability(ObservabilityConfig{Enabled: true}, nil)
	var seen string
	handler := obs.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, seen)
	require.Equal(t, seen, rec.Header().Get(HeaderRequestID))

	const supplied = "8a4f2f8e-6c1b-4d57-9f0e-2a3b4c5d6e7f"
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderRequestID, supplied)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, supplied, seen)
}
