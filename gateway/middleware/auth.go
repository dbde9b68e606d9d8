package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"marketchain/crypto"
)

type AuthConfig struct {
	Enabled    bool
	HMACSecret []byte
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

type contextKey string

const (
	ContextKeyCaller contextKey = "gateway.caller"
	ContextKeyToken  contextKey = "gateway.token"

	// HeaderCaller names the caller when token authentication is disabled.
	HeaderCaller = "X-Market-Caller"
)

// Authenticator verifies HMAC-signed bearer tokens. The sub claim names the
// caller identity, as a bech32 market address or 0x hex.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	secret := []byte(strings.TrimSpace(string(cfg.HMACSecret)))
	return &Authenticator{cfg: cfg, logger: logger, secret: secret}
}

// Middleware rejects requests without a valid token when required is set.
// Otherwise a valid token is attached when present and anonymous requests
// pass through.
func (a *Authenticator) Middleware(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled {
				a.serveUnauthenticated(w, r, next, required)
				return
			}
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				if required {
					writeError(w, http.StatusUnauthorized, "missing bearer token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			caller, err := a.Verify(tokenString)
			if err != nil {
				a.logger.Warn("gateway: token rejected", slog.String("path", r.URL.Path), slog.Any("error", err))
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyCaller, caller)
			ctx = context.WithValue(ctx, ContextKeyToken, tokenString)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) serveUnauthenticated(w http.ResponseWriter, r *http.Request, next http.Handler, required bool) {
	raw := strings.TrimSpace(r.Header.Get(HeaderCaller))
	if raw == "" {
		if required {
			writeError(w, http.StatusUnauthorized, "missing "+HeaderCaller+" header")
			return
		}
		next.ServeHTTP(w, r)
		return
	}
	caller, err := crypto.ParseIdentity(raw)
	if err != nil || caller == ([20]byte{}) {
		writeError(w, http.StatusUnauthorized, "invalid caller identity")
		return
	}
	next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
}

// Verify parses tokenString and returns the caller identity in its subject.
func (a *Authenticator) Verify(tokenString string) ([20]byte, error) {
	claims, err := a.parseToken(tokenString)
	if err != nil {
		return [20]byte{}, err
	}
	if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
		return [20]byte{}, err
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return [20]byte{}, errors.New("subject missing")
	}
	caller, err := crypto.ParseIdentity(sub)
	if err != nil {
		return [20]byte{}, err
	}
	if caller == ([20]byte{}) {
		return [20]byte{}, errors.New("zero identity not allowed")
	}
	return caller, nil
}

// CallerFromContext returns the authenticated caller, if any.
func CallerFromContext(ctx context.Context) ([20]byte, bool) {
	caller, ok := ctx.Value(ContextKeyCaller).([20]byte)
	return caller, ok
}

// WithCaller attaches caller to ctx.
func WithCaller(ctx context.Context, caller [20]byte) context.Context {
	return context.WithValue(ctx, ContextKeyCaller, caller)
}

// IssueToken signs a token for caller. It backs the CLI and tests; production
// tokens come from the operator's identity provider.
func IssueToken(secret []byte, issuer, audience string, caller [20]byte, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("auth secret not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   crypto.MarketAddress(caller).String(),
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience missing")
		}
	}
	return nil
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"kind": http.StatusText(status), "message": msg},
	})
}
