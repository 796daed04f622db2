/*
Package auth resolves the caller of an API request from a bearer token.

TOKENS:
  HS256 JWTs carrying user_id (int), exp and an optional admin flag. The
  token only names a user; the middleware loads that user from the store on
  every request, so a token for a deleted user stops working immediately.

FAILURES:
  Missing header, bad signature, wrong algorithm, missing or past exp, wrong
  issuer and unknown user all answer 401. RequireAdmin answers 403.
*/
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/zap"

	"github.com/warp/redemption-engine/ledger"
)

// MinSecretLen is the shortest HS256 key go-jose accepts.
const MinSecretLen = 32

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrUnknownUser  = errors.New("user not found")
	ErrForbidden    = errors.New("admin privileges required")
)

// Claims are the application claims next to the registered ones.
type Claims struct {
	UserID int64 `json:"user_id"`
	Admin  bool  `json:"admin,omitempty"`
}

// Identity is the authenticated caller.
type Identity struct {
	UserID ledger.UserID
	Admin  bool
}

// UserLookup is the slice of ledger.Store the middleware needs.
type UserLookup interface {
	GetUser(ctx context.Context, id ledger.UserID) (*ledger.User, error)
}

// Verifier checks tokens and resolves identities.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
	users  UserLookup
	log    *zap.Logger
}

type Option func(*Verifier)

// WithIssuer requires the iss claim to match.
func WithIssuer(iss string) Option { return func(v *Verifier) { v.issuer = iss } }

func WithLeeway(d time.Duration) Option { return func(v *Verifier) { v.leeway = d } }

func WithClock(now func() time.Time) Option { return func(v *Verifier) { v.now = now } }

func WithLogger(l *zap.Logger) Option { return func(v *Verifier) { v.log = l } }

func NewVerifier(secret []byte, users UserLookup, opts ...Option) (*Verifier, error) {
	if len(secret) < MinSecretLen {
		return nil, ledger.Invalid("jwt secret must be at least %d bytes", MinSecretLen)
	}
	v := &Verifier{
		secret: secret,
		leeway: jwt.DefaultLeeway,
		now:    time.Now,
		users:  users,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.log = v.log.Named("auth")
	return v, nil
}

// Verify parses and validates raw. It does not touch the store.
func (v *Verifier) Verify(raw string) (Claims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	var std jwt.Claims
	var app Claims
	if err := tok.Claims(v.secret, &std, &app); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if std.Expiry == nil {
		return Claims{}, ErrInvalidToken
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Issuer: v.issuer, Time: v.now()}, v.leeway); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if app.UserID <= 0 {
		return Claims{}, ErrInvalidToken
	}
	return app, nil
}

// Authenticate resolves the request's bearer token to a live user.
func (v *Verifier) Authenticate(r *http.Request) (Identity, error) {
	raw, ok := bearer(r.Header.Get("Authorization"))
	if !ok {
		return Identity{}, ErrMissingToken
	}
	claims, err := v.Verify(raw)
	if err != nil {
		return Identity{}, err
	}

	id := ledger.UserID(claims.UserID)
	if _, err := v.users.GetUser(r.Context(), id); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Identity{}, ErrUnknownUser
		}
		return Identity{}, err
	}
	return Identity{UserID: id, Admin: claims.Admin}, nil
}

// Middleware rejects unauthenticated requests and stores the Identity in
// the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, err := v.Authenticate(r)
		switch {
		case err == nil:
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), ident)))
		case errors.Is(err, ErrMissingToken), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrUnknownUser):
			v.log.Debug("rejected", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized - "+err.Error())
		default:
			v.log.Error("user lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal", "internal error")
		}
	})
}

// RequireAdmin must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, ok := FromContext(r.Context())
		if !ok || !ident.Admin {
			writeError(w, http.StatusForbidden, "forbidden", ErrForbidden.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Sign issues an HS256 token. The API never issues tokens; this serves
// tests and operator tooling.
func Sign(secret []byte, issuer string, claims Claims, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", err
	}
	now := time.Now()
	std := jwt.Claims{
		Issuer:   issuer,
		Subject:  "user",
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.Signed(signer).Claims(std).Claims(claims).Serialize()
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

// =============================================================================
// CONTEXT
// =============================================================================

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
