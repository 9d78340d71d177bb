// Package auth authenticates callers with HS256 bearer tokens whose subject
// is the caller's hex address.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

type ctxKey struct{}

type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func New(secret, issuer string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for addr. Used by tests and the dev token command.
func (a *Authenticator) Issue(addr common.Address, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   addr.Hex(),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates raw and returns the subject address.
func (a *Authenticator) Parse(raw string) (common.Address, error) {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.Parser{ValidMethods: []string{jwt.SigningMethodHS256.Alg()}}
	tok, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil || !tok.Valid {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return common.Address{}, fmt.Errorf("%w: issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, fmt.Errorf("%w: subject is not an address", ErrInvalidToken)
	}
	addr := common.HexToAddress(claims.Subject)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: zero subject", ErrInvalidToken)
	}
	return addr, nil
}

// Middleware rejects requests without a valid token and stores the caller
// in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw := strings.TrimPrefix(header, "Bearer ")
		if header == "" || raw == header {
			http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
			return
		}
		addr, err := a.Parse(strings.TrimSpace(raw))
		if err != nil {
			http.Error(w, ErrInvalidToken.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
	})
}

func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, ctxKey{}, addr)
}

// Caller returns the authenticated address, if any.
func Caller(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(ctxKey{}).(common.Address)
	return addr, ok
}
