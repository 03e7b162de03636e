/*
auth.go - Bearer token authentication

PURPOSE:
  Turns an HS256 JWT into the credits.Subject the permission gate checks.
  The subject's user id comes from the "sub" claim and its roles from the
  "roles" claim. The acting user of every ledger write made during the
  request is the subject.

TOKENS:
  {"sub": "42", "roles": ["credits:manage"], "iss": "credit-ledger", "exp": ...}
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/credit-ledger/credits"
	"github.com/warp/credit-ledger/logging"
)

var signingMethod = jwt.SigningMethodHS256

// Claims is the JWT body understood by the API.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator mints and verifies bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

// NewAuthenticator creates an Authenticator. The secret is required.
func NewAuthenticator(secret, issuer string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, clock: time.Now}, nil
}

// Mint signs a token for subject, valid for ttl.
func (a *Authenticator) Mint(subject credits.Subject, ttl time.Duration) (string, error) {
	now := a.clock()
	claims := Claims{
		Roles: subject.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(subject.UserID, 10),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

// Parse validates token and returns its subject.
func (a *Authenticator) Parse(token string) (credits.Subject, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithTimeFunc(a.clock),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return credits.Subject{}, err
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return credits.Subject{}, fmt.Errorf("invalid subject %q", claims.Subject)
	}
	return credits.Subject{UserID: userID, Roles: claims.Roles}, nil
}

type subjectKey struct{}

// Middleware rejects requests without a valid bearer token and stores the
// subject in the request context.
func (a *Authenticator) Middleware(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
				return
			}
			subject, err := a.Parse(token)
			if err != nil {
				log.Warn(log.WithField(r.Context(), "error", err.Error()), "rejected bearer token")
				writeError(w, http.StatusUnauthorized, "Invalid bearer token", nil)
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey{}, subject)
			ctx = credits.WithActor(ctx, subject.UserID)
			ctx = log.WithUserID(ctx, subject.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// subjectFrom returns the authenticated subject. Requests that bypassed
// the middleware get an anonymous subject with no roles.
func subjectFrom(ctx context.Context) credits.Subject {
	if s, ok := ctx.Value(subjectKey{}).(credits.Subject); ok {
		return s
	}
	return credits.Subject{UserID: credits.SystemUserID}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}
