// Package auth verifies the bearer token a client presents when it opens a
// connection and resolves it to a user identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/relaychat/internal/store"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrUnknownUser  = errors.New("unknown user")
	ErrAuthDisabled = errors.New("auth secret not configured")
)

// Identity is the result of a verification. The zero value is anonymous.
type Identity struct {
	User      store.User
	ExpiresAt time.Time
}

// Anonymous reports whether the identity carries no user.
func (i Identity) Anonymous() bool {
	return i.User.ID == ""
}

// UserID returns the id of the resolved user.
func (i Identity) UserID() string {
	return i.User.ID
}

// Expired reports whether the token behind the identity has expired at now.
// Identities without an expiry never expire.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Claims is the token payload. The user id is read from "user_id" and falls
// back to the registered "sub" claim.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) subject() string {
	if id := strings.TrimSpace(c.UserID); id != "" {
		return id
	}
	return strings.TrimSpace(c.Subject)
}

// Verifier checks HS256 tokens and looks the embedded user up.
type Verifier struct {
	secret []byte
	users  store.UserStore
	now    func() time.Time
}

// NewVerifier builds a verifier for the given shared secret.
func NewVerifier(secret string, users store.UserStore) *Verifier {
	return &Verifier{secret: []byte(secret), users: users, now: time.Now}
}

// Verify validates token structure, signature, and expiry before trusting
// any claim. On any failure it returns an anonymous Identity together with
// the reason; it never panics on malformed input.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	if v == nil || len(v.secret) == 0 {
		return Identity{}, ErrAuthDisabled
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, ErrInvalidToken
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	userID := claims.subject()
	if userID == "" {
		return Identity{}, ErrInvalidToken
	}

	user, err := v.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Identity{}, ErrUnknownUser
		}
		return Identity{}, fmt.Errorf("lookup user: %w", err)
	}

	id := Identity{User: *user}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// Issuer signs tokens with the same secret a Verifier checks. It backs the
// CLI's token command and tests.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer returns an issuer for secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for userID. A non-positive ttl issues a token without
// an expiry.
func (i *Issuer) Issue(userID string, ttl time.Duration) (string, error) {
	if i == nil || len(i.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}

	now := i.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}
