package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token type discriminators embedded in every credential payload.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims is the signed payload shared by access and refresh credentials.
// Access tokens carry the tenant claim plus role and permission
// snapshots; refresh payloads are minimal (sub, type, jti, iat, exp).
type Claims struct {
	TenantID    string   `json:"tenant_id,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"type"`
	jwt.RegisteredClaims
}

// TokenCodec signs, verifies, and decodes session credentials using
// HS256. The secret comes from the process configuration; the codec
// performs no ambient lookups.
type TokenCodec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// CodecOption configures TokenCodec behavior.
type CodecOption func(*TokenCodec)

// WithCodecClock overrides the codec time source (tests).
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *TokenCodec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewTokenCodec constructs a codec for the given signing secret.
func NewTokenCodec(secret []byte, issuer string, opts ...CodecOption) (*TokenCodec, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	c := &TokenCodec{
		secret: secret,
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// IssueAccess mints a stateless access credential embedding the role and
// permission snapshots.
func (c *TokenCodec) IssueAccess(userID, tenantID string, roles, permissions []string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, errors.New("auth: ttl must be greater than zero")
	}
	now := c.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		TenantID:    tenantID,
		Roles:       roles,
		Permissions: permissions,
		TokenType:   TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// IssueRefresh mints a refresh credential with an absolute expiry. The
// jti is a fresh random identifier per issuance; the store indexes by
// hash of the whole token, never by jti.
func (c *TokenCodec) IssueRefresh(userID string, expiresAt time.Time) (string, error) {
	now := c.now().UTC()
	if !expiresAt.After(now) {
		return "", errors.New("auth: refresh expiry must be in the future")
	}
	claims := Claims{
		TokenType: TokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt.UTC()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Decode verifies signature and expiry and returns the claims. Any
// signature, expiry, or parse failure yields ErrInvalidToken; nothing
// panics across the codec boundary.
func (c *TokenCodec) Decode(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if c.issuer != "" && claims.Issuer != c.issuer {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyRefresh decodes the token and additionally rejects anything that
// is not a refresh credential.
func (c *TokenCodec) VerifyRefresh(token string) (*Claims, error) {
	claims, err := c.Decode(token)
	if err != nil {
		return nil, ErrRefreshTokenInvalid
	}
	if claims.TokenType != TokenTypeRefresh || claims.ID == "" {
		return nil, ErrRefreshTokenInvalid
	}
	return claims, nil
}
