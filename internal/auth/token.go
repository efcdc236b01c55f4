package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer   = "sleepplanet"
	defaultTokenTTL = 7200 * time.Second
	defaultLeeway   = 5 * time.Second
	minSecretLen    = 32
)

// Claims are the JWT claims issued by TokenService. Roles are informational:
// authorization always resolves permissions from the credential store.
type Claims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// UserID parses the numeric subject.
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: subject %q is not a user id", ErrTokenInvalid, c.Subject)
	}
	return id, nil
}

type Token struct {
	Value     string    `json:"token"`
	ID        string    `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"exp"`
}

// TokenService issues and verifies HS256 session tokens. The key and clock
// are injected and never change after construction.
type TokenService struct {
	secret  []byte
	issuer  string
	ttl     time.Duration
	leeway  time.Duration
	clock   func() time.Time
	revoked RevocationList
	parser  *jwt.Parser
}

type TokenOption func(*TokenService)

func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

func WithTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLeeway sets the tolerated clock skew for exp and iat checks.
func WithLeeway(d time.Duration) TokenOption {
	return func(s *TokenService) {
		if d >= 0 {
			s.leeway = d
		}
	}
}

func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) {
		if fn != nil {
			s.clock = fn
		}
	}
}

// WithRevocationList enables deny-list checks on Verify.
func WithRevocationList(rl RevocationList) TokenOption {
	return func(s *TokenService) { s.revoked = rl }
}

func NewTokenService(secret []byte, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretLen)
	}
	s := &TokenService{
		secret: append([]byte(nil), secret...),
		issuer: defaultIssuer,
		ttl:    defaultTokenTTL,
		leeway: defaultLeeway,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.clock),
		jwt.WithStrictDecoding(),
	)
	return s, nil
}

func (s *TokenService) TTL() time.Duration { return s.ttl }

// Issue signs a token for a user that has already passed credential checks.
// The expiry is fixed at issue time.
func (s *TokenService) Issue(user User) (Token, error) {
	if user.ID <= 0 {
		return Token{}, errors.New("user id is required")
	}
	now := s.clock().UTC()
	claims := Claims{
		Username: user.Username,
		Roles:    dedupe(user.Roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{
		Value:     signed,
		ID:        claims.ID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Verify checks signature, algorithm, issuer and timestamps, then the
// deny-list. Errors wrap ErrTokenMalformed, ErrTokenExpired, ErrTokenInvalid
// or ErrTokenRevoked; a deny-list outage wraps ErrStoreUnavailable.
func (s *TokenService) Verify(ctx context.Context, raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenMalformed
	}
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, classifyJWTError(err)
	}
	if _, err := claims.UserID(); err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: token id missing", ErrTokenInvalid)
	}
	if s.revoked != nil {
		revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: check revocation: %w", ErrStoreUnavailable, err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}

// Revoke deny-lists the token until it would have expired anyway.
func (s *TokenService) Revoke(ctx context.Context, claims *Claims) error {
	if s.revoked == nil {
		return errors.New("token revocation is not configured")
	}
	if claims == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return fmt.Errorf("%w: token id missing", ErrTokenInvalid)
	}
	until := claims.ExpiresAt.Time.Add(s.leeway)
	if err := s.revoked.Revoke(ctx, claims.ID, until); err != nil {
		return fmt.Errorf("%w: revoke token: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(strings.ToLower(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
