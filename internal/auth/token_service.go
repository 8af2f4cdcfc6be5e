package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL defines the fallback validity period for session tokens.
const DefaultTokenTTL = 30 * 24 * time.Hour

// TokenConfig bundles the configuration required to build a TokenService.
type TokenConfig struct {
	Secret   string
	Issuer   string
	TokenTTL time.Duration
	Clock    func() time.Time
}

// Claims represents the custom claims embedded in issued session tokens. The
// token version is compared against the user record on every request; a
// mismatch means the token was issued before a global sign-out.
type Claims struct {
	UserID       string `json:"uid"`
	TokenVersion int    `json:"ver"`
	jwt.RegisteredClaims
}

// TokenService is responsible for issuing and validating session tokens.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService constructs a TokenService instance when provided with the required configuration.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token: secret must be provided")
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &TokenService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    now,
	}, nil
}

// IssueSessionToken signs a token embedding the user id and their current token version.
func (s *TokenService) IssueSessionToken(userID string, tokenVersion int) (string, error) {
	if userID == "" {
		return "", errors.New("token: user id is required")
	}

	now := s.now()
	claims := &Claims{
		UserID:       userID,
		TokenVersion: tokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}

	return signed, nil
}

// ValidateSessionToken parses and validates a signed token, returning the application claims.
// Token-version acceptance is the caller's responsibility: the embedded version
// must still equal the user's current one.
func (s *TokenService) ValidateSessionToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("token: token string is empty")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token: parse: %w", err)
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, errors.New("token: invalid issuer")
	}

	if claims.UserID == "" {
		return nil, errors.New("token: missing user id claim")
	}

	return &claims, nil
}
