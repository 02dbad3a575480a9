package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/amurg-ai/relay/internal/config"
)

// Service validates and mints HS256 connection tokens from a shared secret.
type Service struct {
	secret []byte
	issuer string
	expiry time.Duration
}

// NewService creates a new token service.
func NewService(cfg config.AuthConfig) *Service {
	expiry := cfg.TokenExpiry.Duration
	if expiry == 0 {
		expiry = 24 * time.Hour
	}
	return &Service{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.JWTIssuer,
		expiry: expiry,
	}
}

func (s *Service) Name() string { return config.AuthJWT }

// ValidateToken validates a bearer token and returns its Identity.
func (s *Service) ValidateToken(_ context.Context, tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrUnauthorized
	}

	return &Identity{Subject: claims.Subject, Issuer: claims.Issuer}, nil
}

// GenerateToken mints a token for subject. A zero ttl uses the configured
// expiry.
func (s *Service) GenerateToken(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if ttl <= 0 {
		ttl = s.expiry
	}
	now := time.Now()
	claims := &jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    s.issuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
