package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/amurg-ai/relay/internal/config"
)

// JWKSProvider validates tokens signed by an external identity provider whose
// keys are published as a JWK set.
type JWKSProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewJWKSProvider fetches the key set at jwksURL and keeps it refreshed until
// ctx is done.
func NewJWKSProvider(ctx context.Context, jwksURL, issuer string) (*JWKSProvider, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return NewJWKSProviderFromKeyfunc(jwks, issuer), nil
}

// NewJWKSProviderFromKeyfunc wraps an already loaded key set.
func NewJWKSProviderFromKeyfunc(jwks keyfunc.Keyfunc, issuer string) *JWKSProvider {
	return &JWKSProvider{issuer: issuer, jwks: jwks}
}

func (p *JWKSProvider) Name() string { return config.AuthJWKS }

// ValidateToken parses a JWT against the key set and returns its Identity.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub := claimStr(claims, "sub")
	if sub == "" {
		return nil, ErrUnauthorized
	}
	return &Identity{Subject: sub, Issuer: claimStr(claims, "iss")}, nil
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
