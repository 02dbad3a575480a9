// Package auth authorizes WebSocket upgrades and admin API calls.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/amurg-ai/relay/internal/config"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the caller behind a validated connection token.
type Identity struct {
	Subject string
	Issuer  string
}

// Provider validates bearer tokens presented on upgrade.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// NewProvider creates a Provider based on configuration. ctx bounds any
// background key refresh the provider runs.
func NewProvider(ctx context.Context, cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case config.AuthNone, "":
		return NoneProvider{}, nil
	case config.AuthJWT:
		return NewService(cfg), nil
	case config.AuthJWKS:
		return NewJWKSProvider(ctx, cfg.JWKSURL, cfg.JWTIssuer)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}

// NoneProvider accepts every upgrade. The token, if any, is ignored.
type NoneProvider struct{}

func (NoneProvider) ValidateToken(context.Context, string) (*Identity, error) {
	return &Identity{}, nil
}

func (NoneProvider) Name() string { return config.AuthNone }
