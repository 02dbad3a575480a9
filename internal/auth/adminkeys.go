package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/bcrypt"

	"github.com/amurg-ai/relay/internal/config"
)

// apiKeyPrefix marks generated admin API keys.
const apiKeyPrefix = "rk_"

// verifiedKeyTTL is how long a successful bcrypt check is remembered.
const verifiedKeyTTL = 5 * time.Minute

// AdminKeys verifies admin API keys against configured bcrypt hashes.
type AdminKeys struct {
	keys     []config.AdminKeyEntry
	verified *gocache.Cache // sha256(key) -> key name
}

// NewAdminKeys creates a verifier for entries.
func NewAdminKeys(entries []config.AdminKeyEntry) *AdminKeys {
	return &AdminKeys{
		keys:     entries,
		verified: gocache.New(verifiedKeyTTL, 2*verifiedKeyTTL),
	}
}

// Enabled reports whether any admin key is configured.
func (a *AdminKeys) Enabled() bool {
	return len(a.keys) > 0
}

// Verify returns the name of the entry matching key.
func (a *AdminKeys) Verify(key string) (string, bool) {
	if key == "" || len(a.keys) == 0 {
		return "", false
	}

	digest := sha256.Sum256([]byte(key))
	cacheKey := hex.EncodeToString(digest[:])
	if name, ok := a.verified.Get(cacheKey); ok {
		return name.(string), true
	}

	for _, k := range a.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(key)) == nil {
			a.verified.SetDefault(cacheKey, k.Name)
			return k.Name, true
		}
	}
	return "", false
}

// HashKey returns the bcrypt hash stored in config for key.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash key: %w", err)
	}
	return string(hash), nil
}

// GenerateAPIKey returns a new random admin API key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(b), nil
}
