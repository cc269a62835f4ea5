// Package apikey issues API keys. Only the bcrypt hash and a short clear-text
// prefix of a key are stored; the raw key is shown once.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/promptflow/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	rawPrefix   = "pf_"
	secretBytes = 24
	// PrefixLen matches the lookup prefix the auth middleware takes.
	PrefixLen = 8
	// MinLen is the shortest raw key accepted for bootstrap.
	MinLen = 16
)

var (
	ScopesAdmin   = []string{models.ScopeRead, models.ScopeWrite, models.ScopeAdmin}
	ScopesDefault = []string{models.ScopeRead, models.ScopeWrite}
)

// Creator persists API keys. store.Store satisfies it.
type Creator interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// Generate returns a new random raw key.
func Generate() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return rawPrefix + hex.EncodeToString(b), nil
}

// New builds the stored form of rawKey.
func New(userID uuid.UUID, name, rawKey string, scopes []string) (*models.APIKey, error) {
	if len(rawKey) < MinLen {
		return nil, fmt.Errorf("api key must be at least %d characters", MinLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing api key: %w", err)
	}
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:PrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Issue generates, stores and returns a new key. The raw key is returned
// alongside its stored form.
func Issue(ctx context.Context, c Creator, userID uuid.UUID, name string, scopes []string) (string, *models.APIKey, error) {
	raw, err := Generate()
	if err != nil {
		return "", nil, err
	}
	key, err := New(userID, name, raw, scopes)
	if err != nil {
		return "", nil, err
	}
	if err := c.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("storing api key: %w", err)
	}
	return raw, key, nil
}

// Verify reports whether rawKey is the key stored as key.
func Verify(key *models.APIKey, rawKey string) bool {
	return bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil
}
