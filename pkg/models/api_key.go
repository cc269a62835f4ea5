package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Scopes an API key can carry. Submitting and cancelling jobs needs write;
// managing keys needs admin.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

// APIKey identifies the user who owns submitted jobs. The raw key is returned
// once when the key is issued; only its bcrypt hash and prefix are stored.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	UserID     uuid.UUID  `db:"user_id"      json:"userId"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"keyPrefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"lastUsedAt,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"createdAt"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updatedAt"`
}

// HasScope reports whether scopes grants scope.
func HasScope(scopes []string, scope string) bool {
	return slices.Contains(scopes, scope)
}
