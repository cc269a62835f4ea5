package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("promptflow:job:%s:status", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("promptflow:ratelimit:%s", keyPrefix)
}

// IdempotencyKey scopes a client-supplied Idempotency-Key header to its owner.
func IdempotencyKey(userID uuid.UUID, key string) string {
	return fmt.Sprintf("promptflow:idem:%s:%s", userID, key)
}
