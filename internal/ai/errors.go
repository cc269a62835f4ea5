package ai

import (
	"errors"

	"github.com/kiranshivaraju/promptflow/internal/ai/backend"
)

var (
	ErrProviderUnavailable = backend.ErrProviderUnavailable
	ErrInferenceTimeout    = backend.ErrInferenceTimeout
	ErrInvalidResponse     = backend.ErrInvalidResponse
	ErrProviderError       = backend.ErrProviderError
	ErrMissingAPIKey       = backend.ErrMissingAPIKey
	ErrUnsupportedProvider = errors.New("unsupported ai provider")
)

// IsConfigError reports whether err comes from provider configuration rather
// than from the provider itself.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrUnsupportedProvider) || errors.Is(err, ErrMissingAPIKey)
}
