package types

import "errors"

// Error kinds returned by the config services and repositories. Callers
// distinguish them with errors.Is; HTTP translation happens in the api layer.
var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("access denied")
	ErrConflict         = errors.New("already exists")
	ErrValidation       = errors.New("invalid input")
	ErrProviderRejected = errors.New("rejected by provider")
)
