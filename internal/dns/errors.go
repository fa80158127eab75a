package dns

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable marks transport or authentication failures. The
	// whole provider is assumed to be unusable until the next cycle.
	ErrProviderUnavailable = errors.New("dns provider unavailable")

	// ErrProviderRejected marks a request the provider refused for one record
	// (validation, quota, malformed zone).
	ErrProviderRejected = errors.New("dns provider rejected request")
)

// Unavailable annotates err with ErrProviderUnavailable. The original error
// stays in the chain, so context deadlines remain detectable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrProviderUnavailable, err)
}

// Rejected annotates err with ErrProviderRejected.
func Rejected(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrProviderRejected, err)
}
