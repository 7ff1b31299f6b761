package model

import (
	"errors"
	"fmt"
)

// ErrValidation is the root of every local rejection: unknown parameter keys,
// out of range values and commanded power outside the physical limits.
var ErrValidation = errors.New("validation error")

// ErrUnknownKey is returned when a partial update names a key outside the allow-list.
var ErrUnknownKey = fmt.Errorf("%w: unknown parameter key", ErrValidation)

func invalid(key, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, key, reason)
}
