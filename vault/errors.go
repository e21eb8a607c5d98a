package vault

import (
	"errors"

	"github.com/templewallet/walletd/tezos"
)

// PublicError is an error whose message is safe to display to the user
// verbatim (invalid password, name collisions, unsupported signer type).
// Anything else gets wrapped in a generic "Failed to <action>" PublicError
// before leaving the vault, so internal storage and crypto details never
// reach a UI surface or a dApp.
type PublicError struct {
	msg string
}

// NewPublicError creates a user-facing error.
func NewPublicError(msg string) *PublicError {
	return &PublicError{msg: msg}
}

func (e *PublicError) Error() string {
	return e.msg
}

// IsPublicError reports whether err is (or wraps) a PublicError.
func IsPublicError(err error) bool {
	var pub *PublicError
	return errors.As(err, &pub)
}

// withPublicFallback passes PublicError and structured operation errors
// through verbatim and replaces everything else with the generic message.
func withPublicFallback(err error, generic string) error {
	if err == nil {
		return nil
	}
	if IsPublicError(err) {
		return err
	}
	var opErr *tezos.OperationError
	if errors.As(err, &opErr) {
		// Structured node errors survive untouched so the dApp receives
		// the errors array.
		return err
	}
	return NewPublicError(generic)
}
