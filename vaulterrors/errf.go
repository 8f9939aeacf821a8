package vaulterrors

import "fmt"

// Errf wraps a sentinel with an operation label, matching the
// fmt.Errorf("%s: %w", op, sentinel) idiom used throughout this module.
func Errf(op string, sentinel error) error {
	return fmt.Errorf("%s: %w", op, sentinel)
}

// Wrapf wraps a sentinel together with an underlying cause, for the
// StorageError and CryptoError kinds where the cause is worth retaining.
func Wrapf(op string, sentinel, cause error) error {
	return fmt.Errorf("%s: %w: %w", op, sentinel, cause)
}
