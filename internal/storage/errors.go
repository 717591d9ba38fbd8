package storage

import (
	"context"
	"errors"
	"fmt"
)

// Backend error taxonomy. Adapters wrap native errors with one of these so
// callers never see SDK-specific types.
var (
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	ErrQuotaExceeded      = errors.New("storage quota exceeded")
	ErrInvalidPath        = errors.New("invalid storage path")
	ErrObjectNotFound     = errors.New("object not found")
)

// Registry errors.
var (
	ErrStrategyNotFound = errors.New("storage strategy not found")
	ErrStrategyInactive = errors.New("storage strategy is inactive")
	ErrStrategyInUse    = errors.New("storage strategy is in use")
	ErrInvalidConfig    = errors.New("invalid strategy config")
)

// Unavailable wraps err as ErrBackendUnavailable, keeping context
// cancellation visible to callers.
func Unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrBackendUnavailable, err)
}

// NotFound wraps err as ErrObjectNotFound.
func NotFound(op, path string) error {
	return fmt.Errorf("%s %s: %w", op, path, ErrObjectNotFound)
}

// QuotaExceeded wraps err as ErrQuotaExceeded.
func QuotaExceeded(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrQuotaExceeded, err)
}

// IsTaxonomy reports whether err already carries a storage taxonomy error.
func IsTaxonomy(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrInvalidPath) ||
		errors.Is(err, ErrObjectNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Normalize maps an error that escaped an adapter without classification to
// ErrBackendUnavailable. Already classified errors pass through.
func Normalize(op string, err error) error {
	if err == nil || IsTaxonomy(err) {
		return err
	}
	return Unavailable(op, err)
}
