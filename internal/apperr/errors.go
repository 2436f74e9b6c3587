// Package apperr defines the error kinds shared across the engine.
//
// Callers classify failures with errors.Is against these sentinels; every
// component wraps them with fmt.Errorf("...: %w") to add context.
package apperr

import "errors"

var (
	// ErrNotFound is returned for unknown or deleted conversations, memories and profiles.
	ErrNotFound = errors.New("not found")

	// ErrCapacity is returned when an append cannot fit even after eviction.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrBudgetTooSmall is returned when the newest message alone exceeds the token budget.
	ErrBudgetTooSmall = errors.New("token budget too small")

	// ErrEmbeddingUnavailable marks a failed or timed out embedding call.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrConsolidation marks a failed consolidation pass for one or more users.
	ErrConsolidation = errors.New("consolidation failure")

	// ErrIntegrity marks a persistence constraint violation. It is never retried.
	ErrIntegrity = errors.New("integrity violation")

	// ErrInvalid marks malformed input.
	ErrInvalid = errors.New("invalid argument")
)
