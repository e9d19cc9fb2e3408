// Package model holds the data types shared across the fabric agent:
// desired/applied configuration, peer specs, and the error taxonomy that
// every component converts its failures into.
package model

import "errors"

// Sentinel errors classifying failures by kind rather than by concrete type,
// so callers can branch with errors.Is regardless of which executor produced
// the error.
var (
	// ErrConfigFatal means a required identity or configuration value is
	// missing or out of range. Startup must abort non-zero.
	ErrConfigFatal = errors.New("fatal configuration error")

	// ErrControlPlaneTransient wraps any network error or non-2xx response
	// from the control plane. The current cycle is abandoned; the next tick
	// retries. No local state is mutated.
	ErrControlPlaneTransient = errors.New("control plane request failed")

	// ErrPeerApplyPartial marks a single peer's apply failing while the rest
	// of the reconciliation cycle continues.
	ErrPeerApplyPartial = errors.New("peer apply failed")

	// ErrExecutorBenign covers conditions an executor treats as success:
	// "already exists", "already up", "rule already present".
	ErrExecutorBenign = errors.New("benign executor condition")

	// ErrExecutorHard covers conditions an executor cannot recover from on
	// its own: missing tool, permission denied.
	ErrExecutorHard = errors.New("executor failed")

	// ErrReloadFailure means the routing daemon's configure command
	// returned a non-success response.
	ErrReloadFailure = errors.New("routing daemon reload failed")
)
