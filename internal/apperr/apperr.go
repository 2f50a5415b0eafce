// Package apperr defines the failure taxonomy shared by every component of the
// connectivity core. Errors are wrapped with one of the sentinels so callers can
// branch with errors.Is without knowing which layer produced them.
package apperr

import "errors"

var (
	// ErrAuthFailure marks a rejected or expired credential. Not retried.
	ErrAuthFailure = errors.New("auth failure")
	// ErrConnectionLost marks a dropped socket, network error or exchange 5xx.
	ErrConnectionLost = errors.New("connection lost")
	// ErrRateLimited marks exchange throttling (HTTP 429/418 or weight guard).
	ErrRateLimited = errors.New("rate limited")
	// ErrNormalizationRejected marks an order that cannot satisfy symbol filters.
	ErrNormalizationRejected = errors.New("normalization rejected")
	// ErrPersistenceFailure marks a database error.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// Kind labels, bounded for metrics
const (
	KindAuth          = "auth"
	KindConnection    = "connection"
	KindRateLimit     = "rate_limit"
	KindNormalization = "normalization"
	KindPersistence   = "persistence"
	KindOther         = "other"
)

// KindOf maps an error to its taxonomy label
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthFailure):
		return KindAuth
	case errors.Is(err, ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, ErrConnectionLost):
		return KindConnection
	case errors.Is(err, ErrNormalizationRejected):
		return KindNormalization
	case errors.Is(err, ErrPersistenceFailure):
		return KindPersistence
	default:
		return KindOther
	}
}
