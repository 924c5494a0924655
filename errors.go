package goRefresh

import (
	"errors"
	"fmt"
)

var (
	// ErrRefreshInvalid is the umbrella for every refresh failure a transport
	// presents as one generic rejection.
	ErrRefreshInvalid = errors.New("invalid refresh token")
	// ErrTokenNotFound covers malformed, unknown, and wrong-session tokens.
	ErrTokenNotFound = fmt.Errorf("%w: token not found", ErrRefreshInvalid)
	// ErrTokenExpired is returned for an active token past its expiry.
	ErrTokenExpired = fmt.Errorf("%w: token expired", ErrRefreshInvalid)
	// ErrReplayDetected is returned when a consumed or revoked token is
	// presented, or a concurrent rotation of the same token lost the race.
	// The family has been revoked and the session version bumped.
	ErrReplayDetected = fmt.Errorf("%w: replay detected", ErrRefreshInvalid)

	// ErrRefreshRateLimited is returned when a session exceeds its refresh budget.
	ErrRefreshRateLimited = errors.New("refresh rate limited")
	// ErrStoreUnavailable wraps token store and version counter failures.
	ErrStoreUnavailable = errors.New("token store unavailable")
	// ErrHashCollision is a storage integrity violation on insert.
	ErrHashCollision = errors.New("refresh token hash collision")
	// ErrTokenGeneration is returned when a secret or uuid cannot be generated.
	ErrTokenGeneration = errors.New("refresh token generation failed")
	// ErrEngineNotReady is returned by a nil or closed engine.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrInvalidSessionID is returned for an empty or over-long session id.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrInvalidUserID is returned for an empty or over-long user id.
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrAccessTokensDisabled is returned by access-token operations when
	// Access.Enabled is false.
	ErrAccessTokensDisabled = errors.New("access tokens disabled")
	// ErrAccessTokenInvalid is returned for access tokens that fail
	// signature or claim checks.
	ErrAccessTokenInvalid = errors.New("invalid access token")
	// ErrAccessTokenStale is returned for access tokens minted before the
	// current session version.
	ErrAccessTokenStale = errors.New("access token session version is stale")
	// ErrAccessTokenIssue is returned when the access token could not be
	// signed after the refresh token was already committed.
	ErrAccessTokenIssue = errors.New("access token issuance failed")
)

// IsAuthFailure reports whether err is one of the refresh failures a caller
// should see as a plain authentication rejection.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrRefreshInvalid)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
