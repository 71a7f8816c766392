// Package gwerror defines the sentinel errors the request pipeline uses to
// signal the outcome of authentication, authorization, and upstream dispatch.
// Handlers map these to HTTP status codes with errors.Is, the same way the
// rest of this codebase maps store.ErrNotFound to 404.
package gwerror

import "errors"

var (
	// ErrUnauthenticated means no such key exists, or it has been revoked.
	ErrUnauthenticated = errors.New("gateway: unauthenticated")

	// ErrForbidden means the key is valid but bound to a different service,
	// or the request was classified and blocked as a bot.
	ErrForbidden = errors.New("gateway: forbidden")

	// ErrServiceNotFound means no Service exists for the requested id.
	ErrServiceNotFound = errors.New("gateway: service not found")

	// ErrRateLimited means the token bucket had no tokens available.
	ErrRateLimited = errors.New("gateway: rate limited")

	// ErrUpstreamMisconfigured means the service's target_url is unusable
	// (missing or unsupported scheme).
	ErrUpstreamMisconfigured = errors.New("gateway: upstream misconfigured")

	// ErrUpstreamUnreachable covers connection failures and any transport
	// error other than a timeout.
	ErrUpstreamUnreachable = errors.New("gateway: upstream unreachable")

	// ErrUpstreamTimeout means the upstream dispatch deadline elapsed.
	ErrUpstreamTimeout = errors.New("gateway: upstream timeout")
)
