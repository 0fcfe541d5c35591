package sdk

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass categorizes session errors for retry decisions.
type ErrorClass string

const (
	// ClassTransport indicates a broken or torn-down session that a
	// fresh session can recover from.
	ClassTransport ErrorClass = "TRANSPORT"

	// ClassTimeout indicates deadline exceeded.
	ClassTimeout ErrorClass = "TIMEOUT"

	// ClassAuth indicates authentication/authorization failures (401,
	// invalid key). Never retried.
	ClassAuth ErrorClass = "AUTH"

	// ClassQuota indicates rate limiting or quota exhaustion (429).
	// Never retried within one invocation.
	ClassQuota ErrorClass = "QUOTA"

	// ClassCancelled indicates an external cancellation observed
	// mid-stream.
	ClassCancelled ErrorClass = "CANCELLED"

	// ClassUnknown is the default for unrecognized errors.
	ClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifyError categorizes a session error for the retry decision.
// It inspects the error message for known patterns and returns the
// most specific ErrorClass that matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	msg := strings.ToLower(err.Error())

	// Cancellation observed from the underlying library.
	if strings.Contains(msg, "cancelled") ||
		strings.Contains(msg, "canceled") {
		return ClassCancelled
	}

	// Auth errors: 401, unauthorized, invalid key, forbidden, 403.
	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ClassAuth
	}

	// Quota: 429, rate limit, quota exceeded, too many requests.
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "overloaded") {
		return ClassQuota
	}

	// Timeout: deadline exceeded, timeout, timed out.
	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ClassTimeout
	}

	// Transport: broken session plumbing. A torn-down scope from a
	// previous invocation shows up here too and is recovered by
	// building a fresh session.
	if strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "closed pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "empty stream") ||
		strings.Contains(msg, "stream closed") ||
		strings.Contains(msg, "scope") {
		return ClassTransport
	}

	return ClassUnknown
}
