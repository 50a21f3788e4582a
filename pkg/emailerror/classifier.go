package emailerror

import (
	"strings"
)

// Kind buckets a provider send error for retry decisions.
type Kind string

const (
	KindRateLimited      Kind = "RATE_LIMITED"
	KindConnectionError  Kind = "CONNECTION_ERROR"
	KindAuthError        Kind = "AUTH_ERROR"
	KindInvalidRecipient Kind = "INVALID_RECIPIENT"
	KindBounced          Kind = "BOUNCED"
	KindSuppressed       Kind = "SUPPRESSED"
	KindQuotaExceeded    Kind = "QUOTA_EXCEEDED"
	KindUnknown          Kind = "UNKNOWN"
)

// ClassifiedError wraps a provider error with its retry classification.
type ClassifiedError struct {
	Original  error
	Kind      Kind
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	if e.Original == nil {
		return string(e.Kind)
	}
	return e.Original.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Original
}

// Classification rule tables. Matching is case-insensitive substring, first
// table that matches wins; auth is checked before recipient so that
// "535 authentication rejected" lands on AuthError, not Bounced.
var (
	rateLimitedPatterns = []string{"rate", "throttl", "too many"}
	connectionPatterns  = []string{"connect", "timeout", "refused"}
	authPatterns        = []string{"auth", "credential", "535"}
	recipientPatterns   = []string{"invalid recipient", "550"}
	bouncedPatterns     = []string{"bounce", "reject", "blocked"}
)

// Classify maps a send error onto a Kind with a retry decision.
// A nil error classifies to nil.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case containsAny(errStr, rateLimitedPatterns):
		return &ClassifiedError{Original: err, Kind: KindRateLimited, Retryable: true}
	case containsAny(errStr, connectionPatterns):
		return &ClassifiedError{Original: err, Kind: KindConnectionError, Retryable: true}
	case containsAny(errStr, authPatterns):
		return &ClassifiedError{Original: err, Kind: KindAuthError, Retryable: false}
	case containsAny(errStr, recipientPatterns):
		return &ClassifiedError{Original: err, Kind: KindInvalidRecipient, Retryable: false}
	case containsAny(errStr, bouncedPatterns):
		return &ClassifiedError{Original: err, Kind: KindBounced, Retryable: false}
	default:
		return &ClassifiedError{Original: err, Kind: KindUnknown, Retryable: true}
	}
}

func containsAny(errStr string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
