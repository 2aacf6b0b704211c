package llm

import (
	"fmt"
	"strings"
)

// ErrorType categorizes LLM errors for retry and user messaging decisions.
type ErrorType string

const (
	ErrorTypeUnknown         ErrorType = "unknown"
	ErrorTypeContextOverflow ErrorType = "context_overflow"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeOverloaded      ErrorType = "overloaded"
	ErrorTypeAuth            ErrorType = "auth"
	ErrorTypeBilling         ErrorType = "billing"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeFormat          ErrorType = "format"
)

func containsAny(lower string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsContextOverflowMessage checks if an error message indicates context overflow.
func IsContextOverflowMessage(msg string) bool {
	return containsAny(strings.ToLower(msg),
		"context size has been exceeded",
		"context_length_exceeded",
		"context length exceeded",
		"maximum context length",
		"prompt is too long",
		"request_too_large",
		"exceeds model context window")
}

// IsRateLimitMessage checks if a message indicates rate limiting.
func IsRateLimitMessage(msg string) bool {
	return containsAny(strings.ToLower(msg),
		"429",
		"rate_limit",
		"rate limit",
		"too many requests",
		"quota exceeded",
		"requests per minute")
}

// IsOverloadedMessage checks if a message indicates the service is overloaded.
func IsOverloadedMessage(msg string) bool {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "503") && containsAny(lower, "service", "unavailable") {
		return true
	}
	return containsAny(lower, "overloaded", "server is busy", "temporarily unavailable")
}

// IsAuthMessage checks if a message indicates authentication failure.
func IsAuthMessage(msg string) bool {
	return containsAny(strings.ToLower(msg),
		"401",
		"403",
		"invalid api key",
		"invalid_api_key",
		"incorrect api key",
		"unauthorized",
		"authentication",
		"invalid x-api-key")
}

// IsBillingMessage checks if a message indicates billing/payment issues.
func IsBillingMessage(msg string) bool {
	return containsAny(strings.ToLower(msg),
		"402",
		"payment required",
		"insufficient credits",
		"credit balance",
		"insufficient_quota")
}

// IsTimeoutMessage checks if a message indicates a timeout.
func IsTimeoutMessage(msg string) bool {
	return containsAny(strings.ToLower(msg),
		"408",
		"504",
		"timeout",
		"timed out",
		"deadline exceeded",
		"connection reset")
}

// IsFormatMessage checks if a message indicates invalid request format.
func IsFormatMessage(msg string) bool {
	return containsAny(strings.ToLower(msg),
		"roles must alternate",
		"tool_use.id",
		"tool_use` ids",
		"invalid_request_error",
		"malformed")
}

// ClassifyError determines the error type from an error.
// Returns ErrorTypeUnknown if the error doesn't match any known pattern.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	msg := err.Error()
	// Check in order of specificity
	switch {
	case IsContextOverflowMessage(msg):
		return ErrorTypeContextOverflow
	case IsRateLimitMessage(msg):
		return ErrorTypeRateLimit
	case IsOverloadedMessage(msg):
		return ErrorTypeOverloaded
	case IsBillingMessage(msg):
		return ErrorTypeBilling
	case IsAuthMessage(msg):
		return ErrorTypeAuth
	case IsTimeoutMessage(msg):
		return ErrorTypeTimeout
	case IsFormatMessage(msg):
		return ErrorTypeFormat
	}
	return ErrorTypeUnknown
}

// IsRetryable reports whether a request that failed with errType may succeed
// when sent again unchanged.
func IsRetryable(errType ErrorType) bool {
	switch errType {
	case ErrorTypeRateLimit, ErrorTypeOverloaded, ErrorTypeTimeout:
		return true
	}
	return false
}

// FormatErrorForUser returns a user-friendly error message.
func FormatErrorForUser(err error) string {
	switch ClassifyError(err) {
	case ErrorTypeContextOverflow:
		return "Context overflow: prompt too large for the model. Try /compact or start a new session."
	case ErrorTypeRateLimit:
		return "Rate limited - too many requests. Please wait a moment and try again."
	case ErrorTypeOverloaded:
		return "The AI service is temporarily overloaded. Please try again in a moment."
	case ErrorTypeAuth:
		return "Authentication failed. Check your API key configuration."
	case ErrorTypeBilling:
		return "Billing issue with the AI provider. Check your account credits/plan."
	case ErrorTypeTimeout:
		return "Request timed out. Please try again."
	case ErrorTypeFormat:
		return "Message format error - the session history may be corrupted. Try /session new."
	default:
		return fmt.Sprintf("LLM error: %v", err)
	}
}
