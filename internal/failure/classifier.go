// Package failure maps free-text provider errors to a closed set of
// categories that drive refund messaging and the audit trail.
package failure

import "strings"

type Reason string

const (
	ReasonSafetyBlocked Reason = "SAFETY_BLOCKED"
	ReasonQuota         Reason = "QUOTA_ERROR"
	ReasonTimeout       Reason = "TIMEOUT_ERROR"
	ReasonNetwork       Reason = "NETWORK_ERROR"
	ReasonInvalidInput  Reason = "INVALID_INPUT"
	ReasonProvider      Reason = "PROVIDER_ERROR"
	ReasonStorage       Reason = "STORAGE_ERROR"
	ReasonUnknown       Reason = "UNKNOWN_ERROR"
)

type rule struct {
	reason   Reason
	keywords []string
}

// Rules are evaluated in order; the first category with a matching keyword
// wins. SAFETY_BLOCKED is checked first: its refund message and audit trail
// differ, so it must never fall through to a generic provider error.
var rules = []rule{
	{ReasonSafetyBlocked, []string{
		"nsfw", "safety", "content policy", "flagged", "moderation",
		"inappropriate", "blocked content", "sensitive",
	}},
	{ReasonQuota, []string{
		"quota", "rate limit", "too many requests", "429", "insufficient credits",
		"limit exceeded", "capacity",
	}},
	{ReasonTimeout, []string{
		"timeout", "timed out", "deadline exceeded", "took too long",
	}},
	{ReasonNetwork, []string{
		"connection", "network", "unreachable", "dns", "reset by peer",
		"broken pipe", "eof",
	}},
	{ReasonInvalidInput, []string{
		"invalid", "unsupported", "bad request", "malformed", "missing parameter",
		"validation",
	}},
	{ReasonStorage, []string{
		"storage", "upload failed", "download failed", "bucket", "disk",
	}},
	{ReasonProvider, []string{
		"internal error", "server error", "500", "502", "503", "unavailable",
		"provider", "task failed",
	}},
}

// Classify maps an error message to its failure category. Deterministic, no
// side effects. Empty input is UNKNOWN_ERROR.
func Classify(errorMessage string) Reason {
	message := strings.ToLower(strings.TrimSpace(errorMessage))
	if message == "" {
		return ReasonUnknown
	}

	for _, r := range rules {
		for _, keyword := range r.keywords {
			if strings.Contains(message, keyword) {
				return r.reason
			}
		}
	}
	return ReasonUnknown
}

// UserMessage returns the category-specific refund message. Raw provider
// error strings are never shown to users.
func UserMessage(reason Reason) string {
	switch reason {
	case ReasonSafetyBlocked:
		return "Your request was blocked by the content safety filter. Your credits have been returned."
	case ReasonQuota, ReasonTimeout, ReasonNetwork:
		return "The generation service was temporarily overloaded. Your credits have been returned; please try again in a few minutes."
	case ReasonInvalidInput:
		return "The request could not be processed as submitted. Your credits have been returned."
	case ReasonStorage:
		return "We could not store the generated result. Your credits have been returned."
	case ReasonProvider:
		return "The generation service reported an error. Your credits have been returned."
	default:
		return "Something went wrong while processing your request. Your credits have been returned."
	}
}
