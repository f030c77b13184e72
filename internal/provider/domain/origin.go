package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Kling task ids are long decimal strings; anything shorter is too ambiguous
// to call.
const minNumericIDLen = 12

// ResolveOrigin infers which concrete provider produced an external id. A
// concrete declared provider is taken at face value. For multiplexed requests
// the id's lexical shape decides: UUID-shaped ids are replicate predictions,
// long all-digit ids are kling tasks. The second return value is false when
// the shape was ambiguous and the fallback was used; callers should log those
// for audit.
func ResolveOrigin(externalID string, declared, fallback Provider) (Provider, bool) {
	if declared.Concrete() {
		return declared, true
	}

	id := strings.TrimSpace(externalID)
	if id == "" {
		return fallback, false
	}

	if _, err := uuid.Parse(id); err == nil {
		return ProviderReplicate, true
	}
	if len(id) >= minNumericIDLen && allDigits(id) {
		return ProviderKling, true
	}

	return fallback, false
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
