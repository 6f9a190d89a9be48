package identity

import "strings"

// Default rules used by the zero-value Classifier.
var (
	DefaultElevatedMarkers        = []string{"admin", "root"}
	DefaultElevatedDomainSuffixes = []string{"@tradepost.io"}
)

// A Classifier maps a contact address to a provisional privilege tier. It is
// a pure heuristic with no I/O so callers can derive a fast, optimistic
// authorization signal before the authoritative profile is available.
type Classifier struct {
	// Markers are substrings of the address that mark it as elevated.
	Markers []string
	// DomainSuffixes are address suffixes that mark it as elevated.
	DomainSuffixes []string
}

// Classify returns the provisional tier for the given contact address. An
// empty address classifies as standard. Matching is case-insensitive.
func (c Classifier) Classify(email string) Tier {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return TierStandard
	}

	markers := c.Markers
	if markers == nil {
		markers = DefaultElevatedMarkers
	}
	suffixes := c.DomainSuffixes
	if suffixes == nil {
		suffixes = DefaultElevatedDomainSuffixes
	}

	for _, marker := range markers {
		if marker != "" && strings.Contains(email, strings.ToLower(marker)) {
			return TierElevated
		}
	}
	for _, suffix := range suffixes {
		if suffix != "" && strings.HasSuffix(email, strings.ToLower(suffix)) {
			return TierElevated
		}
	}
	return TierStandard
}
