package config

import (
	"regexp"
	"strings"
)

var (
	validSubjectRe  = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	invalidChars    = regexp.MustCompile(`[^a-z0-9_-]+`)
	leadingDashes   = regexp.MustCompile(`^-+`)
	trailingDashes  = regexp.MustCompile(`-+$`)
)

// NormalizeSubjectID converts a user-provided bot name into a valid subject
// identifier:
//   - Lowercase, max 64 chars
//   - Only [a-z0-9_-] allowed
//   - Invalid chars replaced with "-"
//   - Leading/trailing dashes stripped
//
// Returns "" for input that normalizes to nothing; callers treat that as a
// contract violation.
func NormalizeSubjectID(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}

	lower := strings.ToLower(trimmed)
	if validSubjectRe.MatchString(lower) {
		return lower
	}

	result := invalidChars.ReplaceAllString(lower, "-")
	result = leadingDashes.ReplaceAllString(result, "")
	result = trailingDashes.ReplaceAllString(result, "")
	if len(result) > 64 {
		result = result[:64]
	}
	return result
}
