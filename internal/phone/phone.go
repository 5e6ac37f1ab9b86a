// Package phone normalizes recipient phone numbers to the digits-only key used by the
// opt-in registry and the provider API.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

const (
	minDigits = 7
	maxDigits = 15
)

// Normalize strips everything but ASCII digits.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Plausible reports whether raw looks like a number we can message. Numbers written in
// international form are additionally checked against the numbering plan.
func Plausible(raw string) bool {
	digits := Normalize(raw)
	if len(digits) < minDigits || len(digits) > maxDigits {
		return false
	}
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "+") {
		parsed, err := phonenumbers.Parse(trimmed, "")
		if err != nil {
			return false
		}
		return phonenumbers.IsPossibleNumber(parsed)
	}
	return true
}

// FirstUsable returns the normalized form of the first plausible candidate.
func FirstUsable(candidates []string) (string, bool) {
	for _, c := range candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}
		if Plausible(c) {
			return Normalize(c), true
		}
	}
	return "", false
}
