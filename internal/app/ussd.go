package app

import (
	"regexp"
	"strings"
)

// promoCodePattern is the wire format for promo codes after normalization:
// uppercase letters, digits, and hyphens, 10 to 30 characters.
var promoCodePattern = regexp.MustCompile(`^[A-Z0-9-]{10,30}$`)

// USSDRequest is the parsed inbound request from the telecom aggregator.
// Text accumulates the caller's `*`-delimited menu inputs for the session.
type USSDRequest struct {
	SessionID   string `json:"sessionId" validate:"required"`
	PhoneNumber string `json:"phoneNumber" validate:"required"`
	ServiceCode string `json:"serviceCode"`
	Text        string `json:"text"`
	SourceIP    string `json:"-"`
}

// ExtractInput returns the caller's most recent menu entry: the last
// `*`-delimited segment of the accumulated session text.
func ExtractInput(text string) string {
	if text == "" {
		return ""
	}
	segments := strings.Split(text, "*")
	return strings.TrimSpace(segments[len(segments)-1])
}

// NormalizeCode strips all whitespace and uppercases the candidate code.
func NormalizeCode(input string) string {
	return strings.ToUpper(strings.Join(strings.Fields(input), ""))
}

// ValidCodeFormat reports whether a normalized code matches the promo code
// pattern. A mismatch re-prompts the subscriber, it is not terminal.
func ValidCodeFormat(code string) bool {
	return promoCodePattern.MatchString(code)
}
