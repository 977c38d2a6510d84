package http

import (
	"regexp"
	"strings"
)

// Input validation constants.
const (
	MaxIdentifierLength = 128
	MaxWebhookBodyBytes = 10 << 20
	QRCodeSize          = 256
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:@-]+$`)

// ValidIdentifier checks ids taken from paths, headers and query strings
// (instance ids, ticket ids, agreement ids).
func ValidIdentifier(s string) bool {
	if s == "" || len(s) > MaxIdentifierLength {
		return false
	}
	return identifierPattern.MatchString(s)
}

// SanitizeString cleans a free-form header or query value. Null bytes and invalid
// UTF-8 are dropped and the result is capped at MaxIdentifierLength bytes.
func SanitizeString(s string) string {
	s = strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "")
	s = strings.TrimSpace(s)
	if len(s) > MaxIdentifierLength {
		s = strings.ToValidUTF8(s[:MaxIdentifierLength], "")
	}
	return s
}
