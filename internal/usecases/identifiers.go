package usecases

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
)

var contactNamespace = uuid.MustParse("9f1c4c2e-5b7a-4d0e-8f5e-2a6c1b3d4e70")

const (
	userServer   = "s.whatsapp.net"
	legacyServer = "c.us"
	groupServer  = "g.us"
	lidServer    = "lid"
)

// DigitsOnly drops every non digit rune.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// JIDUser returns the user part of a WhatsApp JID, without device suffix.
// "5511999999999:12@s.whatsapp.net" -> "5511999999999".
func JIDUser(jid string) string {
	user := strings.TrimSpace(jid)
	if at := strings.IndexByte(user, '@'); at >= 0 {
		user = user[:at]
	}
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	return user
}

func jidServer(jid string) string {
	if at := strings.LastIndexByte(jid, '@'); at >= 0 {
		return jid[at+1:]
	}
	return ""
}

// IsGroupJID reports whether jid addresses a group chat.
func IsGroupJID(jid string) bool {
	return jidServer(jid) == groupServer
}

// NormalizeChatID canonicalizes a chat identifier to "<user>@<server>".
// Bare phone numbers become user JIDs; legacy c.us addresses are rewritten.
func NormalizeChatID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	server := jidServer(raw)
	user := JIDUser(raw)
	switch server {
	case "":
		digits := DigitsOnly(user)
		if digits == "" {
			return ""
		}
		return digits + "@" + userServer
	case legacyServer:
		return user + "@" + userServer
	default:
		return user + "@" + server
	}
}

// NormalizePhone turns a phone number or JID into E.164.
// Numbers that libphonenumber rejects keep their digits with a leading '+'; empty input
// or anything shorter than 8 digits yields "".
func NormalizePhone(raw, defaultRegion string) string {
	if raw == "" {
		return ""
	}
	if server := jidServer(raw); server == groupServer || server == lidServer {
		return ""
	}
	candidate := JIDUser(raw)
	digits := DigitsOnly(candidate)
	if len(digits) < 8 {
		return ""
	}

	// WhatsApp user parts carry the country code without '+'.
	input := "+" + digits
	if strings.HasPrefix(strings.TrimSpace(candidate), "0") {
		input = candidate
	}
	number, err := phonenumbers.Parse(input, defaultRegion)
	if err == nil && phonenumbers.IsValidNumber(number) {
		return phonenumbers.Format(number, phonenumbers.E164)
	}
	return "+" + digits
}

// NormalizeDocument keeps the alphanumeric characters of a tax document, upper cased.
func NormalizeDocument(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if unicode.IsDigit(r) || unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// ContactID derives a stable contact id for a phone number inside a tenant.
func ContactID(tenantID, phone string) string {
	return uuid.NewSHA1(contactNamespace, []byte(tenantID+"|"+phone)).String()
}

// DeterministicID hashes parts into a short stable identifier.
func DeterministicID(prefix string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return prefix + hex.EncodeToString(sum[:12])
}

// MessageDedupeKey is the message level dedupe key, computed before any storage access.
func MessageDedupeKey(tenantID, instanceID, chatID, messageID string) string {
	return tenantID + ":" + instanceID + ":" + chatID + ":" + messageID
}
