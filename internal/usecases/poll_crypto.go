package usecases

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"engage_inbound/internal/entities"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/util/cbcutil"
	"go.mau.fi/whatsmeow/util/hkdfutil"
	"google.golang.org/protobuf/proto"
)

const pollMACSize = 10

var (
	ErrPollKeysMissing   = errors.New("poll key material missing")
	ErrPollMACMismatch   = errors.New("poll vote mac mismatch")
	ErrPollCiphertext    = errors.New("poll vote ciphertext malformed")
	ErrPollVotePlaintext = errors.New("poll vote plaintext malformed")
)

var pollKeyInfo = map[string]string{
	"image":    "WhatsApp Image Keys",
	"video":    "WhatsApp Video Keys",
	"audio":    "WhatsApp Audio Keys",
	"document": "WhatsApp Document Keys",
	"poll":     "Poll Vote",
}

func pollInfo(mediaType string) []byte {
	if info, ok := pollKeyInfo[mediaType]; ok {
		return []byte(info)
	}
	return []byte(pollKeyInfo["poll"])
}

// derivePollKeys expands the poll message secret into the AES and MAC keys.
func derivePollKeys(secret []byte, mediaType string) (cipherKey, macKey []byte) {
	expanded := hkdfutil.SHA256(secret, nil, pollInfo(mediaType), 64)
	return expanded[:32], expanded[32:]
}

// DecryptPollVote recovers the selected option hashes of an encrypted vote.
// The payload is ciphertext || HMAC-SHA256(macKey, iv || ciphertext)[:10]; the MAC is
// verified before anything is decrypted.
func DecryptPollVote(enc entities.EncryptedVote, poll *entities.Poll) ([][]byte, error) {
	if poll == nil || len(poll.MessageSecret) == 0 || poll.CreationMessageKey == nil {
		return nil, ErrPollKeysMissing
	}
	if len(enc.EncIV) != aes.BlockSize || len(enc.EncPayload) <= pollMACSize {
		return nil, ErrPollCiphertext
	}

	cipherKey, macKey := derivePollKeys(poll.MessageSecret, poll.MediaType)

	ciphertext := enc.EncPayload[:len(enc.EncPayload)-pollMACSize]
	tag := enc.EncPayload[len(enc.EncPayload)-pollMACSize:]

	mac := hmac.New(sha256.New, macKey)
	mac.Write(enc.EncIV)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil)[:pollMACSize], tag) {
		return nil, ErrPollMACMismatch
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrPollCiphertext
	}

	// cbcutil decrypts in place.
	plaintext, err := cbcutil.Decrypt(cipherKey, enc.EncIV, append([]byte(nil), ciphertext...))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPollCiphertext, err)
	}

	var vote waE2E.PollVoteMessage
	if err := proto.Unmarshal(plaintext, &vote); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPollVotePlaintext, err)
	}
	return vote.GetSelectedOptions(), nil
}

// decryptFailureReason labels decryption errors for metrics.
func decryptFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrPollKeysMissing):
		return "missing_keys"
	case errors.Is(err, ErrPollMACMismatch):
		return "mac_mismatch"
	case errors.Is(err, ErrPollCiphertext):
		return "malformed_ciphertext"
	case errors.Is(err, ErrPollVotePlaintext):
		return "malformed_plaintext"
	}
	return "other"
}
