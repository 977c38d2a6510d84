package infrastructure

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

var (
	testChat   = types.NewJID("5511988887777", types.DefaultUserServer)
	testGroup  = types.NewJID("120363000000000000", types.GroupServer)
	testSender = types.NewJID("5511977776666", types.DefaultUserServer)
)

func TestMessageEventItem_Direct(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0)
	item, err := MessageEventItem(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: testChat, Sender: testChat},
			ID:            "3EB0ABC",
			Timestamp:     ts,
			PushName:      "Maria",
		},
		Message: &waE2E.Message{Conversation: proto.String("oi")},
	})
	require.NoError(t, err)

	key := item["key"].(map[string]any)
	assert.Equal(t, "3EB0ABC", key["id"])
	assert.Equal(t, "5511988887777@s.whatsapp.net", key["remoteJid"])
	assert.Equal(t, false, key["fromMe"])
	assert.NotContains(t, key, "participant")
	assert.Equal(t, "oi", item["message"].(map[string]any)["conversation"])
	assert.Equal(t, ts.Unix(), item["messageTimestamp"])
	assert.Equal(t, "Maria", item["pushName"])
}

func TestMessageEventItem_GroupCarriesParticipant(t *testing.T) {
	item, err := MessageEventItem(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: testGroup, Sender: testSender, IsGroup: true},
			ID:            "3EB0DEF",
			Timestamp:     time.Now(),
		},
		Message: &waE2E.Message{Conversation: proto.String("bom dia")},
	})
	require.NoError(t, err)

	key := item["key"].(map[string]any)
	assert.Equal(t, "120363000000000000@g.us", key["remoteJid"])
	assert.Equal(t, "5511977776666@s.whatsapp.net", key["participant"])
}

func TestDecryptedVoteItem(t *testing.T) {
	sentAt := time.UnixMilli(1_700_000_123_456)
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: testChat, Sender: testSender},
			ID:            "VOTE1",
			Timestamp:     time.Unix(1_700_000_200, 0),
		},
		Message: &waE2E.Message{
			PollUpdateMessage: &waE2E.PollUpdateMessage{
				PollCreationMessageKey: &waCommon.MessageKey{ID: proto.String("POLL1"), FromMe: proto.Bool(true)},
				SenderTimestampMS:      proto.Int64(sentAt.UnixMilli()),
			},
		},
	}
	hash := []byte{0xde, 0xad, 0xbe, 0xef}

	item := DecryptedVoteItem(evt, [][]byte{hash})

	key := item["key"].(map[string]any)
	assert.Equal(t, "POLL1", key["id"])
	assert.Equal(t, true, key["fromMe"])

	updates := item["update"].(map[string]any)["pollUpdates"].([]any)
	require.Len(t, updates, 1)
	update := updates[0].(map[string]any)
	voteKey := update["pollUpdateMessageKey"].(map[string]any)
	assert.Equal(t, "VOTE1", voteKey["id"])
	assert.Equal(t, "5511977776666@s.whatsapp.net", voteKey["participant"])
	assert.Equal(t, []any{base64.StdEncoding.EncodeToString(hash)}, update["vote"].(map[string]any)["selectedOptions"])
	assert.Equal(t, sentAt.UnixMilli(), update["senderTimestampMs"])
}

func TestReceiptItems(t *testing.T) {
	evt := &events.Receipt{
		MessageSource: types.MessageSource{Chat: testChat},
		MessageIDs:    []types.MessageID{"A1", "A2"},
		Type:          types.ReceiptTypeRead,
	}
	items := ReceiptItems(evt)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "A1", first["key"].(map[string]any)["id"])
	assert.Equal(t, true, first["key"].(map[string]any)["fromMe"])
	assert.Equal(t, "READ", first["update"].(map[string]any)["status"])

	evt.Type = types.ReceiptTypeDelivered
	assert.Equal(t, "DELIVERED", ReceiptItems(evt)[0].(map[string]any)["update"].(map[string]any)["status"])

	evt.Type = types.ReceiptTypeRetry
	assert.Empty(t, ReceiptItems(evt))
}

func TestWhatsmeowMediaType(t *testing.T) {
	assert.Equal(t, whatsmeow.MediaImage, whatsmeowMediaType("image"))
	assert.Equal(t, whatsmeow.MediaImage, whatsmeowMediaType("sticker"))
	assert.Equal(t, whatsmeow.MediaVideo, whatsmeowMediaType("video"))
	assert.Equal(t, whatsmeow.MediaAudio, whatsmeowMediaType("audio"))
	assert.Equal(t, whatsmeow.MediaDocument, whatsmeowMediaType("document"))
	assert.Equal(t, whatsmeow.MediaDocument, whatsmeowMediaType(""))
}
