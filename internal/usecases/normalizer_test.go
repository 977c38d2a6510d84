package usecases

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"engage_inbound/internal/entities"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func normalize(t *testing.T, raw string, hints entities.TransportHints) *entities.InboundEnvelope {
	t.Helper()
	env, err := NewNormalizer("BR").Normalize([]byte(raw), hints)
	require.NoError(t, err)
	require.NotNil(t, env)
	return env
}

func TestNormalize_CanonicalEnvelope(t *testing.T) {
	env := normalize(t, `{
		"instanceId": "inst-1",
		"chatId": "5511999990000@c.us",
		"message": {"kind": "message", "id": "wamid.9", "payload": {"type": "image", "caption": "foto", "mediaUrl": "https://cdn.example.test/a.jpg"}}
	}`, entities.TransportHints{Origin: entities.OriginBroker})

	assert.Equal(t, entities.OriginBroker, env.Origin)
	assert.Equal(t, testChat, env.ChatID)
	assert.Equal(t, "wamid.9", env.MessageID())

	p := env.Message.Payload
	require.NotNil(t, p)
	assert.Equal(t, entities.MessageTypeImage, p.Type)
	assert.Equal(t, "wamid.9", p.ExternalID)
	assert.Equal(t, testChat, p.Contact.JID)
	assert.Equal(t, "+5511999990000", p.Contact.Phone)
	require.NotNil(t, p.MediaURL)
	assert.Equal(t, "https://cdn.example.test/a.jpg", *p.MediaURL)
}

func TestNormalize_ConnectorImageMessage(t *testing.T) {
	env := normalize(t, `{
		"event": "messages.upsert",
		"instanceId": "inst-1",
		"data": {"messages": [{
			"key": {"remoteJid": "5511999990000@s.whatsapp.net", "fromMe": false, "id": "ABC"},
			"pushName": "Maria",
			"messageTimestamp": 1700000000,
			"message": {"imageMessage": {"caption": "foto", "mimetype": "image/jpeg", "directPath": "/v/t62/abc", "mediaKey": "AQID", "fileLength": "1234"}}
		}]}
	}`, entities.TransportHints{})

	assert.Equal(t, entities.OriginWebhook, env.Origin)
	assert.Equal(t, "inst-1", env.InstanceID)
	assert.Equal(t, entities.KindMessage, env.Message.Kind)

	p := env.Message.Payload
	require.NotNil(t, p)
	assert.Equal(t, "ABC", p.ExternalID)
	assert.Equal(t, entities.MessageTypeImage, p.Type)
	assert.Equal(t, "foto", p.Caption)
	assert.Equal(t, "image/jpeg", p.Mimetype)
	assert.Equal(t, int64(1234), p.FileSize)
	assert.Nil(t, p.MediaURL)
	require.NotNil(t, p.Media)
	assert.Equal(t, "/v/t62/abc", p.Media.DirectPath)
	assert.Equal(t, []byte{1, 2, 3}, p.Media.MediaKey)
	assert.Equal(t, "image", p.Media.MediaType)
	require.NotNil(t, p.BrokerMessageTimestamp)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), *p.BrokerMessageTimestamp)
	assert.Equal(t, "Maria", p.Contact.Name)
	assert.Equal(t, "imageMessage", p.Metadata["messageType"])
	assert.NotContains(t, p.Metadata, "participant")
}

func TestNormalize_ConnectorBatch(t *testing.T) {
	envs, err := NewNormalizer("BR").NormalizeBatch([]byte(`{
		"instanceId": "inst-1",
		"messages": [
			{"key": {"remoteJid": "5511999990000@s.whatsapp.net", "id": "M1"}, "message": {"conversation": "oi"}},
			{"key": {"remoteJid": "5511999990000@s.whatsapp.net", "id": "M2"}, "message": {"extendedTextMessage": {"text": "tudo bem?"}}}
		]
	}`), entities.TransportHints{})
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, "oi", envs[0].Message.Payload.Text)
	assert.Equal(t, "tudo bem?", envs[1].Message.Payload.Text)
}

func TestNormalize_ConnectorGroupUsesParticipant(t *testing.T) {
	env := normalize(t, `{
		"instanceId": "inst-1",
		"data": {"key": {"remoteJid": "120363000000000000@g.us", "participant": "5511977776666@s.whatsapp.net", "id": "G1"}, "message": {"conversation": "bom dia"}}
	}`, entities.TransportHints{})

	assert.Equal(t, "120363000000000000@g.us", env.ChatID)
	assert.Equal(t, testVoter, env.Message.Payload.Contact.JID)
	assert.Equal(t, "+5511977776666", env.Message.Payload.Contact.Phone)
}

func TestNormalize_ConnectorPollCreation(t *testing.T) {
	env := normalize(t, `{
		"instanceId": "inst-1",
		"data": {
			"key": {"remoteJid": "5511988887777@s.whatsapp.net", "fromMe": true, "id": "POLL1"},
			"message": {
				"messageContextInfo": {"messageSecret": "QkJC"},
				"pollCreationMessageV3": {"name": "Qual horário?", "options": [{"optionName": "Manhã"}, {"optionName": "Tarde"}], "selectableOptionsCount": 1}
			}
		}
	}`, entities.TransportHints{})

	p := env.Message.Payload
	require.NotNil(t, p)
	assert.Equal(t, entities.MessageTypeText, p.Type)
	assert.Equal(t, "Qual horário?", p.Text)
	assert.True(t, p.FromMe)

	require.NotNil(t, p.Poll)
	assert.Equal(t, "POLL1", p.Poll.PollID)
	assert.Equal(t, "inst-1", p.Poll.InstanceID)
	assert.Equal(t, []byte("BBB"), p.Poll.MessageSecret)
	assert.Equal(t, 1, p.Poll.SelectableCount)
	require.Len(t, p.Poll.Options, 2)
	assert.Equal(t, PollOptionID("Tarde"), p.Poll.Options[1].ID)
	require.NotNil(t, p.Poll.CreationMessageKey)
	assert.True(t, p.Poll.CreationMessageKey.FromMe)
	assert.Equal(t, "POLL1", asMap(p.Metadata["poll"])["id"])
}

func TestNormalize_ConnectorPollUpdate(t *testing.T) {
	env := normalize(t, `{
		"instanceId": "inst-1",
		"data": {
			"key": {"remoteJid": "5511977776666@s.whatsapp.net", "id": "VOTE1"},
			"message": {"pollUpdateMessage": {"pollCreationMessageKey": {"id": "POLL1"}, "vote": {"encPayload": "AQID", "encIv": "BAUG"}, "senderTimestampMs": 1700000000000}}
		}
	}`, entities.TransportHints{Origin: entities.OriginBroker})

	require.True(t, env.IsPollUpdate())
	assert.Nil(t, env.Message.Payload)

	pu := env.Message.PollUpdate
	assert.Equal(t, "POLL1", pu.PollID)
	assert.Equal(t, testVoter, pu.VoterJID)
	require.NotNil(t, pu.Encrypted)
	assert.Equal(t, []byte{1, 2, 3}, pu.Encrypted.EncPayload)
	assert.Equal(t, []byte{4, 5, 6}, pu.Encrypted.EncIV)
	require.NotNil(t, pu.Timestamp)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), *pu.Timestamp)
}

func TestNormalize_ConnectorDecryptedPollUpdates(t *testing.T) {
	sum := sha256.Sum256([]byte("Manhã"))
	raw := `{
		"event": "messages.update",
		"instanceId": "inst-1",
		"data": [{
			"key": {"remoteJid": "5511988887777@s.whatsapp.net", "id": "POLL1"},
			"update": {"pollUpdates": [{
				"pollUpdateMessageKey": {"remoteJid": "5511977776666@s.whatsapp.net"},
				"vote": {"selectedOptions": ["` + base64.StdEncoding.EncodeToString(sum[:]) + `"]},
				"senderTimestampMs": 1700000000000
			}]}
		}]
	}`

	env := normalize(t, raw, entities.TransportHints{})
	require.True(t, env.IsPollUpdate())
	assert.Equal(t, "POLL1", env.Message.PollUpdate.PollID)
	assert.Equal(t, testVoter, env.Message.PollUpdate.VoterJID)
	assert.Equal(t, []string{PollOptionID("Manhã")}, env.Message.PollUpdate.OptionIDs)
	assert.Equal(t, "POLL1:"+testVoter, env.MessageID())
}

func TestNormalize_StatusUpdates(t *testing.T) {
	env := normalize(t, `{
		"event": "messages.update",
		"instanceId": "inst-1",
		"data": {"key": {"remoteJid": "5511999990000@s.whatsapp.net", "id": "ABC"}, "update": {"status": 3}}
	}`, entities.TransportHints{})
	assert.Equal(t, entities.KindUpdate, env.Message.Kind)
	assert.Equal(t, "ABC", env.Message.ExternalID)
	assert.Equal(t, "3", env.Message.Status)
	assert.Nil(t, env.Message.Payload)

	// An update without a message id carries nothing to ingest.
	env, err := NewNormalizer("BR").Normalize([]byte(`{"event":"message.status","payload":{"status":"read"}}`), entities.TransportHints{})
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestNormalize_FlatMessage(t *testing.T) {
	env := normalize(t, `{"messageId":"F1","from":"5511999990000","text":"oi","timestamp":"2024-01-02T03:04:05Z","instanceId":"inst-1","tenantId":"t1"}`,
		entities.TransportHints{})

	assert.Equal(t, "t1", env.TenantID)
	assert.Equal(t, testChat, env.ChatID)
	require.NotNil(t, env.Hints)
	assert.Equal(t, "t1", env.Hints.TenantID)
	assert.Equal(t, "webhook", env.Hints.Source)

	p := env.Message.Payload
	assert.Equal(t, entities.MessageTypeText, p.Type)
	assert.Equal(t, "oi", p.Text)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), *p.BrokerMessageTimestamp)
	assert.Equal(t, "webhook", p.Metadata["source"])
}

func TestNormalize_ContractEvent(t *testing.T) {
	env := normalize(t, `{"type":"text","instanceId":"inst-1","payload":{"messageId":"C1","from":"5511999990000@s.whatsapp.net","body":"olá"}}`,
		entities.TransportHints{})
	assert.Equal(t, entities.MessageTypeText, env.Message.Payload.Type)
	assert.Equal(t, "olá", env.Message.Payload.Text)
	assert.Equal(t, "C1", env.MessageID())

	// The payload's own type wins over the contract type.
	env = normalize(t, `{"event":"message","type":"document","instanceId":"inst-1","payload":{"id":"C2","from":"5511999990000","type":"image","url":"https://cdn.example.test/b.jpg"}}`,
		entities.TransportHints{})
	assert.Equal(t, entities.MessageTypeImage, env.Message.Payload.Type)
	require.NotNil(t, env.Message.Payload.MediaURL)
	assert.Equal(t, "https://cdn.example.test/b.jpg", *env.Message.Payload.MediaURL)
}

func TestNormalize_FlatLocationByStructure(t *testing.T) {
	env := normalize(t, `{"id":"L1","from":"5511999990000","latitude":-23.55,"longitude":-46.63,"address":"Av. Paulista","instanceId":"inst-1"}`,
		entities.TransportHints{})
	p := env.Message.Payload
	assert.Equal(t, entities.MessageTypeLocation, p.Type)
	require.NotNil(t, p.Location)
	assert.InDelta(t, -23.55, p.Location.Latitude, 1e-9)
	assert.Equal(t, "Av. Paulista", p.Text)
}

func TestNormalize_InvalidPayloads(t *testing.T) {
	n := NewNormalizer("BR")

	_, err := n.Normalize([]byte(`{not json`), entities.TransportHints{})
	require.Error(t, err)
	assert.Equal(t, ReasonInvalidPayload, ReasonOf(err))
	assert.False(t, IsRecoverable(err))

	_, err = n.Normalize([]byte(`{"foo":"bar"}`), entities.TransportHints{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnrecognizedPayload))

	// No instance id anywhere.
	_, err = n.Normalize([]byte(`{"messageId":"F1","from":"5511999990000","text":"oi"}`), entities.TransportHints{})
	require.Error(t, err)
	assert.Equal(t, ReasonInvalidPayload, ReasonOf(err))
}

func TestResolveHint(t *testing.T) {
	cases := []struct {
		hint  string
		class eventClass
		typ   entities.MessageType
		ok    bool
	}{
		{"imageMessage", classMessage, entities.MessageTypeImage, true},
		{"PTT", classMessage, entities.MessageTypeAudio, true},
		{"documentWithCaptionMessage", classMessage, entities.MessageTypeDocument, true},
		{"poll_update", classPollUpdate, "", true},
		{"pollCreationMessageV3", classPollCreation, entities.MessageTypeText, true},
		{"messages.update", classUpdate, "", true},
		{"messages.upsert", classUnknown, "", false},
		{"", classUnknown, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.hint, func(t *testing.T) {
			class, typ, ok := resolveHint(tc.hint)
			assert.Equal(t, tc.class, class)
			assert.Equal(t, tc.typ, typ)
			assert.Equal(t, tc.ok, ok)
		})
	}
}

func TestDecodeBytes(t *testing.T) {
	assert.Equal(t, []byte{1, 2, 3}, decodeBytes("AQID"))
	assert.Equal(t, []byte{1, 2, 3}, decodeBytes(map[string]any{"type": "Buffer", "data": []any{1.0, 2.0, 3.0}}))
	assert.Equal(t, []byte{7, 8}, decodeBytes(map[string]any{"0": 7.0, "1": 8.0}))
	assert.Nil(t, decodeBytes([]any{1.0, 300.0}))
	assert.Nil(t, decodeBytes(""))
}
