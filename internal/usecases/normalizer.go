package usecases

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"engage_inbound/internal/entities"

	"github.com/go-playground/validator/v10"
)

// ErrUnrecognizedPayload is returned when a payload matches none of the known shapes.
var ErrUnrecognizedPayload = errors.New("unrecognized payload shape")

type eventClass int

const (
	classUnknown eventClass = iota
	classMessage
	classPollUpdate
	classPollCreation
	classUpdate
)

// Normalizer converts transport payloads into InboundEnvelopes.
type Normalizer struct {
	validate      *validator.Validate
	defaultRegion string
}

func NewNormalizer(defaultRegion string) *Normalizer {
	return &Normalizer{
		validate:      validator.New(),
		defaultRegion: defaultRegion,
	}
}

// Normalize converts a single event. A nil envelope with a nil error means the event
// carries nothing to ingest (e.g. an update-only event without a message id).
// Validation failures return an *IngestError with ReasonInvalidPayload; callers log Preview(raw).
func (n *Normalizer) Normalize(raw []byte, hints entities.TransportHints) (*entities.InboundEnvelope, error) {
	envs, err := n.NormalizeBatch(raw, hints)
	if err != nil {
		return nil, err
	}
	if len(envs) == 0 {
		return nil, nil
	}
	return envs[0], nil
}

// NormalizeBatch converts a payload that may carry several messages (connector upserts).
func (n *Normalizer) NormalizeBatch(raw []byte, hints entities.TransportHints) ([]*entities.InboundEnvelope, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fatal("normalize", ReasonInvalidPayload, fmt.Errorf("decode payload: %w", err))
	}
	return n.NormalizeDocument(doc, raw, hints)
}

// NormalizeDocument is NormalizeBatch for an already decoded payload.
func (n *Normalizer) NormalizeDocument(doc map[string]any, raw []byte, hints entities.TransportHints) ([]*entities.InboundEnvelope, error) {
	if doc == nil {
		return nil, fatal("normalize", ReasonInvalidPayload, ErrUnrecognizedPayload)
	}
	if hints.Origin == "" {
		hints.Origin = entities.OriginWebhook
	}
	hints = mergeDocumentHints(doc, hints)

	var (
		envs []*entities.InboundEnvelope
		err  error
	)
	switch {
	case isCanonicalEnvelope(doc):
		var env *entities.InboundEnvelope
		env, err = n.fromCanonical(raw, doc, hints)
		if env != nil {
			envs = append(envs, env)
		}
	case isConnectorUpsert(doc):
		envs, err = n.fromConnector(doc, hints)
	case isContractEvent(doc):
		envs, err = n.fromContract(doc, hints)
	case isFlatMessage(doc):
		var env *entities.InboundEnvelope
		env, err = n.fromFlat(doc, hints)
		if env != nil {
			envs = append(envs, env)
		}
	default:
		if classifyHint(hints.EventType) == classUpdate {
			return nil, nil
		}
		err = fatal("normalize", ReasonInvalidPayload, ErrUnrecognizedPayload)
	}
	if err != nil {
		return nil, err
	}

	for _, env := range envs {
		if env.Raw == nil && len(raw) > 0 {
			env.Raw = json.RawMessage(raw)
		}
		if err := n.check(env); err != nil {
			return nil, err
		}
	}
	return envs, nil
}

// check validates the envelope at the boundary before any business logic sees it.
func (n *Normalizer) check(env *entities.InboundEnvelope) error {
	if err := n.validate.Struct(env); err != nil {
		return fatal("normalize", ReasonInvalidPayload, err)
	}
	switch {
	case env.Message.PollUpdate != nil:
		if err := n.validate.Struct(env.Message.PollUpdate); err != nil {
			return fatal("normalize", ReasonInvalidPayload, err)
		}
	case env.Message.Kind == entities.KindMessage:
		if env.Message.Payload == nil {
			return fatal("normalize", ReasonInvalidPayload, errors.New("message envelope without payload"))
		}
		if err := n.validate.Struct(env.Message.Payload); err != nil {
			return fatal("normalize", ReasonInvalidPayload, err)
		}
	}
	return nil
}

func classifyHint(hint string) eventClass {
	class, _, _ := resolveHint(hint)
	return class
}

// resolveHint maps a type or event hint to an event class and message type.
// The bool result is false when the hint is not decisive and the cascade should continue.
func resolveHint(hint string) (eventClass, entities.MessageType, bool) {
	h := strings.ToLower(strings.TrimSpace(hint))
	if h == "" {
		return classUnknown, "", false
	}

	switch h {
	case "messages.update", "message.update", "message.status", "message_status", "messages.receipt",
		"message.receipt", "message_ack", "message.ack", "ack", "status", "receipt", "delivery", "read":
		return classUpdate, "", true
	case "messages.upsert", "message.upsert", "message.inbound", "message.received", "message", "messages",
		"inbound", "received", "notify", "append":
		return classUnknown, "", false
	}

	key := strings.NewReplacer("_", "", "-", "", ".", "", " ", "").Replace(h)
	key = strings.TrimSuffix(key, "message")
	for _, suffix := range []string{"messagev2", "messagev3", "v2", "v3"} {
		key = strings.TrimSuffix(key, suffix)
	}

	switch key {
	case "text", "chat", "conversation", "extendedtext", "reply":
		return classMessage, entities.MessageTypeText, true
	case "image", "photo", "picture":
		return classMessage, entities.MessageTypeImage, true
	case "video", "ptv", "gif":
		return classMessage, entities.MessageTypeVideo, true
	case "audio", "ptt", "voice":
		return classMessage, entities.MessageTypeAudio, true
	case "document", "file", "documentwithcaption":
		return classMessage, entities.MessageTypeDocument, true
	case "location", "livelocation":
		return classMessage, entities.MessageTypeLocation, true
	case "contact", "contacts", "contactsarray", "vcard":
		return classMessage, entities.MessageTypeContact, true
	case "template", "templatebuttonreply", "buttons", "buttonsresponse", "list", "listresponse",
		"interactive", "interactiveresponse", "hsm":
		return classMessage, entities.MessageTypeTemplate, true
	case "sticker":
		return classMessage, entities.MessageTypeSticker, true
	case "pollupdate", "pollvote", "pollchoice", "pollresponse":
		return classPollUpdate, "", true
	case "poll", "pollcreation":
		return classPollCreation, entities.MessageTypeText, true
	}
	return classUnknown, "", false
}

// providerMessageKeys is the structural inference table, checked in order.
var providerMessageKeys = []struct {
	key   string
	class eventClass
	typ   entities.MessageType
}{
	{"pollUpdateMessage", classPollUpdate, ""},
	{"pollCreationMessage", classPollCreation, entities.MessageTypeText},
	{"pollCreationMessageV2", classPollCreation, entities.MessageTypeText},
	{"pollCreationMessageV3", classPollCreation, entities.MessageTypeText},
	{"imageMessage", classMessage, entities.MessageTypeImage},
	{"videoMessage", classMessage, entities.MessageTypeVideo},
	{"ptvMessage", classMessage, entities.MessageTypeVideo},
	{"audioMessage", classMessage, entities.MessageTypeAudio},
	{"documentMessage", classMessage, entities.MessageTypeDocument},
	{"stickerMessage", classMessage, entities.MessageTypeSticker},
	{"locationMessage", classMessage, entities.MessageTypeLocation},
	{"liveLocationMessage", classMessage, entities.MessageTypeLocation},
	{"contactMessage", classMessage, entities.MessageTypeContact},
	{"contactsArrayMessage", classMessage, entities.MessageTypeContact},
	{"templateMessage", classMessage, entities.MessageTypeTemplate},
	{"buttonsMessage", classMessage, entities.MessageTypeTemplate},
	{"listMessage", classMessage, entities.MessageTypeTemplate},
	{"interactiveMessage", classMessage, entities.MessageTypeTemplate},
	{"buttonsResponseMessage", classMessage, entities.MessageTypeTemplate},
	{"listResponseMessage", classMessage, entities.MessageTypeTemplate},
	{"templateButtonReplyMessage", classMessage, entities.MessageTypeTemplate},
	{"extendedTextMessage", classMessage, entities.MessageTypeText},
	{"conversation", classMessage, entities.MessageTypeText},
}

// inferFromProviderMessage inspects a provider message object for known content keys.
func inferFromProviderMessage(msg map[string]any) (eventClass, entities.MessageType, string) {
	for _, candidate := range providerMessageKeys {
		if _, ok := msg[candidate.key]; ok {
			return candidate.class, candidate.typ, candidate.key
		}
	}
	return classUnknown, "", ""
}

// inferFromFlat inspects a flattened payload for structural markers.
func inferFromFlat(m map[string]any) (eventClass, entities.MessageType) {
	if _, ok := m["pollUpdateMessage"]; ok {
		return classPollUpdate, ""
	}
	if firstString(m, "pollId", "poll_id") != "" && firstString(m, "voterJid", "voter_jid", "voter") != "" {
		return classPollUpdate, ""
	}
	if _, ok := m["pollCreationMessage"]; ok {
		return classPollCreation, entities.MessageTypeText
	}
	if _, ok := firstValue(m, "latitude", "lat", "location.latitude"); ok {
		return classMessage, entities.MessageTypeLocation
	}
	if firstString(m, "vcard") != "" {
		return classMessage, entities.MessageTypeContact
	}
	if mime := strings.ToLower(firstString(m, "mimetype", "mimeType", "mime_type")); mime != "" {
		switch {
		case strings.HasPrefix(mime, "image/webp") && asBool(m["isSticker"]):
			return classMessage, entities.MessageTypeSticker
		case strings.HasPrefix(mime, "image/"):
			return classMessage, entities.MessageTypeImage
		case strings.HasPrefix(mime, "video/"):
			return classMessage, entities.MessageTypeVideo
		case strings.HasPrefix(mime, "audio/"):
			return classMessage, entities.MessageTypeAudio
		default:
			return classMessage, entities.MessageTypeDocument
		}
	}
	return classUnknown, ""
}

// resolveClass runs the hint cascade: explicit type, then event, then structure.
// The first decisive hint wins.
func resolveClass(typeHint, eventHint string, structural func() (eventClass, entities.MessageType)) (eventClass, entities.MessageType) {
	for _, hint := range []string{typeHint, eventHint} {
		if class, typ, ok := resolveHint(hint); ok {
			return class, typ
		}
	}
	if structural != nil {
		if class, typ := structural(); class != classUnknown {
			return class, typ
		}
	}
	return classUnknown, ""
}
