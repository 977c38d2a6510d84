package usecases

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"engage_inbound/internal/entities"
)

func mergeDocumentHints(doc map[string]any, hints entities.TransportHints) entities.TransportHints {
	if hints.InstanceID == "" {
		hints.InstanceID = firstString(doc, "instanceId", "instance_id", "instance.instanceId", "instance.id", "instance", "sessionId")
	}
	if hints.TenantID == "" {
		hints.TenantID = firstString(doc, "tenantId", "tenant_id", "metadata.tenantId", "instance.tenantId")
	}
	if hints.TenantSlug == "" {
		hints.TenantSlug = firstString(doc, "tenantSlug", "tenant_slug", "tenant", "metadata.tenantSlug")
	}
	if hints.BrokerID == "" {
		hints.BrokerID = firstString(doc, "brokerId", "broker_id", "metadata.brokerId", "instance.brokerId", "sessionId")
	}
	if hints.EventType == "" {
		hints.EventType = firstString(doc, "event", "eventType")
	}
	return hints
}

func instanceHints(hints entities.TransportHints) *entities.InstanceHints {
	h := &entities.InstanceHints{
		TenantID:   hints.TenantID,
		TenantSlug: hints.TenantSlug,
		BrokerID:   hints.BrokerID,
		Source:     string(hints.Origin),
	}
	if h.Empty() {
		return nil
	}
	return h
}

func isCanonicalEnvelope(doc map[string]any) bool {
	msg := asMap(doc["message"])
	if msg == nil {
		return false
	}
	_, hasKind := msg["kind"].(string)
	return hasKind
}

func isProviderItem(m map[string]any) bool {
	return asMap(m["key"]) != nil && (asMap(m["message"]) != nil || asMap(m["update"]) != nil)
}

func connectorItems(doc map[string]any) []map[string]any {
	if isProviderItem(doc) {
		return []map[string]any{doc}
	}
	var items []map[string]any
	collect := func(v any) {
		for _, item := range asSlice(v) {
			if m := asMap(item); m != nil && isProviderItem(m) {
				items = append(items, m)
			}
		}
	}
	if data := asMap(doc["data"]); data != nil {
		if isProviderItem(data) {
			return []map[string]any{data}
		}
		collect(data["messages"])
	}
	collect(doc["data"])
	collect(doc["messages"])
	return items
}

func isConnectorUpsert(doc map[string]any) bool {
	return len(connectorItems(doc)) > 0
}

func isContractEvent(doc map[string]any) bool {
	if asMap(doc["payload"]) == nil {
		return false
	}
	return firstString(doc, "type", "event") != ""
}

func isFlatMessage(doc map[string]any) bool {
	id := firstString(doc, "messageId", "message_id", "externalId", "id", "pollId")
	from := firstString(doc, "from", "chatId", "chat_id", "phone", "remoteJid", "sender", "voterJid")
	return id != "" && from != ""
}

// fromCanonical decodes a payload that already has the envelope shape.
func (n *Normalizer) fromCanonical(raw []byte, doc map[string]any, hints entities.TransportHints) (*entities.InboundEnvelope, error) {
	var env entities.InboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fatal("normalize", ReasonInvalidPayload, fmt.Errorf("decode envelope: %w", err))
	}
	if env.Origin == "" {
		env.Origin = hints.Origin
	}
	if env.InstanceID == "" {
		env.InstanceID = hints.InstanceID
	}
	if env.TenantID == "" {
		env.TenantID = hints.TenantID
	}
	if env.Hints == nil {
		env.Hints = instanceHints(hints)
	}
	env.ChatID = NormalizeChatID(env.ChatID)

	msg := &env.Message
	if msg.Kind == entities.KindUpdate {
		return &env, nil
	}

	payloadDoc := asMap(asMap(doc["message"])["payload"])
	if msg.PollUpdate == nil && payloadDoc != nil {
		if class, _, _ := resolveHint(asString(payloadDoc["type"])); class == classPollUpdate {
			msg.PollUpdate = n.pollUpdateFromMap(payloadDoc)
			msg.Payload = nil
		}
	}
	if msg.PollUpdate != nil {
		if env.ChatID == "" {
			env.ChatID = NormalizeChatID(firstString(payloadDoc, "chatId", "remoteJid"))
		}
		if msg.ExternalID == "" {
			msg.ExternalID = msg.ID
		}
		normalizePollUpdate(msg.PollUpdate)
		return &env, nil
	}

	p := msg.Payload
	if p == nil {
		return nil, fatal("normalize", ReasonInvalidPayload, errors.New("message envelope without payload"))
	}
	if p.ExternalID == "" {
		p.ExternalID = firstNonEmpty(msg.ExternalID, msg.ID, p.ID)
	}
	if msg.ExternalID == "" {
		msg.ExternalID = p.ExternalID
	}
	if msg.ID == "" {
		msg.ID = msg.ExternalID
	}

	class, typ, ok := resolveHint(string(p.Type))
	switch {
	case ok && class == classMessage:
		p.Type = typ
	case ok && class == classPollCreation:
		p.Type = entities.MessageTypeText
		if p.Poll == nil && payloadDoc != nil {
			p.Poll = pollFromFlat(payloadDoc)
		}
	default:
		p.Type = entities.MessageTypeText
	}

	if p.Contact.JID == "" && env.ChatID != "" && !IsGroupJID(env.ChatID) {
		p.Contact.JID = env.ChatID
	}
	if env.ChatID == "" {
		env.ChatID = NormalizeChatID(firstNonEmpty(p.Contact.JID, p.Contact.Phone))
	}
	n.finishPayload(&env, p)
	return &env, nil
}

// fromConnector handles raw session level upserts: one provider message per item.
func (n *Normalizer) fromConnector(doc map[string]any, hints entities.TransportHints) ([]*entities.InboundEnvelope, error) {
	eventHint := firstNonEmpty(hints.EventType, firstString(doc, "type"))
	var envs []*entities.InboundEnvelope
	for _, item := range connectorItems(doc) {
		env, err := n.fromProviderItem(item, eventHint, hints)
		if err != nil {
			return nil, err
		}
		if env != nil {
			envs = append(envs, env)
		}
	}
	return envs, nil
}

func (n *Normalizer) fromProviderItem(item map[string]any, eventHint string, hints entities.TransportHints) (*entities.InboundEnvelope, error) {
	key := asMap(item["key"])
	externalID := asString(key["id"])
	remoteJID := firstNonEmpty(asString(key["remoteJid"]), asString(item["remoteJid"]))
	participant := firstNonEmpty(asString(key["participant"]), asString(item["participant"]))
	fromMe := asBool(key["fromMe"])

	env := &entities.InboundEnvelope{
		Origin:     hints.Origin,
		InstanceID: firstNonEmpty(hints.InstanceID, asString(item["instanceId"])),
		TenantID:   hints.TenantID,
		ChatID:     NormalizeChatID(remoteJID),
		Hints:      instanceHints(hints),
	}

	if update := asMap(item["update"]); update != nil {
		if polls := asSlice(update["pollUpdates"]); len(polls) > 0 {
			pu := n.pollUpdateFromConnectorUpdate(key, polls)
			if pu == nil {
				return nil, nil
			}
			// The item key names the poll; the vote itself needs its own identity.
			voteID := firstString(asMap(polls[len(polls)-1]), "pollUpdateMessageKey.id")
			if voteID == "" {
				voteID = externalID + ":" + pu.VoterJID
			}
			env.Message = entities.EnvelopeMessage{Kind: entities.KindMessage, ID: voteID, ExternalID: voteID, PollUpdate: pu}
			return env, nil
		}
		if externalID == "" {
			return nil, nil
		}
		env.Message = entities.EnvelopeMessage{
			Kind:       entities.KindUpdate,
			ID:         externalID,
			ExternalID: externalID,
			Status:     firstString(update, "status", "ack"),
		}
		return env, nil
	}

	msg := unwrapProviderMessage(asMap(item["message"]))
	typeHint := firstString(item, "messageType", "type")
	class, typ := resolveClass(typeHint, eventHint, func() (eventClass, entities.MessageType) {
		c, t, _ := inferFromProviderMessage(msg)
		return c, t
	})

	switch class {
	case classUpdate:
		if externalID == "" {
			return nil, nil
		}
		env.Message = entities.EnvelopeMessage{Kind: entities.KindUpdate, ID: externalID, ExternalID: externalID, Status: firstString(item, "status")}
		return env, nil
	case classPollUpdate:
		pu := n.pollUpdateFromProvider(item, msg, key)
		env.Message = entities.EnvelopeMessage{Kind: entities.KindMessage, ID: externalID, ExternalID: externalID, PollUpdate: pu}
		return env, nil
	case classUnknown:
		typ = entities.MessageTypeText
	}

	p := &entities.NormalizedMessage{
		ID:                     externalID,
		ExternalID:             externalID,
		Type:                   typ,
		FromMe:                 fromMe,
		BrokerMessageTimestamp: ResolveTimestamp(item["messageTimestamp"]),
	}
	fillFromProviderMessage(p, msg, typ)
	if class == classPollCreation {
		p.Poll = pollFromProvider(msg, item, externalID)
		if p.Poll != nil {
			p.Text = pollDisplayText(p.Poll)
		}
	}
	if mediaURL := firstString(item, "mediaUrl", "media_url"); mediaURL != "" {
		p.MediaURL = &mediaURL
	}

	senderJID := remoteJID
	if IsGroupJID(remoteJID) {
		senderJID = participant
	}
	p.Contact = entities.ContactHint{
		JID:  NormalizeChatID(senderJID),
		Name: firstString(item, "pushName", "verifiedBizName"),
	}
	p.Metadata = map[string]any{
		"remoteJid":   remoteJID,
		"participant": participant,
		"messageType": firstNonEmpty(typeHint, providerKeyFor(msg)),
		"pushName":    p.Contact.Name,
		"source":      string(hints.Origin),
	}
	if ctxInfo := contextInfo(msg); ctxInfo != nil {
		if quoted := asString(ctxInfo["stanzaId"]); quoted != "" {
			p.Metadata["quotedMessageId"] = quoted
		}
	}

	env.Message = entities.EnvelopeMessage{Kind: entities.KindMessage, ID: externalID, ExternalID: externalID, Payload: p}
	n.finishPayload(env, p)
	return env, nil
}

// fromContract handles {type|event, payload} contract events.
func (n *Normalizer) fromContract(doc map[string]any, hints entities.TransportHints) ([]*entities.InboundEnvelope, error) {
	payload := asMap(doc["payload"])
	typeHint := asString(doc["type"])
	eventHint := firstNonEmpty(asString(doc["event"]), hints.EventType)
	hints = mergeDocumentHints(payload, hints)

	if isConnectorUpsert(payload) {
		hints.EventType = firstNonEmpty(eventHint, typeHint)
		return n.fromConnector(payload, hints)
	}

	if classifyHint(firstNonEmpty(typeHint, eventHint)) == classUpdate {
		id := firstString(payload, "messageId", "message_id", "externalId", "id")
		if id == "" {
			return nil, nil
		}
		return []*entities.InboundEnvelope{{
			Origin:     hints.Origin,
			InstanceID: hints.InstanceID,
			TenantID:   hints.TenantID,
			ChatID:     NormalizeChatID(firstString(payload, "chatId", "remoteJid", "from")),
			Hints:      instanceHints(hints),
			Message: entities.EnvelopeMessage{
				Kind:       entities.KindUpdate,
				ID:         id,
				ExternalID: id,
				Status:     firstString(payload, "status", "ack"),
			},
		}}, nil
	}

	// The payload's own type beats the contract event name.
	if firstString(payload, "type", "messageType") == "" && typeHint != "" {
		payload["type"] = typeHint
	}
	hints.EventType = eventHint
	env, err := n.fromFlat(payload, hints)
	if err != nil || env == nil {
		return nil, err
	}
	return []*entities.InboundEnvelope{env}, nil
}

// fromFlat handles webhook payloads that were already flattened by the broker.
func (n *Normalizer) fromFlat(m map[string]any, hints entities.TransportHints) (*entities.InboundEnvelope, error) {
	externalID := firstString(m, "messageId", "message_id", "externalId", "id", "key.id")
	chatRaw := firstString(m, "chatId", "chat_id", "remoteJid", "key.remoteJid", "from", "phone", "sender")

	env := &entities.InboundEnvelope{
		Origin:     hints.Origin,
		InstanceID: hints.InstanceID,
		TenantID:   hints.TenantID,
		ChatID:     NormalizeChatID(chatRaw),
		Hints:      instanceHints(hints),
	}

	class, typ := resolveClass(firstString(m, "type", "messageType"), hints.EventType, func() (eventClass, entities.MessageType) {
		return inferFromFlat(m)
	})

	switch class {
	case classUpdate:
		if externalID == "" {
			return nil, nil
		}
		env.Message = entities.EnvelopeMessage{Kind: entities.KindUpdate, ID: externalID, ExternalID: externalID, Status: firstString(m, "status", "ack")}
		return env, nil
	case classPollUpdate:
		pu := n.pollUpdateFromMap(m)
		if env.ChatID == "" {
			env.ChatID = NormalizeChatID(pu.VoterJID)
		}
		env.Message = entities.EnvelopeMessage{Kind: entities.KindMessage, ID: externalID, ExternalID: externalID, PollUpdate: pu}
		return env, nil
	case classUnknown:
		typ = entities.MessageTypeText
	}

	p := &entities.NormalizedMessage{
		ID:                     externalID,
		ExternalID:             externalID,
		Type:                   typ,
		Text:                   firstString(m, "text", "body", "content", "message", "text.body"),
		Caption:                firstString(m, "caption"),
		Mimetype:               firstString(m, "mimetype", "mimeType", "mime_type"),
		FileName:               firstString(m, "fileName", "filename", "file_name"),
		FromMe:                 asBool(m["fromMe"]),
		BrokerMessageTimestamp: ResolveTimestamp(firstPresent(m, "timestamp", "messageTimestamp", "sentAt", "sent_at")),
	}
	if size, ok := firstInt64(m, "fileSize", "file_size", "size", "fileLength"); ok {
		p.FileSize = size
	}
	if mediaURL := firstString(m, "mediaUrl", "media_url", "url"); mediaURL != "" {
		p.MediaURL = &mediaURL
	}
	if directPath := firstString(m, "directPath", "media.directPath"); directPath != "" {
		p.Media = &entities.MediaRef{
			DirectPath:    directPath,
			MediaKey:      decodeBytes(firstPresent(m, "mediaKey", "media.mediaKey")),
			FileSHA256:    decodeBytes(firstPresent(m, "fileSha256", "media.fileSha256")),
			FileEncSHA256: decodeBytes(firstPresent(m, "fileEncSha256", "media.fileEncSha256")),
			FileLength:    uint64(p.FileSize),
			MediaType:     mediaTypeName(typ),
		}
	}
	if typ == entities.MessageTypeLocation {
		lat, _ := asFloat(firstPresent(m, "latitude", "lat", "location.latitude"))
		lng, _ := asFloat(firstPresent(m, "longitude", "lng", "location.longitude"))
		p.Location = &entities.Location{Latitude: lat, Longitude: lng, Name: firstString(m, "location.name", "name"), Address: firstString(m, "location.address", "address")}
		if p.Text == "" {
			p.Text = firstNonEmpty(p.Location.Name, p.Location.Address)
		}
	}
	if typ == entities.MessageTypeContact && p.Text == "" {
		p.Text = firstString(m, "displayName", "contact.name")
	}
	if class == classPollCreation {
		p.Poll = pollFromFlat(m)
		if p.Poll != nil {
			p.Poll.PollID = firstNonEmpty(p.Poll.PollID, externalID)
			if p.Text == "" {
				p.Text = pollDisplayText(p.Poll)
			}
		}
	}

	p.Contact = entities.ContactHint{
		JID:      NormalizeChatID(firstString(m, "participant", "sender", "from", "remoteJid", "chatId")),
		Phone:    firstString(m, "phone", "contact.phone"),
		Name:     firstString(m, "pushName", "senderName", "name", "contact.name"),
		Document: firstString(m, "document", "contact.document"),
	}
	if IsGroupJID(p.Contact.JID) {
		p.Contact.JID = NormalizeChatID(firstString(m, "participant", "author"))
	}
	p.Metadata = map[string]any{"source": string(hints.Origin)}
	for k, v := range asMap(m["metadata"]) {
		p.Metadata[k] = v
	}

	env.Message = entities.EnvelopeMessage{Kind: entities.KindMessage, ID: externalID, ExternalID: externalID, Payload: p}
	n.finishPayload(env, p)
	return env, nil
}

// finishPayload fills identity derived fields and sanitizes metadata.
func (n *Normalizer) finishPayload(env *entities.InboundEnvelope, p *entities.NormalizedMessage) {
	if p.Contact.Phone == "" {
		p.Contact.Phone = NormalizePhone(p.Contact.JID, n.defaultRegion)
	} else {
		p.Contact.Phone = NormalizePhone(p.Contact.Phone, n.defaultRegion)
	}
	p.Contact.Document = NormalizeDocument(p.Contact.Document)
	if p.Poll != nil {
		p.Poll.InstanceID = firstNonEmpty(p.Poll.InstanceID, env.InstanceID)
		p.Poll.TenantID = firstNonEmpty(p.Poll.TenantID, env.TenantID)
		p.Poll.ChatID = firstNonEmpty(p.Poll.ChatID, env.ChatID)
		if p.Metadata == nil {
			p.Metadata = map[string]any{}
		}
		p.Metadata["poll"] = pollMetadata(p.Poll)
	}
	p.Metadata = SanitizeMetadata(p.Metadata)
	for k, v := range p.Metadata {
		if s, ok := v.(string); ok && s == "" {
			delete(p.Metadata, k)
		}
	}
}

// unwrapProviderMessage strips the ephemeral/view-once containers.
func unwrapProviderMessage(msg map[string]any) map[string]any {
	for depth := 0; msg != nil && depth < 4; depth++ {
		inner := firstMap(msg,
			"ephemeralMessage.message",
			"viewOnceMessage.message",
			"viewOnceMessageV2.message",
			"viewOnceMessageV2Extension.message",
			"documentWithCaptionMessage.message",
			"editedMessage.message",
		)
		if inner == nil {
			return msg
		}
		// Keep the secret that lives on the outer container.
		if secret, ok := msg["messageContextInfo"]; ok {
			if _, exists := inner["messageContextInfo"]; !exists {
				inner["messageContextInfo"] = secret
			}
		}
		msg = inner
	}
	return msg
}

func providerKeyFor(msg map[string]any) string {
	_, _, key := inferFromProviderMessage(msg)
	return key
}

var mediaNodeKeys = map[entities.MessageType][]string{
	entities.MessageTypeImage:    {"imageMessage"},
	entities.MessageTypeVideo:    {"videoMessage", "ptvMessage"},
	entities.MessageTypeAudio:    {"audioMessage"},
	entities.MessageTypeDocument: {"documentMessage"},
	entities.MessageTypeSticker:  {"stickerMessage"},
}

func contextInfo(msg map[string]any) map[string]any {
	for _, v := range msg {
		if node := asMap(v); node != nil {
			if ci := asMap(node["contextInfo"]); ci != nil {
				return ci
			}
		}
	}
	return nil
}

func fillFromProviderMessage(p *entities.NormalizedMessage, msg map[string]any, typ entities.MessageType) {
	switch typ {
	case entities.MessageTypeText:
		p.Text = firstString(msg, "conversation", "extendedTextMessage.text")
	case entities.MessageTypeLocation:
		node := firstMap(msg, "locationMessage", "liveLocationMessage")
		lat, _ := asFloat(node["degreesLatitude"])
		lng, _ := asFloat(node["degreesLongitude"])
		p.Location = &entities.Location{
			Latitude:  lat,
			Longitude: lng,
			Name:      asString(node["name"]),
			Address:   asString(node["address"]),
		}
		p.Text = firstNonEmpty(p.Location.Name, p.Location.Address, asString(node["caption"]))
	case entities.MessageTypeContact:
		p.Text = firstString(msg, "contactMessage.displayName", "contactsArrayMessage.displayName")
		if vcard := firstString(msg, "contactMessage.vcard"); vcard != "" {
			p.Caption = vcard
		}
	case entities.MessageTypeTemplate:
		p.Text = firstString(msg,
			"templateMessage.hydratedTemplate.hydratedContentText",
			"templateMessage.hydratedFourRowTemplate.hydratedContentText",
			"buttonsMessage.contentText",
			"listMessage.description",
			"interactiveMessage.body.text",
			"buttonsResponseMessage.selectedDisplayText",
			"listResponseMessage.title",
			"templateButtonReplyMessage.selectedDisplayText",
		)
	default:
		var node map[string]any
		for _, k := range mediaNodeKeys[typ] {
			if node = asMap(msg[k]); node != nil {
				break
			}
		}
		if node == nil {
			p.Text = firstString(msg, "conversation", "extendedTextMessage.text")
			return
		}
		p.Caption = asString(node["caption"])
		p.Mimetype = asString(node["mimetype"])
		p.FileName = firstNonEmpty(asString(node["fileName"]), asString(node["title"]))
		length, _ := asInt64(node["fileLength"])
		p.FileSize = length
		p.Media = &entities.MediaRef{
			DirectPath:    asString(node["directPath"]),
			MediaKey:      decodeBytes(node["mediaKey"]),
			FileSHA256:    decodeBytes(firstPresent(node, "fileSha256", "fileSHA256")),
			FileEncSHA256: decodeBytes(firstPresent(node, "fileEncSha256", "fileEncSHA256")),
			FileLength:    uint64(length),
			MediaType:     mediaTypeName(typ),
		}
		if mediaURL := asString(node["mediaUrl"]); mediaURL != "" {
			p.MediaURL = &mediaURL
		}
	}
}

func mediaTypeName(typ entities.MessageType) string {
	switch typ {
	case entities.MessageTypeImage:
		return "image"
	case entities.MessageTypeVideo:
		return "video"
	case entities.MessageTypeAudio:
		return "audio"
	case entities.MessageTypeDocument:
		return "document"
	case entities.MessageTypeSticker:
		return "sticker"
	}
	return ""
}

// decodeBytes accepts base64 strings (standard or URL alphabet), Node style buffers
// ({"type":"Buffer","data":[...]}), index keyed objects and plain number arrays.
func decodeBytes(v any) []byte {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return t
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
			if b, err := enc.DecodeString(s); err == nil {
				return b
			}
		}
		return nil
	case []any:
		out := make([]byte, 0, len(t))
		for _, item := range t {
			n, ok := asInt64(item)
			if !ok || n < 0 || n > 255 {
				return nil
			}
			out = append(out, byte(n))
		}
		return out
	case map[string]any:
		if data, ok := t["data"]; ok {
			return decodeBytes(data)
		}
		out := make([]byte, len(t))
		for i := range out {
			n, ok := asInt64(t[fmt.Sprint(i)])
			if !ok || n < 0 || n > 255 {
				return nil
			}
			out[i] = byte(n)
		}
		return out
	}
	return nil
}

func firstPresent(m map[string]any, paths ...string) any {
	v, _ := firstValue(m, paths...)
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
