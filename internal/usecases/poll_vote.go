package usecases

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"engage_inbound/internal/entities"
)

// PollOptionID derives the reference WhatsApp uses for a poll option: sha256 of its
// name, encoded as unpadded URL-safe base64.
func PollOptionID(title string) string {
	sum := sha256.Sum256([]byte(title))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// canonicalOptionRef rewrites standard base64 encoded hashes into the URL-safe unpadded form.
func canonicalOptionRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if !strings.ContainsAny(ref, "+/=") {
		return ref
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		if b, err := enc.DecodeString(ref); err == nil && len(b) == sha256.Size {
			return base64.RawURLEncoding.EncodeToString(b)
		}
	}
	return ref
}

// ExtractedVote is the merged view of every selection source a vote event carries.
type ExtractedVote struct {
	PollID          string
	Question        string
	SelectedOptions []entities.SelectedOption
	OptionIDs       []string
	Decrypted       bool
}

// VoteDecrypter recovers option references from an encrypted vote.
type VoteDecrypter func(enc entities.EncryptedVote, poll *entities.Poll) ([][]byte, error)

type voteCandidate struct {
	id    string
	title string
}

// ExtractVote merges selections found in the vote payload. Candidate locations are
// scanned in order and deduplicated by option id; the first non-empty label wins.
// When the update carries an encrypted vote and decrypt is non-nil, the decrypted
// references are merged last. Decryption errors are returned alongside the result
// so callers can count them; extraction itself never fails.
func ExtractVote(update *entities.PollUpdate, poll *entities.Poll, decrypt VoteDecrypter) (ExtractedVote, error) {
	out := ExtractedVote{PollID: update.PollID}
	if poll != nil {
		out.Question = poll.Question
		if out.PollID == "" {
			out.PollID = poll.PollID
		}
	}
	if out.Question == "" {
		out.Question = firstString(update.Metadata, "pollChoice.question", "poll.question")
	}

	var candidates []voteCandidate
	addItems := func(items []any) {
		for _, item := range items {
			if c, ok := candidateFromItem(item, poll); ok {
				candidates = append(candidates, c)
			}
		}
	}
	addIDs := func(items []any) {
		for _, item := range items {
			if id := canonicalOptionRef(asString(item)); id != "" {
				candidates = append(candidates, voteCandidate{id: id})
			}
		}
	}

	for _, path := range []string{"pollChoice.selectedOptions", "pollChoice.vote.selectedOptions", "poll.selectedOptions"} {
		if v, ok := lookup(update.Metadata, path); ok {
			addItems(asSlice(v))
		}
	}
	for _, opt := range update.SelectedOptions {
		if c, ok := candidateFromItem(map[string]any{"id": opt.ID, "title": opt.Title}, poll); ok {
			candidates = append(candidates, c)
		}
	}
	if v, ok := lookup(update.Payload, "selectedOptions"); ok {
		addItems(asSlice(v))
	}

	for _, id := range update.OptionIDs {
		addIDs([]any{id})
	}
	for _, path := range []string{"optionIds", "selectedOptionIds"} {
		if v, ok := lookup(update.Payload, path); ok {
			addIDs(asSlice(v))
		}
	}
	for _, path := range []string{"pollChoice.optionIds", "pollChoice.vote.optionIds", "poll.optionIds"} {
		if v, ok := lookup(update.Metadata, path); ok {
			addIDs(asSlice(v))
		}
	}

	var decryptErr error
	if update.Encrypted != nil && decrypt != nil {
		refs, err := decrypt(*update.Encrypted, poll)
		if err != nil {
			decryptErr = err
		} else {
			out.Decrypted = true
			for _, ref := range refs {
				candidates = append(candidates, voteCandidate{id: matchOptionRef(ref, poll)})
			}
		}
	}

	seen := make(map[string]int, len(candidates))
	for _, c := range candidates {
		if idx, ok := seen[c.id]; ok {
			if out.SelectedOptions[idx].Title == "" && c.title != "" {
				out.SelectedOptions[idx].Title = c.title
			}
			continue
		}
		seen[c.id] = len(out.SelectedOptions)
		out.SelectedOptions = append(out.SelectedOptions, entities.SelectedOption{ID: c.id, Title: c.title})
		out.OptionIDs = append(out.OptionIDs, c.id)
	}
	for i := range out.SelectedOptions {
		out.SelectedOptions[i].Title = optionLabel(out.SelectedOptions[i], poll)
	}
	return out, decryptErr
}

func candidateFromItem(item any, poll *entities.Poll) (voteCandidate, bool) {
	if s := asString(item); s != "" {
		return voteCandidate{id: canonicalOptionRef(s)}, true
	}
	m := asMap(item)
	if m == nil {
		return voteCandidate{}, false
	}
	id := canonicalOptionRef(firstString(m, "id", "optionId", "option_id", "hash"))
	title := firstString(m, "title", "name", "optionName", "text", "label")
	if id == "" && title != "" {
		id = optionIDForTitle(title, poll)
	}
	if id == "" {
		return voteCandidate{}, false
	}
	return voteCandidate{id: id, title: title}, true
}

func optionIDForTitle(title string, poll *entities.Poll) string {
	if poll != nil {
		for _, opt := range poll.Options {
			if opt.Title == title {
				return opt.ID
			}
		}
	}
	return PollOptionID(title)
}

// matchOptionRef maps decrypted option bytes onto the stored option table by exact byte equality.
func matchOptionRef(ref []byte, poll *entities.Poll) string {
	if poll != nil {
		for _, opt := range poll.Options {
			if stored, err := base64.RawURLEncoding.DecodeString(opt.ID); err == nil && bytes.Equal(stored, ref) {
				return opt.ID
			}
		}
		for _, opt := range poll.Options {
			if sum := sha256.Sum256([]byte(opt.Title)); bytes.Equal(sum[:], ref) {
				return opt.ID
			}
		}
	}
	return base64.RawURLEncoding.EncodeToString(ref)
}

// optionLabel picks the display label: explicit title, poll title, positional label, raw id.
func optionLabel(opt entities.SelectedOption, poll *entities.Poll) string {
	if opt.Title != "" {
		return opt.Title
	}
	if known, ok := poll.OptionByID(opt.ID); ok {
		if known.Title != "" {
			return known.Title
		}
		return fmt.Sprintf("Opção %d", known.Index+1)
	}
	return opt.ID
}

// pollUpdateFromMap reads a flattened vote payload.
func (n *Normalizer) pollUpdateFromMap(m map[string]any) *entities.PollUpdate {
	pu := &entities.PollUpdate{
		PollID:    firstString(m, "pollId", "poll_id", "pollUpdateMessage.pollCreationMessageKey.id", "metadata.pollChoice.pollId", "poll.id"),
		VoterJID:  firstString(m, "voterJid", "voter_jid", "voter", "key.participant", "participant", "from", "sender", "key.remoteJid"),
		Timestamp: ResolveTimestamp(firstPresent(m, "timestamp", "senderTimestampMs", "pollUpdateMessage.senderTimestampMs", "messageTimestamp")),
		Payload:   SanitizeMetadata(m),
		Metadata:  asMap(m["metadata"]),
	}
	for _, item := range asSlice(m["selectedOptions"]) {
		if opt := asMap(item); opt != nil {
			pu.SelectedOptions = append(pu.SelectedOptions, entities.SelectedOption{
				ID:    firstString(opt, "id", "optionId"),
				Title: firstString(opt, "title", "name", "optionName", "text"),
			})
		} else if s := asString(item); s != "" {
			pu.OptionIDs = append(pu.OptionIDs, s)
		}
	}
	for _, item := range asSlice(m["optionIds"]) {
		if s := asString(item); s != "" {
			pu.OptionIDs = append(pu.OptionIDs, s)
		}
	}
	encPayload := decodeBytes(firstPresent(m, "encPayload", "vote.encPayload", "pollUpdateMessage.vote.encPayload"))
	encIV := decodeBytes(firstPresent(m, "encIv", "vote.encIv", "pollUpdateMessage.vote.encIv"))
	if len(encPayload) > 0 && len(encIV) > 0 {
		pu.Encrypted = &entities.EncryptedVote{EncPayload: encPayload, EncIV: encIV}
	}
	normalizePollUpdate(pu)
	return pu
}

// pollUpdateFromProvider reads a connector pollUpdateMessage.
func (n *Normalizer) pollUpdateFromProvider(item, msg, key map[string]any) *entities.PollUpdate {
	node := asMap(msg["pollUpdateMessage"])
	voter := firstNonEmpty(asString(key["participant"]), asString(item["participant"]), asString(key["remoteJid"]))
	pu := &entities.PollUpdate{
		PollID:    firstString(node, "pollCreationMessageKey.id"),
		VoterJID:  voter,
		Timestamp: ResolveTimestamp(firstNonNil(node["senderTimestampMs"], item["messageTimestamp"])),
		Payload:   SanitizeMetadata(node),
		Metadata:  map[string]any{},
	}
	for k, v := range asMap(item["metadata"]) {
		pu.Metadata[k] = v
	}
	if choice := asMap(item["pollChoice"]); choice != nil {
		pu.Metadata["pollChoice"] = choice
	}
	encPayload := decodeBytes(firstPresent(node, "vote.encPayload"))
	encIV := decodeBytes(firstPresent(node, "vote.encIv"))
	if len(encPayload) > 0 && len(encIV) > 0 {
		pu.Encrypted = &entities.EncryptedVote{EncPayload: encPayload, EncIV: encIV}
	}
	normalizePollUpdate(pu)
	return pu
}

// pollUpdateFromConnectorUpdate reads already decrypted votes attached to a poll
// creation message update. The latest vote wins.
func (n *Normalizer) pollUpdateFromConnectorUpdate(pollKey map[string]any, polls []any) *entities.PollUpdate {
	last := asMap(polls[len(polls)-1])
	if last == nil {
		return nil
	}
	voteKey := asMap(last["pollUpdateMessageKey"])
	pu := &entities.PollUpdate{
		PollID:    asString(pollKey["id"]),
		VoterJID:  firstNonEmpty(asString(voteKey["participant"]), asString(voteKey["remoteJid"])),
		Timestamp: ResolveTimestamp(last["senderTimestampMs"]),
		Payload:   SanitizeMetadata(last),
	}
	for _, ref := range asSlice(firstPresent(last, "vote.selectedOptions")) {
		if b := decodeBytes(ref); len(b) > 0 {
			pu.OptionIDs = append(pu.OptionIDs, base64.RawURLEncoding.EncodeToString(b))
		}
	}
	normalizePollUpdate(pu)
	return pu
}

func normalizePollUpdate(pu *entities.PollUpdate) {
	pu.PollID = strings.TrimSpace(pu.PollID)
	pu.VoterJID = NormalizeChatID(pu.VoterJID)
	for i, id := range pu.OptionIDs {
		pu.OptionIDs[i] = canonicalOptionRef(id)
	}
	for i := range pu.SelectedOptions {
		pu.SelectedOptions[i].ID = canonicalOptionRef(pu.SelectedOptions[i].ID)
	}
	if pu.Metadata != nil {
		pu.Metadata = SanitizeMetadata(pu.Metadata)
	}
}

// pollFromProvider builds the poll definition from a connector poll creation message.
func pollFromProvider(msg, item map[string]any, externalID string) *entities.Poll {
	node := firstMap(msg, "pollCreationMessage", "pollCreationMessageV2", "pollCreationMessageV3")
	if node == nil {
		return nil
	}
	poll := &entities.Poll{
		PollID:        externalID,
		Question:      asString(node["name"]),
		MessageSecret: decodeBytes(firstPresent(msg, "messageContextInfo.messageSecret")),
		MediaType:     "poll",
	}
	if n, ok := asInt64(node["selectableOptionsCount"]); ok {
		poll.SelectableCount = int(n)
	}
	for i, item := range asSlice(node["options"]) {
		title := firstString(asMap(item), "optionName")
		poll.Options = append(poll.Options, entities.PollOption{ID: PollOptionID(title), Title: title, Index: i})
	}
	if key := asMap(item["key"]); key != nil {
		poll.CreationMessageKey = &entities.MessageKey{
			RemoteJID:   asString(key["remoteJid"]),
			FromMe:      asBool(key["fromMe"]),
			ID:          asString(key["id"]),
			Participant: asString(key["participant"]),
		}
	}
	return poll
}

// pollFromFlat builds a poll definition from broker supplied poll metadata.
func pollFromFlat(m map[string]any) *entities.Poll {
	node := firstMap(m, "poll", "pollCreationMessage", "metadata.poll")
	if node == nil {
		node = m
	}
	poll := &entities.Poll{
		PollID:        firstString(node, "id", "pollId"),
		Question:      firstString(node, "question", "name", "title"),
		MessageSecret: decodeBytes(firstNonNil(node["messageSecret"], m["messageSecret"], firstPresent(m, "metadata.messageSecret"))),
		MediaType:     firstNonEmpty(firstString(node, "mediaType"), "poll"),
	}
	if n, ok := firstInt64(node, "selectableCount", "selectableOptionsCount"); ok {
		poll.SelectableCount = int(n)
	}
	for i, item := range asSlice(node["options"]) {
		var id, title string
		if s := asString(item); s != "" {
			title = s
		} else {
			opt := asMap(item)
			title = firstString(opt, "title", "name", "optionName", "text")
			id = canonicalOptionRef(firstString(opt, "id", "optionId"))
		}
		if id == "" {
			id = PollOptionID(title)
		}
		poll.Options = append(poll.Options, entities.PollOption{ID: id, Title: title, Index: i})
	}
	if key := firstMap(node, "creationMessageKey"); key != nil {
		poll.CreationMessageKey = &entities.MessageKey{
			RemoteJID:   asString(key["remoteJid"]),
			FromMe:      asBool(key["fromMe"]),
			ID:          asString(key["id"]),
			Participant: asString(key["participant"]),
		}
	}
	if poll.Question == "" && len(poll.Options) == 0 {
		return nil
	}
	return poll
}

func pollDisplayText(poll *entities.Poll) string {
	return poll.Question
}

func pollMetadata(poll *entities.Poll) map[string]any {
	options := make([]any, 0, len(poll.Options))
	for _, opt := range poll.Options {
		options = append(options, map[string]any{"id": opt.ID, "title": opt.Title, "index": opt.Index})
	}
	meta := map[string]any{
		"id":       poll.PollID,
		"question": poll.Question,
		"options":  options,
	}
	if poll.SelectableCount > 0 {
		meta["selectableCount"] = poll.SelectableCount
	}
	if len(poll.VoteCounts) > 0 {
		counts := make(map[string]any, len(poll.VoteCounts))
		for k, v := range poll.VoteCounts {
			counts[k] = v
		}
		meta["voteCounts"] = counts
	}
	return meta
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
