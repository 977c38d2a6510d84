package entities

import "time"

type PollOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Index int    `json:"index"`
}

type SelectedOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MessageKey identifies the poll creation message, needed to decrypt votes.
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

// Poll is created the first time a poll creation message is observed. Only VoteCounts changes afterwards.
type Poll struct {
	PollID             string         `json:"pollId"`
	TenantID           string         `json:"tenantId,omitempty"`
	InstanceID         string         `json:"instanceId,omitempty"`
	ChatID             string         `json:"chatId,omitempty"`
	Question           string         `json:"question"`
	Options            []PollOption   `json:"options"`
	SelectableCount    int            `json:"selectableCount,omitempty"`
	CreationMessageKey *MessageKey    `json:"creationMessageKey,omitempty"`
	MessageSecret      []byte         `json:"messageSecret,omitempty"`
	MediaType          string         `json:"mediaType,omitempty"`
	ReplyMessageIDs    []string       `json:"replyMessageIds,omitempty"`
	VoteCounts         map[string]int `json:"voteCounts,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// OptionByID returns the option and whether it is known.
func (p *Poll) OptionByID(id string) (PollOption, bool) {
	if p == nil {
		return PollOption{}, false
	}
	for _, opt := range p.Options {
		if opt.ID == id {
			return opt, true
		}
	}
	return PollOption{}, false
}

type PollVote struct {
	PollID          string           `json:"pollId"`
	VoterJID        string           `json:"voterJid"`
	SelectedOptions []SelectedOption `json:"selectedOptions"`
	Timestamp       time.Time        `json:"timestamp"`
}

// EncryptedVote is the ciphertext form of a vote as delivered by the transport.
type EncryptedVote struct {
	EncPayload []byte `json:"encPayload"`
	EncIV      []byte `json:"encIv"`
}

// PollUpdate is the normalized form of a poll vote event before reconciliation.
type PollUpdate struct {
	PollID          string           `json:"pollId" validate:"required"`
	VoterJID        string           `json:"voterJid" validate:"required"`
	SelectedOptions []SelectedOption `json:"selectedOptions,omitempty"`
	OptionIDs       []string         `json:"optionIds,omitempty"`
	Encrypted       *EncryptedVote   `json:"encrypted,omitempty"`
	Timestamp       *time.Time       `json:"timestamp,omitempty"`
	Payload         map[string]any   `json:"payload,omitempty"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
}
