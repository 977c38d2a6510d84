package entities

import "time"

type MessageType string

const (
	MessageTypeText     MessageType = "TEXT"
	MessageTypeImage    MessageType = "IMAGE"
	MessageTypeVideo    MessageType = "VIDEO"
	MessageTypeAudio    MessageType = "AUDIO"
	MessageTypeDocument MessageType = "DOCUMENT"
	MessageTypeLocation MessageType = "LOCATION"
	MessageTypeContact  MessageType = "CONTACT"
	MessageTypeTemplate MessageType = "TEMPLATE"
	MessageTypeSticker  MessageType = "STICKER"
)

// IsMedia reports whether messages of this type carry a downloadable attachment.
func (t MessageType) IsMedia() bool {
	switch t {
	case MessageTypeImage, MessageTypeVideo, MessageTypeAudio, MessageTypeDocument, MessageTypeSticker:
		return true
	}
	return false
}

// NormalizedMessage is the transport independent message produced by the normalizer.
type NormalizedMessage struct {
	ID                     string         `json:"id"`
	ExternalID             string         `json:"externalId" validate:"required"`
	Type                   MessageType    `json:"type" validate:"required"`
	Text                   string         `json:"text,omitempty"`
	Caption                string         `json:"caption,omitempty"`
	MediaURL               *string        `json:"mediaUrl"`
	Mimetype               string         `json:"mimetype,omitempty"`
	FileName               string         `json:"fileName,omitempty"`
	FileSize               int64          `json:"fileSize,omitempty"`
	BrokerMessageTimestamp *time.Time     `json:"brokerMessageTimestamp,omitempty"`
	FromMe                 bool           `json:"fromMe"`
	Contact                ContactHint    `json:"contact"`
	Media                  *MediaRef      `json:"media,omitempty"`
	Location               *Location      `json:"location,omitempty"`
	Poll                   *Poll          `json:"poll,omitempty"`
	Metadata               map[string]any `json:"metadata,omitempty"`
}

// ContactHint carries whatever sender identity the transport exposed.
type ContactHint struct {
	JID      string `json:"jid,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Name     string `json:"name,omitempty"`
	Document string `json:"document,omitempty"`
}

// MediaRef points at encrypted media on the WhatsApp CDN.
type MediaRef struct {
	DirectPath    string `json:"directPath,omitempty"`
	MediaKey      []byte `json:"mediaKey,omitempty"`
	FileSHA256    []byte `json:"fileSha256,omitempty"`
	FileEncSHA256 []byte `json:"fileEncSha256,omitempty"`
	FileLength    uint64 `json:"fileLength,omitempty"`
	MediaType     string `json:"mediaType,omitempty"`
}

// Downloadable reports whether the reference has enough key material to fetch the media.
func (m *MediaRef) Downloadable() bool {
	return m != nil && m.DirectPath != "" && len(m.MediaKey) > 0
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// MediaBlob is a downloaded attachment.
type MediaBlob struct {
	Data     []byte
	MimeType string
	Size     int64
}

// Message is the persisted row owned by storage.
type Message struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId"`
	TicketID   string         `json:"ticketId"`
	ContactID  string         `json:"contactId,omitempty"`
	InstanceID string         `json:"instanceId"`
	ExternalID string         `json:"externalId"`
	ChatID     string         `json:"chatId"`
	Direction  string         `json:"direction"`
	Type       MessageType    `json:"type"`
	Text       string         `json:"text,omitempty"`
	Caption    string         `json:"caption,omitempty"`
	MediaURL   *string        `json:"mediaUrl"`
	Mimetype   string         `json:"mimetype,omitempty"`
	FileSize   int64          `json:"fileSize,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	SentAt     *time.Time     `json:"sentAt,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

const (
	DirectionInbound  = "INBOUND"
	DirectionOutbound = "OUTBOUND"
)

// MessageFields are the columns written by an upsert or an in-place update.
type MessageFields struct {
	ContactID  string
	InstanceID string
	ChatID     string
	Direction  string
	Type       MessageType
	Text       string
	Caption    string
	MediaURL   *string
	Mimetype   string
	FileSize   int64
	Metadata   map[string]any
	SentAt     *time.Time
}

// MessageUpdate is a partial in place edit; nil fields are left untouched.
type MessageUpdate struct {
	Text     *string
	Caption  *string
	Metadata map[string]any
}
