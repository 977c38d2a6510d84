package entities

import "encoding/json"

type Origin string

const (
	OriginBroker     Origin = "broker"
	OriginWebhook    Origin = "webhook"
	OriginPollChoice Origin = "poll_choice"
)

type MessageKind string

const (
	KindMessage MessageKind = "message"
	KindUpdate  MessageKind = "update"
)

// InboundEnvelope is the canonical unit of work handed from transport adapters to the ingestion service.
// Any new adapter must produce exactly this shape.
type InboundEnvelope struct {
	Origin     Origin          `json:"origin" validate:"required,oneof=broker webhook poll_choice"`
	InstanceID string          `json:"instanceId" validate:"required"`
	TenantID   string          `json:"tenantId,omitempty"`
	ChatID     string          `json:"chatId,omitempty"`
	Message    EnvelopeMessage `json:"message"`
	Hints      *InstanceHints  `json:"hints,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// InstanceHints are identifiers found in event metadata that allow an unknown instance
// to be auto-provisioned under the right tenant.
type InstanceHints struct {
	TenantID   string `json:"tenantId,omitempty"`
	TenantSlug string `json:"tenantSlug,omitempty"`
	BrokerID   string `json:"brokerId,omitempty"`
	Name       string `json:"name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Source     string `json:"source,omitempty"`
}

// Empty reports whether no tenant can be derived from the hints.
func (h *InstanceHints) Empty() bool {
	return h == nil || (h.TenantID == "" && h.TenantSlug == "" && h.BrokerID == "")
}

// EnvelopeMessage is a tagged union: Kind "message" carries Payload, Kind "update" carries Status.
type EnvelopeMessage struct {
	Kind       MessageKind        `json:"kind" validate:"required,oneof=message update"`
	ID         string             `json:"id,omitempty"`
	ExternalID string             `json:"externalId,omitempty"`
	Payload    *NormalizedMessage `json:"payload,omitempty"`
	Status     string             `json:"status,omitempty"`
	PollUpdate *PollUpdate        `json:"pollUpdate,omitempty"`
}

// IsPollUpdate reports whether the envelope belongs to the poll choice pipeline.
func (e *InboundEnvelope) IsPollUpdate() bool {
	return e != nil && e.Message.PollUpdate != nil
}

// MessageID returns the most stable identifier the envelope carries.
func (e *InboundEnvelope) MessageID() string {
	if e.Message.ExternalID != "" {
		return e.Message.ExternalID
	}
	if e.Message.Payload != nil && e.Message.Payload.ExternalID != "" {
		return e.Message.Payload.ExternalID
	}
	return e.Message.ID
}

// TransportHints are adapter supplied facts that are not part of the payload itself.
type TransportHints struct {
	Origin     Origin
	InstanceID string
	TenantID   string
	TenantSlug string
	BrokerID   string
	EventType  string
}
