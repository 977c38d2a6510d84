package interfaces

import (
	"context"
	"errors"

	"engage_inbound/internal/entities"
)

// Storage errors shared by every implementation.
var (
	// ErrForeignKey means a referenced row (usually the tenant) does not exist.
	ErrForeignKey = errors.New("foreign key violation")
	// ErrConflict means a unique constraint rejected the write.
	ErrConflict = errors.New("unique constraint violation")
)

// Finders return (nil, nil) when nothing matches.

type TenantStore interface {
	FindTenantByID(ctx context.Context, id string) (*entities.Tenant, error)
	FindTenantBySlug(ctx context.Context, slug string) (*entities.Tenant, error)
	UpsertTenant(ctx context.Context, tenant *entities.Tenant) (*entities.Tenant, error)
}

type InstanceStore interface {
	FindInstanceByID(ctx context.Context, id string) (*entities.Instance, error)
	FindInstanceByBrokerID(ctx context.Context, tenantID, brokerID string) (*entities.Instance, error)
	CreateInstance(ctx context.Context, instance *entities.Instance) error
}

type QueueStore interface {
	FindOldestQueue(ctx context.Context, tenantID string) (*entities.Queue, error)
	UpsertQueue(ctx context.Context, tenantID, name string) (*entities.Queue, error)
}

type CampaignStore interface {
	FindFallbackCampaign(ctx context.Context, tenantID, instanceID string) (*entities.Campaign, error)
	CreateCampaign(ctx context.Context, campaign *entities.Campaign) error
}

type ContactStore interface {
	UpsertContact(ctx context.Context, contact *entities.Contact) (*entities.Contact, error)
}

type TicketStore interface {
	FindOrCreateOpenTicket(ctx context.Context, req entities.TicketRequest) (*entities.Ticket, bool, error)
}

type MessageStore interface {
	UpsertMessageByExternalID(ctx context.Context, tenantID, ticketID, externalID string, fields entities.MessageFields) (*entities.Message, bool, error)
	FindMessageByExternalID(ctx context.Context, tenantID, externalID string) (*entities.Message, error)
	UpdateMessage(ctx context.Context, tenantID, messageID string, update entities.MessageUpdate) (*entities.Message, error)
	FindPollVoteMessageCandidate(ctx context.Context, tenantID, chatID, pollID string) (*entities.Message, error)
}

type PollStore interface {
	FindPoll(ctx context.Context, pollID string) (*entities.Poll, error)
	UpsertPoll(ctx context.Context, poll *entities.Poll) error
	// UpsertPollVote keeps the latest vote per (pollId, voterJid); it reports false when
	// the stored vote is newer than vote.
	UpsertPollVote(ctx context.Context, vote entities.PollVote) (bool, error)
	ListPollVotes(ctx context.Context, pollID string) ([]entities.PollVote, error)
	UpdatePollVoteCounts(ctx context.Context, pollID string, counts map[string]int) error
}

type LeadStore interface {
	UpsertLead(ctx context.Context, lead *entities.Lead) (*entities.Lead, error)
}

// Storage is the persistence collaborator of the inbound pipeline.
type Storage interface {
	TenantStore
	InstanceStore
	QueueStore
	CampaignStore
	ContactStore
	TicketStore
	MessageStore
	PollStore
	LeadStore
}

// Realtime fans events out to connected operators. Delivery is best effort.
type Realtime interface {
	EmitToTenant(tenantID, event string, payload any)
	EmitToTicket(ticketID, event string, payload any)
	EmitToAgreement(agreementID, event string, payload any)
}

type LeadAllocator interface {
	AddAllocations(ctx context.Context, tenantID string, target entities.AllocationTarget, leads []entities.Lead) (*entities.AllocationResult, error)
}

// MediaDownloader fetches and decrypts an attachment from the messaging transport.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, instanceID string, ref entities.MediaRef) (*entities.MediaBlob, error)
}

// MediaStore persists a downloaded attachment and returns its public URL.
type MediaStore interface {
	Save(ctx context.Context, key string, blob *entities.MediaBlob) (string, error)
}

// PollMetadataSource looks up poll definitions the broker knows about.
type PollMetadataSource interface {
	GetPoll(ctx context.Context, instanceID, pollID string) (*entities.Poll, error)
}
