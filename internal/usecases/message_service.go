package usecases

import (
	"context"
	"errors"
	"time"

	"engage_inbound/internal/entities"
	"engage_inbound/internal/infrastructure"
	"engage_inbound/internal/interfaces"

	"github.com/rs/zerolog"
)

const (
	EventTicketCreated  = "tickets.new"
	EventMessageCreated = "messages.new"
	EventMessageUpdated = "messages.updated"
)

// Deduper is the time windowed skip set used before and after persistence.
type Deduper interface {
	ShouldSkip(key string, now time.Time) bool
	Register(key string, now time.Time, ttl time.Duration)
}

// Ingester persists canonical envelopes. It is implemented by MessageService.
type Ingester interface {
	Ingest(ctx context.Context, env *entities.InboundEnvelope) (bool, error)
}

type MessageServiceConfig struct {
	DedupeTTL           time.Duration
	AllocationDedupeTTL time.Duration
}

// MessageService is the ingestion orchestrator: dedupe, resolve context, ensure queue,
// contact and ticket, persist, fan out, allocate.
type MessageService struct {
	store        interfaces.Storage
	provisioning *ProvisioningService
	realtime     interfaces.Realtime
	allocator    interfaces.LeadAllocator
	media        *MediaService
	dedupe       Deduper
	allocations  Deduper
	metrics      *infrastructure.InboundMetrics
	logger       zerolog.Logger
	cfg          MessageServiceConfig
	now          func() time.Time
}

func NewMessageService(
	store interfaces.Storage,
	provisioning *ProvisioningService,
	realtime interfaces.Realtime,
	allocator interfaces.LeadAllocator,
	media *MediaService,
	dedupe Deduper,
	allocations Deduper,
	metrics *infrastructure.InboundMetrics,
	cfg MessageServiceConfig,
	logger zerolog.Logger,
) *MessageService {
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 24 * time.Hour
	}
	if cfg.AllocationDedupeTTL <= 0 {
		cfg.AllocationDedupeTTL = 24 * time.Hour
	}
	return &MessageService{
		store:        store,
		provisioning: provisioning,
		realtime:     realtime,
		allocator:    allocator,
		media:        media,
		dedupe:       dedupe,
		allocations:  allocations,
		metrics:      metrics,
		logger:       logger.With().Str("component", "ingest").Logger(),
		cfg:          cfg,
		now:          time.Now,
	}
}

// Ingest persists one envelope. It returns true only when a new message row was created.
// Status updates are acknowledged without side effects. Recoverable failures come back as
// an *IngestError with Recoverable set so the transport can redeliver.
func (s *MessageService) Ingest(ctx context.Context, env *entities.InboundEnvelope) (bool, error) {
	start := s.now()
	created, err := s.ingest(ctx, env)

	outcome := "skipped"
	switch {
	case err != nil && IsRecoverable(err):
		outcome = "deferred"
	case err != nil:
		outcome = "failed"
	case created:
		outcome = "created"
	}
	origin := ""
	if env != nil {
		origin = string(env.Origin)
	}
	s.metrics.ObserveIngest(origin, outcome, s.now().Sub(start).Seconds())
	return created, err
}

func (s *MessageService) ingest(ctx context.Context, env *entities.InboundEnvelope) (bool, error) {
	if env == nil || env.Message.Kind == entities.KindUpdate {
		return false, nil
	}
	if env.IsPollUpdate() {
		return false, fatal("ingest", ReasonInvalidPayload, errors.New("poll updates are reconciled by the poll choice pipeline"))
	}
	payload := env.Message.Payload
	messageID := env.MessageID()
	if payload == nil || messageID == "" {
		return false, fatal("ingest", ReasonInvalidPayload, errors.New("message envelope without payload or id"))
	}
	if payload.ExternalID == "" {
		payload.ExternalID = messageID
	}

	log := s.logger.With().
		Str("origin", string(env.Origin)).
		Str("instance_id", env.InstanceID).
		Str("external_id", messageID).
		Logger()

	dedupeKey := MessageDedupeKey(env.TenantID, env.InstanceID, env.ChatID, messageID)
	if s.dedupe != nil && s.dedupe.ShouldSkip(dedupeKey, s.now()) {
		log.Debug().Msg("Duplicate message skipped")
		return false, nil
	}

	// Context resolution.
	instance, err := s.provisioning.EnsureInstance(ctx, env.InstanceID, s.instanceHints(env))
	if err != nil {
		log.Warn().Err(err).Bool("recoverable", IsRecoverable(err)).Msg("Instance resolution failed")
		return false, err
	}
	tenantID := instance.TenantID
	if env.TenantID != "" && env.TenantID != tenantID {
		log.Warn().Str("envelope_tenant", env.TenantID).Str("instance_tenant", tenantID).Msg("Envelope tenant differs from instance owner, using instance owner")
	}
	log = log.With().Str("tenant_id", tenantID).Logger()

	queueID, err := s.provisioning.EnsureQueue(ctx, tenantID)
	if err != nil {
		if IsRecoverable(err) {
			s.provisioning.InvalidateQueue(tenantID)
			s.emitTenant(tenantID, EventQueueMissing, map[string]any{
				"instanceId": instance.ID,
				"chatId":     env.ChatID,
				"messageId":  messageID,
				"reason":     string(ReasonOf(err)),
			})
		}
		log.Warn().Err(err).Msg("Queue resolution failed")
		return false, err
	}

	contact, err := s.ensureContact(ctx, tenantID, instance.ID, env)
	if err != nil {
		log.Error().Err(err).Msg("Contact upsert failed")
		return false, classifyStorage("ensure contact", err)
	}

	ticket, ticketCreated, err := s.store.FindOrCreateOpenTicket(ctx, entities.TicketRequest{
		TenantID:   tenantID,
		ChatID:     env.ChatID,
		InstanceID: instance.ID,
		ContactID:  contact.ID,
		QueueID:    queueID,
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrForeignKey) {
			s.provisioning.InvalidateQueue(tenantID)
			log.Warn().Err(err).Msg("Ticket creation hit a missing queue, cache invalidated")
			return false, recoverable("ensure ticket", ReasonQueueMissing, err)
		}
		log.Error().Err(err).Msg("Ticket resolution failed")
		return false, fatal("ensure ticket", ReasonStorageFailure, err)
	}
	if ticketCreated {
		s.emitTenant(tenantID, EventTicketCreated, ticket)
	}

	fields := s.messageFields(ctx, tenantID, instance.ID, contact.ID, env)

	message, wasCreated, err := s.store.UpsertMessageByExternalID(ctx, tenantID, ticket.ID, payload.ExternalID, fields)
	if err != nil {
		log.Error().Err(err).Msg("Message persistence failed")
		return false, classifyStorage("persist message", err)
	}

	// Only a persisted message may be marked as processed.
	if s.dedupe != nil {
		s.dedupe.Register(dedupeKey, s.now(), s.cfg.DedupeTTL)
	}

	if payload.Poll != nil {
		s.registerPoll(ctx, tenantID, instance.ID, env.ChatID, payload.Poll, log)
	}

	event := EventMessageUpdated
	if wasCreated {
		event = EventMessageCreated
	}
	notice := map[string]any{"message": message, "ticketId": ticket.ID, "contactId": contact.ID}
	s.emitTenant(tenantID, event, notice)
	if s.realtime != nil {
		s.realtime.EmitToTicket(ticket.ID, event, notice)
		if ticket.AgreementID != "" {
			s.realtime.EmitToAgreement(ticket.AgreementID, event, notice)
		}
	}

	if wasCreated && !payload.FromMe {
		s.allocateLead(ctx, tenantID, instance.ID, contact, log)
	}

	log.Info().Bool("created", wasCreated).Str("ticket_id", ticket.ID).Str("type", string(payload.Type)).Msg("Inbound message persisted")
	return wasCreated, nil
}

func (s *MessageService) instanceHints(env *entities.InboundEnvelope) *entities.InstanceHints {
	hints := entities.InstanceHints{Source: string(env.Origin)}
	if env.Hints != nil {
		hints = *env.Hints
		if hints.Source == "" {
			hints.Source = string(env.Origin)
		}
	}
	if hints.TenantID == "" {
		hints.TenantID = env.TenantID
	}
	return &hints
}

func (s *MessageService) ensureContact(ctx context.Context, tenantID, instanceID string, env *entities.InboundEnvelope) (*entities.Contact, error) {
	hint := env.Message.Payload.Contact
	phone := hint.Phone
	if phone == "" && !IsGroupJID(env.ChatID) {
		phone = NormalizePhone(env.ChatID, "")
	}
	seed := firstNonEmpty(phone, hint.JID, env.ChatID, "unknown@"+instanceID)

	return s.store.UpsertContact(ctx, &entities.Contact{
		ID:        ContactID(tenantID, seed),
		TenantID:  tenantID,
		Phone:     phone,
		Name:      hint.Name,
		Document:  hint.Document,
		JID:       firstNonEmpty(hint.JID, env.ChatID),
		UpdatedAt: s.now().UTC(),
	})
}

func (s *MessageService) messageFields(ctx context.Context, tenantID, instanceID, contactID string, env *entities.InboundEnvelope) entities.MessageFields {
	p := env.Message.Payload
	direction := entities.DirectionInbound
	if p.FromMe {
		direction = entities.DirectionOutbound
	}

	mediaURL := httpURL(p.MediaURL)
	if p.Type.IsMedia() {
		mediaURL = s.media.Resolve(ctx, tenantID, instanceID, p)
	}

	metadata := make(map[string]any, len(p.Metadata)+4)
	for k, v := range p.Metadata {
		metadata[k] = v
	}
	metadata["origin"] = string(env.Origin)
	metadata["instanceId"] = instanceID
	if p.BrokerMessageTimestamp != nil {
		metadata["brokerMessageTimestamp"] = p.BrokerMessageTimestamp.UTC().Format(time.RFC3339Nano)
	}
	if p.Location != nil {
		metadata["location"] = p.Location
	}
	if p.Contact.Name != "" {
		metadata["pushName"] = p.Contact.Name
	}

	return entities.MessageFields{
		ContactID:  contactID,
		InstanceID: instanceID,
		ChatID:     env.ChatID,
		Direction:  direction,
		Type:       p.Type,
		Text:       p.Text,
		Caption:    p.Caption,
		MediaURL:   mediaURL,
		Mimetype:   p.Mimetype,
		FileSize:   p.FileSize,
		Metadata:   SanitizeMetadata(metadata),
		SentAt:     p.BrokerMessageTimestamp,
	}
}

// registerPoll stores the poll definition the first time it is seen.
func (s *MessageService) registerPoll(ctx context.Context, tenantID, instanceID, chatID string, poll *entities.Poll, log zerolog.Logger) {
	existing, err := s.store.FindPoll(ctx, poll.PollID)
	if err != nil {
		log.Warn().Err(err).Str("poll_id", poll.PollID).Msg("Poll lookup failed")
		return
	}
	if existing != nil {
		return
	}
	poll.TenantID = firstNonEmpty(poll.TenantID, tenantID)
	poll.InstanceID = firstNonEmpty(poll.InstanceID, instanceID)
	poll.ChatID = firstNonEmpty(poll.ChatID, chatID)
	if poll.CreatedAt.IsZero() {
		poll.CreatedAt = s.now().UTC()
	}
	if err := s.store.UpsertPoll(ctx, poll); err != nil {
		log.Warn().Err(err).Str("poll_id", poll.PollID).Msg("Poll registration failed")
	}
}

func (s *MessageService) emitTenant(tenantID, event string, payload any) {
	if s.realtime == nil || tenantID == "" {
		return
	}
	s.realtime.EmitToTenant(tenantID, event, payload)
}

// classifyStorage maps storage failures onto the recoverable/fatal taxonomy.
func classifyStorage(op string, err error) error {
	if errors.Is(err, interfaces.ErrForeignKey) {
		return recoverable(op, ReasonTenantNotFound, err)
	}
	return fatal(op, ReasonStorageFailure, err)
}
