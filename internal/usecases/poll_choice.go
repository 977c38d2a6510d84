package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"engage_inbound/internal/entities"
	"engage_inbound/internal/infrastructure"
	"engage_inbound/internal/interfaces"

	"github.com/rs/zerolog"
)

type PollOutcome string

const (
	PollOutcomeAccepted PollOutcome = "accepted"
	PollOutcomeIgnored  PollOutcome = "ignored"
	PollOutcomeFailed   PollOutcome = "failed"
	// PollOutcomeDeferred is not terminal: the terminal event follows from the scheduled retry.
	PollOutcomeDeferred PollOutcome = "deferred"
)

// Terminal reasons reported with the outcome.
const (
	PollReasonRewritten      = "message_rewritten"
	PollReasonUnchanged      = "message_unchanged"
	PollReasonInboxFallback  = "inbox_fallback"
	PollReasonDuplicate      = "duplicate_vote"
	PollReasonStale          = "stale_vote"
	PollReasonInvalid        = "invalid_payload"
	PollReasonNoSelection    = "no_selection"
	PollReasonMissingTenant  = "poll_choice_inbox_missing_tenant"
	PollReasonInboxFailed    = "poll_choice_inbox_failed"
	PollReasonStorageFailure = "poll_choice_storage_failure"
	PollReasonAwaitingTenant = "awaiting_tenant"
)

const (
	EventPollVote        = "polls.vote"
	pollInboxHeader      = "Resposta de enquete recebida"
	defaultLookupTimeout = 15 * time.Second
)

// PollChoiceResult is what Process reports synchronously.
type PollChoiceResult struct {
	Outcome   PollOutcome `json:"outcome"`
	Reason    string      `json:"reason"`
	PollID    string      `json:"pollId"`
	VoterJID  string      `json:"voterJid"`
	MessageID string      `json:"messageId,omitempty"`
}

// Deferred reports whether the terminal outcome will be published later.
func (r PollChoiceResult) Deferred() bool {
	return r.Outcome == PollOutcomeDeferred
}

// PollChoiceEvent is published exactly once per processed vote.
type PollChoiceEvent struct {
	PollChoiceResult
	TenantID   string    `json:"tenantId,omitempty"`
	InstanceID string    `json:"instanceId"`
	Retried    bool      `json:"retried"`
	At         time.Time `json:"at"`
}

type PollChoiceObserver func(PollChoiceEvent)

type PollChoiceConfig struct {
	RetryDelay    time.Duration
	DedupeTTL     time.Duration
	LookupTimeout time.Duration
}

// PollChoiceService persists votes and makes them visible, either by rewriting the
// poll message in place or by injecting a synthetic inbox message.
type PollChoiceService struct {
	store     interfaces.Storage
	ingester  Ingester
	realtime  interfaces.Realtime
	source    interfaces.PollMetadataSource
	scheduler Scheduler
	dedupe    Deduper
	decrypt   VoteDecrypter
	metrics   *infrastructure.InboundMetrics
	logger    zerolog.Logger
	cfg       PollChoiceConfig
	now       func() time.Time

	mu        sync.RWMutex
	observers []PollChoiceObserver
}

func NewPollChoiceService(
	store interfaces.Storage,
	ingester Ingester,
	realtime interfaces.Realtime,
	source interfaces.PollMetadataSource,
	scheduler Scheduler,
	dedupe Deduper,
	metrics *infrastructure.InboundMetrics,
	cfg PollChoiceConfig,
	logger zerolog.Logger,
) *PollChoiceService {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 24 * time.Hour
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}
	if scheduler == nil {
		scheduler = NewTimerScheduler()
	}
	return &PollChoiceService{
		store:     store,
		ingester:  ingester,
		realtime:  realtime,
		source:    source,
		scheduler: scheduler,
		dedupe:    dedupe,
		decrypt:   DecryptPollVote,
		metrics:   metrics,
		logger:    logger.With().Str("component", "poll_choice").Logger(),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Observe registers a listener for terminal poll choice events.
func (s *PollChoiceService) Observe(fn PollChoiceObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// voteJob carries one vote through the pipeline, including a scheduled retry.
type voteJob struct {
	env      *entities.InboundEnvelope
	update   *entities.PollUpdate
	poll     *entities.Poll
	vote     ExtractedVote
	voteKey  string
	tenantID string
	retried  bool
}

// Process runs the pipeline for one poll update envelope.
func (s *PollChoiceService) Process(ctx context.Context, env *entities.InboundEnvelope) PollChoiceResult {
	job := &voteJob{env: env}
	if env != nil {
		job.update = env.Message.PollUpdate
	}
	if job.update == nil || job.update.PollID == "" || job.update.VoterJID == "" {
		return s.finish(job, PollOutcomeIgnored, PollReasonInvalid, "")
	}

	log := s.jobLogger(job)
	job.poll = s.loadPoll(ctx, env.InstanceID, job.update.PollID, log)

	vote, err := ExtractVote(job.update, job.poll, s.decrypt)
	if err != nil {
		reason := decryptFailureReason(err)
		s.metrics.ObserveDecryptFailure(reason)
		log.Warn().Err(err).Str("reason", reason).Msg("Poll vote decryption failed, using inline selections")
	}
	job.vote = vote
	if len(vote.SelectedOptions) == 0 && !vote.Decrypted {
		return s.finish(job, PollOutcomeIgnored, PollReasonNoSelection, "")
	}

	job.voteKey = pollVoteDedupeKey(job.update, vote.OptionIDs)
	if s.dedupe != nil && job.voteKey != "" && s.dedupe.ShouldSkip(job.voteKey, s.now()) {
		log.Debug().Msg("Duplicate poll vote skipped")
		return s.finish(job, PollOutcomeIgnored, PollReasonDuplicate, "")
	}

	ts := s.now().UTC()
	if job.update.Timestamp != nil {
		ts = job.update.Timestamp.UTC()
	}
	applied, err := s.store.UpsertPollVote(ctx, entities.PollVote{
		PollID:          job.update.PollID,
		VoterJID:        job.update.VoterJID,
		SelectedOptions: vote.SelectedOptions,
		Timestamp:       ts,
	})
	if err != nil {
		log.Error().Err(err).Msg("Poll vote persistence failed")
		return s.finish(job, PollOutcomeFailed, PollReasonStorageFailure, "")
	}
	if !applied {
		return s.finish(job, PollOutcomeIgnored, PollReasonStale, "")
	}

	job.tenantID = s.resolveTenant(ctx, job)
	if job.tenantID == "" {
		job.retried = true
		s.scheduler.Schedule(s.cfg.RetryDelay, func() {
			s.retry(job)
		})
		log.Info().Dur("delay", s.cfg.RetryDelay).Msg("Poll vote tenant unknown, retry scheduled")
		s.metrics.ObservePollChoice(string(PollOutcomeDeferred), PollReasonAwaitingTenant)
		return job.result(PollOutcomeDeferred, PollReasonAwaitingTenant, "")
	}
	return s.reconcile(ctx, job)
}

// retry runs once after the delay; it never schedules another attempt.
func (s *PollChoiceService) retry(job *voteJob) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LookupTimeout)
	defer cancel()

	if stored, err := s.store.FindPoll(ctx, job.update.PollID); err == nil && stored != nil {
		job.poll = stored
	}
	job.tenantID = s.resolveTenant(ctx, job)
	if job.tenantID == "" {
		log := s.jobLogger(job)
		log.Warn().Msg("Poll vote tenant still unknown after retry")
		s.finish(job, PollOutcomeFailed, PollReasonMissingTenant, "")
		return
	}
	s.reconcile(ctx, job)
}

func (s *PollChoiceService) reconcile(ctx context.Context, job *voteJob) PollChoiceResult {
	log := s.jobLogger(job).With().Str("tenant_id", job.tenantID).Logger()

	synced := s.syncCounts(ctx, job, log)

	message, err := s.findPollMessage(ctx, job)
	if err != nil {
		log.Warn().Err(err).Msg("Poll message lookup failed")
	}

	if message != nil {
		changed, updated, err := s.rewrite(ctx, job, message)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("message_id", message.ID).Msg("Poll message rewrite failed")
		case synced && !changed:
			s.registerVote(job)
			return s.finish(job, PollOutcomeAccepted, PollReasonUnchanged, message.ID)
		case synced:
			s.registerVote(job)
			s.emitVote(job, updated.ID)
			return s.finish(job, PollOutcomeAccepted, PollReasonRewritten, updated.ID)
		}
	}

	return s.inboxFallback(ctx, job, log)
}

// syncCounts recomputes per option totals from the stored votes.
func (s *PollChoiceService) syncCounts(ctx context.Context, job *voteJob, log zerolog.Logger) bool {
	if job.poll == nil {
		return true
	}
	votes, err := s.store.ListPollVotes(ctx, job.update.PollID)
	if err != nil {
		log.Warn().Err(err).Msg("Poll votes listing failed")
		return false
	}
	counts := VoteCounts(votes)
	if err := s.store.UpdatePollVoteCounts(ctx, job.update.PollID, counts); err != nil {
		log.Warn().Err(err).Msg("Poll vote counts sync failed")
		return false
	}
	job.poll.VoteCounts = counts
	return true
}

// VoteCounts totals the latest selection of every voter per option id.
func VoteCounts(votes []entities.PollVote) map[string]int {
	counts := make(map[string]int)
	for _, v := range votes {
		for _, opt := range v.SelectedOptions {
			counts[opt.ID]++
		}
	}
	return counts
}

func (s *PollChoiceService) findPollMessage(ctx context.Context, job *voteJob) (*entities.Message, error) {
	candidates := []string{job.update.PollID}
	chatID := job.env.ChatID
	if job.poll != nil {
		candidates = append(candidates, job.poll.ReplyMessageIDs...)
		chatID = firstNonEmpty(job.poll.ChatID, chatID)
	}

	var errs []error
	seen := make(map[string]bool, len(candidates))
	for _, id := range candidates {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		msg, err := s.store.FindMessageByExternalID(ctx, job.tenantID, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if msg != nil {
			return msg, nil
		}
	}
	if chatID != "" {
		msg, err := s.store.FindPollVoteMessageCandidate(ctx, job.tenantID, chatID, job.update.PollID)
		if err != nil {
			errs = append(errs, err)
		} else if msg != nil {
			return msg, nil
		}
	}
	return nil, errors.Join(errs...)
}

// rewrite updates the poll message text and metadata. It reports false without
// writing when nothing would change.
func (s *PollChoiceService) rewrite(ctx context.Context, job *voteJob, message *entities.Message) (bool, *entities.Message, error) {
	metadata := make(map[string]any, len(message.Metadata)+2)
	for k, v := range message.Metadata {
		metadata[k] = v
	}
	choice := s.choiceMetadata(job)
	votes := asMap(metadata["pollVotes"])
	merged := make(map[string]any, len(votes)+1)
	for k, v := range votes {
		merged[k] = v
	}
	merged[job.update.VoterJID] = choice
	metadata["pollVotes"] = merged
	metadata["pollChoice"] = choice
	if job.poll != nil {
		metadata["poll"] = pollMetadata(job.poll)
	}
	metadata = SanitizeMetadata(metadata)

	text := message.Text
	if job.poll != nil {
		text = PollSummaryText(job.poll)
	}

	if text == message.Text && sameJSON(metadata, message.Metadata) {
		return false, message, nil
	}

	update := entities.MessageUpdate{Metadata: metadata}
	if text != message.Text {
		update.Text = &text
	}
	updated, err := s.store.UpdateMessage(ctx, job.tenantID, message.ID, update)
	if err != nil {
		return false, nil, err
	}
	if updated == nil {
		return false, nil, fmt.Errorf("message %s disappeared during rewrite", message.ID)
	}
	if s.realtime != nil {
		notice := map[string]any{"message": updated, "ticketId": updated.TicketID}
		s.realtime.EmitToTenant(job.tenantID, EventMessageUpdated, notice)
		if updated.TicketID != "" {
			s.realtime.EmitToTicket(updated.TicketID, EventMessageUpdated, notice)
		}
	}
	return true, updated, nil
}

func (s *PollChoiceService) inboxFallback(ctx context.Context, job *voteJob, log zerolog.Logger) PollChoiceResult {
	if s.ingester == nil {
		return s.finish(job, PollOutcomeFailed, PollReasonInboxFailed, "")
	}
	env := s.inboxEnvelope(job)
	if _, err := s.ingester.Ingest(ctx, env); err != nil {
		log.Error().Err(err).Msg("Poll vote inbox fallback failed")
		if ReasonOf(err) == ReasonTenantNotFound {
			return s.finish(job, PollOutcomeFailed, PollReasonMissingTenant, "")
		}
		return s.finish(job, PollOutcomeFailed, PollReasonInboxFailed, "")
	}
	s.registerVote(job)
	messageID := env.Message.ExternalID
	s.emitVote(job, messageID)
	return s.finish(job, PollOutcomeAccepted, PollReasonInboxFallback, messageID)
}

func (s *PollChoiceService) inboxEnvelope(job *voteJob) *entities.InboundEnvelope {
	instanceID := job.env.InstanceID
	chatID := job.env.ChatID
	if job.poll != nil {
		instanceID = firstNonEmpty(job.poll.InstanceID, instanceID)
		chatID = firstNonEmpty(chatID, job.poll.ChatID)
	}
	chatID = firstNonEmpty(chatID, job.update.VoterJID)

	externalID := DeterministicID("poll-choice", job.update.PollID, job.update.VoterJID, strings.Join(job.vote.OptionIDs, ","), voteStamp(job.update))
	text := InboxFallbackText(job.vote.Question, job.vote.SelectedOptions)
	ts := s.now().UTC()
	if job.update.Timestamp != nil {
		ts = job.update.Timestamp.UTC()
	}

	hints := &entities.InstanceHints{TenantID: job.tenantID, Source: string(entities.OriginPollChoice)}
	if job.env.Hints != nil {
		copied := *job.env.Hints
		copied.TenantID = job.tenantID
		hints = &copied
	}

	return &entities.InboundEnvelope{
		Origin:     entities.OriginPollChoice,
		InstanceID: instanceID,
		TenantID:   job.tenantID,
		ChatID:     chatID,
		Hints:      hints,
		Message: entities.EnvelopeMessage{
			Kind:       entities.KindMessage,
			ID:         externalID,
			ExternalID: externalID,
			Payload: &entities.NormalizedMessage{
				ID:                     externalID,
				ExternalID:             externalID,
				Type:                   entities.MessageTypeText,
				Text:                   text,
				BrokerMessageTimestamp: &ts,
				Contact: entities.ContactHint{
					JID:   job.update.VoterJID,
					Phone: NormalizePhone(job.update.VoterJID, ""),
				},
				Metadata: map[string]any{
					"pollChoice": s.choiceMetadata(job),
				},
			},
		},
	}
}

// InboxFallbackText renders the synthetic message shown when the poll message cannot be edited.
func InboxFallbackText(question string, selected []entities.SelectedOption) string {
	labels := make([]string, 0, len(selected))
	for _, opt := range selected {
		labels = append(labels, opt.Title)
	}
	lines := []string{pollInboxHeader}
	if question != "" {
		lines = append(lines, "Pergunta: "+question)
	}
	choices := strings.Join(labels, ", ")
	if choices == "" {
		choices = "nenhuma"
	}
	lines = append(lines, "Opções escolhidas: "+choices)
	return strings.Join(lines, "\n")
}

// PollSummaryText renders the poll question followed by the running totals.
func PollSummaryText(poll *entities.Poll) string {
	var b strings.Builder
	b.WriteString(poll.Question)
	for _, opt := range poll.Options {
		n := poll.VoteCounts[opt.ID]
		title := opt.Title
		if title == "" {
			title = fmt.Sprintf("Opção %d", opt.Index+1)
		}
		unit := "votos"
		if n == 1 {
			unit = "voto"
		}
		fmt.Fprintf(&b, "\n• %s: %d %s", title, n, unit)
	}
	return b.String()
}

func (s *PollChoiceService) choiceMetadata(job *voteJob) map[string]any {
	options := make([]any, 0, len(job.vote.SelectedOptions))
	for _, opt := range job.vote.SelectedOptions {
		options = append(options, map[string]any{"id": opt.ID, "title": opt.Title})
	}
	meta := map[string]any{
		"pollId":          job.update.PollID,
		"voterJid":        job.update.VoterJID,
		"selectedOptions": options,
		"optionIds":       append([]string(nil), job.vote.OptionIDs...),
	}
	if job.vote.Question != "" {
		meta["question"] = job.vote.Question
	}
	if job.update.Timestamp != nil {
		meta["timestamp"] = job.update.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return meta
}

// loadPoll reads the stored poll or asks the broker, caching what the broker returns.
func (s *PollChoiceService) loadPoll(ctx context.Context, instanceID, pollID string, log zerolog.Logger) *entities.Poll {
	poll, err := s.store.FindPoll(ctx, pollID)
	if err != nil {
		log.Warn().Err(err).Msg("Poll lookup failed")
	}
	if poll != nil || s.source == nil || instanceID == "" {
		return poll
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()
	poll, err = s.source.GetPoll(lookupCtx, instanceID, pollID)
	if err != nil {
		log.Warn().Err(err).Msg("Broker poll metadata lookup failed")
		return nil
	}
	if poll == nil {
		return nil
	}
	poll.PollID = firstNonEmpty(poll.PollID, pollID)
	poll.InstanceID = firstNonEmpty(poll.InstanceID, instanceID)
	if poll.CreatedAt.IsZero() {
		poll.CreatedAt = s.now().UTC()
	}
	if err := s.store.UpsertPoll(ctx, poll); err != nil {
		log.Warn().Err(err).Msg("Caching broker poll metadata failed")
	}
	return poll
}

// resolveTenant tries the envelope, the poll record and finally the instance owner.
func (s *PollChoiceService) resolveTenant(ctx context.Context, job *voteJob) string {
	if job.env.TenantID != "" {
		return job.env.TenantID
	}
	if job.poll != nil && job.poll.TenantID != "" {
		return job.poll.TenantID
	}
	instanceID := job.env.InstanceID
	if job.poll != nil {
		instanceID = firstNonEmpty(job.poll.InstanceID, instanceID)
	}
	if instanceID == "" {
		return ""
	}
	instance, err := s.store.FindInstanceByID(ctx, instanceID)
	if err != nil || instance == nil {
		return ""
	}
	return instance.TenantID
}

func (s *PollChoiceService) registerVote(job *voteJob) {
	if s.dedupe != nil && job.voteKey != "" {
		s.dedupe.Register(job.voteKey, s.now(), s.cfg.DedupeTTL)
	}
}

func (s *PollChoiceService) emitVote(job *voteJob, messageID string) {
	if s.realtime == nil || job.tenantID == "" {
		return
	}
	s.realtime.EmitToTenant(job.tenantID, EventPollVote, map[string]any{
		"pollId":          job.update.PollID,
		"voterJid":        job.update.VoterJID,
		"selectedOptions": job.vote.SelectedOptions,
		"messageId":       messageID,
	})
}

func (j *voteJob) result(outcome PollOutcome, reason, messageID string) PollChoiceResult {
	r := PollChoiceResult{Outcome: outcome, Reason: reason, MessageID: messageID}
	if j.update != nil {
		r.PollID = j.update.PollID
		r.VoterJID = j.update.VoterJID
	}
	return r
}

// finish publishes the single terminal event of a job.
func (s *PollChoiceService) finish(job *voteJob, outcome PollOutcome, reason, messageID string) PollChoiceResult {
	res := job.result(outcome, reason, messageID)
	s.metrics.ObservePollChoice(string(outcome), reason)

	evt := PollChoiceEvent{PollChoiceResult: res, TenantID: job.tenantID, Retried: job.retried, At: s.now().UTC()}
	if job.env != nil {
		evt.InstanceID = job.env.InstanceID
	}

	level := zerolog.InfoLevel
	if outcome == PollOutcomeFailed {
		level = zerolog.WarnLevel
	}
	log := s.jobLogger(job)
	log.WithLevel(level).
		Str("outcome", string(outcome)).
		Str("reason", reason).
		Bool("retried", job.retried).
		Msg("Poll choice processed")

	s.mu.RLock()
	observers := append([]PollChoiceObserver(nil), s.observers...)
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(evt)
	}
	return res
}

func (s *PollChoiceService) jobLogger(job *voteJob) zerolog.Logger {
	ctx := s.logger.With()
	if job.env != nil {
		ctx = ctx.Str("instance_id", job.env.InstanceID)
	}
	if job.update != nil {
		ctx = ctx.Str("poll_id", job.update.PollID).Str("voter", job.update.VoterJID)
	}
	return ctx.Logger()
}

// pollVoteDedupeKey identifies one vote event of a voter. Votes without a timestamp
// get no key and rely on the last-write-wins upsert instead.
func pollVoteDedupeKey(update *entities.PollUpdate, optionIDs []string) string {
	stamp := voteStamp(update)
	if stamp == "" {
		return ""
	}
	ids := append([]string(nil), optionIDs...)
	sort.Strings(ids)
	return strings.Join([]string{"poll", update.PollID, update.VoterJID, stamp, DeterministicID("sel", ids...)}, ":")
}

func voteStamp(update *entities.PollUpdate) string {
	if update == nil || update.Timestamp == nil || update.Timestamp.IsZero() {
		return ""
	}
	return strconv.FormatInt(update.Timestamp.UnixMilli(), 10)
}

// sameJSON compares two metadata documents after a JSON round trip.
func sameJSON(a, b map[string]any) bool {
	var left, right any
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	if json.Unmarshal(ab, &left) != nil || json.Unmarshal(bb, &right) != nil {
		return false
	}
	return reflect.DeepEqual(left, right)
}
