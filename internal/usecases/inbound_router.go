package usecases

import (
	"context"
	"errors"
	"sync"
	"time"

	"engage_inbound/internal/entities"
	"engage_inbound/internal/infrastructure"

	"github.com/rs/zerolog"
)

// PollProcessor is implemented by PollChoiceService.
type PollProcessor interface {
	Process(ctx context.Context, env *entities.InboundEnvelope) PollChoiceResult
}

// RouteSummary reports what happened to the envelopes of one transport payload.
type RouteSummary struct {
	Envelopes   int                `json:"envelopes"`
	Created     int                `json:"created"`
	Skipped     int                `json:"skipped"`
	Replayed    int                `json:"replayed"`
	Polls       []PollChoiceResult `json:"polls,omitempty"`
	Invalid     bool               `json:"invalid,omitempty"`
	Recoverable bool               `json:"recoverable,omitempty"`
}

// InboundRouter is the single entry point used by transport adapters. It normalizes
// a payload, suppresses short-window replays, then hands each envelope to the
// ingestion service or the poll choice pipeline.
type InboundRouter struct {
	normalizer     *Normalizer
	ingester       Ingester
	polls          PollProcessor
	guard          infrastructure.IdempotencyGuard
	idempotencyTTL time.Duration
	metrics        *infrastructure.InboundMetrics
	logger         zerolog.Logger

	mu sync.Mutex
	// deferredClaims holds the idempotency keys of poll votes awaiting their retry.
	deferredClaims map[string]string
}

func NewInboundRouter(
	normalizer *Normalizer,
	ingester Ingester,
	polls PollProcessor,
	guard infrastructure.IdempotencyGuard,
	idempotencyTTL time.Duration,
	metrics *infrastructure.InboundMetrics,
	logger zerolog.Logger,
) *InboundRouter {
	if idempotencyTTL <= 0 {
		idempotencyTTL = 60 * time.Second
	}
	r := &InboundRouter{
		normalizer:     normalizer,
		ingester:       ingester,
		polls:          polls,
		guard:          guard,
		idempotencyTTL: idempotencyTTL,
		metrics:        metrics,
		logger:         logger.With().Str("component", "inbound_router").Logger(),
		deferredClaims: make(map[string]string),
	}
	if observable, ok := polls.(interface{ Observe(PollChoiceObserver) }); ok {
		observable.Observe(r.settleDeferredPoll)
	}
	return r
}

// HandlePayload never fails on malformed input: validation problems are logged with a
// preview and reported through RouteSummary.Invalid. The returned error is set only
// when at least one envelope failed and may succeed on redelivery.
func (r *InboundRouter) HandlePayload(ctx context.Context, raw []byte, hints entities.TransportHints) (RouteSummary, error) {
	var summary RouteSummary

	envs, err := r.normalizer.NormalizeBatch(raw, hints)
	if err != nil {
		r.metrics.ObserveNormalizeFailure(string(hints.Origin))
		r.logger.Warn().
			Err(err).
			Str("origin", string(hints.Origin)).
			Str("instance_id", hints.InstanceID).
			Str("preview", Preview(raw)).
			Msg("Dropping payload that failed normalization")
		summary.Invalid = true
		return summary, nil
	}
	summary.Envelopes = len(envs)

	var deferred []error
	for i, env := range envs {
		if err := r.route(ctx, env, i, &summary); err != nil {
			if IsRecoverable(err) {
				summary.Recoverable = true
				deferred = append(deferred, err)
			}
		}
	}
	return summary, errors.Join(deferred...)
}

// HandleEnvelope routes an envelope that was produced without the normalizer.
func (r *InboundRouter) HandleEnvelope(ctx context.Context, env *entities.InboundEnvelope) (RouteSummary, error) {
	summary := RouteSummary{Envelopes: 1}
	if err := r.route(ctx, env, 0, &summary); err != nil && IsRecoverable(err) {
		summary.Recoverable = true
		return summary, err
	}
	return summary, nil
}

func (r *InboundRouter) route(ctx context.Context, env *entities.InboundEnvelope, index int, summary *RouteSummary) error {
	if env == nil {
		summary.Skipped++
		return nil
	}
	log := r.logger.With().Str("instance_id", env.InstanceID).Str("message_id", env.MessageID()).Logger()

	key := ""
	if r.guard != nil && env.MessageID() != "" {
		key = infrastructure.IdempotencyKey(env.TenantID, env.InstanceID, env.MessageID(), index)
		claimed, err := r.guard.Claim(ctx, key, r.idempotencyTTL)
		if err != nil {
			// The guard is an optimization; the storage upsert still prevents duplicates.
			log.Warn().Err(err).Msg("Idempotency guard unavailable")
			key = ""
		} else if !claimed {
			summary.Replayed++
			log.Debug().Msg("Replay suppressed")
			return nil
		}
	}

	if env.IsPollUpdate() {
		if r.polls == nil {
			summary.Skipped++
			return nil
		}
		res := r.polls.Process(ctx, env)
		summary.Polls = append(summary.Polls, res)
		switch {
		case res.Outcome == PollOutcomeFailed:
			r.release(ctx, key, log)
		case res.Deferred() && key != "":
			r.mu.Lock()
			r.deferredClaims[deferredPollKey(env.InstanceID, res.PollID, res.VoterJID)] = key
			r.mu.Unlock()
		}
		return nil
	}

	created, err := r.ingester.Ingest(ctx, env)
	if err != nil {
		r.release(ctx, key, log)
		summary.Skipped++
		log.Warn().Err(err).Bool("recoverable", IsRecoverable(err)).Msg("Envelope not ingested")
		return err
	}
	if created {
		summary.Created++
	} else {
		summary.Skipped++
	}
	return nil
}

// settleDeferredPoll releases the claim of a deferred vote whose retry failed.
func (r *InboundRouter) settleDeferredPoll(evt PollChoiceEvent) {
	if !evt.Retried {
		return
	}
	id := deferredPollKey(evt.InstanceID, evt.PollID, evt.VoterJID)
	r.mu.Lock()
	key, ok := r.deferredClaims[id]
	delete(r.deferredClaims, id)
	r.mu.Unlock()
	if ok && evt.Outcome == PollOutcomeFailed {
		r.release(context.Background(), key, r.logger.With().Str("instance_id", evt.InstanceID).Str("poll_id", evt.PollID).Logger())
	}
}

func deferredPollKey(instanceID, pollID, voter string) string {
	return instanceID + "|" + pollID + "|" + voter
}

// release frees a claim so a redelivery of a failed event is not mistaken for a replay.
func (r *InboundRouter) release(ctx context.Context, key string, log zerolog.Logger) {
	if key == "" {
		return
	}
	if err := r.guard.Release(ctx, key); err != nil {
		log.Warn().Err(err).Msg("Idempotency claim release failed")
	}
}
