package usecases

import (
	"context"
	"errors"
	"testing"
	"time"

	"engage_inbound/internal/entities"
	"engage_inbound/internal/infrastructure"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPolls struct {
	outcome PollOutcome
	calls   int
}

func (s *stubPolls) Process(_ context.Context, env *entities.InboundEnvelope) PollChoiceResult {
	s.calls++
	return PollChoiceResult{Outcome: s.outcome, PollID: env.Message.PollUpdate.PollID}
}

// brokenGuard always fails, like an unreachable Redis.
type brokenGuard struct{}

func (brokenGuard) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (brokenGuard) Release(context.Context, string) error { return nil }

const routerPayload = `{"messageId":"R1","from":"5511999990000","text":"oi","instanceId":"inst-1","tenantId":"t1"}`

func newRouter(ingester Ingester, polls PollProcessor, guard infrastructure.IdempotencyGuard) *InboundRouter {
	return NewInboundRouter(NewNormalizer("BR"), ingester, polls, guard, time.Minute, nil, zerolog.Nop())
}

func TestRouter_ReplaySuppressed(t *testing.T) {
	ingester := &recordingIngester{}
	router := newRouter(ingester, nil, infrastructure.NewMemoryIdempotencyGuard(100))
	ctx := context.Background()

	summary, err := router.HandlePayload(ctx, []byte(routerPayload), entities.TransportHints{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Envelopes)
	assert.Equal(t, 1, summary.Created)

	summary, err = router.HandlePayload(ctx, []byte(routerPayload), entities.TransportHints{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Replayed)
	assert.Len(t, ingester.envs, 1)
}

func TestRouter_FailedIngestReleasesClaim(t *testing.T) {
	ingester := &recordingIngester{err: recoverable("ensure queue", ReasonTenantNotFound, errors.New("fk"))}
	router := newRouter(ingester, nil, infrastructure.NewMemoryIdempotencyGuard(100))
	ctx := context.Background()

	summary, err := router.HandlePayload(ctx, []byte(routerPayload), entities.TransportHints{})
	require.Error(t, err)
	assert.True(t, IsRecoverable(err))
	assert.True(t, summary.Recoverable)

	ingester.err = nil
	summary, err = router.HandlePayload(ctx, []byte(routerPayload), entities.TransportHints{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Zero(t, summary.Replayed)
	assert.Len(t, ingester.envs, 2)
}

func TestRouter_FatalErrorIsNotReturned(t *testing.T) {
	ingester := &recordingIngester{err: fatal("persist message", ReasonStorageFailure, errors.New("boom"))}
	router := newRouter(ingester, nil, nil)

	summary, err := router.HandlePayload(context.Background(), []byte(routerPayload), entities.TransportHints{})
	require.NoError(t, err)
	assert.False(t, summary.Recoverable)
	assert.Equal(t, 1, summary.Skipped)
}

func TestRouter_InvalidPayload(t *testing.T) {
	ingester := &recordingIngester{}
	router := newRouter(ingester, nil, nil)

	summary, err := router.HandlePayload(context.Background(), []byte(`{"foo":"bar"}`), entities.TransportHints{Origin: entities.OriginWebhook})
	require.NoError(t, err)
	assert.True(t, summary.Invalid)
	assert.Empty(t, ingester.envs)
}

func TestRouter_PollUpdatesGoToPollPipeline(t *testing.T) {
	ingester := &recordingIngester{}
	polls := &stubPolls{outcome: PollOutcomeFailed}
	router := newRouter(ingester, polls, infrastructure.NewMemoryIdempotencyGuard(100))
	raw := []byte(`{"id":"V1","pollId":"p1","voterJid":"v1@s.whatsapp.net","selectedOptions":[{"id":"opt-1"}],"instanceId":"inst-1"}`)

	summary, err := router.HandlePayload(context.Background(), raw, entities.TransportHints{})
	require.NoError(t, err)
	require.Len(t, summary.Polls, 1)
	assert.Equal(t, "p1", summary.Polls[0].PollID)
	assert.Empty(t, ingester.envs)

	// A failed poll outcome releases the claim, so the redelivery is processed.
	_, err = router.HandlePayload(context.Background(), raw, entities.TransportHints{})
	require.NoError(t, err)
	assert.Equal(t, 2, polls.calls)

	polls.outcome = PollOutcomeAccepted
	router.HandlePayload(context.Background(), raw, entities.TransportHints{})
	summary, _ = router.HandlePayload(context.Background(), raw, entities.TransportHints{})
	assert.Equal(t, 1, summary.Replayed)
	assert.Equal(t, 3, polls.calls)
}

func TestRouter_DeferredPollKeepsClaimUntilRetryFails(t *testing.T) {
	f := newPollFixture(true)
	router := newRouter(&recordingIngester{}, f.svc, infrastructure.NewMemoryIdempotencyGuard(100))
	raw := []byte(`{"id":"V1","pollId":"p1","voterJid":"v1@s.whatsapp.net","selectedOptions":[{"id":"opt-1"}],"instanceId":"inst-unknown"}`)
	ctx := context.Background()

	summary, err := router.HandlePayload(ctx, raw, entities.TransportHints{})
	require.NoError(t, err)
	require.Len(t, summary.Polls, 1)
	assert.True(t, summary.Polls[0].Deferred())

	// While the retry is pending a redelivery is a replay.
	summary, _ = router.HandlePayload(ctx, raw, entities.TransportHints{})
	assert.Equal(t, 1, summary.Replayed)

	require.Equal(t, 1, f.scheduler.RunAll())
	events := f.terminalEvents()
	require.Len(t, events, 1)
	require.Equal(t, PollOutcomeFailed, events[0].Outcome)

	// The failed retry released the claim.
	summary, _ = router.HandlePayload(ctx, raw, entities.TransportHints{})
	assert.Zero(t, summary.Replayed)
	require.Len(t, summary.Polls, 1)
	assert.True(t, summary.Polls[0].Deferred())
}

func TestRouter_DeferredPollAcceptedKeepsClaim(t *testing.T) {
	f := newPollFixture(true)
	router := newRouter(&recordingIngester{}, f.svc, infrastructure.NewMemoryIdempotencyGuard(100))
	raw := []byte(`{"id":"V2","pollId":"poll-1","voterJid":"` + testVoter + `","selectedOptions":[{"id":"` + PollOptionID("Tarde") + `","title":"Tarde"}],"instanceId":"inst-unknown"}`)
	ctx := context.Background()

	summary, err := router.HandlePayload(ctx, raw, entities.TransportHints{})
	require.NoError(t, err)
	require.True(t, summary.Polls[0].Deferred())

	f.seedPollMessage(t, storedPoll())
	f.scheduler.RunAll()
	require.Equal(t, PollOutcomeAccepted, f.terminalEvents()[0].Outcome)

	summary, _ = router.HandlePayload(ctx, raw, entities.TransportHints{})
	assert.Equal(t, 1, summary.Replayed)
}

func TestRouter_GuardFailureDoesNotBlockIngest(t *testing.T) {
	ingester := &recordingIngester{}
	router := newRouter(ingester, nil, brokenGuard{})

	summary, err := router.HandlePayload(context.Background(), []byte(routerPayload), entities.TransportHints{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
}

func TestRouter_HandleEnvelope(t *testing.T) {
	ingester := &recordingIngester{}
	router := newRouter(ingester, nil, nil)

	summary, err := router.HandleEnvelope(context.Background(), textEnvelope("wamid.5", "oi"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)

	summary, err = router.HandleEnvelope(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
}
