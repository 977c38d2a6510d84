package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DEDUPE_TTL", "")
	t.Setenv("PORT", "")
	t.Setenv("AMQP_MAX_REDELIVERIES", "")
	t.Setenv("AMQP_RETRY_DELAY", "")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 24*time.Hour, cfg.DedupeTTL)
	assert.Equal(t, 60*time.Second, cfg.IdempotencyTTL)
	assert.Equal(t, 5*time.Minute, cfg.QueueCacheTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.PollRetryDelay)
	assert.Equal(t, 15*time.Second, cfg.MediaDownloadTimeout)
	assert.Equal(t, 5, cfg.AMQPMaxRedeliveries)
	assert.Equal(t, 2*time.Second, cfg.AMQPRetryDelay)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DEDUPE_TTL", "90s")
	t.Setenv("IDEMPOTENCY_TTL", "120")
	t.Setenv("DEDUPE_MAX_ENTRIES", "42")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("WEBHOOK_RATE_LIMIT", "2.5")
	t.Setenv("BROKER_BASE_URL", "http://broker.local/")
	t.Setenv("AMQP_MAX_REDELIVERIES", "8")
	t.Setenv("AMQP_DEAD_LETTER_EXCHANGE", "whatsapp.dlx")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 90*time.Second, cfg.DedupeTTL)
	assert.Equal(t, 120*time.Second, cfg.IdempotencyTTL)
	assert.Equal(t, 42, cfg.DedupeMaxEntries)
	assert.True(t, cfg.MinioUseSSL)
	assert.Equal(t, 2.5, cfg.WebhookRateLimit)
	assert.Equal(t, "http://broker.local", cfg.BrokerBaseURL)
	assert.Equal(t, 8, cfg.AMQPMaxRedeliveries)
	assert.Equal(t, "whatsapp.dlx", cfg.AMQPDeadLetterExchange)
}

func TestLoad_InvalidFallsBack(t *testing.T) {
	t.Setenv("DEDUPE_MAX_ENTRIES", "lots")
	t.Setenv("POLL_RETRY_DELAY", "soon")

	cfg := Load()

	assert.Equal(t, 10000, cfg.DedupeMaxEntries)
	assert.Equal(t, 500*time.Millisecond, cfg.PollRetryDelay)
}
