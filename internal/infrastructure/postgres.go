package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	Pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, connString string, maxConns int32) (*PostgresClient, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// Pool configuration
	if maxConns <= 0 {
		maxConns = 10
	}
	config.MaxConns = maxConns
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	client := &PostgresClient{Pool: pool}

	if err := client.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return client, nil
}

// schema is applied in order; every statement is idempotent.
var schema = []struct {
	name string
	sql  string
}{
	{"tenants", `
		CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			slug TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`},
	{"whatsapp_instances", `
		CREATE TABLE IF NOT EXISTS whatsapp_instances (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			name TEXT NOT NULL,
			broker_id TEXT,
			phone TEXT,
			auto_provision_source TEXT,
			auto_provision_broker_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, broker_id)
		);`},
	{"queues", `
		CREATE TABLE IF NOT EXISTS queues (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, name)
		);`},
	{"campaigns", `
		CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			instance_id TEXT NOT NULL,
			agreement_id TEXT,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			is_fallback BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`},
	{"campaigns fallback index", `
		CREATE UNIQUE INDEX IF NOT EXISTS campaigns_fallback_idx
			ON campaigns (tenant_id, instance_id) WHERE is_fallback;`},
	{"contacts", `
		CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			phone TEXT NOT NULL DEFAULT '',
			name TEXT,
			document TEXT,
			jid TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`},
	{"tickets", `
		CREATE TABLE IF NOT EXISTS tickets (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			contact_id TEXT NOT NULL REFERENCES contacts(id),
			queue_id TEXT NOT NULL REFERENCES queues(id),
			instance_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			agreement_id TEXT,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`},
	{"tickets open index", `
		CREATE UNIQUE INDEX IF NOT EXISTS tickets_open_chat_idx
			ON tickets (tenant_id, instance_id, chat_id) WHERE status = 'OPEN';`},
	{"messages", `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			ticket_id TEXT NOT NULL REFERENCES tickets(id),
			contact_id TEXT,
			instance_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			type TEXT NOT NULL,
			text TEXT,
			caption TEXT,
			media_url TEXT,
			mimetype TEXT,
			file_size BIGINT,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			sent_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, external_id)
		);`},
	{"messages poll index", `
		CREATE INDEX IF NOT EXISTS messages_poll_idx
			ON messages (tenant_id, chat_id, (metadata->'poll'->>'id'));`},
	{"polls", `
		CREATE TABLE IF NOT EXISTS polls (
			poll_id TEXT PRIMARY KEY,
			tenant_id TEXT,
			instance_id TEXT,
			chat_id TEXT,
			question TEXT NOT NULL DEFAULT '',
			options JSONB NOT NULL DEFAULT '[]'::jsonb,
			selectable_count INT NOT NULL DEFAULT 0,
			creation_message_key JSONB,
			message_secret BYTEA,
			media_type TEXT,
			reply_message_ids TEXT[] NOT NULL DEFAULT '{}',
			vote_counts JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`},
	{"poll_votes", `
		CREATE TABLE IF NOT EXISTS poll_votes (
			poll_id TEXT NOT NULL,
			voter_jid TEXT NOT NULL,
			selected_options JSONB NOT NULL DEFAULT '[]'::jsonb,
			voted_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (poll_id, voter_jid)
		);`},
	{"leads", `
		CREATE TABLE IF NOT EXISTS leads (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			contact_id TEXT,
			phone TEXT NOT NULL DEFAULT '',
			name TEXT,
			document TEXT,
			source TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`},
	{"lead_allocations", `
		CREATE TABLE IF NOT EXISTS lead_allocations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			campaign_id TEXT,
			instance_id TEXT,
			lead_id TEXT NOT NULL REFERENCES leads(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, campaign_id, lead_id)
		);`},
}

func (p *PostgresClient) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.Pool.Exec(ctx, stmt.sql); err != nil {
			return fmt.Errorf("create %s: %w", stmt.name, err)
		}
	}
	return nil
}

func (p *PostgresClient) Close() {
	p.Pool.Close()
}
