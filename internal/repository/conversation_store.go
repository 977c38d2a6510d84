package repository

import (
	"context"
	"fmt"
	"time"

	"engage_inbound/internal/entities"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// UpsertContact keeps existing values when the incoming ones are empty.
func (s *Store) UpsertContact(ctx context.Context, contact *entities.Contact) (*entities.Contact, error) {
	var c entities.Contact
	err := s.db.QueryRow(ctx, `
		INSERT INTO contacts (id, tenant_id, phone, name, document, jid, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			phone = COALESCE(NULLIF(EXCLUDED.phone, ''), contacts.phone),
			name = COALESCE(EXCLUDED.name, contacts.name),
			document = COALESCE(EXCLUDED.document, contacts.document),
			jid = COALESCE(EXCLUDED.jid, contacts.jid),
			updated_at = NOW()
		RETURNING id, tenant_id, phone, COALESCE(name, ''), COALESCE(document, ''), COALESCE(jid, ''), updated_at`,
		contact.ID, contact.TenantID, contact.Phone, nullable(contact.Name), nullable(contact.Document), nullable(contact.JID)).
		Scan(&c.ID, &c.TenantID, &c.Phone, &c.Name, &c.Document, &c.JID, &c.UpdatedAt)
	if err != nil {
		return nil, mapError("upsert contact", err)
	}
	return &c, nil
}

const ticketColumns = `id, tenant_id, contact_id, queue_id, instance_id, chat_id, COALESCE(agreement_id, ''), status, created_at`

func scanTicket(row pgx.Row) (*entities.Ticket, error) {
	var t entities.Ticket
	err := row.Scan(&t.ID, &t.TenantID, &t.ContactID, &t.QueueID, &t.InstanceID, &t.ChatID, &t.AgreementID, &t.Status, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindOrCreateOpenTicket relies on the partial unique index over open tickets, so two
// concurrent callers end up with the same row.
func (s *Store) FindOrCreateOpenTicket(ctx context.Context, req entities.TicketRequest) (*entities.Ticket, bool, error) {
	ticket, err := scanTicket(s.db.QueryRow(ctx, `
		INSERT INTO tickets (id, tenant_id, contact_id, queue_id, instance_id, chat_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, instance_id, chat_id) WHERE status = 'OPEN' DO NOTHING
		RETURNING `+ticketColumns,
		uuid.NewString(), req.TenantID, req.ContactID, req.QueueID, req.InstanceID, req.ChatID, entities.TicketStatusOpen))
	if err == nil {
		return ticket, true, nil
	}
	if !notFound(err) {
		return nil, false, mapError("create ticket", err)
	}

	ticket, err = scanTicket(s.db.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE tenant_id = $1 AND instance_id = $2 AND chat_id = $3 AND status = $4`,
		req.TenantID, req.InstanceID, req.ChatID, entities.TicketStatusOpen))
	if err != nil {
		return nil, false, fmt.Errorf("find open ticket: %w", err)
	}
	return ticket, false, nil
}

const messageColumns = `id, tenant_id, ticket_id, COALESCE(contact_id, ''), instance_id, external_id, chat_id, direction, type,
	COALESCE(text, ''), COALESCE(caption, ''), media_url, COALESCE(mimetype, ''), COALESCE(file_size, 0), metadata,
	sent_at, created_at, updated_at`

func scanMessage(row pgx.Row, extra ...any) (*entities.Message, error) {
	var (
		m        entities.Message
		typ      string
		metadata []byte
	)
	dest := []any{&m.ID, &m.TenantID, &m.TicketID, &m.ContactID, &m.InstanceID, &m.ExternalID, &m.ChatID, &m.Direction, &typ,
		&m.Text, &m.Caption, &m.MediaURL, &m.Mimetype, &m.FileSize, &metadata, &m.SentAt, &m.CreatedAt, &m.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	m.Type = entities.MessageType(typ)
	if err := decodeJSON(metadata, &m.Metadata); err != nil {
		return nil, fmt.Errorf("decode message metadata: %w", err)
	}
	return &m, nil
}

// UpsertMessageByExternalID inserts the message or refreshes content on the existing row.
// Metadata is merged with the incoming keys winning.
func (s *Store) UpsertMessageByExternalID(ctx context.Context, tenantID, ticketID, externalID string, fields entities.MessageFields) (*entities.Message, bool, error) {
	metadata, err := encodeJSON(fields.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("encode message metadata: %w", err)
	}

	var inserted bool
	msg, err := scanMessage(s.db.QueryRow(ctx, `
		INSERT INTO messages (id, tenant_id, ticket_id, contact_id, instance_id, external_id, chat_id, direction, type,
			text, caption, media_url, mimetype, file_size, metadata, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			text = COALESCE(NULLIF(EXCLUDED.text, ''), messages.text),
			caption = COALESCE(NULLIF(EXCLUDED.caption, ''), messages.caption),
			media_url = COALESCE(EXCLUDED.media_url, messages.media_url),
			metadata = messages.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING `+messageColumns+`, (xmax = 0)`,
		uuid.NewString(), tenantID, ticketID, nullable(fields.ContactID), fields.InstanceID, externalID, fields.ChatID,
		fields.Direction, string(fields.Type), nullable(fields.Text), nullable(fields.Caption), fields.MediaURL,
		nullable(fields.Mimetype), fields.FileSize, metadata, fields.SentAt), &inserted)
	if err != nil {
		return nil, false, mapError("upsert message", err)
	}
	return msg, inserted, nil
}

func (s *Store) FindMessageByExternalID(ctx context.Context, tenantID, externalID string) (*entities.Message, error) {
	msg, err := scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id = $1 AND external_id = $2`, tenantID, externalID))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find message: %w", err)
	}
	return msg, nil
}

// UpdateMessage applies a partial edit; a missing row yields (nil, nil).
func (s *Store) UpdateMessage(ctx context.Context, tenantID, messageID string, update entities.MessageUpdate) (*entities.Message, error) {
	var metadata []byte
	if update.Metadata != nil {
		encoded, err := encodeJSON(update.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode message metadata: %w", err)
		}
		metadata = encoded
	}

	msg, err := scanMessage(s.db.QueryRow(ctx, `
		UPDATE messages SET
			text = COALESCE($3, text),
			caption = COALESCE($4, caption),
			metadata = COALESCE($5::jsonb, metadata),
			updated_at = $6
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+messageColumns,
		tenantID, messageID, update.Text, update.Caption, metadata, time.Now().UTC()))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("update message", err)
	}
	return msg, nil
}

// FindPollVoteMessageCandidate returns the newest message of the chat whose metadata
// references the poll.
func (s *Store) FindPollVoteMessageCandidate(ctx context.Context, tenantID, chatID, pollID string) (*entities.Message, error) {
	msg, err := scanMessage(s.db.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE tenant_id = $1 AND chat_id = $2 AND metadata->'poll'->>'id' = $3
		ORDER BY created_at DESC
		LIMIT 1`,
		tenantID, chatID, pollID))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find poll message candidate: %w", err)
	}
	return msg, nil
}
