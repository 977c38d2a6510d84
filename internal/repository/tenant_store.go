package repository

import (
	"context"
	"fmt"

	"engage_inbound/internal/entities"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const tenantColumns = `id, slug, name, created_at`

func scanTenant(row pgx.Row) (*entities.Tenant, error) {
	var t entities.Tenant
	if err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) FindTenantByID(ctx context.Context, id string) (*entities.Tenant, error) {
	t, err := scanTenant(s.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find tenant: %w", err)
	}
	return t, nil
}

func (s *Store) FindTenantBySlug(ctx context.Context, slug string) (*entities.Tenant, error) {
	t, err := scanTenant(s.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find tenant by slug: %w", err)
	}
	return t, nil
}

// UpsertTenant inserts a minimal tenant row; an existing row is returned untouched.
func (s *Store) UpsertTenant(ctx context.Context, tenant *entities.Tenant) (*entities.Tenant, error) {
	t, err := scanTenant(s.db.QueryRow(ctx, `
		INSERT INTO tenants (id, slug, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET id = tenants.id
		RETURNING `+tenantColumns,
		tenant.ID, tenant.Slug, tenant.Name))
	if err != nil {
		return nil, mapError("upsert tenant", err)
	}
	return t, nil
}

const instanceColumns = `id, tenant_id, name, COALESCE(broker_id, ''), COALESCE(phone, ''),
	COALESCE(auto_provision_source, ''), COALESCE(auto_provision_broker_id, ''), created_at`

func scanInstance(row pgx.Row) (*entities.Instance, error) {
	var i entities.Instance
	err := row.Scan(&i.ID, &i.TenantID, &i.Name, &i.BrokerID, &i.Phone,
		&i.AutoProvisionSource, &i.AutoProvisionBrokerID, &i.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *Store) FindInstanceByID(ctx context.Context, id string) (*entities.Instance, error) {
	i, err := scanInstance(s.db.QueryRow(ctx, `SELECT `+instanceColumns+` FROM whatsapp_instances WHERE id = $1`, id))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find instance: %w", err)
	}
	return i, nil
}

func (s *Store) FindInstanceByBrokerID(ctx context.Context, tenantID, brokerID string) (*entities.Instance, error) {
	i, err := scanInstance(s.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM whatsapp_instances WHERE tenant_id = $1 AND broker_id = $2`,
		tenantID, brokerID))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find instance by broker id: %w", err)
	}
	return i, nil
}

func (s *Store) CreateInstance(ctx context.Context, instance *entities.Instance) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO whatsapp_instances (id, tenant_id, name, broker_id, phone, auto_provision_source, auto_provision_broker_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		instance.ID, instance.TenantID, instance.Name, nullable(instance.BrokerID), nullable(instance.Phone),
		nullable(instance.AutoProvisionSource), nullable(instance.AutoProvisionBrokerID), instance.CreatedAt)
	return mapError("create instance", err)
}

const queueColumns = `id, tenant_id, name, created_at`

func scanQueue(row pgx.Row) (*entities.Queue, error) {
	var q entities.Queue
	if err := row.Scan(&q.ID, &q.TenantID, &q.Name, &q.CreatedAt); err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *Store) FindOldestQueue(ctx context.Context, tenantID string) (*entities.Queue, error) {
	q, err := scanQueue(s.db.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM queues WHERE tenant_id = $1 ORDER BY created_at ASC, id ASC LIMIT 1`, tenantID))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find oldest queue: %w", err)
	}
	return q, nil
}

// UpsertQueue creates the named queue or returns the existing one.
func (s *Store) UpsertQueue(ctx context.Context, tenantID, name string) (*entities.Queue, error) {
	q, err := scanQueue(s.db.QueryRow(ctx, `
		INSERT INTO queues (id, tenant_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING `+queueColumns,
		uuid.NewString(), tenantID, name))
	if err != nil {
		return nil, mapError("upsert queue", err)
	}
	return q, nil
}

const campaignColumns = `id, tenant_id, instance_id, COALESCE(agreement_id, ''), name, status, is_fallback, created_at`

func (s *Store) FindFallbackCampaign(ctx context.Context, tenantID, instanceID string) (*entities.Campaign, error) {
	var c entities.Campaign
	err := s.db.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE tenant_id = $1 AND instance_id = $2 AND is_fallback`,
		tenantID, instanceID).
		Scan(&c.ID, &c.TenantID, &c.InstanceID, &c.AgreementID, &c.Name, &c.Status, &c.IsFallback, &c.CreatedAt)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find fallback campaign: %w", err)
	}
	return &c, nil
}

func (s *Store) CreateCampaign(ctx context.Context, campaign *entities.Campaign) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO campaigns (id, tenant_id, instance_id, agreement_id, name, status, is_fallback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		campaign.ID, campaign.TenantID, campaign.InstanceID, nullable(campaign.AgreementID),
		campaign.Name, campaign.Status, campaign.IsFallback, campaign.CreatedAt)
	return mapError("create campaign", err)
}
