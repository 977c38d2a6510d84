package repository

import (
	"context"
	"fmt"

	"engage_inbound/internal/entities"

	"github.com/google/uuid"
)

func (s *Store) UpsertLead(ctx context.Context, lead *entities.Lead) (*entities.Lead, error) {
	var l entities.Lead
	err := s.db.QueryRow(ctx, `
		INSERT INTO leads (id, tenant_id, contact_id, phone, name, document, source, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			contact_id = COALESCE(EXCLUDED.contact_id, leads.contact_id),
			phone = COALESCE(NULLIF(EXCLUDED.phone, ''), leads.phone),
			name = COALESCE(EXCLUDED.name, leads.name),
			document = COALESCE(EXCLUDED.document, leads.document),
			updated_at = EXCLUDED.updated_at
		RETURNING id, tenant_id, COALESCE(contact_id, ''), phone, COALESCE(name, ''), COALESCE(document, ''), source, updated_at`,
		lead.ID, lead.TenantID, nullable(lead.ContactID), lead.Phone, nullable(lead.Name), nullable(lead.Document),
		lead.Source, lead.UpdatedAt).
		Scan(&l.ID, &l.TenantID, &l.ContactID, &l.Phone, &l.Name, &l.Document, &l.Source, &l.UpdatedAt)
	if err != nil {
		return nil, mapError("upsert lead", err)
	}
	return &l, nil
}

// AddAllocations attaches the leads to the target in one transaction. Leads already
// allocated to the target are counted as skipped.
func (s *Store) AddAllocations(ctx context.Context, tenantID string, target entities.AllocationTarget, leads []entities.Lead) (*entities.AllocationResult, error) {
	result := &entities.AllocationResult{
		NewlyAllocated: []entities.Allocation{},
		Summary:        entities.AllocationSummary{Requested: len(leads)},
	}
	if len(leads) == 0 {
		return result, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin allocation: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, lead := range leads {
		alloc := entities.Allocation{
			ID:         uuid.NewString(),
			TenantID:   tenantID,
			CampaignID: target.CampaignID,
			InstanceID: target.InstanceID,
			LeadID:     lead.ID,
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO lead_allocations (id, tenant_id, campaign_id, instance_id, lead_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id, campaign_id, lead_id) DO NOTHING
			RETURNING created_at`,
			alloc.ID, tenantID, nullable(target.CampaignID), nullable(target.InstanceID), lead.ID).
			Scan(&alloc.CreatedAt)
		if notFound(err) {
			result.Summary.Skipped++
			continue
		}
		if err != nil {
			return nil, mapError("allocate lead", err)
		}
		result.NewlyAllocated = append(result.NewlyAllocated, alloc)
	}
	result.Summary.Allocated = len(result.NewlyAllocated)

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit allocation: %w", err)
	}
	return result, nil
}
