package usecases

import (
	"context"
	"strings"

	"engage_inbound/internal/entities"

	"github.com/rs/zerolog"
)

const (
	EventLeadAllocated = "leadAllocations.new"
	leadSource         = "whatsapp_inbound"
)

// allocateLead registers the contact as a lead on the instance's fallback campaign.
// Failures are logged and never fail ingestion.
func (s *MessageService) allocateLead(ctx context.Context, tenantID, instanceID string, contact *entities.Contact, log zerolog.Logger) {
	if s.allocator == nil || contact == nil {
		return
	}

	campaign, err := s.provisioning.EnsureFallbackCampaign(ctx, tenantID, instanceID)
	if err != nil {
		log.Warn().Err(err).Msg("Fallback campaign unavailable, lead not allocated")
		return
	}

	seed := leadSeed(contact)
	key := strings.Join([]string{tenantID, campaign.ID, seed}, ":")
	now := s.now()
	if s.allocations != nil && s.allocations.ShouldSkip(key, now) {
		log.Debug().Str("campaign_id", campaign.ID).Msg("Lead already allocated recently")
		return
	}

	lead, err := s.store.UpsertLead(ctx, &entities.Lead{
		ID:        DeterministicID("lead", tenantID, seed),
		TenantID:  tenantID,
		ContactID: contact.ID,
		Phone:     contact.Phone,
		Name:      contact.Name,
		Document:  contact.Document,
		Source:    leadSource,
		UpdatedAt: now.UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Lead upsert failed")
		return
	}

	result, err := s.allocator.AddAllocations(ctx, tenantID, entities.AllocationTarget{
		CampaignID: campaign.ID,
		InstanceID: instanceID,
	}, []entities.Lead{*lead})
	if err != nil {
		log.Warn().Err(err).Str("campaign_id", campaign.ID).Msg("Lead allocation failed")
		return
	}

	if s.allocations != nil {
		s.allocations.Register(key, now, s.cfg.AllocationDedupeTTL)
	}

	if result == nil || len(result.NewlyAllocated) == 0 {
		return
	}
	s.emitTenant(tenantID, EventLeadAllocated, map[string]any{
		"campaignId":  campaign.ID,
		"instanceId":  instanceID,
		"allocations": result.NewlyAllocated,
		"summary":     result.Summary,
	})
	if campaign.AgreementID != "" && s.realtime != nil {
		s.realtime.EmitToAgreement(campaign.AgreementID, EventLeadAllocated, map[string]any{
			"campaignId":  campaign.ID,
			"allocations": result.NewlyAllocated,
		})
	}
	log.Info().Str("campaign_id", campaign.ID).Int("allocated", result.Summary.Allocated).Msg("Lead allocated")
}

func leadSeed(c *entities.Contact) string {
	if c.Document != "" {
		return "doc:" + c.Document
	}
	if c.Phone != "" {
		return "phone:" + c.Phone
	}
	return "contact:" + c.ID
}
