package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"engage_inbound/internal/entities"
	"engage_inbound/internal/interfaces"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	FallbackQueueName    = "Atendimento Geral"
	FallbackCampaignName = "WhatsApp Inbound"

	EventQueueMissing          = "whatsapp.queue.missing"
	EventInstanceAutoProvision = "whatsapp.instance.autoprovisioned"
)

// ProvisioningStore is the slice of Storage the resolver needs.
type ProvisioningStore interface {
	interfaces.TenantStore
	interfaces.InstanceStore
	interfaces.QueueStore
	interfaces.CampaignStore
}

// ProvisioningService lazily makes sure tenant, instance, queue and fallback campaign
// rows exist before a message is persisted.
type ProvisioningService struct {
	store    ProvisioningStore
	realtime interfaces.Realtime
	queues   *cache.Cache
	group    singleflight.Group
	logger   zerolog.Logger
}

func NewProvisioningService(store ProvisioningStore, realtime interfaces.Realtime, queueTTL time.Duration, logger zerolog.Logger) *ProvisioningService {
	if queueTTL <= 0 {
		queueTTL = 5 * time.Minute
	}
	return &ProvisioningService{
		store:    store,
		realtime: realtime,
		queues:   cache.New(queueTTL, 2*queueTTL),
		logger:   logger.With().Str("component", "provisioning").Logger(),
	}
}

// EnsureQueue returns the tenant's default queue, creating "Atendimento Geral" when the
// tenant has none. A foreign key failure retries once after ensuring the tenant row.
func (s *ProvisioningService) EnsureQueue(ctx context.Context, tenantID string) (string, error) {
	if tenantID == "" {
		return "", recoverable("ensure queue", ReasonTenantNotFound, errors.New("empty tenant id"))
	}
	if cached, ok := s.queues.Get(tenantID); ok {
		return cached.(string), nil
	}

	v, err, _ := s.group.Do("queue:"+tenantID, func() (interface{}, error) {
		return s.resolveQueue(ctx, tenantID)
	})
	if err != nil {
		return "", err
	}
	queueID := v.(string)
	s.queues.Set(tenantID, queueID, cache.DefaultExpiration)
	return queueID, nil
}

func (s *ProvisioningService) resolveQueue(ctx context.Context, tenantID string) (string, error) {
	queue, err := s.store.FindOldestQueue(ctx, tenantID)
	if err != nil {
		return "", fatal("ensure queue", ReasonStorageFailure, err)
	}
	if queue != nil {
		return queue.ID, nil
	}

	queue, err = s.store.UpsertQueue(ctx, tenantID, FallbackQueueName)
	if errors.Is(err, interfaces.ErrForeignKey) {
		s.logger.Warn().Str("tenant_id", tenantID).Msg("Fallback queue rejected by missing tenant, ensuring tenant")
		if _, terr := s.EnsureTenant(ctx, tenantID, ""); terr != nil {
			s.logger.Error().Err(terr).Str("tenant_id", tenantID).Msg("Failed to ensure tenant")
		}
		queue, err = s.store.UpsertQueue(ctx, tenantID, FallbackQueueName)
		if errors.Is(err, interfaces.ErrForeignKey) {
			return "", recoverable("ensure queue", ReasonTenantNotFound, err)
		}
	}
	if err != nil {
		return "", fatal("ensure queue", ReasonStorageFailure, err)
	}
	if queue == nil {
		return "", recoverable("ensure queue", ReasonQueueMissing, nil)
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("queue_id", queue.ID).Msg("Fallback queue provisioned")
	return queue.ID, nil
}

// InvalidateQueue drops the cached queue so the next lookup goes to storage.
func (s *ProvisioningService) InvalidateQueue(tenantID string) {
	s.queues.Delete(tenantID)
}

// EnsureTenant returns the tenant, creating a minimal row when it does not exist.
func (s *ProvisioningService) EnsureTenant(ctx context.Context, tenantID, slug string) (*entities.Tenant, error) {
	tenant, err := s.store.FindTenantByID(ctx, tenantID)
	if err != nil {
		return nil, fatal("ensure tenant", ReasonStorageFailure, err)
	}
	if tenant != nil {
		return tenant, nil
	}

	name := firstNonEmpty(slug, tenantID)
	tenant, err = s.store.UpsertTenant(ctx, &entities.Tenant{ID: tenantID, Slug: name, Name: name})
	if err != nil {
		return nil, fatal("ensure tenant", ReasonStorageFailure, err)
	}
	s.logger.Info().Str("tenant_id", tenantID).Msg("Tenant auto-provisioned")
	return tenant, nil
}

// EnsureInstance returns the instance, auto-provisioning it when the hints identify a tenant.
// Concurrent calls for the same instance share one lookup.
func (s *ProvisioningService) EnsureInstance(ctx context.Context, instanceID string, hints *entities.InstanceHints) (*entities.Instance, error) {
	if instanceID == "" && (hints == nil || hints.BrokerID == "") {
		return nil, fatal("ensure instance", ReasonInvalidPayload, errors.New("no instance identifier"))
	}
	key := "instance:" + instanceID
	if hints != nil {
		key += "|" + hints.BrokerID
	}
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.resolveInstance(ctx, instanceID, hints)
	})
	if err != nil {
		return nil, err
	}
	return v.(*entities.Instance), nil
}

func (s *ProvisioningService) resolveInstance(ctx context.Context, instanceID string, hints *entities.InstanceHints) (*entities.Instance, error) {
	if instanceID != "" {
		instance, err := s.store.FindInstanceByID(ctx, instanceID)
		if err != nil {
			return nil, fatal("ensure instance", ReasonStorageFailure, err)
		}
		if instance != nil {
			return instance, nil
		}
	}

	if hints.Empty() {
		return nil, fatal("ensure instance", ReasonInstanceNotFound, fmt.Errorf("instance %q unknown and no tenant hints", instanceID))
	}

	tenant, err := s.tenantFromHints(ctx, hints)
	if err != nil {
		return nil, err
	}

	brokerID := firstNonEmpty(hints.BrokerID, instanceID)
	existing, err := s.store.FindInstanceByBrokerID(ctx, tenant.ID, brokerID)
	if err != nil {
		return nil, fatal("ensure instance", ReasonStorageFailure, err)
	}
	if existing != nil {
		return existing, nil
	}

	instance := &entities.Instance{
		ID:                    firstNonEmpty(instanceID, uuid.NewString()),
		TenantID:              tenant.ID,
		Name:                  firstNonEmpty(hints.Name, instanceID, brokerID),
		BrokerID:              brokerID,
		Phone:                 hints.Phone,
		AutoProvisionSource:   firstNonEmpty(hints.Source, string(entities.OriginWebhook)),
		AutoProvisionBrokerID: brokerID,
		CreatedAt:             time.Now().UTC(),
	}
	err = s.store.CreateInstance(ctx, instance)
	switch {
	case errors.Is(err, interfaces.ErrConflict):
		// Another replica created it first.
		if found, ferr := s.store.FindInstanceByID(ctx, instance.ID); ferr == nil && found != nil {
			return found, nil
		}
		if found, ferr := s.store.FindInstanceByBrokerID(ctx, tenant.ID, brokerID); ferr == nil && found != nil {
			return found, nil
		}
		return nil, recoverable("ensure instance", ReasonInstanceNotFound, err)
	case errors.Is(err, interfaces.ErrForeignKey):
		return nil, recoverable("ensure instance", ReasonTenantNotFound, err)
	case err != nil:
		return nil, fatal("ensure instance", ReasonStorageFailure, err)
	}

	s.logger.Info().
		Str("tenant_id", tenant.ID).
		Str("instance_id", instance.ID).
		Str("broker_id", brokerID).
		Str("source", instance.AutoProvisionSource).
		Msg("WhatsApp instance auto-provisioned")
	if s.realtime != nil {
		s.realtime.EmitToTenant(tenant.ID, EventInstanceAutoProvision, map[string]any{
			"instanceId": instance.ID,
			"brokerId":   brokerID,
			"source":     instance.AutoProvisionSource,
		})
	}
	return instance, nil
}

// tenantFromHints derives the owning tenant from an explicit id, a slug, or a broker id
// of the form "<tenant-slug>:<session>" / "<tenant-slug>--<session>".
func (s *ProvisioningService) tenantFromHints(ctx context.Context, hints *entities.InstanceHints) (*entities.Tenant, error) {
	if hints.TenantID != "" {
		return s.EnsureTenant(ctx, hints.TenantID, hints.TenantSlug)
	}

	slug := hints.TenantSlug
	if slug == "" {
		slug = slugFromBrokerID(hints.BrokerID)
	}
	if slug == "" {
		return nil, fatal("ensure instance", ReasonTenantNotFound, errors.New("tenant cannot be derived from hints"))
	}
	tenant, err := s.store.FindTenantBySlug(ctx, slug)
	if err != nil {
		return nil, fatal("ensure instance", ReasonStorageFailure, err)
	}
	if tenant == nil {
		return nil, recoverable("ensure instance", ReasonTenantNotFound, fmt.Errorf("tenant slug %q not found", slug))
	}
	return tenant, nil
}

func slugFromBrokerID(brokerID string) string {
	for _, sep := range []string{"--", ":"} {
		if prefix, _, ok := strings.Cut(brokerID, sep); ok && prefix != "" {
			return prefix
		}
	}
	return ""
}

// EnsureFallbackCampaign returns the campaign used to allocate leads arriving on an
// instance without an explicit campaign.
func (s *ProvisioningService) EnsureFallbackCampaign(ctx context.Context, tenantID, instanceID string) (*entities.Campaign, error) {
	campaign, err := s.store.FindFallbackCampaign(ctx, tenantID, instanceID)
	if err != nil {
		return nil, fatal("ensure campaign", ReasonStorageFailure, err)
	}
	if campaign != nil {
		return campaign, nil
	}

	campaign = &entities.Campaign{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		InstanceID: instanceID,
		Name:       FallbackCampaignName,
		Status:     "active",
		IsFallback: true,
		CreatedAt:  time.Now().UTC(),
	}
	err = s.store.CreateCampaign(ctx, campaign)
	if errors.Is(err, interfaces.ErrConflict) {
		found, ferr := s.store.FindFallbackCampaign(ctx, tenantID, instanceID)
		if ferr != nil || found == nil {
			return nil, fatal("ensure campaign", ReasonStorageFailure, err)
		}
		return found, nil
	}
	if err != nil {
		return nil, fatal("ensure campaign", ReasonStorageFailure, err)
	}
	return campaign, nil
}
