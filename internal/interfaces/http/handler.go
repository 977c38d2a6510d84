package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"engage_inbound/internal/entities"
	"engage_inbound/internal/infrastructure"
	"engage_inbound/internal/usecases"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// PayloadRouter is the inbound pipeline entry point, implemented by usecases.InboundRouter.
type PayloadRouter interface {
	HandlePayload(ctx context.Context, raw []byte, hints entities.TransportHints) (usecases.RouteSummary, error)
}

// RealtimeServer subscribes an upgraded connection to rooms.
type RealtimeServer interface {
	Serve(w http.ResponseWriter, r *http.Request, rooms []string) error
}

// Deps are the collaborators served over HTTP. Nil members disable their routes.
type Deps struct {
	Inbound  PayloadRouter
	Sessions *infrastructure.WhatsAppManager
	Realtime RealtimeServer
	Metrics  http.Handler
	Health   func(ctx context.Context) error
	MediaDir string
	Logger   zerolog.Logger
}

type Handler struct {
	inbound  PayloadRouter
	sessions *infrastructure.WhatsAppManager
	realtime RealtimeServer
	health   func(ctx context.Context) error
	logger   zerolog.Logger
}

func NewHandler(deps Deps) *Handler {
	return &Handler{
		inbound:  deps.Inbound,
		sessions: deps.Sessions,
		realtime: deps.Realtime,
		health:   deps.Health,
		logger:   deps.Logger.With().Str("component", "http").Logger(),
	}
}

func SetupRoutes(r *gin.Engine, deps Deps, middleware *Middleware) {
	h := NewHandler(deps)

	r.Use(SecurityHeaders())
	r.Use(RequestSizeLimiter(MaxWebhookBodyBytes))
	r.Use(middleware.CORSMiddleware())
	r.Use(RequestLogger(h.logger))

	r.GET("/healthz", h.Health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	if deps.MediaDir != "" {
		r.Static("/media", deps.MediaDir)
	}

	webhooks := r.Group("/webhooks/whatsapp")
	webhooks.Use(middleware.APIKeyRequired())
	webhooks.Use(middleware.RateLimitPerInstance())
	{
		webhooks.POST("", h.HandleWebhook)
		webhooks.POST("/polls", h.HandlePollWebhook)
		webhooks.POST("/:instanceId", h.HandleWebhook)
	}

	r.GET("/ws", middleware.AuthRequired(), h.ServeRealtime)

	instances := r.Group("/api/instances/:id")
	instances.Use(middleware.AuthRequired())
	{
		instances.POST("/connect", h.ConnectInstance)
		instances.GET("/qr", h.GetInstanceQR)
		instances.GET("/status", h.GetInstanceStatus)
		instances.POST("/logout", h.LogoutInstance)
	}
}

func (h *Handler) Health(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleWebhook accepts any inbound payload shape. Unusable payloads are acknowledged
// so the broker does not retry them; only recoverable failures answer 503.
func (h *Handler) HandleWebhook(c *gin.Context) {
	h.route(c, webhookHints(c, ""))
}

// HandlePollWebhook accepts poll choice payloads that carry no event type of their own.
func (h *Handler) HandlePollWebhook(c *gin.Context) {
	h.route(c, webhookHints(c, "poll_choice"))
}

func (h *Handler) route(c *gin.Context, hints entities.TransportHints) {
	if hints.InstanceID != "" && !ValidIdentifier(hints.InstanceID) {
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored", "reason": "invalid instance id"})
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if h.inbound == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "inbound pipeline not configured"})
		return
	}

	summary, err := h.inbound.HandlePayload(c.Request.Context(), raw, hints)
	switch {
	case err != nil:
		h.logger.Warn().Err(err).Str("instance_id", hints.InstanceID).Msg("Webhook deferred")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "retry", "summary": summary})
	case summary.Invalid:
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored", "summary": summary})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "received", "summary": summary})
	}
}

func webhookHints(c *gin.Context, eventType string) entities.TransportHints {
	if eventType == "" {
		eventType = firstNonBlank(c.GetHeader("X-Event-Type"), c.Query("event"))
	}
	return entities.TransportHints{
		Origin:     entities.OriginWebhook,
		InstanceID: requestInstanceID(c),
		TenantID:   SanitizeString(firstNonBlank(c.GetHeader("X-Tenant-Id"), c.Query("tenantId"))),
		TenantSlug: SanitizeString(c.GetHeader("X-Tenant-Slug")),
		BrokerID:   SanitizeString(c.GetHeader("X-Broker-Id")),
		EventType:  eventType,
	}
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
