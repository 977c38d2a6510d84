package http

import (
	"net/http"

	"engage_inbound/internal/infrastructure"

	"github.com/gin-gonic/gin"
)

// ServeRealtime subscribes the caller to its tenant room, plus an optional ticket
// and agreement room taken from the query string.
func (h *Handler) ServeRealtime(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Realtime not configured"})
		return
	}

	rooms := []string{infrastructure.TenantRoom(c.GetString(ctxTenantID))}
	for param, room := range map[string]func(string) string{
		"ticket":    infrastructure.TicketRoom,
		"agreement": infrastructure.AgreementRoom,
	} {
		id := c.Query(param)
		if id == "" {
			continue
		}
		if !ValidIdentifier(id) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + param + " id"})
			return
		}
		rooms = append(rooms, room(id))
	}

	if err := h.realtime.Serve(c.Writer, c.Request, rooms); err != nil {
		// The upgrader has already written the error response.
		h.logger.Debug().Err(err).Msg("Websocket upgrade failed")
	}
}
