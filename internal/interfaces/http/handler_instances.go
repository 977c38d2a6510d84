package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) instanceParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !ValidIdentifier(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid instance id"})
		return "", false
	}
	if h.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "WhatsApp not configured"})
		return "", false
	}
	return id, true
}

// ConnectInstance starts the session for an instance. A new device answers with
// a pending login whose QR code is served by GetInstanceQR.
func (h *Handler) ConnectInstance(c *gin.Context) {
	id, ok := h.instanceParam(c)
	if !ok {
		return
	}

	client, err := h.sessions.ConnectClient(c.Request.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("instance_id", id).Msg("Failed to connect instance")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "connecting",
		"connected": client.IsLoggedIn(),
		"phone":     client.GetPhoneNumber(),
		"name":      client.GetName(),
	})
}

// GetInstanceQR returns the pending login QR code as PNG.
func (h *Handler) GetInstanceQR(c *gin.Context) {
	id, ok := h.instanceParam(c)
	if !ok {
		return
	}

	client := h.sessions.GetClient(id)
	if client == nil {
		c.String(http.StatusNotFound, "Instance not connected. Call connect first.")
		return
	}
	if client.IsLoggedIn() {
		c.String(http.StatusOK, "Already logged in")
		return
	}

	png, err := client.QRPNG(QRCodeSize)
	if err != nil {
		c.String(http.StatusInternalServerError, "Failed to generate QR code")
		return
	}
	if png == nil {
		c.String(http.StatusAccepted, "QR code not yet available. Please wait...")
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) GetInstanceStatus(c *gin.Context) {
	id, ok := h.instanceParam(c)
	if !ok {
		return
	}

	client := h.sessions.GetClient(id)
	if client == nil {
		c.JSON(http.StatusOK, gin.H{"instanceId": id, "connected": false, "initialized": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instanceId":  id,
		"connected":   client.IsConnected(),
		"loggedIn":    client.IsLoggedIn(),
		"initialized": true,
		"phone":       client.GetPhoneNumber(),
		"name":        client.GetName(),
		"hasQR":       client.GetQR() != "",
	})
}

// LogoutInstance unlinks the device. Logging out an unknown instance succeeds.
func (h *Handler) LogoutInstance(c *gin.Context) {
	id, ok := h.instanceParam(c)
	if !ok {
		return
	}

	if err := h.sessions.LogoutClient(c.Request.Context(), id); err != nil {
		h.logger.Warn().Err(err).Str("instance_id", id).Msg("WhatsApp logout warning")
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}
