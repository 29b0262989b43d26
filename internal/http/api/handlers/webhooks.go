package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/companionlabs/companiond/internal/billing"
	"github.com/companionlabs/companiond/internal/channels"
)

// WebhookHandler terminates the inbound webhooks from the payment processor
// and the messaging channels.
type WebhookHandler struct {
	bridge    *billing.Bridge
	processor billing.Processor
	whatsapp  *channels.WhatsAppAdapter
	teams     *channels.TeamsAdapter
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(bridge *billing.Bridge, processor billing.Processor, whatsapp *channels.WhatsAppAdapter, teams *channels.TeamsAdapter) *WebhookHandler {
	return &WebhookHandler{bridge: bridge, processor: processor, whatsapp: whatsapp, teams: teams}
}

// Stripe verifies and processes one payment-processor event. Unverifiable
// payloads are rejected outright; processing failures return 500 so the
// processor redelivers.
func (h *WebhookHandler) Stripe(c *gin.Context) {
	payload, errRead := c.GetRawData()
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}
	event, errVerify := h.processor.VerifyEvent(payload, c.GetHeader("Stripe-Signature"))
	if errVerify != nil {
		log.WithError(errVerify).Warn("http: rejected unverified billing event")
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature verification failed"})
		return
	}
	if errProcess := h.bridge.ProcessEvent(c.Request.Context(), event); errProcess != nil {
		log.WithField("event_id", event.ID).WithError(errProcess).
			Error("http: process billing event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// WhatsAppVerify answers the Meta webhook subscription handshake.
func (h *WebhookHandler) WhatsAppVerify(c *gin.Context) {
	challenge, ok := h.whatsapp.Verify(
		c.Query("hub.mode"),
		c.Query("hub.verify_token"),
		c.Query("hub.challenge"),
	)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "verification failed"})
		return
	}
	c.String(http.StatusOK, challenge)
}

// WhatsAppInbound relays inbound WhatsApp messages. The response is always
// 200; undeliverable messages are dropped so Meta stops retrying.
func (h *WebhookHandler) WhatsAppInbound(c *gin.Context) {
	payload, errRead := c.GetRawData()
	if errRead != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	h.whatsapp.HandleInbound(c.Request.Context(), payload)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// TeamsInbound relays one Bot Framework activity, with the same
// always-2xx policy.
func (h *WebhookHandler) TeamsInbound(c *gin.Context) {
	payload, errRead := c.GetRawData()
	if errRead != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	h.teams.HandleInbound(c.Request.Context(), payload)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
