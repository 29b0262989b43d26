package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/companionlabs/companiond/internal/billing"
	"github.com/companionlabs/companiond/internal/identity"
)

// BillingHandler serves checkout, portal, and fulfill endpoints.
type BillingHandler struct {
	bridge *billing.Bridge
}

// NewBillingHandler constructs a BillingHandler.
func NewBillingHandler(b *billing.Bridge) *BillingHandler {
	return &BillingHandler{bridge: b}
}

// checkoutRequest defines the request body for creating a checkout link.
type checkoutRequest struct {
	InstanceID uint64 `json:"instance_id"`
}

// Checkout returns a payment link for a pending instance.
func (h *BillingHandler) Checkout(c *gin.Context) {
	user := identity.CurrentUser(c)
	var body checkoutRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.InstanceID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instance_id is required"})
		return
	}
	url, errCheckout := h.bridge.CheckoutLink(c.Request.Context(), user, body.InstanceID)
	if errCheckout != nil {
		respondError(c, errCheckout)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkout_url": url})
}

// Portal returns a billing-portal link for the user's customer record.
func (h *BillingHandler) Portal(c *gin.Context) {
	user := identity.CurrentUser(c)
	url, errPortal := h.bridge.PortalLink(c.Request.Context(), user)
	if errPortal != nil {
		respondError(c, errPortal)
		return
	}
	c.JSON(http.StatusOK, gin.H{"portal_url": url})
}

// fulfillRequest defines the request body for the redirect-side fulfill.
type fulfillRequest struct {
	SessionID string `json:"session_id"`
}

// Fulfill settles a checkout from the browser redirect. When the webhook won
// the race the response carries already_processed and nothing else happens.
func (h *BillingHandler) Fulfill(c *gin.Context) {
	user := identity.CurrentUser(c)
	var body fulfillRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.SessionID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	result, errFulfill := h.bridge.Fulfill(c.Request.Context(), user.ID, body.SessionID)
	if errFulfill == billing.ErrUnpaidSession {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "checkout session not paid"})
		return
	}
	if errFulfill != nil {
		respondError(c, errFulfill)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(result)})
}
