package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/companionlabs/companiond/internal/billing"
	"github.com/companionlabs/companiond/internal/identity"
	"github.com/companionlabs/companiond/internal/ledger"
	"github.com/companionlabs/companiond/internal/models"
	"github.com/companionlabs/companiond/internal/orchestrator"
	"github.com/companionlabs/companiond/internal/settings"
)

// InstanceHandler serves the companion instance endpoints.
type InstanceHandler struct {
	orc      *orchestrator.Orchestrator
	ledger   *ledger.Ledger
	billing  *billing.Bridge
	settings *settings.Store
}

// NewInstanceHandler constructs an InstanceHandler.
func NewInstanceHandler(orc *orchestrator.Orchestrator, l *ledger.Ledger, b *billing.Bridge, s *settings.Store) *InstanceHandler {
	return &InstanceHandler{orc: orc, ledger: l, billing: b, settings: s}
}

// instanceView is the wire shape of an instance. Sealed credentials and the
// gateway token never leave the server.
type instanceView struct {
	ID              uint64     `json:"id"`
	Status          string     `json:"status"`
	TemplateID      *uint64    `json:"template_id,omitempty"`
	DisplayName     string     `json:"display_name"`
	Role            string     `json:"role,omitempty"`
	Color           string     `json:"color,omitempty"`
	AvatarURL       string     `json:"avatar_url,omitempty"`
	ModelProvider   string     `json:"model_provider"`
	ModelName       string     `json:"model_name"`
	Channel         string     `json:"channel"`
	ChannelKey      string     `json:"channel_key"`
	PublicAddress   string     `json:"public_address,omitempty"`
	Region          string     `json:"region"`
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func viewOf(instance *models.Instance) instanceView {
	return instanceView{
		ID:              instance.ID,
		Status:          string(instance.Status),
		TemplateID:      instance.TemplateID,
		DisplayName:     instance.DisplayName,
		Role:            instance.Role,
		Color:           instance.Color,
		AvatarURL:       instance.AvatarURL,
		ModelProvider:   instance.ModelProvider,
		ModelName:       instance.ModelName,
		Channel:         string(instance.Channel),
		ChannelKey:      instance.ChannelKey,
		PublicAddress:   instance.PublicAddress,
		Region:          instance.Region,
		LastHealthCheck: instance.LastHealthCheck,
		CreatedAt:       instance.CreatedAt,
	}
}

// createInstanceRequest defines the request body for creating an instance.
type createInstanceRequest struct {
	TemplateID         *uint64           `json:"template_id"`
	DisplayName        string            `json:"display_name"`
	Role               string            `json:"role"`
	Color              string            `json:"color"`
	AvatarURL          string            `json:"avatar_url"`
	ModelProvider      string            `json:"model_provider"`
	ModelName          string            `json:"model_name"`
	APIKey             string            `json:"api_key"`
	ChannelCredentials map[string]string `json:"channel_credentials"`
	CharacterFiles     map[string]string `json:"character_files"`
}

// Create provisions a new companion. Paid companions come back in
// pending_payment with a checkout URL; free ones launch immediately.
func (h *InstanceHandler) Create(c *gin.Context) {
	user := identity.CurrentUser(c)
	var body createInstanceRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	instance, errCreate := h.orc.Create(c.Request.Context(), user.ID, orchestrator.CreateRequest{
		TemplateID:         body.TemplateID,
		DisplayName:        body.DisplayName,
		Role:               body.Role,
		Color:              body.Color,
		AvatarURL:          body.AvatarURL,
		ModelProvider:      body.ModelProvider,
		ModelName:          body.ModelName,
		APIKey:             body.APIKey,
		ChannelCredentials: body.ChannelCredentials,
		CharacterFiles:     body.CharacterFiles,
	})
	if errCreate != nil && instance == nil {
		respondError(c, errCreate)
		return
	}
	if errCreate != nil {
		// The row exists but the launch failed; hand it back with the error
		// so the user has something to retry against.
		c.JSON(http.StatusBadGateway, gin.H{
			"error":    "launch failed, retry with the retry_launch action",
			"instance": viewOf(instance),
		})
		return
	}

	response := gin.H{"instance": viewOf(instance)}
	if instance.Status == models.StatusPendingPayment {
		checkoutURL, errCheckout := h.billing.CheckoutLink(c.Request.Context(), user, instance.ID)
		if errCheckout != nil {
			log.WithField("instance_id", instance.ID).WithError(errCheckout).
				Error("http: create checkout link")
		} else {
			response["checkout_url"] = checkoutURL
		}
	}
	c.JSON(http.StatusCreated, response)
}

// List returns the user's instances. Reconciliation rides along on every
// list call: observed compute state is folded in and stuck provisioning
// rows past the grace period are flagged, so there is no background clock.
func (h *InstanceHandler) List(c *gin.Context) {
	user := identity.CurrentUser(c)
	ctx := c.Request.Context()

	if _, errSweep := h.orc.SweepStuckProvisioning(ctx, user.ID, h.reconcileGrace()); errSweep != nil {
		log.WithError(errSweep).Warn("http: sweep stuck provisioning")
	}
	if errReconcile := h.orc.ReconcileUser(ctx, user.ID); errReconcile != nil {
		log.WithError(errReconcile).Warn("http: reconcile instances")
	}

	rows, errList := h.ledger.InstancesForUser(ctx, user.ID)
	if errList != nil {
		respondError(c, errList)
		return
	}
	views := make([]instanceView, 0, len(rows))
	for i := range rows {
		views = append(views, viewOf(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"instances": views})
}

// Get returns one instance.
func (h *InstanceHandler) Get(c *gin.Context) {
	user := identity.CurrentUser(c)
	instanceID, ok := pathID(c)
	if !ok {
		return
	}
	instance, errFind := h.ledger.InstanceForUser(c.Request.Context(), user.ID, instanceID)
	if errFind != nil {
		respondError(c, errFind)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance": viewOf(instance)})
}

// patchInstanceRequest defines the request body for instance actions.
type patchInstanceRequest struct {
	Action string `json:"action"`
	APIKey string `json:"api_key"`
}

// Patch applies one lifecycle action to an instance.
func (h *InstanceHandler) Patch(c *gin.Context) {
	user := identity.CurrentUser(c)
	instanceID, ok := pathID(c)
	if !ok {
		return
	}
	var body patchInstanceRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ctx := c.Request.Context()

	switch body.Action {
	case "start":
		if errStart := h.orc.Start(ctx, user.ID, instanceID); errStart != nil {
			respondError(c, errStart)
			return
		}
	case "stop":
		if errStop := h.orc.Stop(ctx, user.ID, instanceID); errStop != nil {
			respondError(c, errStop)
			return
		}
	case "update_key":
		if _, errRotate := h.orc.RotateCredential(ctx, user.ID, instanceID, body.APIKey); errRotate != nil {
			respondError(c, errRotate)
			return
		}
	case "retry_launch":
		if _, errRetry := h.orc.RetryLaunch(ctx, user.ID, instanceID); errRetry != nil {
			respondError(c, errRetry)
			return
		}
	case "cancel_subscription":
		if errCancel := h.billing.CancelSubscription(ctx, user.ID); errCancel != nil {
			respondError(c, errCancel)
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
		return
	}

	instance, errFind := h.ledger.InstanceForUser(ctx, user.ID, instanceID)
	if errFind != nil {
		respondError(c, errFind)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance": viewOf(instance)})
}

// Delete terminates an instance. Calling it on an already-terminated
// instance succeeds.
func (h *InstanceHandler) Delete(c *gin.Context) {
	user := identity.CurrentUser(c)
	instanceID, ok := pathID(c)
	if !ok {
		return
	}
	if errTerminate := h.orc.Terminate(c.Request.Context(), user.ID, instanceID); errTerminate != nil {
		respondError(c, errTerminate)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(models.StatusTerminated)})
}

// reconcileGrace reads the stuck-provisioning grace period from settings.
func (h *InstanceHandler) reconcileGrace() time.Duration {
	if raw, ok := h.settings.Value(settings.ReconcileGraceSecondsKey); ok {
		if seconds, errParse := strconv.Atoi(raw); errParse == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return settings.DefaultReconcileGraceSeconds * time.Second
}

// pathID parses the :id path parameter; on failure it writes the response.
func pathID(c *gin.Context) (uint64, bool) {
	id, errParse := strconv.ParseUint(c.Param("id"), 10, 64)
	if errParse != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
		return 0, false
	}
	return id, true
}
