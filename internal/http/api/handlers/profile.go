package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/companionlabs/companiond/internal/identity"
	"github.com/companionlabs/companiond/internal/ledger"
)

// ProfileHandler serves the user profile endpoints.
type ProfileHandler struct {
	ledger *ledger.Ledger
}

// NewProfileHandler constructs a ProfileHandler.
func NewProfileHandler(l *ledger.Ledger) *ProfileHandler {
	return &ProfileHandler{ledger: l}
}

type profileView struct {
	ID          uint64 `json:"id"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Bio         string `json:"bio,omitempty"`
}

type subscriptionView struct {
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
}

// Get returns the profile plus the latest subscription, if any.
func (h *ProfileHandler) Get(c *gin.Context) {
	user := identity.CurrentUser(c)
	response := gin.H{"profile": profileView{
		ID:          user.ID,
		Email:       user.EmailAddress(),
		Phone:       user.PhoneNumber(),
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
		Bio:         user.Bio,
	}}

	sub, errSub := h.ledger.LatestSubscription(c.Request.Context(), user.ID)
	if errSub != nil && !errors.Is(errSub, ledger.ErrNotFound) {
		respondError(c, errSub)
		return
	}
	if sub != nil {
		response["subscription"] = subscriptionView{
			Status:           sub.Status,
			CurrentPeriodEnd: sub.CurrentPeriodEnd,
		}
	}
	c.JSON(http.StatusOK, response)
}

// patchProfileRequest defines the request body for profile updates. Absent
// fields are left untouched.
type patchProfileRequest struct {
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
	Bio         *string `json:"bio"`
}

// Patch updates the provided profile fields.
func (h *ProfileHandler) Patch(c *gin.Context) {
	user := identity.CurrentUser(c)
	var body patchProfileRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.DisplayName == nil && body.AvatarURL == nil && body.Bio == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}
	if errUpdate := h.ledger.UpdateProfile(c.Request.Context(), user.ID, ledger.ProfilePatch{
		DisplayName: body.DisplayName,
		AvatarURL:   body.AvatarURL,
		Bio:         body.Bio,
	}); errUpdate != nil {
		respondError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}
