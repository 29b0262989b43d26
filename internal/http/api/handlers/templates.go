package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/companionlabs/companiond/internal/ledger"
)

// TemplateHandler serves the companion catalog.
type TemplateHandler struct {
	ledger *ledger.Ledger
}

// NewTemplateHandler constructs a TemplateHandler.
func NewTemplateHandler(l *ledger.Ledger) *TemplateHandler {
	return &TemplateHandler{ledger: l}
}

type templateView struct {
	ID            uint64 `json:"id"`
	Name          string `json:"name"`
	Role          string `json:"role,omitempty"`
	Color         string `json:"color,omitempty"`
	AvatarURL     string `json:"avatar_url,omitempty"`
	ModelProvider string `json:"model_provider"`
	ModelName     string `json:"model_name"`
	Free          bool   `json:"free"`
}

// List returns the enabled catalog templates.
func (h *TemplateHandler) List(c *gin.Context) {
	rows, errList := h.ledger.ListTemplates(c.Request.Context())
	if errList != nil {
		respondError(c, errList)
		return
	}
	views := make([]templateView, 0, len(rows))
	for _, row := range rows {
		views = append(views, templateView{
			ID:            row.ID,
			Name:          row.Name,
			Role:          row.Role,
			Color:         row.Color,
			AvatarURL:     row.AvatarURL,
			ModelProvider: row.ModelProvider,
			ModelName:     row.ModelName,
			Free:          row.Free,
		})
	}
	c.JSON(http.StatusOK, gin.H{"templates": views})
}
