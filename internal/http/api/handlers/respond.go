// Package handlers implements the user-facing HTTP endpoints. Handlers stay
// thin: bind, call into the lifecycle packages, translate errors.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/companionlabs/companiond/internal/compute"
	"github.com/companionlabs/companiond/internal/ledger"
	"github.com/companionlabs/companiond/internal/orchestrator"
	"github.com/companionlabs/companiond/internal/vault"
)

// respondError maps a lifecycle error onto an HTTP status. Authorization
// failures surface as not found so instance ids of other users are
// indistinguishable from missing ones.
func respondError(c *gin.Context, err error) {
	var validationErr *orchestrator.ValidationError
	var conflictErr *orchestrator.ConflictError
	var providerErr *compute.ProviderError

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Reason})
	case errors.As(err, &conflictErr):
		c.JSON(http.StatusConflict, gin.H{"error": conflictErr.Reason})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.As(err, &providerErr):
		log.WithError(err).Warn("http: provider failure")
		c.JSON(http.StatusBadGateway, gin.H{"error": "compute provider failed, the instance can be retried"})
	case errors.Is(err, vault.ErrIntegrity):
		log.WithError(err).Error("http: stored secret failed integrity check")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stored credentials are unreadable"})
	default:
		log.WithError(err).Error("http: internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
