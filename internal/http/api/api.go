// Package api wires the HTTP surface: authenticated user routes, public
// webhooks, and the health endpoint.
package api

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/companionlabs/companiond/internal/billing"
	"github.com/companionlabs/companiond/internal/channels"
	"github.com/companionlabs/companiond/internal/http/api/handlers"
	"github.com/companionlabs/companiond/internal/identity"
	"github.com/companionlabs/companiond/internal/ledger"
	"github.com/companionlabs/companiond/internal/orchestrator"
	"github.com/companionlabs/companiond/internal/ratelimit"
	"github.com/companionlabs/companiond/internal/settings"
)

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	DB           *gorm.DB
	Ledger       *ledger.Ledger
	Orchestrator *orchestrator.Orchestrator
	Bridge       *billing.Bridge
	Processor    billing.Processor
	Verifier     *identity.Verifier
	Limiter      *ratelimit.Manager
	RateSettings ratelimit.SettingsProvider
	Settings     *settings.Store
	WhatsApp     *channels.WhatsAppAdapter
	Teams        *channels.TeamsAdapter
}

// Register mounts all routes on the router.
func Register(router *gin.Engine, deps Deps) {
	health := handlers.NewHealthHandler(deps.DB)
	router.GET("/healthz", health.Check)

	webhooks := handlers.NewWebhookHandler(deps.Bridge, deps.Processor, deps.WhatsApp, deps.Teams)
	router.POST("/webhooks/stripe", webhooks.Stripe)
	router.GET("/webhooks/whatsapp", webhooks.WhatsAppVerify)
	router.POST("/webhooks/whatsapp", webhooks.WhatsAppInbound)
	router.POST("/webhooks/teams", webhooks.TeamsInbound)

	authed := router.Group("/v1")
	authed.Use(identity.Middleware(deps.Verifier, deps.Ledger))
	authed.Use(handlers.RateLimitMiddleware(deps.Limiter, deps.RateSettings))

	instances := handlers.NewInstanceHandler(deps.Orchestrator, deps.Ledger, deps.Bridge, deps.Settings)
	authed.POST("/instances", instances.Create)
	authed.GET("/instances", instances.List)
	authed.GET("/instances/:id", instances.Get)
	authed.PATCH("/instances/:id", instances.Patch)
	authed.DELETE("/instances/:id", instances.Delete)

	profile := handlers.NewProfileHandler(deps.Ledger)
	authed.GET("/profile", profile.Get)
	authed.PATCH("/profile", profile.Patch)

	templates := handlers.NewTemplateHandler(deps.Ledger)
	authed.GET("/templates", templates.List)

	billingHandler := handlers.NewBillingHandler(deps.Bridge)
	authed.POST("/billing/checkout", billingHandler.Checkout)
	authed.POST("/billing/portal", billingHandler.Portal)
	authed.POST("/billing/fulfill", billingHandler.Fulfill)
}
