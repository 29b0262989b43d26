// Package app assembles the service: configuration, storage, the
// provisioning orchestrator, billing, channel adapters, and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/companionlabs/companiond/internal/billing"
	"github.com/companionlabs/companiond/internal/channels"
	"github.com/companionlabs/companiond/internal/config"
	"github.com/companionlabs/companiond/internal/db"
	"github.com/companionlabs/companiond/internal/http/api"
	"github.com/companionlabs/companiond/internal/identity"
	"github.com/companionlabs/companiond/internal/ledger"
	"github.com/companionlabs/companiond/internal/orchestrator"
	"github.com/companionlabs/companiond/internal/ratelimit"
	internalsettings "github.com/companionlabs/companiond/internal/settings"
	"github.com/companionlabs/companiond/internal/vault"

	"github.com/companionlabs/companiond/internal/compute"
)

// shutdownGrace bounds how long in-flight requests get after a stop signal.
const shutdownGrace = 15 * time.Second

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(config.ResolveConfigPath(configPath))
	if errLoad != nil {
		return errLoad
	}
	conn, errOpen := db.Open(cfg.DatabaseDSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the full service and blocks until ctx is canceled or the
// server fails.
func RunServer(ctx context.Context, configPath string, portOverride int) error {
	cfg, errLoad := config.Load(config.ResolveConfigPath(configPath))
	if errLoad != nil {
		return errLoad
	}
	if portOverride > 0 {
		cfg.Port = portOverride
	}

	conn, errOpen := db.Open(cfg.DatabaseDSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	sealer, errVault := vault.New(cfg.VaultSecret)
	if errVault != nil {
		return errVault
	}

	provisioner, errCompute := compute.NewEC2Provisioner(ctx, cfg.Compute)
	if errCompute != nil {
		return fmt.Errorf("init compute provider: %w", errCompute)
	}
	if _, errPolicy := provisioner.EnsureNetworkPolicy(ctx); errPolicy != nil {
		// Launches resolve the policy again, so startup keeps going.
		log.WithError(errPolicy).Warn("ensure network policy")
	}

	lgr := ledger.New(conn)
	settingsStore := internalsettings.NewStore(conn)
	orc := orchestrator.New(lgr, sealer, provisioner, cfg.Compute.Region)

	processor := billing.NewClient(cfg.Billing)
	bridge := billing.NewBridge(lgr, orc, processor)

	verifier := identity.NewVerifier(cfg.IdentitySecret)
	rateSettings := ratelimit.ConfigFromStore(settingsStore)
	limiter := ratelimit.NewManager(rateSettings, nil, nil)
	relayLimits := channels.RelayLimits{Manager: limiter, Settings: rateSettings}

	gateway := channels.NewGatewayClient(cfg.Channels.GatewayTimeout, cfg.Compute.GatewayPort)
	whatsapp := channels.NewWhatsAppAdapter(lgr, sealer, gateway,
		cfg.Channels.WhatsAppVerifyToken, cfg.Channels.WhatsAppAccessToken, relayLimits)
	teams := channels.NewTeamsAdapter(lgr, sealer, gateway, relayLimits)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api.Register(router, api.Deps{
		DB:           conn,
		Ledger:       lgr,
		Orchestrator: orc,
		Bridge:       bridge,
		Processor:    processor,
		Verifier:     verifier,
		Limiter:      limiter,
		RateSettings: rateSettings,
		Settings:     settingsStore,
		WhatsApp:     whatsapp,
		Teams:        teams,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", server.Addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case errServe := <-serveErr:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return errShutdown
	}
	return nil
}
