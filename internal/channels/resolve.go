package channels

import (
	"context"
	"encoding/json"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/companionlabs/companiond/internal/ledger"
	"github.com/companionlabs/companiond/internal/models"
	"github.com/companionlabs/companiond/internal/ratelimit"
	"github.com/companionlabs/companiond/internal/vault"
)

// RelayLimits carries the optional per-companion message limiter. The zero
// value disables limiting.
type RelayLimits struct {
	Manager  *ratelimit.Manager
	Settings ratelimit.SettingsProvider
}

// resolver maps a channel routing key onto the single instance able to
// serve it and opens that instance's sealed channel credentials.
type resolver struct {
	ledger *ledger.Ledger
	vault  *vault.Vault
	limits RelayLimits
}

// instanceFor returns the matching instance and its decrypted credentials.
// A missing instance or unusable credentials report ok=false; the caller
// drops the message.
func (r *resolver) instanceFor(ctx context.Context, kind models.ChannelKind, key string) (*models.Instance, map[string]string, bool) {
	instance, errFind := r.ledger.InstanceByChannelKey(ctx, kind, key)
	if errors.Is(errFind, ledger.ErrNotFound) {
		log.WithFields(log.Fields{"channel": kind, "key": key}).
			Debug("channels: no instance for routing key")
		return nil, nil, false
	}
	if errFind != nil {
		log.WithFields(log.Fields{"channel": kind, "key": key}).WithError(errFind).
			Error("channels: resolve routing key")
		return nil, nil, false
	}

	raw, errOpen := r.vault.Open(instance.ChannelSecretEnc)
	if errOpen != nil {
		log.WithField("instance_id", instance.ID).WithError(errOpen).
			Error("channels: open channel credentials")
		return nil, nil, false
	}
	creds := map[string]string{}
	if errDecode := json.Unmarshal([]byte(raw), &creds); errDecode != nil {
		log.WithField("instance_id", instance.ID).WithError(errDecode).
			Error("channels: decode channel credentials")
		return nil, nil, false
	}
	return instance, creds, true
}

// allowRelay checks the per-companion message limit before a message is
// relayed to the gateway. Limiter failures fail open; a denied message is
// dropped like any other undeliverable one.
func (r *resolver) allowRelay(ctx context.Context, instance *models.Instance) bool {
	if r.limits.Manager == nil {
		return true
	}
	decision := ratelimit.ResolveLimit(r.limits.Settings, instance.UserID, instance.ID)
	key := ratelimit.KeyForDecision(instance.UserID, decision)
	if key == "" {
		return true
	}
	result, errAllow := r.limits.Manager.Allow(ctx, key, decision.Limit)
	if errAllow != nil {
		log.WithField("instance_id", instance.ID).WithError(errAllow).
			Warn("channels: relay rate limit check failed")
		return true
	}
	if !result.Allowed {
		log.WithField("instance_id", instance.ID).Debug("channels: relay rate limited")
	}
	return result.Allowed
}
