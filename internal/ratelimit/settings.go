package ratelimit

import (
	"strconv"
	"strings"

	internalsettings "github.com/companionlabs/companiond/internal/settings"
)

// SettingsConfig captures rate limit settings stored in DB config.
type SettingsConfig struct {
	Limit         int
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// ConfigFromStore builds a SettingsProvider over the DB-backed settings
// store. Each call returns a fresh snapshot so operators can retune limits
// and flip the Redis backend without a restart.
func ConfigFromStore(store *internalsettings.Store) SettingsProvider {
	return func() SettingsConfig {
		cfg := SettingsConfig{
			Limit:       internalsettings.DefaultRateLimit,
			RedisPrefix: internalsettings.DefaultRateLimitRedisPrefix,
		}
		if raw, ok := store.Value(internalsettings.RateLimitKey); ok {
			if limit, okParse := parseNonNegativeInt(raw); okParse {
				cfg.Limit = limit
			}
		}
		if raw, ok := store.Value(internalsettings.RateLimitRedisEnabledKey); ok {
			if enabled, okParse := parseBool(raw); okParse {
				cfg.RedisEnabled = enabled
			}
		}
		if raw, ok := store.Value(internalsettings.RateLimitRedisAddrKey); ok {
			cfg.RedisAddr = strings.TrimSpace(raw)
		}
		if raw, ok := store.Value(internalsettings.RateLimitRedisPasswordKey); ok {
			cfg.RedisPassword = strings.TrimSpace(raw)
		}
		if raw, ok := store.Value(internalsettings.RateLimitRedisDBKey); ok {
			if db, okParse := parseNonNegativeInt(raw); okParse {
				cfg.RedisDB = db
			}
		}
		if raw, ok := store.Value(internalsettings.RateLimitRedisPrefixKey); ok {
			if prefix := strings.TrimSpace(raw); prefix != "" {
				cfg.RedisPrefix = prefix
			}
		}
		return cfg
	}
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, true
	case "0", "false", "no", "n", "off":
		return false, true
	default:
		return false, false
	}
}

func parseNonNegativeInt(raw string) (int, bool) {
	parsed, errParse := strconv.Atoi(strings.TrimSpace(raw))
	if errParse != nil || parsed < 0 {
		return 0, false
	}
	return parsed, true
}
