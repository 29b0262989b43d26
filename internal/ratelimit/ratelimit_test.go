package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/companionlabs/companiond/internal/db"
	"github.com/companionlabs/companiond/internal/models"
	internalsettings "github.com/companionlabs/companiond/internal/settings"
)

func TestMemoryLimiterWindow(t *testing.T) {
	limiter := NewMemoryLimiter()
	now := time.Unix(1700000000, 0)

	for i := 0; i < 3; i++ {
		result, errAllow := limiter.Allow(context.Background(), "u:1", 3, now)
		if errAllow != nil || !result.Allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, result.Allowed, errAllow)
		}
	}
	result, _ := limiter.Allow(context.Background(), "u:1", 3, now)
	if result.Allowed {
		t.Fatalf("fourth request in window allowed")
	}

	// The next second opens a fresh window.
	result, _ = limiter.Allow(context.Background(), "u:1", 3, now.Add(time.Second))
	if !result.Allowed {
		t.Fatalf("request in next window denied")
	}

	// Keys are independent.
	result, _ = limiter.Allow(context.Background(), "u:2", 3, now)
	if !result.Allowed {
		t.Fatalf("sibling key denied")
	}
}

func TestMemoryLimiterZeroLimitDisables(t *testing.T) {
	limiter := NewMemoryLimiter()
	for i := 0; i < 100; i++ {
		result, _ := limiter.Allow(context.Background(), "u:1", 0, time.Now())
		if !result.Allowed {
			t.Fatalf("zero limit denied a request")
		}
	}
}

func TestKeyForDecision(t *testing.T) {
	cases := []struct {
		userID   uint64
		decision Decision
		want     string
	}{
		{7, Decision{Limit: 5, Scope: ScopeUser}, "u:7"},
		{7, Decision{Limit: 5, Scope: ScopeInstance, InstanceID: 42}, "u:7:i:42"},
		{7, Decision{Limit: 5, Scope: ScopeInstance}, ""},
		{7, Decision{Limit: 0, Scope: ScopeUser}, ""},
		{0, Decision{Limit: 5, Scope: ScopeUser}, ""},
		{7, Decision{Limit: 5, Scope: ScopeNone}, ""},
	}
	for _, c := range cases {
		if got := KeyForDecision(c.userID, c.decision); got != c.want {
			t.Fatalf("KeyForDecision(%d, %+v) = %q, want %q", c.userID, c.decision, got, c.want)
		}
	}
}

func TestResolveLimit(t *testing.T) {
	provider := func() SettingsConfig { return SettingsConfig{Limit: 10} }

	if d := ResolveLimit(provider, 7, 0); d.Scope != ScopeUser || d.Limit != 10 {
		t.Fatalf("user decision = %+v", d)
	}
	if d := ResolveLimit(provider, 7, 42); d.Scope != ScopeInstance || d.InstanceID != 42 {
		t.Fatalf("instance decision = %+v", d)
	}
	if d := ResolveLimit(func() SettingsConfig { return SettingsConfig{} }, 7, 0); d.Limit != 0 {
		t.Fatalf("disabled decision = %+v", d)
	}
	if d := ResolveLimit(provider, 0, 0); d.Limit != 0 {
		t.Fatalf("anonymous decision = %+v", d)
	}
}

func TestConfigFromStore(t *testing.T) {
	conn, errOpen := db.Open("file:" + filepath.Join(t.TempDir(), "rl.db"))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	seed := map[string]string{
		internalsettings.RateLimitKey:             "25",
		internalsettings.RateLimitRedisEnabledKey: "true",
		internalsettings.RateLimitRedisAddrKey:    "127.0.0.1:6379",
		internalsettings.RateLimitRedisDBKey:      "2",
	}
	for key, value := range seed {
		if err := conn.Where("key = ?", key).Delete(&models.Setting{}).Error; err != nil {
			t.Fatalf("clear %s: %v", key, err)
		}
		if err := conn.Create(&models.Setting{Key: key, Value: value}).Error; err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}

	cfg := ConfigFromStore(internalsettings.NewStore(conn))()
	if cfg.Limit != 25 {
		t.Fatalf("limit = %d", cfg.Limit)
	}
	if !cfg.RedisEnabled || cfg.RedisAddr != "127.0.0.1:6379" || cfg.RedisDB != 2 {
		t.Fatalf("redis config = %+v", cfg)
	}
	if cfg.RedisPrefix != internalsettings.DefaultRateLimitRedisPrefix {
		t.Fatalf("prefix = %q, want default", cfg.RedisPrefix)
	}
}

func TestManagerFallsBackToMemory(t *testing.T) {
	provider := func() SettingsConfig {
		return SettingsConfig{
			Limit:        2,
			RedisEnabled: true,
			RedisAddr:    "127.0.0.1:1", // nothing listens here
			RedisPrefix:  "t",
		}
	}
	now := time.Unix(1700000000, 0)
	manager := NewManager(provider, func() time.Time { return now }, redis.NewClient)

	// Redis is unreachable: the breaker trips and the memory backend
	// enforces the limit anyway.
	for i := 0; i < 2; i++ {
		result, errAllow := manager.Allow(context.Background(), "u:1", 2)
		if errAllow != nil || !result.Allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, result.Allowed, errAllow)
		}
	}
	result, errAllow := manager.Allow(context.Background(), "u:1", 2)
	if errAllow != nil {
		t.Fatalf("allow: %v", errAllow)
	}
	if result.Allowed {
		t.Fatalf("over-limit request allowed")
	}
}

func TestManagerZeroLimitShortCircuits(t *testing.T) {
	manager := NewManager(nil, nil, nil)
	result, errAllow := manager.Allow(context.Background(), "u:1", 0)
	if errAllow != nil || !result.Allowed {
		t.Fatalf("zero limit: allowed=%v err=%v", result.Allowed, errAllow)
	}
}
