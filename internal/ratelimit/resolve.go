package ratelimit

// ResolveLimit resolves the effective rate limit for one request. Channel
// relays pass the instance id so each companion gets its own window; API
// operations pass zero and share the user-wide window. A zero limit in
// settings disables limiting entirely.
func ResolveLimit(provider SettingsProvider, userID, instanceID uint64) Decision {
	if provider == nil || userID == 0 {
		return Decision{}
	}
	cfg := provider()
	if cfg.Limit <= 0 {
		return Decision{}
	}
	if instanceID > 0 {
		return Decision{Limit: cfg.Limit, Scope: ScopeInstance, InstanceID: instanceID}
	}
	return Decision{Limit: cfg.Limit, Scope: ScopeUser}
}
