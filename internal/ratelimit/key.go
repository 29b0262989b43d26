package ratelimit

import "fmt"

// KeyForDecision builds a limiter key for the resolved scope. Instance-scoped
// decisions get their own window so one chatty companion cannot starve its
// siblings; user-scoped decisions share one window across the account.
func KeyForDecision(userID uint64, decision Decision) string {
	if userID == 0 || decision.Limit <= 0 {
		return ""
	}
	switch decision.Scope {
	case ScopeInstance:
		if decision.InstanceID == 0 {
			return ""
		}
		return fmt.Sprintf("u:%d:i:%d", userID, decision.InstanceID)
	case ScopeUser:
		return fmt.Sprintf("u:%d", userID)
	default:
		return ""
	}
}
