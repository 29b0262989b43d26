// Package ratelimit is an injected rate-limiting port with pluggable
// backends: in-memory for single-process deployments, Redis when several
// replicas must share counters. Callers resolve a Decision, build a key,
// and ask the Manager; the lifecycle core carries no rate-limiting state.
package ratelimit

import (
	"context"
	"time"
)

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Limiter provides rate limit checks.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, now time.Time) (Result, error)
}

// Scope indicates which dimension the rate limit applies to.
type Scope int

const (
	ScopeNone Scope = iota
	ScopeUser
	ScopeInstance
)

// Decision describes the resolved rate limit and scope.
type Decision struct {
	Limit      int
	Scope      Scope
	InstanceID uint64
}
