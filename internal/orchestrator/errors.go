package orchestrator

// ValidationError rejects a request before any state mutation. The reason is
// safe to show to the caller.
type ValidationError struct {
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string { return e.Reason }

// ConflictError rejects a request that would duplicate a free companion
// clone. Distinct from ValidationError so callers can map it to a conflict
// response.
type ConflictError struct {
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string { return e.Reason }
