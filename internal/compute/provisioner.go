// Package compute abstracts the cloud compute API behind a single VM
// lifecycle: launch, observe, start, stop, terminate. Plaintext secrets
// enter here already decrypted by the caller; ciphertext never crosses this
// boundary.
package compute

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoImageFound indicates the base image search yielded nothing.
var ErrNoImageFound = errors.New("compute: no base image found")

// ErrResourceNotFound indicates the provider no longer knows the compute ID.
var ErrResourceNotFound = errors.New("compute: resource not found")

// ProviderError wraps an upstream compute API failure. The orchestrator is
// responsible for translating it into ledger status changes.
type ProviderError struct {
	Op  string // Failing operation name.
	Err error  // Upstream error.
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("compute: %s: %v", e.Op, e.Err)
}

// Unwrap returns the upstream error.
func (e *ProviderError) Unwrap() error { return e.Err }

// State is the provider's VM state normalized to a small set.
type State string

// Normalized compute states.
const (
	// StateRunning means the VM is up.
	StateRunning State = "running"
	// StateStopped means the VM is stopped.
	StateStopped State = "stopped"
	// StateOther covers every transitional or unknown provider state.
	StateOther State = "other"
)

// Observation is the read-only result of describing a compute resource.
type Observation struct {
	PublicAddress string // Public address; empty while none is assigned.
	State         State  // Normalized VM state.
}

// LaunchSpec carries everything needed to boot one companion VM. All
// credential fields are plaintext.
type LaunchSpec struct {
	OwnerID    uint64 // Owning user ID, used for resource tagging.
	InstanceID uint64 // Ledger instance ID, used for resource tagging.

	ModelProvider string // LLM provider name.
	ModelName     string // Model identifier at the provider.
	APIKey        string // Provider API key.

	Channel            string            // Channel kind (telegram, whatsapp, teams).
	ChannelCredentials map[string]string // Per-channel credential fields.

	GatewayToken   string            // Bearer credential the gateway requires.
	CharacterFiles map[string]string // Named persona documents for the VM.
}

// Provisioner is the abstraction over the cloud compute API.
//
// Every operation is idempotent or safely retryable: EnsureNetworkPolicy
// tolerates concurrent creators, Terminate no-ops on an already-terminated
// resource. Launch returns as soon as the create call succeeds; boot
// completion is observed later through Describe.
type Provisioner interface {
	EnsureNetworkPolicy(ctx context.Context) (string, error)
	ResolveBaseImage(ctx context.Context, override string) (string, error)
	Launch(ctx context.Context, spec LaunchSpec) (string, error)
	Describe(ctx context.Context, computeID string) (Observation, error)
	Start(ctx context.Context, computeID string) error
	Stop(ctx context.Context, computeID string) error
	Terminate(ctx context.Context, computeID string) error
}
