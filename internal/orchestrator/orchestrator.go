// Package orchestrator drives the companion instance lifecycle across the
// ledger and the compute provisioner. Every operation is triggered by an
// inbound request and runs to completion within it; the ledger row is the
// authoritative record of intent and reconciliation folds observed compute
// state back into it.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/companionlabs/companiond/internal/compute"
	"github.com/companionlabs/companiond/internal/ledger"
	"github.com/companionlabs/companiond/internal/models"
	"github.com/companionlabs/companiond/internal/vault"
)

// maxCharacterBytes caps the combined size of character files so the
// synthesized boot script stays under the provider's user data ceiling.
const maxCharacterBytes = 8 * 1024

// channelFields lists the credential fields each channel requires.
var channelFields = map[models.ChannelKind][]string{
	models.ChannelTelegram: {"bot_token"},
	models.ChannelWhatsApp: {"phone_number_id", "access_token"},
	models.ChannelTeams:    {"app_id", "app_password"},
}

// rotatableStatuses are the statuses from which rotate, start, and stop are
// permitted.
var rotatableStatuses = []models.InstanceStatus{
	models.StatusRunning, models.StatusStopped, models.StatusProvisioning,
}

// Orchestrator owns instance lifecycle transitions. Status writes happen
// only here; other packages read the ledger but never move an instance
// between states.
type Orchestrator struct {
	ledger  *ledger.Ledger
	vault   *vault.Vault
	compute compute.Provisioner
	region  string
	nowFn   func() time.Time
}

// New builds an Orchestrator.
func New(l *ledger.Ledger, v *vault.Vault, p compute.Provisioner, region string) *Orchestrator {
	return &Orchestrator{
		ledger:  l,
		vault:   v,
		compute: p,
		region:  region,
		nowFn:   time.Now,
	}
}

// CreateRequest carries everything needed to create one companion instance.
type CreateRequest struct {
	TemplateID *uint64 // Catalog template to clone, if any.

	DisplayName string // Companion display name; template value wins when cloning.
	Role        string // Companion role line.
	Color       string // Accent color.
	AvatarURL   string // Avatar URL.

	ModelProvider string // LLM provider name.
	ModelName     string // Model identifier at the provider.
	APIKey        string // Plaintext provider API key; sealed before persisting.

	ChannelCredentials map[string]string // Exactly one channel's fields must be present.
	CharacterFiles     map[string]string // Named persona documents.
}

// Create validates the request, persists the instance row, and launches the
// VM when no payment is required first. The row is written before the launch
// call; a launch failure moves it to failed and the row remains so the user
// can retry. The instance is returned even when the launch failed.
func (o *Orchestrator) Create(ctx context.Context, userID uint64, req CreateRequest) (*models.Instance, error) {
	kind, routingKey, errChannel := detectChannel(req.ChannelCredentials)
	if errChannel != nil {
		return nil, errChannel
	}
	if errFiles := validateCharacterFiles(req.CharacterFiles); errFiles != nil {
		return nil, errFiles
	}
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, &ValidationError{Reason: "api key is required"}
	}

	var template *models.BotTemplate
	if req.TemplateID != nil {
		found, errFind := o.ledger.TemplateByID(ctx, *req.TemplateID)
		if errFind == ledger.ErrNotFound {
			return nil, &ValidationError{Reason: "unknown template"}
		}
		if errFind != nil {
			return nil, errFind
		}
		template = found
	}

	if template != nil {
		if req.DisplayName == "" {
			req.DisplayName = template.Name
		}
		if req.Role == "" {
			req.Role = template.Role
		}
		if req.Color == "" {
			req.Color = template.Color
		}
		if req.AvatarURL == "" {
			req.AvatarURL = template.AvatarURL
		}
		if req.ModelProvider == "" {
			req.ModelProvider = template.ModelProvider
		}
		if req.ModelName == "" {
			req.ModelName = template.ModelName
		}
	}
	if req.ModelProvider == "" || req.ModelName == "" {
		return nil, &ValidationError{Reason: "model provider and model name are required"}
	}
	if req.DisplayName == "" {
		return nil, &ValidationError{Reason: "display name is required"}
	}

	free := template != nil && template.Free
	if free {
		exists, errClone := o.ledger.HasActiveClone(ctx, userID, *req.TemplateID)
		if errClone != nil {
			return nil, errClone
		}
		if exists {
			return nil, &ConflictError{Reason: "you already have an active companion from this template"}
		}
	}

	apiKeyEnc, errSeal := o.vault.Seal(req.APIKey)
	if errSeal != nil {
		return nil, errSeal
	}
	secretEnc, errSecret := o.sealCredentials(req.ChannelCredentials)
	if errSecret != nil {
		return nil, errSecret
	}

	status := models.StatusPendingPayment
	if free {
		status = models.StatusProvisioning
	}

	instance := &models.Instance{
		UserID:           userID,
		TemplateID:       req.TemplateID,
		Status:           status,
		ModelProvider:    req.ModelProvider,
		ModelName:        req.ModelName,
		APIKeyEnc:        apiKeyEnc,
		Channel:          kind,
		ChannelKey:       routingKey,
		ChannelSecretEnc: secretEnc,
		Region:           o.region,
		DisplayName:      req.DisplayName,
		Role:             req.Role,
		Color:            req.Color,
		AvatarURL:        req.AvatarURL,
		GatewayToken:     uuid.NewString(),
		CharacterFiles:   toJSONMap(req.CharacterFiles),
	}
	if errCreate := o.ledger.CreateInstance(ctx, instance); errCreate != nil {
		return nil, errCreate
	}

	if status != models.StatusProvisioning {
		return instance, nil
	}
	if errLaunch := o.launch(ctx, instance); errLaunch != nil {
		return instance, errLaunch
	}
	return instance, nil
}

// RetryLaunch re-attempts the launch of a pending or failed instance with
// its stored config.
func (o *Orchestrator) RetryLaunch(ctx context.Context, userID, instanceID uint64) (*models.Instance, error) {
	instance, errFind := o.ledger.InstanceForUser(ctx, userID, instanceID)
	if errFind != nil {
		return nil, errFind
	}
	if instance.Status != models.StatusPendingPayment && instance.Status != models.StatusFailed {
		return nil, &ValidationError{Reason: "instance is not in a retryable state"}
	}
	if errStatus := o.ledger.UpdateStatusForUser(ctx, userID, instanceID, models.StatusProvisioning); errStatus != nil {
		return nil, errStatus
	}
	instance.Status = models.StatusProvisioning
	if errLaunch := o.launch(ctx, instance); errLaunch != nil {
		return instance, errLaunch
	}
	return instance, nil
}

// LaunchPending launches an instance still awaiting payment. It reports
// false without side effects when another caller already advanced the
// instance past pending_payment; the webhook and the browser redirect both
// race through here and exactly one of them launches.
func (o *Orchestrator) LaunchPending(ctx context.Context, userID, instanceID uint64) (bool, error) {
	instance, errFind := o.ledger.InstanceForUser(ctx, userID, instanceID)
	if errFind != nil {
		return false, errFind
	}
	if instance.Status != models.StatusPendingPayment {
		return false, nil
	}
	transitioned, errStatus := o.ledger.UpdateStatusIf(ctx, instanceID,
		models.StatusProvisioning, models.StatusPendingPayment)
	if errStatus != nil {
		return false, errStatus
	}
	if !transitioned {
		return false, nil
	}
	instance.Status = models.StatusProvisioning
	if errLaunch := o.launch(ctx, instance); errLaunch != nil {
		return true, errLaunch
	}
	return true, nil
}

// RotateCredential replaces the provider API key by destroying the current
// VM and relaunching with the new key baked in. Old-VM termination is best
// effort; the rotation proceeds even when it fails.
func (o *Orchestrator) RotateCredential(ctx context.Context, userID, instanceID uint64, newKey string) (*models.Instance, error) {
	if strings.TrimSpace(newKey) == "" {
		return nil, &ValidationError{Reason: "api key is required"}
	}
	instance, errFind := o.ledger.InstanceForUser(ctx, userID, instanceID)
	if errFind != nil {
		return nil, errFind
	}
	if !statusIn(instance.Status, rotatableStatuses) {
		return nil, &ValidationError{Reason: "instance is not in a rotatable state"}
	}

	if instance.ComputeID != "" {
		if errTerm := o.compute.Terminate(ctx, instance.ComputeID); errTerm != nil {
			log.WithFields(log.Fields{"instance_id": instanceID, "compute_id": instance.ComputeID}).
				WithError(errTerm).Warn("orchestrator: terminate old vm during rotation")
		}
	}

	apiKeyEnc, errSeal := o.vault.Seal(newKey)
	if errSeal != nil {
		return nil, errSeal
	}

	spec, errSpec := o.launchSpec(instance)
	if errSpec != nil {
		return nil, errSpec
	}
	spec.APIKey = newKey
	computeID, errLaunch := o.compute.Launch(ctx, spec)
	if errLaunch != nil {
		o.markFailed(ctx, instanceID, errLaunch)
		return nil, errLaunch
	}

	if errReplace := o.ledger.ReplaceCredential(ctx, instanceID, apiKeyEnc, computeID); errReplace != nil {
		return nil, errReplace
	}
	instance.APIKeyEnc = apiKeyEnc
	instance.ComputeID = computeID
	instance.Status = models.StatusProvisioning
	instance.PublicAddress = ""
	return instance, nil
}

// Start powers the instance's VM on and optimistically records running.
func (o *Orchestrator) Start(ctx context.Context, userID, instanceID uint64) error {
	return o.power(ctx, userID, instanceID, models.StatusRunning, o.compute.Start)
}

// Stop powers the instance's VM off and optimistically records stopped.
func (o *Orchestrator) Stop(ctx context.Context, userID, instanceID uint64) error {
	return o.power(ctx, userID, instanceID, models.StatusStopped, o.compute.Stop)
}

func (o *Orchestrator) power(ctx context.Context, userID, instanceID uint64, to models.InstanceStatus, op func(context.Context, string) error) error {
	instance, errFind := o.ledger.InstanceForUser(ctx, userID, instanceID)
	if errFind != nil {
		return errFind
	}
	if !statusIn(instance.Status, rotatableStatuses) {
		return &ValidationError{Reason: "instance is not in a startable or stoppable state"}
	}
	if instance.ComputeID == "" {
		return &ValidationError{Reason: "instance has no compute resource yet"}
	}
	if errOp := op(ctx, instance.ComputeID); errOp != nil {
		return errOp
	}
	return o.ledger.UpdateStatusForUser(ctx, userID, instanceID, to)
}

// Terminate destroys the instance's VM best-effort and unconditionally moves
// the row to terminated. Safe to call twice; the second call is a no-op.
func (o *Orchestrator) Terminate(ctx context.Context, userID, instanceID uint64) error {
	instance, errFind := o.ledger.InstanceForUser(ctx, userID, instanceID)
	if errFind != nil {
		return errFind
	}
	if instance.Status == models.StatusTerminated {
		return nil
	}
	if instance.ComputeID != "" {
		if errTerm := o.compute.Terminate(ctx, instance.ComputeID); errTerm != nil {
			log.WithFields(log.Fields{"instance_id": instanceID, "compute_id": instance.ComputeID}).
				WithError(errTerm).Warn("orchestrator: terminate vm")
		}
	}
	return o.ledger.UpdateStatusForUser(ctx, userID, instanceID, models.StatusTerminated)
}

// MarkPaymentFailed soft-locks all of a user's live instances after a failed
// invoice. The VMs keep running; collection is a business decision made
// elsewhere.
func (o *Orchestrator) MarkPaymentFailed(ctx context.Context, userID uint64) (int, error) {
	rows, errList := o.ledger.InstancesByStatus(ctx, userID,
		models.StatusRunning, models.StatusProvisioning)
	if errList != nil {
		return 0, errList
	}
	marked := 0
	for _, row := range rows {
		if errStatus := o.ledger.UpdateStatus(ctx, row.ID, models.StatusPaymentFailed); errStatus != nil {
			log.WithField("instance_id", row.ID).WithError(errStatus).
				Error("orchestrator: mark payment failed")
			continue
		}
		marked++
	}
	return marked, nil
}

// launch decrypts the stored secrets at the last moment, calls the
// provisioner, and persists the compute ID. A launch failure moves the
// instance to failed before the error is surfaced.
func (o *Orchestrator) launch(ctx context.Context, instance *models.Instance) error {
	spec, errSpec := o.launchSpec(instance)
	if errSpec != nil {
		return errSpec
	}
	computeID, errLaunch := o.compute.Launch(ctx, spec)
	if errLaunch != nil {
		o.markFailed(ctx, instance.ID, errLaunch)
		return errLaunch
	}
	if errSet := o.ledger.SetComputeResource(ctx, instance.ID, computeID); errSet != nil {
		return errSet
	}
	instance.ComputeID = computeID
	return nil
}

// launchSpec materializes a compute launch spec from a ledger row,
// decrypting the sealed secrets. A vault integrity failure propagates; it
// means the stored secrets are corrupt and the operation must not continue.
func (o *Orchestrator) launchSpec(instance *models.Instance) (compute.LaunchSpec, error) {
	apiKey, errOpen := o.vault.Open(instance.APIKeyEnc)
	if errOpen != nil {
		return compute.LaunchSpec{}, errOpen
	}
	creds, errCreds := o.openCredentials(instance.ChannelSecretEnc)
	if errCreds != nil {
		return compute.LaunchSpec{}, errCreds
	}
	return compute.LaunchSpec{
		OwnerID:            instance.UserID,
		InstanceID:         instance.ID,
		ModelProvider:      instance.ModelProvider,
		ModelName:          instance.ModelName,
		APIKey:             apiKey,
		Channel:            string(instance.Channel),
		ChannelCredentials: creds,
		GatewayToken:       instance.GatewayToken,
		CharacterFiles:     fromJSONMap(instance.CharacterFiles),
	}, nil
}

func (o *Orchestrator) markFailed(ctx context.Context, instanceID uint64, cause error) {
	if errStatus := o.ledger.UpdateStatus(ctx, instanceID, models.StatusFailed); errStatus != nil {
		log.WithField("instance_id", instanceID).WithError(errStatus).
			Error("orchestrator: record launch failure")
		return
	}
	log.WithField("instance_id", instanceID).WithError(cause).
		Warn("orchestrator: launch failed")
}

// sealCredentials seals the channel credential map as a JSON document.
func (o *Orchestrator) sealCredentials(creds map[string]string) (string, error) {
	raw, errMarshal := json.Marshal(creds)
	if errMarshal != nil {
		return "", fmt.Errorf("orchestrator: marshal channel credentials: %w", errMarshal)
	}
	return o.vault.Seal(string(raw))
}

// openCredentials reverses sealCredentials.
func (o *Orchestrator) openCredentials(sealed string) (map[string]string, error) {
	raw, errOpen := o.vault.Open(sealed)
	if errOpen != nil {
		return nil, errOpen
	}
	creds := map[string]string{}
	if errUnmarshal := json.Unmarshal([]byte(raw), &creds); errUnmarshal != nil {
		return nil, fmt.Errorf("orchestrator: unmarshal channel credentials: %w", errUnmarshal)
	}
	return creds, nil
}

// detectChannel infers the channel from which credential set is complete.
// Exactly one channel's required fields must be present.
func detectChannel(creds map[string]string) (models.ChannelKind, string, error) {
	var matched []models.ChannelKind
	for kind, fields := range channelFields {
		complete := true
		for _, field := range fields {
			if strings.TrimSpace(creds[field]) == "" {
				complete = false
				break
			}
		}
		if complete {
			matched = append(matched, kind)
		}
	}
	if len(matched) != 1 {
		return "", "", &ValidationError{Reason: "exactly one channel's credentials must be provided"}
	}

	kind := matched[0]
	switch kind {
	case models.ChannelTelegram:
		token := strings.TrimSpace(creds["bot_token"])
		botID, _, found := strings.Cut(token, ":")
		if !found || botID == "" {
			return "", "", &ValidationError{Reason: "malformed telegram bot token"}
		}
		return kind, botID, nil
	case models.ChannelWhatsApp:
		return kind, strings.TrimSpace(creds["phone_number_id"]), nil
	default:
		return kind, strings.TrimSpace(creds["app_id"]), nil
	}
}

// validateCharacterFiles bounds the total payload so the boot script stays
// under the provider's size ceiling.
func validateCharacterFiles(files map[string]string) error {
	total := 0
	for name, content := range files {
		if strings.TrimSpace(name) == "" {
			return &ValidationError{Reason: "character file name must not be empty"}
		}
		total += len(name) + len(content)
	}
	if total > maxCharacterBytes {
		return &ValidationError{Reason: "character files exceed the 8KB limit"}
	}
	return nil
}

func statusIn(status models.InstanceStatus, set []models.InstanceStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func toJSONMap(files map[string]string) datatypes.JSONMap {
	if len(files) == 0 {
		return nil
	}
	out := datatypes.JSONMap{}
	for name, content := range files {
		out[name] = content
	}
	return out
}

func fromJSONMap(files datatypes.JSONMap) map[string]string {
	if len(files) == 0 {
		return nil
	}
	out := make(map[string]string, len(files))
	for name, content := range files {
		if s, ok := content.(string); ok {
			out[name] = s
		}
	}
	return out
}
