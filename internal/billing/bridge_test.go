package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82"
	"gorm.io/gorm"

	"github.com/companionlabs/companiond/internal/compute"
	"github.com/companionlabs/companiond/internal/db"
	"github.com/companionlabs/companiond/internal/ledger"
	"github.com/companionlabs/companiond/internal/models"
	"github.com/companionlabs/companiond/internal/orchestrator"
	"github.com/companionlabs/companiond/internal/vault"
)

// stubProvisioner launches instantly and ignores lifecycle calls. launches
// counts successful launches only.
type stubProvisioner struct {
	launches  int
	launchErr error
}

func (s *stubProvisioner) EnsureNetworkPolicy(context.Context) (string, error) { return "sg-1", nil }
func (s *stubProvisioner) ResolveBaseImage(_ context.Context, override string) (string, error) {
	return "img-1", nil
}
func (s *stubProvisioner) Launch(context.Context, compute.LaunchSpec) (string, error) {
	if s.launchErr != nil {
		return "", s.launchErr
	}
	s.launches++
	return fmt.Sprintf("vm-%d", s.launches), nil
}
func (s *stubProvisioner) Describe(context.Context, string) (compute.Observation, error) {
	return compute.Observation{State: compute.StateRunning}, nil
}
func (s *stubProvisioner) Start(context.Context, string) error     { return nil }
func (s *stubProvisioner) Stop(context.Context, string) error      { return nil }
func (s *stubProvisioner) Terminate(context.Context, string) error { return nil }

// fakeProcessor serves canned sessions and records cancellations.
type fakeProcessor struct {
	sessions map[string]SessionInfo
	canceled []string
}

func (f *fakeProcessor) Checkout(context.Context, CheckoutParams) (string, error) {
	return "https://pay.example.com/c/1", nil
}
func (f *fakeProcessor) Portal(context.Context, string) (string, error) {
	return "https://pay.example.com/p/1", nil
}
func (f *fakeProcessor) Session(_ context.Context, id string) (SessionInfo, error) {
	info, ok := f.sessions[id]
	if !ok {
		return SessionInfo{}, errors.New("no such session")
	}
	return info, nil
}
func (f *fakeProcessor) CancelSubscription(_ context.Context, externalID string) error {
	f.canceled = append(f.canceled, externalID)
	return nil
}
func (f *fakeProcessor) VerifyEvent([]byte, string) (stripe.Event, error) {
	return stripe.Event{}, errors.New("not used in tests")
}

type bridgeEnv struct {
	bridge *Bridge
	lgr    *ledger.Ledger
	orc    *orchestrator.Orchestrator
	prov   *stubProvisioner
	proc   *fakeProcessor
	conn   *gorm.DB
	user   *models.User
}

func newBridgeEnv(t *testing.T) *bridgeEnv {
	t.Helper()
	conn, errOpen := db.Open("file:" + filepath.Join(t.TempDir(), "billing.db"))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	v, errVault := vault.New("test-secret")
	if errVault != nil {
		t.Fatalf("vault: %v", errVault)
	}
	lgr := ledger.New(conn)
	prov := &stubProvisioner{}
	orc := orchestrator.New(lgr, v, prov, "eu-central-1")
	proc := &fakeProcessor{sessions: map[string]SessionInfo{}}
	user, errUser := lgr.GetOrCreateUserByEmail(context.Background(), "payer@example.com")
	if errUser != nil {
		t.Fatalf("seed user: %v", errUser)
	}
	return &bridgeEnv{
		bridge: NewBridge(lgr, orc, proc),
		lgr:    lgr,
		orc:    orc,
		prov:   prov,
		proc:   proc,
		conn:   conn,
		user:   user,
	}
}

// seedPendingInstance creates a paid-template instance stuck at
// pending_payment.
func (e *bridgeEnv) seedPendingInstance(t *testing.T) *models.Instance {
	t.Helper()
	tpl := &models.BotTemplate{
		Name: "Vega", ModelProvider: "openai", ModelName: "gpt-4o", IsEnabled: true,
	}
	if err := e.conn.Create(tpl).Error; err != nil {
		t.Fatalf("seed template: %v", err)
	}
	instance, errCreate := e.orc.Create(context.Background(), e.user.ID, orchestrator.CreateRequest{
		TemplateID:         &tpl.ID,
		APIKey:             "sk-live-abc",
		ChannelCredentials: map[string]string{"bot_token": "12345:abcdef"},
	})
	if errCreate != nil {
		t.Fatalf("create instance: %v", errCreate)
	}
	if instance.Status != models.StatusPendingPayment {
		t.Fatalf("seed status = %s, want pending_payment", instance.Status)
	}
	return instance
}

func (e *bridgeEnv) reload(t *testing.T, id uint64) *models.Instance {
	t.Helper()
	instance, err := e.lgr.InstanceForUser(context.Background(), e.user.ID, id)
	if err != nil {
		t.Fatalf("reload instance: %v", err)
	}
	return instance
}

func paidSession(userID, instanceID uint64) SessionInfo {
	end := time.Now().Add(30 * 24 * time.Hour).UTC()
	return SessionInfo{
		Paid:           true,
		UserID:         userID,
		InstanceID:     instanceID,
		CustomerID:     "cus_test1",
		SubscriptionID: "sub_test1",
		PeriodEnd:      &end,
	}
}

func TestFulfillLaunchesThenNoOps(t *testing.T) {
	env := newBridgeEnv(t)
	instance := env.seedPendingInstance(t)
	env.proc.sessions["cs_1"] = paidSession(env.user.ID, instance.ID)

	result, errFulfill := env.bridge.Fulfill(context.Background(), env.user.ID, "cs_1")
	if errFulfill != nil {
		t.Fatalf("fulfill: %v", errFulfill)
	}
	if result != FulfillLaunched {
		t.Fatalf("result = %s, want launched", result)
	}
	got := env.reload(t, instance.ID)
	if got.Status != models.StatusProvisioning || got.ComputeID == "" {
		t.Fatalf("after fulfill: status=%s compute=%q", got.Status, got.ComputeID)
	}

	user, _ := env.lgr.UserByID(context.Background(), env.user.ID)
	if user.BillingCustomerID != "cus_test1" {
		t.Fatalf("billing customer = %q", user.BillingCustomerID)
	}
	sub, errSub := env.lgr.SubscriptionByExternalID(context.Background(), "sub_test1")
	if errSub != nil || sub.Status != models.SubscriptionStatusActive {
		t.Fatalf("subscription: %+v err=%v", sub, errSub)
	}

	result, errSecond := env.bridge.Fulfill(context.Background(), env.user.ID, "cs_1")
	if errSecond != nil {
		t.Fatalf("second fulfill: %v", errSecond)
	}
	if result != FulfillAlreadyProcessed {
		t.Fatalf("second result = %s, want already_processed", result)
	}
	if env.prov.launches != 1 {
		t.Fatalf("launches = %d, want 1", env.prov.launches)
	}
}

func TestFulfillRejectsUnpaidSession(t *testing.T) {
	env := newBridgeEnv(t)
	instance := env.seedPendingInstance(t)
	info := paidSession(env.user.ID, instance.ID)
	info.Paid = false
	env.proc.sessions["cs_unpaid"] = info

	if _, err := env.bridge.Fulfill(context.Background(), env.user.ID, "cs_unpaid"); !errors.Is(err, ErrUnpaidSession) {
		t.Fatalf("err = %v, want ErrUnpaidSession", err)
	}
	if env.prov.launches != 0 {
		t.Fatalf("unpaid session launched an instance")
	}
}

func TestFulfillRejectsForeignSession(t *testing.T) {
	env := newBridgeEnv(t)
	instance := env.seedPendingInstance(t)
	env.proc.sessions["cs_other"] = paidSession(env.user.ID+1, instance.ID)

	if _, err := env.bridge.Fulfill(context.Background(), env.user.ID, "cs_other"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func checkoutCompletedEvent(t *testing.T, id string, userID, instanceID uint64) stripe.Event {
	t.Helper()
	raw, errMarshal := json.Marshal(map[string]any{
		"id":             "cs_evt",
		"payment_status": "paid",
		"metadata": map[string]string{
			"user_id":     fmt.Sprintf("%d", userID),
			"instance_id": fmt.Sprintf("%d", instanceID),
		},
		"customer": map[string]any{"id": "cus_test1"},
		"subscription": map[string]any{
			"id": "sub_test1",
			"items": map[string]any{
				"data": []map[string]any{{"current_period_end": 1790000000}},
			},
		},
	})
	if errMarshal != nil {
		t.Fatalf("marshal event: %v", errMarshal)
	}
	return stripe.Event{
		ID:   id,
		Type: "checkout.session.completed",
		Data: &stripe.EventData{Raw: raw},
	}
}

func TestCheckoutCompletedWebhook(t *testing.T) {
	env := newBridgeEnv(t)
	instance := env.seedPendingInstance(t)
	event := checkoutCompletedEvent(t, "evt_1", env.user.ID, instance.ID)

	if err := env.bridge.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("process event: %v", err)
	}
	got := env.reload(t, instance.ID)
	if got.Status != models.StatusProvisioning || got.ComputeID == "" {
		t.Fatalf("after webhook: status=%s compute=%q", got.Status, got.ComputeID)
	}
	sub, errSub := env.lgr.SubscriptionByExternalID(context.Background(), "sub_test1")
	if errSub != nil || sub.CurrentPeriodEnd == nil {
		t.Fatalf("subscription not recorded: %+v err=%v", sub, errSub)
	}

	// Processors redeliver; the same event id must be a pure ack.
	if err := env.bridge.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("replayed event: %v", err)
	}
	if env.prov.launches != 1 {
		t.Fatalf("launches = %d, want 1", env.prov.launches)
	}
}

func TestFailedDeliveryRetriedOnRedelivery(t *testing.T) {
	env := newBridgeEnv(t)
	instance := env.seedPendingInstance(t)
	event := checkoutCompletedEvent(t, "evt_retry", env.user.ID, instance.ID)

	env.prov.launchErr = errors.New("insufficient capacity")
	if err := env.bridge.ProcessEvent(context.Background(), event); err == nil {
		t.Fatal("first delivery should surface the launch failure")
	}
	if env.prov.launches != 0 {
		t.Fatalf("launches = %d, want 0 after failed delivery", env.prov.launches)
	}

	// Roll the instance back to where a failure before any transition
	// leaves it, then let the processor redeliver.
	env.prov.launchErr = nil
	if err := env.lgr.UpdateStatus(context.Background(), instance.ID, models.StatusPendingPayment); err != nil {
		t.Fatalf("reset status: %v", err)
	}
	if err := env.bridge.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("redelivered event: %v", err)
	}
	got := env.reload(t, instance.ID)
	if got.Status != models.StatusProvisioning || env.prov.launches != 1 {
		t.Fatalf("redelivery did not reprocess: status=%s launches=%d", got.Status, env.prov.launches)
	}

	var row models.WebhookEvent
	if errRead := env.conn.Where("external_id = ?", "evt_retry").First(&row).Error; errRead != nil {
		t.Fatalf("read event row: %v", errRead)
	}
	if row.ProcessingError != "" {
		t.Fatalf("processing error not cleared: %q", row.ProcessingError)
	}

	// A third delivery after the clean outcome is a pure ack.
	if err := env.bridge.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("replay after success: %v", err)
	}
	if env.prov.launches != 1 {
		t.Fatalf("launches = %d, want 1", env.prov.launches)
	}
}

func TestSubscriptionDeletedTerminatesRunning(t *testing.T) {
	env := newBridgeEnv(t)
	instance := env.seedPendingInstance(t)
	env.proc.sessions["cs_1"] = paidSession(env.user.ID, instance.ID)
	if _, err := env.bridge.Fulfill(context.Background(), env.user.ID, "cs_1"); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if err := env.orc.ReconcileUser(context.Background(), env.user.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := env.reload(t, instance.ID); got.Status != models.StatusRunning {
		t.Fatalf("precondition: status = %s, want running", got.Status)
	}

	raw, _ := json.Marshal(map[string]any{
		"id":       "sub_test1",
		"customer": map[string]any{"id": "cus_test1"},
	})
	event := stripe.Event{
		ID:   "evt_del",
		Type: "customer.subscription.deleted",
		Data: &stripe.EventData{Raw: raw},
	}
	if err := env.bridge.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("process event: %v", err)
	}
	if got := env.reload(t, instance.ID); got.Status != models.StatusTerminated {
		t.Fatalf("status = %s, want terminated", got.Status)
	}
	sub, _ := env.lgr.SubscriptionByExternalID(context.Background(), "sub_test1")
	if sub.Status != models.SubscriptionStatusCanceled {
		t.Fatalf("subscription status = %s, want canceled", sub.Status)
	}
}

func TestInvoicePaymentFailedSoftLocks(t *testing.T) {
	env := newBridgeEnv(t)
	running := env.seedPendingInstance(t)
	env.proc.sessions["cs_1"] = paidSession(env.user.ID, running.ID)
	if _, err := env.bridge.Fulfill(context.Background(), env.user.ID, "cs_1"); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if err := env.orc.ReconcileUser(context.Background(), env.user.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	dead, errCreate := env.orc.Create(context.Background(), env.user.ID, orchestrator.CreateRequest{
		DisplayName:        "Old",
		ModelProvider:      "openai",
		ModelName:          "gpt-4o",
		APIKey:             "sk-x",
		ChannelCredentials: map[string]string{"bot_token": "77:yy"},
	})
	if errCreate != nil {
		t.Fatalf("create second: %v", errCreate)
	}
	if err := env.orc.Terminate(context.Background(), env.user.ID, dead.ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	raw, _ := json.Marshal(map[string]any{
		"id":       "in_1",
		"customer": map[string]any{"id": "cus_test1"},
	})
	event := stripe.Event{
		ID:   "evt_inv",
		Type: "invoice.payment_failed",
		Data: &stripe.EventData{Raw: raw},
	}
	if err := env.bridge.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("process event: %v", err)
	}
	if got := env.reload(t, running.ID); got.Status != models.StatusPaymentFailed {
		t.Fatalf("running instance status = %s, want payment_failed", got.Status)
	}
	if got := env.reload(t, dead.ID); got.Status != models.StatusTerminated {
		t.Fatalf("terminated instance status = %s, must stay terminated", got.Status)
	}
}

func TestCancelSubscription(t *testing.T) {
	env := newBridgeEnv(t)
	instance := env.seedPendingInstance(t)
	env.proc.sessions["cs_1"] = paidSession(env.user.ID, instance.ID)
	if _, err := env.bridge.Fulfill(context.Background(), env.user.ID, "cs_1"); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	if err := env.bridge.CancelSubscription(context.Background(), env.user.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(env.proc.canceled) != 1 || env.proc.canceled[0] != "sub_test1" {
		t.Fatalf("processor cancellations = %v", env.proc.canceled)
	}
	sub, _ := env.lgr.SubscriptionByExternalID(context.Background(), "sub_test1")
	if sub.Status != models.SubscriptionStatusCanceled {
		t.Fatalf("subscription status = %s, want canceled", sub.Status)
	}
}
