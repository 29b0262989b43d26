package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/companionlabs/companiond/internal/db"
	"github.com/companionlabs/companiond/internal/models"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	conn, errOpen := db.Open("file:" + filepath.Join(t.TempDir(), "ledger.db"))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return New(conn)
}

func seedInstance(t *testing.T, lgr *Ledger, userID uint64, status models.InstanceStatus) *models.Instance {
	t.Helper()
	instance := &models.Instance{
		UserID:        userID,
		Status:        status,
		ModelProvider: "google",
		ModelName:     "gemini-2.0-flash",
		APIKeyEnc:     "sealed-key",
		Channel:       models.ChannelTelegram,
		ChannelKey:    "12345",
		Region:        "us-east-1",
		DisplayName:   "Nova",
		GatewayToken:  "token",
	}
	if errCreate := lgr.CreateInstance(context.Background(), instance); errCreate != nil {
		t.Fatalf("create instance: %v", errCreate)
	}
	return instance
}

func TestGetOrCreateUserByEmailReusesRow(t *testing.T) {
	lgr := newTestLedger(t)
	ctx := context.Background()

	first, errFirst := lgr.GetOrCreateUserByEmail(ctx, "alice@example.com")
	if errFirst != nil {
		t.Fatalf("first lookup: %v", errFirst)
	}
	second, errSecond := lgr.GetOrCreateUserByEmail(ctx, "alice@example.com")
	if errSecond != nil {
		t.Fatalf("second lookup: %v", errSecond)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one row, got ids %d and %d", first.ID, second.ID)
	}
	if _, errEmpty := lgr.GetOrCreateUserByEmail(ctx, "  "); errEmpty == nil {
		t.Fatal("expected error for empty email")
	}
}

func TestScopedReadsHideForeignRows(t *testing.T) {
	lgr := newTestLedger(t)
	ctx := context.Background()

	owner, _ := lgr.GetOrCreateUserByEmail(ctx, "owner@example.com")
	other, _ := lgr.GetOrCreateUserByEmail(ctx, "other@example.com")
	instance := seedInstance(t, lgr, owner.ID, models.StatusRunning)

	if _, errOwn := lgr.InstanceForUser(ctx, owner.ID, instance.ID); errOwn != nil {
		t.Fatalf("owner read: %v", errOwn)
	}
	if _, errForeign := lgr.InstanceForUser(ctx, other.ID, instance.ID); !errors.Is(errForeign, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign read, got %v", errForeign)
	}
	if errUpdate := lgr.UpdateStatusForUser(ctx, other.ID, instance.ID, models.StatusStopped); !errors.Is(errUpdate, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign update, got %v", errUpdate)
	}

	reread, _ := lgr.InstanceForUser(ctx, owner.ID, instance.ID)
	if reread.Status != models.StatusRunning {
		t.Fatalf("foreign update must not change status, got %s", reread.Status)
	}
}

func TestUpdateStatusIf(t *testing.T) {
	lgr := newTestLedger(t)
	ctx := context.Background()

	user, _ := lgr.GetOrCreateUserByEmail(ctx, "race@example.com")
	instance := seedInstance(t, lgr, user.ID, models.StatusPendingPayment)

	moved, errFirst := lgr.UpdateStatusIf(ctx, instance.ID, models.StatusProvisioning, models.StatusPendingPayment)
	if errFirst != nil || !moved {
		t.Fatalf("first transition: moved=%v err=%v", moved, errFirst)
	}
	moved, errSecond := lgr.UpdateStatusIf(ctx, instance.ID, models.StatusProvisioning, models.StatusPendingPayment)
	if errSecond != nil {
		t.Fatalf("second transition: %v", errSecond)
	}
	if moved {
		t.Fatal("second transition must lose the race")
	}
}

func TestHasActiveClone(t *testing.T) {
	lgr := newTestLedger(t)
	ctx := context.Background()

	user, _ := lgr.GetOrCreateUserByEmail(ctx, "clones@example.com")
	templateID := uint64(7)

	instance := seedInstance(t, lgr, user.ID, models.StatusRunning)
	lgr.db.Model(instance).Update("template_id", templateID)

	active, errActive := lgr.HasActiveClone(ctx, user.ID, templateID)
	if errActive != nil {
		t.Fatalf("count clones: %v", errActive)
	}
	if !active {
		t.Fatal("running clone should count as active")
	}

	if errStatus := lgr.UpdateStatus(ctx, instance.ID, models.StatusTerminated); errStatus != nil {
		t.Fatalf("terminate: %v", errStatus)
	}
	active, _ = lgr.HasActiveClone(ctx, user.ID, templateID)
	if active {
		t.Fatal("terminated clone should not count as active")
	}
}

func TestInstanceByChannelKeyFiltersStatus(t *testing.T) {
	lgr := newTestLedger(t)
	ctx := context.Background()

	user, _ := lgr.GetOrCreateUserByEmail(ctx, "routing@example.com")
	instance := seedInstance(t, lgr, user.ID, models.StatusRunning)

	found, errFound := lgr.InstanceByChannelKey(ctx, models.ChannelTelegram, "12345")
	if errFound != nil {
		t.Fatalf("resolve routing key: %v", errFound)
	}
	if found.ID != instance.ID {
		t.Fatalf("resolved wrong instance %d", found.ID)
	}

	if errStop := lgr.UpdateStatus(ctx, instance.ID, models.StatusStopped); errStop != nil {
		t.Fatalf("stop: %v", errStop)
	}
	if _, errStopped := lgr.InstanceByChannelKey(ctx, models.ChannelTelegram, "12345"); !errors.Is(errStopped, ErrNotFound) {
		t.Fatalf("stopped instance must not route, got %v", errStopped)
	}
	if _, errKind := lgr.InstanceByChannelKey(ctx, models.ChannelWhatsApp, "12345"); !errors.Is(errKind, ErrNotFound) {
		t.Fatalf("wrong channel kind must not route, got %v", errKind)
	}
}

func TestReplaceCredentialResetsAddress(t *testing.T) {
	lgr := newTestLedger(t)
	ctx := context.Background()

	user, _ := lgr.GetOrCreateUserByEmail(ctx, "rotate@example.com")
	instance := seedInstance(t, lgr, user.ID, models.StatusRunning)
	if errObs := lgr.RecordObserved(ctx, instance.ID, "203.0.113.9", models.StatusRunning, time.Now().UTC()); errObs != nil {
		t.Fatalf("record observed: %v", errObs)
	}

	if errReplace := lgr.ReplaceCredential(ctx, instance.ID, "sealed-new", "vm-new"); errReplace != nil {
		t.Fatalf("replace credential: %v", errReplace)
	}
	reread, _ := lgr.InstanceForUser(ctx, user.ID, instance.ID)
	if reread.APIKeyEnc != "sealed-new" || reread.ComputeID != "vm-new" {
		t.Fatalf("credential swap not recorded: %+v", reread)
	}
	if reread.Status != models.StatusProvisioning {
		t.Fatalf("expected provisioning after rotation, got %s", reread.Status)
	}
	if reread.PublicAddress != "" {
		t.Fatalf("stale address must be cleared, got %q", reread.PublicAddress)
	}
}

func TestStuckProvisioningCutoff(t *testing.T) {
	lgr := newTestLedger(t)
	ctx := context.Background()

	user, _ := lgr.GetOrCreateUserByEmail(ctx, "stuck@example.com")
	old := seedInstance(t, lgr, user.ID, models.StatusProvisioning)
	fresh := seedInstance(t, lgr, user.ID, models.StatusProvisioning)
	launched := seedInstance(t, lgr, user.ID, models.StatusProvisioning)
	if errCompute := lgr.SetComputeResource(ctx, launched.ID, "vm-1"); errCompute != nil {
		t.Fatalf("set compute resource: %v", errCompute)
	}
	lgr.db.Model(old).Update("created_at", time.Now().UTC().Add(-time.Hour))

	rows, errList := lgr.StuckProvisioning(ctx, user.ID, time.Now().UTC().Add(-10*time.Minute))
	if errList != nil {
		t.Fatalf("list stuck: %v", errList)
	}
	if len(rows) != 1 || rows[0].ID != old.ID {
		t.Fatalf("expected only the aged unlaunched row, got %+v", rows)
	}
	_ = fresh
}

func TestUpsertSubscription(t *testing.T) {
	lgr := newTestLedger(t)
	ctx := context.Background()

	user, _ := lgr.GetOrCreateUserByEmail(ctx, "billing@example.com")
	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour)

	if errUpsert := lgr.UpsertSubscription(ctx, user.ID, "sub_1", models.SubscriptionStatusActive, &periodEnd); errUpsert != nil {
		t.Fatalf("insert subscription: %v", errUpsert)
	}
	if errUpsert := lgr.UpsertSubscription(ctx, user.ID, "sub_1", "past_due", nil); errUpsert != nil {
		t.Fatalf("refresh subscription: %v", errUpsert)
	}

	row, errRead := lgr.SubscriptionByExternalID(ctx, "sub_1")
	if errRead != nil {
		t.Fatalf("read subscription: %v", errRead)
	}
	if row.Status != "past_due" {
		t.Fatalf("expected refreshed status, got %s", row.Status)
	}

	var count int64
	lgr.db.Model(&models.Subscription{}).Where("external_id = ?", "sub_1").Count(&count)
	if count != 1 {
		t.Fatalf("upsert must keep one row, got %d", count)
	}

	if errCancel := lgr.MarkSubscriptionCanceled(ctx, "sub_1"); errCancel != nil {
		t.Fatalf("cancel: %v", errCancel)
	}
	if errMissing := lgr.MarkSubscriptionCanceled(ctx, "sub_unknown"); !errors.Is(errMissing, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown subscription, got %v", errMissing)
	}
}

func TestRecordObservedKeepsTerminalStatus(t *testing.T) {
	lgr := newTestLedger(t)
	ctx := context.Background()
	user, _ := lgr.GetOrCreateUserByEmail(ctx, "observer@example.com")

	for _, frozen := range []models.InstanceStatus{models.StatusTerminated, models.StatusStopped} {
		instance := seedInstance(t, lgr, user.ID, frozen)
		observedAt := time.Now().UTC()
		if errObs := lgr.RecordObserved(ctx, instance.ID, "203.0.113.7", models.StatusRunning, observedAt); errObs != nil {
			t.Fatalf("record observed over %s: %v", frozen, errObs)
		}
		got, errFind := lgr.InstanceForUser(ctx, user.ID, instance.ID)
		if errFind != nil {
			t.Fatalf("reload: %v", errFind)
		}
		if got.Status != frozen {
			t.Fatalf("status = %s, want %s untouched", got.Status, frozen)
		}
		if got.LastHealthCheck == nil {
			t.Fatalf("health check not recorded for %s instance", frozen)
		}
	}

	// Transitional rows still take the observed status.
	live := seedInstance(t, lgr, user.ID, models.StatusProvisioning)
	if errObs := lgr.RecordObserved(ctx, live.ID, "", models.StatusRunning, time.Now().UTC()); errObs != nil {
		t.Fatalf("record observed: %v", errObs)
	}
	if got, _ := lgr.InstanceForUser(ctx, user.ID, live.ID); got.Status != models.StatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
}

func TestWebhookEventDedup(t *testing.T) {
	lgr := newTestLedger(t)
	ctx := context.Background()

	needed, errFirst := lgr.BeginWebhookEvent(ctx, "evt_1", "checkout.session.completed")
	if errFirst != nil || !needed {
		t.Fatalf("first delivery: needed=%v err=%v", needed, errFirst)
	}

	// A failed outcome leaves the event eligible for a retry on redelivery.
	if errFinish := lgr.FinishWebhookEvent(ctx, "evt_1", errors.New("downstream boom")); errFinish != nil {
		t.Fatalf("finish event: %v", errFinish)
	}
	var row models.WebhookEvent
	if errRead := lgr.db.Where("external_id = ?", "evt_1").First(&row).Error; errRead != nil {
		t.Fatalf("read event row: %v", errRead)
	}
	if row.ProcessedAt == nil || row.ProcessingError == "" {
		t.Fatalf("outcome not recorded: %+v", row)
	}
	needed, errRetry := lgr.BeginWebhookEvent(ctx, "evt_1", "checkout.session.completed")
	if errRetry != nil {
		t.Fatalf("redelivery after failure: %v", errRetry)
	}
	if !needed {
		t.Fatal("redelivery after a failed attempt must be processed again")
	}

	// A clean outcome clears the recorded error and ends retries.
	if errFinish := lgr.FinishWebhookEvent(ctx, "evt_1", nil); errFinish != nil {
		t.Fatalf("finish retried event: %v", errFinish)
	}
	if errRead := lgr.db.Where("external_id = ?", "evt_1").First(&row).Error; errRead != nil {
		t.Fatalf("reread event row: %v", errRead)
	}
	if row.ProcessingError != "" {
		t.Fatalf("error not cleared on clean retry: %q", row.ProcessingError)
	}
	needed, errReplay := lgr.BeginWebhookEvent(ctx, "evt_1", "checkout.session.completed")
	if errReplay != nil {
		t.Fatalf("replay after success: %v", errReplay)
	}
	if needed {
		t.Fatal("replay of a cleanly processed event must be skipped")
	}
}

func TestUpdateProfile(t *testing.T) {
	lgr := newTestLedger(t)
	ctx := context.Background()

	user, _ := lgr.GetOrCreateUserByEmail(ctx, "profile@example.com")
	name := "Alice"
	bio := "companion collector"

	if errPatch := lgr.UpdateProfile(ctx, user.ID, ProfilePatch{DisplayName: &name, Bio: &bio}); errPatch != nil {
		t.Fatalf("patch profile: %v", errPatch)
	}
	reread, _ := lgr.UserByID(ctx, user.ID)
	if reread.DisplayName != name || reread.Bio != bio {
		t.Fatalf("patch not applied: %+v", reread)
	}

	if errEmpty := lgr.UpdateProfile(ctx, user.ID, ProfilePatch{}); errEmpty != nil {
		t.Fatalf("empty patch should be a no-op, got %v", errEmpty)
	}
	if errMissing := lgr.UpdateProfile(ctx, user.ID+100, ProfilePatch{DisplayName: &name}); !errors.Is(errMissing, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", errMissing)
	}
}
