package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"

	"github.com/companionlabs/companiond/internal/ledger"
	"github.com/companionlabs/companiond/internal/models"
	"github.com/companionlabs/companiond/internal/orchestrator"
)

// FulfillResult reports what the fulfill path did.
type FulfillResult string

// Fulfill outcomes.
const (
	// FulfillLaunched means this call won the race and launched the instance.
	FulfillLaunched FulfillResult = "launched"
	// FulfillAlreadyProcessed means the webhook got there first; no-op.
	FulfillAlreadyProcessed FulfillResult = "already_processed"
)

// ErrUnpaidSession rejects a fulfill attempt for a session that never paid.
var ErrUnpaidSession = errors.New("billing: checkout session not paid")

// Bridge translates payment-processor events into lifecycle operations. The
// race between the completion webhook and the user's browser redirect is
// settled by the orchestrator's status precondition: whichever path loses
// sees a no-op.
type Bridge struct {
	ledger    *ledger.Ledger
	orc       *orchestrator.Orchestrator
	processor Processor
}

// NewBridge builds a Bridge.
func NewBridge(l *ledger.Ledger, orc *orchestrator.Orchestrator, p Processor) *Bridge {
	return &Bridge{ledger: l, orc: orc, processor: p}
}

// CheckoutLink returns a checkout URL for a pending instance.
func (b *Bridge) CheckoutLink(ctx context.Context, user *models.User, instanceID uint64) (string, error) {
	if _, errFind := b.ledger.InstanceForUser(ctx, user.ID, instanceID); errFind != nil {
		return "", errFind
	}
	return b.processor.Checkout(ctx, CheckoutParams{
		CustomerID:    user.BillingCustomerID,
		CustomerEmail: user.EmailAddress(),
		UserID:        user.ID,
		InstanceID:    instanceID,
	})
}

// PortalLink returns a billing-portal URL for the user's customer record.
func (b *Bridge) PortalLink(ctx context.Context, user *models.User) (string, error) {
	if user.BillingCustomerID == "" {
		return "", ledger.ErrNotFound
	}
	return b.processor.Portal(ctx, user.BillingCustomerID)
}

// Fulfill settles a checkout from the browser-redirect side. It re-checks
// that the session actually paid and that the instance is still awaiting
// payment; when the webhook already advanced it, the call reports
// already_processed instead of double-launching.
func (b *Bridge) Fulfill(ctx context.Context, userID uint64, sessionID string) (FulfillResult, error) {
	info, errSession := b.processor.Session(ctx, sessionID)
	if errSession != nil {
		return "", errSession
	}
	if !info.Paid {
		return "", ErrUnpaidSession
	}
	if info.UserID != userID {
		return "", ledger.ErrNotFound
	}
	if errSettle := b.settlePayment(ctx, userID, info); errSettle != nil {
		return "", errSettle
	}
	launched, errLaunch := b.orc.LaunchPending(ctx, userID, info.InstanceID)
	if errLaunch != nil {
		return "", errLaunch
	}
	if !launched {
		return FulfillAlreadyProcessed, nil
	}
	return FulfillLaunched, nil
}

// CancelSubscription cancels the user's latest subscription at the processor
// and marks it canceled in the ledger. Instance teardown follows from the
// deletion webhook.
func (b *Bridge) CancelSubscription(ctx context.Context, userID uint64) error {
	sub, errFind := b.ledger.LatestSubscription(ctx, userID)
	if errFind != nil {
		return errFind
	}
	if errCancel := b.processor.CancelSubscription(ctx, sub.ExternalID); errCancel != nil {
		return errCancel
	}
	return b.ledger.MarkSubscriptionCanceled(ctx, sub.ExternalID)
}

// ProcessEvent deduplicates and dispatches one verified processor event.
// Replays of a cleanly processed event id are acknowledged without side
// effects; a redelivery after a failed attempt runs the handler again.
func (b *Bridge) ProcessEvent(ctx context.Context, event stripe.Event) error {
	needed, errBegin := b.ledger.BeginWebhookEvent(ctx, event.ID, string(event.Type))
	if errBegin != nil {
		return errBegin
	}
	if !needed {
		log.WithField("event_id", event.ID).Debug("billing: replayed event ignored")
		return nil
	}
	errHandle := b.handleEvent(ctx, event)
	if errFinish := b.ledger.FinishWebhookEvent(ctx, event.ID, errHandle); errFinish != nil {
		log.WithField("event_id", event.ID).WithError(errFinish).
			Error("billing: record event outcome")
	}
	return errHandle
}

func (b *Bridge) handleEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return b.onCheckoutCompleted(ctx, event)
	case "customer.subscription.deleted":
		return b.onSubscriptionDeleted(ctx, event)
	case "invoice.payment_failed":
		return b.onInvoicePaymentFailed(ctx, event)
	default:
		log.WithField("event_type", event.Type).Debug("billing: event type ignored")
		return nil
	}
}

// onCheckoutCompleted records the customer and subscription, then launches
// the pending instance. Losing the race against the redirect-side fulfill is
// fine; the loser no-ops.
func (b *Bridge) onCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if errUnmarshal := json.Unmarshal(event.Data.Raw, &sess); errUnmarshal != nil {
		return fmt.Errorf("billing: decode checkout session: %w", errUnmarshal)
	}
	info := condenseSession(&sess)
	if info.UserID == 0 || info.InstanceID == 0 {
		return fmt.Errorf("billing: checkout session %s missing metadata", sess.ID)
	}
	if errSettle := b.settlePayment(ctx, info.UserID, info); errSettle != nil {
		return errSettle
	}
	launched, errLaunch := b.orc.LaunchPending(ctx, info.UserID, info.InstanceID)
	if errLaunch != nil {
		return errLaunch
	}
	if !launched {
		log.WithField("instance_id", info.InstanceID).
			Debug("billing: instance already past pending payment")
	}
	return nil
}

// onSubscriptionDeleted marks the subscription canceled and tears down the
// user's running instance.
func (b *Bridge) onSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if errUnmarshal := json.Unmarshal(event.Data.Raw, &sub); errUnmarshal != nil {
		return fmt.Errorf("billing: decode subscription: %w", errUnmarshal)
	}
	if errMark := b.ledger.MarkSubscriptionCanceled(ctx, sub.ID); errMark != nil && !errors.Is(errMark, ledger.ErrNotFound) {
		return errMark
	}
	if sub.Customer == nil {
		return nil
	}
	user, errUser := b.ledger.UserByBillingCustomer(ctx, sub.Customer.ID)
	if errors.Is(errUser, ledger.ErrNotFound) {
		log.WithField("customer_id", sub.Customer.ID).
			Warn("billing: subscription deleted for unknown customer")
		return nil
	}
	if errUser != nil {
		return errUser
	}
	rows, errList := b.ledger.InstancesByStatus(ctx, user.ID, models.StatusRunning)
	if errList != nil {
		return errList
	}
	for _, row := range rows {
		if errTerm := b.orc.Terminate(ctx, user.ID, row.ID); errTerm != nil {
			log.WithField("instance_id", row.ID).WithError(errTerm).
				Error("billing: terminate after subscription deletion")
		}
	}
	return nil
}

// onInvoicePaymentFailed soft-locks the customer's live instances.
func (b *Bridge) onInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if errUnmarshal := json.Unmarshal(event.Data.Raw, &invoice); errUnmarshal != nil {
		return fmt.Errorf("billing: decode invoice: %w", errUnmarshal)
	}
	if invoice.Customer == nil {
		return nil
	}
	user, errUser := b.ledger.UserByBillingCustomer(ctx, invoice.Customer.ID)
	if errors.Is(errUser, ledger.ErrNotFound) {
		log.WithField("customer_id", invoice.Customer.ID).
			Warn("billing: payment failed for unknown customer")
		return nil
	}
	if errUser != nil {
		return errUser
	}
	marked, errMark := b.orc.MarkPaymentFailed(ctx, user.ID)
	if errMark != nil {
		return errMark
	}
	log.WithFields(log.Fields{"user_id": user.ID, "count": marked}).
		Info("billing: instances marked payment_failed")
	return nil
}

// settlePayment records the customer id and upserts the subscription row.
func (b *Bridge) settlePayment(ctx context.Context, userID uint64, info SessionInfo) error {
	if info.CustomerID != "" {
		if errSet := b.ledger.SetBillingCustomer(ctx, userID, info.CustomerID); errSet != nil {
			return errSet
		}
	}
	if info.SubscriptionID != "" {
		if errUpsert := b.ledger.UpsertSubscription(ctx, userID, info.SubscriptionID,
			models.SubscriptionStatusActive, info.PeriodEnd); errUpsert != nil {
			return errUpsert
		}
	}
	return nil
}
