// Package billing connects the payment processor to the instance lifecycle.
// The Client wraps the Stripe API; the Bridge consumes verified events and
// calls back into the orchestrator.
package billing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/companionlabs/companiond/internal/config"
)

// CheckoutParams identifies who and what a checkout session is for.
type CheckoutParams struct {
	CustomerID    string // Existing processor customer; empty lets checkout create one.
	CustomerEmail string // Prefill email when no customer exists yet.
	UserID        uint64 // Ledger user the purchase belongs to.
	InstanceID    uint64 // Pending instance the purchase unlocks.
}

// SessionInfo is the slice of a checkout session the fulfill path needs.
type SessionInfo struct {
	Paid           bool
	UserID         uint64
	InstanceID     uint64
	CustomerID     string
	SubscriptionID string
	PeriodEnd      *time.Time
}

// Processor is the payment-processor surface the bridge and handlers use.
// Client implements it against Stripe; tests substitute a fake.
type Processor interface {
	Checkout(ctx context.Context, p CheckoutParams) (string, error)
	Portal(ctx context.Context, customerID string) (string, error)
	Session(ctx context.Context, sessionID string) (SessionInfo, error)
	CancelSubscription(ctx context.Context, externalID string) error
	VerifyEvent(payload []byte, signature string) (stripe.Event, error)
}

// Client is the Stripe-backed Processor.
type Client struct {
	cfg config.BillingConfig
}

// NewClient configures the Stripe SDK and returns the client.
func NewClient(cfg config.BillingConfig) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// Checkout creates a subscription checkout session and returns its URL. The
// user and instance ids ride along as metadata so the completion webhook can
// find its way back to the ledger row.
func (c *Client) Checkout(ctx context.Context, p CheckoutParams) (string, error) {
	successURL := fmt.Sprintf("%s?session_id={CHECKOUT_SESSION_ID}&instance_id=%d",
		c.cfg.SuccessURL, p.InstanceID)
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(c.cfg.PriceID),
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(c.cfg.CancelURL),
	}
	params.Context = ctx
	params.AddMetadata("user_id", strconv.FormatUint(p.UserID, 10))
	params.AddMetadata("instance_id", strconv.FormatUint(p.InstanceID, 10))
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	} else if p.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(p.CustomerEmail)
	}
	sess, errNew := session.New(params)
	if errNew != nil {
		return "", fmt.Errorf("billing: create checkout session: %w", errNew)
	}
	return sess.URL, nil
}

// Portal creates a billing-portal session for an existing customer.
func (c *Client) Portal(ctx context.Context, customerID string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(c.cfg.CancelURL),
	}
	params.Context = ctx
	sess, errNew := portalsession.New(params)
	if errNew != nil {
		return "", fmt.Errorf("billing: create portal session: %w", errNew)
	}
	return sess.URL, nil
}

// Session fetches a checkout session and condenses it for the fulfill path.
func (c *Client) Session(ctx context.Context, sessionID string) (SessionInfo, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("subscription")
	sess, errGet := session.Get(sessionID, params)
	if errGet != nil {
		return SessionInfo{}, fmt.Errorf("billing: fetch checkout session: %w", errGet)
	}
	return condenseSession(sess), nil
}

// CancelSubscription cancels the subscription at the processor. The ledger
// side is settled by the deletion webhook that follows.
func (c *Client) CancelSubscription(ctx context.Context, externalID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, errCancel := subscription.Cancel(externalID, params); errCancel != nil {
		return fmt.Errorf("billing: cancel subscription: %w", errCancel)
	}
	return nil
}

// VerifyEvent checks the webhook signature and parses the event. An
// unverifiable payload is rejected outright.
func (c *Client) VerifyEvent(payload []byte, signature string) (stripe.Event, error) {
	event, errVerify := webhook.ConstructEvent(payload, signature, c.cfg.WebhookSecret)
	if errVerify != nil {
		return stripe.Event{}, fmt.Errorf("billing: verify webhook event: %w", errVerify)
	}
	return event, nil
}

// condenseSession extracts the fields the fulfill path cares about.
func condenseSession(sess *stripe.CheckoutSession) SessionInfo {
	info := SessionInfo{
		Paid: sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
	}
	info.UserID, _ = strconv.ParseUint(sess.Metadata["user_id"], 10, 64)
	info.InstanceID, _ = strconv.ParseUint(sess.Metadata["instance_id"], 10, 64)
	if sess.Customer != nil {
		info.CustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		info.SubscriptionID = sess.Subscription.ID
		info.PeriodEnd = subscriptionPeriodEnd(sess.Subscription)
	}
	return info
}

// subscriptionPeriodEnd reads the current period end off the first item.
func subscriptionPeriodEnd(sub *stripe.Subscription) *time.Time {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil
	}
	end := sub.Items.Data[0].CurrentPeriodEnd
	if end == 0 {
		return nil
	}
	t := time.Unix(end, 0).UTC()
	return &t
}
