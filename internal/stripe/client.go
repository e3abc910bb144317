// Package stripe wraps the Stripe API surface the billing service uses:
// one-time Checkout sessions for prepaid top-ups and webhook verification.
package stripe

import (
	"context"
	"fmt"

	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/logging"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Client wraps Stripe API operations for prepaid credit top-ups.
type Client struct {
	secretKey     string
	webhookSecret string
	logger        logging.Logger
}

// Config for creating a new Stripe client
type Config struct {
	SecretKey     string // STRIPE_SECRET_KEY
	WebhookSecret string // STRIPE_WEBHOOK_SECRET
	Logger        logging.Logger
}

// NewClient creates a new Stripe client
func NewClient(config Config) *Client {
	// Set the global API key for the stripe-go library
	stripe.Key = config.SecretKey

	return &Client{
		secretKey:     config.SecretKey,
		webhookSecret: config.WebhookSecret,
		logger:        config.Logger,
	}
}

// CheckoutParams for creating a top-up checkout session
type CheckoutParams struct {
	OrgID       string // For metadata
	TopupID     string // Pending topup row, echoed back via metadata
	AmountCents int64
	Currency    string
	SuccessURL  string
	CancelURL   string
}

// CreateTopupCheckout creates a one-time-payment Checkout Session for a
// prepaid balance top-up. The pending topup ID rides in the session metadata
// so the webhook can match the payment back to the staged row.
func (c *Client) CreateTopupCheckout(ctx context.Context, params CheckoutParams) (*stripe.CheckoutSession, error) {
	sessionParams := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(params.Currency),
					UnitAmount: stripe.Int64(params.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Prepaid credit top-up"),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata: map[string]string{
			"org_id":   params.OrgID,
			"topup_id": params.TopupID,
			"purpose":  "prepaid_topup",
		},
	}

	sess, err := checkoutsession.New(sessionParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"session_id":   sess.ID,
		"org_id":       params.OrgID,
		"topup_id":     params.TopupID,
		"amount_cents": params.AmountCents,
	}).Info("Created topup checkout session")

	return sess, nil
}

// VerifyAndParseWebhook verifies the webhook signature and parses the event
func (c *Client) VerifyAndParseWebhook(payload []byte, signature string) (*stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, c.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("webhook signature verification failed: %w", err)
	}
	return &event, nil
}

// CheckoutSessionFromEvent extracts checkout session from a webhook event
func (c *Client) CheckoutSessionFromEvent(event *stripe.Event) (*stripe.CheckoutSession, error) {
	switch event.Type {
	case "checkout.session.completed", "checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := sess.UnmarshalJSON(event.Data.Raw); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkout session: %w", err)
		}
		return &sess, nil
	default:
		return nil, fmt.Errorf("event type %s does not contain checkout session data", event.Type)
	}
}
