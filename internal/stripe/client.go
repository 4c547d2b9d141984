// Package stripe wraps the Stripe API operations Bursar needs: customer
// creation, hosted checkout for credit top-ups, off-session charges against
// saved payment methods, and payment-intent lookups for refund
// reconciliation.
package stripe

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"gatewaycredits/pkg/logging"
	"gatewaycredits/pkg/models"
)

// Client wraps Stripe API operations for credit top-ups.
type Client struct {
	secretKey string
	logger    logging.Logger
}

// Config for creating a new Stripe client
type Config struct {
	SecretKey string // STRIPE_SECRET_KEY
	Logger    logging.Logger
}

// NewClient creates a new Stripe client
func NewClient(config Config) *Client {
	// Set the global API key for the stripe-go library
	stripe.Key = config.SecretKey

	return &Client{
		secretKey: config.SecretKey,
		logger:    config.Logger,
	}
}

// CustomerInfo represents team data for Stripe customer creation
type CustomerInfo struct {
	TeamID string
	Email  string
	Name   string
}

// CreateOrGetCustomer finds an existing customer by team ID or creates a
// new one.
func (c *Client) CreateOrGetCustomer(ctx context.Context, info CustomerInfo) (*stripe.Customer, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['team_id']:'%s'", info.TeamID)
	iter := customer.Search(params)

	for iter.Next() {
		cust := iter.Customer()
		c.logger.WithField("customer_id", cust.ID).Debug("Found existing Stripe customer")
		return cust, nil
	}
	if err := iter.Err(); err != nil {
		c.logger.WithError(err).Warn("Error searching for Stripe customer, will create new")
	}

	createParams := &stripe.CustomerParams{
		Email: stripe.String(info.Email),
		Name:  stripe.String(info.Name),
		Metadata: map[string]string{
			"team_id": info.TeamID,
		},
	}

	cust, err := customer.New(createParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create Stripe customer: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"customer_id": cust.ID,
		"team_id":     info.TeamID,
	}).Info("Created new Stripe customer")

	return cust, nil
}

// TopupSessionParams for creating a credit top-up checkout session
type TopupSessionParams struct {
	CustomerID  string // Stripe customer ID
	TeamID      string // For metadata
	AmountCents int64
	Currency    string
	SuccessURL  string
	CancelURL   string
}

// CreateTopupSession creates a payment-mode Checkout Session for a one-time
// credit top-up. The team_id and purpose travel on the payment intent's
// metadata so the webhook can route the resulting events.
func (c *Client) CreateTopupSession(ctx context.Context, params TopupSessionParams) (*stripe.CheckoutSession, error) {
	currency := strings.ToLower(params.Currency)
	if currency == "" {
		currency = "usd"
	}

	metadata := map[string]string{
		"team_id": params.TeamID,
		"purpose": models.PurposeTopup,
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Customer: stripe.String(params.CustomerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(params.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Credit top-up"),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata:   metadata,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
			// Save the card for later off-session auto top-ups.
			SetupFutureUsage: stripe.String("off_session"),
		},
	}

	sess, err := checkoutsession.New(sessionParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"session_id":   sess.ID,
		"team_id":      params.TeamID,
		"amount_cents": params.AmountCents,
	}).Info("Created Stripe top-up checkout session")

	return sess, nil
}

// OffSessionChargeParams for charging a saved payment method
type OffSessionChargeParams struct {
	CustomerID      string
	PaymentMethodID string
	TeamID          string
	AmountCents     int64
	Currency        string
}

// ChargeSavedPaymentMethod creates and confirms an off-session payment
// intent against a saved payment method. The ledger is not touched here;
// the payment_intent.* webhooks drive all balance changes.
func (c *Client) ChargeSavedPaymentMethod(ctx context.Context, params OffSessionChargeParams) (*stripe.PaymentIntent, error) {
	currency := strings.ToLower(params.Currency)
	if currency == "" {
		currency = "usd"
	}

	piParams := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(params.AmountCents),
		Currency:      stripe.String(currency),
		Customer:      stripe.String(params.CustomerID),
		PaymentMethod: stripe.String(params.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Metadata: map[string]string{
			"team_id": params.TeamID,
			"purpose": models.PurposeTopupOffSession,
		},
	}

	pi, err := paymentintent.New(piParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create off-session payment intent: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"payment_intent_id": pi.ID,
		"team_id":           params.TeamID,
		"amount_cents":      params.AmountCents,
		"status":            pi.Status,
	}).Info("Created off-session charge")

	return pi, nil
}

// GetPaymentIntent retrieves a payment intent by ID. Refund reconciliation
// uses this to recover the original gross amount.
func (c *Client) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	pi, err := paymentintent.Get(id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	return pi, nil
}
