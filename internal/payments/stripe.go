// Package payments wraps the payment processor behind a small interface so
// billing flows can be tested without network calls.
package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v76"
	portalsession "github.com/stripe/stripe-go/v76/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/invoice"
	"github.com/stripe/stripe-go/v76/invoiceitem"
)

// ReloadCharge identifies a completed reload charge.
type ReloadCharge struct {
	InvoiceID       string // Processor invoice ID.
	PaymentIntentID string // Processor payment intent ID.
}

// Processor is the payment operations surface the gateway needs.
type Processor interface {
	// ChargeReload invoices the reload amount plus processing fee against
	// the customer's stored payment method, off-session.
	ChargeReload(ctx context.Context, customerID, paymentMethodID string, amountCents, feeCents int64) (ReloadCharge, error)
}

// StripeProcessor implements Processor against the Stripe API.
type StripeProcessor struct{}

// NewStripe configures the global Stripe client key and returns a processor.
func NewStripe(secretKey string) *StripeProcessor {
	stripe.Key = secretKey
	return &StripeProcessor{}
}

// ChargeReload creates a two-line invoice (credit amount plus processing
// fee), finalizes it, and pays it off-session with the stored default
// payment method. Amounts are display cents, the unit Stripe bills in.
func (p *StripeProcessor) ChargeReload(ctx context.Context, customerID, paymentMethodID string, amountCents, feeCents int64) (ReloadCharge, error) {
	invoiceParams := &stripe.InvoiceParams{
		Customer:         stripe.String(customerID),
		CollectionMethod: stripe.String(string(stripe.InvoiceCollectionMethodChargeAutomatically)),
		AutoAdvance:      stripe.Bool(false),
	}
	invoiceParams.Context = ctx
	inv, errInvoice := invoice.New(invoiceParams)
	if errInvoice != nil {
		return ReloadCharge{}, fmt.Errorf("payments: create invoice: %w", errInvoice)
	}

	lines := []struct {
		amount      int64
		description string
	}{
		{amountCents, "Usage credit reload"},
		{feeCents, "Processing fee"},
	}
	for _, line := range lines {
		if line.amount <= 0 {
			continue
		}
		itemParams := &stripe.InvoiceItemParams{
			Customer:    stripe.String(customerID),
			Invoice:     stripe.String(inv.ID),
			Amount:      stripe.Int64(line.amount),
			Currency:    stripe.String(string(stripe.CurrencyUSD)),
			Description: stripe.String(line.description),
		}
		itemParams.Context = ctx
		if _, errItem := invoiceitem.New(itemParams); errItem != nil {
			return ReloadCharge{}, fmt.Errorf("payments: add invoice item: %w", errItem)
		}
	}

	finalizeParams := &stripe.InvoiceFinalizeInvoiceParams{}
	finalizeParams.Context = ctx
	if _, errFinalize := invoice.FinalizeInvoice(inv.ID, finalizeParams); errFinalize != nil {
		return ReloadCharge{}, fmt.Errorf("payments: finalize invoice: %w", errFinalize)
	}

	payParams := &stripe.InvoicePayParams{
		OffSession:    stripe.Bool(true),
		PaymentMethod: stripe.String(paymentMethodID),
	}
	payParams.Context = ctx
	paid, errPay := invoice.Pay(inv.ID, payParams)
	if errPay != nil {
		return ReloadCharge{}, fmt.Errorf("payments: pay invoice: %w", errPay)
	}

	charge := ReloadCharge{InvoiceID: paid.ID}
	if paid.PaymentIntent != nil {
		charge.PaymentIntentID = paid.PaymentIntent.ID
	}
	return charge, nil
}

// CreateCheckoutSession starts a hosted checkout for a one-off credit
// purchase and returns its URL.
func (p *StripeProcessor) CreateCheckoutSession(ctx context.Context, customerID string, amountCents int64, successURL, cancelURL string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Customer:   stripe.String(customerID),
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(string(stripe.CurrencyUSD)),
					UnitAmount: stripe.Int64(amountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Usage credit"),
					},
				},
			},
		},
	}
	params.Context = ctx
	sess, errNew := checkoutsession.New(params)
	if errNew != nil {
		return "", fmt.Errorf("payments: create checkout session: %w", errNew)
	}
	return sess.URL, nil
}

// CreateBillingPortalSession returns a customer billing portal URL for
// managing payment methods.
func (p *StripeProcessor) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, errNew := portalsession.New(params)
	if errNew != nil {
		return "", fmt.Errorf("payments: create billing portal session: %w", errNew)
	}
	return sess.URL, nil
}
