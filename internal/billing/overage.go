// Package billing attaches pay-per-use overage charges to the user's Stripe
// account. Subscriptions and checkout live in the main app; the only billing
// write this service performs is the per-job overage invoice item.
package billing

import (
	"context"
	"fmt"
	"log"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/invoiceitem"
)

// OverageCharger records an overage charge for a finished job. The returned
// id is stored on the job's usage record for audit.
type OverageCharger interface {
	ChargeOverage(ctx context.Context, customerID, jobID string, costCents int, description string) (string, error)
}

// StripeCharger implements OverageCharger with Stripe invoice items; the
// amount lands on the customer's next subscription invoice.
type StripeCharger struct {
	logger *log.Logger
}

// NewStripeCharger configures the Stripe client and returns a charger.
func NewStripeCharger(apiKey string, logger *log.Logger) *StripeCharger {
	stripe.Key = apiKey
	return &StripeCharger{logger: logger}
}

func (c *StripeCharger) ChargeOverage(ctx context.Context, customerID, jobID string, costCents int, description string) (string, error) {
	params := &stripe.InvoiceItemParams{
		Customer:    stripe.String(customerID),
		Amount:      stripe.Int64(int64(costCents)),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Description: stripe.String(description),
		Metadata: map[string]string{
			"job_id":  jobID,
			"service": "audiobook",
		},
	}
	params.Context = ctx

	item, err := invoiceitem.New(params)
	if err != nil {
		return "", fmt.Errorf("creating invoice item: %w", err)
	}

	c.logger.Printf("billing: created overage invoice item %s (job=%s amount=%d)", item.ID, jobID, costCents)
	return item.ID, nil
}
