package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/storyloom/backend/internal/usage"
	"github.com/storyloom/backend/internal/voices"
)

// Billing-side reads and the usage ledger. Tier provisioning and the
// checkout flow live in the main app; this service reads the quota row it
// maintains and appends to the audio usage ledger.

// ConsumeQuota atomically adds characterCount to the user's consumed counter
// and returns the quota snapshot as it was immediately before the increment.
// Doing both in one statement is what keeps two concurrent jobs from each
// seeing the same headroom.
func (s *Store) ConsumeQuota(ctx context.Context, userID string, characterCount int) (usage.Quota, error) {
	q := usage.Quota{UserID: userID}
	var tier string
	err := s.db.QueryRow(ctx, `
		UPDATE subscription_quotas
		SET audio_chars_used = audio_chars_used + $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING pricing_tier, audio_char_limit, audio_chars_used - $2, period_resets_at
	`, userID, characterCount).Scan(&tier, &q.CharacterLimit, &q.CharactersUsed, &q.PeriodResetsAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return usage.Quota{}, ErrNoSubscription
	}
	if err != nil {
		return usage.Quota{}, err
	}
	q.Tier, err = voices.ParsePricingTier(tier)
	if err != nil {
		return usage.Quota{}, fmt.Errorf("quota row for user %s: %w", userID, err)
	}
	return q, nil
}

// GetQuota reads the user's quota without consuming anything (status and
// pre-flight estimates).
func (s *Store) GetQuota(ctx context.Context, userID string) (usage.Quota, error) {
	q := usage.Quota{UserID: userID}
	var tier string
	err := s.db.QueryRow(ctx, `
		SELECT pricing_tier, audio_char_limit, audio_chars_used, period_resets_at
		FROM subscription_quotas
		WHERE user_id = $1
	`, userID).Scan(&tier, &q.CharacterLimit, &q.CharactersUsed, &q.PeriodResetsAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return usage.Quota{}, ErrNoSubscription
	}
	if err != nil {
		return usage.Quota{}, err
	}
	q.Tier, err = voices.ParsePricingTier(tier)
	if err != nil {
		return usage.Quota{}, fmt.Errorf("quota row for user %s: %w", userID, err)
	}
	return q, nil
}

// UsageRecord is one append-only ledger entry, written exactly once per job
// when its character accounting is finalized. Rows are never updated.
type UsageRecord struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	JobID               string    `json:"job_id"`
	ServiceType         string    `json:"service_type"`
	CharacterCount      int       `json:"character_count"`
	IncludedChars       int       `json:"included_chars"`
	OverageChars        int       `json:"overage_chars"`
	CostCents           int       `json:"cost_cents"`
	WasOverage          bool      `json:"was_overage"`
	BillingPeriod       string    `json:"billing_period"`
	StripeInvoiceItemID *string   `json:"stripe_invoice_item_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// InsertUsageRecord appends one ledger entry.
func (s *Store) InsertUsageRecord(ctx context.Context, r UsageRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO usage_records
			(id, user_id, job_id, service_type, character_count, included_chars,
			 overage_chars, cost_cents, was_overage, billing_period, stripe_invoice_item_id)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.UserID, r.JobID, r.ServiceType, r.CharacterCount, r.IncludedChars,
		r.OverageChars, r.CostCents, r.WasOverage, r.BillingPeriod, r.StripeInvoiceItemID)
	return err
}

// UsageTotals aggregates a user's ledger for one billing period.
type UsageTotals struct {
	Jobs           int `json:"jobs"`
	CharacterCount int `json:"character_count"`
	OverageChars   int `json:"overage_chars"`
	CostCents      int `json:"cost_cents"`
}

// GetPeriodUsageTotals reconstructs the period's totals from the ledger.
func (s *Store) GetPeriodUsageTotals(ctx context.Context, userID, billingPeriod string) (UsageTotals, error) {
	var t UsageTotals
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(character_count), 0),
		       COALESCE(SUM(overage_chars), 0), COALESCE(SUM(cost_cents), 0)
		FROM usage_records
		WHERE user_id = $1 AND billing_period = $2 AND service_type = 'audiobook'
	`, userID, billingPeriod).Scan(&t.Jobs, &t.CharacterCount, &t.OverageChars, &t.CostCents)
	return t, err
}

// GetUserStripeCustomerID returns the user's Stripe customer id, nil if the
// checkout flow has not created one yet.
func (s *Store) GetUserStripeCustomerID(ctx context.Context, userID string) (*string, error) {
	var customerID *string
	err := s.db.QueryRow(ctx, `
		SELECT stripe_customer_id FROM users WHERE id = $1
	`, userID).Scan(&customerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return customerID, err
}

// BillingPeriod formats the month key used on ledger rows ("2026-08").
func BillingPeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// CurrentBillingPeriod derives the ledger key for the billing period ending
// at periodResetsAt. Periods are anchored to the subscription date, not the
// calendar, so the key is the month the period started in; readers and
// writers must both derive it from the quota row or they key different
// months for mid-month anchors.
func CurrentBillingPeriod(periodResetsAt time.Time) string {
	return BillingPeriod(periodResetsAt.AddDate(0, -1, 0))
}
