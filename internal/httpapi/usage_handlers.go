package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/storyloom/backend/internal/store"
)

// handleGetUsage returns the user's quota state plus this billing period's
// ledger totals.
func (r *Router) handleGetUsage(w http.ResponseWriter, req *http.Request) {
	user := getAuthUser(req.Context())
	if user == nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	quota, err := r.store.GetQuota(req.Context(), user.ID)
	if errors.Is(err, store.ErrNoSubscription) {
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "no active subscription"})
		return
	}
	if err != nil {
		captureError(req, err, "fetching quota")
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}

	// Ledger rows are keyed by the month the billing period started in, so
	// the key has to come from the quota anchor, not the calendar month.
	period := store.CurrentBillingPeriod(quota.PeriodResetsAt)
	totals, err := r.store.GetPeriodUsageTotals(req.Context(), user.ID, period)
	if err != nil {
		captureError(req, err, "fetching usage totals")
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}

	remaining := quota.CharacterLimit - quota.CharactersUsed
	if remaining < 0 {
		remaining = 0
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pricing_tier":         quota.Tier,
		"character_limit":      quota.CharacterLimit,
		"characters_used":      quota.CharactersUsed,
		"characters_remaining": remaining,
		"period_resets_at":     quota.PeriodResetsAt.Format(time.RFC3339),
		"billing_period":       period,
		"period_totals":        totals,
	})
}
