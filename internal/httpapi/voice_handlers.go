package httpapi

import (
	"net/http"

	"github.com/storyloom/backend/internal/voices"
)

// handleListVoices returns the voice catalog, optionally narrowed by
// pricing_tier and/or language query parameters.
func (r *Router) handleListVoices(w http.ResponseWriter, req *http.Request) {
	var filter voices.Filter

	if s := req.URL.Query().Get("pricing_tier"); s != "" {
		tier, err := voices.ParsePricingTier(s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		filter.Pricing = tier
	}
	filter.Language = req.URL.Query().Get("language")

	writeJSON(w, http.StatusOK, map[string]any{"voices": voices.List(filter)})
}
