package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/storyloom/backend/internal/voices"
)

func TestHandleListVoices(t *testing.T) {
	r := testRouter()

	t.Run("full catalog", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/voices", nil)
		rec := httptest.NewRecorder()
		r.handleListVoices(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var body struct {
			Voices []voices.Profile `json:"voices"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
		if len(body.Voices) != len(voices.List(voices.Filter{})) {
			t.Errorf("returned %d voices, want the whole catalog", len(body.Voices))
		}
	})

	t.Run("filtered by tier and language", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/voices?pricing_tier=basic&language=en-US", nil)
		rec := httptest.NewRecorder()
		r.handleListVoices(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var body struct {
			Voices []voices.Profile `json:"voices"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
		if len(body.Voices) == 0 {
			t.Fatal("expected at least one en-US basic voice")
		}
		for _, v := range body.Voices {
			if v.Pricing != voices.PricingBasic || v.LanguageCode != "en-US" {
				t.Errorf("voice %s does not match filter: %+v", v.ID, v)
			}
		}
	})

	t.Run("invalid tier", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/voices?pricing_tier=platinum", nil)
		rec := httptest.NewRecorder()
		r.handleListVoices(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}
