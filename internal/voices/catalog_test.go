package voices

import (
	"errors"
	"testing"
)

func TestLookup(t *testing.T) {
	p, err := Lookup("en-US-Wavenet-F")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if p.LanguageCode != "en-US" {
		t.Errorf("language = %q, want %q", p.LanguageCode, "en-US")
	}
	if p.Quality != QualityWavenet {
		t.Errorf("quality = %q, want %q", p.Quality, QualityWavenet)
	}
	if p.Pricing != PricingPremium {
		t.Errorf("pricing = %q, want %q", p.Pricing, PricingPremium)
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("en-US-Robot-Z")
	if !errors.Is(err, ErrUnknownVoice) {
		t.Errorf("err = %v, want ErrUnknownVoice", err)
	}
}

func TestListFilters(t *testing.T) {
	all := List(Filter{})
	if len(all) != len(catalog) {
		t.Errorf("unfiltered list has %d entries, want %d", len(all), len(catalog))
	}

	// Sorted by id.
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID {
			t.Errorf("list not sorted: %q before %q", all[i-1].ID, all[i].ID)
		}
	}

	basic := List(Filter{Pricing: PricingBasic})
	if len(basic) == 0 {
		t.Fatal("no basic voices in catalog")
	}
	for _, p := range basic {
		if p.Pricing != PricingBasic {
			t.Errorf("voice %s has pricing %q in basic-filtered list", p.ID, p.Pricing)
		}
	}

	czech := List(Filter{Language: "cs-CZ"})
	for _, p := range czech {
		if p.LanguageCode != "cs-CZ" {
			t.Errorf("voice %s has language %q in cs-CZ-filtered list", p.ID, p.LanguageCode)
		}
	}
}

func TestCatalogConsistency(t *testing.T) {
	// The map key must match the profile id, and quality must map to the
	// expected pricing tier (standard=basic, wavenet/neural2=premium,
	// studio=studio).
	for id, p := range catalog {
		if id != p.ID {
			t.Errorf("catalog key %q != profile id %q", id, p.ID)
		}
		var want PricingTier
		switch p.Quality {
		case QualityStandard:
			want = PricingBasic
		case QualityWavenet, QualityNeural2:
			want = PricingPremium
		case QualityStudio:
			want = PricingStudio
		default:
			t.Errorf("voice %s has unrecognized quality %q", id, p.Quality)
			continue
		}
		if p.Pricing != want {
			t.Errorf("voice %s: pricing = %q, want %q for quality %q", id, p.Pricing, want, p.Quality)
		}
	}
}

func TestParseTiers(t *testing.T) {
	if _, err := ParseQualityTier("wavenet"); err != nil {
		t.Errorf("ParseQualityTier(wavenet) failed: %v", err)
	}
	if _, err := ParseQualityTier("hd"); err == nil {
		t.Error("ParseQualityTier(hd) should fail")
	}
	if _, err := ParsePricingTier("studio"); err != nil {
		t.Errorf("ParsePricingTier(studio) failed: %v", err)
	}
	if _, err := ParsePricingTier("free"); err == nil {
		t.Error("ParsePricingTier(free) should fail")
	}
}
