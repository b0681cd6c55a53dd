// Package costs provides cost calculation for synthesized audio characters.
package costs

import (
	"fmt"
	"os"
	"strconv"

	"github.com/storyloom/backend/internal/voices"
)

// Pricing constants (in cents per million characters for precision).
// These track the provider's published rates and can be overridden via
// environment variables.
var (
	// BasicCentsPerMillionChars is the rate for standard-quality voices.
	// Default: $4/million chars = 400 cents/million
	BasicCentsPerMillionChars = getEnvFloat("COST_BASIC_CENTS_PER_MILLION", 400.0)

	// PremiumCentsPerMillionChars is the rate for WaveNet and Neural2 voices.
	// Default: $16/million chars = 1600 cents/million
	PremiumCentsPerMillionChars = getEnvFloat("COST_PREMIUM_CENTS_PER_MILLION", 1600.0)

	// StudioCentsPerMillionChars is the rate for studio-quality voices.
	// Default: $160/million chars = 16000 cents/million
	StudioCentsPerMillionChars = getEnvFloat("COST_STUDIO_CENTS_PER_MILLION", 16000.0)
)

// RatePerMillionCents returns the per-million-character rate in cents for a
// pricing tier. Unknown tiers are an error rather than a zero rate so a bad
// tier can never produce a free job.
func RatePerMillionCents(tier voices.PricingTier) (float64, error) {
	switch tier {
	case voices.PricingBasic:
		return BasicCentsPerMillionChars, nil
	case voices.PricingPremium:
		return PremiumCentsPerMillionChars, nil
	case voices.PricingStudio:
		return StudioCentsPerMillionChars, nil
	}
	return 0, fmt.Errorf("no rate for pricing tier %q", tier)
}

// CharacterCostCents computes the cost in cents of synthesizing
// characterCount characters at the given pricing tier, rounded to the
// nearest cent (we store costs as integers).
func CharacterCostCents(characterCount int, tier voices.PricingTier) (int, error) {
	rate, err := RatePerMillionCents(tier)
	if err != nil {
		return 0, err
	}
	cents := (float64(characterCount) / 1000000.0) * rate
	return roundToInt(cents), nil
}

// roundToInt rounds a float to the nearest integer.
func roundToInt(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
