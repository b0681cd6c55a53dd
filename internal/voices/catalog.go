// Package voices provides the static catalog of synthesis voices offered
// for audiobook generation.
package voices

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownVoice is returned when a voice id is not in the catalog.
var ErrUnknownVoice = errors.New("unknown voice")

// QualityTier is the synthesis technology grade of a voice.
type QualityTier string

const (
	QualityStandard QualityTier = "standard"
	QualityWavenet  QualityTier = "wavenet"
	QualityNeural2  QualityTier = "neural2"
	QualityStudio   QualityTier = "studio"
)

// ParseQualityTier validates a quality tier received from a client.
func ParseQualityTier(s string) (QualityTier, error) {
	switch QualityTier(s) {
	case QualityStandard, QualityWavenet, QualityNeural2, QualityStudio:
		return QualityTier(s), nil
	}
	return "", fmt.Errorf("invalid quality tier %q", s)
}

// PricingTier is the billing category of a voice. It determines the
// per-character rate applied to overage usage.
type PricingTier string

const (
	PricingBasic   PricingTier = "basic"
	PricingPremium PricingTier = "premium"
	PricingStudio  PricingTier = "studio"
)

// ParsePricingTier validates a pricing tier received from a client.
func ParsePricingTier(s string) (PricingTier, error) {
	switch PricingTier(s) {
	case PricingBasic, PricingPremium, PricingStudio:
		return PricingTier(s), nil
	}
	return "", fmt.Errorf("invalid pricing tier %q", s)
}

// Gender of a synthesis voice as reported by the provider.
type Gender string

const (
	GenderFemale Gender = "female"
	GenderMale   Gender = "male"
)

// Profile describes one voice in the catalog. Profiles are immutable;
// the catalog is never mutated at runtime.
type Profile struct {
	ID           string      `json:"id"`
	LanguageCode string      `json:"language_code"`
	Gender       Gender      `json:"gender"`
	Quality      QualityTier `json:"quality_tier"`
	Pricing      PricingTier `json:"pricing_tier"`
}

// catalog maps voice id to its profile. Voice ids follow the Google Cloud
// Text-to-Speech naming scheme (language-Family-Variant); the quality tier
// is redundant with the id but kept explicit so nothing parses voice names.
var catalog = map[string]Profile{
	"en-US-Standard-C": {ID: "en-US-Standard-C", LanguageCode: "en-US", Gender: GenderFemale, Quality: QualityStandard, Pricing: PricingBasic},
	"en-US-Standard-D": {ID: "en-US-Standard-D", LanguageCode: "en-US", Gender: GenderMale, Quality: QualityStandard, Pricing: PricingBasic},
	"en-US-Wavenet-F":  {ID: "en-US-Wavenet-F", LanguageCode: "en-US", Gender: GenderFemale, Quality: QualityWavenet, Pricing: PricingPremium},
	"en-US-Wavenet-D":  {ID: "en-US-Wavenet-D", LanguageCode: "en-US", Gender: GenderMale, Quality: QualityWavenet, Pricing: PricingPremium},
	"en-US-Neural2-F":  {ID: "en-US-Neural2-F", LanguageCode: "en-US", Gender: GenderFemale, Quality: QualityNeural2, Pricing: PricingPremium},
	"en-US-Neural2-J":  {ID: "en-US-Neural2-J", LanguageCode: "en-US", Gender: GenderMale, Quality: QualityNeural2, Pricing: PricingPremium},
	"en-US-Studio-O":   {ID: "en-US-Studio-O", LanguageCode: "en-US", Gender: GenderFemale, Quality: QualityStudio, Pricing: PricingStudio},
	"en-US-Studio-Q":   {ID: "en-US-Studio-Q", LanguageCode: "en-US", Gender: GenderMale, Quality: QualityStudio, Pricing: PricingStudio},
	"en-GB-Standard-A": {ID: "en-GB-Standard-A", LanguageCode: "en-GB", Gender: GenderFemale, Quality: QualityStandard, Pricing: PricingBasic},
	"en-GB-Standard-B": {ID: "en-GB-Standard-B", LanguageCode: "en-GB", Gender: GenderMale, Quality: QualityStandard, Pricing: PricingBasic},
	"en-GB-Wavenet-A":  {ID: "en-GB-Wavenet-A", LanguageCode: "en-GB", Gender: GenderFemale, Quality: QualityWavenet, Pricing: PricingPremium},
	"en-GB-Neural2-B":  {ID: "en-GB-Neural2-B", LanguageCode: "en-GB", Gender: GenderMale, Quality: QualityNeural2, Pricing: PricingPremium},
	"de-DE-Standard-A": {ID: "de-DE-Standard-A", LanguageCode: "de-DE", Gender: GenderFemale, Quality: QualityStandard, Pricing: PricingBasic},
	"de-DE-Wavenet-B":  {ID: "de-DE-Wavenet-B", LanguageCode: "de-DE", Gender: GenderMale, Quality: QualityWavenet, Pricing: PricingPremium},
	"fr-FR-Standard-A": {ID: "fr-FR-Standard-A", LanguageCode: "fr-FR", Gender: GenderFemale, Quality: QualityStandard, Pricing: PricingBasic},
	"fr-FR-Neural2-D":  {ID: "fr-FR-Neural2-D", LanguageCode: "fr-FR", Gender: GenderMale, Quality: QualityNeural2, Pricing: PricingPremium},
	"cs-CZ-Standard-A": {ID: "cs-CZ-Standard-A", LanguageCode: "cs-CZ", Gender: GenderFemale, Quality: QualityStandard, Pricing: PricingBasic},
	"cs-CZ-Wavenet-A":  {ID: "cs-CZ-Wavenet-A", LanguageCode: "cs-CZ", Gender: GenderFemale, Quality: QualityWavenet, Pricing: PricingPremium},
}

// Lookup returns the profile for a voice id.
func Lookup(id string) (Profile, error) {
	p, ok := catalog[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownVoice, id)
	}
	return p, nil
}

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	Pricing  PricingTier
	Language string
}

// List returns catalog profiles matching the filter, sorted by id.
func List(f Filter) []Profile {
	out := make([]Profile, 0, len(catalog))
	for _, p := range catalog {
		if f.Pricing != "" && p.Pricing != f.Pricing {
			continue
		}
		if f.Language != "" && p.LanguageCode != f.Language {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
