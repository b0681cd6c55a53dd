package tts

import (
	"context"
	"errors"
)

// ErrProvider wraps every failure of the synthesis provider: transport
// errors, non-200 responses, and accepted-but-empty responses. The pipeline
// does not retry these; a failed chunk fails the chapter and the job.
var ErrProvider = errors.New("synthesis provider error")

// VoiceConfig selects the voice for a synthesis request.
type VoiceConfig struct {
	VoiceID      string // provider voice name, e.g. "en-US-Wavenet-F"
	LanguageCode string // BCP-47 code, e.g. "en-US"
	SpeakingRate float64 // 0 means the provider default (1.0)
}

// Client defines the interface for text-to-speech providers.
type Client interface {
	// Synthesize converts one text segment to audio and returns the raw
	// encoded bytes (MP3). The segment must already be within the
	// provider's per-request byte limit.
	Synthesize(ctx context.Context, text string, voice VoiceConfig) ([]byte, error)
}
