package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const googleTTSEndpoint = "https://texttospeech.googleapis.com/v1/text:synthesize"

// GoogleClient implements the Client interface using Google Cloud
// Text-to-Speech's REST API.
type GoogleClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// GoogleConfig holds configuration for the Google TTS client.
type GoogleConfig struct {
	APIKey     string
	HTTPClient *http.Client // shared pooled client; nil uses http.DefaultClient
}

// NewGoogleClient creates a new Google Cloud TTS client.
func NewGoogleClient(cfg GoogleConfig) *GoogleClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GoogleClient{
		apiKey:     cfg.APIKey,
		endpoint:   googleTTSEndpoint,
		httpClient: httpClient,
	}
}

// synthesizeRequest represents a Google TTS synthesize request.
type synthesizeRequest struct {
	Input struct {
		Text string `json:"text"`
	} `json:"input"`
	Voice struct {
		LanguageCode string `json:"languageCode"`
		Name         string `json:"name"`
	} `json:"voice"`
	AudioConfig struct {
		AudioEncoding string  `json:"audioEncoding"`
		SpeakingRate  float64 `json:"speakingRate,omitempty"`
	} `json:"audioConfig"`
}

// synthesizeResponse carries the base64-encoded audio from the provider.
type synthesizeResponse struct {
	AudioContent string `json:"audioContent"`
}

// Synthesize converts one text segment to MP3 audio bytes. MP3 frames
// concatenate into a valid stream, which is what lets the assembler join
// per-segment results without re-encoding.
func (c *GoogleClient) Synthesize(ctx context.Context, text string, voice VoiceConfig) ([]byte, error) {
	var req synthesizeRequest
	req.Input.Text = text
	req.Voice.LanguageCode = voice.LanguageCode
	req.Voice.Name = voice.VoiceID
	req.AudioConfig.AudioEncoding = "MP3"
	req.AudioConfig.SpeakingRate = voice.SpeakingRate

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.endpoint + "?key=" + c.apiKey
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: %s - %s", ErrProvider, resp.Status, string(respBody))
	}

	var out synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrProvider, err)
	}
	if out.AudioContent == "" {
		return nil, fmt.Errorf("%w: empty response", ErrProvider)
	}

	audio, err := base64.StdEncoding.DecodeString(out.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid audio encoding: %v", ErrProvider, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrProvider)
	}
	return audio, nil
}
