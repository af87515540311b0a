package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultElevenLabsURL   = "https://api.elevenlabs.io"
	DefaultElevenLabsVoice = "pNInz6obpgDQGcFmaJgB"
	elevenLabsModel        = "eleven_monolingual_v1"
	maxSpeechBytes         = 10 << 20
)

// ElevenLabs is the premium voice, only used when enabled by flag.
type ElevenLabs struct {
	APIKey  string
	VoiceID string
	BaseURL string
	Enabled bool
	Client  *http.Client
}

func NewElevenLabs(apiKey, voiceID string, enabled bool) *ElevenLabs {
	if voiceID == "" {
		voiceID = DefaultElevenLabsVoice
	}
	return &ElevenLabs{
		APIKey:  apiKey,
		VoiceID: voiceID,
		BaseURL: DefaultElevenLabsURL,
		Enabled: enabled,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *ElevenLabs) Info() Info {
	return Info{Name: "elevenlabs", Cost: CostPaid, Quality: QualityPremium}
}

func (e *ElevenLabs) Available(context.Context) bool {
	return e != nil && e.Enabled && e.APIKey != ""
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

func (e *ElevenLabs) Run(ctx context.Context, req SpeechRequest) (Speech, error) {
	body, err := json.Marshal(elevenLabsRequest{
		Text:    req.Text,
		ModelID: elevenLabsModel,
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.5,
			Style:           0.0,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return Speech{}, err
	}

	url := strings.TrimRight(e.BaseURL, "/") + "/v1/text-to-speech/" + e.VoiceID
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Speech{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("xi-api-key", e.APIKey)

	resp, err := e.Client.Do(httpReq)
	if err != nil {
		return Speech{}, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Speech{}, fmt.Errorf("elevenlabs http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSpeechBytes))
	if err != nil {
		return Speech{}, fmt.Errorf("read elevenlabs speech: %w", err)
	}
	return writeSpeech(req.Dir, ".mp3", "audio/mpeg", data)
}
