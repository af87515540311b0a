package providers

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"
)

const (
	DefaultGeminiTTSModel = "gemini-2.5-flash-preview-tts"
	DefaultGeminiVoice    = "Kore"
	geminiPCMRate         = 24000
)

// GeminiSpeech uses the Gemini API's native audio output.
type GeminiSpeech struct {
	client *genai.Client
	model  string
	voice  string
}

// NewGeminiSpeech creates the client. An empty baseURL uses the SDK default.
func NewGeminiSpeech(ctx context.Context, apiKey, baseURL, model, voice string) (*GeminiSpeech, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = DefaultGeminiTTSModel
	}
	if voice == "" {
		voice = DefaultGeminiVoice
	}
	return &GeminiSpeech{client: c, model: model, voice: voice}, nil
}

func (g *GeminiSpeech) Info() Info {
	return Info{Name: "gemini", Cost: CostPaid, Quality: QualityGood}
}

func (g *GeminiSpeech) Available(context.Context) bool {
	return g != nil && g.client != nil
}

func (g *GeminiSpeech) Run(ctx context.Context, req SpeechRequest) (Speech, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Text), &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: g.voice},
			},
		},
	})
	if err != nil {
		return Speech{}, err
	}
	blob := firstInlineData(resp)
	if blob == nil {
		return Speech{}, errEmptyAudio
	}

	mime := strings.ToLower(blob.MIMEType)
	switch {
	case strings.HasPrefix(mime, "audio/l16"), strings.HasPrefix(mime, "audio/pcm"), mime == "":
		return writeSpeech(req.Dir, ".wav", "audio/wav", pcmToWAV(blob.Data, pcmRate(mime, geminiPCMRate), 1))
	case strings.HasPrefix(mime, "audio/mpeg"):
		return writeSpeech(req.Dir, ".mp3", "audio/mpeg", blob.Data)
	default:
		return writeSpeech(req.Dir, ".wav", blob.MIMEType, blob.Data)
	}
}

func firstInlineData(resp *genai.GenerateContentResponse) *genai.Blob {
	if resp == nil {
		return nil
	}
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if p != nil && p.InlineData != nil && len(p.InlineData.Data) > 0 {
				return p.InlineData
			}
		}
	}
	return nil
}
