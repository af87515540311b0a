package providers

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAISpeech uses the OpenAI speech endpoint.
type OpenAISpeech struct {
	client openai.Client
	voice  openai.AudioSpeechNewParamsVoice
}

// NewOpenAISpeech creates the client. An empty baseURL uses api.openai.com.
func NewOpenAISpeech(apiKey, baseURL, voice string) (*OpenAISpeech, error) {
	if apiKey == "" {
		return nil, errors.New("openai: empty api key")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	v := openai.AudioSpeechNewParamsVoiceAlloy
	if voice != "" {
		v = openai.AudioSpeechNewParamsVoice(voice)
	}
	return &OpenAISpeech{client: openai.NewClient(opts...), voice: v}, nil
}

func (o *OpenAISpeech) Info() Info {
	return Info{Name: "openai", Cost: CostPaid, Quality: QualityGood}
}

func (o *OpenAISpeech) Available(context.Context) bool {
	return o != nil
}

func (o *OpenAISpeech) Run(ctx context.Context, req SpeechRequest) (Speech, error) {
	resp, err := o.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModelTTS1,
		Input:          req.Text,
		Voice:          o.voice,
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return Speech{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSpeechBytes))
	if err != nil {
		return Speech{}, fmt.Errorf("read openai speech: %w", err)
	}
	return writeSpeech(req.Dir, ".mp3", "audio/mpeg", data)
}
