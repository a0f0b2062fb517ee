// Package openaispeech implements tts.Client using the OpenAI audio/speech
// REST endpoint: a one-shot request that returns the entire utterance as
// raw PCM in a single response body. There is no incremental streaming
// variant on this endpoint, so SynthesizeStream emits the whole buffer as
// one chunk.
package openaispeech

import (
	"context"
	"errors"
	"fmt"
	"io"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/callwire/callwire/internal/errs"
	"github.com/callwire/callwire/pkg/tts"
)

const defaultModel = "tts-1"

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the OpenAI TTS model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base URL, for testing.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider implements tts.Client using the OpenAI audio/speech endpoint.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New constructs a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openaispeech: apiKey must not be empty")
	}
	p := &Provider{apiKey: apiKey, model: defaultModel}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Provider) client() *oai.Client {
	opts := []option.RequestOption{option.WithAPIKey(p.apiKey)}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	c := oai.NewClient(opts...)
	return &c
}

// Synthesize implements tts.Client. Requests raw 24kHz linear PCM from the
// audio/speech endpoint.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = "alloy"
	}

	resp, err := p.client().Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voiceID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, errs.NewProviderError("openaispeech", fmt.Errorf("synthesize: %w", err))
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.NewProviderError("openaispeech", fmt.Errorf("read response: %w", err))
	}
	return pcm, nil
}

// SynthesizeStream implements tts.Client. The underlying REST endpoint has
// no incremental mode, so the entire utterance is synthesized first and
// delivered as a single chunk.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan []byte, error) {
	pcm, err := p.Synthesize(ctx, text, voice)
	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, 1)
	ch <- pcm
	close(ch)
	return ch, nil
}
