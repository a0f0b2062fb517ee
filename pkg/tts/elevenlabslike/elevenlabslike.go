// Package elevenlabslike implements tts.Client against an ElevenLabs-shaped
// streaming WebSocket synthesis API: an initial "begin of input" handshake
// carrying the API key and voice settings, then one text frame per
// utterance, then a flush. Audio is streamed back as base64 PCM.
package elevenlabslike

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"

	"github.com/callwire/callwire/internal/errs"
	"github.com/callwire/callwire/pkg/tts"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_24000"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the synthesis model ID.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithEndpointFormat overrides the WebSocket endpoint format string, for
// testing. It must contain two %s verbs: voice ID, then model ID.
func WithEndpointFormat(format string) Option {
	return func(p *Provider) { p.endpointFmt = format }
}

// Provider implements tts.Client backed by an ElevenLabs-shaped streaming
// synthesis API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	endpointFmt  string
}

// New constructs a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabslike: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpointFmt:  wsEndpointFmt,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
}

// SynthesizeStream implements tts.Client.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabslike: voice.ID must not be empty")
	}

	wsURL := fmt.Sprintf(p.endpointFmt, voice.ID, p.model)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, errs.NewProviderError("elevenlabslike", fmt.Errorf("dial: %w", err))
	}

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	boi := boiMessage{Text: " ", VoiceSettings: vs, XiAPIKey: p.apiKey, OutputFormat: p.outputFormat}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, errs.NewProviderError("elevenlabslike", fmt.Errorf("send boi: %w", err))
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var resp audioResponse
				if err := json.Unmarshal(msg, &resp); err != nil {
					continue
				}
				if resp.Audio == "" {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
				if err != nil {
					continue
				}
				select {
				case audioCh <- pcm:
				case <-ctx.Done():
					return
				}
			}
		}()

		payload := textMessage{Text: text}
		payloadBytes, _ := json.Marshal(payload)
		if err := conn.Write(ctx, websocket.MessageText, payloadBytes); err != nil {
			return
		}

		flushBytes, _ := json.Marshal(textMessage{Text: ""})
		_ = conn.Write(ctx, websocket.MessageText, flushBytes)

		select {
		case <-readDone:
		case <-ctx.Done():
		}
	}()

	return audioCh, nil
}

// Synthesize implements tts.Client by draining SynthesizeStream into a
// single buffer.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	chunks, err := p.SynthesizeStream(ctx, text, voice)
	if err != nil {
		return nil, err
	}
	var out []byte
	for chunk := range chunks {
		out = append(out, chunk...)
	}
	return out, nil
}
