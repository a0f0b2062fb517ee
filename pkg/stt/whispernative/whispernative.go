// Package whispernative implements stt.Provider using the whisper.cpp Go
// bindings (CGO), for on-prem/offline deployments where no cloud recognizer
// is acceptable. It buffers inbound μ-law-decoded PCM and runs inference at
// each detected end-of-utterance silence, presenting a batched recognizer
// behind the same streaming stt.Session contract the WebSocket backends use.
package whispernative

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/callwire/callwire/internal/errs"
	"github.com/callwire/callwire/pkg/audio"
	"github.com/callwire/callwire/pkg/stt"
)

const (
	bitsPerSample       = 16
	rmsSilenceThreshold = 300.0
	sampleRate          = 8000 // carrier wire rate; audio arrives as 8kHz mu-law
	maxBufferDurationMs = 10_000
)

// Provider implements stt.Provider using whisper.cpp Go bindings. The model
// is loaded once and shared across all sessions.
type Provider struct {
	model    whisperlib.Model
	language string
}

// New loads the whisper.cpp model at modelPath. The caller must call Close
// when the provider is no longer needed.
func New(modelPath string, language string) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whispernative: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispernative: load model %q: %w", modelPath, err)
	}
	if language == "" {
		language = "en"
	}
	return &Provider{model: model, language: language}, nil
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Connect implements stt.Provider.
func (p *Provider) Connect(ctx context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	cfg = cfg.WithDefaults()

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	s := &session{
		model:     p.model,
		language:  lang,
		silenceMs: int(cfg.EndOfUtteranceSilence.Milliseconds()),
		audioCh:   make(chan []byte, 256),
		finals:    make(chan string, 8),
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

// session implements stt.Session. All mutable buffering/silence-detection
// state is confined to the processLoop goroutine.
type session struct {
	model     whisperlib.Model
	language  string
	silenceMs int

	audioCh chan []byte
	finals  chan string

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio implements stt.Session. chunk is raw μ-law carrier audio; it is
// decoded to linear PCM before buffering.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("whispernative: session is closed")
	default:
	}
	pcm := audio.MulawToPCM(chunk)
	select {
	case s.audioCh <- pcm:
		return nil
	case <-s.done:
		return errors.New("whispernative: session is closed")
	}
}

// WaitForTranscript implements stt.Session.
func (s *session) WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case text, ok := <-s.finals:
		if !ok {
			return "", errors.New("whispernative: session closed before transcript arrived")
		}
		return text, nil
	case <-timer.C:
		return "", errs.NewTranscriptTimeout("")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close implements stt.Session. Idempotent.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.finals)

	var (
		buffer    []byte
		hadSpeech bool
		silenceMs int
	)

	const bytesPerMs = sampleRate * (bitsPerSample / 8) / 1000
	maxBufferBytes := maxBufferDurationMs * bytesPerMs

	flush := func() {
		if len(buffer) == 0 || !hadSpeech {
			buffer, hadSpeech, silenceMs = nil, false, 0
			return
		}

		pcm := buffer
		buffer, hadSpeech, silenceMs = nil, false, 0

		text, err := s.infer(pcm)
		if err != nil {
			slog.Error("whispernative inference failed", "error", err)
			return
		}
		if text == "" {
			return
		}

		select {
		case s.finals <- text:
		case <-s.done:
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case <-s.done:
			flush()
			return

		case chunk, ok := <-s.audioCh:
			if !ok {
				flush()
				return
			}

			rms := computeRMS(chunk)
			chunkMs := chunkDurationMs(chunk, sampleRate)

			if rms < rmsSilenceThreshold {
				if hadSpeech {
					silenceMs += chunkMs
					buffer = append(buffer, chunk...)
					if silenceMs >= s.silenceMs {
						flush()
					}
				}
			} else {
				hadSpeech = true
				silenceMs = 0
				buffer = append(buffer, chunk...)
				if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
					flush()
				}
			}
		}
	}
}

func (s *session) infer(pcm []byte) (string, error) {
	samples := pcmToFloat32Mono(pcm)

	wctx, err := s.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whispernative: create context: %w", err)
	}

	if err := wctx.SetLanguage(s.language); err != nil {
		slog.Warn("whispernative: failed to set language, using default", "language", s.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whispernative: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whispernative: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

// pcmToFloat32Mono converts 16-bit little-endian signed PCM to the
// normalized float32 samples whisper.cpp expects.
func pcmToFloat32Mono(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		out[i] = float32(sample) / 32768.0
	}
	return out
}

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// chunkDurationMs returns the duration of a mono PCM chunk in milliseconds.
func chunkDurationMs(chunk []byte, rate int) int {
	if rate <= 0 {
		return 0
	}
	bytesPerSec := rate * (bitsPerSample / 8)
	return len(chunk) * 1000 / bytesPerSec
}
