// Package deepgramlike implements stt.Provider against a Deepgram-shaped
// streaming WebSocket recognition API: dial with query-string configuration,
// write raw audio as binary frames, read back JSON "Results" events.
package deepgramlike

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/callwire/callwire/internal/errs"
	"github.com/callwire/callwire/pkg/stt"
)

const (
	defaultEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the recognizer model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithEndpoint overrides the streaming endpoint, for testing.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements stt.Provider backed by a Deepgram-shaped streaming
// recognition API.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
}

// New constructs a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgramlike: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Connect implements stt.Provider.
func (p *Provider) Connect(ctx context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	cfg = cfg.WithDefaults()

	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, errs.NewProviderError("deepgramlike", fmt.Errorf("build url: %w", err))
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, errs.NewProviderError("deepgramlike", fmt.Errorf("dial: %w", err))
	}

	readCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		finals: make(chan string, 8),
		audio:  make(chan []byte, 256),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	sess.wg.Add(2)
	go sess.readLoop(readCtx)
	go sess.writeLoop(ctx)

	return sess, nil
}

func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = 8000
	}

	q := u.Query()
	q.Set("model", p.model)
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("punctuate", "true")
	q.Set("endpointing", strconv.FormatInt(cfg.EndOfUtteranceSilence.Milliseconds(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type resultsEvent struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session implements stt.Session for a live Deepgram-shaped connection.
type session struct {
	conn   *websocket.Conn
	finals chan string
	audio  chan []byte

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// SendAudio implements stt.Session. Never blocks on network I/O.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgramlike: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgramlike: session is closed")
	}
}

// WaitForTranscript implements stt.Session.
func (s *session) WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case text, ok := <-s.finals:
		if !ok {
			return "", errors.New("deepgramlike: session closed before transcript arrived")
		}
		return text, nil
	case <-timer.C:
		return "", errs.NewTranscriptTimeout("")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close implements stt.Session. Idempotent.
//
// readLoop blocks on conn.Read using a context private to this session
// rather than the Connect-time one, so Close can cancel it directly instead
// of trusting the remote end to send a close frame back after CloseStream —
// a hung or unresponsive backend would otherwise leave wg.Wait below
// blocked forever.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		var ev resultsEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		if ev.Type != "Results" || !ev.IsFinal || len(ev.Channel.Alternatives) == 0 {
			continue
		}
		text := ev.Channel.Alternatives[0].Transcript
		if text == "" {
			continue
		}

		select {
		case s.finals <- text:
		case <-s.done:
			return
		}
	}
}
