package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/callwire/callwire/internal/errs"
	"github.com/callwire/callwire/pkg/carrier"
	"github.com/callwire/callwire/pkg/stt"
	"github.com/callwire/callwire/pkg/tts"
)

// mockCarrier is a hand-written carrier.Provider test double.
type mockCarrier struct {
	mu sync.Mutex

	placeCallHandle string
	placeCallErr    error
	placeCallCalls  []carrier.PlaceCallInput

	hangupErr   error
	hangupCalls []string
}

func (c *mockCarrier) Name() string { return "mockcarrier" }

func (c *mockCarrier) PlaceCall(ctx context.Context, in carrier.PlaceCallInput) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.placeCallCalls = append(c.placeCallCalls, in)
	if c.placeCallErr != nil {
		return "", c.placeCallErr
	}
	handle := c.placeCallHandle
	if handle == "" {
		handle = "handle-1"
	}
	return handle, nil
}

func (c *mockCarrier) StreamingXML(websocketURL string) string {
	return carrier.StreamingXMLTemplate(websocketURL)
}

func (c *mockCarrier) StartStream(ctx context.Context, handle, websocketURL string) error {
	return nil
}

func (c *mockCarrier) Hangup(ctx context.Context, handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangupCalls = append(c.hangupCalls, handle)
	return c.hangupErr
}

func (c *mockCarrier) VerifySignature(fullURL string, headers http.Header, rawBody []byte) bool {
	return true
}

func (c *mockCarrier) ParseControlEvent(rawBody []byte, headers http.Header) (carrier.ControlEvent, error) {
	return carrier.EventIrrelevant, nil
}

func (c *mockCarrier) ExtractHandle(rawBody []byte) string {
	return ""
}

func (c *mockCarrier) hangupCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hangupCalls)
}

// mockSTTSession is a hand-written stt.Session test double. transcripts is
// drained in order by successive WaitForTranscript calls; a zero-value
// transcript entry with a non-nil err is returned verbatim.
type mockSTTSession struct {
	mu          sync.Mutex
	transcripts []sttResult
	closed      bool
	closeErr    error
	sentAudio   int
	blockUntil  chan struct{} // optional: when set, WaitForTranscript blocks until closed or ctx done
}

type sttResult struct {
	text string
	err  error
}

func (s *mockSTTSession) SendAudio(chunk []byte) error {
	s.mu.Lock()
	s.sentAudio++
	s.mu.Unlock()
	return nil
}

func (s *mockSTTSession) WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error) {
	s.mu.Lock()
	block := s.blockUntil
	var next sttResult
	hasNext := len(s.transcripts) > 0
	if hasNext {
		next = s.transcripts[0]
		s.transcripts = s.transcripts[1:]
	}
	s.mu.Unlock()

	if !hasNext {
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(timeout):
			}
		}
		return "", errs.NewTranscriptTimeout("")
	}
	return next.text, next.err
}

func (s *mockSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

func (s *mockSTTSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// mockSTTProvider is a hand-written stt.Provider test double.
type mockSTTProvider struct {
	mu         sync.Mutex
	session    *mockSTTSession
	connectErr error
	connectN   int
}

func (p *mockSTTProvider) Connect(ctx context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectN++
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	if p.session == nil {
		p.session = &mockSTTSession{}
	}
	return p.session, nil
}

// mockTTSClient is a hand-written tts.Client test double.
type mockTTSClient struct {
	mu sync.Mutex

	pcm         []byte
	synthErr    error
	streamErr   error
	streamChunk []byte

	synthesizeCalls int
	streamCalls     int
}

func (c *mockTTSClient) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	c.mu.Lock()
	c.synthesizeCalls++
	c.mu.Unlock()
	if c.synthErr != nil {
		return nil, c.synthErr
	}
	pcm := c.pcm
	if pcm == nil {
		pcm = make([]byte, 4800) // 100ms of 24kHz 16-bit mono silence
	}
	return pcm, nil
}

func (c *mockTTSClient) SynthesizeStream(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan []byte, error) {
	c.mu.Lock()
	c.streamCalls++
	c.mu.Unlock()
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	chunk := c.streamChunk
	if chunk == nil {
		chunk = make([]byte, 4800)
	}
	ch := make(chan []byte, 1)
	ch <- chunk
	close(ch)
	return ch, nil
}

// mockOutboundSocket is a hand-written session.OutboundSocket test double.
type mockOutboundSocket struct {
	mu     sync.Mutex
	frames [][]byte
	sendErr error
	closed bool
}

func (s *mockOutboundSocket) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

func (s *mockOutboundSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *mockOutboundSocket) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}
