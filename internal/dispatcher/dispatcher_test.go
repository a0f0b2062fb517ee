package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/callwire/callwire/internal/errs"
	"github.com/callwire/callwire/internal/session"
	"github.com/callwire/callwire/pkg/carrier"
	"github.com/callwire/callwire/pkg/stt"
	"github.com/callwire/callwire/pkg/tts"
)

type fakeCarrier struct {
	placeCallHandle string
	placeCallErr    error
	hangupErr       error
	onPlaceCall     func(carrier.PlaceCallInput)
}

func (c *fakeCarrier) Name() string { return "fakecarrier" }
func (c *fakeCarrier) PlaceCall(ctx context.Context, in carrier.PlaceCallInput) (string, error) {
	if c.onPlaceCall != nil {
		c.onPlaceCall(in)
	}
	if c.placeCallErr != nil {
		return "", c.placeCallErr
	}
	return c.placeCallHandle, nil
}
func (c *fakeCarrier) StreamingXML(websocketURL string) string { return "<Response/>" }
func (c *fakeCarrier) StartStream(ctx context.Context, handle, websocketURL string) error {
	return nil
}
func (c *fakeCarrier) Hangup(ctx context.Context, handle string) error { return c.hangupErr }
func (c *fakeCarrier) VerifySignature(fullURL string, headers http.Header, rawBody []byte) bool {
	return true
}
func (c *fakeCarrier) ParseControlEvent(rawBody []byte, headers http.Header) (carrier.ControlEvent, error) {
	return carrier.EventIrrelevant, nil
}
func (c *fakeCarrier) ExtractHandle(rawBody []byte) string { return "" }

type fakeSTTSession struct {
	transcript string
	err        error
	closed     bool
}

func (s *fakeSTTSession) SendAudio(chunk []byte) error { return nil }
func (s *fakeSTTSession) WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error) {
	return s.transcript, s.err
}
func (s *fakeSTTSession) Close() error {
	s.closed = true
	return nil
}

type fakeSTTProvider struct {
	sess *fakeSTTSession
	err  error
}

func (p *fakeSTTProvider) Connect(ctx context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.sess, nil
}

type fakeTTSClient struct{}

func (fakeTTSClient) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	return make([]byte, 4800), nil
}
func (fakeTTSClient) SynthesizeStream(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan []byte, error) {
	ch := make(chan []byte, 1)
	ch <- make([]byte, 4800)
	close(ch)
	return ch, nil
}

func newTestDispatcher(t *testing.T, sttSess *fakeSTTSession, car *fakeCarrier) *Dispatcher {
	t.Helper()
	m := session.NewManager(session.ManagerConfig{
		Carrier: car,
		STT:     &fakeSTTProvider{sess: sttSess},
		TTS:     fakeTTSClient{},
		Config: session.EngineConfig{
			ConnectTimeout:      50 * time.Millisecond,
			ConnectPollInterval: 2 * time.Millisecond,
			TranscriptTimeout:   50 * time.Millisecond,
			PostAudioDrain:      time.Millisecond,
			HangupAudioDrain:    time.Millisecond,
		},
	})
	return New(m)
}

func TestInitiateCall_Success(t *testing.T) {
	car := &fakeCarrier{placeCallHandle: "handle-1"}
	d := newTestDispatcher(t, &fakeSTTSession{transcript: "hello"}, car)

	result, out, err := d.initiateCall(context.Background(), nil, InitiateCallInput{To: "+1", From: "+2", Text: "hi"})
	if err != nil {
		t.Fatalf("initiateCall returned error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil CallToolResult on success, got %+v", result)
	}
	if out.SessionID == "" {
		t.Error("expected a session id")
	}
	if out.Transcript != "hello" {
		t.Errorf("transcript = %q, want %q", out.Transcript, "hello")
	}
}

func TestInitiateCall_PlaceCallFailureReturnsToolError(t *testing.T) {
	car := &fakeCarrier{placeCallErr: errors.New("carrier down")}
	d := newTestDispatcher(t, &fakeSTTSession{transcript: "hello"}, car)

	result, out, err := d.initiateCall(context.Background(), nil, InitiateCallInput{To: "+1", From: "+2", Text: "hi"})
	if err != nil {
		t.Fatalf("initiateCall should never return a Go error, got %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatalf("expected a tool-error result, got %+v", result)
	}
	if out.SessionID != "" {
		t.Errorf("expected empty session id on failure, got %q", out.SessionID)
	}
}

func TestInitiateCall_TranscriptTimeoutLeavesCallLive(t *testing.T) {
	car := &fakeCarrier{placeCallHandle: "handle-1"}
	d := newTestDispatcher(t, &fakeSTTSession{err: errs.NewTranscriptTimeout("")}, car)

	result, out, err := d.initiateCall(context.Background(), nil, InitiateCallInput{To: "+1", From: "+2", Text: "hi"})
	if err != nil {
		t.Fatalf("initiateCall returned error: %v", err)
	}
	if result != nil {
		t.Fatalf("transcript timeout must not surface as a tool error, got %+v", result)
	}
	if out.SessionID == "" {
		t.Error("expected session id to survive a transcript timeout")
	}
	if out.Transcript != "" {
		t.Errorf("expected empty transcript on timeout, got %q", out.Transcript)
	}
}

func TestInitiateCall_FallsBackToDefaultNumbers(t *testing.T) {
	car := &fakeCarrier{placeCallHandle: "handle-1"}
	d := newTestDispatcher(t, &fakeSTTSession{transcript: "hello"}, car)
	d.WithDefaultNumbers("+1-default-from", "+1-default-to")

	var captured carrier.PlaceCallInput
	car.onPlaceCall = func(in carrier.PlaceCallInput) { captured = in }

	_, _, err := d.initiateCall(context.Background(), nil, InitiateCallInput{Text: "hi"})
	if err != nil {
		t.Fatalf("initiateCall returned error: %v", err)
	}
	if captured.To != "+1-default-to" || captured.From != "+1-default-from" {
		t.Errorf("got To=%q From=%q, want defaults", captured.To, captured.From)
	}
}

func TestContinueCall_UnknownSessionReturnsToolError(t *testing.T) {
	d := newTestDispatcher(t, &fakeSTTSession{}, &fakeCarrier{})

	result, _, err := d.continueCall(context.Background(), nil, ContinueCallInput{SessionID: "ghost", Text: "hi"})
	if err != nil {
		t.Fatalf("continueCall should never return a Go error, got %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatalf("expected a tool-error result, got %+v", result)
	}
}

func TestEndCall_UnknownSessionReturnsToolError(t *testing.T) {
	d := newTestDispatcher(t, &fakeSTTSession{}, &fakeCarrier{})

	result, out, err := d.endCall(context.Background(), nil, EndCallInput{SessionID: "ghost"})
	if err != nil {
		t.Fatalf("endCall should never return a Go error, got %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatalf("expected a tool-error result, got %+v", result)
	}
	if out.DurationSeconds != 0 {
		t.Errorf("expected zero duration on failure, got %v", out.DurationSeconds)
	}
}

func TestClassifyError_MapsKnownTypes(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{errs.NewNoSuchSession("s1"), "no_such_session"},
		{errs.NewTranscriptTimeout("s1"), "transcript_timeout"},
		{errs.NewCallHungUp("s1"), "call_hung_up"},
		{errs.NewConnectionTimeout("s1"), "connection_timeout"},
		{errs.NewProviderError("tts", errors.New("boom")), "provider_error"},
		{errors.New("mystery"), "internal_error"},
	}
	for _, c := range cases {
		got := classifyError(c.err)
		if got.Code != c.code {
			t.Errorf("classifyError(%v).Code = %q, want %q", c.err, got.Code, c.code)
		}
	}
}
