package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/callwire/callwire/internal/errs"
	"github.com/callwire/callwire/internal/observe"
	"github.com/callwire/callwire/pkg/carrier"
	"github.com/callwire/callwire/pkg/tts"
)

func fastEngineConfig() EngineConfig {
	return EngineConfig{
		ConnectTimeout:      300 * time.Millisecond,
		ConnectPollInterval: 5 * time.Millisecond,
		TranscriptTimeout:   300 * time.Millisecond,
		PostAudioDrain:      time.Millisecond,
		HangupAudioDrain:    time.Millisecond,
		HangupPollInterval:  5 * time.Millisecond,
	}
}

type testDeps struct {
	carrier *mockCarrier
	sttProv *mockSTTProvider
	ttsCli  *mockTTSClient
}

func newTestManager() (*Manager, *testDeps) {
	deps := &testDeps{
		carrier: &mockCarrier{},
		sttProv: &mockSTTProvider{},
		ttsCli:  &mockTTSClient{},
	}
	m := NewManager(ManagerConfig{
		Carrier:        deps.carrier,
		STT:            deps.sttProv,
		TTS:            deps.ttsCli,
		Voice:          tts.VoiceProfile{ID: "voice-1"},
		Config:         fastEngineConfig(),
		WebhookBaseURL: "https://example.test/webhook",
		Metrics:        observe.DefaultMetrics(),
	})
	return m, deps
}

// waitForSession polls the manager's live-session map (whitebox, same
// package) until it holds exactly one session, and returns it.
func waitForSession(t *testing.T, m *Manager) *Session {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		for _, sess := range m.sessions {
			m.mu.Unlock()
			return sess
		}
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for session to be created")
	return nil
}

// readySession drives a session through the same sequence a real media
// stream endpoint would: bind a socket, then report streaming-ready.
func readySession(sess *Session, sock OutboundSocket) {
	sess.bindSocket(sock)
	sess.markStreamingReady()
}

func TestInitiate_Success(t *testing.T) {
	t.Parallel()
	m, deps := newTestManager()
	deps.sttProv.session = &mockSTTSession{transcripts: []sttResult{{text: "hello there"}}}

	sock := &mockOutboundSocket{}
	go func() {
		sess := waitForSession(t, m)
		readySession(sess, sock)
	}()

	sessionID, transcript, err := m.Initiate(context.Background(), "+15551234567", "+15557654321", "welcome")
	if err != nil {
		t.Fatalf("Initiate() error: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected non-empty session id")
	}
	if transcript != "hello there" {
		t.Fatalf("transcript = %q, want %q", transcript, "hello there")
	}

	if got := deps.carrier.placeCallCalls; len(got) != 1 {
		t.Fatalf("PlaceCall calls = %d, want 1", len(got))
	}
	if got := deps.carrier.placeCallCalls[0].To; got != "+15551234567" {
		t.Errorf("PlaceCall.To = %q", got)
	}
	if deps.ttsCli.synthesizeCalls != 1 {
		t.Errorf("synthesizeCalls = %d, want 1", deps.ttsCli.synthesizeCalls)
	}
	if sock.frameCount() == 0 {
		t.Error("expected pre-generated greeting to produce outbound frames")
	}

	// The call is still live: a transcript was returned, not a hangup.
	if _, err := m.lookup(sessionID); err != nil {
		t.Fatalf("expected session to still be live, lookup error: %v", err)
	}
}

func TestInitiate_ConnectTimeoutCleansUp(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager()
	// Nobody ever binds a socket or marks streaming-ready: waitReady must
	// time out and the session must be cleaned up.

	sessionID, _, err := m.Initiate(context.Background(), "+1", "+2", "hi")
	if err == nil {
		t.Fatal("expected a connection timeout error")
	}
	var timeoutErr *errs.ConnectionTimeout
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *errs.ConnectionTimeout", err)
	}
	if sessionID != "" {
		t.Errorf("sessionID = %q, want empty on abort", sessionID)
	}
	if m.LiveSessionCount() != 0 {
		t.Errorf("LiveSessionCount() = %d, want 0 after cleanup", m.LiveSessionCount())
	}
}

func TestInitiate_PlaceCallFailureCleansUp(t *testing.T) {
	t.Parallel()
	m, deps := newTestManager()
	deps.carrier.placeCallErr = errors.New("carrier unreachable")

	_, _, err := m.Initiate(context.Background(), "+1", "+2", "hi")
	if err == nil {
		t.Fatal("expected an error")
	}
	var provErr *errs.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("error = %v, want *errs.ProviderError", err)
	}
	if m.LiveSessionCount() != 0 {
		t.Errorf("LiveSessionCount() = %d, want 0 after cleanup", m.LiveSessionCount())
	}
}

// newLiveSession constructs a session already past initiate: bound socket,
// streaming-ready, an active STT session, indexed in every map.
func newLiveSession(m *Manager, sttSess *mockSTTSession, sock OutboundSocket) *Session {
	token, _ := newToken()
	sess := &Session{
		id:        m.newSessionID(),
		to:        "+1",
		from:      "+2",
		token:     token,
		startedAt: time.Now(),
		stt:       sttSess,
	}
	m.insert(sess)
	m.indexHandle(sess, "handle-live")
	readySession(sess, sock)
	return sess
}

func TestContinue_TranscriptTimeoutLeavesCallLive(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager()
	sttSess := &mockSTTSession{} // no queued transcripts: WaitForTranscript always times out
	sock := &mockOutboundSocket{}
	sess := newLiveSession(m, sttSess, sock)

	_, err := m.Continue(context.Background(), sess.id, "are you still there?")
	if err == nil {
		t.Fatal("expected a transcript timeout error")
	}
	var timeoutErr *errs.TranscriptTimeout
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *errs.TranscriptTimeout", err)
	}

	// The session must remain live: a subsequent end_call should still
	// find it.
	if _, lookupErr := m.lookup(sess.id); lookupErr != nil {
		t.Fatalf("expected session still live after transcript timeout, got: %v", lookupErr)
	}
	if sttSess.isClosed() {
		t.Error("STT session must not be closed on transcript timeout")
	}
}

func TestContinue_AlreadyHungUpEndsCallAndCleansUp(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager()
	sttSess := &mockSTTSession{}
	sock := &mockOutboundSocket{}
	sess := newLiveSession(m, sttSess, sock)
	sess.setHungup()

	_, err := m.Continue(context.Background(), sess.id, "hello?")
	if err == nil {
		t.Fatal("expected a call-hung-up error")
	}
	var hungErr *errs.CallHungUp
	if !errors.As(err, &hungErr) {
		t.Fatalf("error = %v, want *errs.CallHungUp", err)
	}
	if _, lookupErr := m.lookup(sess.id); lookupErr == nil {
		t.Fatal("expected session to be cleaned up after hangup")
	}
	if !sttSess.isClosed() {
		t.Error("expected STT session to be closed on cleanup")
	}
	if !sock.closed {
		t.Error("expected outbound socket to be closed on cleanup")
	}
}

func TestContinue_UnknownSessionReturnsNoSuchSession(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager()
	_, err := m.Continue(context.Background(), "does-not-exist", "hi")
	var noSuch *errs.NoSuchSession
	if !errors.As(err, &noSuch) {
		t.Fatalf("error = %v, want *errs.NoSuchSession", err)
	}
}

func TestSpeakOnly_DoesNotWaitForReply(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager()
	sttSess := &mockSTTSession{}
	sock := &mockOutboundSocket{}
	sess := newLiveSession(m, sttSess, sock)

	if err := m.SpeakOnly(context.Background(), sess.id, "one moment please"); err != nil {
		t.Fatalf("SpeakOnly() error: %v", err)
	}
	if sock.frameCount() == 0 {
		t.Error("expected outbound frames from speak_only")
	}
	hist := sess.History()
	if len(hist) != 1 || hist[0].Speaker != SpeakerAssistant || hist[0].Utterance != "one moment please" {
		t.Errorf("history = %+v, want one assistant entry", hist)
	}
	// Session remains live; speak_only never listens or ends the call.
	if _, err := m.lookup(sess.id); err != nil {
		t.Fatalf("expected session to remain live: %v", err)
	}
}

func TestEnd_SpeaksHangsUpAndCleansUp(t *testing.T) {
	t.Parallel()
	m, deps := newTestManager()
	sttSess := &mockSTTSession{}
	sock := &mockOutboundSocket{}
	sess := newLiveSession(m, sttSess, sock)

	duration, err := m.End(context.Background(), sess.id, "goodbye")
	if err != nil {
		t.Fatalf("End() error: %v", err)
	}
	if duration <= 0 {
		t.Error("expected positive duration")
	}
	if deps.carrier.hangupCallCount() != 1 {
		t.Errorf("Hangup calls = %d, want 1", deps.carrier.hangupCallCount())
	}
	if _, lookupErr := m.lookup(sess.id); lookupErr == nil {
		t.Fatal("expected session removed after End")
	}
	if !sttSess.isClosed() {
		t.Error("expected STT session closed")
	}
	if !sock.closed {
		t.Error("expected socket closed")
	}
}

func TestEnd_UnknownSessionReturnsNoSuchSession(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager()
	_, err := m.End(context.Background(), "ghost", "bye")
	var noSuch *errs.NoSuchSession
	if !errors.As(err, &noSuch) {
		t.Fatalf("error = %v, want *errs.NoSuchSession", err)
	}
}

func TestCleanup_Idempotent(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager()
	sttSess := &mockSTTSession{}
	sock := &mockOutboundSocket{}
	sess := newLiveSession(m, sttSess, sock)

	m.cleanup(sess)
	m.cleanup(sess)
	m.cleanup(sess)

	if !sttSess.isClosed() {
		t.Fatal("expected STT session closed")
	}
	if !sock.closed {
		t.Fatal("expected socket closed")
	}
	if m.LiveSessionCount() != 0 {
		t.Fatalf("LiveSessionCount() = %d, want 0", m.LiveSessionCount())
	}
}

func TestListen_AlreadyHungUpReturnsImmediately(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager()
	block := make(chan struct{}) // never closed: WaitForTranscript would hang forever without the early-exit
	sttSess := &mockSTTSession{blockUntil: block}
	sock := &mockOutboundSocket{}
	sess := newLiveSession(m, sttSess, sock)
	sess.setHungup()

	start := time.Now()
	_, err := m.listen(context.Background(), sess, 10*time.Second)
	elapsed := time.Since(start)

	var hungErr *errs.CallHungUp
	if !errors.As(err, &hungErr) {
		t.Fatalf("error = %v, want *errs.CallHungUp", err)
	}
	if elapsed > 100*time.Millisecond {
		t.Fatalf("listen() took %v, want near-immediate return on pre-set hangup", elapsed)
	}
}

func TestListen_HangupWinsRaceAgainstSlowTranscript(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager()
	m.cfg.HangupPollInterval = 5 * time.Millisecond
	block := make(chan struct{}) // blocks WaitForTranscript until closed
	sttSess := &mockSTTSession{blockUntil: block}
	sock := &mockOutboundSocket{}
	sess := newLiveSession(m, sttSess, sock)

	go func() {
		time.Sleep(20 * time.Millisecond)
		sess.setHungup()
	}()

	_, err := m.listen(context.Background(), sess, time.Second)
	var hungErr *errs.CallHungUp
	if !errors.As(err, &hungErr) {
		t.Fatalf("error = %v, want *errs.CallHungUp", err)
	}
}

func TestPacer_JitterBufferReleasesFullFrames(t *testing.T) {
	t.Parallel()
	sock := &mockOutboundSocket{}
	pcm := make([]byte, 4800) // exactly 800 bytes of mulaw once encoded
	for i := range pcm {
		pcm[i] = byte(i)
	}
	ch := make(chan []byte, 1)
	ch <- pcm
	close(ch)

	if err := playPCMStream(context.Background(), sock.Send, ch); err != nil {
		t.Fatalf("playPCMStream() error: %v", err)
	}
	if sock.frameCount() != 5 {
		t.Fatalf("frameCount = %d, want 5 (800 mulaw bytes / 160)", sock.frameCount())
	}
	for i, f := range sock.frames {
		if len(f) != 160 {
			t.Errorf("frame %d length = %d, want 160", i, len(f))
		}
	}
}

func TestPacer_SubThresholdChunkFlushesShortTailFrame(t *testing.T) {
	t.Parallel()
	sock := &mockOutboundSocket{}
	pcm := make([]byte, 400) // below the 4800-byte jitter-fill threshold
	ch := make(chan []byte, 1)
	ch <- pcm
	close(ch)

	if err := playPCMStream(context.Background(), sock.Send, ch); err != nil {
		t.Fatalf("playPCMStream() error: %v", err)
	}
	if sock.frameCount() != 1 {
		t.Fatalf("frameCount = %d, want 1 short tail frame", sock.frameCount())
	}
	if len(sock.frames[0]) != 66 {
		t.Fatalf("tail frame length = %d, want 66", len(sock.frames[0]))
	}
}

func TestPacer_ContextCancelStopsEarly(t *testing.T) {
	t.Parallel()
	sock := &mockOutboundSocket{}
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan []byte)

	done := make(chan error, 1)
	go func() { done <- playPCMStream(ctx, sock.Send, ch) }()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context-cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("playPCMStream did not return after context cancel")
	}
}

func TestBindSocket_UnknownTokenReturnsNoSuchSession(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager()
	_, err := m.BindSocket("no-such-token", &mockOutboundSocket{})
	var noSuch *errs.NoSuchSession
	if !errors.As(err, &noSuch) {
		t.Fatalf("error = %v, want *errs.NoSuchSession", err)
	}
}

func TestHandleControlEvent_UnknownHandleIsIgnored(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager()
	// Must not panic on a handle with no live session.
	m.HandleControlEvent("ghost-handle", carrier.EventCallHungUp)
}

func TestHandleControlEvent_HangupSetsFlag(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager()
	sttSess := &mockSTTSession{}
	sock := &mockOutboundSocket{}
	sess := newLiveSession(m, sttSess, sock)

	m.HandleControlEvent("handle-live", carrier.EventCallHungUp)
	if !sess.Hungup() {
		t.Fatal("expected hangup flag set after EventCallHungUp")
	}
}
