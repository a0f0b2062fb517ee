// Package session implements the call-session engine: the per-call state
// machine that coordinates the carrier adapter, the STT session, the TTS
// client, and the outbound audio pacer behind the initiate/continue/
// speak_only/end operations.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/callwire/callwire/internal/errs"
	"github.com/callwire/callwire/internal/observe"
	"github.com/callwire/callwire/internal/resilience"
	"github.com/callwire/callwire/pkg/carrier"
	"github.com/callwire/callwire/pkg/stt"
	"github.com/callwire/callwire/pkg/tts"
)

// Speaker identifies which party uttered a line of conversation history.
type Speaker string

const (
	SpeakerAssistant Speaker = "assistant"
	SpeakerUser      Speaker = "user"
)

// HistoryEntry is one line of conversation history.
type HistoryEntry struct {
	Speaker   Speaker
	Utterance string
	At        time.Time
}

// OutboundSocket is the narrow interface the session engine needs from the
// media-stream endpoint's bound WebSocket: write a single outbound audio
// frame, and close the connection. The media-stream endpoint owns the
// concrete coder/websocket connection; the session engine only ever sees
// this interface, so it never has to know about WebSocket framing.
type OutboundSocket interface {
	Send(ctx context.Context, mulawFrame []byte) error
	Close() error
}

// Session is the live state for one call. All mutation goes through Manager
// methods, which take sess.mu before touching fields; no other package may
// write to a Session directly.
type Session struct {
	mu sync.Mutex

	id            string
	carrierHandle string
	to, from      string
	token         string
	streamSID     string
	streamReady   bool
	hungUp        bool
	startedAt     time.Time
	history       []HistoryEntry

	stt    stt.Session
	socket OutboundSocket

	hangupWatcherCancel context.CancelFunc

	span trace.Span

	cleanedUp bool
}

// ID returns the session identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Token returns the WebSocket authentication token bound to this session.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// CarrierHandle returns the carrier's opaque call handle, or the empty
// string if place_call has not yet been acknowledged.
func (s *Session) CarrierHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.carrierHandle
}

// Hungup reports whether the hangup flag has been set.
func (s *Session) Hungup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hungUp
}

// setHungup sets the hangup flag. Idempotent.
func (s *Session) setHungup() {
	s.mu.Lock()
	s.hungUp = true
	s.mu.Unlock()
}

// StreamSID returns the carrier-assigned media-stream sub-identifier, or the
// empty string if the session has not yet received a "start" event.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

func (s *Session) setStreamSID(sid string) {
	s.mu.Lock()
	s.streamSID = sid
	s.mu.Unlock()
}

// StreamingReady reports whether the streaming-ready latch has fired.
func (s *Session) StreamingReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamReady
}

func (s *Session) markStreamingReady() {
	s.mu.Lock()
	s.streamReady = true
	s.mu.Unlock()
}

// bindSocket attaches the outbound WebSocket handle to the session.
func (s *Session) bindSocket(sock OutboundSocket) {
	s.mu.Lock()
	s.socket = sock
	s.mu.Unlock()
}

// ready reports whether the session has both a bound outbound WebSocket and
// a fired streaming-ready latch — the condition initiate() polls for.
func (s *Session) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket != nil && s.streamReady
}

// sendFrame writes a single outbound audio frame, but only when the socket
// is bound and the session is streaming-ready — otherwise the frame is
// silently dropped, matching the spec's "hangup while speaking is silently
// discarded on outbound frames" failure semantics. Whether the concrete
// socket attaches the stream sub-identifier to the frame is up to its own
// implementation (the session engine itself is carrier-agnostic).
func (s *Session) sendFrame(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	sock := s.socket
	ready := s.streamReady
	s.mu.Unlock()

	if sock == nil || !ready {
		return nil
	}
	return sock.Send(ctx, frame)
}

func (s *Session) appendHistory(speaker Speaker, utterance string) {
	s.mu.Lock()
	s.history = append(s.history, HistoryEntry{Speaker: speaker, Utterance: utterance, At: time.Now()})
	s.mu.Unlock()
}

// History returns a copy of the conversation history so far.
func (s *Session) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// EngineConfig holds the timeouts and defaults the session engine applies
// across every call.
type EngineConfig struct {
	ConnectTimeout        time.Duration // default 15s
	TranscriptTimeout     time.Duration // default 180s
	PostAudioDrain        time.Duration // default 200ms
	HangupAudioDrain      time.Duration // default 2s
	EndOfUtteranceSilence time.Duration // default 800ms
	HangupPollInterval    time.Duration // default 100ms
	ConnectPollInterval   time.Duration // default 100ms
}

// WithDefaults returns cfg with every zero field replaced by the spec's
// documented default.
func (cfg EngineConfig) WithDefaults() EngineConfig {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.TranscriptTimeout <= 0 {
		cfg.TranscriptTimeout = 180 * time.Second
	}
	if cfg.PostAudioDrain <= 0 {
		cfg.PostAudioDrain = 200 * time.Millisecond
	}
	if cfg.HangupAudioDrain <= 0 {
		cfg.HangupAudioDrain = 2 * time.Second
	}
	if cfg.EndOfUtteranceSilence <= 0 {
		cfg.EndOfUtteranceSilence = stt.DefaultEndOfUtteranceSilence
	}
	if cfg.HangupPollInterval <= 0 {
		cfg.HangupPollInterval = 100 * time.Millisecond
	}
	if cfg.ConnectPollInterval <= 0 {
		cfg.ConnectPollInterval = 100 * time.Millisecond
	}
	return cfg
}

// ManagerConfig holds all dependencies for a [Manager].
type ManagerConfig struct {
	Carrier        carrier.Provider
	STT            stt.Provider
	TTS            tts.Client
	Voice          tts.VoiceProfile
	Config         EngineConfig
	WebhookBaseURL string // public base URL the carrier calls back to
	MediaStreamURL func(token string) string

	// Breakers wraps carrier/STT/TTS calls. May be left zero-valued to use
	// defaults.
	CarrierBreaker *resilience.CircuitBreaker
	STTBreaker     *resilience.CircuitBreaker
	TTSBreaker     *resilience.CircuitBreaker

	Metrics *observe.Metrics
}

// Manager is the call-session engine: it owns the live-session map and its
// two sub-indices, and exposes the initiate/continue/speak_only/end
// operations the tool dispatcher calls into.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byHandle map[string]*Session
	byToken  map[string]*Session

	carrier carrier.Provider
	sttProv stt.Provider
	ttsCli  tts.Client
	voice   tts.VoiceProfile
	cfg     EngineConfig

	webhookBaseURL string
	mediaStreamURL func(token string) string

	carrierBreaker *resilience.CircuitBreaker
	sttBreaker     *resilience.CircuitBreaker
	ttsBreaker     *resilience.CircuitBreaker

	metrics *observe.Metrics

	nextSeq uint64
}

// NewManager constructs a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) *Manager {
	carrierBreaker := cfg.CarrierBreaker
	if carrierBreaker == nil {
		carrierBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "carrier"})
	}
	sttBreaker := cfg.STTBreaker
	if sttBreaker == nil {
		sttBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "stt"})
	}
	ttsBreaker := cfg.TTSBreaker
	if ttsBreaker == nil {
		ttsBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "tts"})
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Manager{
		sessions:       make(map[string]*Session),
		byHandle:       make(map[string]*Session),
		byToken:        make(map[string]*Session),
		carrier:        cfg.Carrier,
		sttProv:        cfg.STT,
		ttsCli:         cfg.TTS,
		voice:          cfg.Voice,
		cfg:            cfg.Config.WithDefaults(),
		webhookBaseURL: cfg.WebhookBaseURL,
		mediaStreamURL: cfg.MediaStreamURL,
		carrierBreaker: carrierBreaker,
		sttBreaker:     sttBreaker,
		ttsBreaker:     ttsBreaker,
		metrics:        metrics,
	}
}

// newSessionID generates a unique, monotonically increasing session
// identifier. It is not a security token; see newToken for that.
func (m *Manager) newSessionID() string {
	m.mu.Lock()
	m.nextSeq++
	seq := m.nextSeq
	m.mu.Unlock()
	return fmt.Sprintf("sess-%d-%d", time.Now().UTC().UnixNano(), seq)
}

// newToken generates a 32-byte random, URL-safe base64 WebSocket
// authentication token.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// insert adds sess to the live-session map and its token index. The
// carrier-handle index is populated later, once the carrier acknowledges
// place_call.
func (m *Manager) insert(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.id] = sess
	m.byToken[sess.token] = sess
}

func (m *Manager) indexHandle(sess *Session, handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess.mu.Lock()
	sess.carrierHandle = handle
	sess.mu.Unlock()
	m.byHandle[handle] = sess
}

// lookup returns the live session for id, or NoSuchSession.
func (m *Manager) lookup(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, errs.NewNoSuchSession(id)
	}
	return sess, nil
}

// LookupByToken returns the live session bound to token, for the
// media-stream endpoint to use at WebSocket-upgrade time.
func (m *Manager) LookupByToken(token string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byToken[token]
	return sess, ok
}

// LookupByHandle returns the live session for a carrier call handle, for
// the webhook endpoint to use when routing control events.
func (m *Manager) LookupByHandle(handle string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byHandle[handle]
	return sess, ok
}

// remove deletes sess from the live-session map and both sub-indices.
// Idempotent.
func (m *Manager) remove(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sess.id)
	delete(m.byToken, sess.token)
	if sess.carrierHandle != "" {
		delete(m.byHandle, sess.carrierHandle)
	}
}

// BindSocket attaches sock as the outbound WebSocket for the session owning
// token, for use by the media-stream endpoint immediately after a
// successful upgrade.
func (m *Manager) BindSocket(token string, sock OutboundSocket) (*Session, error) {
	sess, ok := m.LookupByToken(token)
	if !ok {
		return nil, errs.NewNoSuchSession("")
	}
	sess.bindSocket(sock)
	return sess, nil
}

// OnStreamStart records the media-stream sub-identifier and fires the
// streaming-ready latch, in response to a carrier "start" frame on the
// bound WebSocket.
func (m *Manager) OnStreamStart(sess *Session, streamSID string) {
	sess.setStreamSID(streamSID)
	sess.markStreamingReady()
}

// OnStreamStop sets the hangup flag in response to a carrier "stop" frame.
func (m *Manager) OnStreamStop(sess *Session) {
	sess.setHungup()
}

// FeedAudio forwards an inbound caller-voice frame to the session's STT
// session. No-op if the session has no STT session (already cleaned up).
func (m *Manager) FeedAudio(sess *Session, mulawFrame []byte) error {
	sess.mu.Lock()
	s := sess.stt
	sess.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.SendAudio(mulawFrame)
}

// HandleControlEvent routes a carrier webhook control event to the session
// identified by handle. Unknown handles are ignored (the webhook may race
// with session cleanup after the call already ended).
func (m *Manager) HandleControlEvent(handle string, ev carrier.ControlEvent) {
	sess, ok := m.LookupByHandle(handle)
	if !ok {
		return
	}
	switch ev {
	case carrier.EventStreamingReady:
		sess.markStreamingReady()
	case carrier.EventCallHungUp:
		sess.setHungup()
	case carrier.EventCallAnswered, carrier.EventAnsweringMachineResult, carrier.EventIrrelevant:
		// No session-engine action.
	}
}

// LiveSessionCount returns the number of sessions currently in the live
// map, for the readiness checker.
func (m *Manager) LiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ProviderStates reports the current circuit breaker state for each
// downstream provider callwire depends on, keyed by provider name. The
// readiness checker uses this to fail /readyz when a provider has tripped
// open rather than only ever reporting session counts.
func (m *Manager) ProviderStates() map[string]resilience.State {
	return map[string]resilience.State{
		m.carrier.Name(): m.carrierBreaker.State(),
		"stt":            m.sttBreaker.State(),
		"tts":            m.ttsBreaker.State(),
	}
}

// cleanup idempotently tears down a session's owned resources and removes
// it from every index. It runs when initiate fails (other than by transcript
// timeout), when a continue turn's listen fails with anything other than a
// transcript timeout, and from end; successful turns and speak_only leave the
// session live.
func (m *Manager) cleanup(sess *Session) {
	sess.mu.Lock()
	if sess.cleanedUp {
		sess.mu.Unlock()
		return
	}
	sess.cleanedUp = true
	watcherCancel := sess.hangupWatcherCancel
	sess.hangupWatcherCancel = nil
	sttSess := sess.stt
	sess.stt = nil
	sock := sess.socket
	sess.socket = nil
	span := sess.span
	sess.span = nil
	sess.mu.Unlock()

	log := observe.LoggerForSession(context.Background(), sess.id)

	if watcherCancel != nil {
		watcherCancel()
	}
	if sttSess != nil {
		if err := sttSess.Close(); err != nil {
			log.Warn("session: stt close error", "err", err)
		}
	}
	if sock != nil {
		if err := sock.Close(); err != nil {
			log.Warn("session: socket close error", "err", err)
		}
	}
	if span != nil {
		span.End()
	}

	m.remove(sess)
	m.metrics.CallsActive.Add(context.Background(), -1)

	log.Info("session: cleaned up")
}

// spanAttrs returns the standard OTel attributes attached to every session
// span and event.
func spanAttrs(sess *Session) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("session_id", sess.id),
		attribute.String("to", sess.to),
		attribute.String("from", sess.from),
	}
}
