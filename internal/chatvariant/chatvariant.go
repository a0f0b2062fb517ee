package chatvariant

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/callwire/callwire/internal/errs"
)

const (
	// idlePollInterval is the cadence of the background poller while no
	// chat is active.
	idlePollInterval = 2 * time.Second

	// activePollWindow bounds a single long-poll call made while a chat is
	// active, so the overall per-turn deadline stays responsive.
	activePollWindow = 25 * time.Second
)

// HistoryEntry records one turn of a chat conversation.
type HistoryEntry struct {
	Speaker string // "assistant" or "user"
	Text    string
}

// EngineConfig holds the timeouts this engine applies across every chat.
type EngineConfig struct {
	TranscriptTimeout time.Duration // default 180s, mirrors the voice engine
}

func (cfg EngineConfig) withDefaults() EngineConfig {
	if cfg.TranscriptTimeout <= 0 {
		cfg.TranscriptTimeout = 180 * time.Second
	}
	return cfg
}

type chatSession struct {
	mu        sync.Mutex
	id        string
	chatID    int64
	startedAt time.Time
	verbose   bool
	history   []HistoryEntry
}

func (s *chatSession) appendHistory(speaker, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, HistoryEntry{Speaker: speaker, Text: text})
}

// Manager is the chat-variant session engine: it enforces a single active
// chat, runs an abortable background poller for slash commands while idle,
// and exposes the same four operations the voice engine does.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*chatSession
	active   bool

	transport    Transport
	cfg          EngineConfig
	globalOffset int64

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewManager constructs a Manager and starts its idle background poller.
func NewManager(transport Transport, cfg EngineConfig) *Manager {
	m := &Manager{
		sessions:  make(map[string]*chatSession),
		transport: transport,
		cfg:       cfg.withDefaults(),
	}
	m.startBackgroundPoll()
	return m
}

// Initiate opens a new chat session against to (the chat id, as a decimal
// string) and speaks text, returning once the user replies or the
// transcript timeout fires. from is unused — chat sessions are addressed
// entirely by chat id.
func (m *Manager) Initiate(ctx context.Context, to, from, text string) (sessionID, transcript string, err error) {
	chatID, parseErr := ParseChatID(to)
	if parseErr != nil {
		return "", "", fmt.Errorf("chatvariant: invalid chat id %q: %w", to, parseErr)
	}

	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return "", "", errs.NewProviderError("chatvariant", errActiveChat)
	}
	m.active = true
	m.mu.Unlock()

	m.stopBackgroundPoll()

	sess := &chatSession{id: newSessionID(), chatID: chatID, startedAt: time.Now()}
	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	if sendErr := m.send(ctx, chatID, text); sendErr != nil {
		m.cleanup(sess)
		return "", "", sendErr
	}
	sess.appendHistory("assistant", text)

	transcript, listenErr := m.listen(ctx, sess)
	if listenErr != nil {
		if isTranscriptTimeout(listenErr) {
			return sess.id, "", listenErr
		}
		m.cleanup(sess)
		return "", "", listenErr
	}
	sess.appendHistory("user", transcript)
	return sess.id, transcript, nil
}

// Continue speaks text into an active chat and waits for the next reply.
func (m *Manager) Continue(ctx context.Context, sessionID, text string) (transcript string, err error) {
	sess, lookupErr := m.lookup(sessionID)
	if lookupErr != nil {
		return "", lookupErr
	}

	if sendErr := m.send(ctx, sess.chatID, text); sendErr != nil {
		return "", sendErr
	}
	sess.appendHistory("assistant", text)

	transcript, listenErr := m.listen(ctx, sess)
	if listenErr != nil {
		return "", listenErr
	}
	sess.appendHistory("user", transcript)
	return transcript, nil
}

// SpeakOnly speaks text into an active chat without waiting for a reply.
func (m *Manager) SpeakOnly(ctx context.Context, sessionID, text string) error {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if sendErr := m.send(ctx, sess.chatID, text); sendErr != nil {
		return sendErr
	}
	sess.appendHistory("assistant", text)
	return nil
}

// End speaks an optional closing line, ends the chat session, and restarts
// the idle background poller.
func (m *Manager) End(ctx context.Context, sessionID, text string) (time.Duration, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return 0, err
	}

	if text != "" {
		if sendErr := m.send(ctx, sess.chatID, text); sendErr != nil {
			slog.Warn("chatvariant: end speak error", "session_id", sess.id, "err", sendErr)
		} else {
			sess.appendHistory("assistant", text)
		}
	}

	duration := time.Since(sess.startedAt)
	m.cleanup(sess)
	return duration, nil
}

func (m *Manager) lookup(sessionID string) (*chatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, errs.NewNoSuchSession(sessionID)
	}
	return sess, nil
}

func (m *Manager) cleanup(sess *chatSession) {
	m.mu.Lock()
	delete(m.sessions, sess.id)
	m.active = false
	m.mu.Unlock()
	m.startBackgroundPoll()
}

// send delivers text with Markdown enabled, retrying once as plain text if
// the API rejects the Markdown entities.
func (m *Manager) send(ctx context.Context, chatID int64, text string) error {
	err := m.transport.SendMessage(ctx, chatID, text, true)
	if err == nil {
		return nil
	}
	if !isEntitiesParseError(err) {
		return errs.NewProviderError("chatvariant", err)
	}
	if retryErr := m.transport.SendMessage(ctx, chatID, text, false); retryErr != nil {
		return errs.NewProviderError("chatvariant", retryErr)
	}
	return nil
}

// listen long-polls for the chat's next non-command reply, handling slash
// commands out-of-band along the way, until the transcript timeout elapses.
func (m *Manager) listen(ctx context.Context, sess *chatSession) (string, error) {
	deadline := time.Now().Add(m.cfg.TranscriptTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", errs.NewTranscriptTimeout(sess.id)
		}

		window := activePollWindow
		if remaining < window {
			window = remaining
		}

		pollCtx, cancel := context.WithTimeout(ctx, window+5*time.Second)
		updates, err := m.transport.GetUpdates(pollCtx, m.offset(), int(window.Seconds()))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return "", errs.NewTranscriptTimeout(sess.id)
			}
			return "", errs.NewProviderError("chatvariant", err)
		}

		for _, u := range updates {
			m.advanceOffset(u.UpdateID)
			if u.ChatID != sess.chatID {
				continue
			}
			if isSlashCommand(u.Text) {
				m.handleSlashCommand(ctx, sess, u.Text)
				continue
			}
			return u.Text, nil
		}
	}
}

func (m *Manager) offset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.globalOffset
}

// advanceOffset enforces global_offset = max(global_offset, update_id+1),
// guaranteeing the offset never regresses across background/active
// transitions.
func (m *Manager) advanceOffset(updateID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next := updateID + 1; next > m.globalOffset {
		m.globalOffset = next
	}
}

func (m *Manager) handleSlashCommand(ctx context.Context, sess *chatSession, text string) {
	switch text {
	case "/help":
		_ = m.transport.SendMessage(ctx, sess.chatID, helpText, false)
	case "/verbose":
		sess.mu.Lock()
		sess.verbose = !sess.verbose
		verbose := sess.verbose
		sess.mu.Unlock()
		_ = m.transport.SendMessage(ctx, sess.chatID, verboseToggleText(verbose), false)
	default:
	}
}

const helpText = "Commands: /help, /verbose"

func verboseToggleText(on bool) string {
	if on {
		return "Verbose mode enabled."
	}
	return "Verbose mode disabled."
}

func isSlashCommand(text string) bool {
	return len(text) > 0 && text[0] == '/'
}

func isTranscriptTimeout(err error) bool {
	_, ok := err.(*errs.TranscriptTimeout)
	return ok
}

// startBackgroundPoll launches the idle poller, which watches for slash
// commands while no chat is active. It is a no-op if a poller is already
// running.
func (m *Manager) startBackgroundPoll() {
	m.mu.Lock()
	if m.pollCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.pollCancel = cancel
	m.pollDone = done
	m.mu.Unlock()

	go m.backgroundPollLoop(ctx, done)
}

// stopBackgroundPoll aborts the idle poller and waits for it to exit,
// ensuring only one consumer of updates runs at a time.
func (m *Manager) stopBackgroundPoll() {
	m.mu.Lock()
	cancel := m.pollCancel
	done := m.pollDone
	m.pollCancel = nil
	m.pollDone = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) backgroundPollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, idlePollInterval)
			updates, err := m.transport.GetUpdates(pollCtx, m.offset(), 0)
			cancel()
			if err != nil {
				slog.Warn("chatvariant: idle poll error", "err", err)
				continue
			}
			for _, u := range updates {
				m.advanceOffset(u.UpdateID)
				if isSlashCommand(u.Text) {
					m.handleSlashCommand(ctx, &chatSession{chatID: u.ChatID}, u.Text)
				}
			}
		}
	}
}

var errActiveChat = fmt.Errorf("a chat session is already active")

func newSessionID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "chat-" + hex.EncodeToString(b[:])
}
