package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/callwire/callwire/internal/errs"
	"github.com/callwire/callwire/internal/observe"
	"github.com/callwire/callwire/pkg/carrier"
	"github.com/callwire/callwire/pkg/stt"
)

// Initiate starts a new call: it allocates the session, opens the STT
// session, pre-generates the opening utterance in parallel with placing the
// outbound call, waits for the media stream to come up, drains the
// pre-generated audio, then runs listen() for the caller's reply.
func (m *Manager) Initiate(ctx context.Context, to, from, text string) (sessionID, transcript string, err error) {
	token, err := newToken()
	if err != nil {
		return "", "", err
	}

	sess := &Session{
		id:        m.newSessionID(),
		to:        to,
		from:      from,
		token:     token,
		startedAt: time.Now(),
	}

	ctx, span := observe.StartSpan(ctx, "session.initiate", trace.WithAttributes(spanAttrs(sess)...))
	sess.span = span

	m.insert(sess)
	m.metrics.CallsActive.Add(ctx, 1)

	// abort runs the cleanup path and records the attempt as failed. It is
	// called on every initiate failure branch except transcript timeout,
	// which ends the turn but leaves the call live.
	abort := func(cause error) (string, string, error) {
		span.SetAttributes(attribute.String("error", cause.Error()))
		m.cleanup(sess)
		m.metrics.RecordCallEnded(context.Background(), "failed", time.Since(sess.startedAt).Seconds())
		return "", "", cause
	}

	sttSess, connErr := m.connectSTT(ctx)
	if connErr != nil {
		return abort(connErr)
	}
	sess.mu.Lock()
	sess.stt = sttSess
	sess.mu.Unlock()

	var pregenPCM []byte
	var handle string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pcm, synthErr := m.synthesize(gctx, text)
		pregenPCM = pcm
		return synthErr
	})
	g.Go(func() error {
		h, placeErr := m.placeCall(gctx, to, from)
		handle = h
		return placeErr
	})
	if waitErr := g.Wait(); waitErr != nil {
		return abort(waitErr)
	}
	m.indexHandle(sess, handle)

	if waitErr := m.waitReady(ctx, sess); waitErr != nil {
		return abort(waitErr)
	}

	if drainErr := m.drainPregenerated(ctx, sess, pregenPCM); drainErr != nil {
		return abort(drainErr)
	}
	time.Sleep(m.cfg.PostAudioDrain)

	sess.appendHistory(SpeakerAssistant, text)

	transcript, listenErr := m.listen(ctx, sess, m.cfg.TranscriptTimeout)
	if listenErr != nil {
		if isTranscriptTimeout(listenErr) {
			// Transcript timeout ends the turn, not the call: the session
			// remains live for a subsequent continue/end.
			return sess.id, "", listenErr
		}
		return abort(listenErr)
	}
	sess.appendHistory(SpeakerUser, transcript)

	return sess.id, transcript, nil
}

// Continue speaks text into a live call and waits for the caller's reply,
// using the streaming-TTS path to minimize time-to-first-audio.
func (m *Manager) Continue(ctx context.Context, sessionID, text string) (transcript string, err error) {
	sess, lookupErr := m.lookup(sessionID)
	if lookupErr != nil {
		return "", lookupErr
	}

	ctx, span := observe.StartSpan(ctx, "session.continue", trace.WithAttributes(spanAttrs(sess)...))
	defer span.End()

	if speakErr := m.speak(ctx, sess, text); speakErr != nil {
		return "", speakErr
	}
	sess.appendHistory(SpeakerAssistant, text)

	transcript, listenErr := m.listen(ctx, sess, m.cfg.TranscriptTimeout)
	if listenErr != nil {
		if isTranscriptTimeout(listenErr) {
			return "", listenErr
		}
		m.cleanup(sess)
		m.metrics.RecordCallEnded(context.Background(), outcomeFor(listenErr), time.Since(sess.startedAt).Seconds())
		return "", listenErr
	}
	sess.appendHistory(SpeakerUser, transcript)
	return transcript, nil
}

// SpeakOnly speaks text into a live call without waiting for a reply.
func (m *Manager) SpeakOnly(ctx context.Context, sessionID, text string) error {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	ctx, span := observe.StartSpan(ctx, "session.speak_only", trace.WithAttributes(spanAttrs(sess)...))
	defer span.End()

	if err := m.speak(ctx, sess, text); err != nil {
		return err
	}
	sess.appendHistory(SpeakerAssistant, text)
	return nil
}

// End speaks a final utterance, drains it, hangs up, and cleans up the
// session. Returns the call's total duration.
func (m *Manager) End(ctx context.Context, sessionID, text string) (time.Duration, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return 0, err
	}

	ctx, span := observe.StartSpan(ctx, "session.end", trace.WithAttributes(spanAttrs(sess)...))
	defer span.End()

	if text != "" {
		if speakErr := m.speak(ctx, sess, text); speakErr != nil {
			slog.Warn("session: end speak error", "session_id", sess.id, "err", speakErr)
		} else {
			sess.appendHistory(SpeakerAssistant, text)
		}
	}

	time.Sleep(m.cfg.HangupAudioDrain)

	if handle := sess.CarrierHandle(); handle != "" {
		m.hangup(ctx, handle)
	}
	sess.setHungup()

	duration := time.Since(sess.startedAt)
	m.cleanup(sess)
	m.metrics.RecordCallEnded(context.Background(), "ended", duration.Seconds())

	return duration, nil
}

// speak synthesizes text via the streaming TTS path when available and
// drains it through the outbound pacer.
func (m *Manager) speak(ctx context.Context, sess *Session, text string) error {
	var pcmChunks <-chan []byte
	err := m.ttsBreaker.Execute("tts", func() error {
		ch, synthErr := m.ttsCli.SynthesizeStream(ctx, text, m.voice)
		pcmChunks = ch
		return synthErr
	})
	if err != nil {
		if isProviderError(err) {
			m.metrics.RecordProviderError(ctx, "tts", "synthesize_stream")
		}
		return err
	}
	return playPCMStream(ctx, sess.sendFrame, pcmChunks)
}

// drainPregenerated plays out audio synthesized ahead of time (initiate's
// step 3), using the same pacer as the streaming path.
func (m *Manager) drainPregenerated(ctx context.Context, sess *Session, pcm []byte) error {
	ch := make(chan []byte, 1)
	ch <- pcm
	close(ch)
	return playPCMStream(ctx, sess.sendFrame, ch)
}

// synthesize runs the TTS client's unary Synthesize call behind the TTS
// circuit breaker.
func (m *Manager) synthesize(ctx context.Context, text string) ([]byte, error) {
	var pcm []byte
	err := m.ttsBreaker.Execute("tts", func() error {
		p, synthErr := m.ttsCli.Synthesize(ctx, text, m.voice)
		pcm = p
		return synthErr
	})
	if err != nil {
		if isProviderError(err) {
			m.metrics.RecordProviderError(ctx, "tts", "synthesize")
		}
		return nil, err
	}
	return pcm, nil
}

// connectSTT opens a streaming STT session behind the STT circuit breaker.
func (m *Manager) connectSTT(ctx context.Context) (stt.Session, error) {
	var sess stt.Session
	err := m.sttBreaker.Execute("stt", func() error {
		s, connErr := m.sttProv.Connect(ctx, stt.StreamConfig{
			EndOfUtteranceSilence: m.cfg.EndOfUtteranceSilence,
		})
		sess = s
		return connErr
	})
	if err != nil {
		if isProviderError(err) {
			m.metrics.RecordProviderError(ctx, "stt", "connect")
		}
		return nil, err
	}
	return sess, nil
}

// placeCall places the outbound call behind the carrier circuit breaker.
func (m *Manager) placeCall(ctx context.Context, to, from string) (string, error) {
	var handle string
	err := m.carrierBreaker.Execute(m.carrier.Name(), func() error {
		h, callErr := m.carrier.PlaceCall(ctx, carrier.PlaceCallInput{
			To:             to,
			From:           from,
			WebhookBaseURL: m.webhookBaseURL,
		})
		handle = h
		return callErr
	})
	if err != nil {
		if isProviderError(err) {
			m.metrics.RecordProviderError(ctx, "carrier", "place_call")
		}
		return "", err
	}
	return handle, nil
}

// hangup is best-effort: failures are logged, never raised to the engine,
// since the call has already ended from the engine's perspective.
func (m *Manager) hangup(ctx context.Context, handle string) {
	err := m.carrierBreaker.Execute(m.carrier.Name(), func() error {
		return m.carrier.Hangup(ctx, handle)
	})
	if err != nil {
		slog.Warn("session: hangup error", "handle", handle, "err", err)
	}
}

// isProviderError reports whether err is a genuine provider failure (as
// opposed to a caller-driven context cancellation passed back unwrapped by
// the circuit breaker) — only the former should count against provider
// error metrics.
func isProviderError(err error) bool {
	var pe *errs.ProviderError
	return errors.As(err, &pe)
}

// waitReady polls at the configured cadence for the session's WebSocket to
// be bound and streaming-ready, up to the configured connect timeout.
func (m *Manager) waitReady(ctx context.Context, sess *Session) error {
	deadline := time.Now().Add(m.cfg.ConnectTimeout)
	ticker := time.NewTicker(m.cfg.ConnectPollInterval)
	defer ticker.Stop()

	if sess.ready() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if sess.ready() {
				return nil
			}
			if time.Now().After(deadline) {
				return errs.NewConnectionTimeout(sess.id)
			}
		}
	}
}

func isTranscriptTimeout(err error) bool {
	_, ok := err.(*errs.TranscriptTimeout)
	return ok
}

func outcomeFor(err error) string {
	switch err.(type) {
	case *errs.CallHungUp:
		return "hungup"
	default:
		return "failed"
	}
}
