// Package stt defines the streaming speech-to-text session contract used by
// the session engine, independent of which recognizer backend is wired in.
package stt

import (
	"context"
	"time"
)

// DefaultEndOfUtteranceSilence is the trailing-silence duration after which
// a backend must commit whatever it has buffered as a final transcript.
const DefaultEndOfUtteranceSilence = 800 * time.Millisecond

// StreamConfig configures a streaming recognition session.
type StreamConfig struct {
	SampleRate            int
	Language              string
	EndOfUtteranceSilence time.Duration
}

// WithDefaults returns a copy of cfg with zero-value fields filled from the
// package defaults.
func (cfg StreamConfig) WithDefaults() StreamConfig {
	if cfg.EndOfUtteranceSilence <= 0 {
		cfg.EndOfUtteranceSilence = DefaultEndOfUtteranceSilence
	}
	return cfg
}

// Session is a live, authenticated streaming recognizer connection.
type Session interface {
	// SendAudio enqueues an audio chunk for delivery to the recognizer. It
	// never blocks the caller on network I/O.
	SendAudio(chunk []byte) error

	// WaitForTranscript blocks until the recognizer commits its next final
	// utterance — a segment followed by at least the configured
	// end-of-utterance silence — or ctx is done, or timeout elapses.
	// Returns *errs.TranscriptTimeout on expiry. Repeatable for successive
	// turns within the same session.
	WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error)

	// Close releases the connection. Idempotent.
	Close() error
}

// Provider establishes new streaming recognition sessions.
type Provider interface {
	// Connect establishes an authenticated streaming connection to the
	// external recognizer.
	Connect(ctx context.Context, cfg StreamConfig) (Session, error)
}
