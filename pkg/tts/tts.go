// Package tts defines the speech-synthesis contract used by the session
// engine, independent of which synthesis backend is wired in.
package tts

import "context"

// VoiceProfile identifies the voice a synthesis call should use.
type VoiceProfile struct {
	ID          string
	Name        string
	Provider    string
	PitchShift  float64
	SpeedFactor float64
}

// Client synthesizes speech from text, returning linear PCM at 24 kHz.
type Client interface {
	// Synthesize returns the entire utterance as linear PCM.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)

	// SynthesizeStream returns a channel of incremental PCM chunks for the
	// same utterance. It exists solely to reduce time-to-first-audio; the
	// channel is closed when synthesis completes or ctx is cancelled.
	SynthesizeStream(ctx context.Context, text string, voice VoiceProfile) (<-chan []byte, error)
}
