package session

import (
	"context"
	"time"

	"github.com/callwire/callwire/pkg/audio"
)

const (
	// jitterFillBytes is the 100ms / 800-byte pre-roll that must accumulate
	// in the mulaw buffer before the first outbound frame is sent.
	jitterFillBytes = 800

	// frameInterval is the wall-clock spacing between outbound frames. It
	// must never be skipped once transmission has started.
	frameInterval = 20 * time.Millisecond
)

// playPCMStream drains pcm chunks at 24kHz off pcmChunks, downsamples and
// mulaw-encodes them incrementally, jitter-buffers the result, and paces
// 160-byte frames onto send at 20ms intervals. It returns once pcmChunks is
// closed and every buffered byte has been transmitted (or ctx is done).
//
// Both the unary (synthesize) and streaming (synthesize_stream) TTS paths
// funnel through this one function: the unary caller simply sends its whole
// buffer as a single chunk and closes the channel.
func playPCMStream(ctx context.Context, send func(context.Context, []byte) error, pcmChunks <-chan []byte) error {
	frames := make(chan []byte, 64)
	done := make(chan error, 1)

	go func() {
		done <- pace(ctx, send, frames)
	}()

	var pendingPCM, pendingMulaw []byte
	started := false

	flush := func() {
		for len(pendingMulaw) >= audio.MulawFrameBytes {
			frame := pendingMulaw[:audio.MulawFrameBytes]
			pendingMulaw = pendingMulaw[audio.MulawFrameBytes:]
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}

	ingest := func(pcm []byte) {
		pendingPCM = append(pendingPCM, pcm...)
		usable := len(pendingPCM) - (len(pendingPCM) % 6)
		if usable == 0 {
			return
		}
		chunk := pendingPCM[:usable]
		pendingPCM = append([]byte(nil), pendingPCM[usable:]...)

		down := audio.DownsampleTo8k(chunk)
		mu := audio.PCMToMulaw(down)
		pendingMulaw = append(pendingMulaw, mu...)

		if !started {
			if len(pendingMulaw) < jitterFillBytes {
				return
			}
			started = true
		}
		flush()
	}

loop:
	for {
		select {
		case pcm, ok := <-pcmChunks:
			if !ok {
				break loop
			}
			ingest(pcm)
		case <-ctx.Done():
			close(frames)
			<-done
			return ctx.Err()
		}
	}

	// Stream ended. Flush any residual bytes: the trailing partial PCM
	// triple is discarded (spec-mandated truncation), but a possibly
	// undersized tail mulaw frame is sent.
	if len(pendingMulaw) > 0 {
		select {
		case frames <- pendingMulaw:
		case <-ctx.Done():
		}
	}
	close(frames)
	return <-done
}

// pace reads frames off the channel and writes each one via send, never
// spacing consecutive writes closer than frameInterval apart.
func pace(ctx context.Context, send func(context.Context, []byte) error, frames <-chan []byte) error {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	first := true
	for frame := range frames {
		if !first {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		first = false
		if err := send(ctx, frame); err != nil {
			return err
		}
		// Restart the interval from this write so a tick left over from a
		// stall in the frame supply cannot release the next frame early.
		ticker.Reset(frameInterval)
	}
	return nil
}
