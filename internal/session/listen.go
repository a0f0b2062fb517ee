package session

import (
	"context"
	"time"

	"github.com/callwire/callwire/internal/errs"
)

// listen runs the transcript-vs-hangup cancellation race described by the
// session engine: the first of "a final transcript arrived" or "the caller
// hung up" to resolve wins. If the hangup flag is already set on entry,
// listen returns immediately without waiting on anything.
//
// The hangup watcher's periodic timer is always stopped before listen
// returns, on every exit path.
func (m *Manager) listen(ctx context.Context, sess *Session, timeout time.Duration) (string, error) {
	if sess.Hungup() {
		return "", errs.NewCallHungUp(sess.id)
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type transcriptResult struct {
		text string
		err  error
	}
	transcriptCh := make(chan transcriptResult, 1)
	hangupCh := make(chan struct{}, 1)
	watcherDone := make(chan struct{})

	go func() {
		defer close(watcherDone)
		ticker := time.NewTicker(m.cfg.HangupPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-raceCtx.Done():
				return
			case <-ticker.C:
				if sess.Hungup() {
					select {
					case hangupCh <- struct{}{}:
					default:
					}
					return
				}
			}
		}
	}()

	sess.mu.Lock()
	sttSess := sess.stt
	sess.mu.Unlock()

	go func() {
		started := time.Now()
		text, err := sttSess.WaitForTranscript(raceCtx, timeout)
		if err == nil {
			m.metrics.RecordTranscriptLatency(ctx, time.Since(started).Seconds())
		}
		select {
		case transcriptCh <- transcriptResult{text: text, err: err}:
		case <-raceCtx.Done():
		}
	}()

	var result transcriptResult
	select {
	case <-hangupCh:
		cancel()
		<-watcherDone
		return "", errs.NewCallHungUp(sess.id)
	case result = <-transcriptCh:
		cancel()
		<-watcherDone
	}

	if sess.Hungup() {
		return "", errs.NewCallHungUp(sess.id)
	}
	if result.err != nil {
		return "", result.err
	}
	return result.text, nil
}
