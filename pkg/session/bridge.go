package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/voxkit/voxbridge/pkg/adapters/speech"
	"github.com/voxkit/voxbridge/pkg/errorsx"
	"github.com/voxkit/voxbridge/pkg/events"
	"github.com/voxkit/voxbridge/pkg/metrics"
	"github.com/voxkit/voxbridge/pkg/outbox"
	"github.com/voxkit/voxbridge/pkg/resilience"
)

// synthBridge streams one TTS response at a time into the outbox. Starting a
// new response cancels the previous stream first, so at most one synthesis
// goroutine is live per connection.
type synthBridge struct {
	synth      speech.Synthesizer
	out        *outbox.Queue
	turns      *TurnState
	ctrl       *interruptController
	obs        metrics.Observer
	log        *slog.Logger
	sessionID  string
	traceID    string
	chunkBytes int

	parent context.Context

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newSynthBridge(parent context.Context, synth speech.Synthesizer, out *outbox.Queue, turns *TurnState, ctrl *interruptController, obs metrics.Observer, log *slog.Logger, sessionID, traceID string, chunkBytes int) *synthBridge {
	if chunkBytes <= 0 {
		chunkBytes = 4096
	}
	return &synthBridge{
		synth:      synth,
		out:        out,
		turns:      turns,
		ctrl:       ctrl,
		obs:        obs,
		log:        log,
		sessionID:  sessionID,
		traceID:    traceID,
		chunkBytes: chunkBytes,
		parent:     parent,
	}
}

// Speak starts synthesis for a finished response, replacing any stream that
// is still running.
func (b *synthBridge) Speak(text string) {
	if b.synth == nil || text == "" {
		return
	}
	b.mu.Lock()
	b.cancelCurrentLocked()
	ctx, cancel := context.WithCancel(b.parent)
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	go b.run(ctx, text, done)
}

// Cancel stops the current stream, if any, and waits for its goroutine to
// finish. Safe to call with nothing running.
func (b *synthBridge) Cancel() {
	b.mu.Lock()
	b.cancelCurrentLocked()
	b.mu.Unlock()
}

func (b *synthBridge) cancelCurrentLocked() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
	b.cancel = nil
	b.done = nil
}

func (b *synthBridge) run(ctx context.Context, text string, done chan struct{}) {
	defer close(done)

	if err := b.out.Put(events.NewJSON(events.TypeAudioStart, nil, events.ClassCritical)); err != nil {
		return
	}
	b.ctrl.BeginPlayback()

	stream, err := b.synth.Open(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		b.reportFailure(err)
		return
	}
	defer stream.Close()

	var (
		buf   []byte
		first = true
	)
	for {
		chunk, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return
			}
			b.reportFailure(err)
			return
		}
		buf = append(buf, chunk...)
		for len(buf) >= b.chunkBytes {
			if !b.emit(ctx, buf[:b.chunkBytes:b.chunkBytes], &first) {
				return
			}
			buf = buf[b.chunkBytes:]
		}
	}
	if len(buf) > 0 {
		if !b.emit(ctx, buf, &first) {
			return
		}
	}
	b.log.Debug("synthesis complete", "session_id", b.sessionID, "chars", len(text))
}

// emit enqueues one playable chunk. The context check sits between fetch and
// enqueue so a barge-in never races a stale chunk past the purge.
func (b *synthBridge) emit(ctx context.Context, chunk []byte, first *bool) bool {
	if ctx.Err() != nil {
		return false
	}
	b.out.TryPut(events.NewAudioChunk(chunk, events.ClassDroppable))
	if *first {
		*first = false
		b.recordFirstChunk()
	}
	return true
}

func (b *synthBridge) recordFirstChunk() {
	now := time.Now()
	ttsMs, turnMs := b.turns.SpeakStarted(now)
	b.out.TryPut(events.NewJSON(events.TypeMetrics, map[string]any{
		"tts_ms":  ttsMs,
		"turn_ms": turnMs,
	}, events.ClassDroppable))
	b.obs.RecordEvent(metrics.MetricsEvent{
		Name: "tts_first_audio",
		Time: now,
		Tags: map[string]string{"session_id": b.sessionID, "trace_id": b.traceID},
	})
}

func (b *synthBridge) reportFailure(err error) {
	reason := errorsx.Reason(err)
	if reason == errorsx.ReasonUnknown {
		reason = errorsx.ReasonSynthesisFailed
	}
	if resilience.IsRateLimit(err) {
		reason = errorsx.ReasonSynthesisRateLimit
	}
	b.log.Error("synthesis failed", "session_id", b.sessionID, "error", err)
	_ = b.out.Put(events.NewJSON(events.TypeError, map[string]any{
		"reason":  string(reason),
		"message": "speech synthesis failed",
	}, events.ClassCritical))
}
