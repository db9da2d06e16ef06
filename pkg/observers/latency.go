// Package observers implements metrics.Observer sinks over the session
// event stream: latency summaries, per-session cost, artifact timelines.
package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxkit/voxbridge/pkg/metrics"
)

// LatencyObserver reconstructs per-turn latency from the session metric
// stream and logs one summary line when a turn's audio starts playing.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*turnTrace
	log    *slog.Logger
}

type turnTrace struct {
	commit     time.Time
	firstDelta time.Time
	firstAudio time.Time
	traceID    string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*turnTrace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ""
	if ev.Tags != nil {
		sessionID = ev.Tags["session_id"]
	}
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[sessionID]
	if t == nil {
		t = &turnTrace{}
		o.traces[sessionID] = t
	}
	if t.traceID == "" && ev.Tags != nil {
		t.traceID = ev.Tags["trace_id"]
	}
	switch ev.Name {
	case "speech_commit":
		// A new commit starts a fresh turn window.
		t.commit = ev.Time
		t.firstDelta = time.Time{}
		t.firstAudio = time.Time{}
	case "model_first_delta":
		if t.firstDelta.IsZero() {
			t.firstDelta = ev.Time
		}
	case "tts_first_audio":
		if !t.firstAudio.IsZero() {
			return
		}
		t.firstAudio = ev.Time
		o.logTurnLocked(sessionID, t)
	case "session_closed":
		delete(o.traces, sessionID)
	}
}

func (o *LatencyObserver) logTurnLocked(sessionID string, t *turnTrace) {
	o.log.Info("turn_latency",
		"session_id", sessionID,
		"trace_id", t.traceID,
		"think_ms", durationMs(t.commit, t.firstDelta),
		"synth_ms", durationMs(t.firstDelta, t.firstAudio),
		"commit_to_audio_ms", durationMs(t.commit, t.firstAudio),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
