package observers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voxkit/voxbridge/pkg/metrics"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(metrics.MetricsEvent{
		Name: "tts_first_audio",
		Time: time.Now(),
		Tags: map[string]string{
			"session_id": "sess-1",
			"trace_id":   "trace-1",
		},
	})
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "sess-1.timeline.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.Contains(string(b), "tts_first_audio") {
		t.Fatalf("expected event in timeline: %s", b)
	}
}

func TestCostObserverSummarizesUsage(t *testing.T) {
	dir := t.TempDir()
	obs := NewCostObserver(dir)

	tags := map[string]string{"session_id": "sess-1", "trace_id": "trace-1"}
	obs.RecordEvent(metrics.MetricsEvent{
		Name:   "model_done",
		Time:   time.Now(),
		Tags:   tags,
		Fields: map[string]any{"input_tokens": 100, "output_tokens": 40},
	})
	obs.RecordEvent(metrics.MetricsEvent{
		Name:   "model_done",
		Time:   time.Now(),
		Tags:   tags,
		Fields: map[string]any{"input_tokens": 50, "output_tokens": 10},
	})
	obs.RecordEvent(metrics.MetricsEvent{
		Name:  "session_closed",
		Time:  time.Now(),
		Value: 0.0042,
		Tags:  tags,
	})
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "sess-1.cost.json"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var sum CostSummary
	if err := json.Unmarshal(b, &sum); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sum.InputTokens != 150 || sum.OutputTokens != 50 || sum.Turns != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.CostUSD != 0.0042 {
		t.Fatalf("cost %v", sum.CostUSD)
	}
}

func TestLatencyObserverLogsOncePerTurn(t *testing.T) {
	obs := NewLatencyObserver(nil)
	base := time.Now()
	tags := map[string]string{"session_id": "sess-1"}

	obs.RecordEvent(metrics.MetricsEvent{Name: "speech_commit", Time: base, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "model_first_delta", Time: base.Add(200 * time.Millisecond), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "tts_first_audio", Time: base.Add(350 * time.Millisecond), Tags: tags})

	obs.mu.Lock()
	tr := obs.traces["sess-1"]
	obs.mu.Unlock()
	if tr == nil || tr.firstAudio.IsZero() {
		t.Fatalf("turn not recorded")
	}

	obs.RecordEvent(metrics.MetricsEvent{Name: "session_closed", Time: base.Add(time.Second), Tags: tags})
	obs.mu.Lock()
	_, ok := obs.traces["sess-1"]
	obs.mu.Unlock()
	if ok {
		t.Fatalf("trace not released on session close")
	}
}
