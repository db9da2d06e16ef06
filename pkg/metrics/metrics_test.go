package metrics

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

func TestAsyncObserverDeliversAndCloses(t *testing.T) {
	sink := NewMemoryObserver()
	async := NewAsyncObserver(sink, 8)

	for i := 0; i < 3; i++ {
		async.RecordEvent(MetricsEvent{Name: "turn"})
	}
	waitUntil(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.Events) == 3
	})

	async.Close()
	async.Close() // idempotent
	async.RecordEvent(MetricsEvent{Name: "late"})
	if got := async.Dropped(); got != 0 {
		t.Fatalf("dropped %d", got)
	}
}

func TestSamplingObserverRate(t *testing.T) {
	sink := NewMemoryObserver()
	s := NewSamplingObserver(sink, 0.5)
	for i := 0; i < 10; i++ {
		s.RecordEvent(MetricsEvent{Name: "tick"})
	}
	if len(sink.Events) != 5 {
		t.Fatalf("sampled %d events, want 5", len(sink.Events))
	}

	off := NewSamplingObserver(NewMemoryObserver(), 0)
	off.RecordEvent(MetricsEvent{Name: "tick"})
}

func TestJSONLObserverWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	o := NewJSONLObserver(&buf)
	o.RecordEvent(MetricsEvent{
		Name:  "session_closed",
		Time:  time.Now(),
		Value: 0.02,
		Tags:  map[string]string{"session_id": "s1"},
	})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if line["name"] != "session_closed" || line["session_id"] != "s1" {
		t.Fatalf("unexpected line: %v", line)
	}
}
