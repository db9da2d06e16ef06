package session

import (
	"context"
	"testing"
	"time"

	"github.com/voxkit/voxbridge/pkg/errorsx"
	"github.com/voxkit/voxbridge/pkg/events"
	"github.com/voxkit/voxbridge/pkg/metrics"
	"github.com/voxkit/voxbridge/pkg/outbox"
	"github.com/voxkit/voxbridge/pkg/providers/mock"
)

func newTestBridge(tts *mock.Synthesizer, chunkBytes int) (*synthBridge, *outbox.Queue, *interruptController) {
	out := outbox.New(64)
	ctrl := newInterruptController(testLogger(), nil)
	b := newSynthBridge(context.Background(), tts, out, NewTurnState(), ctrl,
		metrics.NoopObserver{}, testLogger(), "s1", "t1", chunkBytes)
	return b, out, ctrl
}

func drain(out *outbox.Queue) []events.Event {
	var evs []events.Event
	for out.Len() > 0 {
		ev, ok := out.Get()
		if !ok {
			break
		}
		evs = append(evs, ev)
	}
	return evs
}

func TestBridgeRechunksToConfiguredSize(t *testing.T) {
	tts := mock.NewTTS(mock.TTSConfig{Chunks: [][]byte{
		{1, 2, 3, 4, 5, 6},
		{7, 8, 9, 10, 11},
	}})
	b, out, ctrl := newTestBridge(tts, 4)

	b.Speak("hello")
	waitUntil(t, time.Second, func() bool { return out.Len() == 5 })

	if !ctrl.Speaking() {
		t.Fatalf("expected speaking state during playback")
	}
	evs := drain(out)
	if evs[0].Type() != events.TypeAudioStart || evs[0].Class() != events.ClassCritical {
		t.Fatalf("first event must be critical audio_start, got %s/%s", evs[0].Type(), evs[0].Class())
	}
	if evs[2].Type() != events.TypeMetrics {
		t.Fatalf("expected metrics after first chunk, got %s", evs[2].Type())
	}
	var sizes []int
	for _, ev := range evs {
		if ev.Kind() == events.KindAudio {
			sizes = append(sizes, len(ev.Audio()))
		}
	}
	want := []int{4, 4, 3}
	if len(sizes) != len(want) {
		t.Fatalf("chunk count %d, want %d", len(sizes), len(want))
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("chunk sizes %v, want %v", sizes, want)
		}
	}
}

func TestBridgeSpeakReplacesPriorStream(t *testing.T) {
	gate := make(chan struct{})
	tts := mock.NewTTS(mock.TTSConfig{Gate: gate})
	b, out, _ := newTestBridge(tts, 4)

	b.Speak("first")
	waitUntil(t, time.Second, func() bool { return tts.OpenCount() == 1 })

	b.Speak("second")
	waitUntil(t, time.Second, func() bool { return tts.OpenCount() == 2 })
	if !tts.Streams()[0].Closed() {
		t.Fatalf("prior stream not closed by replacement")
	}

	close(gate)
	b.Cancel()

	starts := 0
	for _, ev := range drain(out) {
		if ev.Type() == events.TypeAudioStart {
			starts++
		}
	}
	if starts != 2 {
		t.Fatalf("expected 2 audio_start events, got %d", starts)
	}
	if got := tts.LastText(); got != "second" {
		t.Fatalf("last synthesized text %q", got)
	}
}

func TestBridgeCancelStopsChunkFlow(t *testing.T) {
	gate := make(chan struct{})
	tts := mock.NewTTS(mock.TTSConfig{
		Chunks: [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}},
		Gate:   gate,
	})
	b, out, _ := newTestBridge(tts, 4)

	b.Speak("long response")
	gate <- struct{}{}
	waitUntil(t, time.Second, func() bool { return out.Len() == 3 })

	b.Cancel()
	if !tts.Streams()[0].Closed() {
		t.Fatalf("cancel must close the vendor stream")
	}

	audio := 0
	for _, ev := range drain(out) {
		if ev.Kind() == events.KindAudio {
			audio++
		}
	}
	if audio != 1 {
		t.Fatalf("expected exactly 1 chunk before cancel, got %d", audio)
	}
}

func TestBridgeOpenFailureEmitsCriticalError(t *testing.T) {
	tts := mock.NewTTS(mock.TTSConfig{FailOpen: true})
	b, out, _ := newTestBridge(tts, 4)

	b.Speak("hello")
	waitUntil(t, time.Second, func() bool { return out.Len() == 2 })

	evs := drain(out)
	last := evs[len(evs)-1]
	if last.Type() != events.TypeError || last.Class() != events.ClassCritical {
		t.Fatalf("expected critical error, got %s/%s", last.Type(), last.Class())
	}
	if got := last.Payload()["reason"]; got != string(errorsx.ReasonSynthesisConnect) {
		t.Fatalf("wrong reason: %v", got)
	}
}

func TestBridgeIgnoresEmptyText(t *testing.T) {
	tts := mock.NewTTS(mock.TTSConfig{})
	b, out, _ := newTestBridge(tts, 4)

	b.Speak("")
	time.Sleep(20 * time.Millisecond)
	if tts.OpenCount() != 0 || out.Len() != 0 {
		t.Fatalf("empty text must not start synthesis")
	}
}
