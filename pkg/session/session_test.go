package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxkit/voxbridge/pkg/adapters/model"
	"github.com/voxkit/voxbridge/pkg/errorsx"
	"github.com/voxkit/voxbridge/pkg/events"
	"github.com/voxkit/voxbridge/pkg/providers/mock"
	"github.com/voxkit/voxbridge/pkg/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type frame struct {
	mt   int
	data []byte
}

// fakeChannel is an in-memory ClientChannel: tests feed inbound frames and
// inspect what the writer produced.
type fakeChannel struct {
	in   chan frame
	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	writes     []frame
	failWrites bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:   make(chan frame, 64),
		done: make(chan struct{}),
	}
}

func (f *fakeChannel) ReadMessage() (int, []byte, error) {
	select {
	case fr := <-f.in:
		return fr.mt, fr.data, nil
	case <-f.done:
		return 0, nil, errors.New("channel closed")
	}
}

func (f *fakeChannel) WriteMessage(mt int, data []byte) error {
	select {
	case <-f.done:
		return errors.New("channel closed")
	default:
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("write refused")
	}
	f.writes = append(f.writes, frame{mt: mt, data: buf})
	return nil
}

func (f *fakeChannel) setFailWrites(v bool) {
	f.mu.Lock()
	f.failWrites = v
	f.mu.Unlock()
}

// payloadFor returns the decoded payload of the first JSON frame written
// with the given type.
func (f *fakeChannel) payloadFor(typ string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fr := range f.writes {
		if fr.mt == websocket.BinaryMessage {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(fr.data, &payload); err != nil {
			continue
		}
		if payload["type"] == typ {
			return payload, true
		}
	}
	return nil, false
}

func (f *fakeChannel) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeChannel) pushJSON(t *testing.T, msg wire.Inbound) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal inbound: %v", err)
	}
	f.in <- frame{mt: websocket.TextMessage, data: data}
}

// writtenTypes flattens the write log: JSON frames become their "type"
// field, binary frames become "binary".
func (f *fakeChannel) writtenTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.writes))
	for _, fr := range f.writes {
		if fr.mt == websocket.BinaryMessage {
			out = append(out, "binary")
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(fr.data, &payload); err != nil {
			out = append(out, "unparseable")
			continue
		}
		typ, _ := payload["type"].(string)
		out = append(out, typ)
	}
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

type testConn struct {
	conn  *Connection
	ch    *fakeChannel
	mdl   *mock.StreamingModel
	tts   *mock.Synthesizer
	calls *int
}

func newTestConn(t *testing.T, id string, mcfg mock.ModelConfig, tcfg mock.TTSConfig, cfg Config) *testConn {
	t.Helper()
	ch := newFakeChannel()
	mdl := mock.NewModel(mcfg)
	tts := mock.NewTTS(tcfg)
	calls := 0
	var mu sync.Mutex
	factory := func() model.StreamingModel {
		mu.Lock()
		calls++
		mu.Unlock()
		return mdl
	}
	conn := NewConnection(id, ch, factory, tts, nil, testLogger(), cfg)
	t.Cleanup(func() { conn.Close("test done") })
	return &testConn{conn: conn, ch: ch, mdl: mdl, tts: tts, calls: &calls}
}

func TestRegistryDuplicateAndRemove(t *testing.T) {
	reg := NewRegistry(testLogger())
	tc := newTestConn(t, "s1", mock.ModelConfig{}, mock.TTSConfig{}, Config{})
	if err := reg.Add(tc.conn); err != nil {
		t.Fatalf("first add: %v", err)
	}

	dup := newTestConn(t, "s1", mock.ModelConfig{}, mock.TTSConfig{}, Config{})
	if err := reg.Add(dup.conn); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
	if got, ok := reg.Get("s1"); !ok || got != tc.conn {
		t.Fatalf("lookup returned wrong connection")
	}
	if reg.Count() != 1 {
		t.Fatalf("expected count 1, got %d", reg.Count())
	}

	reg.Remove("s1")
	reg.Remove("s1")
	if reg.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Count())
	}
}

func TestRegistryDrainingRefusesNewSessions(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.SetDraining(true)
	tc := newTestConn(t, "s1", mock.ModelConfig{}, mock.TTSConfig{}, Config{})
	if err := reg.Add(tc.conn); !errors.Is(err, ErrDraining) {
		t.Fatalf("expected ErrDraining, got %v", err)
	}
}

func TestCloseRemovesFromRegistryAndIsIdempotent(t *testing.T) {
	reg := NewRegistry(testLogger())
	tc := newTestConn(t, "s1", mock.ModelConfig{}, mock.TTSConfig{}, Config{})
	if err := reg.Add(tc.conn); err != nil {
		t.Fatalf("add: %v", err)
	}
	tc.conn.Start()

	tc.conn.Close("first")
	tc.conn.Close("second")
	select {
	case <-tc.conn.Done():
	case <-time.After(time.Second):
		t.Fatalf("connection never reported done")
	}
	if _, ok := reg.Get("s1"); ok {
		t.Fatalf("registry still holds closed session")
	}
}

func TestEnsureUpstreamConcurrentCreatesOne(t *testing.T) {
	tc := newTestConn(t, "s1", mock.ModelConfig{}, mock.TTSConfig{}, Config{})

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tc.conn.ensureUpstream()
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ensureUpstream: %v", err)
		}
	}
	if *tc.calls != 1 {
		t.Fatalf("expected 1 model construction, got %d", *tc.calls)
	}
	if tc.mdl.StartCount() != 1 {
		t.Fatalf("expected 1 start, got %d", tc.mdl.StartCount())
	}
}

func TestEnsureUpstreamFailureEmitsErrorAndThrottles(t *testing.T) {
	tc := newTestConn(t, "s1", mock.ModelConfig{FailStart: true}, mock.TTSConfig{}, Config{})

	if _, err := tc.conn.ensureUpstream(); err == nil {
		t.Fatalf("expected connect failure")
	}
	if _, err := tc.conn.ensureUpstream(); !errorsx.HasReason(err, errorsx.ReasonUpstreamUnavailable) {
		t.Fatalf("expected upstream_unavailable, got %v", err)
	}
	if *tc.calls != 1 {
		t.Fatalf("expected redial suppressed inside throttle window, dials=%d", *tc.calls)
	}

	ev, ok := tc.conn.out.Get()
	if !ok {
		t.Fatalf("expected queued error event")
	}
	if ev.Type() != events.TypeError || ev.Class() != events.ClassCritical {
		t.Fatalf("expected critical error event, got %s/%s", ev.Type(), ev.Class())
	}
	if got := ev.Payload()["reason"]; got != string(errorsx.ReasonUpstreamUnavailable) {
		t.Fatalf("wrong reason: %v", got)
	}
	if tc.conn.out.Len() != 0 {
		t.Fatalf("expected exactly one error event, %d left", tc.conn.out.Len())
	}
}

func TestTextTurnFlow(t *testing.T) {
	script := []model.Event{
		{Type: model.EventTextDelta, Delta: "hel"},
		{Type: model.EventTextDelta, Delta: "lo"},
		{Type: model.EventTextDone, Transcript: "hello"},
		{Type: model.EventResponseDone, InputTokens: 10, OutputTokens: 20},
	}
	tc := newTestConn(t, "s1", mock.ModelConfig{ScriptedEvents: script},
		mock.TTSConfig{Chunks: [][]byte{make([]byte, 6000)}}, Config{TTSChunkBytes: 4096})
	tc.conn.Start()

	tc.ch.pushJSON(t, wire.Inbound{Type: wire.MsgText, Text: "hi"})

	waitUntil(t, 2*time.Second, func() bool {
		types := tc.ch.writtenTypes()
		return contains(types, model.EventResponseDone) && contains(types, "binary")
	})

	if *tc.calls != 1 {
		t.Fatalf("expected lazy single upstream, got %d", *tc.calls)
	}
	texts := tc.mdl.Texts()
	if len(texts) != 1 || texts[0] != "hi" {
		t.Fatalf("upstream got %v", texts)
	}

	types := tc.ch.writtenTypes()
	if !contains(types, model.EventTextDelta) {
		t.Fatalf("missing text delta in %v", types)
	}
	if !contains(types, model.EventTextDone) {
		t.Fatalf("missing text done in %v", types)
	}
	sawStart := false
	for _, typ := range types {
		if typ == events.TypeAudioStart {
			sawStart = true
		}
		if typ == "binary" && !sawStart {
			t.Fatalf("audio chunk before audio_start: %v", types)
		}
	}
	if !sawStart {
		t.Fatalf("missing audio_start in %v", types)
	}

	usage := tc.conn.turns.Snapshot()
	if usage.InputTokens != 10 || usage.OutputTokens != 20 {
		t.Fatalf("usage not recorded: %+v", usage)
	}
	wantCost := 10*costPerInputToken + 20*costPerOutputToken
	if usage.Cost != wantCost {
		t.Fatalf("cost %v, want %v", usage.Cost, wantCost)
	}
}

func TestBargeInPurgesAndAcks(t *testing.T) {
	tc := newTestConn(t, "s1", mock.ModelConfig{}, mock.TTSConfig{}, Config{})
	conn := tc.conn

	if _, err := conn.ensureUpstream(); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	conn.out.TryPut(events.NewAudioChunk([]byte{1, 2}, events.ClassDroppable))
	conn.out.TryPut(events.NewJSON(events.TypeHistoryAdded, nil, events.ClassDroppable))
	conn.out.TryPut(events.NewAudioChunk([]byte{3, 4}, events.ClassDroppable))
	conn.ctrl.BeginPlayback()

	conn.handleInbound(wire.Inbound{Type: wire.MsgClientVADStart})

	if conn.ctrl.Speaking() {
		t.Fatalf("still speaking after barge-in")
	}
	if tc.mdl.InterruptCount() != 1 {
		t.Fatalf("expected upstream interrupt, got %d", tc.mdl.InterruptCount())
	}

	var drained []events.Event
	for conn.out.Len() > 0 {
		ev, ok := conn.out.Get()
		if !ok {
			break
		}
		drained = append(drained, ev)
	}
	if len(drained) != 2 {
		t.Fatalf("expected history + ack, got %d events", len(drained))
	}
	if drained[0].Type() != events.TypeHistoryAdded {
		t.Fatalf("non-audio event lost: %v", drained[0].Type())
	}
	if drained[1].Type() != events.TypeAudioInterrupted || drained[1].Class() != events.ClassCritical {
		t.Fatalf("missing critical ack, got %s/%s", drained[1].Type(), drained[1].Class())
	}

	// Second interrupt while idle is a no-op.
	conn.handleInbound(wire.Inbound{Type: wire.MsgInterrupt})
	if conn.out.Len() != 0 {
		t.Fatalf("idle interrupt must not produce events")
	}
	if conn.ctrl.BargeIns() != 1 {
		t.Fatalf("expected 1 barge-in, got %d", conn.ctrl.BargeIns())
	}
}

func TestPlaybackDrainedEndsSpeakingWithoutSideEffects(t *testing.T) {
	tc := newTestConn(t, "s1", mock.ModelConfig{}, mock.TTSConfig{}, Config{})
	conn := tc.conn

	conn.out.TryPut(events.NewAudioChunk([]byte{1, 2}, events.ClassDroppable))
	conn.ctrl.BeginPlayback()
	conn.handleInbound(wire.Inbound{Type: wire.MsgPlaybackDrained})

	if conn.ctrl.Speaking() {
		t.Fatalf("still speaking after drain")
	}
	if conn.ctrl.BargeIns() != 0 {
		t.Fatalf("drain counted as barge-in")
	}
	if conn.out.Len() != 1 {
		t.Fatalf("drain must not purge or ack, queue len %d", conn.out.Len())
	}
}

func TestInboundAudioDropsOldest(t *testing.T) {
	tc := newTestConn(t, "s1", mock.ModelConfig{}, mock.TTSConfig{}, Config{IncomingAudioMax: 4})
	conn := tc.conn

	for i := 0; i < 10; i++ {
		conn.enqueueAudio([]byte{byte(i), 0})
	}
	if conn.audioDropped.Load() != 6 {
		t.Fatalf("expected 6 dropped frames, got %d", conn.audioDropped.Load())
	}
	var got []byte
	for len(conn.inAudio) > 0 {
		got = append(got, (<-conn.inAudio)[0])
	}
	want := []byte{6, 7, 8, 9}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("retained %v, want newest %v", got, want)
	}
}

func TestInvalidAudioFrameRejected(t *testing.T) {
	tc := newTestConn(t, "s1", mock.ModelConfig{}, mock.TTSConfig{}, Config{})
	conn := tc.conn

	conn.enqueueAudio(nil)
	conn.enqueueAudio([]byte{1, 2, 3})
	if len(conn.inAudio) != 0 {
		t.Fatalf("invalid frames must not enqueue")
	}
	if conn.audioDropped.Load() != 0 {
		t.Fatalf("invalid frames are rejected, not counted as drops")
	}
}

func TestSpeechStartedInterruptsWithoutUpstreamCancel(t *testing.T) {
	tc := newTestConn(t, "s1", mock.ModelConfig{}, mock.TTSConfig{}, Config{})
	conn := tc.conn
	if _, err := conn.ensureUpstream(); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	conn.ctrl.BeginPlayback()

	conn.handleModelEvent(model.Event{Type: model.EventSpeechStarted})

	if conn.ctrl.Speaking() {
		t.Fatalf("server VAD must end speaking state")
	}
	if tc.mdl.InterruptCount() != 0 {
		t.Fatalf("server-detected speech must not echo an interrupt upstream")
	}
}

func TestSessionStartDialsUpstream(t *testing.T) {
	tc := newTestConn(t, "s1", mock.ModelConfig{}, mock.TTSConfig{}, Config{})
	tc.conn.Start()

	tc.ch.pushJSON(t, wire.Inbound{Type: wire.MsgSessionStart})

	waitUntil(t, 2*time.Second, func() bool {
		return tc.mdl.StartCount() == 1
	})
	if *tc.calls != 1 {
		t.Fatalf("expected one upstream construction, got %d", *tc.calls)
	}
}

func TestEmptyTextRejectedWithoutDial(t *testing.T) {
	tc := newTestConn(t, "s1", mock.ModelConfig{}, mock.TTSConfig{}, Config{})
	tc.conn.Start()

	tc.ch.pushJSON(t, wire.Inbound{Type: wire.MsgText, Text: "   "})

	waitUntil(t, 2*time.Second, func() bool {
		return contains(tc.ch.writtenTypes(), events.TypeError)
	})
	if *tc.calls != 0 {
		t.Fatalf("empty text must not dial upstream, got %d constructions", *tc.calls)
	}
	if len(tc.mdl.Texts()) != 0 {
		t.Fatalf("empty text leaked upstream: %v", tc.mdl.Texts())
	}
}

func TestUserTranscriptReachesClient(t *testing.T) {
	tc := newTestConn(t, "s1", mock.ModelConfig{}, mock.TTSConfig{}, Config{})
	tc.conn.Start()

	tc.conn.handleModelEvent(model.Event{
		Type:       model.EventHistoryAdded,
		Transcript: "hello world",
	})

	waitUntil(t, 2*time.Second, func() bool {
		_, ok := tc.ch.payloadFor(model.EventHistoryAdded)
		return ok
	})
	payload, _ := tc.ch.payloadFor(model.EventHistoryAdded)
	if payload["transcript"] != "hello world" {
		t.Fatalf("transcript missing from payload: %v", payload)
	}
	if got := tc.conn.turns.UserTranscript(); got != "hello world" {
		t.Fatalf("turn state transcript %q", got)
	}
}

func TestWriteFailureTearsDownSession(t *testing.T) {
	tc := newTestConn(t, "s1", mock.ModelConfig{}, mock.TTSConfig{}, Config{})
	tc.conn.Start()
	tc.ch.setFailWrites(true)

	if err := tc.conn.out.Put(events.NewJSON(events.TypeError, nil, events.ClassCritical)); err != nil {
		t.Fatalf("put: %v", err)
	}

	select {
	case <-tc.conn.Done():
	case <-time.After(time.Second):
		t.Fatalf("connection survived fatal write error")
	}
}

func TestUpstreamStreamEndTearsDown(t *testing.T) {
	tc := newTestConn(t, "s1", mock.ModelConfig{}, mock.TTSConfig{}, Config{})
	tc.conn.Start()
	if _, err := tc.conn.ensureUpstream(); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	tc.mdl.Close()

	select {
	case <-tc.conn.Done():
	case <-time.After(time.Second):
		t.Fatalf("connection survived upstream stream end")
	}
}
