package mock

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/voxkit/voxbridge/pkg/adapters/speech"
	"github.com/voxkit/voxbridge/pkg/errorsx"
)

type TTSConfig struct {
	// Chunks returned by each opened stream, in order.
	Chunks [][]byte
	// FailOpen makes Open return an error.
	FailOpen bool
	// Gate, when set, blocks each Next call until a value is received.
	// Lets tests interleave interruption with chunk delivery.
	Gate chan struct{}
}

// Synthesizer is a scriptable TTS vendor for tests and local runs.
type Synthesizer struct {
	cfg      TTSConfig
	opens    atomic.Int32
	mu       sync.Mutex
	lastText string
	streams  []*Stream
}

func NewTTS(cfg TTSConfig) *Synthesizer {
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Open(ctx context.Context, text string) (speech.Stream, error) {
	s.opens.Add(1)
	if s.cfg.FailOpen {
		return nil, errorsx.New(errorsx.ReasonSynthesisConnect, "mock tts open refused")
	}
	st := &Stream{chunks: s.cfg.Chunks, gate: s.cfg.Gate}
	s.mu.Lock()
	s.lastText = text
	s.streams = append(s.streams, st)
	s.mu.Unlock()
	return st, nil
}

func (s *Synthesizer) OpenCount() int { return int(s.opens.Load()) }

func (s *Synthesizer) LastText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastText
}

// Streams returns every stream handed out so far.
func (s *Synthesizer) Streams() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Stream(nil), s.streams...)
}

type Stream struct {
	mu     sync.Mutex
	chunks [][]byte
	pos    int
	gate   chan struct{}
	closed atomic.Bool
}

func (t *Stream) Next(ctx context.Context) ([]byte, error) {
	if t.gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.gate:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() || t.pos >= len(t.chunks) {
		return nil, io.EOF
	}
	chunk := t.chunks[t.pos]
	t.pos++
	return chunk, nil
}

func (t *Stream) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *Stream) Closed() bool { return t.closed.Load() }
