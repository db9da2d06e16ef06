package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/voxkit/voxbridge/pkg/adapters/model"
	"github.com/voxkit/voxbridge/pkg/errorsx"
)

type ModelConfig struct {
	SessionID string
	// ScriptedEvents are emitted in order after every SendText/CommitAudio.
	ScriptedEvents []model.Event
	// FailStart makes Start return an error, for upstream-unavailable paths.
	FailStart bool
}

// StreamingModel is a scriptable upstream model for tests and local runs.
type StreamingModel struct {
	cfg ModelConfig
	out chan model.Event

	mu         sync.Mutex
	started    bool
	closed     bool
	audio      [][]byte
	texts      []string
	commits    int
	interrupts atomic.Int32
	startCount atomic.Int32
}

func NewModel(cfg ModelConfig) *StreamingModel {
	return &StreamingModel{
		cfg: cfg,
		out: make(chan model.Event, 64),
	}
}

func (m *StreamingModel) Name() string { return "mock_model" }

func (m *StreamingModel) Start(ctx context.Context) error {
	m.startCount.Add(1)
	if m.cfg.FailStart {
		return errorsx.New(errorsx.ReasonUpstreamConnect, "mock model start refused")
	}
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	return nil
}

func (m *StreamingModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.out)
	return nil
}

func (m *StreamingModel) SendAudio(pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.closed {
		return errorsx.New(errorsx.ReasonUpstreamSend, "mock model not running")
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	m.audio = append(m.audio, buf)
	return nil
}

func (m *StreamingModel) CommitAudio() error {
	m.mu.Lock()
	m.commits++
	m.mu.Unlock()
	m.replay()
	return nil
}

func (m *StreamingModel) SendText(text string) error {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()
	m.replay()
	return nil
}

func (m *StreamingModel) Interrupt() error {
	m.interrupts.Add(1)
	return nil
}

func (m *StreamingModel) Events() <-chan model.Event { return m.out }

// Emit pushes one event onto the stream, for tests that drive the
// dispatcher directly.
func (m *StreamingModel) Emit(ev model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.out <- ev
}

func (m *StreamingModel) replay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, ev := range m.cfg.ScriptedEvents {
		m.out <- ev
	}
}

// Test observation helpers.

func (m *StreamingModel) StartCount() int { return int(m.startCount.Load()) }

func (m *StreamingModel) InterruptCount() int { return int(m.interrupts.Load()) }

func (m *StreamingModel) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

func (m *StreamingModel) AudioFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.audio)
}

func (m *StreamingModel) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}
