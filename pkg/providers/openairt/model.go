// Package openairt implements the upstream realtime model adapter against
// an OpenAI-compatible realtime WebSocket endpoint (api.openai.com or an
// Azure deployment URL).
package openairt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/voxkit/voxbridge/pkg/adapters/model"
	"github.com/voxkit/voxbridge/pkg/errorsx"
	"github.com/voxkit/voxbridge/pkg/logging"
)

type Config struct {
	APIKey     string
	Model      string
	URL        string
	SessionID  string
	TraceID    string
	SampleRate int

	// Server VAD tuning forwarded in session.update.
	PrefixPaddingMS   int
	SilenceDurationMS int
	TranscribeModel   string
}

type StreamingModel struct {
	cfg     Config
	conn    *websocket.Conn
	out     chan model.Event
	writeCh chan map[string]any
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
	logger  *slog.Logger
}

func New(cfg Config) *StreamingModel {
	if cfg.Model == "" {
		cfg.Model = "gpt-realtime"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	if cfg.PrefixPaddingMS == 0 {
		cfg.PrefixPaddingMS = 1000
	}
	if cfg.SilenceDurationMS == 0 {
		cfg.SilenceDurationMS = 1000
	}
	if cfg.TranscribeModel == "" {
		cfg.TranscribeModel = "gpt-4o-transcribe"
	}
	return &StreamingModel{
		cfg:     cfg,
		out:     make(chan model.Event, 256),
		writeCh: make(chan map[string]any, 256),
		logger:  logging.NewComponentLogger(slog.Default(), "openairt_model"),
	}
}

func (m *StreamingModel) Name() string { return "openai_realtime" }

func (m *StreamingModel) Start(ctx context.Context) error {
	if m.cfg.APIKey == "" {
		return errorsx.New(errorsx.ReasonConfigInvalid, "missing openai realtime api key")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	u := m.cfg.URL
	if u == "" {
		q := url.Values{}
		q.Set("model", m.cfg.Model)
		u = "wss://api.openai.com/v1/realtime?" + q.Encode()
	}

	m.logger.Debug("connecting to realtime model",
		slog.String("session_id", m.cfg.SessionID),
		slog.String("model", m.cfg.Model))

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, _, err := dialer.DialContext(ctx, u, http.Header{
		"Authorization": []string{"Bearer " + m.cfg.APIKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	})
	if err != nil {
		m.logger.Error("failed to connect to realtime model",
			slog.String("session_id", m.cfg.SessionID),
			slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonUpstreamConnect)
	}
	m.conn = conn

	m.logger.Info("connected to realtime model",
		slog.String("session_id", m.cfg.SessionID),
		slog.String("model", m.cfg.Model))

	_ = m.enqueueWrite(m.sessionUpdatePayload())
	go m.readLoop()
	go m.writeLoop()
	return nil
}

func (m *StreamingModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	if m.conn != nil {
		_ = m.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return m.conn.Close()
	}
	return nil
}

func (m *StreamingModel) SendAudio(pcm []byte) error {
	return m.enqueueWrite(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (m *StreamingModel) CommitAudio() error {
	return m.enqueueWrite(map[string]any{"type": "input_audio_buffer.commit"})
}

func (m *StreamingModel) SendText(text string) error {
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
	if err := m.enqueueWrite(item); err != nil {
		return err
	}
	return m.enqueueWrite(map[string]any{"type": "response.create"})
}

func (m *StreamingModel) Interrupt() error {
	return m.enqueueWrite(map[string]any{"type": "response.cancel"})
}

func (m *StreamingModel) Events() <-chan model.Event { return m.out }

func (m *StreamingModel) enqueueWrite(payload map[string]any) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return errorsx.New(errorsx.ReasonUpstreamSend, "realtime model closed")
	}
	select {
	case m.writeCh <- payload:
		return nil
	default:
		return errorsx.New(errorsx.ReasonUpstreamSend, "realtime write queue full")
	}
}

func (m *StreamingModel) sessionUpdatePayload() map[string]any {
	return map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"prefix_padding_ms":   m.cfg.PrefixPaddingMS,
				"silence_duration_ms": m.cfg.SilenceDurationMS,
				"interrupt_response":  true,
				"create_response":     true,
			},
			"input_audio_transcription": map[string]any{
				"model": m.cfg.TranscribeModel,
			},
			"modalities": []string{"text"},
		},
	}
}

func (m *StreamingModel) writeLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case payload := <-m.writeCh:
			if err := m.conn.WriteJSON(payload); err != nil {
				m.logger.Error("realtime write error",
					slog.String("session_id", m.cfg.SessionID),
					slog.String("error", err.Error()))
				m.fail(errorsx.Wrap(err, errorsx.ReasonUpstreamSend))
				return
			}
		}
	}
}

func (m *StreamingModel) readLoop() {
	defer close(m.out)
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
			_, data, err := m.conn.ReadMessage()
			if err != nil {
				if m.ctx.Err() == nil {
					m.logger.Error("realtime read error",
						slog.String("session_id", m.cfg.SessionID),
						slog.String("error", err.Error()))
					m.emit(model.Event{Type: model.EventError, Err: errorsx.Wrap(err, errorsx.ReasonUpstreamUnavailable)})
				}
				return
			}
			if ev, ok := m.translate(data); ok {
				m.emit(ev)
			}
		}
	}
}

func (m *StreamingModel) fail(err error) {
	select {
	case m.out <- model.Event{Type: model.EventError, Err: err}:
	default:
	}
	_ = m.Close()
}

func (m *StreamingModel) emit(ev model.Event) {
	select {
	case m.out <- ev:
	default:
		m.logger.Warn("realtime event channel full",
			slog.String("session_id", m.cfg.SessionID),
			slog.String("type", ev.Type))
	}
}

// translate maps a raw server payload to the vendor-agnostic event set.
// Unknown types pass through by name so the dispatcher can forward them
// verbatim.
func (m *StreamingModel) translate(data []byte) (model.Event, bool) {
	var raw struct {
		Type       string `json:"type"`
		Delta      string `json:"delta"`
		Text       string `json:"text"`
		Transcript string `json:"transcript"`
		Error      *struct {
			Message string `json:"message"`
		} `json:"error"`
		Item     map[string]any `json:"item"`
		Response *struct {
			Usage *struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		m.logger.Warn("realtime raw payload", "data", string(data))
		return model.Event{}, false
	}

	switch raw.Type {
	case "session.created", "session.updated", "response.output_item.added",
		"response.content_part.added", "response.content_part.done",
		"rate_limits.updated", "input_audio_buffer.cleared":
		// Bookkeeping noise the session layer does not act on.
		return model.Event{}, false

	case "response.output_text.done", "response.text.done":
		text := raw.Text
		if text == "" {
			text = raw.Transcript
		}
		return model.Event{Type: model.EventTextDone, Transcript: text}, true

	case "response.text.delta", "response.output_text.delta":
		return model.Event{Type: model.EventTextDelta, Delta: raw.Delta}, true

	case "conversation.item.input_audio_transcription.completed":
		return model.Event{Type: model.EventHistoryAdded, Transcript: raw.Transcript, Item: raw.Item}, true

	case "conversation.item.created":
		return model.Event{Type: model.EventHistoryAdded, Item: raw.Item}, true

	case "response.done":
		ev := model.Event{Type: model.EventResponseDone}
		if raw.Response != nil && raw.Response.Usage != nil {
			ev.InputTokens = raw.Response.Usage.InputTokens
			ev.OutputTokens = raw.Response.Usage.OutputTokens
		}
		return ev, true

	case "error":
		msg := "unknown realtime error"
		if raw.Error != nil && raw.Error.Message != "" {
			msg = raw.Error.Message
		}
		return model.Event{Type: model.EventError, Err: errors.New(msg)}, true
	}

	if strings.HasPrefix(raw.Type, "input_audio_buffer.") {
		return model.Event{Type: raw.Type, Transcript: raw.Transcript}, true
	}
	if raw.Type == "" {
		return model.Event{}, false
	}
	return model.Event{Type: raw.Type, Delta: raw.Delta, Transcript: raw.Transcript, Item: raw.Item}, true
}
