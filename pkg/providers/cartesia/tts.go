// Package cartesia implements the speech synthesis adapter against the
// Cartesia streaming TTS WebSocket API.
package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/voxkit/voxbridge/pkg/adapters/speech"
	"github.com/voxkit/voxbridge/pkg/errorsx"
	"github.com/voxkit/voxbridge/pkg/logging"
	"github.com/voxkit/voxbridge/pkg/resilience"
)

const apiVersion = "2024-11-13"

type Config struct {
	APIKey     string
	ModelID    string
	VoiceID    string
	SampleRate int
	Language   string
	SessionID  string
}

type Synthesizer struct {
	cfg     Config
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy
	logger  *slog.Logger
}

func New(cfg Config) *Synthesizer {
	if cfg.ModelID == "" {
		cfg.ModelID = "sonic-2"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return &Synthesizer{
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker(3, 30*time.Second),
		retry:   resilience.NewRetryPolicy(2, 200*time.Millisecond),
		logger:  logging.NewComponentLogger(slog.Default(), "cartesia_tts"),
	}
}

func (s *Synthesizer) Name() string { return "cartesia_tts" }

// Open dials a fresh synthesis stream for one response. The stream is
// finite; the vendor closes it after the final chunk.
func (s *Synthesizer) Open(ctx context.Context, text string) (speech.Stream, error) {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return nil, errorsx.New(errorsx.ReasonConfigInvalid, "missing cartesia config")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errorsx.New(errorsx.ReasonSynthesisFailed, "empty transcript")
	}
	if !s.breaker.Allow() {
		return nil, errorsx.New(errorsx.ReasonSynthesisRateLimit, "cartesia circuit open")
	}

	var conn *websocket.Conn
	err := s.retry.Do(func() error {
		var dialErr error
		conn, dialErr = s.dial(ctx)
		return dialErr
	})
	if err != nil {
		s.breaker.OnError(err)
		return nil, errorsx.Wrap(err, errorsx.ReasonSynthesisConnect)
	}
	s.breaker.OnSuccess()

	contextID := uuid.NewString()
	request := map[string]any{
		"context_id": contextID,
		"model_id":   s.cfg.ModelID,
		"transcript": text,
		"language":   s.cfg.Language,
		"voice": map[string]any{
			"mode": "id",
			"id":   s.cfg.VoiceID,
		},
		"output_format": map[string]any{
			"container":   "raw",
			"encoding":    "pcm_s16le",
			"sample_rate": s.cfg.SampleRate,
		},
	}
	if err := conn.WriteJSON(request); err != nil {
		_ = conn.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonSynthesisFailed)
	}

	s.logger.Debug("synthesis stream opened",
		slog.String("session_id", s.cfg.SessionID),
		slog.String("context_id", contextID),
		slog.Int("transcript_len", len(text)))

	st := &stream{
		conn:      conn,
		contextID: contextID,
		chunks:    make(chan []byte, 64),
		errCh:     make(chan error, 1),
		done:      make(chan struct{}),
		logger:    s.logger,
	}
	go st.readLoop()
	return st, nil
}

func (s *Synthesizer) dial(ctx context.Context) (*websocket.Conn, error) {
	q := url.Values{}
	q.Set("api_key", s.cfg.APIKey)
	q.Set("cartesia_version", apiVersion)
	endpoint := "wss://api.cartesia.ai/tts/websocket?" + q.Encode()

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.logger.Error("cartesia rate limit exceeded",
				slog.String("session_id", s.cfg.SessionID),
				slog.String("status", resp.Status))
			return nil, resilience.RateLimitError{Provider: "cartesia", Message: resp.Status}
		}
		return nil, err
	}
	return conn, nil
}

type stream struct {
	conn      *websocket.Conn
	contextID string
	chunks    chan []byte
	errCh     chan error
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// Next returns the next audio chunk, io.EOF after the final one, or the
// vendor error that ended the stream.
func (t *stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case chunk, ok := <-t.chunks:
		if !ok {
			select {
			case err := <-t.errCh:
				return nil, err
			default:
				return nil, io.EOF
			}
		}
		return chunk, nil
	}
}

// Close cancels the vendor context and tears down the socket. Invoked on
// barge-in and on natural completion.
func (t *stream) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.WriteJSON(map[string]any{"context_id": t.contextID, "cancel": true})
		_ = t.conn.Close()
	})
	return nil
}

func (t *stream) readLoop() {
	defer close(t.chunks)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			// Socket teardown after "done" is the normal end of stream.
			return
		}
		var msg struct {
			Type      string `json:"type"`
			Data      string `json:"data"`
			Done      bool   `json:"done"`
			Error     string `json:"error"`
			ContextID string `json:"context_id"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Warn("cartesia raw payload", "data", string(data))
			continue
		}
		if msg.ContextID != "" && msg.ContextID != t.contextID {
			continue
		}
		switch msg.Type {
		case "chunk":
			raw, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				t.logger.Error("cartesia audio decode error", "error", err.Error())
				continue
			}
			select {
			case t.chunks <- raw:
			case <-t.done:
				return
			}
		case "done":
			return
		case "error":
			msgText := msg.Error
			if msgText == "" {
				msgText = "cartesia stream error"
			}
			t.errCh <- errorsx.Wrap(errors.New(msgText), errorsx.ReasonSynthesisFailed)
			return
		}
	}
}
