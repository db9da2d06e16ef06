// Package deepgram implements the speech synthesis adapter against the
// Deepgram Aura speak WebSocket API.
package deepgram

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/speak/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	speakclient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/speak"

	"github.com/voxkit/voxbridge/pkg/adapters/speech"
	"github.com/voxkit/voxbridge/pkg/errorsx"
	"github.com/voxkit/voxbridge/pkg/logging"
)

type Config struct {
	APIKey     string
	Model      string
	SampleRate int
	Encoding   string
	SessionID  string
}

type Synthesizer struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Synthesizer {
	if cfg.Model == "" {
		cfg.Model = "aura-2-thalia-en"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	return &Synthesizer{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_tts"),
	}
}

func (s *Synthesizer) Name() string { return "deepgram_tts" }

func (s *Synthesizer) Open(ctx context.Context, text string) (speech.Stream, error) {
	if s.cfg.APIKey == "" {
		return nil, errorsx.New(errorsx.ReasonConfigInvalid, "missing deepgram api key")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	st := &stream{
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
		logger: s.logger,
	}

	options := &interfaces.WSSpeakOptions{
		Model:      s.cfg.Model,
		Encoding:   s.cfg.Encoding,
		SampleRate: s.cfg.SampleRate,
	}
	dg, err := speakclient.NewWSUsingCallback(ctx, s.cfg.APIKey, &interfaces.ClientOptions{}, options, &speakCallback{stream: st})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonSynthesisConnect)
	}
	st.client = dg

	if connected := dg.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed",
			slog.String("session_id", s.cfg.SessionID))
		return nil, errorsx.New(errorsx.ReasonSynthesisConnect, "deepgram connection failed")
	}

	if err := dg.SpeakWithText(text); err != nil {
		dg.Stop()
		return nil, errorsx.Wrap(err, errorsx.ReasonSynthesisFailed)
	}
	if err := dg.Flush(); err != nil {
		s.logger.Warn("deepgram_flush_error",
			slog.String("session_id", s.cfg.SessionID),
			slog.String("error", err.Error()))
	}

	s.logger.Debug("synthesis stream opened",
		slog.String("session_id", s.cfg.SessionID),
		slog.String("model", s.cfg.Model),
		slog.Int("transcript_len", len(text)))

	// The speak socket has no per-request end marker besides Flushed; guard
	// against a vendor that never flushes.
	go func() {
		select {
		case <-st.done:
		case <-time.After(30 * time.Second):
			st.finish()
		}
	}()
	return st, nil
}

type speakStopper interface {
	Stop()
}

type stream struct {
	client speakStopper
	chunks chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (t *stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case chunk := <-t.chunks:
		return chunk, nil
	case <-t.done:
		// Drain chunks buffered before the flush landed.
		select {
		case chunk := <-t.chunks:
			return chunk, nil
		default:
			return nil, io.EOF
		}
	}
}

func (t *stream) Close() error {
	t.finish()
	return nil
}

func (t *stream) finish() {
	t.once.Do(func() {
		close(t.done)
		if t.client != nil {
			// Stop off the callback goroutine; the SDK joins its own loops.
			go t.client.Stop()
		}
	})
}

func (t *stream) push(data []byte) {
	if len(data) == 0 {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case t.chunks <- buf:
	case <-t.done:
	}
}

// speakCallback adapts the SDK callback surface onto the stream.
type speakCallback struct {
	stream *stream
}

func (c *speakCallback) Open(*msginterfaces.OpenResponse) error { return nil }

func (c *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }

func (c *speakCallback) Binary(data []byte) error {
	c.stream.push(data)
	return nil
}

func (c *speakCallback) Flush(*msginterfaces.FlushedResponse) error {
	// All audio for the request has been delivered.
	c.stream.finish()
	return nil
}

func (c *speakCallback) Clear(*msginterfaces.ClearedResponse) error { return nil }

func (c *speakCallback) Close(*msginterfaces.CloseResponse) error {
	c.stream.finish()
	return nil
}

func (c *speakCallback) Warning(wr *msginterfaces.WarningResponse) error {
	c.stream.logger.Warn("deepgram_warning", slog.String("message", wr.WarnMsg))
	return nil
}

func (c *speakCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.stream.logger.Error("deepgram_stream_error", slog.String("message", er.ErrMsg))
	c.stream.finish()
	return nil
}

func (c *speakCallback) UnhandledEvent([]byte) error { return nil }
