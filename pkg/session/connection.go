// Package session implements the per-connection core: the client channel
// read/write loops, the lazily created upstream model session, barge-in
// handling, and the process-wide registry.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxkit/voxbridge/pkg/adapters/model"
	"github.com/voxkit/voxbridge/pkg/adapters/speech"
	"github.com/voxkit/voxbridge/pkg/errorsx"
	"github.com/voxkit/voxbridge/pkg/events"
	"github.com/voxkit/voxbridge/pkg/metrics"
	"github.com/voxkit/voxbridge/pkg/outbox"
	"github.com/voxkit/voxbridge/pkg/wire"
)

// Config bounds one connection's queues and upstream dialing.
type Config struct {
	// OutgoingMax caps the outbound event queue. Default 512.
	OutgoingMax int
	// IncomingAudioMax caps the inbound audio queue. Default 32.
	IncomingAudioMax int
	// TTSChunkBytes is the client-facing audio chunk size. Default 4096.
	TTSChunkBytes int
	// ConnectTimeout bounds one upstream session dial. Default 10s.
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.OutgoingMax <= 0 {
		c.OutgoingMax = 512
	}
	if c.IncomingAudioMax <= 0 {
		c.IncomingAudioMax = 32
	}
	if c.TTSChunkBytes <= 0 {
		c.TTSChunkBytes = 4096
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	return c
}

// After a failed upstream dial, further ensure attempts inside this window
// fail fast without redialing. Keeps a streaming client from hammering a
// down vendor at frame rate.
const upstreamRetryThrottle = time.Second

// Connection owns everything with the lifetime of one client WebSocket.
// Exactly one goroutine (the writer) touches the channel's write side.
type Connection struct {
	ID      string
	traceID string

	ch     ClientChannel
	out    *outbox.Queue
	turns  *TurnState
	ctrl   *interruptController
	bridge *synthBridge
	obs    metrics.Observer
	log    *slog.Logger
	reg    *Registry
	cfg    Config

	newModel func() model.StreamingModel

	ctx    context.Context
	cancel context.CancelFunc

	inAudio      chan []byte
	audioDropped atomic.Int64

	upMu       sync.Mutex
	up         model.StreamingModel
	lastUpFail time.Time

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewConnection wires a connection over an accepted client channel. The
// upstream model is not dialed here; newModel is invoked lazily on the first
// message that needs it.
func NewConnection(id string, ch ClientChannel, newModel func() model.StreamingModel, synth speech.Synthesizer, obs metrics.Observer, log *slog.Logger, cfg Config) *Connection {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:       id,
		traceID:  uuid.NewString(),
		ch:       ch,
		out:      outbox.New(cfg.OutgoingMax),
		turns:    NewTurnState(),
		obs:      obs,
		log:      log,
		cfg:      cfg,
		newModel: newModel,
		ctx:      ctx,
		cancel:   cancel,
		inAudio:  make(chan []byte, cfg.IncomingAudioMax),
		closed:   make(chan struct{}),
	}
	c.ctrl = newInterruptController(log, c.onBargeIn)
	c.bridge = newSynthBridge(ctx, synth, c.out, c.turns, c.ctrl, obs, log, id, c.traceID, cfg.TTSChunkBytes)
	return c
}

// Start launches the writer, reader, and audio forwarding goroutines. The
// upstream session stays unopened until the client does something that
// needs it.
func (c *Connection) Start() {
	c.wg.Add(3)
	go c.writeLoop()
	go c.readLoop()
	go c.forwardAudioLoop()
	c.log.Info("session started", "session_id", c.ID, "trace_id", c.traceID)
}

// Done closes when the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// TraceID returns the id correlating this connection's logs and metrics.
func (c *Connection) TraceID() string { return c.traceID }

// Close tears the connection down. Idempotent and safe from any goroutine:
// the writer on a failed write, the upstream pump on stream end, or the
// server on client disconnect all funnel here.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.cancel()

		c.upMu.Lock()
		up := c.up
		c.up = nil
		c.upMu.Unlock()
		if up != nil {
			_ = up.Close()
		}

		c.bridge.Cancel()
		c.out.Close()
		_ = c.ch.Close()
		if c.reg != nil {
			c.reg.Remove(c.ID)
		}
		close(c.closed)

		stats := c.out.Stats()
		usage := c.turns.Snapshot()
		c.log.Info("session closed",
			"session_id", c.ID,
			"reason", reason,
			"events_sent", stats.Popped,
			"events_dropped", stats.Dropped,
			"events_evicted", stats.Evicted,
			"audio_purged", stats.Purged,
			"inbound_audio_dropped", c.audioDropped.Load(),
			"barge_ins", c.ctrl.BargeIns(),
			"turns", c.turns.Turns(),
			"input_tokens", usage.InputTokens,
			"output_tokens", usage.OutputTokens,
			"cost_usd", usage.Cost,
		)
		c.obs.RecordEvent(metrics.MetricsEvent{
			Name:  "session_closed",
			Time:  time.Now(),
			Value: usage.Cost,
			Tags:  map[string]string{"session_id": c.ID, "trace_id": c.traceID, "reason": reason},
		})
	})
}

// controlWriter is the optional close-frame surface of a client channel.
// *websocket.Conn provides it; test channels usually do not.
type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// CloseWithCode sends a close frame with code and reason before tearing the
// connection down. Used when a reconnect replaces a live session.
func (c *Connection) CloseWithCode(code int, reason string) {
	if cw, ok := c.ch.(controlWriter); ok {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = cw.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	c.Close(reason)
}

// readLoop consumes client frames until the socket dies. Binary frames are
// raw PCM; text frames are JSON control messages.
func (c *Connection) readLoop() {
	defer c.wg.Done()
	for {
		mt, data, err := c.ch.ReadMessage()
		if err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonTransportClosed)
			c.log.Debug("client read ended",
				"session_id", c.ID,
				"reason", errorsx.Reason(err),
				"error", err,
			)
			c.Close("client disconnected")
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			c.enqueueAudio(data)
		case websocket.TextMessage:
			msg, err := wire.ParseInbound(data)
			if err != nil {
				c.log.Warn("bad client message", "session_id", c.ID, "error", err)
				continue
			}
			c.handleInbound(msg)
		}
		select {
		case <-c.ctx.Done():
			return
		default:
		}
	}
}

func (c *Connection) handleInbound(msg wire.Inbound) {
	switch msg.Type {
	case wire.MsgAudio:
		c.enqueueAudio(wire.PCMFromSamples(msg.Data))
	case wire.MsgText:
		if strings.TrimSpace(msg.Text) == "" {
			c.out.TryPut(events.NewJSON(events.TypeError,
				map[string]any{"message": "empty text message"}, events.ClassDroppable))
			return
		}
		up, err := c.ensureUpstream()
		if err != nil {
			return
		}
		if err := up.SendText(msg.Text); err != nil {
			c.log.Warn("send text failed", "session_id", c.ID, "error", err)
		}
	case wire.MsgCommitAudio:
		up, err := c.ensureUpstream()
		if err != nil {
			return
		}
		if err := up.CommitAudio(); err != nil {
			c.log.Warn("commit failed", "session_id", c.ID, "error", err)
		}
	case wire.MsgInterrupt:
		c.ctrl.Interrupt(causeExplicit)
	case wire.MsgClientVADStart:
		c.ctrl.Interrupt(causeClientVAD)
	case wire.MsgPlaybackDrained:
		c.ctrl.Interrupt(causeDrained)
	case wire.MsgSessionStart:
		c.log.Debug("client session_start", "session_id", c.ID)
		if _, err := c.ensureUpstream(); err != nil {
			return
		}
	default:
		c.log.Warn("unknown client message", "session_id", c.ID, "type", msg.Type)
	}
}

// enqueueAudio pushes one PCM frame onto the inbound queue, shedding the
// oldest frame when full. Freshest audio wins; losing old frames degrades
// transcription less than stalling the reader.
func (c *Connection) enqueueAudio(pcm []byte) {
	if err := wire.ValidatePCM(pcm); err != nil {
		c.log.Warn("invalid audio frame", "session_id", c.ID, "error", err)
		return
	}
	for {
		select {
		case c.inAudio <- pcm:
			return
		default:
		}
		select {
		case <-c.inAudio:
			c.audioDropped.Add(1)
		default:
		}
	}
}

// forwardAudioLoop moves inbound audio to the upstream model, decoupled from
// the read loop so a slow vendor never backs up the socket.
func (c *Connection) forwardAudioLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case pcm := <-c.inAudio:
			up, err := c.ensureUpstream()
			if err != nil {
				continue
			}
			if err := up.SendAudio(pcm); err != nil {
				c.log.Warn("send audio failed", "session_id", c.ID, "error", err)
			}
		}
	}
}

// ensureUpstream returns the model session, dialing it on first use. At most
// one dial is in flight; concurrent callers share the outcome. A failed dial
// emits one critical error event and suppresses redials for a short window.
func (c *Connection) ensureUpstream() (model.StreamingModel, error) {
	c.upMu.Lock()
	defer c.upMu.Unlock()
	if c.up != nil {
		return c.up, nil
	}
	select {
	case <-c.ctx.Done():
		return nil, errorsx.New(errorsx.ReasonSessionClosed, "session closed")
	default:
	}
	if !c.lastUpFail.IsZero() && time.Since(c.lastUpFail) < upstreamRetryThrottle {
		return nil, errorsx.New(errorsx.ReasonUpstreamUnavailable, "upstream connect suppressed after recent failure")
	}

	m := c.newModel()
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	err := m.Start(ctx)
	cancel()
	if err != nil {
		c.lastUpFail = time.Now()
		_ = m.Close()
		c.log.Error("upstream connect failed", "session_id", c.ID, "model", m.Name(), "error", err)
		c.putCritical(events.TypeError, map[string]any{
			"reason":  string(errorsx.ReasonUpstreamUnavailable),
			"message": "realtime model unavailable",
		})
		return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamUnavailable)
	}

	c.up = m
	c.lastUpFail = time.Time{}
	go c.forwardUpstream(m)
	c.log.Info("upstream session opened", "session_id", c.ID, "model", m.Name())
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name: "upstream_opened",
		Time: time.Now(),
		Tags: map[string]string{"session_id": c.ID, "model": m.Name()},
	})
	return m, nil
}

// onBargeIn runs the interrupt side effects: stop synthesis, cancel the
// in-flight model response for client-initiated causes, purge queued audio,
// then acknowledge. The ack is enqueued after the purge so no stale chunk
// can follow it.
func (c *Connection) onBargeIn(cause interruptCause) {
	c.bridge.Cancel()

	if cause != causeServerVAD {
		c.upMu.Lock()
		up := c.up
		c.upMu.Unlock()
		if up != nil {
			if err := up.Interrupt(); err != nil {
				c.log.Warn("upstream interrupt failed", "session_id", c.ID, "error", err)
			}
		}
	}

	purged := c.out.PurgeAudio()
	c.putCritical(events.TypeAudioInterrupted, nil)
	c.log.Info("playback interrupted",
		"session_id", c.ID,
		"cause", string(cause),
		"purged", purged,
	)
}
