package session

import (
	"time"

	"github.com/voxkit/voxbridge/pkg/adapters/model"
	"github.com/voxkit/voxbridge/pkg/events"
	"github.com/voxkit/voxbridge/pkg/metrics"
	"github.com/voxkit/voxbridge/pkg/redact"
)

// forwardUpstream drains the model event stream until the adapter closes it,
// then tears the connection down. Runs on its own goroutine; starts only
// after the upstream session exists.
func (c *Connection) forwardUpstream(m model.StreamingModel) {
	for ev := range m.Events() {
		c.handleModelEvent(ev)
	}
	c.log.Debug("upstream event stream ended", "session_id", c.ID)
	c.Close("upstream closed")
}

// handleModelEvent translates one upstream event into outbox traffic, turn
// bookkeeping, and barge-in signals.
func (c *Connection) handleModelEvent(ev model.Event) {
	now := time.Now()
	switch ev.Type {
	case model.EventSpeechStarted:
		c.turns.UserSpeechStarted(now)
		c.ctrl.Interrupt(causeServerVAD)
		c.putCritical(ev.Type, nil)

	case model.EventSpeechStopped:
		c.turns.UserSpeechStopped(now)
		c.putCritical(ev.Type, nil)

	case model.EventAudioCommitted:
		sttMs := c.turns.AudioCommitted(now)
		c.putMetrics(map[string]any{"stt_ms": sttMs})
		c.record("speech_commit", now, nil)

	case model.EventTextDelta:
		if llmMs := c.turns.FirstDelta(now); llmMs >= 0 {
			c.putMetrics(map[string]any{"llm_ms": llmMs})
			c.record("model_first_delta", now, nil)
		}
		c.out.TryPut(events.NewJSON(ev.Type, map[string]any{"delta": ev.Delta}, events.ClassDroppable))

	case model.EventTextDone:
		c.turns.SetTranscript(ev.Transcript)
		c.log.Debug("response text done",
			"session_id", c.ID,
			"transcript", redact.Text(ev.Transcript),
		)
		c.putCritical(ev.Type, map[string]any{"text": ev.Transcript})
		c.bridge.Speak(ev.Transcript)

	case model.EventResponseDone:
		usage := c.turns.ResponseDone(ev.InputTokens, ev.OutputTokens)
		c.putCritical(ev.Type, nil)
		c.putMetrics(map[string]any{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
			"cost_usd":      usage.Cost,
		})
		c.record("model_done", now, map[string]any{
			"input_tokens":  ev.InputTokens,
			"output_tokens": ev.OutputTokens,
		})

	case model.EventAgentStart, model.EventAgentEnd:
		c.putCritical(ev.Type, map[string]any{"agent": ev.Agent})

	case model.EventHandoff:
		c.putCritical(ev.Type, map[string]any{"from": ev.FromAgent, "to": ev.ToAgent})

	case model.EventToolStart:
		c.putCritical(ev.Type, map[string]any{"tool": ev.Tool})

	case model.EventToolEnd:
		c.putCritical(ev.Type, map[string]any{"tool": ev.Tool, "output": ev.ToolOutput})

	case model.EventHistoryAdded:
		fields := map[string]any{"item": ev.Item}
		if ev.Transcript != "" {
			// Completed input transcription rides on history_added; the
			// client renders it as the live caption of the user's turn.
			fields["transcript"] = ev.Transcript
			c.turns.SetUserTranscript(ev.Transcript)
			c.log.Debug("user transcript",
				"session_id", c.ID,
				"transcript", redact.Text(ev.Transcript),
			)
		}
		c.out.TryPut(events.NewJSON(ev.Type, fields, events.ClassDroppable))

	case model.EventHistoryUpdated:
		c.out.TryPut(events.NewJSON(ev.Type, map[string]any{"history": ev.History}, events.ClassDroppable))

	case model.EventError:
		msg := "upstream error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		c.log.Warn("upstream error event", "session_id", c.ID, "error", msg)
		c.putCritical(events.TypeError, map[string]any{"message": msg})

	default:
		class := events.Classify(ev.Type)
		fields := map[string]any{}
		if ev.Delta != "" {
			fields["delta"] = ev.Delta
		}
		if class == events.ClassCritical {
			c.putCritical(ev.Type, fields)
			return
		}
		c.out.TryPut(events.NewJSON(ev.Type, fields, class))
	}
}

func (c *Connection) putCritical(typ string, fields map[string]any) {
	_ = c.out.Put(events.NewJSON(typ, fields, events.ClassCritical))
}

func (c *Connection) putMetrics(fields map[string]any) {
	c.out.TryPut(events.NewJSON(events.TypeMetrics, fields, events.ClassDroppable))
}

func (c *Connection) record(name string, at time.Time, fields map[string]any) {
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   at,
		Tags:   map[string]string{"session_id": c.ID, "trace_id": c.traceID},
		Fields: fields,
	})
}
