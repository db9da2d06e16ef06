package model

// Upstream event types surfaced by StreamingModel implementations. The set
// mirrors the realtime vendor vocabulary so the dispatcher can translate
// without vendor-specific knowledge.
const (
	EventSpeechStarted  = "input_audio_buffer.speech_started"
	EventSpeechStopped  = "input_audio_buffer.speech_stopped"
	EventAudioCommitted = "input_audio_buffer.committed"
	EventResponseCreate = "response.created"
	EventTextDelta      = "response.text.delta"
	EventTextDone       = "response.output_text.done"
	EventResponseDone   = "response.done"
	EventAgentStart     = "agent_start"
	EventAgentEnd       = "agent_end"
	EventHandoff        = "handoff"
	EventToolStart      = "tool_start"
	EventToolEnd        = "tool_end"
	EventHistoryAdded   = "history_added"
	EventHistoryUpdated = "history_updated"
	EventError          = "error"
)

// Event is one translated upstream model event.
type Event struct {
	Type       string
	Delta      string
	Transcript string

	Agent     string
	FromAgent string
	ToAgent   string

	Tool       string
	ToolOutput string

	InputTokens  int
	OutputTokens int

	Item    map[string]any
	History []map[string]any

	Err error
}
