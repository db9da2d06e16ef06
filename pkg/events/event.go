package events

import "strings"

// Class determines whether an event may be discarded under queue pressure.
type Class int

const (
	// ClassCritical events must reach the client: completion, errors,
	// playback lifecycle signals.
	ClassCritical Class = iota
	// ClassDroppable events are best-effort: deltas, periodic metrics,
	// synthesized audio chunks.
	ClassDroppable
)

func (c Class) String() string {
	if c == ClassCritical {
		return "critical"
	}
	return "droppable"
}

// Kind separates binary audio chunks from JSON control/state events.
type Kind int

const (
	KindJSON Kind = iota
	KindAudio
)

// Outbound client event types.
const (
	TypeAudio            = "audio"
	TypeAudioStart       = "audio_start"
	TypeAudioInterrupted = "audio_interrupted"
	TypeHistoryUpdated   = "history_updated"
	TypeHistoryAdded     = "history_added"
	TypeMetrics          = "metrics"
	TypeToolStart        = "tool_start"
	TypeToolEnd          = "tool_end"
	TypeHandoff          = "handoff"
	TypeError            = "error"
)

// Event is one entry on the outbound queue: either a raw audio chunk or a
// JSON payload. Producers classify at construction time; the queue and the
// writer never reinterpret.
type Event struct {
	kind    Kind
	class   Class
	typ     string
	audio   []byte
	payload map[string]any
}

// NewAudioChunk wraps a synthesized audio chunk.
func NewAudioChunk(data []byte, class Class) Event {
	return Event{kind: KindAudio, class: class, typ: TypeAudio, audio: data}
}

// NewJSON builds a JSON event. The "type" key is injected on serialization.
func NewJSON(typ string, fields map[string]any, class Class) Event {
	return Event{kind: KindJSON, class: class, typ: typ, payload: fields}
}

func (e Event) Kind() Kind    { return e.kind }
func (e Event) Class() Class  { return e.class }
func (e Event) Type() string  { return e.typ }
func (e Event) Audio() []byte { return e.audio }

// Payload returns the JSON body with the "type" key merged in.
func (e Event) Payload() map[string]any {
	out := make(map[string]any, len(e.payload)+1)
	out["type"] = e.typ
	for k, v := range e.payload {
		out[k] = v
	}
	return out
}

// IsAudioClass reports whether the event carries playable audio and is
// therefore subject to purge-on-interrupt. Binary chunks and the JSON
// int16-array fallback both qualify; audio_start does not, since a new
// synthesis stream always emits its own.
func (e Event) IsAudioClass() bool {
	return e.kind == KindAudio || e.typ == TypeAudio
}

// droppableTypes holds JSON event types that are safe to discard under
// pressure. Everything else defaults to critical.
var droppableTypes = map[string]struct{}{
	TypeAudio:          {},
	TypeHistoryUpdated: {},
	TypeHistoryAdded:   {},
	TypeMetrics:        {},
}

// Classify maps an event type to its droppability class. Incremental
// (".delta") events and chatty state mirrors are droppable; lifecycle
// boundaries, errors, and playback signals are critical.
func Classify(eventType string) Class {
	if strings.HasSuffix(eventType, ".delta") {
		return ClassDroppable
	}
	if _, ok := droppableTypes[eventType]; ok {
		return ClassDroppable
	}
	return ClassCritical
}
