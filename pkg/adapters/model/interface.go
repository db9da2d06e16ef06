package model

import "context"

// StreamingModel defines the contract for an upstream realtime speech/LLM
// session. Implementations own their network lifecycle; the session layer
// treats the model as an opaque bidirectional event stream.
type StreamingModel interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start opens the realtime stream. Callers bound ctx so a slow vendor
	// cannot stall session teardown.
	Start(ctx context.Context) error
	// Close shuts down the stream. Safe to call more than once.
	Close() error
	// SendAudio appends PCM16LE audio to the model's input buffer.
	SendAudio(pcm []byte) error
	// CommitAudio marks end of utterance for the buffered audio.
	CommitAudio() error
	// SendText submits a user text turn and requests a response.
	SendText(text string) error
	// Interrupt cancels the in-flight model response.
	Interrupt() error
	// Events returns the translated event stream. The channel closes when
	// the underlying transport dies or Close is called.
	Events() <-chan Event
}

// Config contains vendor-agnostic model session configuration.
type Config struct {
	SessionID  string
	TraceID    string
	SampleRate int
	Voice      string
}
