package speech

import "context"

// Synthesizer defines the contract for a TTS vendor. Open starts one
// synthesis stream for a finished response; streams are finite, lazy, and
// not restartable.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Open starts synthesis for text. The returned stream honors ctx for
	// early termination.
	Open(ctx context.Context, text string) (Stream, error)
}

// Stream yields synthesized audio chunks in order. Next returns io.EOF
// after the final chunk. Close terminates the vendor stream early and is
// safe to call more than once.
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Config contains vendor-agnostic synthesis configuration.
type Config struct {
	Voice      string
	Model      string
	SampleRate int
}
