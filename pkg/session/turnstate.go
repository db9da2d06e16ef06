package session

import (
	"sync"
	"time"
)

// Per-token pricing for the realtime model, USD.
const (
	costPerInputToken  = 0.000004
	costPerOutputToken = 0.000016
)

// Usage is a cumulative token and cost snapshot for one session.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// TurnState tracks the timing boundaries of the current exchange plus
// cumulative usage. One instance per connection; dispatcher and bridge both
// report into it, so everything is mutex-guarded.
type TurnState struct {
	mu sync.Mutex

	speechStart time.Time
	speechStop  time.Time
	committed   time.Time
	firstDelta  time.Time
	speakStart  time.Time

	transcript     string
	userTranscript string

	inputTokens  int
	outputTokens int
	cost         float64
	turns        int
}

func NewTurnState() *TurnState {
	return &TurnState{}
}

// UserSpeechStarted marks the start of a user turn and resets the per-turn
// timestamps from the previous exchange.
func (t *TurnState) UserSpeechStarted(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.speechStart = now
	t.speechStop = time.Time{}
	t.committed = time.Time{}
	t.firstDelta = time.Time{}
	t.speakStart = time.Time{}
}

func (t *TurnState) UserSpeechStopped(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.speechStop = now
}

// AudioCommitted marks end of utterance. Returns the user speech duration in
// milliseconds, or -1 when no speech start was observed.
func (t *TurnState) AudioCommitted(now time.Time) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committed = now
	return millisBetween(t.speechStart, now)
}

// FirstDelta marks the first model output of the turn. Returns think latency
// in milliseconds measured from commit, or -1 when the turn started from
// text and no commit exists.
func (t *TurnState) FirstDelta(now time.Time) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.firstDelta.IsZero() {
		return -1
	}
	t.firstDelta = now
	return millisBetween(t.committed, now)
}

// SpeakStarted marks the first synthesized chunk. Returns synthesis latency
// (first delta to first chunk) and whole-turn latency (speech start to first
// chunk), both in milliseconds.
func (t *TurnState) SpeakStarted(now time.Time) (ttsMs, turnMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.speakStart.IsZero() {
		return -1, -1
	}
	t.speakStart = now
	return millisBetween(t.firstDelta, now), millisBetween(t.speechStart, now)
}

// ResponseDone folds the turn's token usage into the running totals and
// returns the updated snapshot.
func (t *TurnState) ResponseDone(inputTokens, outputTokens int) Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTokens += inputTokens
	t.outputTokens += outputTokens
	t.cost += float64(inputTokens)*costPerInputToken + float64(outputTokens)*costPerOutputToken
	t.turns++
	return Usage{
		InputTokens:  t.inputTokens,
		OutputTokens: t.outputTokens,
		Cost:         t.cost,
	}
}

func (t *TurnState) SetTranscript(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transcript = s
}

func (t *TurnState) Transcript() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transcript
}

// SetUserTranscript stores the STT result of the user's latest utterance.
func (t *TurnState) SetUserTranscript(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userTranscript = s
}

func (t *TurnState) UserTranscript() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userTranscript
}

func (t *TurnState) Turns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.turns
}

func (t *TurnState) Snapshot() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Usage{
		InputTokens:  t.inputTokens,
		OutputTokens: t.outputTokens,
		Cost:         t.cost,
	}
}

func millisBetween(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
