package session

import (
	"log/slog"
	"sync/atomic"
)

// interruptCause names what ended agent playback.
type interruptCause string

const (
	causeExplicit  interruptCause = "explicit"
	causeClientVAD interruptCause = "client_vad"
	causeServerVAD interruptCause = "server_vad"
	causeDrained   interruptCause = "playback_drained"
)

// interruptController is a two-state machine over agent playback: idle or
// speaking. Barge-in side effects (cancel synthesis, purge queued audio,
// acknowledge to the client) run exactly once per speaking period and only
// through this transition, never at the call sites.
type interruptController struct {
	speaking atomic.Bool
	bargeIns atomic.Int64

	// onBargeIn runs on every interrupt-class transition out of speaking.
	// Drained playback ends the speaking state without it.
	onBargeIn func(cause interruptCause)

	log *slog.Logger
}

func newInterruptController(log *slog.Logger, onBargeIn func(interruptCause)) *interruptController {
	return &interruptController{onBargeIn: onBargeIn, log: log}
}

// BeginPlayback moves to speaking. Called by the bridge when a synthesis
// stream starts.
func (c *interruptController) BeginPlayback() {
	c.speaking.Store(true)
}

// Interrupt attempts the speaking to idle transition for cause. Reports
// whether this call performed the transition; losers of the race are no-ops,
// as are interrupts while idle.
func (c *interruptController) Interrupt(cause interruptCause) bool {
	if !c.speaking.CompareAndSwap(true, false) {
		return false
	}
	if cause == causeDrained {
		c.log.Debug("playback drained", "cause", string(cause))
		return true
	}
	c.bargeIns.Add(1)
	c.log.Info("barge-in", "cause", string(cause))
	if c.onBargeIn != nil {
		c.onBargeIn(cause)
	}
	return true
}

func (c *interruptController) Speaking() bool { return c.speaking.Load() }

func (c *interruptController) BargeIns() int64 { return c.bargeIns.Load() }
