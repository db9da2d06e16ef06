package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxkit/voxbridge/pkg/errorsx"
)

// ErrDuplicateSession is returned by Add when the id is already registered.
var ErrDuplicateSession = errorsx.New(errorsx.ReasonDuplicateSession, "session id already registered")

// ErrDraining is returned by Add while the registry refuses new sessions.
var ErrDraining = errorsx.New(errorsx.ReasonSessionClosed, "registry draining")

// Registry is the process-wide session table. Connections register fully
// constructed and remove themselves on teardown.
type Registry struct {
	mu       sync.Mutex
	conns    map[string]*Connection
	draining bool
	log      *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		conns: make(map[string]*Connection),
		log:   log,
	}
}

// Add registers a connection under its id. Fails with ErrDuplicateSession
// when the id is taken and ErrDraining during shutdown.
func (r *Registry) Add(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return ErrDraining
	}
	if _, ok := r.conns[c.ID]; ok {
		return ErrDuplicateSession
	}
	r.conns[c.ID] = c
	c.reg = r
	return nil
}

// Get returns the live connection for id, if any.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

// Remove drops id from the table. Idempotent; removing an absent or already
// replaced id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// SetDraining toggles refusal of new sessions.
func (r *Registry) SetDraining(v bool) {
	r.mu.Lock()
	r.draining = v
	r.mu.Unlock()
}

func (r *Registry) Draining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// CloseAll tears down every live session. Teardown removes each connection
// from the table, so the snapshot is taken first.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	snapshot := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()
	for _, c := range snapshot {
		c.Close(reason)
	}
	if len(snapshot) > 0 {
		r.log.Info("closed all sessions", "count", len(snapshot), "reason", reason)
	}
}

// WaitForEmpty polls until every session is gone or ctx expires.
func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
