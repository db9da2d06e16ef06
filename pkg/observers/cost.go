package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/voxkit/voxbridge/pkg/metrics"
)

// CostSummary is the per-session usage artifact written on shutdown.
type CostSummary struct {
	SessionID     string  `json:"session_id"`
	TraceID       string  `json:"trace_id,omitempty"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	Turns         int     `json:"turns"`
	CostUSD       float64 `json:"cost_usd"`
	RecordedAtUTC string  `json:"recorded_at_utc"`
}

// CostObserver accumulates model token usage per session and writes one
// summary file per session under dir on Close.
type CostObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*CostSummary
}

func NewCostObserver(dir string) *CostObserver {
	return &CostObserver{dir: dir, stats: make(map[string]*CostSummary)}
}

func (o *CostObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" || ev.Tags == nil {
		return
	}
	sessionID := ev.Tags["session_id"]
	if sessionID == "" {
		return
	}

	switch ev.Name {
	case "model_done":
		o.mu.Lock()
		stat := o.statLocked(sessionID, ev.Tags["trace_id"])
		stat.InputTokens += intField(ev.Fields, "input_tokens")
		stat.OutputTokens += intField(ev.Fields, "output_tokens")
		stat.Turns++
		o.mu.Unlock()
	case "session_closed":
		// Value carries the session's final cumulative cost.
		o.mu.Lock()
		stat := o.statLocked(sessionID, ev.Tags["trace_id"])
		stat.CostUSD = ev.Value
		o.mu.Unlock()
	}
}

func (o *CostObserver) statLocked(sessionID, traceID string) *CostSummary {
	stat := o.stats[sessionID]
	if stat == nil {
		stat = &CostSummary{SessionID: sessionID, TraceID: traceID}
		o.stats[sessionID] = stat
	}
	if stat.TraceID == "" {
		stat.TraceID = traceID
	}
	return stat
}

func (o *CostObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, sanitizeID(id)+".cost.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

var _ metrics.Observer = (*CostObserver)(nil)
