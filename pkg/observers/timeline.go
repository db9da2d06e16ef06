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
	"github.com/voxkit/voxbridge/pkg/redact"
)

// TimelineObserver writes a per-session JSONL trace of metric events,
// suitable for replaying a conversation's timing after the fact.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

type timelineEvent struct {
	Time      time.Time         `json:"time"`
	Event     string            `json:"event"`
	SessionID string            `json:"session_id,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

// RecordEvent implements metrics.Observer.
func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" || ev.Tags == nil {
		return
	}
	sessionID := ev.Tags["session_id"]
	if sessionID == "" {
		return
	}
	entry := timelineEvent{
		Time:      ev.Time.UTC(),
		Event:     ev.Name,
		SessionID: sessionID,
		TraceID:   ev.Tags["trace_id"],
		Tags:      copyTags(ev.Tags),
		Fields:    sanitizeFields(ev.Fields),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f := o.fileFor(sessionID)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
}

// Close closes any open files.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if f == nil {
			continue
		}
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

func (o *TimelineObserver) fileFor(id string) *os.File {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	path := filepath.Join(o.dir, safe+".timeline.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func copyTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// sanitizeFields redacts transcript-like string fields before they hit disk.
func sanitizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = redact.Text(s)
			continue
		}
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
