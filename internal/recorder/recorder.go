// Package recorder is the flight recorder: one JSONL trace per browser session,
// with older traces rotated away.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pagepilot-mcp-server/internal/config"

	"go.uber.org/zap"
)

// Event is a single trace line.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data"`
}

// Recorder writes trace lines for the current session. Log before Start and
// after Close is a no-op, so a disabled recorder can be passed around freely.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	dir      string
	keep     int
	dropped  int
	logger   *zap.Logger
	disabled bool
}

// New creates a recorder rooted at cfg.TraceDir. With cfg.Enable unset the
// recorder never touches the filesystem.
func New(cfg config.RecorderConfig, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		dir:      cfg.TraceDir,
		keep:     cfg.GetMaxRotatedFiles(),
		logger:   logger.Named("recorder"),
		disabled: !cfg.Enable,
	}
	if r.disabled {
		return r, nil
	}
	if r.dir == "" {
		r.dir = "data/traces"
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return r, nil
}

// Start opens a new trace file for sessionID, closing the previous one.
func (r *Recorder) Start(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disabled {
		return nil
	}
	if r.file != nil {
		_ = r.file.Close()
		r.file, r.encoder = nil, nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	name := fmt.Sprintf("trace_%s_%d.jsonl", sessionID, time.Now().UnixMilli())
	f, err := os.Create(filepath.Join(r.dir, name))
	if err != nil {
		return err
	}
	r.file = f
	r.encoder = json.NewEncoder(f)
	r.logger.Debug("trace started", zap.String("file", name))
	return nil
}

// Log appends one line to the current trace.
func (r *Recorder) Log(eventType, sessionID string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	err := r.encoder.Encode(Event{
		Timestamp: time.Now(),
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
	})
	if err != nil {
		// Only the first failure is logged.
		if r.dropped == 0 {
			r.logger.Warn("trace write failed", zap.Error(err))
		}
		r.dropped++
	}
}

// rotate deletes the oldest traces so that, with the file about to be created,
// at most keep remain.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		if traces[i].mod.Equal(traces[j].mod) {
			return traces[i].name > traces[j].name
		}
		return traces[i].mod.After(traces[j].mod)
	})

	keep := max(r.keep-1, 0)
	for i := keep; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.dir, traces[i].name))
	}
	return nil
}

// Dir is where traces are written.
func (r *Recorder) Dir() string { return r.dir }

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.encoder = nil, nil
	return err
}
