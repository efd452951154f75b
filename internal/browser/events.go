package browser

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"pagepilot-mcp-server/internal/mangle"

	"go.uber.org/zap"
)

// EngineSink defines the minimal interface we need from the logic layer.
type EngineSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// Event is one of the concrete event types below.
type Event interface {
	Kind() string
	Time() time.Time
	event()
}

type NavigationEvent struct {
	TargetID string
	URL      string
	At       time.Time
}

type TabCreatedEvent struct {
	TargetID string
	URL      string
	At       time.Time
}

type TabClosedEvent struct {
	TargetID string
	At       time.Time
}

// ActionEvent records one dispatched action and how it ended.
type ActionEvent struct {
	TargetID      string
	Action        string
	BackendNodeID int
	// ok | fallback | invalid | failed
	Outcome string
	Error   string
	At      time.Time
}

type BrowserErrorEvent struct {
	TargetID string
	URL      string
	Message  string
	At       time.Time
}

type FileDownloadedEvent struct {
	TargetID  string
	URL       string
	Path      string
	FileName  string
	Size      int64
	PageCount int
	At        time.Time
}

type DialogClosedEvent struct {
	TargetID   string
	DialogType string
	Message    string
	At         time.Time
}

type StateCapturedEvent struct {
	TargetID string
	URL      string
	Elements int
	Duration time.Duration
	At       time.Time
}

func (e NavigationEvent) Kind() string     { return "NavigationEvent" }
func (e TabCreatedEvent) Kind() string     { return "TabCreatedEvent" }
func (e TabClosedEvent) Kind() string      { return "TabClosedEvent" }
func (e ActionEvent) Kind() string         { return "ActionEvent" }
func (e BrowserErrorEvent) Kind() string   { return "BrowserErrorEvent" }
func (e FileDownloadedEvent) Kind() string { return "FileDownloadedEvent" }
func (e DialogClosedEvent) Kind() string   { return "DialogClosedEvent" }
func (e StateCapturedEvent) Kind() string  { return "StateCapturedEvent" }

func (e NavigationEvent) Time() time.Time     { return e.At }
func (e TabCreatedEvent) Time() time.Time     { return e.At }
func (e TabClosedEvent) Time() time.Time      { return e.At }
func (e ActionEvent) Time() time.Time         { return e.At }
func (e BrowserErrorEvent) Time() time.Time   { return e.At }
func (e FileDownloadedEvent) Time() time.Time { return e.At }
func (e DialogClosedEvent) Time() time.Time   { return e.At }
func (e StateCapturedEvent) Time() time.Time  { return e.At }

func (NavigationEvent) event()     {}
func (TabCreatedEvent) event()     {}
func (TabClosedEvent) event()      {}
func (ActionEvent) event()         {}
func (BrowserErrorEvent) event()   {}
func (FileDownloadedEvent) event() {}
func (DialogClosedEvent) event()   {}
func (StateCapturedEvent) event()  {}

// digestEntry is the wire form of one event in the recent-events digest.
type digestEntry struct {
	EventType    string `json:"event_type"`
	Timestamp    string `json:"timestamp"`
	URL          string `json:"url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	TargetID     string `json:"target_id,omitempty"`
}

func toDigest(ev Event) digestEntry {
	d := digestEntry{EventType: ev.Kind(), Timestamp: ev.Time().UTC().Format(time.RFC3339Nano)}
	switch e := ev.(type) {
	case NavigationEvent:
		d.URL, d.TargetID = e.URL, e.TargetID
	case TabCreatedEvent:
		d.URL, d.TargetID = e.URL, e.TargetID
	case TabClosedEvent:
		d.TargetID = e.TargetID
	case ActionEvent:
		d.TargetID, d.ErrorMessage = e.TargetID, e.Error
	case BrowserErrorEvent:
		d.URL, d.TargetID, d.ErrorMessage = e.URL, e.TargetID, e.Message
	case FileDownloadedEvent:
		d.URL, d.TargetID = e.URL, e.TargetID
	case DialogClosedEvent:
		d.TargetID = e.TargetID
	case StateCapturedEvent:
		d.URL, d.TargetID = e.URL, e.TargetID
	}
	return d
}

// toFacts maps an event onto journal predicates.
func toFacts(ev Event) []mangle.Fact {
	at := ev.Time()
	ms := at.UnixMilli()
	fact := func(pred string, args ...interface{}) mangle.Fact {
		return mangle.Fact{Predicate: pred, Args: args, Timestamp: at}
	}

	switch e := ev.(type) {
	case NavigationEvent:
		return []mangle.Fact{
			fact("navigation_event", e.TargetID, e.URL, ms),
			fact("current_url", e.TargetID, e.URL),
		}
	case TabCreatedEvent:
		return []mangle.Fact{fact("tab_created", e.TargetID, e.URL, ms)}
	case TabClosedEvent:
		return []mangle.Fact{fact("tab_closed", e.TargetID, ms)}
	case ActionEvent:
		facts := []mangle.Fact{fact("action_event", e.TargetID, e.Action, int64(e.BackendNodeID), e.Outcome, ms)}
		if e.Error != "" {
			facts = append(facts, fact("action_error", e.Action, int64(e.BackendNodeID), e.Error, ms))
		}
		return facts
	case BrowserErrorEvent:
		return []mangle.Fact{fact("browser_error", e.TargetID, e.Message, ms)}
	case FileDownloadedEvent:
		return []mangle.Fact{fact("file_downloaded", e.TargetID, e.Path, e.Size, ms)}
	case DialogClosedEvent:
		return []mangle.Fact{fact("dialog_closed", e.TargetID, e.DialogType, e.Message, ms)}
	case StateCapturedEvent:
		return []mangle.Fact{fact("state_captured", e.TargetID, e.URL, int64(e.Elements), ms)}
	}
	return nil
}

const defaultEventLogSize = 200

// EventLog keeps the most recent events in a ring and forwards every event to
// the journal when a sink is configured.
type EventLog struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
	sink   EngineSink
	logger *zap.Logger
}

// NewEventLog creates a log holding up to size events (default 200).
func NewEventLog(size int, sink EngineSink, logger *zap.Logger) *EventLog {
	if size <= 0 {
		size = defaultEventLogSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLog{
		events: make([]Event, size),
		sink:   sink,
		logger: logger.Named("events"),
	}
}

// Publish records ev and forwards it to the journal.
func (l *EventLog) Publish(ctx context.Context, ev Event) {
	if l == nil || ev == nil {
		return
	}
	l.mu.Lock()
	l.events[l.next] = ev
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	if l.sink == nil {
		return
	}
	if err := l.sink.AddFacts(ctx, toFacts(ev)); err != nil {
		l.logger.Debug("journal rejected event", zap.String("kind", ev.Kind()), zap.Error(err))
	}
}

// Recent returns up to limit events, newest first.
func (l *EventLog) Recent(limit int) []Event {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.next
	if l.full {
		count = len(l.events)
	}
	if limit <= 0 || limit > count {
		limit = count
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.events)) % len(l.events)
		out = append(out, l.events[idx])
	}
	return out
}

// Digest renders the newest limit events as a JSON array. It never fails; an
// encoding problem yields "[]".
func (l *EventLog) Digest(limit int) string {
	recent := l.Recent(limit)
	entries := make([]digestEntry, 0, len(recent))
	for _, ev := range recent {
		entries = append(entries, toDigest(ev))
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

// ClosedPopupMessages lists dismissed dialog messages, oldest first.
func (l *EventLog) ClosedPopupMessages() []string {
	recent := l.Recent(0)
	msgs := []string{}
	for i := len(recent) - 1; i >= 0; i-- {
		if d, ok := recent[i].(DialogClosedEvent); ok {
			msgs = append(msgs, "["+d.DialogType+"] "+d.Message)
		}
	}
	return msgs
}
