// Package audit provides an immutable, structured audit log for meridian.
//
// Logger has a helper per privileged cluster action — node registration,
// module install, match create/delete, scope denial, autoscale
// recommendation — each recording a structured event. An action is
// recorded only where its caller invokes the helper; nothing in this
// module calls the module-install or scope-denial helpers. Events are
// append-only and can be exported to JSON for downstream ingestion.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	EventNodeRegister   EventType = "node.register"
	EventNodeDeregister EventType = "node.deregister"
	EventNodeExpired    EventType = "node.expired"
	EventModuleInstall  EventType = "module.install"
	EventModuleReject   EventType = "module.reject"
	EventMatchCreate    EventType = "match.create"
	EventMatchDelete    EventType = "match.delete"
	EventScopeDenied    EventType = "auth.scope_denied"
	EventAuth           EventType = "auth.decision"
	EventAutoscale      EventType = "autoscale.recommendation"
	EventConfig         EventType = "config.change"
)

// Event is a single immutable audit record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Type      EventType      `json:"type"`
	Principal string         `json:"principal"`
	Action    string         `json:"action"`
	Target    *EventTarget   `json:"target,omitempty"`
	Result    *EventResult   `json:"result,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventTarget describes what was targeted by the action.
type EventTarget struct {
	NodeID  string            `json:"node_id,omitempty"`
	MatchID string            `json:"match_id,omitempty"`
	ModuleID string           `json:"module_id,omitempty"`
	Scope   string            `json:"scope,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// EventResult captures the outcome of the action.
type EventResult struct {
	Status   string        `json:"status"` // "success", "failure", "denied"
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration_ms,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// QueryOptions filters audit log queries.
type QueryOptions struct {
	Principal string
	Type      EventType
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Store is the persistence interface for the audit log.
type Store interface {
	// Append writes an event to the audit log. Events are immutable once written.
	Append(ctx context.Context, event *Event) error

	// Query retrieves events matching the given filters.
	Query(ctx context.Context, opts QueryOptions) ([]*Event, error)

	// Export returns all events since the given time.
	Export(ctx context.Context, since time.Time) ([]*Event, error)
}

// ------------------------------------------------------------------
// File-based audit store (append-only JSONL)
// ------------------------------------------------------------------

// FileStore is an append-only file-based audit store using JSON Lines
// format. Each line is a complete JSON event; the file is never modified,
// only appended to.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-based audit store at the given directory.
func NewFileStore(dir string) *FileStore {
	os.MkdirAll(dir, 0o700)
	return &FileStore{dir: dir}
}

func (s *FileStore) logFile() string {
	return filepath.Join(s.dir, "audit.jsonl")
}

// Append writes an event to the audit log.
func (s *FileStore) Append(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// Query reads events matching the given filters.
func (s *FileStore) Query(ctx context.Context, opts QueryOptions) ([]*Event, error) {
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}

	var results []*Event
	for _, e := range all {
		if opts.Principal != "" && e.Principal != opts.Principal {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && e.Timestamp.After(opts.Until) {
			continue
		}
		results = append(results, e)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}

	return results, nil
}

// Export returns all events since the given time.
func (s *FileStore) Export(ctx context.Context, since time.Time) ([]*Event, error) {
	return s.Query(ctx, QueryOptions{Since: since})
}

func (s *FileStore) readAll() ([]*Event, error) {
	data, err := os.ReadFile(s.logFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var events []*Event
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip malformed lines
		}
		events = append(events, &e)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := range data {
		if data[i] == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// ------------------------------------------------------------------
// Logger is a convenience wrapper for emitting audit events
// ------------------------------------------------------------------

// Logger provides helper methods for common audit patterns.
type Logger struct {
	store     Store
	principal string
}

// NewLogger creates an audit logger for the given principal.
func NewLogger(store Store, principal string) *Logger {
	return &Logger{store: store, principal: principal}
}

// LogNodeRegister records a node registration event.
func (l *Logger) LogNodeRegister(ctx context.Context, nodeID string, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:   EventNodeRegister,
		Principal: l.principal,
		Action: "node.register",
		Target: &EventTarget{NodeID: nodeID},
		Result: result,
	})
}

// LogNodeDeregister records a node deregistration or expiry event.
func (l *Logger) LogNodeDeregister(ctx context.Context, nodeID string, expired bool, result *EventResult) error {
	t := EventNodeDeregister
	if expired {
		t = EventNodeExpired
	}
	return l.store.Append(ctx, &Event{
		Type:   t,
		Principal: l.principal,
		Action: string(t),
		Target: &EventTarget{NodeID: nodeID},
		Result: result,
	})
}

// LogModuleInstall records a module installation or rejection.
func (l *Logger) LogModuleInstall(ctx context.Context, moduleID string, accepted bool, result *EventResult) error {
	t := EventModuleInstall
	if !accepted {
		t = EventModuleReject
	}
	return l.store.Append(ctx, &Event{
		Type:   t,
		Principal: l.principal,
		Action: string(t),
		Target: &EventTarget{ModuleID: moduleID},
		Result: result,
	})
}

// LogMatchLifecycle records a match create or delete event.
func (l *Logger) LogMatchLifecycle(ctx context.Context, matchID string, created bool, result *EventResult) error {
	t := EventMatchCreate
	if !created {
		t = EventMatchDelete
	}
	return l.store.Append(ctx, &Event{
		Type:   t,
		Principal: l.principal,
		Action: string(t),
		Target: &EventTarget{MatchID: matchID},
		Result: result,
	})
}

// LogScopeDenied records an authorization denial.
func (l *Logger) LogScopeDenied(ctx context.Context, scope string, reason string) error {
	return l.store.Append(ctx, &Event{
		Type:   EventScopeDenied,
		Principal: l.principal,
		Action: "auth.scope_denied",
		Target: &EventTarget{Scope: scope},
		Result: &EventResult{Status: "denied", Reason: reason},
	})
}

// LogAutoscaleRecommendation records an autoscaler decision.
func (l *Logger) LogAutoscaleRecommendation(ctx context.Context, reason string, delta int) error {
	return l.store.Append(ctx, &Event{
		Type:   EventAutoscale,
		Principal: l.principal,
		Action: "autoscale.recommendation",
		Metadata: map[string]any{
			"reason": reason,
			"delta":  delta,
		},
	})
}
