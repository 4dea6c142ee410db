package audit

import (
	"context"
	"log/slog"
	"sync"
)

// LogStore writes events to a structured logger. It is the default sink when no
// broker is configured.
type LogStore struct {
	logger *slog.Logger
}

func NewLogStore(logger *slog.Logger) *LogStore {
	return &LogStore{logger: logger}
}

func (s *LogStore) Append(ctx context.Context, e Event) error {
	level := slog.LevelInfo
	if e.Action == ActionRegistrationConflict {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "audit",
		"action", string(e.Action),
		"identifier", e.Identifier,
		"public_key", e.PublicKey,
		"reference", e.Reference,
		"amount_sats", e.AmountSats,
		"reason", e.Reason,
		"request_id", e.RequestID,
		"trace_id", e.TraceID,
	)
	return nil
}

// MemoryStore keeps events in process, for tests and development.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *MemoryStore) List() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event{}, s.events...)
}

// ByAction returns the recorded events with the given action, oldest first.
func (s *MemoryStore) ByAction(action Action) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
