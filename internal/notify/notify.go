// Package notify delivers user-facing notifications produced by the outbox.
package notify

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
)

type Notification struct {
	UserID    string            `json:"user_id"`
	TeamID    string            `json:"team_id"`
	EventType string            `json:"event_type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	ActionURL string            `json:"action_url,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Notifier is a best-effort sink; callers log errors and move on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Log writes notifications to a logger.
type Log struct {
	Logger *log.Logger
}

func (l Log) Notify(_ context.Context, n Notification) error {
	lg := l.Logger
	if lg == nil {
		lg = log.Default()
	}
	lg.Printf("notify: [%s] %s -> %s: %s", n.EventType, n.Title, n.UserID, n.Message)
	return nil
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification{}, r.sent...)
}

// For returns what was sent to one user.
func (r *Recorder) For(userID string) []Notification {
	var out []Notification
	for _, n := range r.Sent() {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// Multi fans a notification out to every sink and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EventFilter matches notification types; an empty filter matches everything.
type EventFilter struct {
	all bool
	set map[string]struct{}
}

func NewEventFilter(types []string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return EventFilter{all: true}
	}
	return EventFilter{set: set}
}

func (f EventFilter) Match(eventType string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[eventType]
	return ok
}
