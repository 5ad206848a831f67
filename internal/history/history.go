package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventExit        EventType = "exit" // backend exited without a stop request
	EventStartFailed EventType = "start_failed"
)

// Record is the backend state captured at the time of an event.
type Record struct {
	Name       string `json:"name" db:"name"`
	PID        int    `json:"pid" db:"pid"`
	State      string `json:"state" db:"state"`
	StartCount int    `json:"start_count" db:"start_count"`
	Error      string `json:"error,omitempty" db:"error"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type" db:"event"`
	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
	Record     `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can answer queries.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Fanout sends each event to every sink, logging failures. Sends are bounded
// by Timeout so a slow sink cannot hold up the caller for long.
type Fanout struct {
	Sinks   []Sink
	Timeout time.Duration
	Logger  *slog.Logger
}

// Send delivers e to all sinks and joins their errors.
func (f *Fanout) Send(ctx context.Context, e Event) error {
	if f == nil || len(f.Sinks) == 0 {
		return nil
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var errs []error
	for _, s := range f.Sinks {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
			if f.Logger != nil {
				f.Logger.Warn("history sink send failed", "event", e.Type, "error", err)
			}
		}
	}
	return errors.Join(errs...)
}

// Recent answers from the first sink that implements Reader.
func (f *Fanout) Recent(ctx context.Context, limit int) ([]Event, error) {
	if f != nil {
		for _, s := range f.Sinks {
			if r, ok := s.(Reader); ok {
				return r.Recent(ctx, limit)
			}
		}
	}
	return nil, ErrNoReader
}

// Close closes every sink that has a Close method.
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, s := range f.Sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// ErrNoReader is returned by Fanout.Recent when no sink supports queries.
var ErrNoReader = errors.New("no queryable history sink configured")
