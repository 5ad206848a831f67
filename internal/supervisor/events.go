package supervisor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/orbitmgr/internal/metrics"
)

// EventType names what a supervisor Event carries.
type EventType string

const (
	EventState       EventType = "state"
	EventOutput      EventType = "output"
	EventStartFailed EventType = "start_failed"
	EventExited      EventType = "exited"
)

// Event is delivered to subscribers. Only the fields relevant to Type are set.
type Event struct {
	Type   EventType `json:"type"`
	Time   time.Time `json:"time"`
	State  State     `json:"state,omitempty"`
	PID    int       `json:"pid,omitempty"`
	Stream Stream    `json:"stream,omitempty"`
	Line   string    `json:"line,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// hub fans events out to subscriber channels without ever blocking the
// publisher. Full channels lose the event.
type hub struct {
	name    string
	mu      sync.Mutex
	subs    map[uint64]chan Event
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

func newHub(name string) *hub {
	return &hub{name: name, subs: make(map[uint64]chan Event)}
}

func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

func (h *hub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
			metrics.IncDroppedEvent(h.name)
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
