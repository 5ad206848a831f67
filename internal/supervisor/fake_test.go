package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/loykin/orbitmgr/internal/history"
	"github.com/loykin/orbitmgr/internal/process"
)

// fakeLauncher hands out in-memory processes and refuses to bind a port
// twice, like a real server would.
type fakeLauncher struct {
	mu         sync.Mutex
	ports      map[int]bool
	handles    []*fakeHandle
	fail       error
	ignoreTerm bool
	nextPID    int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{ports: make(map[int]bool), nextPID: 1000}
}

func (f *fakeLauncher) Launch(spec process.Spec) (process.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	if f.ports[spec.Port] {
		return nil, fmt.Errorf("bind %s: address already in use", spec.Addr())
	}
	f.ports[spec.Port] = true
	f.nextPID++
	h := &fakeHandle{
		pid:        f.nextPID,
		port:       spec.Port,
		launcher:   f,
		exited:     make(chan struct{}),
		ignoreTerm: f.ignoreTerm,
	}
	h.outR, h.outW = io.Pipe()
	h.errR, h.errW = io.Pipe()
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeLauncher) release(port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ports, port)
}

func (f *fakeLauncher) portInUse(port int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ports[port]
}

func (f *fakeLauncher) launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *fakeLauncher) last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[len(f.handles)-1]
}

type fakeHandle struct {
	pid        int
	port       int
	launcher   *fakeLauncher
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
	exited     chan struct{}
	once       sync.Once
	exitErr    error
	ignoreTerm bool

	mu         sync.Mutex
	terminated bool
	killed     bool
}

func (h *fakeHandle) PID() int          { return h.pid }
func (h *fakeHandle) Stdout() io.Reader { return h.outR }
func (h *fakeHandle) Stderr() io.Reader { return h.errR }

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	h.terminated = true
	h.mu.Unlock()
	if !h.ignoreTerm {
		h.exit(errors.New("signal: terminated"))
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.exit(errors.New("signal: killed"))
	return nil
}

func (h *fakeHandle) Wait() error {
	<-h.exited
	h.launcher.release(h.port)
	return h.exitErr
}

func (h *fakeHandle) Close() error {
	_ = h.outR.Close()
	_ = h.errR.Close()
	return nil
}

// exit simulates the process ending on its own.
func (h *fakeHandle) exit(err error) {
	h.once.Do(func() {
		h.exitErr = err
		_ = h.outW.Close()
		_ = h.errW.Close()
		close(h.exited)
	})
}

func (h *fakeHandle) println(stream Stream, line string) {
	w := h.outW
	if stream == Stderr {
		w = h.errW
	}
	_, _ = io.WriteString(w, line+"\n")
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

type memHistory struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memHistory) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memHistory) types() []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]history.EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

func testSpec(port int) process.Spec {
	spec := process.DefaultSpec()
	spec.Port = port
	return spec
}

func newTestSupervisor(t *testing.T, fl *fakeLauncher, mod func(*Options)) *Supervisor {
	t.Helper()
	opts := Options{
		Spec:         testSpec(18080),
		Launcher:     fl,
		StopTimeout:  time.Second,
		RestartDelay: 10 * time.Millisecond,
	}
	if mod != nil {
		mod(&opts)
	}
	s := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitEvent(t *testing.T, ch <-chan Event, typ EventType) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", typ)
			}
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}
