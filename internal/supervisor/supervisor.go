package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/orbitmgr/internal/history"
	"github.com/loykin/orbitmgr/internal/metrics"
	"github.com/loykin/orbitmgr/internal/process"
	"github.com/loykin/orbitmgr/internal/ringbuf"
)

// State is the lifecycle state of the supervised backend.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Stream identifies a captured output stream.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

const (
	DefaultBufferLines  = 100
	DefaultStopTimeout  = 10 * time.Second
	DefaultRestartDelay = time.Second
	drainGrace          = 2 * time.Second
	maxLineBytes        = 64 * 1024
)

var (
	ErrClosed   = errors.New("supervisor closed")
	ErrStopping = errors.New("backend is stopping")
)

// OutputWriters opens sinks that receive a copy of every captured line.
type OutputWriters func(name string) (stdout, stderr io.WriteCloser, err error)

// Options configures a Supervisor.
type Options struct {
	Spec         process.Spec
	Launcher     process.Launcher // nil means process.NewExecLauncher(nil)
	StopTimeout  time.Duration    // SIGTERM to SIGKILL escalation
	RestartDelay time.Duration
	BufferLines  int              // per stream, capped at DefaultBufferLines
	Output       OutputWriters
	History      history.Sink
	Logger       *slog.Logger
}

// Snapshot is an immutable view of the supervisor.
type Snapshot struct {
	Name       string    `json:"name"`
	State      State     `json:"state"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid,omitempty"`
	Addr       string    `json:"addr"`
	Argv       []string  `json:"argv"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	StoppedAt  time.Time `json:"stopped_at,omitzero"`
	StartCount int       `json:"start_count"`
	LastError  string    `json:"last_error,omitempty"`
	Stdout     []string  `json:"stdout"`
	Stderr     []string  `json:"stderr"`
}

// Lines returns the buffered lines of one stream, at most tail of them when
// tail > 0.
func (s *Snapshot) Lines(stream Stream, tail int) []string {
	lines := s.Stdout
	if stream == Stderr {
		lines = s.Stderr
	}
	if tail > 0 && tail < len(lines) {
		return lines[len(lines)-tail:]
	}
	return lines
}

// Supervisor owns the lifecycle of one backend process. All mutable state is
// owned by a single goroutine; public methods talk to it over channels.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
	hub    *hub
	snap   atomic.Pointer[Snapshot]

	cmds   chan command
	output chan outputMsg
	exits  chan exitMsg
	done   chan struct{}

	historyQ    chan history.Event
	historyDone chan struct{}
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdClose
)

type command struct {
	kind  cmdKind
	reply chan error
}

type outputMsg struct {
	gen    uint64
	stream Stream
	line   string
}

type exitMsg struct {
	gen uint64
	err error
}

// New creates the supervisor and starts its coordinating goroutine. The
// backend is not started.
func New(opts Options) *Supervisor {
	if opts.Launcher == nil {
		opts.Launcher = process.NewExecLauncher(nil)
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.BufferLines <= 0 || opts.BufferLines > DefaultBufferLines {
		opts.BufferLines = DefaultBufferLines
	}
	if opts.Spec.Name == "" {
		opts.Spec.Name = "backend"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		opts:   opts,
		logger: logger.With("backend", opts.Spec.Name),
		hub:    newHub(opts.Spec.Name),
		cmds:   make(chan command),
		output: make(chan outputMsg),
		exits:  make(chan exitMsg),
		done:   make(chan struct{}),

		historyQ:    make(chan history.Event, 64),
		historyDone: make(chan struct{}),
	}
	go s.sendHistory()
	l := &loop{
		s:      s,
		state:  StateStopped,
		stdout: ringbuf.New[string](opts.BufferLines),
		stderr: ringbuf.New[string](opts.BufferLines),
	}
	l.publishSnapshot()
	metrics.SetState(opts.Spec.Name, "", string(StateStopped))
	go l.run()
	return s
}

// Name returns the configured backend name.
func (s *Supervisor) Name() string { return s.opts.Spec.Name }

// Snapshot returns the latest published state. It never blocks.
func (s *Supervisor) Snapshot() *Snapshot { return s.snap.Load() }

// Subscribe returns a channel of events and a function that cancels the
// subscription. Delivery is non-blocking: when the channel is full the event
// is dropped. The channel is closed on cancel or Close.
func (s *Supervisor) Subscribe(buffer int) (<-chan Event, func()) {
	return s.hub.subscribe(buffer)
}

// Dropped reports how many events were dropped across all subscribers.
func (s *Supervisor) Dropped() uint64 { return s.hub.dropped.Load() }

// Start spawns the backend. It is a no-op when the backend is already
// starting or running.
func (s *Supervisor) Start(ctx context.Context) error { return s.do(ctx, cmdStart) }

// Stop terminates the backend and returns once its exit has been observed
// and its output pipes are closed. It is a no-op when already stopped.
func (s *Supervisor) Stop(ctx context.Context) error { return s.do(ctx, cmdStop) }

// Restart stops the backend, waits the restart delay, then starts it.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	t := time.NewTimer(s.opts.RestartDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Start(ctx)
}

// Close stops the backend if needed, closes all subscriptions and ends the
// coordinating goroutine. Subsequent calls return nil.
func (s *Supervisor) Close(ctx context.Context) error {
	err := s.do(ctx, cmdClose)
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	if err != nil {
		return err
	}
	select {
	case <-s.historyDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendHistory delivers lifecycle events to the history sink in order.
func (s *Supervisor) sendHistory() {
	defer close(s.historyDone)
	for e := range s.historyQ {
		if s.opts.History == nil {
			continue
		}
		if err := s.opts.History.Send(context.Background(), e); err != nil {
			s.logger.Warn("history send failed", "event", e.Type, "error", err)
		}
	}
}

func (s *Supervisor) do(ctx context.Context, kind cmdKind) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- command{kind: kind, reply: reply}:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop holds the state owned by the coordinating goroutine.
type loop struct {
	s *Supervisor

	state      State
	handle     process.Handle
	gen        uint64
	pid        int
	startedAt  time.Time
	stoppedAt  time.Time
	startCount int
	lastErr    string
	stdout     *ringbuf.Ring[string]
	stderr     *ringbuf.Ring[string]

	stopWaiters  []chan error
	closeWaiters []chan error
	killTimer    *time.Timer

	outW, errW io.WriteCloser
}

func (l *loop) run() {
	defer close(l.s.done)
	for {
		select {
		case c := <-l.s.cmds:
			switch c.kind {
			case cmdStart:
				c.reply <- l.start()
			case cmdStop:
				l.stop(c.reply)
			case cmdClose:
				l.closeWaiters = append(l.closeWaiters, c.reply)
				if l.handle == nil {
					l.finish()
					return
				}
				if len(l.closeWaiters) == 1 {
					l.stop(nil)
				}
			}
		case m := <-l.s.output:
			if m.gen == l.gen {
				l.appendLine(m.stream, m.line)
			}
		case m := <-l.s.exits:
			if m.gen != l.gen {
				continue
			}
			l.exited(m.err)
			if l.closing() {
				l.finish()
				return
			}
		case <-l.killC():
			l.killTimer = nil
			if l.handle != nil {
				l.s.logger.Warn("backend did not exit after SIGTERM, killing", "pid", l.pid, "timeout", l.s.opts.StopTimeout)
				if err := l.handle.Kill(); err != nil {
					l.s.logger.Error("kill backend", "pid", l.pid, "error", err)
				}
			}
		}
	}
}

func (l *loop) killC() <-chan time.Time {
	if l.killTimer == nil {
		return nil
	}
	return l.killTimer.C
}

func (l *loop) start() error {
	switch l.state {
	case StateRunning, StateStarting:
		return nil
	case StateStopping:
		return ErrStopping
	}
	if l.closing() {
		return ErrClosed
	}
	spec := l.s.opts.Spec
	l.setState(StateStarting)

	if l.s.opts.Output != nil && l.outW == nil {
		o, e, err := l.s.opts.Output(spec.Name)
		if err != nil {
			l.s.logger.Warn("output log files unavailable", "error", err)
		} else {
			l.outW, l.errW = o, e
		}
	}

	h, err := l.s.opts.Launcher.Launch(spec)
	if err != nil {
		err = fmt.Errorf("start %s: %w", spec.Name, err)
		l.lastErr = err.Error()
		l.s.logger.Error("backend start failed", "argv", spec.Argv(), "dir", spec.WorkDir, "error", err)
		metrics.IncStartFailure(spec.Name)
		l.s.hub.publish(Event{Type: EventStartFailed, Time: time.Now(), Error: l.lastErr})
		l.setState(StateStopped)
		l.record(history.EventStartFailed, l.lastErr)
		return err
	}

	l.gen++
	l.handle = h
	l.pid = h.PID()
	l.startedAt = time.Now()
	l.stoppedAt = time.Time{}
	l.startCount++
	l.lastErr = ""

	var readers sync.WaitGroup
	readers.Add(2)
	go l.s.readLines(l.gen, Stdout, h.Stdout(), l.outW, &readers)
	go l.s.readLines(l.gen, Stderr, h.Stderr(), l.errW, &readers)
	go l.s.wait(l.gen, h, &readers)

	l.s.logger.Info("backend started", "pid", l.pid, "addr", spec.Addr(), "dir", spec.WorkDir)
	metrics.IncStart(spec.Name)
	l.setState(StateRunning)
	l.record(history.EventStart, "")
	return nil
}

// stop begins termination; reply, if any, is answered once exit is observed.
func (l *loop) stop(reply chan error) {
	if l.handle == nil {
		if reply != nil {
			reply <- nil
		}
		return
	}
	if reply != nil {
		l.stopWaiters = append(l.stopWaiters, reply)
	}
	if l.state == StateStopping {
		return
	}
	l.setState(StateStopping)
	l.s.logger.Info("stopping backend", "pid", l.pid)
	if err := l.handle.Terminate(); err != nil {
		l.s.logger.Warn("terminate failed, killing", "pid", l.pid, "error", err)
		_ = l.handle.Kill()
	}
	l.killTimer = time.NewTimer(l.s.opts.StopTimeout)
}

func (l *loop) exited(err error) {
	requested := l.state == StateStopping
	if l.killTimer != nil {
		l.killTimer.Stop()
		l.killTimer = nil
	}
	pid := l.pid
	l.handle = nil
	l.pid = 0
	l.stoppedAt = time.Now()
	name := l.s.opts.Spec.Name

	if requested {
		l.s.logger.Info("backend stopped", "pid", pid)
		metrics.IncStop(name)
		l.setState(StateStopped)
		l.recordPID(history.EventStop, pid, "")
	} else {
		msg := "backend exited"
		if err != nil {
			msg = fmt.Sprintf("backend exited: %v", err)
		}
		l.lastErr = msg
		l.s.logger.Warn("backend exited unexpectedly", "pid", pid, "error", err)
		metrics.IncUnexpectedExit(name)
		l.s.hub.publish(Event{Type: EventExited, Time: l.stoppedAt, PID: pid, Error: msg})
		l.setState(StateStopped)
		l.recordPID(history.EventExit, pid, msg)
	}
	for _, w := range l.stopWaiters {
		w <- nil
	}
	l.stopWaiters = nil
}

func (l *loop) finish() {
	for _, w := range []io.Closer{l.outW, l.errW} {
		if w != nil {
			_ = w.Close()
		}
	}
	l.s.hub.close()
	close(l.s.historyQ)
	for _, w := range l.closeWaiters {
		w <- nil
	}
	l.closeWaiters = nil
}

func (l *loop) closing() bool { return len(l.closeWaiters) > 0 }

func (l *loop) appendLine(stream Stream, line string) {
	ring := l.stdout
	if stream == Stderr {
		ring = l.stderr
	}
	ring.Push(line)
	metrics.IncOutputLine(l.s.opts.Spec.Name, string(stream))
	l.publishSnapshot()
	l.s.hub.publish(Event{Type: EventOutput, Time: time.Now(), Stream: stream, Line: line, PID: l.pid})
}

func (l *loop) setState(st State) {
	prev := l.state
	l.state = st
	metrics.SetState(l.s.opts.Spec.Name, string(prev), string(st))
	l.publishSnapshot()
	l.s.hub.publish(Event{Type: EventState, Time: time.Now(), State: st, PID: l.pid, Error: l.lastErr})
}

func (l *loop) publishSnapshot() {
	spec := l.s.opts.Spec
	l.s.snap.Store(&Snapshot{
		Name:       spec.Name,
		State:      l.state,
		Running:    l.state == StateRunning,
		PID:        l.pid,
		Addr:       spec.Addr(),
		Argv:       spec.Argv(),
		StartedAt:  l.startedAt,
		StoppedAt:  l.stoppedAt,
		StartCount: l.startCount,
		LastError:  l.lastErr,
		Stdout:     l.stdout.Values(),
		Stderr:     l.stderr.Values(),
	})
}

func (l *loop) record(t history.EventType, errText string) { l.recordPID(t, l.pid, errText) }

func (l *loop) recordPID(t history.EventType, pid int, errText string) {
	if l.s.opts.History == nil {
		return
	}
	e := history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			Name:       l.s.opts.Spec.Name,
			PID:        pid,
			State:      string(l.state),
			StartCount: l.startCount,
			Error:      errText,
		},
	}
	select {
	case l.s.historyQ <- e:
	default:
		l.s.logger.Warn("history queue full, event dropped", "event", t)
	}
}

// readLines forwards each line of r to the loop, teeing it to w when set.
func (s *Supervisor) readLines(gen uint64, stream Stream, r io.Reader, w io.Writer, wg *sync.WaitGroup) {
	defer wg.Done()
	br := bufio.NewReaderSize(r, 4096)
	for {
		line, err := readLine(br)
		if line != "" || err == nil {
			if w != nil {
				_, _ = io.WriteString(w, line+"\n")
			}
			select {
			case s.output <- outputMsg{gen: gen, stream: stream, line: line}:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// readLine reads one line without its terminator, truncating overlong lines
// and replacing invalid UTF-8.
func readLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		frag, isPrefix, err := br.ReadLine()
		if sb.Len() < maxLineBytes {
			room := maxLineBytes - sb.Len()
			if len(frag) > room {
				frag = frag[:room]
			}
			sb.Write(frag)
		}
		if err != nil {
			return strings.ToValidUTF8(sb.String(), "\uFFFD"), err
		}
		if !isPrefix {
			return strings.ToValidUTF8(sb.String(), "\uFFFD"), nil
		}
	}
}

// wait reaps the process, lets the readers drain, closes the pipes and
// reports the exit to the loop.
func (s *Supervisor) wait(gen uint64, h process.Handle, readers *sync.WaitGroup) {
	err := h.Wait()

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainGrace):
		// a grandchild still holds the write ends
	}
	_ = h.Close()
	<-drained

	select {
	case s.exits <- exitMsg{gen: gen, err: err}:
	case <-s.done:
	}
}
