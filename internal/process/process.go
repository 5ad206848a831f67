package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/loykin/orbitmgr/internal/env"
)

// Handle is a live supervised process. Stdout and Stderr stay readable until
// Close; Wait blocks until the process has exited and may be called once.
type Handle interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	Terminate() error // graceful termination request
	Kill() error
	Wait() error
	Close() error // release the read ends of the output pipes
}

// Launcher spawns processes. The supervisor only talks to processes through
// this interface so tests can substitute a fake.
type Launcher interface {
	Launch(spec Spec) (Handle, error)
}

// ExecLauncher launches real OS processes with os/exec.
type ExecLauncher struct {
	Env *env.Env // base environment; nil means the current OS environment
}

func NewExecLauncher(e *env.Env) *ExecLauncher { return &ExecLauncher{Env: e} }

// Launch starts spec in its own process group with stdout/stderr wired to
// pipes owned by the returned handle.
func (l *ExecLauncher) Launch(spec Spec) (Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	argv := spec.Argv()
	// #nosec G204 -- argv comes from operator configuration
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.WorkDir
	base := l.Env
	if base == nil {
		base = env.New()
	}
	cmd.Env = base.Merge(spec.Env)
	configureSysProcAttr(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		_ = outR.Close()
		_ = outW.Close()
		_ = errR.Close()
		_ = errW.Close()
		return nil, err
	}
	// The child holds its own copies of the write ends.
	_ = outW.Close()
	_ = errW.Close()
	return &execHandle{cmd: cmd, stdout: outR, stderr: errR}, nil
}

type execHandle struct {
	cmd       *exec.Cmd
	stdout    *os.File
	stderr    *os.File
	closeOnce sync.Once
}

func (h *execHandle) PID() int          { return h.cmd.Process.Pid }
func (h *execHandle) Stdout() io.Reader { return h.stdout }
func (h *execHandle) Stderr() io.Reader { return h.stderr }
func (h *execHandle) Terminate() error  { return terminateGroup(h.cmd.Process) }
func (h *execHandle) Kill() error       { return killGroup(h.cmd.Process) }

// Wait does not touch the output pipes; they belong to the handle.
func (h *execHandle) Wait() error { return h.cmd.Wait() }

func (h *execHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = errors.Join(h.stdout.Close(), h.stderr.Close())
	})
	return err
}
