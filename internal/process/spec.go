package process

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Defaults matching the uvicorn-served management backend.
const (
	DefaultExecutable  = "/usr/bin/env"
	DefaultInterpreter = "python3"
	DefaultModule      = "uvicorn"
	DefaultApp         = "manager.web.app:create_app"
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 8080
)

// Spec describes the backend server process to launch.
//
// The argv is generated as
//
//	<Executable> <Interpreter> -m <Module> <App> [--factory] --host <Host> --port <Port> [--reload] <ExtraArgs...>
//
// unless Command is set, in which case Command is used verbatim.
type Spec struct {
	Name        string   `json:"name"`
	Executable  string   `json:"executable"`
	Interpreter string   `json:"interpreter"`
	Module      string   `json:"module"`
	App         string   `json:"app"`
	Factory     bool     `json:"factory"`
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	Reload      bool     `json:"reload"`
	ExtraArgs   []string `json:"extra_args,omitempty"`
	Command     []string `json:"command,omitempty"` // explicit argv, overrides the generated one
	WorkDir     string   `json:"work_dir"`
	Env         []string `json:"env,omitempty"` // extra KEY=VALUE entries on top of the inherited environment
}

// DefaultSpec returns the spec used by the desktop app: a reloading uvicorn
// factory app bound to loopback:8080.
func DefaultSpec() Spec {
	return Spec{
		Name:        "backend",
		Executable:  DefaultExecutable,
		Interpreter: DefaultInterpreter,
		Module:      DefaultModule,
		App:         DefaultApp,
		Factory:     true,
		Host:        DefaultHost,
		Port:        DefaultPort,
		Reload:      true,
	}
}

// Argv returns the full argument vector, program first.
func (s Spec) Argv() []string {
	if len(s.Command) > 0 {
		return append([]string(nil), s.Command...)
	}
	argv := []string{orDefault(s.Executable, DefaultExecutable)}
	if s.Interpreter != "" {
		argv = append(argv, s.Interpreter)
	}
	argv = append(argv, "-m", orDefault(s.Module, DefaultModule), orDefault(s.App, DefaultApp))
	if s.Factory {
		argv = append(argv, "--factory")
	}
	argv = append(argv, "--host", s.host(), "--port", strconv.Itoa(s.port()))
	if s.Reload {
		argv = append(argv, "--reload")
	}
	return append(argv, s.ExtraArgs...)
}

// Addr is the host:port the backend binds.
func (s Spec) Addr() string {
	return net.JoinHostPort(s.host(), strconv.Itoa(s.port()))
}

// Validate checks the fields needed to build a command line.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process name is required")
	}
	if len(s.Command) > 0 {
		if strings.TrimSpace(s.Command[0]) == "" {
			return errors.New("command program is empty")
		}
		return nil
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	for i, kv := range s.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("env[%d] %q must be KEY=VALUE", i, kv)
		}
	}
	return nil
}

func (s Spec) host() string { return orDefault(s.Host, DefaultHost) }

func (s Spec) port() int {
	if s.Port <= 0 {
		return DefaultPort
	}
	return s.Port
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
