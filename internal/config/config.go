package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/orbitmgr/internal/logger"
	"github.com/loykin/orbitmgr/internal/metrics"
	"github.com/loykin/orbitmgr/internal/process"
	"github.com/loykin/orbitmgr/internal/supervisor"
	itls "github.com/loykin/orbitmgr/internal/tls"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// ORBITMGR_BACKEND_PORT=9090 or ORBITMGR_API_BASE_URL=http://host:8080.
const EnvPrefix = "ORBITMGR"

// Config is the full orbitmgr configuration.
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	API     APIConfig     `mapstructure:"api"`
	Log     logger.Config `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
	Stub    StubConfig    `mapstructure:"stub"`
}

// BackendConfig describes the supervised backend server.
type BackendConfig struct {
	Name         string        `mapstructure:"name"`
	Executable   string        `mapstructure:"executable"`
	Interpreter  string        `mapstructure:"interpreter"`
	Module       string        `mapstructure:"module"`
	App          string        `mapstructure:"app"`
	Factory      bool          `mapstructure:"factory"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Reload       bool          `mapstructure:"reload"`
	ExtraArgs    []string      `mapstructure:"extra_args"`
	Command      []string      `mapstructure:"command"`
	WorkDir      string        `mapstructure:"workdir"`
	Env          []string      `mapstructure:"env"`
	EnvFiles     []string      `mapstructure:"env_files"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
	BufferLines  int           `mapstructure:"buffer_lines"` // per stream, at most 100
	AutoStart    bool          `mapstructure:"autostart"`
}

// APIConfig configures the backend API client.
type APIConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Insecure bool          `mapstructure:"insecure"`
	CACert   string        `mapstructure:"ca_cert"`
}

// ServerConfig configures the local control API.
type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	Token    string      `mapstructure:"token"` // bearer token; empty disables auth
	TLS      itls.Config `mapstructure:"tls"`
}

// URL is the control API base URL clients should use.
func (s ServerConfig) URL() string {
	scheme := "http://"
	if s.TLS.Enabled {
		scheme = "https://"
	}
	host, port, err := net.SplitHostPort(s.Listen)
	if err != nil {
		return scheme + s.Listen + s.BasePath
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return scheme + net.JoinHostPort(host, port) + s.BasePath
}

// CACertPath is the certificate clients should trust for the control API,
// or "" when TLS is off or no generated CA copy exists.
func (s ServerConfig) CACertPath() string {
	if !s.TLS.Enabled || s.TLS.Dir == "" {
		return ""
	}
	p := filepath.Join(s.TLS.Dir, itls.CACertFile)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// MetricsConfig configures Prometheus exposition and resource sampling.
type MetricsConfig struct {
	Enabled bool                  `mapstructure:"enabled"`
	Listen  string                `mapstructure:"listen"` // empty serves /metrics on the control API
	Sampler metrics.SamplerConfig `mapstructure:"sampler"`
}

// HistoryConfig lists lifecycle history sinks by DSN.
type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

// StubConfig configures the in-process stub backend.
type StubConfig struct {
	Listen   string `mapstructure:"listen"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Auth     bool   `mapstructure:"auth"`
}

// executable is replaced in tests.
var executable = os.Executable

func setDefaults(v *viper.Viper) {
	d := process.DefaultSpec()
	v.SetDefault("backend.name", d.Name)
	v.SetDefault("backend.executable", d.Executable)
	v.SetDefault("backend.interpreter", d.Interpreter)
	v.SetDefault("backend.module", d.Module)
	v.SetDefault("backend.app", d.App)
	v.SetDefault("backend.factory", d.Factory)
	v.SetDefault("backend.host", d.Host)
	v.SetDefault("backend.port", d.Port)
	v.SetDefault("backend.reload", d.Reload)
	v.SetDefault("backend.extra_args", []string{})
	v.SetDefault("backend.command", []string{})
	v.SetDefault("backend.workdir", "")
	v.SetDefault("backend.env", []string{})
	v.SetDefault("backend.env_files", []string{})
	v.SetDefault("backend.stop_timeout", supervisor.DefaultStopTimeout)
	v.SetDefault("backend.restart_delay", supervisor.DefaultRestartDelay)
	v.SetDefault("backend.buffer_lines", supervisor.DefaultBufferLines)
	v.SetDefault("backend.autostart", false)

	v.SetDefault("api.base_url", "")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.insecure", false)
	v.SetDefault("api.ca_cert", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.stdout", "")
	v.SetDefault("log.file.stderr", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("server.listen", "127.0.0.1:8765")
	v.SetDefault("server.base_path", "/api/v1")
	v.SetDefault("server.token", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "1.3")
	v.SetDefault("server.tls.hosts", []string{})
	v.SetDefault("server.tls.valid_for", 5*365*24*time.Hour)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.sampler.enabled", true)
	v.SetDefault("metrics.sampler.interval", 5*time.Second)
	v.SetDefault("metrics.sampler.max_history", 100)

	v.SetDefault("history.dsns", []string{})

	v.SetDefault("stub.listen", "127.0.0.1:8080")
	v.SetDefault("stub.username", "admin")
	v.SetDefault("stub.password", "admin")
	v.SetDefault("stub.auth", false)
}

// Load reads configuration from path (optional), applies defaults and
// ORBITMGR_* environment overrides, and resolves derived values.
// The file format follows the extension; files without one are read as TOML.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Backend.WorkDir = ResolveWorkDir(cfg.Backend.WorkDir)
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "http://" + net.JoinHostPort(cfg.Backend.Host, strconv.Itoa(cfg.Backend.Port))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Backend.Port <= 0 || c.Backend.Port > 65535 {
		errs = append(errs, fmt.Errorf("backend.port %d out of range", c.Backend.Port))
	}
	if c.Backend.StopTimeout < 0 {
		errs = append(errs, errors.New("backend.stop_timeout must not be negative"))
	}
	if c.Backend.BufferLines < 1 || c.Backend.BufferLines > supervisor.DefaultBufferLines {
		errs = append(errs, fmt.Errorf("backend.buffer_lines %d must be between 1 and %d", c.Backend.BufferLines, supervisor.DefaultBufferLines))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, errors.New("api.timeout must be positive"))
	}
	if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("api.base_url %q must be an http(s) URL", c.API.BaseURL))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ResolveWorkDir returns explicit when set. Otherwise it prefers the
// "backend" directory next to the running executable (bundled layout) and
// falls back to ./backend.
func ResolveWorkDir(explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	if exe, err := executable(); err == nil {
		bundled := filepath.Join(filepath.Dir(exe), "backend")
		if fi, err := os.Stat(bundled); err == nil && fi.IsDir() {
			return bundled
		}
	}
	if abs, err := filepath.Abs("backend"); err == nil {
		return abs
	}
	return "backend"
}

// Spec converts the backend section into a launch spec. Variables from
// env_files are applied first; the env list overrides them.
func (b BackendConfig) Spec() (process.Spec, error) {
	var envs []string
	for _, p := range b.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return process.Spec{}, fmt.Errorf("env file %s: %w", p, err)
		}
		envs = append(envs, pairs...)
	}
	envs = append(envs, b.Env...)
	spec := process.Spec{
		Name:        b.Name,
		Executable:  b.Executable,
		Interpreter: b.Interpreter,
		Module:      b.Module,
		App:         b.App,
		Factory:     b.Factory,
		Host:        b.Host,
		Port:        b.Port,
		Reload:      b.Reload,
		ExtraArgs:   b.ExtraArgs,
		Command:     b.Command,
		WorkDir:     b.WorkDir,
		Env:         envs,
	}
	return spec, spec.Validate()
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in
// file order. Blank lines and lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		if k != "" {
			out = append(out, k+"="+v)
		}
	}
	return out, nil
}
