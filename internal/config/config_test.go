package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	spec, err := cfg.Backend.Spec()
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	want := "/usr/bin/env python3 -m uvicorn manager.web.app:create_app --factory --host 127.0.0.1 --port 8080 --reload"
	if got := strings.Join(spec.Argv(), " "); got != want {
		t.Fatalf("argv = %q\nwant   %q", got, want)
	}
	if cfg.API.BaseURL != "http://127.0.0.1:8080" {
		t.Fatalf("base url = %q", cfg.API.BaseURL)
	}
	if cfg.API.Timeout != 30*time.Second {
		t.Fatalf("api timeout = %v", cfg.API.Timeout)
	}
	if cfg.Backend.RestartDelay != time.Second || cfg.Backend.BufferLines != 100 {
		t.Fatalf("backend defaults = %+v", cfg.Backend)
	}
	if cfg.Server.BasePath != "/api/v1" || !cfg.Metrics.Enabled {
		t.Fatalf("server/metrics defaults = %+v %+v", cfg.Server, cfg.Metrics)
	}
	if cfg.Metrics.Sampler.Interval != 5*time.Second {
		t.Fatalf("sampler interval = %v", cfg.Metrics.Sampler.Interval)
	}
	if !filepath.IsAbs(cfg.Backend.WorkDir) || filepath.Base(cfg.Backend.WorkDir) != "backend" {
		t.Fatalf("workdir = %q", cfg.Backend.WorkDir)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "orbitmgr.toml", `
[backend]
port = 9090
reload = false
workdir = "/srv/manager"
stop_timeout = "3s"
env = ["LOG_LEVEL=debug"]

[api]
timeout = "5s"

[log]
level = "debug"
format = "json"

[history]
dsns = ["sqlite:///tmp/h.db"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.Port != 9090 || cfg.Backend.Reload {
		t.Fatalf("backend = %+v", cfg.Backend)
	}
	if cfg.Backend.WorkDir != "/srv/manager" {
		t.Fatalf("workdir = %q", cfg.Backend.WorkDir)
	}
	if cfg.Backend.StopTimeout != 3*time.Second || cfg.API.Timeout != 5*time.Second {
		t.Fatalf("durations = %v %v", cfg.Backend.StopTimeout, cfg.API.Timeout)
	}
	if cfg.API.BaseURL != "http://127.0.0.1:9090" {
		t.Fatalf("derived base url = %q", cfg.API.BaseURL)
	}
	if cfg.Log.Format != "json" || len(cfg.History.DSNs) != 1 {
		t.Fatalf("log/history = %+v %+v", cfg.Log, cfg.History)
	}
	spec, err := cfg.Backend.Spec()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(strings.Join(spec.Argv(), " "), "--reload") {
		t.Fatalf("reload should be off: %v", spec.Argv())
	}
	if len(spec.Env) != 1 || spec.Env[0] != "LOG_LEVEL=debug" {
		t.Fatalf("env = %v", spec.Env)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ORBITMGR_BACKEND_PORT", "9191")
	t.Setenv("ORBITMGR_API_BASE_URL", "http://10.0.0.5:8080")
	t.Setenv("ORBITMGR_LOG_LEVEL", "warn")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.Port != 9191 {
		t.Fatalf("port = %d", cfg.Backend.Port)
	}
	if cfg.API.BaseURL != "http://10.0.0.5:8080" {
		t.Fatalf("base url = %q", cfg.API.BaseURL)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("level = %q", cfg.Log.Level)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		data string
		want string
	}{
		{"bad port", "[backend]\nport = 70000\n", "backend.port"},
		{"bad level", "[log]\nlevel = \"loud\"\n", "level"},
		{"bad url", "[api]\nbase_url = \"ftp://x\"\n", "base_url"},
		{"buffer too large", "[backend]\nbuffer_lines = 101\n", "backend.buffer_lines"},
		{"buffer zero", "[backend]\nbuffer_lines = 0\n", "backend.buffer_lines"},
		{"syntax", "[backend\n", "read config"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeFile(t, dir, tt.name+string(rune('a'+i))+".toml", tt.data)
			_, err := Load(p)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestResolveWorkDir(t *testing.T) {
	if got := ResolveWorkDir("/explicit"); got != "/explicit" {
		t.Fatalf("explicit = %q", got)
	}

	dir := t.TempDir()
	orig := executable
	t.Cleanup(func() { executable = orig })
	executable = func() (string, error) { return filepath.Join(dir, "orbitmgr"), nil }

	// no bundled dir: falls back to ./backend
	cwd, _ := os.Getwd()
	if got := ResolveWorkDir(""); got != filepath.Join(cwd, "backend") {
		t.Fatalf("fallback = %q", got)
	}

	bundled := filepath.Join(dir, "backend")
	if err := os.Mkdir(bundled, 0o755); err != nil {
		t.Fatal(err)
	}
	if got := ResolveWorkDir(""); got != bundled {
		t.Fatalf("bundled = %q, want %q", got, bundled)
	}
}

func TestLoadEnvFileAndSpecEnv(t *testing.T) {
	dir := t.TempDir()
	dotenv := writeFile(t, dir, ".env", "A=1\n#comment\nexport B=\"two\"\nbroken\nC=from-file\n")
	pairs, err := LoadEnvFile(dotenv)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if strings.Join(pairs, ",") != "A=1,B=two,C=from-file" {
		t.Fatalf("pairs = %v", pairs)
	}

	b := BackendConfig{Name: "backend", Port: 8080, EnvFiles: []string{dotenv}, Env: []string{"C=from-list"}}
	spec, err := b.Spec()
	if err != nil {
		t.Fatal(err)
	}
	// the list entry comes last so it wins when merged
	if spec.Env[len(spec.Env)-1] != "C=from-list" {
		t.Fatalf("env order = %v", spec.Env)
	}

	b.EnvFiles = []string{filepath.Join(dir, "nope.env")}
	if _, err := b.Spec(); err == nil {
		t.Fatal("expected error for missing env file")
	}
}

func TestServerURL(t *testing.T) {
	cases := []struct {
		listen, base, want string
	}{
		{"127.0.0.1:8765", "/api/v1", "http://127.0.0.1:8765/api/v1"},
		{":9000", "", "http://127.0.0.1:9000"},
		{"0.0.0.0:9000", "/x", "http://127.0.0.1:9000/x"},
		{"[::1]:9000", "", "http://[::1]:9000"},
	}
	for _, c := range cases {
		got := ServerConfig{Listen: c.listen, BasePath: c.base}.URL()
		if got != c.want {
			t.Fatalf("URL(%q, %q) = %q want %q", c.listen, c.base, got, c.want)
		}
	}
}

func TestServerURLWithTLS(t *testing.T) {
	dir := t.TempDir()
	s := ServerConfig{Listen: "127.0.0.1:8765", BasePath: "/api/v1"}
	s.TLS.Enabled = true
	s.TLS.Dir = dir
	if got := s.URL(); got != "https://127.0.0.1:8765/api/v1" {
		t.Fatalf("URL() = %q", got)
	}
	if got := s.CACertPath(); got != "" {
		t.Fatalf("CACertPath() = %q before generation", got)
	}
	ca := filepath.Join(dir, "tls_ca.crt")
	if err := os.WriteFile(ca, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := s.CACertPath(); got != ca {
		t.Fatalf("CACertPath() = %q want %q", got, ca)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "examples", "orbitmgr.toml"))
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if cfg.Backend.Port != 8080 || cfg.Server.Listen != "127.0.0.1:8765" {
		t.Fatalf("unexpected example values: %+v", cfg)
	}
	if cfg.Log.File.Dir != "logs" || cfg.Metrics.Sampler.MaxHistory != 100 {
		t.Fatalf("unexpected nested values: %+v %+v", cfg.Log.File, cfg.Metrics.Sampler)
	}
}
