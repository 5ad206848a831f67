package stub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/loykin/orbitmgr/pkg/client"
)

// SessionCookie is the name of the cookie set on login.
const SessionCookie = "session"

// naiveISO is how the backend formats timestamps (no zone offset).
const naiveISO = "2006-01-02T15:04:05.000000"

// Config configures the stub backend.
type Config struct {
	Username    string
	Password    string
	AuthEnabled bool // when false every request is allowed and login always succeeds
	Logger      *slog.Logger
}

// Fault alters responses for a path. Delay applies first, then Status
// (when non-zero), then Malformed.
type Fault struct {
	Status    int
	Delay     time.Duration
	Malformed bool
}

// Server is an in-memory implementation of the management backend API.
type Server struct {
	cfg    Config
	logger *slog.Logger
	e      *echo.Echo

	mu       sync.Mutex
	fx       Fixtures
	faults   map[string]Fault
	sessions map[string]string

	requests      atomic.Int64
	lastRequestID atomic.Value
}

// New builds the stub with its routes.
func New(cfg Config, fx Fixtures) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if fx.Services == nil {
		fx.Services = map[string]client.ServiceInfo{}
	}
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		fx:       fx,
		faults:   make(map[string]Fault),
		sessions: make(map[string]string),
	}
	s.lastRequestID.Store("")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(_ echo.Context, id string) { s.lastRequestID.Store(id) },
	}))
	e.Use(s.count, s.injectFaults)

	api := e.Group("/api")
	api.POST("/login", s.login)
	api.POST("/logout", s.logout)

	authed := api.Group("", s.requireSession)
	authed.GET("/status", s.status)
	authed.GET("/services", s.services)
	authed.POST("/services/:name/:action", s.controlService)
	authed.GET("/users/stats", s.userStats)
	authed.GET("/marzban/instances", s.instances)
	authed.GET("/marzban/instances/:id", s.instance)
	authed.GET("/metrics/history", s.metricsHistory)

	s.e = e
	return s
}

// Handler returns the HTTP handler, for httptest or embedding.
func (s *Server) Handler() http.Handler { return s.e }

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.e.Start(addr) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.e.Shutdown(shutdownCtx)
	}
}

// SetFault installs a fault for an exact request path, or for every path
// when path is "*".
func (s *Server) SetFault(path string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[path] = f
}

func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[string]Fault)
}

// Requests returns how many requests the stub has received.
func (s *Server) Requests() int { return int(s.requests.Load()) }

// LastRequestID returns the X-Request-ID of the latest request.
func (s *Server) LastRequestID() string { return s.lastRequestID.Load().(string) }

// Service returns the current state of a service fixture.
func (s *Server) Service(name string) (client.ServiceInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.fx.Services[name]
	return svc, ok
}

func (s *Server) count(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.requests.Add(1)
		return next(c)
	}
}

func (s *Server) injectFaults(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.mu.Lock()
		f, ok := s.faults[c.Request().URL.Path]
		if !ok {
			f, ok = s.faults["*"]
		}
		s.mu.Unlock()
		if !ok {
			return next(c)
		}
		if f.Delay > 0 {
			t := time.NewTimer(f.Delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-c.Request().Context().Done():
				return nil
			}
		}
		if f.Status != 0 {
			return c.JSON(f.Status, detail("injected failure"))
		}
		if f.Malformed {
			return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(`{"uptime": 36`))
		}
		return next(c)
	}
}

func (s *Server) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.cfg.AuthEnabled {
			return next(c)
		}
		ck, err := c.Cookie(SessionCookie)
		if err == nil {
			s.mu.Lock()
			_, ok := s.sessions[ck.Value]
			s.mu.Unlock()
			if ok {
				return next(c)
			}
		}
		return c.JSON(http.StatusUnauthorized, detail("Not authenticated"))
	}
}

func detail(msg string) map[string]string { return map[string]string{"detail": msg} }

func (s *Server) login(c echo.Context) error {
	if !s.cfg.AuthEnabled {
		return c.JSON(http.StatusOK, client.LoginResponse{Success: true})
	}
	var req client.LoginRequest
	if err := c.Bind(&req); err != nil || req.Username == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, detail("Missing credentials"))
	}
	if req.Username != s.cfg.Username || req.Password != s.cfg.Password {
		return c.JSON(http.StatusUnauthorized, detail("Invalid credentials"))
	}
	token := uuid.NewString()
	s.mu.Lock()
	s.sessions[token] = req.Username
	s.mu.Unlock()
	c.SetCookie(&http.Cookie{Name: SessionCookie, Value: token, Path: "/", HttpOnly: true})
	s.logger.Debug("stub login", "user", req.Username)
	return c.JSON(http.StatusOK, client.LoginResponse{Success: true})
}

func (s *Server) logout(c echo.Context) error {
	if ck, err := c.Cookie(SessionCookie); err == nil {
		s.mu.Lock()
		delete(s.sessions, ck.Value)
		s.mu.Unlock()
	}
	c.SetCookie(&http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1})
	return c.JSON(http.StatusOK, client.LoginResponse{Success: true})
}

func (s *Server) status(c echo.Context) error {
	s.mu.Lock()
	st := s.fx.Status
	s.mu.Unlock()
	return c.JSON(http.StatusOK, st)
}

func (s *Server) services(c echo.Context) error {
	s.mu.Lock()
	out := make(map[string]client.ServiceInfo, len(s.fx.Services))
	for k, v := range s.fx.Services {
		out[k] = v
	}
	s.mu.Unlock()
	return c.JSON(http.StatusOK, client.ServicesResponse{Services: out})
}

func (s *Server) controlService(c echo.Context) error {
	name := c.Param("name")
	action, err := client.ParseServiceAction(c.Param("action"))
	if err != nil || c.Param("action") != string(action) {
		return c.JSON(http.StatusNotFound, detail("Not Found"))
	}
	s.mu.Lock()
	svc, ok := s.fx.Services[name]
	if ok {
		switch action {
		case client.ActionStart:
			svc.Status = client.ServiceRunning
		case client.ActionStop:
			svc.Status = client.ServiceStopped
		case client.ActionRestart:
			svc.Status = client.ServiceRunning
			svc.RestartCount++
		}
		svc.LastError = nil
		s.fx.Services[name] = svc
		s.fx.Status.ServicesRunning = countRunning(s.fx.Services)
	}
	s.mu.Unlock()
	if !ok {
		return c.JSON(http.StatusInternalServerError, detail("Failed to "+string(action)+" "+name))
	}
	return c.JSON(http.StatusOK, client.ServiceActionResponse{Success: true, Service: name, Action: string(action)})
}

func countRunning(m map[string]client.ServiceInfo) int {
	n := 0
	for _, s := range m {
		if s.Status == client.ServiceRunning {
			n++
		}
	}
	return n
}

func (s *Server) userStats(c echo.Context) error {
	s.mu.Lock()
	u := s.fx.Users
	s.mu.Unlock()
	return c.JSON(http.StatusOK, u)
}

func (s *Server) instances(c echo.Context) error {
	s.mu.Lock()
	list := append([]client.MarzbanInstance{}, s.fx.Instances...)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, client.MarzbanInstancesResponse{Instances: list})
}

func (s *Server) instance(c echo.Context) error {
	id := c.Param("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.fx.Instances {
		if inst.ID == id {
			return c.JSON(http.StatusOK, inst)
		}
	}
	return c.JSON(http.StatusNotFound, detail("Instance "+id+" not found"))
}

// metricPoint mirrors client.ServiceMetrics with a naive timestamp.
type metricPoint struct {
	Timestamp string   `json:"timestamp"`
	CPU       *float64 `json:"cpu,omitempty"`
	Memory    *float64 `json:"memory,omitempty"`
	Requests  *int     `json:"requests,omitempty"`
	Errors    *int     `json:"errors,omitempty"`
}

func toPoint(m client.ServiceMetrics) metricPoint {
	return metricPoint{
		Timestamp: m.Timestamp.UTC().Format(naiveISO),
		CPU:       m.CPU, Memory: m.Memory, Requests: m.Requests, Errors: m.Errors,
	}
}

func (s *Server) metricsHistory(c echo.Context) error {
	service := strings.TrimSpace(c.QueryParam("service"))
	s.mu.Lock()
	defer s.mu.Unlock()
	if service == "" {
		latest := make(map[string]metricPoint, len(s.fx.Metrics))
		for name, series := range s.fx.Metrics {
			if len(series) > 0 {
				latest[name] = toPoint(series[len(series)-1])
			}
		}
		return c.JSON(http.StatusOK, map[string]any{"services": latest})
	}
	series := s.fx.Metrics[service]
	points := make([]metricPoint, 0, len(series))
	for _, m := range series {
		points = append(points, toPoint(m))
	}
	return c.JSON(http.StatusOK, map[string]any{"service": service, "metrics": points})
}
