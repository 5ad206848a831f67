package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/orbitmgr/internal/history"
	"github.com/loykin/orbitmgr/internal/metrics"
	"github.com/loykin/orbitmgr/internal/supervisor"
)

// Router serves the local control API for one supervised backend.
// Endpoints, relative to basePath:
//
//	GET  /backend                   snapshot
//	POST /backend/start|stop|restart
//	GET  /backend/output            query: stream=stdout|stderr&tail=N
//	GET  /backend/events            server-sent events
//	GET  /backend/history           query: limit=N
//	GET  /backend/health            probe of the backend HTTP API
//	GET  /backend/resources         query: minutes=N
//
// /metrics is always served at the root.
type Router struct {
	opts     Options
	basePath string
	logger   *slog.Logger
}

// Backend is the lifecycle surface the router drives.
type Backend interface {
	Name() string
	Snapshot() *supervisor.Snapshot
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Subscribe(buffer int) (<-chan supervisor.Event, func())
}

// HealthChecker probes the backend's own API.
type HealthChecker interface {
	CheckHealth(ctx context.Context) bool
}

// ResourceSource returns sampled CPU and memory readings.
type ResourceSource interface {
	History(since time.Time) []metrics.ResourceSample
}

// Options configures a Router. Only Backend is required.
type Options struct {
	BasePath  string
	Token     string
	Backend   Backend
	Health    HealthChecker
	History   history.Reader
	Resources ResourceSource
	Metrics   http.Handler
	// ActionTimeout bounds start, stop and restart. Zero means 30s.
	ActionTimeout time.Duration
	Logger        *slog.Logger
}

const (
	defaultActionTimeout = 30 * time.Second
	defaultHistoryLimit  = 50
	defaultMinutes       = 10
	maxMinutes           = 7 * 24 * 60
	eventBuffer          = 256
)

// NewRouter constructs a Router.
func NewRouter(opts Options) *Router {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = defaultActionTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Handler()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{opts: opts, basePath: sanitizeBase(opts.BasePath), logger: logger}
}

// Handler returns an http.Handler powered by gin.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(r.opts.Metrics))

	group := g.Group(r.basePath, bearerAuth(r.opts.Token))
	group.GET("/backend", r.handleStatus)
	group.POST("/backend/start", r.handleAction("start", r.opts.Backend.Start))
	group.POST("/backend/stop", r.handleAction("stop", r.opts.Backend.Stop))
	group.POST("/backend/restart", r.handleAction("restart", r.opts.Backend.Restart))
	group.GET("/backend/output", r.handleOutput)
	group.GET("/backend/events", r.handleEvents)
	group.GET("/backend/history", r.handleHistory)
	group.GET("/backend/health", r.handleHealth)
	group.GET("/backend/resources", r.handleResources)
	return g
}

// NewServer builds an http.Server for addr. WriteTimeout is left unset so
// event streams stay open.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type actionResp struct {
	OK      bool                 `json:"ok"`
	Action  string               `json:"action"`
	Backend *supervisor.Snapshot `json:"backend"`
}

type outputResp struct {
	Stream supervisor.Stream `json:"stream"`
	Lines  []string          `json:"lines"`
}

type healthResp struct {
	Healthy bool `json:"healthy"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.opts.Backend.Snapshot())
}

func (r *Router) handleAction(name string, fn func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), r.opts.ActionTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.Warn("backend action failed", "action", name, "backend", r.opts.Backend.Name(), "error", err)
			writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, actionResp{OK: true, Action: name, Backend: r.opts.Backend.Snapshot()})
	}
}

func (r *Router) handleOutput(c *gin.Context) {
	stream := supervisor.Stream(c.DefaultQuery("stream", string(supervisor.Stdout)))
	if stream != supervisor.Stdout && stream != supervisor.Stderr {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "stream must be stdout or stderr"})
		return
	}
	tail, ok := queryInt(c, "tail", 0)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "tail must be a non-negative integer"})
		return
	}
	lines := r.opts.Backend.Snapshot().Lines(stream, tail)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(c, http.StatusOK, outputResp{Stream: stream, Lines: lines})
}

// handleEvents streams supervisor events until the client goes away or the
// supervisor closes. The first event is the current snapshot.
func (r *Router) handleEvents(c *gin.Context) {
	events, cancel := r.opts.Backend.Subscribe(eventBuffer)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent("snapshot", r.opts.Backend.Snapshot())
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(string(e.Type), e)
			c.Writer.Flush()
		}
	}
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.opts.History == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history is not configured"})
		return
	}
	limit, ok := queryInt(c, "limit", defaultHistoryLimit)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative integer"})
		return
	}
	events, err := r.opts.History.Recent(c.Request.Context(), limit)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, history.ErrNoReader) {
			code = http.StatusNotFound
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) handleHealth(c *gin.Context) {
	if r.opts.Health == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "backend API is not configured"})
		return
	}
	healthy := r.opts.Health.CheckHealth(c.Request.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, healthResp{Healthy: healthy})
}

func (r *Router) handleResources(c *gin.Context) {
	if r.opts.Resources == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling is disabled"})
		return
	}
	minutes, ok := queryInt(c, "minutes", defaultMinutes)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "minutes must be a non-negative integer"})
		return
	}
	minutes = min(minutes, maxMinutes)
	since := time.Now().Add(-time.Duration(minutes) * time.Minute)
	samples := r.opts.Resources.History(since)
	if samples == nil {
		samples = []metrics.ResourceSample{}
	}
	writeJSON(c, http.StatusOK, samples)
}
