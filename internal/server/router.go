package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/orkestr/internal/auth"
	"github.com/loykin/orkestr/internal/governor"
	"github.com/loykin/orkestr/internal/health"
	"github.com/loykin/orkestr/internal/kernel"
	"github.com/loykin/orkestr/internal/metrics"
	"github.com/loykin/orkestr/internal/store"
)

// Kernel is the part of *kernel.Kernel the router drives.
type Kernel interface {
	Status(ctx context.Context) kernel.KernelStatus
	SystemMetrics() governor.SystemMetrics
	CheckHealth(ctx context.Context) health.Report
	LastHealth() health.Report
	RecentEvents(ctx context.Context, limit int) ([]store.OrchestrationEvent, error)

	Modules() []store.ModuleRecord
	Module(id string) (store.ModuleRecord, bool)
	LoadModule(ctx context.Context, locator string, cfg map[string]any) (string, error)
	UnloadModule(ctx context.Context, id string) error

	Processes() []store.ProcessRecord
	Process(id string) (store.ProcessRecord, bool)
	StartProcess(id string) error
	StopProcess(id string) error
	PauseProcess(id string) error
	ResumeProcess(id string) error
	RestartProcess(id string) error
}

// Router provides embeddable HTTP handlers for the kernel.
// Endpoints (relative to basePath):
//
//	GET    /status                     KernelStatus
//	GET    /system                     cached SystemMetrics
//	GET    /health                     last health report; ?fresh=true runs a pass
//	GET    /events                     recent OrchestrationEvents; ?limit=N
//	GET    /modules                    module records
//	POST   /modules                    body: {"locator": "...", "config": {...}}
//	GET    /modules/:id
//	DELETE /modules/:id
//	GET    /processes                  ?state=running&owner=<module id>
//	GET    /processes/:id
//	POST   /processes/:id/:action      start|stop|pause|resume|restart
//	GET    /metrics                    when metrics are mounted
//	POST   /auth/login                 when auth is enabled; body: {"username": "...", "password": "..."}
//
// With auth, GET routes need the read permission and the rest need write.
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	k        Kernel
	basePath string
	metrics  bool
	auth     *auth.Service
}

// NewRouter constructs a Router. With mountMetrics the Prometheus handler is
// served under {basePath}/metrics.
func NewRouter(k Kernel, basePath string, mountMetrics bool) *Router {
	return &Router{k: k, basePath: sanitizeBase(basePath), metrics: mountMetrics}
}

// WithAuth requires authentication on every route except /auth/login.
func (r *Router) WithAuth(s *auth.Service) *Router {
	r.auth = s
	return r
}

func (r *Router) guard(action string) gin.HandlerFunc {
	if r.auth == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return r.auth.Gin(action)
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	if r.auth != nil {
		group.POST("/auth/login", r.handleLogin)
	}

	ro := group.Group("", r.guard(auth.ActionRead))
	ro.GET("/status", r.handleStatus)
	ro.GET("/system", r.handleSystem)
	ro.GET("/health", r.handleHealth)
	ro.GET("/events", r.handleEvents)
	ro.GET("/modules", r.handleModules)
	ro.GET("/modules/:id", r.handleModule)
	ro.GET("/processes", r.handleProcesses)
	ro.GET("/processes/:id", r.handleProcess)
	if r.metrics {
		ro.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	rw := group.Group("", r.guard(auth.ActionWrite))
	rw.POST("/modules", r.handleLoadModule)
	rw.DELETE("/modules/:id", r.handleUnloadModule)
	rw.POST("/processes/:id/:action", r.handleProcessAction)
	return g
}

// Options configures NewServer.
type Options struct {
	BasePath     string
	MountMetrics bool
	// TLS switches the listener to HTTPS when non-nil.
	TLS *tls.Config
	// Auth protects the routes when non-nil.
	Auth *auth.Service
}

// NewServer listens on addr and serves the router in the background. A listen
// error is returned immediately; shut the server down with Shutdown.
func NewServer(addr string, k Kernel, o Options) (*http.Server, error) {
	r := NewRouter(k, o.BasePath, o.MountMetrics)
	if o.Auth != nil {
		r.WithAuth(o.Auth)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		TLSConfig:         o.TLS,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		var err error
		if o.TLS != nil {
			// certificates come from TLSConfig.GetCertificate
			err = server.ServeTLS(ln, "", "")
		} else {
			err = server.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "addr", server.Addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// LoadRequest is the body of POST /modules.
type LoadRequest struct {
	Locator string         `json:"locator"`
	Config  map[string]any `json:"config,omitempty"`
}

type LoadResponse struct {
	ID string `json:"id"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r *Router) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	tok, err := r.auth.Login(req.Username, req.Password)
	if err != nil {
		slog.Warn("Login failed", "username", req.Username, "remote", c.ClientIP())
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, tok)
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.k.Status(c.Request.Context()))
}

func (r *Router) handleSystem(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.k.SystemMetrics())
}

func (r *Router) handleHealth(c *gin.Context) {
	rep := r.k.LastHealth()
	if fresh, _ := strconv.ParseBool(c.Query("fresh")); fresh {
		rep = r.k.CheckHealth(c.Request.Context())
	}
	// findings are advisory, the request itself succeeded
	c.Header("X-Health-Issues", strconv.Itoa(len(rep.Issues)))
	writeJSON(c, http.StatusOK, rep)
}

func (r *Router) handleEvents(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be within 1..1000"})
			return
		}
		limit = n
	}
	evs, err := r.k.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, evs)
}

func (r *Router) handleModules(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.k.Modules())
}

func (r *Router) handleModule(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid module id"})
		return
	}
	rec, ok := r.k.Module(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "module not found: " + id})
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleLoadModule(c *gin.Context) {
	var req LoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(req.Locator) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid locator: allowed [A-Za-z0-9._-]"})
		return
	}
	id, err := r.k.LoadModule(c.Request.Context(), req.Locator, req.Config)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, LoadResponse{ID: id})
}

func (r *Router) handleUnloadModule(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid module id"})
		return
	}
	if err := r.k.UnloadModule(c.Request.Context(), id); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleProcesses(c *gin.Context) {
	state := c.Query("state")
	owner := c.Query("owner")
	switch store.ProcessState(state) {
	case "", store.ProcessCreated, store.ProcessRunning, store.ProcessPaused, store.ProcessStopped:
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "unknown state: " + state})
		return
	}
	all := r.k.Processes()
	out := make([]store.ProcessRecord, 0, len(all))
	for _, p := range all {
		if state != "" && string(p.State) != state {
			continue
		}
		if owner != "" && p.OwnerModule != owner {
			continue
		}
		out = append(out, p)
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleProcess(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid process id"})
		return
	}
	rec, ok := r.k.Process(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "process not found: " + id})
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleProcessAction(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid process id"})
		return
	}
	var fn func(string) error
	switch c.Param("action") {
	case "start":
		fn = r.k.StartProcess
	case "stop":
		fn = r.k.StopProcess
	case "pause":
		fn = r.k.PauseProcess
	case "resume":
		fn = r.k.ResumeProcess
	case "restart":
		fn = r.k.RestartProcess
	default:
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown action: " + c.Param("action")})
		return
	}
	if err := fn(id); err != nil {
		writeErr(c, err)
		return
	}
	rec, _ := r.k.Process(id)
	writeJSON(c, http.StatusOK, rec)
}
