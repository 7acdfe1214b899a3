package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/every/internal/launcher"
	"github.com/loykin/every/internal/metrics"
)

// Status is the read-only view of a running scheduler.
type Status struct {
	Command    string    `json:"command"`
	Args       []string  `json:"args,omitempty"`
	Interval   string    `json:"interval"`
	IntervalMS int64     `json:"interval_ms"`
	StartedAt  time.Time `json:"started_at"`
	Uptime     string    `json:"uptime"`
	launcher.Stats
	// Processes lists running invocations when usage sampling is on.
	Processes []metrics.ProcessUsage `json:"processes,omitempty"`
}

// StatusSource supplies the data behind GET {base}/status.
type StatusSource interface {
	Status() Status
}

// Router provides embeddable read-only HTTP handlers.
// Endpoints:
//
//	GET {basePath}/status   scheduler configuration and counters
//	GET {basePath}/healthz  liveness
//	GET {basePath}/metrics  Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/every" results in /every/status, /every/healthz.
func NewRouter(src StatusSource, basePath string) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath), metrics: metrics.Handler()}
}

// WithMetricsHandler replaces the handler mounted at /metrics.
func (r *Router) WithMetricsHandler(h http.Handler) *Router {
	if h != nil {
		r.metrics = h
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Mount(g.Group(r.basePath))
	return g
}

// Mount registers the endpoints on an existing gin group.
func (r *Router) Mount(group *gin.RouterGroup) {
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealth)
	group.GET("/metrics", gin.WrapH(r.metrics))
}

// NewServer builds a standalone HTTP server on addr using this router.
// Use Serve to run it.
func NewServer(addr, basePath string, src StatusSource) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(src, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve listens on srv.Addr until ctx is cancelled, then shuts the server
// down. A listen failure is returned at once.
func Serve(ctx context.Context, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, srv, ln)
}

// ServeListener is Serve on an already bound listener. When srv.TLSConfig
// is set the listener speaks HTTPS using its certificates.
func ServeListener(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errCh <- srv.ServeTLS(ln, "", "")
			return
		}
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.src == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no status source"})
		return
	}
	writeJSON(c, http.StatusOK, r.src.Status())
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
