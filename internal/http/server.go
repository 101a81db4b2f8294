// Package http exposes the capture intake and sync controls over a small
// JSON API.
package http

import (
	"context"
	"net/http"
	"time"

	"fintraq/internal/core"
	"fintraq/internal/log"
	"fintraq/internal/middleware/ratelimit"
	"fintraq/internal/middleware/security"
	"fintraq/internal/middleware/trace"
	"fintraq/internal/worker"
)

// Intake stores one delivered message.
type Intake interface {
	OnMessageReceived(ctx context.Context, originator, rawText string, capturedAt time.Time) (int64, error)
}

// Syncer runs one drain pass on demand.
type Syncer interface {
	RunSync(ctx context.Context) worker.Report
}

// Store is the read side of the durable queue.
type Store interface {
	Stats(ctx context.Context) (core.QueueStats, error)
	Ping(ctx context.Context) error
	ResetBackoff(ctx context.Context) (int64, error)
}

// ReportSource exposes the most recent background pass.
type ReportSource interface {
	LastReport() (worker.Report, time.Time)
}

// Deps are the collaborators the handlers call into. Reports may be nil.
type Deps struct {
	Intake  Intake
	Syncer  Syncer
	Store   Store
	Reports ReportSource
}

// Server wraps http.Server with the intake routes.
type Server struct {
	http.Server
	deps        Deps
	logger      *log.Logger
	limiter     *ratelimit.Limiter
	tracer      *trace.Middleware
	maxBodySize int64
}

type ServerOption func(*Server)

func WithServerLogger(l *log.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithRateLimit limits POST requests per client.
func WithRateLimit(cfg ratelimit.Config) ServerOption {
	return func(s *Server) {
		if s.limiter != nil {
			s.limiter.Stop()
		}
		s.limiter = ratelimit.NewLimiter(cfg)
	}
}

func WithMaxBodySize(n int64) ServerOption {
	return func(s *Server) { s.maxBodySize = n }
}

const defaultMaxBodySize = 64 << 10

// NewServer wires routes and middleware. Call Shutdown to release the
// limiter's background goroutine.
func NewServer(addr string, deps Deps, opts ...ServerOption) *Server {
	s := &Server{
		deps:        deps,
		logger:      log.New(log.DefaultConfig()).WithComponent(log.ComponentHTTP),
		maxBodySize: defaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewLimiter(ratelimit.DefaultConfig())
	}
	s.tracer = trace.NewMiddleware(s.logger, security.ClientIP)

	limited := s.limiter.Middleware(security.ClientIP, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})

	mux := http.NewServeMux()
	mux.Handle("POST /v1/messages", limited(http.HandlerFunc(s.handleCapture)))
	mux.Handle("POST /v1/sync", limited(http.HandlerFunc(s.handleSync)))
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	var handler http.Handler = mux
	handler = security.Headers(security.DefaultHeadersConfig())(handler)
	handler = s.tracer.Middleware(handler)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// a manual sync may wait on several remote submissions
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	total, serverErrors := s.tracer.Counts()
	s.logger.InfoContext(ctx, "HTTP server shutting down",
		"requests", total,
		"server_errors", serverErrors,
		"rate_limited", s.limiter.Hits(),
		"tracked_clients", s.limiter.ActiveClients())
	return s.Server.Shutdown(ctx)
}
