package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentpool/agentpool/internal/metrics"
)

// Config shapes the HTTP surface's lifecycle and rate limiting.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
}

// Server is the optional HTTP external surface over a Session: GET
// /status, POST /send, POST /recv, POST /rename, GET /watch. Start is
// non-blocking; Shutdown drains in-flight requests.
type Server struct {
	cfg     Config
	session session
	logger  *zap.Logger
	metrics *metrics.Collector

	httpServer *http.Server
	listener   net.Listener
	errCh      chan error

	mu     sync.Mutex
	closed bool

	checksMu sync.RWMutex
	checks   []HealthCheck
}

// New constructs a Server bound to sess. metrics may be nil.
func New(cfg Config, sess session, collector *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		session: sess,
		logger:  logger.With(zap.String("component", "httpapi")),
		metrics: collector,
		errCh:   make(chan error, 1),
	}

	mux := http.NewServeMux()
	limiter := newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	wrap := func(path string, method string, h http.HandlerFunc) {
		mux.HandleFunc(path, limiter.wrap(s.logAndMeter(path, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != method {
				WriteError(w, s.logger, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method", nil)
				return
			}
			h(w, r)
		})))
	}

	wrap("/status", http.MethodGet, s.handleStatus)
	wrap("/send", http.MethodPost, s.handleSend)
	wrap("/recv", http.MethodPost, s.handleRecv)
	wrap("/rename", http.MethodPost, s.handleRename)
	wrap("/healthz", http.MethodGet, s.handleHealth)
	wrap("/readyz", http.MethodGet, s.handleReady)
	mux.HandleFunc("/watch", s.handleWatch)
	if collector != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("httpapi: server is closed")
	}
	if s.listener != nil {
		return fmt.Errorf("httpapi: server already started")
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	s.logger.Info("starting httpapi server", zap.String("addr", s.cfg.Addr))

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("httpapi server failed", zap.Error(err))
			select {
			case s.errCh <- err:
			default:
			}
		}
	}()
	return nil
}

// Addr returns the server's configured listen address.
func (s *Server) Addr() string { return s.cfg.Addr }

// Errors returns asynchronous server errors (listener crashes).
func (s *Server) Errors() <-chan error { return s.errCh }

// Shutdown drains in-flight requests and stops serving, within
// cfg.ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("shutting down httpapi server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("httpapi server shutdown failed", zap.Error(err))
		return err
	}
	s.listener = nil
	return nil
}
