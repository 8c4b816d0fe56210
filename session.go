package agentpool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentpool/agentpool/config"
	"github.com/agentpool/agentpool/internal/bootstrap"
	"github.com/agentpool/agentpool/internal/cache"
	"github.com/agentpool/agentpool/internal/httpapi"
	"github.com/agentpool/agentpool/internal/identity"
	"github.com/agentpool/agentpool/internal/leader"
	"github.com/agentpool/agentpool/internal/message"
	"github.com/agentpool/agentpool/internal/metrics"
	"github.com/agentpool/agentpool/internal/presence"
	"github.com/agentpool/agentpool/internal/recv"
	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

// Session is one process's membership in the pool: a claimed id, its
// presence/message/receive services, and the background heartbeat and
// leader-election loops that keep it alive. Construct with NewSession,
// call Claim once, then drive the four operations.
type Session struct {
	cfg     *config.Config
	backend agentpoolstore.Backend
	logger  *zap.Logger

	identity *identity.Service
	presence *presence.View
	message  *message.Service
	recv     *recv.Service
	leader   *leader.Service
	metrics  *metrics.Collector
	http     *httpapi.Server
	cache    *cache.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastActive atomic.Value // float64, via agentpoolstore.Now()
}

// NewSession opens the configured backend and wires every service layer
// over it, but does not claim an id or start background loops — call
// Claim for that.
func NewSession(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	backend, err := bootstrap.OpenBackend(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("agentpool: open backend: %w", err)
	}

	idSvc := identity.NewService(backend, cfg.Presence.HeartbeatTTL, logger)
	view := presence.NewView(backend, cfg.Presence.HeartbeatTTL)

	var cacheMgr *cache.Manager
	if cfg.Cache.Enabled {
		cacheMgr, err = cache.NewManager(cache.Config{
			Addr: cfg.Cache.Addr, Password: cfg.Cache.Password, DB: cfg.Cache.DB,
			DefaultTTL: cfg.Cache.DefaultTTL, MaxRetries: cfg.Cache.MaxRetries,
			PoolSize: cfg.Cache.PoolSize, MinIdleConns: cfg.Cache.MinIdleConns,
			HealthCheckInterval: 30 * time.Second, UseTLS: cfg.Cache.UseTLS,
		}, logger)
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("agentpool: open cache: %w", err)
		}
		view.SetCache(cacheMgr, cfg.Cache.DefaultTTL)
	}

	msgSvc := message.NewService(backend, view, message.Config{
		MaxBatchChars: cfg.Message.MaxBatchChars,
		MaxScanRows:   cfg.Message.MaxScanRows,
		LeaseTTL:      cfg.Message.LeaseTTL,
		MessageTTL:    cfg.Message.MessageTTL,
	}, logger)
	leaderCfg := leader.Config{
		RenewEvery: cfg.Leader.RenewEvery, LeaseTTL: cfg.Leader.LeaseTTL,
		PIDScanEvery: cfg.Leader.PIDScanEvery, TTLReapEvery: cfg.Leader.TTLReapEvery,
		ForwardEvery: cfg.Leader.ForwardEvery, ForwardBatch: cfg.Message.ForwardBatch,
		CheckpointEvery: cfg.Leader.CheckpointEvery, StartJitterMax: cfg.Leader.StartJitterMax,
		HeartbeatTTL: cfg.Presence.HeartbeatTTL,
	}
	deadlockCfg := leader.DeadlockConfig{
		Enabled: cfg.Deadlock.Enabled, TriggerDelay: cfg.Deadlock.TriggerDelay,
		WarnCooldown: cfg.Deadlock.WarnCooldown, LeaderNameHint: cfg.Deadlock.LeaderNameHint,
	}
	leaderSvc := leader.NewService(backend, view, msgSvc, leaderCfg, deadlockCfg, isProcessAlive, idSvc.Hostname(), idSvc.PID(), logger)

	recvSvc := recv.NewService(msgSvc, idSvc, recv.Config{
		LeaderPollInterval: 2 * time.Second, FollowerPollInterval: 6 * time.Second,
		IsLeader: leaderSvc.IsLeader,
	}, logger)

	collector := metrics.NewCollector("agentpool", logger)
	idSvc.SetMetrics(collector)
	leaderSvc.SetMetrics(collector)
	msgSvc.SetMetrics(collector)

	s := &Session{
		cfg: cfg, backend: backend, logger: logger,
		identity: idSvc, presence: view, message: msgSvc, recv: recvSvc, leader: leaderSvc,
		metrics: collector, cache: cacheMgr,
	}
	s.lastActive.Store(agentpoolstore.Now())
	return s, nil
}

// ServeHTTP starts the optional HTTP external surface (GET /status, POST
// /send, POST /recv, POST /rename, GET /watch) if cfg.Server.Enabled. It is
// a no-op returning (nil, nil) otherwise. Call Claim before this so /status
// and friends have an id to report against. The returned server is also
// stopped by Close.
func (s *Session) ServeHTTP() (*httpapi.Server, error) {
	if !s.cfg.Server.Enabled {
		return nil, nil
	}
	httpCfg := httpapi.Config{
		Addr:            s.cfg.Server.HTTPAddr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		RateLimitRPS:    s.cfg.Server.RateLimitRPS,
		RateLimitBurst:  s.cfg.Server.RateLimitBurst,
	}
	srv := httpapi.New(httpCfg, s, s.metrics, s.logger)
	srv.RegisterCheck(httpapi.FuncCheck{CheckName: "backend", Fn: func(ctx context.Context) error {
		_, err := s.backend.SchemaVersion(ctx)
		return err
	}})
	if s.cache != nil {
		srv.RegisterCheck(httpapi.FuncCheck{CheckName: "cache", Fn: s.cache.Ping})
	}
	if err := srv.Start(); err != nil {
		return nil, err
	}
	s.http = srv
	return srv, nil
}

// Claim acquires an id and starts the background heartbeat and leader
// loops, both stopped by Close.
func (s *Session) Claim(ctx context.Context) (string, error) {
	id, err := s.identity.Claim(ctx)
	if err != nil {
		s.metrics.RecordClaim("exhausted", 0)
		return "", err
	}
	s.metrics.RecordClaim("ok", 1)
	s.leader.SetSelfID(id)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.identity.Run(runCtx, s.cfg.Presence.HeartbeatInterval) }()
	go func() { defer s.wg.Done(); s.leader.Run(runCtx) }()

	return id, nil
}

// Close stops the background loops and best-effort removes this session's
// own row, then closes the backend.
func (s *Session) Close(ctx context.Context) error {
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			s.logger.Warn("httpapi shutdown failed", zap.Error(err))
		}
	}
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
	if err := s.identity.Remove(ctx); err != nil {
		s.logger.Warn("remove self on close failed", zap.Error(err))
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("cache close failed", zap.Error(err))
		}
	}
	return s.backend.Close()
}

// ID returns the currently claimed id.
func (s *Session) ID() string { return s.identity.ID() }

func (s *Session) touchActive() {
	s.lastActive.Store(agentpoolstore.Now())
}

// LastActive implements recv.ActivityTracker.
func (s *Session) LastActive() float64 {
	return s.lastActive.Load().(float64)
}

// Send resolves recipients and enqueues content, returning the exact
// user-facing result string.
func (s *Session) Send(ctx context.Context, to, content string) string {
	s.touchActive()
	result := s.message.Send(ctx, s.identity.ID(), to, content)
	s.metrics.RecordSend(sendResultLabel(result))
	return result
}

// Recv blocks per the documented long-poll contract, returning one of the
// formatted batch, "No new messages.", "Timeout (<N>s).", or "Cancelled by
// new command.".
func (s *Session) Recv(ctx context.Context, waitSeconds int) string {
	s.touchActive()
	start := time.Now()
	result := s.recv.Recv(ctx, s, waitSeconds)
	s.metrics.RecordRecv(recvOutcomeLabel(result), time.Since(start))
	return result
}

// Rename attempts to move this session to newName, returning "OK",
// "Invalid", "Name taken", or "Fail".
func (s *Session) Rename(ctx context.Context, newName string) string {
	s.touchActive()
	err := s.identity.Rename(ctx, newName)
	var result string
	switch {
	case err == nil:
		result = "OK"
	case errors.Is(err, identity.ErrInvalidName):
		result = "Invalid"
	case errors.Is(err, agentpoolstore.ErrNameTaken):
		result = "Name taken"
	default:
		s.logger.Warn("rename failed", zap.Error(err))
		result = "Fail"
	}
	s.metrics.RecordRename(strings.ToLower(strings.ReplaceAll(result, " ", "_")))
	return result
}

// GetStatus renders one line per online agent, sorted self-first then by
// id, annotated with THIS/LEADER flags and a waiting/working state. An
// empty fleet renders "No active agents."
func (s *Session) GetStatus(ctx context.Context) string {
	s.touchActive()
	return s.formatStatus(ctx)
}

func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without actually sending a signal.
	return proc.Signal(syscall.Signal(0)) == nil
}

// sendResultLabel buckets message.Service.Send's free-form result string
// into a small metrics label set.
func sendResultLabel(result string) string {
	switch {
	case strings.HasPrefix(result, "Sent "):
		return "sent"
	case result == "No other agents online.":
		return "no_peers"
	case result == "Error: cannot send to self.":
		return "self_rejected"
	case strings.HasPrefix(result, "Error: Agent") && strings.HasSuffix(result, "offline."):
		return "offline"
	case strings.HasPrefix(result, "DB Error:"):
		return "db_error"
	default:
		return "other"
	}
}

// recvOutcomeLabel buckets recv.Service.Recv's free-form result string
// into a small metrics label set.
func recvOutcomeLabel(result string) string {
	switch {
	case result == "No new messages.":
		return "empty"
	case strings.HasPrefix(result, "Timeout ("):
		return "timeout"
	case result == "Cancelled by new command.":
		return "cancelled"
	default:
		return "message"
	}
}
