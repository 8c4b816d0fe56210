package message

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agentpool/agentpool/internal/metrics"
	"github.com/agentpool/agentpool/internal/presence"
	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

// Service implements enqueue validation, lease/ack/release wrappers, and
// retention pruning, all against a store.Backend.
type Service struct {
	backend  agentpoolstore.Backend
	presence *presence.View
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// NewService constructs a Service.
func NewService(backend agentpoolstore.Backend, view *presence.View, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{backend: backend, presence: view, cfg: cfg, logger: logger.With(zap.String("component", "message"))}
}

// SetMetrics attaches a metrics collector. Optional: unset means Lease
// simply skips recording.
func (s *Service) SetMetrics(c *metrics.Collector) { s.metrics = c }

// Send resolves the recipient set for to (a single id, a comma-separated
// list, or "all"), validates it, enqueues content, and returns the exact
// user-facing result string.
func (s *Service) Send(ctx context.Context, from, to, content string) string {
	recipients, errMsg := s.resolveRecipients(ctx, from, to)
	if errMsg != "" {
		return errMsg
	}
	if len(recipients) == 0 {
		return "No other agents online."
	}

	msgID, err := s.backend.Enqueue(ctx, from, recipients, content, agentpoolstore.Now())
	if err != nil {
		s.logger.Warn("enqueue failed", zap.Error(err))
		return fmt.Sprintf("DB Error: %s", err)
	}

	short := msgID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("Sent (to %d agent(s), id=%s)", len(recipients), short)
}

// resolveRecipients returns either the final recipient set, or a non-empty
// error string matching one of the documented send() failure modes.
func (s *Service) resolveRecipients(ctx context.Context, from, to string) ([]string, string) {
	if to == "all" {
		online, err := s.presence.ListOnline(ctx)
		if err != nil {
			return nil, fmt.Sprintf("DB Error: %s", err)
		}
		recipients := make([]string, 0, len(online))
		for _, p := range online {
			if p.ID != from {
				recipients = append(recipients, p.ID)
			}
		}
		return recipients, ""
	}

	ids := splitIDs(to)
	recipients := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == from {
			return nil, "Error: cannot send to self."
		}
		online, err := s.presence.IsOnline(ctx, id)
		if err != nil {
			return nil, fmt.Sprintf("DB Error: %s", err)
		}
		if !online {
			return nil, fmt.Sprintf("Error: Agent '%s' offline.", id)
		}
		recipients = append(recipients, id)
	}
	return recipients, ""
}

func splitIDs(to string) []string {
	parts := strings.Split(to, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Lease selects and leases the oldest queued messages addressed to myID,
// recovering expired leases first.
func (s *Service) Lease(ctx context.Context, myID string) (agentpoolstore.LeaseBatch, error) {
	now := agentpoolstore.Now()
	if _, err := s.backend.RecoverExpiredLeases(ctx, myID, now); err != nil {
		return agentpoolstore.LeaseBatch{}, err
	}
	batch, err := s.backend.Lease(ctx, myID, s.cfg.MaxBatchChars, s.cfg.MaxScanRows, s.cfg.LeaseTTL.Seconds(), now)
	if s.metrics != nil {
		switch {
		case err != nil:
			s.metrics.RecordLease("error")
		case len(batch.Messages) > 0:
			s.metrics.RecordLease("hit")
		default:
			s.metrics.RecordLease("empty")
		}
	}
	return batch, err
}

// Ack acknowledges (deletes) leased messages still owned by myID.
func (s *Service) Ack(ctx context.Context, myID string, msgIDs []string) error {
	err := s.backend.Ack(ctx, myID, msgIDs)
	if err == nil && s.metrics != nil {
		s.metrics.RecordAck(len(msgIDs))
	}
	return err
}

// Release reverses Lease for msgIDs back to queued, used on recv
// cancellation.
func (s *Service) Release(ctx context.Context, myID string, msgIDs []string) error {
	err := s.backend.Release(ctx, myID, msgIDs)
	if err == nil && s.metrics != nil {
		s.metrics.RecordRelease(len(msgIDs))
	}
	return err
}

// PruneMessages deletes messages older than Config.MessageTTL. Called by
// the leader's janitor cadence.
func (s *Service) PruneMessages(ctx context.Context) (int, error) {
	return s.backend.PruneMessages(ctx, agentpoolstore.Now(), s.cfg.MessageTTL.Seconds())
}
