package sqlitebackend

import (
	"context"

	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

// ListOnline implements store.Backend.ListOnline.
func (b *Backend) ListOnline(ctx context.Context, now, heartbeatTTL float64) ([]agentpoolstore.Peer, error) {
	var rows []peerRow
	err := b.db.WithContext(ctx).
		Where("last_seen > ?", now-heartbeatTTL).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	peers := make([]agentpoolstore.Peer, len(rows))
	for i, r := range rows {
		peers[i] = toPeer(r)
	}
	return peers, nil
}
