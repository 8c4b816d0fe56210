// Package redisbackend implements store.Backend over Redis hashes and
// sorted sets, as the substrate for running a pool across multiple hosts
// where a shared filesystem is not available but a shared Redis instance
// is. Exercises github.com/redis/go-redis/v9;
// github.com/alicebob/miniredis/v2 backs its tests with no real Redis
// server required.
package redisbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

const (
	keyPeerPrefix   = "agentpool:peer:"
	keyPeerIndex    = "agentpool:peers"  // sorted set: member=id, score=last_seen
	keyMsgPrefix    = "agentpool:msg:"   // JSON string per message
	keyQueueByUser  = "agentpool:queue:" // sorted set per recipient: member=msg_id, score=ts
	keyLeaderLease  = "agentpool:leader"
	keySchemaMeta   = "agentpool:schema_version"
)

// Backend is the Redis-backed store.Backend implementation.
type Backend struct {
	client *redis.Client
	logger *zap.Logger
	retry  agentpoolstore.RetryPolicy
}

// Open connects using opts and verifies the schema version, wiping the
// keyspace under the agentpool: prefix on mismatch.
func Open(ctx context.Context, opts *redis.Options, schemaVersion int, retry agentpoolstore.RetryPolicy, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(opts)
	b := &Backend{client: client, logger: logger.With(zap.String("component", "redisbackend")), retry: retry}

	match, err := b.checkSchemaVersion(ctx, schemaVersion)
	if err != nil {
		return nil, err
	}
	if !match {
		logger.Warn("schema version mismatch, wiping redis keyspace")
		if err := b.wipeKeyspace(ctx); err != nil {
			return nil, fmt.Errorf("wipe stale keyspace: %w", err)
		}
		if err := client.Set(ctx, keySchemaMeta, schemaVersion, 0).Err(); err != nil {
			return nil, err
		}
	}

	return b, nil
}

func (b *Backend) checkSchemaVersion(ctx context.Context, want int) (bool, error) {
	v, err := b.client.Get(ctx, keySchemaMeta).Int()
	if err == redis.Nil {
		return true, b.client.Set(ctx, keySchemaMeta, want, 0).Err()
	}
	if err != nil {
		return false, err
	}
	return v == want, nil
}

func (b *Backend) wipeKeyspace(ctx context.Context) error {
	iter := b.client.Scan(ctx, 0, "agentpool:*", 1000).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return b.client.Del(ctx, keys...).Err()
}

func (b *Backend) withRetry(ctx context.Context, op string, fn func() error) error {
	return b.retry.WithRetry(ctx, b.logger, op, fn)
}

// Close closes the Redis client connection.
func (b *Backend) Close() error {
	return b.client.Close()
}

// SchemaVersion implements store.Backend.SchemaVersion.
func (b *Backend) SchemaVersion(ctx context.Context) (int, error) {
	return b.client.Get(ctx, keySchemaMeta).Int()
}

func peerKey(id string) string { return keyPeerPrefix + id }
func msgKey(id string) string  { return keyMsgPrefix + id }
func queueKey(user string) string { return keyQueueByUser + user }

func encodePeer(p agentpoolstore.Peer) map[string]any {
	return map[string]any{
		"id": p.ID, "pid": p.PID, "hostname": p.Hostname, "cwd": p.CWD,
		"last_seen": p.LastSeen, "mode": string(p.Mode), "mode_since": p.ModeSince,
		"recv_started": p.RecvStarted, "recv_deadline": p.RecvDeadline,
		"recv_wait_seconds": p.RecvWaitSecs, "recv_last_touch": p.RecvLastTouch,
	}
}

func decodePeer(fields map[string]string) (agentpoolstore.Peer, error) {
	if len(fields) == 0 {
		return agentpoolstore.Peer{}, agentpoolstore.ErrNotFound
	}
	atoi := func(k string) int {
		n, _ := strconv.Atoi(fields[k])
		return n
	}
	atof := func(k string) float64 {
		f, _ := strconv.ParseFloat(fields[k], 64)
		return f
	}
	return agentpoolstore.Peer{
		ID: fields["id"], PID: atoi("pid"), Hostname: fields["hostname"], CWD: fields["cwd"],
		LastSeen: atof("last_seen"), Mode: agentpoolstore.Mode(fields["mode"]), ModeSince: atof("mode_since"),
		RecvStarted: atof("recv_started"), RecvDeadline: atof("recv_deadline"),
		RecvWaitSecs: atoi("recv_wait_seconds"), RecvLastTouch: atof("recv_last_touch"),
	}, nil
}

type wireMessage struct {
	MsgID       string  `json:"msg_id"`
	TS          float64 `json:"ts"`
	FromUser    string  `json:"from_user"`
	ToUser      string  `json:"to_user"`
	Content     string  `json:"content"`
	State       string  `json:"state"`
	LeaseOwner  string  `json:"lease_owner"`
	LeaseUntil  float64 `json:"lease_until"`
	Attempt     int     `json:"attempt"`
	DeliveredAt float64 `json:"delivered_at"`
}

func toWire(m agentpoolstore.Message) wireMessage {
	return wireMessage{
		MsgID: m.MsgID, TS: m.TS, FromUser: m.FromUser, ToUser: m.ToUser, Content: m.Content,
		State: string(m.State), LeaseOwner: m.LeaseOwner, LeaseUntil: m.LeaseUntil,
		Attempt: m.Attempt, DeliveredAt: m.DeliveredAt,
	}
}

func fromWire(w wireMessage) agentpoolstore.Message {
	return agentpoolstore.Message{
		MsgID: w.MsgID, TS: w.TS, FromUser: w.FromUser, ToUser: w.ToUser, Content: w.Content,
		State: agentpoolstore.MessageState(w.State), LeaseOwner: w.LeaseOwner, LeaseUntil: w.LeaseUntil,
		Attempt: w.Attempt, DeliveredAt: w.DeliveredAt,
	}
}

func marshalMessage(m agentpoolstore.Message) (string, error) {
	b, err := json.Marshal(toWire(m))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMessage(s string) (agentpoolstore.Message, error) {
	var w wireMessage
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return agentpoolstore.Message{}, err
	}
	return fromWire(w), nil
}

func isRedisNil(err error) bool {
	return err != nil && strings.Contains(err.Error(), redis.Nil.Error())
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func atoiField(fields map[string]string, k string) int {
	n, _ := strconv.Atoi(fields[k])
	return n
}

func atofField(fields map[string]string, k string) float64 {
	f, _ := strconv.ParseFloat(fields[k], 64)
	return f
}
