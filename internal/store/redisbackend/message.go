package redisbackend

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

const perMessageOverhead = 60

// Enqueue implements store.Backend.Enqueue: one JSON string key per message plus one
// entry in the recipient's sorted-set queue, scored by ts so Lease can scan
// oldest-first with ZRANGE.
func (b *Backend) Enqueue(ctx context.Context, from string, to []string, content string, now float64) (string, error) {
	var firstMsgID string
	err := b.withRetry(ctx, "Enqueue", func() error {
		pipe := b.client.TxPipeline()
		for _, recipient := range to {
			id := strings.ReplaceAll(uuid.New().String(), "-", "")
			if firstMsgID == "" {
				firstMsgID = id
			}
			msg := agentpoolstore.Message{
				MsgID: id, TS: now, FromUser: from, ToUser: recipient, Content: content,
				State: agentpoolstore.MessageQueued,
			}
			payload, err := marshalMessage(msg)
			if err != nil {
				return err
			}
			pipe.Set(ctx, msgKey(id), payload, 0)
			pipe.ZAdd(ctx, queueKey(recipient), redis.Z{Score: now, Member: id})
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	return firstMsgID, nil
}

// RecoverExpiredLeases scans myID's queue for inflight messages whose lease
// has expired and resets them to queued.
func (b *Backend) RecoverExpiredLeases(ctx context.Context, myID string, now float64) (int, error) {
	ids, err := b.client.ZRange(ctx, queueKey(myID), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	reset := 0
	for _, id := range ids {
		err := b.withRetry(ctx, "RecoverExpiredLeases.msg", func() error {
			return b.client.Watch(ctx, func(tx *redis.Tx) error {
				raw, err := tx.Get(ctx, msgKey(id)).Result()
				if isRedisNil(err) {
					return nil
				}
				if err != nil {
					return err
				}
				msg, err := unmarshalMessage(raw)
				if err != nil {
					return err
				}
				if msg.State != agentpoolstore.MessageInflight || msg.LeaseUntil >= now {
					return nil
				}
				msg.State = agentpoolstore.MessageQueued
				msg.LeaseOwner = ""
				payload, err := marshalMessage(msg)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.Set(ctx, msgKey(id), payload, 0)
					return nil
				})
				if err == nil {
					reset++
				}
				return err
			}, msgKey(id))
		})
		if err != nil && err != redis.TxFailedErr {
			return reset, err
		}
	}
	return reset, nil
}

// Lease implements store.Backend.Lease against myID's sorted-set queue.
func (b *Backend) Lease(ctx context.Context, myID string, budget, maxScanRows int, leaseTTL, now float64) (agentpoolstore.LeaseBatch, error) {
	if _, err := b.RecoverExpiredLeases(ctx, myID, now); err != nil {
		return agentpoolstore.LeaseBatch{}, err
	}

	ids, err := b.client.ZRange(ctx, queueKey(myID), 0, int64(maxScanRows-1)).Result()
	if err != nil {
		return agentpoolstore.LeaseBatch{}, err
	}

	leased := make([]agentpoolstore.Message, 0, len(ids))
	used := 0
	for _, id := range ids {
		var cur agentpoolstore.Message
		err := b.withRetry(ctx, "Lease.claim", func() error {
			return b.client.Watch(ctx, func(tx *redis.Tx) error {
				raw, err := tx.Get(ctx, msgKey(id)).Result()
				if isRedisNil(err) {
					return nil
				}
				if err != nil {
					return err
				}
				msg, err := unmarshalMessage(raw)
				if err != nil {
					return err
				}
				if msg.State != agentpoolstore.MessageQueued {
					return nil
				}
				cost := len(msg.Content) + perMessageOverhead
				if len(leased) > 0 && used+cost > budget {
					return nil
				}
				msg.State = agentpoolstore.MessageInflight
				msg.LeaseOwner = myID
				msg.LeaseUntil = now + leaseTTL
				msg.Attempt++
				payload, err := marshalMessage(msg)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.Set(ctx, msgKey(id), payload, 0)
					return nil
				})
				if err == nil {
					cur = msg
					used += cost
				}
				return err
			}, msgKey(id))
		})
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return agentpoolstore.LeaseBatch{}, err
		}
		if cur.MsgID != "" {
			leased = append(leased, cur)
		}
		if used >= budget {
			break
		}
	}

	remaining, err := b.client.ZCard(ctx, queueKey(myID)).Result()
	if err != nil {
		return agentpoolstore.LeaseBatch{}, err
	}
	return agentpoolstore.LeaseBatch{Messages: leased, ApproxRemaining: int(remaining) - len(leased)}, nil
}

// Ack implements store.Backend.Ack: deletes the message hash and its queue
// entry if still owned and inflight.
func (b *Backend) Ack(ctx context.Context, myID string, msgIDs []string) error {
	for _, id := range msgIDs {
		err := b.withRetry(ctx, "Ack", func() error {
			return b.client.Watch(ctx, func(tx *redis.Tx) error {
				raw, err := tx.Get(ctx, msgKey(id)).Result()
				if isRedisNil(err) {
					return nil
				}
				if err != nil {
					return err
				}
				msg, err := unmarshalMessage(raw)
				if err != nil {
					return err
				}
				if msg.State != agentpoolstore.MessageInflight || msg.LeaseOwner != myID {
					return nil
				}
				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.Del(ctx, msgKey(id))
					p.ZRem(ctx, queueKey(myID), id)
					return nil
				})
				return err
			}, msgKey(id))
		})
		if err != nil && err != redis.TxFailedErr {
			return err
		}
	}
	return nil
}

// Release implements store.Backend.Release: reverses Lease for msgIDs still
// owned by myID.
func (b *Backend) Release(ctx context.Context, myID string, msgIDs []string) error {
	for _, id := range msgIDs {
		err := b.withRetry(ctx, "Release", func() error {
			return b.client.Watch(ctx, func(tx *redis.Tx) error {
				raw, err := tx.Get(ctx, msgKey(id)).Result()
				if isRedisNil(err) {
					return nil
				}
				if err != nil {
					return err
				}
				msg, err := unmarshalMessage(raw)
				if err != nil {
					return err
				}
				if msg.State != agentpoolstore.MessageInflight || msg.LeaseOwner != myID {
					return nil
				}
				msg.State = agentpoolstore.MessageQueued
				msg.LeaseOwner = ""
				payload, err := marshalMessage(msg)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.Set(ctx, msgKey(id), payload, 0)
					return nil
				})
				return err
			}, msgKey(id))
		})
		if err != nil && err != redis.TxFailedErr {
			return err
		}
	}
	return nil
}

// PruneMessages scans every recipient queue (a SCAN over the
// agentpool:queue: key prefix) and deletes messages older than messageTTL.
func (b *Backend) PruneMessages(ctx context.Context, now, messageTTL float64) (int, error) {
	var recipients []string
	iter := b.client.Scan(ctx, 0, keyQueueByUser+"*", 1000).Iterator()
	for iter.Next(ctx) {
		recipients = append(recipients, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}

	total := 0
	for _, qkey := range recipients {
		ids, err := b.client.ZRange(ctx, qkey, 0, -1).Result()
		if err != nil {
			continue
		}
		for _, id := range ids {
			raw, err := b.client.Get(ctx, msgKey(id)).Result()
			if isRedisNil(err) {
				_ = b.client.ZRem(ctx, qkey, id).Err()
				continue
			}
			if err != nil {
				continue
			}
			msg, err := unmarshalMessage(raw)
			if err != nil {
				continue
			}
			if msg.TS >= now-messageTTL {
				continue
			}
			pipe := b.client.TxPipeline()
			pipe.Del(ctx, msgKey(id))
			pipe.ZRem(ctx, qkey, id)
			if _, err := pipe.Exec(ctx); err == nil {
				total++
			}
		}
	}
	return total, nil
}
