// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
)

// RedisBackend keeps each lane in a Redis sorted set. Members are task
// ids; scores encode (priority, enqueue time) so ZPOPMAX yields the
// dequeue order and a front push simply lands in a higher score band.
type RedisBackend struct {
	rdb       redis.UniversalClient
	keyPrefix string
}

// NewRedisBackend wraps an existing client. keyPrefix namespaces the
// lane keys (e.g. "forge").
func NewRedisBackend(rdb redis.UniversalClient, keyPrefix string) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = "forge"
	}
	return &RedisBackend{rdb: rdb, keyPrefix: keyPrefix}
}

func (b *RedisBackend) laneKey(lane datatypes.Lane) string {
	return fmt.Sprintf("%s:queue:%s", b.keyPrefix, lane)
}

func (b *RedisBackend) Push(ctx context.Context, taskID string, lane datatypes.Lane, priority int, enqueuedAtMs int64) error {
	err := b.rdb.ZAdd(ctx, b.laneKey(lane), redis.Z{
		Score:  score(priority, enqueuedAtMs),
		Member: taskID,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis push %s to %s: %w", taskID, lane, err)
	}
	return nil
}

func (b *RedisBackend) PushFront(ctx context.Context, taskID string, lane datatypes.Lane, enqueuedAtMs int64) error {
	err := b.rdb.ZAdd(ctx, b.laneKey(lane), redis.Z{
		Score:  frontScore(enqueuedAtMs),
		Member: taskID,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis push-front %s to %s: %w", taskID, lane, err)
	}
	return nil
}

func (b *RedisBackend) Pop(ctx context.Context, lanes []datatypes.Lane, block time.Duration) (Popped, error) {
	keys := make([]string, len(lanes))
	for i, lane := range lanes {
		keys[i] = b.laneKey(lane)
	}

	// BZPOPMAX scans keys in order, so listing premium first gives the
	// cross-lane preference for free.
	zk, err := b.rdb.BZPopMax(ctx, block, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return Popped{}, ErrEmpty
	}
	if err != nil {
		return Popped{}, fmt.Errorf("redis pop: %w", err)
	}

	taskID, _ := zk.Member.(string)
	for i, key := range keys {
		if key == zk.Key {
			return Popped{TaskID: taskID, Lane: lanes[i]}, nil
		}
	}
	return Popped{}, fmt.Errorf("redis pop: unexpected key %s", zk.Key)
}

func (b *RedisBackend) Remove(ctx context.Context, taskID string) (bool, error) {
	removed := int64(0)
	for _, lane := range laneOrder {
		n, err := b.rdb.ZRem(ctx, b.laneKey(lane), taskID).Result()
		if err != nil {
			return false, fmt.Errorf("redis remove %s from %s: %w", taskID, lane, err)
		}
		removed += n
	}
	return removed > 0, nil
}

func (b *RedisBackend) Position(ctx context.Context, taskID string) (int, error) {
	// Premium members count ahead of every regular member.
	rank, err := b.rdb.ZRevRank(ctx, b.laneKey(datatypes.LanePremium), taskID).Result()
	if err == nil {
		return int(rank) + 1, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redis position %s: %w", taskID, err)
	}

	rank, err = b.rdb.ZRevRank(ctx, b.laneKey(datatypes.LaneRegular), taskID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis position %s: %w", taskID, err)
	}
	premium, err := b.rdb.ZCard(ctx, b.laneKey(datatypes.LanePremium)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis position %s: %w", taskID, err)
	}
	return int(premium) + int(rank) + 1, nil
}

func (b *RedisBackend) WaitingCount(ctx context.Context, lane datatypes.Lane) (int, error) {
	n, err := b.rdb.ZCard(ctx, b.laneKey(lane)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis waiting count %s: %w", lane, err)
	}
	return int(n), nil
}
