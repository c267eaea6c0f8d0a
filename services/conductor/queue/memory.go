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
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
)

// MemoryBackend is an in-process Backend with the same ordering
// contract as the Redis one. Used in tests and single-node setups
// without Redis.
//
// Thread Safety: safe for concurrent use.
type MemoryBackend struct {
	mu     sync.Mutex
	lanes  map[datatypes.Lane][]memberEntry
	notify chan struct{}
}

type memberEntry struct {
	taskID string
	score  float64
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		lanes:  make(map[datatypes.Lane][]memberEntry),
		notify: make(chan struct{}, 1),
	}
}

func (b *MemoryBackend) add(taskID string, lane datatypes.Lane, sc float64) {
	b.mu.Lock()
	members := b.lanes[lane]
	// Re-adding an existing member updates its score, matching ZADD.
	replaced := false
	for i := range members {
		if members[i].taskID == taskID {
			members[i].score = sc
			replaced = true
			break
		}
	}
	if !replaced {
		members = append(members, memberEntry{taskID: taskID, score: sc})
	}
	sort.SliceStable(members, func(i, j int) bool { return members[i].score > members[j].score })
	b.lanes[lane] = members
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *MemoryBackend) Push(_ context.Context, taskID string, lane datatypes.Lane, priority int, enqueuedAtMs int64) error {
	b.add(taskID, lane, score(priority, enqueuedAtMs))
	return nil
}

func (b *MemoryBackend) PushFront(_ context.Context, taskID string, lane datatypes.Lane, enqueuedAtMs int64) error {
	b.add(taskID, lane, frontScore(enqueuedAtMs))
	return nil
}

func (b *MemoryBackend) tryPop(lanes []datatypes.Lane) (Popped, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, lane := range lanes {
		members := b.lanes[lane]
		if len(members) == 0 {
			continue
		}
		top := members[0]
		b.lanes[lane] = members[1:]
		return Popped{TaskID: top.taskID, Lane: lane}, true
	}
	return Popped{}, false
}

func (b *MemoryBackend) Pop(ctx context.Context, lanes []datatypes.Lane, block time.Duration) (Popped, error) {
	deadline := time.NewTimer(block)
	defer deadline.Stop()
	for {
		if p, ok := b.tryPop(lanes); ok {
			return p, nil
		}
		select {
		case <-b.notify:
		case <-deadline.C:
			return Popped{}, ErrEmpty
		case <-ctx.Done():
			return Popped{}, ctx.Err()
		}
	}
}

func (b *MemoryBackend) Remove(_ context.Context, taskID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for lane, members := range b.lanes {
		for i, m := range members {
			if m.taskID == taskID {
				b.lanes[lane] = append(members[:i:i], members[i+1:]...)
				return true, nil
			}
		}
	}
	return false, nil
}

func (b *MemoryBackend) Position(_ context.Context, taskID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ahead := 0
	for _, lane := range laneOrder {
		for _, m := range b.lanes[lane] {
			ahead++
			if m.taskID == taskID {
				return ahead, nil
			}
		}
	}
	return 0, nil
}

func (b *MemoryBackend) WaitingCount(_ context.Context, lane datatypes.Lane) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lanes[lane]), nil
}
