// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianForge/services/conductor/clock"
	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
	"github.com/AleutianAI/AleutianForge/services/conductor/store"
)

// Archive records activity entries: a per-task in-memory ring for fast
// replay, a durable append for history that outlives the process, and a
// publish to the live bus. Chatty entry types are rate-limited per
// (task, type) before any of that happens; lifecycle types are never
// throttled.
//
// Thread Safety: safe for concurrent use.
type Archive struct {
	mu       sync.Mutex
	perTask  map[string]*ring[datatypes.ActivityEntry]
	lastEmit map[string]int64 // taskID + "/" + type -> Unix ms

	capacity int
	throttle time.Duration
	store    *store.Store
	bus      *Bus
	clk      clock.Clock
}

// ArchiveConfig sizes the archive.
type ArchiveConfig struct {
	// RingCapacity is the per-task in-memory entry count.
	RingCapacity int

	// Throttle is the minimum spacing between archived entries of the
	// same throttled type within one task. Zero disables throttling.
	Throttle time.Duration
}

// NewArchive wires the archive to its durable store and live bus.
func NewArchive(cfg ArchiveConfig, st *store.Store, b *Bus, clk clock.Clock) *Archive {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 500
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Archive{
		perTask:  make(map[string]*ring[datatypes.ActivityEntry]),
		lastEmit: make(map[string]int64),
		capacity: cfg.RingCapacity,
		throttle: cfg.Throttle,
		store:    st,
		bus:      b,
		clk:      clk,
	}
}

// Record archives one entry and publishes it to live subscribers.
// Throttled entries arriving inside the per-(task, type) window are
// silently dropped. Missing IDs and timestamps are filled in.
func (a *Archive) Record(ctx context.Context, entry datatypes.ActivityEntry) error {
	now := a.clk.NowUnixMilli()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = now
	}

	a.mu.Lock()
	if a.throttle > 0 && entry.Type.Throttled() {
		key := entry.TaskID + "/" + string(entry.Type)
		if last, ok := a.lastEmit[key]; ok && now-last < a.throttle.Milliseconds() {
			a.mu.Unlock()
			return nil
		}
		a.lastEmit[key] = now
	}
	r, ok := a.perTask[entry.TaskID]
	if !ok {
		r = newRing[datatypes.ActivityEntry](a.capacity)
		a.perTask[entry.TaskID] = r
	}
	r.push(entry)
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.AppendActivity(ctx, &entry); err != nil {
			return fmt.Errorf("archive activity entry: %w", err)
		}
	}
	if a.bus != nil {
		a.bus.Publish(entry)
	}
	return nil
}

// History returns the task's last k entries in chronological order.
// Served from the in-memory ring when it holds enough; otherwise the
// durable store backs the replay.
func (a *Archive) History(ctx context.Context, taskID string, k int) ([]datatypes.ActivityEntry, error) {
	if k <= 0 {
		k = a.capacity
	}

	a.mu.Lock()
	r, ok := a.perTask[taskID]
	if ok && r.len() >= k {
		entries := r.last(k)
		a.mu.Unlock()
		return entries, nil
	}
	a.mu.Unlock()

	if a.store == nil {
		if ok {
			a.mu.Lock()
			defer a.mu.Unlock()
			return r.last(k), nil
		}
		return nil, nil
	}
	return a.store.ListActivity(ctx, taskID, k)
}

// Forget drops the task's in-memory ring and throttle state. The
// durable history remains queryable.
func (a *Archive) Forget(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.perTask, taskID)
	prefix := taskID + "/"
	for key := range a.lastEmit {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(a.lastEmit, key)
		}
	}
}
