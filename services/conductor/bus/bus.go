// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bus delivers activity events to live subscribers and keeps the
// replayable per-task archive.
//
// Delivery contract: per task, entries reach each subscriber in publish
// order. Dispatch never blocks a publisher; a subscriber that cannot
// keep up loses entries rather than stalling the pipeline. Low-traffic
// noise (tool calls, thinking, output) is batched on a short interval;
// lifecycle events bypass the batch and flush it immediately so ordering
// is preserved.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
)

// defaultSubscriberBuffer is the per-subscriber channel depth. A full
// channel means the subscriber is slower than the producer.
const defaultSubscriberBuffer = 256

// Bus fans activity entries out to per-task rooms.
//
// Thread Safety: safe for concurrent use.
type Bus struct {
	mu            sync.RWMutex
	rooms         map[string]*room
	batchInterval time.Duration
	logger        *logging.Logger
	dropped       func(taskID string) // test hook, may be nil
}

// Option configures a Bus.
type Option func(*Bus)

// WithBatchInterval sets the low-priority flush interval.
func WithBatchInterval(d time.Duration) Option {
	return func(b *Bus) { b.batchInterval = d }
}

// WithDropCallback installs a hook invoked when a slow subscriber
// loses an entry.
func WithDropCallback(fn func(taskID string)) Option {
	return func(b *Bus) { b.dropped = fn }
}

// New creates a Bus. batchInterval defaults to 100ms.
func New(logger *logging.Logger, opts ...Option) *Bus {
	b := &Bus{
		rooms:         make(map[string]*room),
		batchInterval: 100 * time.Millisecond,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type room struct {
	mu      sync.Mutex
	taskID  string
	subs    map[string]chan datatypes.ActivityEntry
	pending []datatypes.ActivityEntry
	timer   *time.Timer
}

func (b *Bus) room(taskID string) *room {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[taskID]
	if !ok {
		r = &room{
			taskID: taskID,
			subs:   make(map[string]chan datatypes.ActivityEntry),
		}
		b.rooms[taskID] = r
	}
	return r
}

// Subscribe joins the task's room. The returned channel receives entries
// in publish order; cancel leaves the room and closes the channel.
func (b *Bus) Subscribe(taskID string) (<-chan datatypes.ActivityEntry, func()) {
	r := b.room(taskID)
	id := uuid.NewString()
	ch := make(chan datatypes.ActivityEntry, defaultSubscriberBuffer)

	r.mu.Lock()
	r.subs[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an entry to the task's room. High-priority entries
// flush any batched backlog first so subscribers always observe publish
// order; everything else waits for the next batch tick.
func (b *Bus) Publish(entry datatypes.ActivityEntry) {
	r := b.room(entry.TaskID)

	r.mu.Lock()
	r.pending = append(r.pending, entry)
	if entry.Type.HighPriority() {
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
		b.flushLocked(r)
		r.mu.Unlock()
		return
	}
	if r.timer == nil {
		r.timer = time.AfterFunc(b.batchInterval, func() {
			r.mu.Lock()
			r.timer = nil
			b.flushLocked(r)
			r.mu.Unlock()
		})
	}
	r.mu.Unlock()
}

// flushLocked drains the pending batch into every subscriber channel.
// Caller holds r.mu.
func (b *Bus) flushLocked(r *room) {
	if len(r.pending) == 0 {
		return
	}
	batch := r.pending
	r.pending = nil
	for _, entry := range batch {
		for _, ch := range r.subs {
			select {
			case ch <- entry:
			default:
				// Slow subscriber; drop rather than block the pipeline.
				if b.dropped != nil {
					b.dropped(r.taskID)
				}
				if b.logger != nil {
					b.logger.Debug("dropped activity entry for slow subscriber",
						"task_id", r.taskID, "type", string(entry.Type))
				}
			}
		}
	}
}

// CloseRoom flushes and removes a task's room, closing all subscriber
// channels. Called when a task reaches a terminal state.
func (b *Bus) CloseRoom(taskID string) {
	b.mu.Lock()
	r, ok := b.rooms[taskID]
	if ok {
		delete(b.rooms, taskID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	b.flushLocked(r)
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	r.mu.Unlock()
}

// SubscriberCount reports how many subscribers a task's room has.
func (b *Bus) SubscriberCount(taskID string) int {
	b.mu.RLock()
	r, ok := b.rooms[taskID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
