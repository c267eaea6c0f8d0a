// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue admits tasks into two priority lanes and hands them to
// a fixed worker pool.
//
// Dequeue order is premium lane first, then higher priority, then
// earlier enqueue time. Interrupted tasks re-enter at the front of
// their lane so crash recovery preempts ordinary traffic.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
)

// ErrEmpty is returned by a bounded Pop that found nothing.
var ErrEmpty = errors.New("queue: empty")

// frontBand places requeued jobs above any reachable priority score.
const frontBand = 1e18

// score orders members within a lane: higher priority first, earlier
// enqueue first among equals. Millisecond timestamps stay far below one
// priority band.
func score(priority int, enqueuedAtMs int64) float64 {
	return float64(priority)*1e13 - float64(enqueuedAtMs)
}

// frontScore orders requeued members above everything, earliest first.
func frontScore(enqueuedAtMs int64) float64 {
	return frontBand - float64(enqueuedAtMs)
}

// Popped is one dequeued member.
type Popped struct {
	TaskID string
	Lane   datatypes.Lane
}

// Backend is the durable lane storage. Implementations must be safe
// for concurrent use.
type Backend interface {
	// Push adds a task to its lane.
	Push(ctx context.Context, taskID string, lane datatypes.Lane, priority int, enqueuedAtMs int64) error

	// PushFront adds a task ahead of all ordinary members of its lane.
	PushFront(ctx context.Context, taskID string, lane datatypes.Lane, enqueuedAtMs int64) error

	// Pop removes the best member across lanes, scanning lanes in the
	// given order. Blocks up to block; returns ErrEmpty on timeout.
	Pop(ctx context.Context, lanes []datatypes.Lane, block time.Duration) (Popped, error)

	// Remove deletes a waiting task. Returns false when the task was
	// not waiting (already dequeued or never enqueued).
	Remove(ctx context.Context, taskID string) (bool, error)

	// Position returns the 1-based dequeue position of a waiting task,
	// counting premium members ahead of regular ones. Zero when the
	// task is not waiting.
	Position(ctx context.Context, taskID string) (int, error)

	// WaitingCount returns the number of waiting members in a lane.
	WaitingCount(ctx context.Context, lane datatypes.Lane) (int, error)
}

// laneOrder is the canonical cross-lane scan order.
var laneOrder = []datatypes.Lane{datatypes.LanePremium, datatypes.LaneRegular}

// =============================================================================
// Transient error classification
// =============================================================================

// transientError marks infrastructure blips the worker may retry once.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps an infrastructure error so the worker pool retries
// the job once. Agent-reported errors must not be wrapped.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err carries the retry-once marker.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
