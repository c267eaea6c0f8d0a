// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package approval suspends phase execution on human checkpoints.
//
// A phase calls Request and blocks; an HTTP handler calls Resolve with
// the reviewer's decision and the phase wakes up. Requests rendezvous
// on (taskID, checkpointName). Every request and its outcome is written
// to the durable audit log; the request row lands before the checkpoint
// is surfaced to clients, so a decision is attributable even across a
// crash.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/services/conductor/bus"
	"github.com/AleutianAI/AleutianForge/services/conductor/clock"
	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
	"github.com/AleutianAI/AleutianForge/services/conductor/store"
)

var (
	// ErrTimeout means the reviewer did not answer within the window.
	ErrTimeout = errors.New("approval: request timed out")

	// ErrCancelled means the task was cancelled while waiting.
	ErrCancelled = errors.New("approval: task cancelled")

	// ErrDuplicate means a request is already pending for the same
	// (task, checkpoint) rendezvous.
	ErrDuplicate = errors.New("approval: request already pending")

	// ErrNoPending means Resolve found nothing to resolve.
	ErrNoPending = errors.New("approval: no pending request")
)

const payloadExcerptLen = 500

// Request describes one checkpoint to present to a reviewer.
type Request struct {
	// TaskID and CheckpointName form the rendezvous key.
	TaskID         string
	CheckpointName string

	// Phase and StoryID give the reviewer context.
	Phase   datatypes.PhaseName
	StoryID string

	// Payload is the content under review (a plan, a diff summary).
	Payload string

	// Timeout bounds the wait. Zero means wait forever.
	Timeout time.Duration
}

// Resolution is the reviewer's answer.
type Resolution struct {
	Decision   datatypes.ApprovalDecision
	Feedback   string
	ResolvedBy string
}

// PendingInfo describes one in-flight checkpoint.
type PendingInfo struct {
	TaskID         string              `json:"task_id"`
	CheckpointName string              `json:"checkpoint_name"`
	Phase          datatypes.PhaseName `json:"phase,omitempty"`
	StoryID        string              `json:"story_id,omitempty"`
	Payload        string              `json:"payload"`
	RequestedAt    int64               `json:"requested_at"`
}

type pendingRequest struct {
	info     PendingInfo
	resolved chan Resolution
	canceled chan struct{}
}

// Broker is the checkpoint rendezvous point.
//
// Thread Safety: safe for concurrent use.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	store   *store.Store
	archive *bus.Archive
	clk     clock.Clock
	logger  *logging.Logger
}

// NewBroker wires the broker to its audit store and activity archive.
func NewBroker(st *store.Store, archive *bus.Archive, clk clock.Clock, logger *logging.Logger) *Broker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Broker{
		pending: make(map[string]*pendingRequest),
		store:   st,
		archive: archive,
		clk:     clk,
		logger:  logger,
	}
}

func rendezvousKey(taskID, checkpoint string) string {
	return taskID + "/" + checkpoint
}

func excerpt(s string) string {
	if len(s) > payloadExcerptLen {
		return s[:payloadExcerptLen]
	}
	return s
}

// Request blocks until the checkpoint is resolved, the task is
// cancelled, the context ends, or the timeout fires. The audit row and
// the approval_required activity entry are written before blocking.
func (b *Broker) Request(ctx context.Context, req Request) (Resolution, error) {
	key := rendezvousKey(req.TaskID, req.CheckpointName)
	now := b.clk.NowUnixMilli()

	pr := &pendingRequest{
		info: PendingInfo{
			TaskID:         req.TaskID,
			CheckpointName: req.CheckpointName,
			Phase:          req.Phase,
			StoryID:        req.StoryID,
			Payload:        req.Payload,
			RequestedAt:    now,
		},
		resolved: make(chan Resolution, 1),
		canceled: make(chan struct{}),
	}

	b.mu.Lock()
	if _, exists := b.pending[key]; exists {
		b.mu.Unlock()
		return Resolution{}, fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	b.pending[key] = pr
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.pending[key] == pr {
			delete(b.pending, key)
		}
		b.mu.Unlock()
	}()

	// Durable request row first. If this fails the checkpoint never
	// surfaces and the phase sees the error.
	err := b.appendLog(ctx, &datatypes.ApprovalLogEntry{
		ID:             uuid.NewString(),
		TaskID:         req.TaskID,
		CheckpointName: req.CheckpointName,
		Kind:           datatypes.ApprovalRequested,
		PayloadExcerpt: excerpt(req.Payload),
		Timestamp:      now,
	})
	if err != nil {
		return Resolution{}, err
	}
	b.announce(ctx, pr.info)

	var timeoutCh <-chan time.Time
	if req.Timeout > 0 {
		timeoutCh = b.clk.After(req.Timeout)
	}

	select {
	case res := <-pr.resolved:
		return res, nil
	case <-pr.canceled:
		b.logOutcome(req, datatypes.ApprovalCancelled, nil)
		return Resolution{}, ErrCancelled
	case <-timeoutCh:
		b.logOutcome(req, datatypes.ApprovalTimedOut, nil)
		return Resolution{}, fmt.Errorf("%w after %s: %s", ErrTimeout, req.Timeout, key)
	case <-ctx.Done():
		b.logOutcome(req, datatypes.ApprovalCancelled, nil)
		return Resolution{}, ctx.Err()
	}
}

// Resolve delivers the reviewer's decision to the waiting phase. The
// resolved audit row is written before the waiter wakes.
func (b *Broker) Resolve(ctx context.Context, taskID, checkpoint string, res Resolution) error {
	if !res.Decision.Valid() {
		return fmt.Errorf("approval: invalid decision %q", res.Decision)
	}
	key := rendezvousKey(taskID, checkpoint)

	b.mu.Lock()
	pr, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPending, key)
	}

	err := b.appendLog(ctx, &datatypes.ApprovalLogEntry{
		ID:             uuid.NewString(),
		TaskID:         taskID,
		CheckpointName: checkpoint,
		Kind:           datatypes.ApprovalResolved,
		Decision:       res.Decision,
		Feedback:       res.Feedback,
		ResolvedBy:     res.ResolvedBy,
		Timestamp:      b.clk.NowUnixMilli(),
	})
	if err != nil {
		// Audit failed; put the request back so the decision is not lost
		// without a trace.
		b.mu.Lock()
		b.pending[key] = pr
		b.mu.Unlock()
		return err
	}

	pr.resolved <- res
	return nil
}

// CancelTask wakes every pending request for the task with ErrCancelled
// and returns how many were woken.
func (b *Broker) CancelTask(taskID string) int {
	prefix := taskID + "/"
	b.mu.Lock()
	var woken []*pendingRequest
	for key, pr := range b.pending {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(b.pending, key)
			woken = append(woken, pr)
		}
	}
	b.mu.Unlock()

	for _, pr := range woken {
		close(pr.canceled)
	}
	return len(woken)
}

// HasPending reports whether any checkpoint is waiting for the task.
func (b *Broker) HasPending(taskID string) bool {
	prefix := taskID + "/"
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.pending {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// Pending lists the task's in-flight checkpoints.
func (b *Broker) Pending(taskID string) []PendingInfo {
	prefix := taskID + "/"
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []PendingInfo
	for key, pr := range b.pending {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, pr.info)
		}
	}
	return out
}

// Resend re-announces the task's pending checkpoints so reconnecting
// clients see them again. Returns how many were re-announced.
func (b *Broker) Resend(ctx context.Context, taskID string) int {
	infos := b.Pending(taskID)
	for _, info := range infos {
		b.announce(ctx, info)
	}
	return len(infos)
}

// announce publishes the approval_required activity entry.
func (b *Broker) announce(ctx context.Context, info PendingInfo) {
	if b.archive == nil {
		return
	}
	err := b.archive.Record(ctx, datatypes.ActivityEntry{
		TaskID:  info.TaskID,
		Type:    datatypes.ActivityApprovalRequired,
		Phase:   info.Phase,
		StoryID: info.StoryID,
		Content: fmt.Sprintf("approval required: %s", info.CheckpointName),
		Details: map[string]string{
			"checkpoint": info.CheckpointName,
			"payload":    excerpt(info.Payload),
		},
	})
	if err != nil && b.logger != nil {
		b.logger.Warn("failed to announce approval checkpoint",
			"task_id", info.TaskID, "checkpoint", info.CheckpointName, "error", err.Error())
	}
}

func (b *Broker) appendLog(ctx context.Context, entry *datatypes.ApprovalLogEntry) error {
	if b.store == nil {
		return nil
	}
	if err := b.store.AppendApprovalLog(ctx, entry); err != nil {
		return fmt.Errorf("append approval audit row: %w", err)
	}
	return nil
}

func (b *Broker) logOutcome(req Request, kind datatypes.ApprovalEventKind, _ error) {
	// The waiter is already unblocking; audit best-effort with a
	// background context so a cancelled request still leaves a row.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := b.appendLog(ctx, &datatypes.ApprovalLogEntry{
		ID:             uuid.NewString(),
		TaskID:         req.TaskID,
		CheckpointName: req.CheckpointName,
		Kind:           kind,
		Timestamp:      b.clk.NowUnixMilli(),
	})
	if err != nil && b.logger != nil {
		b.logger.Warn("failed to append approval outcome row",
			"task_id", req.TaskID, "checkpoint", req.CheckpointName, "error", err.Error())
	}
}
