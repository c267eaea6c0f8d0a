// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine owns the task state machine: it drives each task
// through the phase pipeline, checkpoints progress for idempotent
// resume, and handles cancellation and crash recovery.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/services/conductor/agentclient"
	"github.com/AleutianAI/AleutianForge/services/conductor/approval"
	"github.com/AleutianAI/AleutianForge/services/conductor/bus"
	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
	"github.com/AleutianAI/AleutianForge/services/conductor/observability"
	"github.com/AleutianAI/AleutianForge/services/conductor/phases"
	"github.com/AleutianAI/AleutianForge/services/conductor/queue"
	"github.com/AleutianAI/AleutianForge/services/conductor/store"
)

// Orchestrator drives tasks through the phase pipeline. Its Execute
// method is the queue worker handler; everything else is control-plane
// (cancel, recover).
//
// Thread Safety: safe for concurrent use; each Execute call owns one
// task exclusively.
type Orchestrator struct {
	deps   *phases.Deps
	queue  *queue.Queue
	bus    *bus.Bus
	logger *logging.Logger

	mu        sync.Mutex
	cancelled map[string]bool
}

// New builds an Orchestrator over shared phase dependencies.
func New(deps *phases.Deps, q *queue.Queue, b *bus.Bus, logger *logging.Logger) *Orchestrator {
	if deps.Sessions == nil {
		deps.Sessions = phases.NewSessionRegistry()
	}
	return &Orchestrator{
		deps:      deps,
		queue:     q,
		bus:       b,
		logger:    logger,
		cancelled: map[string]bool{},
	}
}

// Execute runs the full pipeline for one task. It is the queue
// handler: a returned transient error makes the worker retry once.
func (o *Orchestrator) Execute(ctx context.Context, taskID string) error {
	return o.ExecuteFrom(ctx, taskID, "")
}

// ExecuteFrom runs the pipeline starting at the given phase, or at the
// first incomplete phase when startFrom is empty.
func (o *Orchestrator) ExecuteFrom(ctx context.Context, taskID string, startFrom datatypes.PhaseName) error {
	defer o.clearCancelFlag(taskID)

	task, err := o.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("task %s: %w", taskID, err)
		}
		return queue.Transient(fmt.Errorf("load task %s: %w", taskID, err))
	}
	if task.Status.IsTerminal() {
		// Re-executing a finished task is a no-op apart from the
		// completion announcement.
		o.announceComplete(ctx, task)
		return nil
	}

	if task.Status == datatypes.TaskStatusQueued {
		if task, err = o.deps.Store.TransitionStatus(ctx, taskID, datatypes.TaskStatusRunning); err != nil {
			return queue.Transient(fmt.Errorf("start task %s: %w", taskID, err))
		}
	}
	observability.Default.TaskStarted(task.Lane)
	defer observability.Default.TaskEnded(task.Lane)

	state, err := o.buildState(ctx, task)
	if err != nil {
		return o.conclude(ctx, state, task, err)
	}

	pipeline := o.activePipeline(task)
	start := startIndex(pipeline, task, startFrom)

	var phaseErr error
	ranGlobalScan := false
	for i := start; i < len(pipeline); i++ {
		phase := pipeline[i]
		if phase.Name() == datatypes.PhaseGlobalScan {
			ranGlobalScan = true
		}
		if err := o.runPhase(ctx, state, phase, true); err != nil {
			phaseErr = err
			break
		}
	}

	// GlobalScan runs even when an earlier phase failed, so every task
	// ends with a security summary. Its result is not checkpointed on
	// the failure path: completed_phases stays a prefix of the order.
	if phaseErr != nil && !ranGlobalScan {
		if err := o.runPhase(ctx, state, &phases.GlobalScan{}, false); err != nil {
			o.logger.Warn("global scan after failure did not finish",
				"task_id", taskID, "error", err.Error())
		}
	}

	return o.conclude(ctx, state, state.Task, phaseErr)
}

// runPhase executes one phase and, when checkpoint is set, records its
// completion atomically.
func (o *Orchestrator) runPhase(ctx context.Context, s *phases.State, phase phases.Phase, checkpoint bool) error {
	name := phase.Name()
	if s.Task.HasCompleted(name) {
		return nil
	}

	if err := o.deps.Store.SetCurrentPhase(ctx, s.Task.ID, name); err != nil {
		return queue.Transient(fmt.Errorf("enter phase %s: %w", name, err))
	}
	o.record(ctx, s.Task.ID, datatypes.ActivityEntry{
		Type:  datatypes.ActivityPhaseStart,
		Phase: name,
	})

	started := time.Now()
	payload, err := phase.Execute(ctx, o.deps, s)
	observability.Default.RecordPhase(name, time.Since(started).Seconds(), err == nil)
	if err != nil {
		kind := failureKind(err)
		if kind == "" {
			kind = "error"
		}
		observability.Default.RecordPhaseFailure(name, kind)
		o.record(ctx, s.Task.ID, datatypes.ActivityEntry{
			Type:    datatypes.ActivityPhaseFailed,
			Phase:   name,
			Content: err.Error(),
		})
		return fmt.Errorf("phase %s: %w", name, err)
	}

	if checkpoint {
		task, err := o.deps.Store.CompletePhase(ctx, s.Task.ID, name, payload)
		if err != nil {
			return queue.Transient(fmt.Errorf("checkpoint phase %s: %w", name, err))
		}
		s.Task = task
		s.Payloads[name] = payload
	}
	o.record(ctx, s.Task.ID, datatypes.ActivityEntry{
		Type:  datatypes.ActivityPhaseComplete,
		Phase: name,
	})
	return nil
}

// buildState seeds the accumulated execution context from the task's
// resume fields.
func (o *Orchestrator) buildState(ctx context.Context, task *datatypes.Task) (*phases.State, error) {
	s := &phases.State{
		Task:                 task,
		RepoDirs:             map[string]string{},
		BranchName:           task.BranchName,
		ResumeFromStoryIndex: task.LastCompletedStoryIndex + 1,
		Payloads:             map[datatypes.PhaseName]json.RawMessage{},
	}
	for _, p := range task.CompletedPhases {
		s.Payloads[p.Name] = p.Payload
	}
	if raw, ok := s.Payloads[datatypes.PhasePlanning]; ok {
		var plan phases.PlanningResult
		if err := json.Unmarshal(raw, &plan); err == nil {
			s.EnrichedPrompt = plan.EnrichedPrompt
		}
	}

	stories, err := o.deps.Store.ListStories(ctx, task.ID)
	if err != nil {
		return s, queue.Transient(fmt.Errorf("load stories: %w", err))
	}
	s.Stories = stories

	if len(task.Repositories) > 0 {
		if o.deps.Vault != nil {
			cred, err := o.deps.Vault.GetCredential(ctx, task.UserID)
			if err != nil {
				return s, fmt.Errorf("credential for %s: %w", task.UserID, err)
			}
			s.Credential = cred
		}
		dirs, err := o.deps.Workspace.Prepare(ctx, task, s.Credential)
		if err != nil {
			return s, fmt.Errorf("prepare workspace: %w", err)
		}
		s.RepoDirs = dirs
	}
	return s, nil
}

// activePipeline applies the two allowed skips.
func (o *Orchestrator) activePipeline(task *datatypes.Task) []phases.Phase {
	var out []phases.Phase
	for _, p := range phases.Pipeline() {
		switch p.Name() {
		case datatypes.PhasePlanning:
			if o.deps.Config.SkipPlanningForSimpleTasks && phases.IsSimpleTask(task) {
				continue
			}
		case datatypes.PhaseTestGeneration:
			if o.deps.Config.SkipTestGeneration {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// startIndex finds the first phase to run: the end of the completed
// prefix, or the explicitly requested phase.
func startIndex(pipeline []phases.Phase, task *datatypes.Task, startFrom datatypes.PhaseName) int {
	if startFrom != "" {
		for i, p := range pipeline {
			if p.Name() == startFrom {
				return i
			}
		}
	}
	for i, p := range pipeline {
		if !task.HasCompleted(p.Name()) {
			return i
		}
	}
	return len(pipeline)
}

// conclude sets the terminal status, clears the in-flight phase, and
// announces completion.
func (o *Orchestrator) conclude(ctx context.Context, s *phases.State, task *datatypes.Task, phaseErr error) error {
	status := datatypes.TaskStatusCompleted
	reason := ""
	switch {
	case phaseErr == nil:
		// completed
	case o.isCancelled(task.ID) || errors.Is(phaseErr, approval.ErrCancelled):
		status = datatypes.TaskStatusCancelled
	default:
		status = datatypes.TaskStatusFailed
		reason = failureReason(phaseErr)
	}

	if _, err := o.deps.Store.UpdateTask(ctx, task.ID, func(t *datatypes.Task) error {
		t.CurrentPhase = ""
		if reason != "" {
			t.FailureReason = reason
		}
		return nil
	}); err != nil {
		return queue.Transient(fmt.Errorf("clear resume fields: %w", err))
	}
	updated, err := o.deps.Store.TransitionStatus(ctx, task.ID, status)
	if err != nil {
		return queue.Transient(fmt.Errorf("finish task %s: %w", task.ID, err))
	}

	observability.Default.RecordTaskFinished(status, updated.Lane)
	o.announceComplete(ctx, updated)
	if status == datatypes.TaskStatusFailed {
		return phaseErr
	}
	return nil
}

// announceComplete publishes orchestration:complete and closes the
// task's event room.
func (o *Orchestrator) announceComplete(ctx context.Context, task *datatypes.Task) {
	o.record(ctx, task.ID, datatypes.ActivityEntry{
		Type:    datatypes.ActivityInfo,
		Content: "orchestration:complete",
		Details: map[string]string{
			"event":  "orchestration:complete",
			"status": string(task.Status),
		},
	})
	if o.bus != nil {
		o.bus.CloseRoom(task.ID)
	}
	if o.deps.Archive != nil {
		o.deps.Archive.Forget(task.ID)
	}
}

func (o *Orchestrator) record(ctx context.Context, taskID string, entry datatypes.ActivityEntry) {
	if o.deps.Archive == nil {
		return
	}
	entry.TaskID = taskID
	if err := o.deps.Archive.Record(ctx, entry); err != nil {
		o.logger.Debug("activity record failed", "task_id", taskID, "error", err.Error())
	}
}

// =============================================================================
// Cancellation
// =============================================================================

// Cancel stops a task from any non-terminal state: waiting jobs leave
// the queue immediately, active ones unwind at the next suspension
// point. Idempotent.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	task, err := o.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	o.mu.Lock()
	o.cancelled[taskID] = true
	o.mu.Unlock()

	switch task.Status {
	case datatypes.TaskStatusPending, datatypes.TaskStatusQueued, datatypes.TaskStatusInterrupted:
		if _, err := o.queue.RemoveWaiting(ctx, taskID); err != nil {
			o.logger.Warn("queue removal on cancel failed", "task_id", taskID, "error", err.Error())
		}
		if _, err := o.deps.Store.TransitionStatus(ctx, taskID, datatypes.TaskStatusCancelled); err != nil {
			return fmt.Errorf("cancel queued task: %w", err)
		}
		o.announceComplete(ctx, task)
		return nil
	default:
		// Active: reject pending approvals and abort the agent session;
		// the worker observes either at its next suspension point.
		n := o.deps.Broker.CancelTask(taskID)
		if n > 0 {
			o.logger.Info("cancelled pending approvals", "task_id", taskID, "count", n)
		}
		if sessionID, ok := o.deps.Sessions.Get(taskID); ok {
			if err := o.deps.Agent.AbortSession(ctx, sessionID); err != nil {
				o.logger.Warn("session abort failed", "task_id", taskID, "error", err.Error())
			}
		}
		return nil
	}
}

func (o *Orchestrator) isCancelled(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled[taskID]
}

func (o *Orchestrator) clearCancelFlag(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancelled, taskID)
}

// =============================================================================
// Failure classification
// =============================================================================

// failureKind classifies a phase error for metrics and for the
// failure_reason prefix.
func failureKind(err error) string {
	switch {
	case errors.Is(err, phases.ErrRejected):
		return "rejected"
	case errors.Is(err, phases.ErrPolicyBlocked):
		return "policy_block"
	case errors.Is(err, approval.ErrTimeout):
		return "approval_timeout"
	case errors.Is(err, agentclient.ErrIdleTimeout):
		return "agent_timeout"
	case errors.Is(err, agentclient.ErrSessionAborted):
		return "agent_aborted"
	case queue.IsTransient(err):
		return "infrastructure"
	default:
		return ""
	}
}

// failureReason renders the phase error into the user-visible
// failure_reason string, prefixed with its error kind.
func failureReason(err error) string {
	if kind := failureKind(err); kind != "" {
		return kind + ": " + err.Error()
	}
	return err.Error()
}
