// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
)

// =============================================================================
// Tasks
// =============================================================================

func taskKey(id string) string { return prefixTask + id }

// CreateTask persists a new task. Fails if the id already exists.
func (s *Store) CreateTask(ctx context.Context, task *datatypes.Task) error {
	key := taskKey(task.ID)
	return s.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err == nil {
			return fmt.Errorf("task %s already exists", task.ID)
		}
		return putJSON(txn, key, task)
	})
}

// GetTask loads a task by id. Returns ErrNotFound if absent.
func (s *Store) GetTask(ctx context.Context, id string) (*datatypes.Task, error) {
	var task datatypes.Task
	err := s.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, taskKey(id), &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns all tasks in key order.
func (s *Store) ListTasks(ctx context.Context) ([]datatypes.Task, error) {
	var tasks []datatypes.Task
	err := s.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var e error
		tasks, e = listJSON[datatypes.Task](txn, prefixTask)
		return e
	})
	return tasks, err
}

// UpdateTask applies fn to the stored task inside one transaction and
// writes the result back. fn sees the latest persisted state; concurrent
// updaters serialize through Badger's conflict detection.
func (s *Store) UpdateTask(ctx context.Context, id string, fn func(*datatypes.Task) error) (*datatypes.Task, error) {
	var task datatypes.Task
	err := s.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, taskKey(id), &task); err != nil {
			return err
		}
		if err := fn(&task); err != nil {
			return err
		}
		task.UpdatedAt = time.Now().UnixMilli()
		return putJSON(txn, taskKey(id), &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// TransitionStatus moves the task along a legal lifecycle edge. Illegal
// edges fail without writing; terminal states never transition again.
func (s *Store) TransitionStatus(ctx context.Context, id string, to datatypes.TaskStatus) (*datatypes.Task, error) {
	return s.UpdateTask(ctx, id, func(t *datatypes.Task) error {
		if t.Status == to {
			return nil
		}
		if !datatypes.CanTransition(t.Status, to) {
			return fmt.Errorf("illegal task transition %s -> %s for task %s", t.Status, to, id)
		}
		t.Status = to
		now := time.Now().UnixMilli()
		switch to {
		case datatypes.TaskStatusRunning:
			if t.StartedAt == 0 {
				t.StartedAt = now
			}
		case datatypes.TaskStatusCompleted, datatypes.TaskStatusFailed, datatypes.TaskStatusCancelled:
			t.EndedAt = now
		}
		return nil
	})
}

// SetCurrentPhase records the phase in flight before any of its effects
// become visible, so a crash mid-phase is attributable.
func (s *Store) SetCurrentPhase(ctx context.Context, id string, phase datatypes.PhaseName) error {
	_, err := s.UpdateTask(ctx, id, func(t *datatypes.Task) error {
		t.CurrentPhase = phase
		return nil
	})
	return err
}

// CompletePhase atomically appends the phase to the task's completed
// list, writes the checkpoint record, and clears the current phase.
// Either all three land or none do.
func (s *Store) CompletePhase(ctx context.Context, id string, phase datatypes.PhaseName, payload []byte) (*datatypes.Task, error) {
	now := time.Now().UnixMilli()
	var task datatypes.Task
	err := s.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, taskKey(id), &task); err != nil {
			return err
		}
		if task.HasCompleted(phase) {
			return fmt.Errorf("phase %s already completed for task %s", phase, id)
		}
		task.CompletedPhases = append(task.CompletedPhases, datatypes.CompletedPhase{
			Name:        phase,
			Payload:     payload,
			CompletedAt: now,
		})
		task.CurrentPhase = ""
		task.UpdatedAt = now
		if err := putJSON(txn, taskKey(id), &task); err != nil {
			return err
		}
		cp := datatypes.PhaseCheckpoint{
			TaskID:      id,
			Phase:       phase,
			Payload:     payload,
			CompletedAt: now,
		}
		return putJSON(txn, prefixCheckpoint+datatypes.CheckpointKey(id, phase), &cp)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// GetCheckpoint loads the durable checkpoint for (task, phase).
func (s *Store) GetCheckpoint(ctx context.Context, taskID string, phase datatypes.PhaseName) (*datatypes.PhaseCheckpoint, error) {
	var cp datatypes.PhaseCheckpoint
	err := s.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, prefixCheckpoint+datatypes.CheckpointKey(taskID, phase), &cp)
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// RecoverInterrupted marks every task that was mid-execution when the
// process died as interrupted, clears its in-flight phase marker, and
// returns the affected tasks so the queue can requeue them at the front.
// Checkpoints are untouched; resume picks up from the last one.
func (s *Store) RecoverInterrupted(ctx context.Context) ([]datatypes.Task, error) {
	var recovered []datatypes.Task
	err := s.WithTxn(ctx, func(txn *badger.Txn) error {
		tasks, err := listJSON[datatypes.Task](txn, prefixTask)
		if err != nil {
			return err
		}
		now := time.Now().UnixMilli()
		for i := range tasks {
			t := &tasks[i]
			switch t.Status {
			case datatypes.TaskStatusRunning, datatypes.TaskStatusPaused, datatypes.TaskStatusWaitingForApproval:
				t.Status = datatypes.TaskStatusInterrupted
				t.CurrentPhase = ""
				t.UpdatedAt = now
				if err := putJSON(txn, taskKey(t.ID), t); err != nil {
					return err
				}
				recovered = append(recovered, *t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recovered, nil
}

// =============================================================================
// Stories
// =============================================================================

func storyKey(taskID string, index int) string {
	return fmt.Sprintf("%s%s/%06d", prefixStory, taskID, index)
}

// PutStory upserts a story under its (task, index) key.
func (s *Store) PutStory(ctx context.Context, story *datatypes.Story) error {
	return s.WithTxn(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, storyKey(story.TaskID, story.Index), story)
	})
}

// ListStories returns a task's stories ordered by index.
func (s *Store) ListStories(ctx context.Context, taskID string) ([]datatypes.Story, error) {
	var stories []datatypes.Story
	err := s.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var e error
		stories, e = listJSON[datatypes.Story](txn, prefixStory+taskID+"/")
		return e
	})
	return stories, err
}

// FinishStory records a story's final verdict and, in the same
// transaction, advances the task's last completed story index so resume
// never re-runs a finished story.
func (s *Store) FinishStory(ctx context.Context, story *datatypes.Story) error {
	now := time.Now().UnixMilli()
	return s.WithTxn(ctx, func(txn *badger.Txn) error {
		story.EndedAt = now
		if err := putJSON(txn, storyKey(story.TaskID, story.Index), story); err != nil {
			return err
		}
		var task datatypes.Task
		if err := getJSON(txn, taskKey(story.TaskID), &task); err != nil {
			return err
		}
		if story.Index > task.LastCompletedStoryIndex {
			task.LastCompletedStoryIndex = story.Index
		}
		task.UpdatedAt = now
		return putJSON(txn, taskKey(story.TaskID), &task)
	})
}

// =============================================================================
// Agent executions and tool calls
// =============================================================================

// PutExecution upserts an agent execution record.
func (s *Store) PutExecution(ctx context.Context, exec *datatypes.AgentExecution) error {
	key := fmt.Sprintf("%s%s/%s", prefixExecution, exec.TaskID, exec.ID)
	return s.WithTxn(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, key, exec)
	})
}

// ListExecutions returns a task's executions in key order.
func (s *Store) ListExecutions(ctx context.Context, taskID string) ([]datatypes.AgentExecution, error) {
	var execs []datatypes.AgentExecution
	err := s.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var e error
		execs, e = listJSON[datatypes.AgentExecution](txn, prefixExecution+taskID+"/")
		return e
	})
	return execs, err
}

// AppendToolCall writes a tool-call row. Rows are append-only.
func (s *Store) AppendToolCall(ctx context.Context, call *datatypes.ToolCall) error {
	key := fmt.Sprintf("%s%s/%06d", prefixToolCall, call.ExecutionID, call.CallOrder)
	return s.WithTxn(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, key, call)
	})
}

// ListToolCalls returns an execution's tool calls in call order.
func (s *Store) ListToolCalls(ctx context.Context, executionID string) ([]datatypes.ToolCall, error) {
	var calls []datatypes.ToolCall
	err := s.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var e error
		calls, e = listJSON[datatypes.ToolCall](txn, prefixToolCall+executionID+"/")
		return e
	})
	return calls, err
}

// =============================================================================
// Vulnerabilities
// =============================================================================

// AppendVulnerability writes an immutable finding row.
func (s *Store) AppendVulnerability(ctx context.Context, v *datatypes.Vulnerability) error {
	key := fmt.Sprintf("%s%s/%s", prefixVulnerab, v.TaskID, s.nextSeqKey())
	return s.WithTxn(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, key, v)
	})
}

// ListVulnerabilities returns a task's findings in emission order.
func (s *Store) ListVulnerabilities(ctx context.Context, taskID string) ([]datatypes.Vulnerability, error) {
	var vulns []datatypes.Vulnerability
	err := s.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var e error
		vulns, e = listJSON[datatypes.Vulnerability](txn, prefixVulnerab+taskID+"/")
		return e
	})
	return vulns, err
}

// =============================================================================
// Approval audit log
// =============================================================================

// AppendApprovalLog durably records one approval event.
func (s *Store) AppendApprovalLog(ctx context.Context, entry *datatypes.ApprovalLogEntry) error {
	key := fmt.Sprintf("%s%s/%s", prefixApprovalLog, entry.TaskID, s.nextSeqKey())
	return s.WithTxn(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, key, entry)
	})
}

// ListApprovalLog returns a task's approval trail in order.
func (s *Store) ListApprovalLog(ctx context.Context, taskID string) ([]datatypes.ApprovalLogEntry, error) {
	var entries []datatypes.ApprovalLogEntry
	err := s.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var e error
		entries, e = listJSON[datatypes.ApprovalLogEntry](txn, prefixApprovalLog+taskID+"/")
		return e
	})
	return entries, err
}

// =============================================================================
// Queue job mirrors
// =============================================================================

// PutJob upserts the durable mirror of a queue job.
func (s *Store) PutJob(ctx context.Context, job *datatypes.QueueJob) error {
	return s.WithTxn(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, prefixJob+job.ID, job)
	})
}

// GetJob loads a job mirror by id.
func (s *Store) GetJob(ctx context.Context, id string) (*datatypes.QueueJob, error) {
	var job datatypes.QueueJob
	err := s.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, prefixJob+id, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns all job mirrors.
func (s *Store) ListJobs(ctx context.Context) ([]datatypes.QueueJob, error) {
	var jobs []datatypes.QueueJob
	err := s.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var e error
		jobs, e = listJSON[datatypes.QueueJob](txn, prefixJob)
		return e
	})
	return jobs, err
}

// =============================================================================
// Activity archive (durable half)
// =============================================================================

// AppendActivity durably records one activity entry.
func (s *Store) AppendActivity(ctx context.Context, entry *datatypes.ActivityEntry) error {
	key := fmt.Sprintf("%s%s/%s", prefixActivity, entry.TaskID, s.nextSeqKey())
	return s.WithTxn(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, key, entry)
	})
}

// ListActivity returns up to limit of a task's most recent entries in
// chronological order. limit <= 0 means all.
func (s *Store) ListActivity(ctx context.Context, taskID string, limit int) ([]datatypes.ActivityEntry, error) {
	var entries []datatypes.ActivityEntry
	err := s.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var e error
		entries, e = listJSON[datatypes.ActivityEntry](txn, prefixActivity+taskID+"/")
		return e
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
