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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/services/conductor/clock"
	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
	"github.com/AleutianAI/AleutianForge/services/conductor/store"
)

// defaultJobDuration seeds the wait estimate before any job finishes.
const defaultJobDuration = 15 * time.Minute

// durationWindow is how many recent job durations feed the moving
// average.
const durationWindow = 50

// Queue admits tasks, mirrors job state durably, and answers position
// and wait-estimate queries.
//
// Thread Safety: safe for concurrent use.
type Queue struct {
	backend Backend
	store   *store.Store
	clk     clock.Clock
	logger  *logging.Logger

	mu        sync.Mutex
	jobByTask map[string]string
	durations []time.Duration
	workers   map[datatypes.Lane]int
}

// New wires a Queue to its backend and durable mirror.
func New(backend Backend, st *store.Store, clk clock.Clock, logger *logging.Logger) *Queue {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Queue{
		backend:   backend,
		store:     st,
		clk:       clk,
		logger:    logger,
		jobByTask: make(map[string]string),
		workers: map[datatypes.Lane]int{
			datatypes.LaneRegular: 1,
			datatypes.LanePremium: 1,
		},
	}
}

// SetWorkerCounts records pool sizes for wait estimation.
func (q *Queue) SetWorkerCounts(regular, premium int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if regular > 0 {
		q.workers[datatypes.LaneRegular] = regular
	}
	if premium > 0 {
		q.workers[datatypes.LanePremium] = premium
	}
}

// Enqueue admits a pending task into its lane, creates the durable job
// mirror, and moves the task to queued. A task is in at most one lane
// at any instant; enqueueing a task that already has a waiting job is
// an error.
func (q *Queue) Enqueue(ctx context.Context, task *datatypes.Task) (string, error) {
	if !task.Lane.Valid() {
		return "", fmt.Errorf("queue: invalid lane %q", task.Lane)
	}
	if pos, err := q.backend.Position(ctx, task.ID); err != nil {
		return "", Transient(err)
	} else if pos > 0 {
		return "", fmt.Errorf("queue: task %s already waiting", task.ID)
	}

	now := q.clk.NowUnixMilli()
	job := &datatypes.QueueJob{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		Lane:       task.Lane,
		Priority:   task.Priority,
		Attempt:    0,
		State:      datatypes.JobStateWaiting,
		EnqueuedAt: now,
	}
	if err := q.store.PutJob(ctx, job); err != nil {
		return "", Transient(err)
	}
	if err := q.backend.Push(ctx, task.ID, task.Lane, task.Priority, now); err != nil {
		return "", Transient(err)
	}
	if _, err := q.store.TransitionStatus(ctx, task.ID, datatypes.TaskStatusQueued); err != nil {
		return "", err
	}

	q.mu.Lock()
	q.jobByTask[task.ID] = job.ID
	q.mu.Unlock()
	return job.ID, nil
}

// RequeueFront re-admits an interrupted task at the head of its lane.
func (q *Queue) RequeueFront(ctx context.Context, task *datatypes.Task) error {
	now := q.clk.NowUnixMilli()
	job := &datatypes.QueueJob{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		Lane:       task.Lane,
		Priority:   task.Priority,
		Attempt:    0,
		State:      datatypes.JobStateWaiting,
		EnqueuedAt: now,
	}
	if err := q.store.PutJob(ctx, job); err != nil {
		return Transient(err)
	}
	if err := q.backend.PushFront(ctx, task.ID, task.Lane, now); err != nil {
		return Transient(err)
	}
	if _, err := q.store.TransitionStatus(ctx, task.ID, datatypes.TaskStatusQueued); err != nil {
		return err
	}
	q.mu.Lock()
	q.jobByTask[task.ID] = job.ID
	q.mu.Unlock()
	return nil
}

// RemoveWaiting takes a task out of its lane before a worker claims it.
// Returns false when the task was no longer waiting; the caller then
// signals the active worker instead.
func (q *Queue) RemoveWaiting(ctx context.Context, taskID string) (bool, error) {
	removed, err := q.backend.Remove(ctx, taskID)
	if err != nil {
		return false, Transient(err)
	}
	if removed {
		q.updateJob(ctx, taskID, func(j *datatypes.QueueJob) {
			j.State = datatypes.JobStateCompleted
			j.CompletedAt = q.clk.NowUnixMilli()
			j.LastError = "cancelled while waiting"
		})
	}
	return removed, nil
}

// Position returns the 1-based waiting position, or 0 when the task is
// not waiting.
func (q *Queue) Position(ctx context.Context, taskID string) (int, error) {
	pos, err := q.backend.Position(ctx, taskID)
	if err != nil {
		return 0, Transient(err)
	}
	return pos, nil
}

// EstimateWait projects seconds until a newly enqueued job in the lane
// would start, from the moving average of recent job durations and the
// lane's worker count. Regular submissions queue behind all premium
// traffic.
func (q *Queue) EstimateWait(ctx context.Context, lane datatypes.Lane) (int64, error) {
	waiting, err := q.backend.WaitingCount(ctx, lane)
	if err != nil {
		return 0, Transient(err)
	}
	if lane == datatypes.LaneRegular {
		premium, err := q.backend.WaitingCount(ctx, datatypes.LanePremium)
		if err != nil {
			return 0, Transient(err)
		}
		waiting += premium
	}

	q.mu.Lock()
	avg := defaultJobDuration
	if len(q.durations) > 0 {
		var total time.Duration
		for _, d := range q.durations {
			total += d
		}
		avg = total / time.Duration(len(q.durations))
	}
	workers := q.workers[lane]
	q.mu.Unlock()

	if workers <= 0 {
		workers = 1
	}
	est := time.Duration(waiting) * avg / time.Duration(workers)
	return int64(est.Seconds()), nil
}

// RecordDuration feeds a finished job's wall time into the moving
// average.
func (q *Queue) RecordDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.durations = append(q.durations, d)
	if len(q.durations) > durationWindow {
		q.durations = q.durations[len(q.durations)-durationWindow:]
	}
}

// markStarted flips the job mirror to active and bumps the attempt.
func (q *Queue) markStarted(ctx context.Context, taskID string) {
	q.updateJob(ctx, taskID, func(j *datatypes.QueueJob) {
		j.State = datatypes.JobStateActive
		j.Attempt++
		j.StartedAt = q.clk.NowUnixMilli()
	})
}

// markFinished records the job mirror's terminal state.
func (q *Queue) markFinished(ctx context.Context, taskID string, jobErr error) {
	q.updateJob(ctx, taskID, func(j *datatypes.QueueJob) {
		j.CompletedAt = q.clk.NowUnixMilli()
		if jobErr != nil {
			j.State = datatypes.JobStateFailed
			j.LastError = jobErr.Error()
		} else {
			j.State = datatypes.JobStateCompleted
		}
	})
}

func (q *Queue) updateJob(ctx context.Context, taskID string, mutate func(*datatypes.QueueJob)) {
	q.mu.Lock()
	jobID, ok := q.jobByTask[taskID]
	q.mu.Unlock()
	if !ok {
		// Job admitted by a previous process; find the mirror.
		jobs, err := q.store.ListJobs(ctx)
		if err != nil {
			return
		}
		for i := len(jobs) - 1; i >= 0; i-- {
			if jobs[i].TaskID == taskID {
				jobID = jobs[i].ID
				break
			}
		}
		if jobID == "" {
			return
		}
		q.mu.Lock()
		q.jobByTask[taskID] = jobID
		q.mu.Unlock()
	}

	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		if q.logger != nil {
			q.logger.Warn("job mirror load failed", "task_id", taskID, "error", err.Error())
		}
		return
	}
	mutate(job)
	if err := q.store.PutJob(ctx, job); err != nil && q.logger != nil {
		q.logger.Warn("job mirror update failed", "task_id", taskID, "error", err.Error())
	}
}
