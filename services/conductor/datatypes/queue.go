// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// JobState is the lifecycle state of a queue job.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateDelayed   JobState = "delayed"
)

// QueueJob mirrors the in-queue job in the durable store so queue state
// survives a Redis flush and is inspectable over HTTP.
type QueueJob struct {
	// ID is the unique job identifier.
	ID string `json:"id"`

	// TaskID is the task this job executes. A task has at most one
	// live job at any instant.
	TaskID string `json:"task_id"`

	// Lane is the queue priority class.
	Lane Lane `json:"lane"`

	// Priority orders jobs within the lane; higher first.
	Priority int `json:"priority"`

	// Attempt counts executions of this job, starting at 1.
	Attempt int `json:"attempt"`

	// State is the job lifecycle state.
	State JobState `json:"state"`

	// LastError records the most recent failure, if any.
	LastError string `json:"last_error,omitempty"`

	// EnqueuedAt / StartedAt / CompletedAt (Unix milliseconds UTC).
	EnqueuedAt  int64 `json:"enqueued_at"`
	StartedAt   int64 `json:"started_at,omitempty"`
	CompletedAt int64 `json:"completed_at,omitempty"`
}
