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

// ApprovalDecision is a human reviewer's answer to a checkpoint.
type ApprovalDecision string

const (
	// DecisionApprove accepts the presented payload as-is.
	DecisionApprove ApprovalDecision = "approve"

	// DecisionRequestChanges sends feedback back to the producing phase
	// for another iteration.
	DecisionRequestChanges ApprovalDecision = "request_changes"

	// DecisionReject aborts the work the checkpoint guards.
	DecisionReject ApprovalDecision = "reject"
)

// Valid reports whether the decision is a recognized value.
func (d ApprovalDecision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionRequestChanges, DecisionReject:
		return true
	default:
		return false
	}
}

// ApprovalEventKind distinguishes audit log rows.
type ApprovalEventKind string

const (
	ApprovalRequested ApprovalEventKind = "requested"
	ApprovalResolved  ApprovalEventKind = "resolved"
	ApprovalTimedOut  ApprovalEventKind = "timed_out"
	ApprovalCancelled ApprovalEventKind = "cancelled"
)

// ApprovalLogEntry is one row of the approval audit trail. The request
// row is durably written before the checkpoint is surfaced to clients,
// so every decision is attributable even across a crash.
type ApprovalLogEntry struct {
	// ID is the unique row identifier.
	ID string `json:"id"`

	// TaskID is the owning task.
	TaskID string `json:"task_id"`

	// CheckpointName identifies the rendezvous point within the task
	// (e.g. "plan_review", "story_review:3").
	CheckpointName string `json:"checkpoint_name"`

	// Kind is what happened: requested, resolved, timed_out, cancelled.
	Kind ApprovalEventKind `json:"kind"`

	// Decision is set on resolved rows.
	Decision ApprovalDecision `json:"decision,omitempty"`

	// Feedback is the reviewer's free-form comment, if any.
	Feedback string `json:"feedback,omitempty"`

	// ResolvedBy identifies the reviewer on resolved rows.
	ResolvedBy string `json:"resolved_by,omitempty"`

	// PayloadExcerpt is the first 500 characters of the presented payload.
	PayloadExcerpt string `json:"payload_excerpt,omitempty"`

	// Timestamp (Unix milliseconds UTC).
	Timestamp int64 `json:"timestamp"`
}
