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

// ActivityType identifies the kind of activity entry.
type ActivityType string

const (
	ActivityPhaseStart       ActivityType = "phase_start"
	ActivityPhaseComplete    ActivityType = "phase_complete"
	ActivityPhaseFailed      ActivityType = "phase_failed"
	ActivityStoryStart       ActivityType = "story_start"
	ActivityStoryComplete    ActivityType = "story_complete"
	ActivityStoryFailed      ActivityType = "story_failed"
	ActivityToolCall         ActivityType = "tool_call"
	ActivityToolResult       ActivityType = "tool_result"
	ActivityThinking         ActivityType = "thinking"
	ActivityOutput           ActivityType = "output"
	ActivityApprovalRequired ActivityType = "approval_required"
	ActivityError            ActivityType = "error"
	ActivityWarning          ActivityType = "warning"
	ActivityInfo             ActivityType = "info"
)

// HighPriority reports whether the type bypasses delivery batching and
// emits immediately.
func (t ActivityType) HighPriority() bool {
	switch t {
	case ActivityPhaseStart, ActivityPhaseComplete, ActivityPhaseFailed,
		ActivityStoryStart, ActivityStoryComplete, ActivityStoryFailed,
		ActivityApprovalRequired, ActivityError:
		return true
	default:
		return false
	}
}

// Throttled reports whether the type is rate-limited per (task, type)
// before archiving.
func (t ActivityType) Throttled() bool {
	switch t {
	case ActivityToolCall, ActivityThinking, ActivityOutput:
		return true
	default:
		return false
	}
}

// ActivityEntry is one archived activity event. Reconnecting clients
// replay the last K entries; the wire shape is a stable contract.
type ActivityEntry struct {
	// ID is the unique entry identifier.
	ID string `json:"id"`

	// TaskID is the owning task.
	TaskID string `json:"task_id"`

	// Type identifies the kind of entry.
	Type ActivityType `json:"type"`

	// Phase optionally names the phase active when the entry was written.
	Phase PhaseName `json:"phase,omitempty"`

	// StoryID optionally links the entry to a developer story.
	StoryID string `json:"story_id,omitempty"`

	// Content is the human-readable message.
	Content string `json:"content"`

	// Details holds typed supplementary values.
	Details map[string]string `json:"details,omitempty"`

	// Timestamp (Unix milliseconds UTC).
	Timestamp int64 `json:"timestamp"`
}
