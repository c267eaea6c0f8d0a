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

// ExecutionStatus is the lifecycle state of an agent execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionAborted   ExecutionStatus = "aborted"
)

// AgentExecution records one code-agent session driven by a phase.
// There is one per (task, phase, attempt).
type AgentExecution struct {
	// ID is the unique execution identifier.
	ID string `json:"id"`

	// TaskID is the owning task.
	TaskID string `json:"task_id"`

	// Phase is the phase that drove this execution.
	Phase PhaseName `json:"phase"`

	// Attempt counts retries of the same phase, starting at 1.
	Attempt int `json:"attempt"`

	// SessionID is the code-agent session identifier.
	SessionID string `json:"session_id,omitempty"`

	// Role tags the agent's role for this execution (e.g. "developer",
	// "judge", "planner").
	Role string `json:"role,omitempty"`

	// PromptExcerpt is the first 500 characters of the prompt.
	PromptExcerpt string `json:"prompt_excerpt,omitempty"`

	// FinalOutput is the agent's final textual output.
	FinalOutput string `json:"final_output,omitempty"`

	// InputTokens / OutputTokens are token counts reported by the agent.
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`

	// CostUSD is the dollar cost of this execution.
	CostUSD float64 `json:"cost_usd"`

	// DurationMs is the wall-clock duration.
	DurationMs int64 `json:"duration_ms"`

	// Status is the execution outcome.
	Status ExecutionStatus `json:"status"`

	// Error is set when Status is failed or aborted.
	Error string `json:"error,omitempty"`

	// StartedAt / EndedAt (Unix milliseconds UTC).
	StartedAt int64 `json:"started_at"`
	EndedAt   int64 `json:"ended_at,omitempty"`
}

// ToolCall records one tool invocation by the code agent within an
// execution. Tool-call rows are append-only.
type ToolCall struct {
	// ID is the unique record identifier.
	ID string `json:"id"`

	// ExecutionID is the owning agent execution.
	ExecutionID string `json:"execution_id"`

	// Turn is the conversation turn the call occurred in.
	Turn int `json:"turn"`

	// Tool is the tool name ("bash", "read", "write", "edit", ...).
	Tool string `json:"tool"`

	// ToolUseID is the agent's opaque identifier for this invocation.
	// Vulnerability records join against this for causal links.
	ToolUseID string `json:"tool_use_id"`

	// Input is the serialized tool input.
	Input string `json:"input,omitempty"`

	// Output is the serialized tool result.
	Output string `json:"output,omitempty"`

	// Success reports whether the tool call succeeded.
	Success bool `json:"success"`

	// FilePath is extracted from the input when the tool targets a file.
	FilePath string `json:"file_path,omitempty"`

	// Command is extracted from the input for shell tools.
	Command string `json:"command,omitempty"`

	// DurationMs is how long the call took.
	DurationMs int64 `json:"duration_ms"`

	// CallOrder is the call's position within the execution, starting at 0.
	CallOrder int `json:"call_order"`

	// StartedAt (Unix milliseconds UTC).
	StartedAt int64 `json:"started_at"`
}
