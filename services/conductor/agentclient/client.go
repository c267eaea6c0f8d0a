// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agentclient talks to the external code-agent service: open a
// session, send a prompt, stream the agent's tool events, and block
// until it returns to idle.
//
// The event shapes here are the contract the security observer and the
// phases consume; the transport behind the Client interface is
// replaceable.
package agentclient

import (
	"context"
	"errors"
	"time"
)

// Event types delivered by the code agent.
const (
	EventToolBefore  = "tool.execute.before"
	EventToolAfter   = "tool.execute.after"
	EventMessagePart = "message.part.updated"
)

// ErrIdleTimeout means the agent did not return to idle within the
// safety window. Treated as a fatal phase error.
var ErrIdleTimeout = errors.New("agentclient: idle wait timed out")

// ErrSessionAborted means the session was aborted while waiting.
var ErrSessionAborted = errors.New("agentclient: session aborted")

// EventProperties carries the payload of one agent event. Which fields
// are set depends on the event type.
type EventProperties struct {
	// Tool is the tool name for tool.execute.* events.
	Tool string `json:"tool,omitempty"`

	// CallID is the agent's opaque identifier for a tool invocation.
	// The before and after events of one invocation share it.
	CallID string `json:"call_id,omitempty"`

	// Turn is the conversation turn the event belongs to.
	Turn int `json:"turn,omitempty"`

	// Args is the serialized tool input for tool.execute.before.
	Args map[string]any `json:"args,omitempty"`

	// Result is the serialized tool output for tool.execute.after.
	Result string `json:"result,omitempty"`

	// Success reports tool outcome for tool.execute.after.
	Success bool `json:"success,omitempty"`

	// Part is the text fragment for message.part.updated.
	Part string `json:"part,omitempty"`
}

// Event is one entry of the agent's event stream.
type Event struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	Properties EventProperties `json:"properties"`
	Timestamp  int64           `json:"timestamp,omitempty"`
}

// SessionSpec describes a new agent session.
type SessionSpec struct {
	// Title labels the session in the agent service.
	Title string

	// Directory is the working tree the agent operates in.
	Directory string

	// AutoApprove lets the agent run tools without per-call consent.
	AutoApprove bool
}

// PromptOptions tunes one prompt.
type PromptOptions struct {
	// Role tags the prompt's purpose ("developer", "judge", "planner").
	Role string
}

// WaitOptions bounds an idle wait.
type WaitOptions struct {
	// Timeout is the outer safety net. Zero falls back to the client's
	// configured default.
	Timeout time.Duration

	// OnEvent, when set, receives each event as it arrives, before the
	// idle result is assembled. Used to feed the security observer in
	// arrival order.
	OnEvent func(Event)
}

// IdleResult is everything the agent produced between a prompt and the
// next idle.
type IdleResult struct {
	// Events are the streamed events in arrival order.
	Events []Event

	// FinalOutput is the agent's final textual answer.
	FinalOutput string

	// InputTokens / OutputTokens / CostUSD are usage figures reported
	// by the agent service for this exchange.
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Client is the narrow interface phases drive. Implementations must be
// safe for concurrent use across sessions; per-session calls are
// sequential (prompt, then wait).
type Client interface {
	// Connect establishes the transport. Idempotent.
	Connect(ctx context.Context) error

	// CreateSession opens a session and returns its id.
	CreateSession(ctx context.Context, spec SessionSpec) (string, error)

	// SendPrompt submits text to the session.
	SendPrompt(ctx context.Context, sessionID, text string, opts PromptOptions) error

	// WaitForIdle blocks until the agent finishes responding, the
	// timeout fires, or the session aborts.
	WaitForIdle(ctx context.Context, sessionID string, opts WaitOptions) (*IdleResult, error)

	// AbortSession interrupts whatever the session is doing.
	AbortSession(ctx context.Context, sessionID string) error

	// DeleteSession discards the session and its server-side state.
	DeleteSession(ctx context.Context, sessionID string) error

	// Close tears down the transport.
	Close() error
}
