// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agentclient

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedTurn is one prompt/respond exchange a ScriptedClient plays
// back: the events to stream, the final output, and an optional error.
type ScriptedTurn struct {
	Events      []Event
	FinalOutput string
	InputTokens int64
	OutputToken int64
	CostUSD     float64
	Err         error
}

// ScriptedClient is an in-memory Client for tests. Turns are consumed
// in order across all sessions; prompts are recorded for assertions.
//
// Thread Safety: safe for concurrent use.
type ScriptedClient struct {
	mu       sync.Mutex
	turns    []ScriptedTurn
	cursor   int
	nextID   int
	Prompts  []string
	Sessions []SessionSpec
	Aborted  []string
	Deleted  []string
}

// NewScriptedClient builds a client that plays back the given turns.
func NewScriptedClient(turns ...ScriptedTurn) *ScriptedClient {
	return &ScriptedClient{turns: turns}
}

// Enqueue appends more turns to the script.
func (c *ScriptedClient) Enqueue(turns ...ScriptedTurn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, turns...)
}

func (c *ScriptedClient) Connect(context.Context) error { return nil }
func (c *ScriptedClient) Close() error                  { return nil }

func (c *ScriptedClient) CreateSession(_ context.Context, spec SessionSpec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.Sessions = append(c.Sessions, spec)
	return fmt.Sprintf("session-%d", c.nextID), nil
}

func (c *ScriptedClient) SendPrompt(_ context.Context, _, text string, _ PromptOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Prompts = append(c.Prompts, text)
	return nil
}

func (c *ScriptedClient) WaitForIdle(ctx context.Context, sessionID string, opts WaitOptions) (*IdleResult, error) {
	c.mu.Lock()
	if c.cursor >= len(c.turns) {
		c.mu.Unlock()
		return nil, fmt.Errorf("scripted client: no turn for session %s", sessionID)
	}
	turn := c.turns[c.cursor]
	c.cursor++
	c.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}
	result := &IdleResult{
		FinalOutput:  turn.FinalOutput,
		InputTokens:  turn.InputTokens,
		OutputTokens: turn.OutputToken,
		CostUSD:      turn.CostUSD,
	}
	for _, event := range turn.Events {
		if event.SessionID == "" {
			event.SessionID = sessionID
		}
		if opts.OnEvent != nil {
			opts.OnEvent(event)
		}
		result.Events = append(result.Events, event)
	}
	return result, nil
}

func (c *ScriptedClient) AbortSession(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Aborted = append(c.Aborted, sessionID)
	return nil
}

func (c *ScriptedClient) DeleteSession(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Deleted = append(c.Deleted, sessionID)
	return nil
}

// SessionCount reports how many sessions were opened.
func (c *ScriptedClient) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Sessions)
}
