// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package phases implements the pipeline stages a task is driven
// through: planning, analysis, developer, test generation, merge, and
// global scan. Each phase is a pure driver over the agent client, the
// approval broker, the security observer, and the workspace
// coordinator; the orchestrator in the engine package owns all task
// state transitions.
package phases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/services/conductor/agentclient"
	"github.com/AleutianAI/AleutianForge/services/conductor/approval"
	"github.com/AleutianAI/AleutianForge/services/conductor/bus"
	"github.com/AleutianAI/AleutianForge/services/conductor/clock"
	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
	"github.com/AleutianAI/AleutianForge/services/conductor/observer"
	"github.com/AleutianAI/AleutianForge/services/conductor/store"
	"github.com/AleutianAI/AleutianForge/services/conductor/vault"
	"github.com/AleutianAI/AleutianForge/services/conductor/workspace"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrRejected means a reviewer explicitly rejected a checkpoint.
	ErrRejected = errors.New("phase: rejected by reviewer")

	// ErrPolicyBlocked means the observer raised a hard-blocking
	// finding and the phase honors the block.
	ErrPolicyBlocked = errors.New("phase: blocked by security policy")
)

// ApprovalMode selects how checkpoints are resolved.
type ApprovalMode string

const (
	// ModeAutomatic resolves every checkpoint as approved without
	// waiting for a reviewer.
	ModeAutomatic ApprovalMode = "automatic"

	// ModeManual suspends on the approval broker.
	ModeManual ApprovalMode = "manual"
)

// =============================================================================
// Configuration
// =============================================================================

// Config carries the tunables phases consume. Zero values fall back to
// the documented defaults.
type Config struct {
	// ApprovalMode defaults to manual.
	ApprovalMode ApprovalMode

	// ApprovalTimeout bounds each checkpoint wait. Zero waits forever.
	ApprovalTimeout time.Duration

	// MaxFeedbackRounds caps request_changes rounds per checkpoint.
	// Default 3.
	MaxFeedbackRounds int

	// IdleTimeout is the agent idle-wait safety net. Default 30m.
	IdleTimeout time.Duration

	// DeveloperMaxIterations bounds the dev/judge/fix loop. Default 3.
	DeveloperMaxIterations int

	// PlanningMaxJudgeIterations bounds planning's judge loop. Default 3.
	PlanningMaxJudgeIterations int

	// TestGenMaxIterations bounds test generation retries. Default 3.
	TestGenMaxIterations int

	// SkipPlanningForSimpleTasks lets simple tasks bypass planning.
	SkipPlanningForSimpleTasks bool

	// SkipTestGeneration bypasses the test generation phase.
	SkipTestGeneration bool

	// AutoMerge merges PRs without a merge checkpoint.
	AutoMerge bool

	// Scan bounds workspace and global scans.
	Scan observer.ScanOptions
}

func (c Config) withDefaults() Config {
	if c.ApprovalMode == "" {
		c.ApprovalMode = ModeManual
	}
	if c.MaxFeedbackRounds <= 0 {
		c.MaxFeedbackRounds = 3
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.DeveloperMaxIterations <= 0 {
		c.DeveloperMaxIterations = 3
	}
	if c.PlanningMaxJudgeIterations <= 0 {
		c.PlanningMaxJudgeIterations = 3
	}
	if c.TestGenMaxIterations <= 0 {
		c.TestGenMaxIterations = 3
	}
	return c
}

// =============================================================================
// Dependencies and accumulated state
// =============================================================================

// SessionRegistry tracks the live agent session per task so
// cancellation can abort it from outside the worker.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]string
}

// NewSessionRegistry builds an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: map[string]string{}}
}

// Set records the task's active session.
func (r *SessionRegistry) Set(taskID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[taskID] = sessionID
}

// Clear drops the task's active session.
func (r *SessionRegistry) Clear(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, taskID)
}

// Get returns the task's active session, if any.
func (r *SessionRegistry) Get(taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.sessions[taskID]
	return id, ok
}

// Deps bundles everything a phase may touch. Built once by the engine
// and shared across phases of one task execution.
type Deps struct {
	Store     *store.Store
	Agent     agentclient.Client
	Broker    *approval.Broker
	Observer  *observer.Analyzer
	Workspace *workspace.Coordinator
	Vault     vault.Vault
	Archive   *bus.Archive
	Judge     Judge
	Clock     clock.Clock
	Logger    *logging.Logger
	Sessions  *SessionRegistry
	Config    Config
}

func (d *Deps) clk() clock.Clock {
	if d.Clock == nil {
		return clock.Real{}
	}
	return d.Clock
}

// State is the accumulated execution context handed from phase to
// phase. The engine seeds it from the task's resume fields; phases add
// to it as they complete.
type State struct {
	// Task is the task under execution. Phases read it; only the
	// engine writes it back.
	Task *datatypes.Task

	// Credential is the user's git hosting credential. Never logged.
	Credential string

	// RepoDirs maps repository name to its checkout directory.
	RepoDirs map[string]string

	// BranchName is set by analysis (or restored from the task).
	BranchName string

	// Stories are the analysis output (or restored from the store).
	Stories []datatypes.Story

	// ResumeFromStoryIndex is the first story developer must run.
	ResumeFromStoryIndex int

	// EnrichedPrompt is planning's rewrite of the task description.
	EnrichedPrompt string

	// Payloads are the approved payloads of completed phases.
	Payloads map[datatypes.PhaseName]json.RawMessage
}

// Prompt returns the task description developer-facing phases should
// work from: planning's enriched prompt when present.
func (s *State) Prompt() string {
	if s.EnrichedPrompt != "" {
		return s.EnrichedPrompt
	}
	return s.Task.Description
}

// RepoOrder returns repository names in the task's declared order.
func (s *State) RepoOrder() []string {
	names := make([]string, 0, len(s.Task.Repositories))
	for _, r := range s.Task.Repositories {
		names = append(names, r.Name)
	}
	return names
}

// Phase is one stage of the pipeline. Execute returns the approved
// payload that is checkpointed into completed_phases.
type Phase interface {
	Name() datatypes.PhaseName
	Execute(ctx context.Context, d *Deps, s *State) (json.RawMessage, error)
}

// Pipeline returns the canonical phase sequence.
func Pipeline() []Phase {
	return []Phase{
		&Planning{},
		&Analysis{},
		&Developer{},
		&TestGeneration{},
		&Merge{},
		&GlobalScan{},
	}
}

// =============================================================================
// Agent turn plumbing
// =============================================================================

const promptExcerptLen = 500

// turnSpec describes one prompt/wait exchange with the code agent.
type turnSpec struct {
	SessionID string
	Role      string
	Prompt    string
	Phase     datatypes.PhaseName
	StoryID   string
	Attempt   int
}

// turnResult is everything one exchange produced.
type turnResult struct {
	Idle            *agentclient.IdleResult
	Execution       *datatypes.AgentExecution
	Vulnerabilities []datatypes.Vulnerability
}

// Blocked returns the blocking findings in the turn, if any.
func (t *turnResult) Blocked() []datatypes.Vulnerability {
	var out []datatypes.Vulnerability
	for _, v := range t.Vulnerabilities {
		if v.Blocked {
			out = append(out, v)
		}
	}
	return out
}

// runTurn sends one prompt and waits for idle, feeding every streamed
// event to the security observer in arrival order, persisting tool
// calls, and recording the execution with its usage figures.
func (d *Deps) runTurn(ctx context.Context, s *State, spec turnSpec) (*turnResult, error) {
	attempt := spec.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	exec := &datatypes.AgentExecution{
		ID:            uuid.NewString(),
		TaskID:        s.Task.ID,
		Phase:         spec.Phase,
		Attempt:       attempt,
		SessionID:     spec.SessionID,
		Role:          spec.Role,
		PromptExcerpt: truncate(spec.Prompt, promptExcerptLen),
		Status:        datatypes.ExecutionRunning,
		StartedAt:     d.clk().NowUnixMilli(),
	}
	if err := d.Store.PutExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}

	if err := d.Agent.SendPrompt(ctx, spec.SessionID, spec.Prompt, agentclient.PromptOptions{Role: spec.Role}); err != nil {
		d.finishExecution(ctx, exec, datatypes.ExecutionFailed, err)
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	obsCtx := observer.Context{
		TaskID:    s.Task.ID,
		SessionID: spec.SessionID,
		Phase:     spec.Phase,
		StoryID:   spec.StoryID,
	}
	collector := newToolCallCollector(d, exec)
	var vulns []datatypes.Vulnerability

	idle, err := d.Agent.WaitForIdle(ctx, spec.SessionID, agentclient.WaitOptions{
		Timeout: d.Config.IdleTimeout,
		OnEvent: func(ev agentclient.Event) {
			collector.observe(ctx, ev)
			vulns = append(vulns, d.Observer.HandleEvent(obsCtx, ev)...)
		},
	})
	collector.flush(ctx)
	if err != nil {
		status := datatypes.ExecutionFailed
		if errors.Is(err, agentclient.ErrSessionAborted) {
			status = datatypes.ExecutionAborted
		}
		d.finishExecution(ctx, exec, status, err)
		return nil, err
	}

	exec.FinalOutput = idle.FinalOutput
	exec.InputTokens = idle.InputTokens
	exec.OutputTokens = idle.OutputTokens
	exec.CostUSD = idle.CostUSD
	d.finishExecution(ctx, exec, datatypes.ExecutionCompleted, nil)

	for i := range vulns {
		if err := d.Store.AppendVulnerability(ctx, &vulns[i]); err != nil {
			d.Logger.Warn("failed to persist vulnerability",
				"task_id", s.Task.ID, "type", vulns[i].Type, "error", err.Error())
		}
	}

	return &turnResult{Idle: idle, Execution: exec, Vulnerabilities: vulns}, nil
}

func (d *Deps) finishExecution(ctx context.Context, exec *datatypes.AgentExecution, status datatypes.ExecutionStatus, cause error) {
	exec.Status = status
	exec.EndedAt = d.clk().NowUnixMilli()
	exec.DurationMs = exec.EndedAt - exec.StartedAt
	if cause != nil {
		exec.Error = cause.Error()
	}
	if err := d.Store.PutExecution(ctx, exec); err != nil {
		d.Logger.Warn("failed to finalize execution record",
			"execution_id", exec.ID, "error", err.Error())
	}
}

// openSession creates an agent session, registers it for cancellation,
// and returns a closer that aborts registration and deletes it.
func (d *Deps) openSession(ctx context.Context, s *State, title, dir string) (string, func(), error) {
	sessionID, err := d.Agent.CreateSession(ctx, agentclient.SessionSpec{
		Title:       title,
		Directory:   dir,
		AutoApprove: true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("create session: %w", err)
	}
	if d.Sessions != nil {
		d.Sessions.Set(s.Task.ID, sessionID)
	}
	closer := func() {
		if d.Sessions != nil {
			d.Sessions.Clear(s.Task.ID)
		}
		// Best effort; server-side GC handles stragglers.
		_ = d.Agent.DeleteSession(context.WithoutCancel(ctx), sessionID)
	}
	return sessionID, closer, nil
}

// =============================================================================
// Tool call persistence
// =============================================================================

// toolCallCollector pairs before/after events into durable ToolCall
// rows. Rows are written on the after event; calls whose after never
// arrives are flushed at end of turn.
type toolCallCollector struct {
	d       *Deps
	exec    *datatypes.AgentExecution
	open    map[string]*datatypes.ToolCall
	order   []string
	written int
}

func newToolCallCollector(d *Deps, exec *datatypes.AgentExecution) *toolCallCollector {
	return &toolCallCollector{d: d, exec: exec, open: map[string]*datatypes.ToolCall{}}
}

func (c *toolCallCollector) observe(ctx context.Context, ev agentclient.Event) {
	switch ev.Type {
	case agentclient.EventToolBefore:
		input, _ := json.Marshal(ev.Properties.Args)
		call := &datatypes.ToolCall{
			ID:          uuid.NewString(),
			ExecutionID: c.exec.ID,
			Turn:        ev.Properties.Turn,
			Tool:        ev.Properties.Tool,
			ToolUseID:   ev.Properties.CallID,
			Input:       string(input),
			FilePath:    firstString(ev.Properties.Args, "file_path", "path"),
			Command:     firstString(ev.Properties.Args, "command"),
			CallOrder:   c.written + len(c.open),
			StartedAt:   c.d.clk().NowUnixMilli(),
		}
		key := ev.Properties.CallID
		if key == "" {
			key = call.ID
		}
		c.open[key] = call
		c.order = append(c.order, key)

	case agentclient.EventToolAfter:
		key := ev.Properties.CallID
		call, ok := c.open[key]
		if !ok {
			return
		}
		delete(c.open, key)
		call.Output = truncate(ev.Properties.Result, 4096)
		call.Success = ev.Properties.Success
		call.DurationMs = c.d.clk().NowUnixMilli() - call.StartedAt
		c.write(ctx, call)
	}
}

// flush persists calls that never saw an after event.
func (c *toolCallCollector) flush(ctx context.Context) {
	for _, key := range c.order {
		if call, ok := c.open[key]; ok {
			delete(c.open, key)
			c.write(ctx, call)
		}
	}
}

func (c *toolCallCollector) write(ctx context.Context, call *datatypes.ToolCall) {
	if err := c.d.Store.AppendToolCall(ctx, call); err != nil {
		c.d.Logger.Warn("failed to persist tool call",
			"execution_id", c.exec.ID, "tool", call.Tool, "error", err.Error())
		return
	}
	c.written++
}

// =============================================================================
// Checkpoints
// =============================================================================

// checkpointOutcome is the result of one approval round.
type checkpointOutcome struct {
	Resolution approval.Resolution
	Rounds     int
}

// requestApproval suspends on the broker for one checkpoint round. In
// automatic mode it approves immediately without touching the broker.
func (d *Deps) requestApproval(ctx context.Context, s *State, checkpoint string, phase datatypes.PhaseName, storyID, payload string) (approval.Resolution, error) {
	if d.Config.ApprovalMode == ModeAutomatic {
		return approval.Resolution{Decision: datatypes.DecisionApprove, ResolvedBy: "auto"}, nil
	}

	// Reflect the suspension in the task lifecycle so reconnecting
	// clients and crash recovery see it. Best effort: a failed flip
	// must not lose the rendezvous.
	if _, err := d.Store.TransitionStatus(ctx, s.Task.ID, datatypes.TaskStatusWaitingForApproval); err != nil {
		d.Logger.Debug("status flip to waiting_for_approval failed",
			"task_id", s.Task.ID, "error", err.Error())
	}
	res, err := d.Broker.Request(ctx, approval.Request{
		TaskID:         s.Task.ID,
		CheckpointName: checkpoint,
		Phase:          phase,
		StoryID:        storyID,
		Payload:        payload,
		Timeout:        d.Config.ApprovalTimeout,
	})
	if err == nil {
		if _, terr := d.Store.TransitionStatus(ctx, s.Task.ID, datatypes.TaskStatusRunning); terr != nil {
			d.Logger.Debug("status flip back to running failed",
				"task_id", s.Task.ID, "error", terr.Error())
		}
	}
	return res, err
}

// recordActivity appends one entry to the archive, filling task id.
func (d *Deps) recordActivity(ctx context.Context, s *State, entry datatypes.ActivityEntry) {
	if d.Archive == nil {
		return
	}
	entry.TaskID = s.Task.ID
	if err := d.Archive.Record(ctx, entry); err != nil {
		d.Logger.Debug("activity record failed", "task_id", s.Task.ID, "error", err.Error())
	}
}

// =============================================================================
// Small helpers
// =============================================================================

// extractJSON pulls the first JSON object out of agent output that may
// be wrapped in prose or a markdown fence.
func extractJSON(out string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(out)
	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			trimmed = strings.TrimSpace(rest[:end])
		}
	}
	start := strings.IndexByte(trimmed, '{')
	if start < 0 {
		return nil, fmt.Errorf("no JSON object in agent output")
	}
	dec := json.NewDecoder(strings.NewReader(trimmed[start:]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse agent JSON: %w", err)
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func firstString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k].(string); ok {
			return v
		}
	}
	return ""
}

// fatalBlockCategories are the finding categories whose blocked
// verdict a phase must honor as a hard stop.
var fatalBlockCategories = map[datatypes.ThreatCategory]bool{
	datatypes.CategoryDangerousCommand: true,
	datatypes.CategoryNetworkAttack:    true,
	datatypes.CategoryContainerEscape:  true,
}

// fatalBlock returns the first finding that hard-blocks the phase.
func fatalBlock(vulns []datatypes.Vulnerability) *datatypes.Vulnerability {
	for i := range vulns {
		if vulns[i].Blocked && fatalBlockCategories[vulns[i].Category] {
			return &vulns[i]
		}
	}
	return nil
}
