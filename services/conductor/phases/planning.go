// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package phases

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
)

// PlanningResult is the planning phase's approved payload.
type PlanningResult struct {
	Clarifications []string `json:"clarifications,omitempty"`
	UXFlows        []string `json:"ux_flows,omitempty"`
	PlannedTasks   []string `json:"planned_tasks,omitempty"`
	EnrichedPrompt string   `json:"enriched_prompt"`
}

// simpleTaskDescriptionLimit is the complexity rubric's length cutoff.
const simpleTaskDescriptionLimit = 200

// IsSimpleTask is the complexity rubric: short single-repo tasks skip
// planning when the skip flag is set.
func IsSimpleTask(t *datatypes.Task) bool {
	return len(t.Description) < simpleTaskDescriptionLimit && len(t.Repositories) <= 1
}

// Planning derives clarifications, UX flows, a task breakdown, and an
// enriched prompt from the raw task description, runs an internal
// judge-and-fix loop, then requests approval of the plan.
type Planning struct{}

func (p *Planning) Name() datatypes.PhaseName { return datatypes.PhasePlanning }

func (p *Planning) Execute(ctx context.Context, d *Deps, s *State) (json.RawMessage, error) {
	dir := ""
	for _, v := range s.RepoDirs {
		dir = v
		break
	}
	sessionID, closeSession, err := d.openSession(ctx, s, "planning: "+s.Task.Title, dir)
	if err != nil {
		return nil, err
	}
	defer closeSession()

	prompt := planningPrompt(s.Task)
	var plan PlanningResult

	// Judge-and-fix loop: the plan must satisfy the internal judge
	// before a human ever sees it.
	for i := 1; i <= d.Config.PlanningMaxJudgeIterations; i++ {
		turn, err := d.runTurn(ctx, s, turnSpec{
			SessionID: sessionID,
			Role:      "planner",
			Prompt:    prompt,
			Phase:     datatypes.PhasePlanning,
			Attempt:   i,
		})
		if err != nil {
			return nil, err
		}
		if v := fatalBlock(turn.Vulnerabilities); v != nil {
			return nil, fmt.Errorf("%w: %s during planning", ErrPolicyBlocked, v.Type)
		}

		raw, err := extractJSON(turn.Idle.FinalOutput)
		if err != nil {
			return nil, fmt.Errorf("planning output: %w", err)
		}
		if err := json.Unmarshal(raw, &plan); err != nil {
			return nil, fmt.Errorf("planning payload: %w", err)
		}
		if plan.EnrichedPrompt == "" {
			plan.EnrichedPrompt = s.Task.Description
		}

		verdict, err := d.Judge.Evaluate(ctx, JudgeRequest{
			System:  "You review an implementation plan for a coding task. Judge whether the breakdown is complete and the enriched prompt is actionable.",
			Content: string(raw),
		})
		if err != nil {
			return nil, fmt.Errorf("planning judge: %w", err)
		}
		if verdict.Approved {
			break
		}
		if i == d.Config.PlanningMaxJudgeIterations {
			d.Logger.Warn("planning judge never approved, proceeding with last plan",
				"task_id", s.Task.ID, "iterations", i)
			break
		}
		prompt = fmt.Sprintf("A reviewer raised issues with the plan:\n%s\n\nRevise the plan and answer with the same JSON shape.", verdict.Feedback)
	}

	payload, err := p.approve(ctx, d, s, &plan)
	if err != nil {
		return nil, err
	}
	s.EnrichedPrompt = plan.EnrichedPrompt
	return payload, nil
}

// approve runs the checkpoint loop, feeding request_changes rounds
// back through a lightweight revision turn.
func (p *Planning) approve(ctx context.Context, d *Deps, s *State, plan *PlanningResult) (json.RawMessage, error) {
	for round := 1; ; round++ {
		payload, err := json.Marshal(plan)
		if err != nil {
			return nil, err
		}
		res, err := d.requestApproval(ctx, s, "planning", datatypes.PhasePlanning, "", string(payload))
		if err != nil {
			return nil, fmt.Errorf("planning approval: %w", err)
		}
		switch res.Decision {
		case datatypes.DecisionApprove:
			return payload, nil
		case datatypes.DecisionReject:
			return nil, fmt.Errorf("%w: planning plan rejected", ErrRejected)
		case datatypes.DecisionRequestChanges:
			if round >= d.Config.MaxFeedbackRounds {
				return nil, fmt.Errorf("%w: planning exhausted %d feedback rounds", ErrRejected, round)
			}
			// Fold reviewer feedback into the enriched prompt; the
			// downstream phases see the amended intent.
			plan.Clarifications = append(plan.Clarifications, res.Feedback)
			plan.EnrichedPrompt = fmt.Sprintf("%s\n\nReviewer note: %s", plan.EnrichedPrompt, res.Feedback)
		default:
			return nil, fmt.Errorf("planning approval: unexpected decision %q", res.Decision)
		}
	}
}

func planningPrompt(t *datatypes.Task) string {
	return fmt.Sprintf(`You are planning a coding task before implementation.

Title: %s

Description:
%s

Assess the task, raise clarifying questions and answer them yourself from the
available context, sketch the user-visible flows, and break the work into
concrete sub-tasks. Then rewrite the description into a precise, self-contained
implementation prompt.

Answer with a single JSON object:
{"clarifications": [string], "ux_flows": [string], "planned_tasks": [string], "enriched_prompt": string}`,
		t.Title, t.Description)
}
