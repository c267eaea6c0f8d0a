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

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
)

// AnalysisSummary is the narrative part of the analysis payload.
type AnalysisSummary struct {
	Summary  string   `json:"summary"`
	Approach string   `json:"approach"`
	Risks    []string `json:"risks,omitempty"`
}

// AnalysisResult is the analysis phase's approved payload.
type AnalysisResult struct {
	BranchName string             `json:"branch_name"`
	Stories    []datatypes.Story  `json:"stories"`
	Analysis   AnalysisSummary    `json:"analysis"`
}

// analysisOutput is the shape the agent answers with.
type analysisOutput struct {
	Summary  string   `json:"summary"`
	Approach string   `json:"approach"`
	Risks    []string `json:"risks"`
	Stories  []struct {
		Title              string   `json:"title"`
		Description        string   `json:"description"`
		FilesToModify      []string `json:"files_to_modify"`
		FilesToCreate      []string `json:"files_to_create"`
		FilesToRead        []string `json:"files_to_read"`
		AcceptanceCriteria []string `json:"acceptance_criteria"`
	} `json:"stories"`
}

// Analysis creates the working branch, decomposes the task into
// stories, and requests approval of the breakdown.
type Analysis struct{}

func (a *Analysis) Name() datatypes.PhaseName { return datatypes.PhaseAnalysis }

func (a *Analysis) Execute(ctx context.Context, d *Deps, s *State) (json.RawMessage, error) {
	branch := s.BranchName
	if branch == "" {
		branch = branchName(s.Task)
	}
	for _, repo := range s.Task.Repositories {
		dir, ok := s.RepoDirs[repo.Name]
		if !ok {
			continue
		}
		base := repo.DefaultBranch
		if base == "" {
			base = "main"
		}
		if err := d.Workspace.CreateBranch(ctx, dir, branch, "origin/"+base); err != nil {
			return nil, fmt.Errorf("branch %s in %s: %w", branch, repo.Name, err)
		}
	}

	dir := ""
	for _, v := range s.RepoDirs {
		dir = v
		break
	}
	sessionID, closeSession, err := d.openSession(ctx, s, "analysis: "+s.Task.Title, dir)
	if err != nil {
		return nil, err
	}
	defer closeSession()

	prompt := analysisPrompt(s)
	var result AnalysisResult

	for round := 1; ; round++ {
		turn, err := d.runTurn(ctx, s, turnSpec{
			SessionID: sessionID,
			Role:      "analyst",
			Prompt:    prompt,
			Phase:     datatypes.PhaseAnalysis,
			Attempt:   round,
		})
		if err != nil {
			return nil, err
		}
		if v := fatalBlock(turn.Vulnerabilities); v != nil {
			return nil, fmt.Errorf("%w: %s during analysis", ErrPolicyBlocked, v.Type)
		}

		raw, err := extractJSON(turn.Idle.FinalOutput)
		if err != nil {
			return nil, fmt.Errorf("analysis output: %w", err)
		}
		var out analysisOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("analysis payload: %w", err)
		}
		if len(out.Stories) == 0 {
			return nil, fmt.Errorf("analysis produced no stories")
		}

		result = AnalysisResult{
			BranchName: branch,
			Analysis:   AnalysisSummary{Summary: out.Summary, Approach: out.Approach, Risks: out.Risks},
		}
		result.Stories = result.Stories[:0]
		for i, st := range out.Stories {
			result.Stories = append(result.Stories, datatypes.Story{
				ID:                 uuid.NewString(),
				TaskID:             s.Task.ID,
				Index:              i,
				Title:              st.Title,
				Description:        st.Description,
				FilesToModify:      st.FilesToModify,
				FilesToCreate:      st.FilesToCreate,
				FilesToRead:        st.FilesToRead,
				AcceptanceCriteria: st.AcceptanceCriteria,
				Verdict:            datatypes.VerdictPending,
			})
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		res, err := d.requestApproval(ctx, s, "analysis", datatypes.PhaseAnalysis, "", string(payload))
		if err != nil {
			return nil, fmt.Errorf("analysis approval: %w", err)
		}
		switch res.Decision {
		case datatypes.DecisionApprove:
			for i := range result.Stories {
				if err := d.Store.PutStory(ctx, &result.Stories[i]); err != nil {
					return nil, fmt.Errorf("persist story %d: %w", i, err)
				}
			}
			if _, err := d.Store.UpdateTask(ctx, s.Task.ID, func(t *datatypes.Task) error {
				t.BranchName = branch
				return nil
			}); err != nil {
				return nil, fmt.Errorf("record branch: %w", err)
			}
			s.BranchName = branch
			s.Stories = result.Stories
			return payload, nil
		case datatypes.DecisionReject:
			return nil, fmt.Errorf("%w: analysis rejected", ErrRejected)
		case datatypes.DecisionRequestChanges:
			if round >= d.Config.MaxFeedbackRounds {
				return nil, fmt.Errorf("%w: analysis exhausted %d feedback rounds", ErrRejected, round)
			}
			prompt = fmt.Sprintf("The reviewer requested changes to the breakdown:\n%s\n\nRevise and answer with the same JSON shape.", res.Feedback)
		default:
			return nil, fmt.Errorf("analysis approval: unexpected decision %q", res.Decision)
		}
	}
}

// branchName derives the working branch from the task id.
func branchName(t *datatypes.Task) string {
	id := t.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "forge/task-" + id
}

func analysisPrompt(s *State) string {
	return fmt.Sprintf(`Analyze this coding task and break it into independently reviewable stories.

%s

Answer with a single JSON object:
{"summary": string, "approach": string, "risks": [string],
 "stories": [{"title": string, "description": string,
              "files_to_modify": [string], "files_to_create": [string],
              "files_to_read": [string], "acceptance_criteria": [string]}]}`,
		s.Prompt())
}
