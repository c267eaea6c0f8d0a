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
	"github.com/AleutianAI/AleutianForge/services/conductor/workspace"
)

// MergeResult is the merge phase's approved payload.
type MergeResult struct {
	PullRequests []datatypes.PullRequestRef `json:"pull_requests"`
	Merged       bool                       `json:"merged"`
}

// Merge opens one pull request per repository that has commits on the
// working branch, then either auto-merges or suspends on a merge
// checkpoint.
type Merge struct{}

func (m *Merge) Name() datatypes.PhaseName { return datatypes.PhaseMerge }

func (m *Merge) Execute(ctx context.Context, d *Deps, s *State) (json.RawMessage, error) {
	var prs []datatypes.PullRequestRef
	var specs []workspace.PullRequestSpec

	for _, repo := range s.Task.Repositories {
		dir, ok := s.RepoDirs[repo.Name]
		if !ok {
			continue
		}
		base := repo.DefaultBranch
		if base == "" {
			base = "main"
		}
		ahead, err := d.Workspace.CommitsAhead(ctx, dir, "origin/"+base)
		if err != nil {
			return nil, fmt.Errorf("commits ahead in %s: %w", repo.Name, err)
		}
		if ahead == 0 {
			continue
		}

		spec := workspace.PullRequestSpec{
			RepoName: repo.Name,
			CloneURL: repo.CloneURL,
			Branch:   s.BranchName,
			Base:     base,
			Title:    s.Task.Title,
			Body:     mergeBody(s),
		}
		pr, err := d.Workspace.OpenPullRequest(ctx, s.Credential, spec)
		if err != nil {
			return nil, fmt.Errorf("open pull request for %s: %w", repo.Name, err)
		}
		prs = append(prs, datatypes.PullRequestRef{
			RepoName: repo.Name,
			Number:   pr.Number,
			URL:      pr.URL,
		})
		specs = append(specs, spec)
		d.recordActivity(ctx, s, datatypes.ActivityEntry{
			Type:    datatypes.ActivityInfo,
			Phase:   datatypes.PhaseMerge,
			Content: fmt.Sprintf("opened pull request %s#%d", repo.Name, pr.Number),
			Details: map[string]string{"url": pr.URL},
		})
	}

	merged := false
	if len(prs) > 0 {
		if d.Config.AutoMerge {
			merged = true
			for i := range prs {
				ok, err := d.Workspace.MergePullRequest(ctx, s.Credential, specs[i], prs[i].Number)
				if err != nil {
					return nil, fmt.Errorf("merge %s#%d: %w", prs[i].RepoName, prs[i].Number, err)
				}
				prs[i].Merged = ok
				merged = merged && ok
			}
		} else if d.Config.ApprovalMode == ModeManual {
			payload, err := json.Marshal(map[string]any{"pull_requests": prs})
			if err != nil {
				return nil, err
			}
			res, err := d.requestApproval(ctx, s, "merge", datatypes.PhaseMerge, "", string(payload))
			if err != nil {
				return nil, fmt.Errorf("merge approval: %w", err)
			}
			if res.Decision == datatypes.DecisionReject {
				return nil, fmt.Errorf("%w: merge rejected", ErrRejected)
			}
			// Approve and request_changes both leave the PRs open for
			// the reviewer to merge by hand.
		}
	}

	if _, err := d.Store.UpdateTask(ctx, s.Task.ID, func(t *datatypes.Task) error {
		t.PullRequests = prs
		return nil
	}); err != nil {
		return nil, fmt.Errorf("record pull requests: %w", err)
	}

	return json.Marshal(MergeResult{PullRequests: prs, Merged: merged})
}

func mergeBody(s *State) string {
	body := s.Task.Description
	if raw, ok := s.Payloads[datatypes.PhaseAnalysis]; ok {
		var ar AnalysisResult
		if err := json.Unmarshal(raw, &ar); err == nil && ar.Analysis.Summary != "" {
			body = ar.Analysis.Summary
		}
	}
	return body
}
