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
	"strings"

	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
)

// DeveloperResult is the developer phase's approved payload.
type DeveloperResult struct {
	Stories      []datatypes.Story `json:"stories"`
	TotalCommits int               `json:"total_commits"`
}

// Developer implements stories one at a time with an inner
// dev/judge/scan/fix loop, story-level approval, and commit-or-rollback
// per story.
//
// Rollback invariant: when a story's final verdict is not approved,
// every repository working tree is clean again before the next story
// starts.
type Developer struct{}

func (dev *Developer) Name() datatypes.PhaseName { return datatypes.PhaseDeveloper }

func (dev *Developer) Execute(ctx context.Context, d *Deps, s *State) (json.RawMessage, error) {
	if len(s.Stories) == 0 {
		stories, err := d.Store.ListStories(ctx, s.Task.ID)
		if err != nil {
			return nil, fmt.Errorf("load stories: %w", err)
		}
		s.Stories = stories
	}

	totalCommits := 0
	for i := range s.Stories {
		story := &s.Stories[i]
		if story.Index < s.ResumeFromStoryIndex {
			// Committed (or rolled back) before the crash; counted, not re-run.
			if story.CommitHash != "" {
				totalCommits++
			}
			continue
		}
		commits, err := dev.runStory(ctx, d, s, story)
		if err != nil {
			return nil, err
		}
		totalCommits += commits
	}

	payload, err := json.Marshal(DeveloperResult{Stories: s.Stories, TotalCommits: totalCommits})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// runStory drives one story to a final verdict and persists it.
func (dev *Developer) runStory(ctx context.Context, d *Deps, s *State, story *datatypes.Story) (int, error) {
	story.StartedAt = d.clk().NowUnixMilli()
	d.recordActivity(ctx, s, datatypes.ActivityEntry{
		Type:    datatypes.ActivityStoryStart,
		Phase:   datatypes.PhaseDeveloper,
		StoryID: story.ID,
		Content: story.Title,
	})

	dir := ""
	for _, v := range s.RepoDirs {
		dir = v
		break
	}
	sessionID, closeSession, err := d.openSession(ctx, s,
		fmt.Sprintf("story %d: %s", story.Index, story.Title), dir)
	if err != nil {
		return 0, err
	}
	defer closeSession()

	approved, err := dev.implementLoop(ctx, d, s, story, sessionID)
	if err != nil {
		return 0, err
	}

	if approved {
		approved, err = dev.reviewLoop(ctx, d, s, story, sessionID)
		if err != nil {
			return 0, err
		}
	}

	commits := 0
	if approved {
		commits, err = dev.commitStory(ctx, d, s, story)
		if err != nil {
			return 0, err
		}
		story.Verdict = datatypes.VerdictApproved
	} else {
		if err := dev.rollback(ctx, d, s); err != nil {
			return 0, err
		}
		story.Verdict = datatypes.VerdictRejected
		story.CommitHash = ""
	}

	story.EndedAt = d.clk().NowUnixMilli()
	if err := d.Store.FinishStory(ctx, story); err != nil {
		return 0, fmt.Errorf("finish story %d: %w", story.Index, err)
	}
	d.recordActivity(ctx, s, datatypes.ActivityEntry{
		Type:    datatypes.ActivityStoryComplete,
		Phase:   datatypes.PhaseDeveloper,
		StoryID: story.ID,
		Content: fmt.Sprintf("story %d: %s", story.Index, story.Verdict),
	})
	return commits, nil
}

// implementLoop is DEV -> JUDGE -> OBSERVE -> FIX, bounded by
// DeveloperMaxIterations. Returns whether the judge approved.
func (dev *Developer) implementLoop(ctx context.Context, d *Deps, s *State, story *datatypes.Story, sessionID string) (bool, error) {
	prompt := storyPrompt(s, story)
	for iter := 1; iter <= d.Config.DeveloperMaxIterations; iter++ {
		story.Iterations = iter

		turn, err := d.runTurn(ctx, s, turnSpec{
			SessionID: sessionID,
			Role:      "developer",
			Prompt:    prompt,
			Phase:     datatypes.PhaseDeveloper,
			StoryID:   story.ID,
			Attempt:   iter,
		})
		if err != nil {
			return false, err
		}
		for _, v := range turn.Vulnerabilities {
			story.VulnerabilityIDs = append(story.VulnerabilityIDs, v.ID)
		}
		if v := fatalBlock(turn.Vulnerabilities); v != nil {
			return false, fmt.Errorf("%w: %s in story %d", ErrPolicyBlocked, v.Type, story.Index)
		}

		verdict, err := dev.judgeStory(ctx, d, s, story)
		if err != nil {
			return false, err
		}
		if verdict.Approved {
			// Post-judge workspace scan; findings are recorded but a
			// dirty-tree scan never blocks (see observer package).
			scanFeedback, err := dev.scanChanged(ctx, d, s, story)
			if err != nil {
				return false, err
			}
			if scanFeedback == "" {
				return true, nil
			}
			verdict.Feedback = scanFeedback
		}
		if iter == d.Config.DeveloperMaxIterations {
			return false, nil
		}
		prompt = fmt.Sprintf("The review of your changes found problems:\n%s\n\nFix them in place. Do not start over.", verdict.Feedback)
	}
	return false, nil
}

// judgeStory reviews the story's working-tree diff summary.
func (dev *Developer) judgeStory(ctx context.Context, d *Deps, s *State, story *datatypes.Story) (*JudgeVerdict, error) {
	var summary strings.Builder
	fmt.Fprintf(&summary, "Story: %s\n%s\n\nChanged files:\n", story.Title, story.Description)
	for _, name := range s.RepoOrder() {
		dir := s.RepoDirs[name]
		changes, err := d.Workspace.ChangedFiles(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("diff %s: %w", name, err)
		}
		for _, ch := range changes {
			fmt.Fprintf(&summary, "%s/%s (+%d -%d)\n", name, ch.Path, ch.Additions, ch.Deletions)
		}
	}

	verdict, err := d.Judge.Evaluate(ctx, JudgeRequest{
		System:   "You review the implementation of one story in a larger coding task. Judge whether the changed files plausibly satisfy the story and its acceptance criteria.",
		Content:  summary.String(),
		Criteria: story.AcceptanceCriteria,
	})
	if err != nil {
		return nil, fmt.Errorf("story judge: %w", err)
	}
	return verdict, nil
}

// scanChanged runs the workspace scanner over every repo and returns
// feedback text when high-or-worse findings should go back to the
// agent. Low and medium findings ride along in the record only.
func (dev *Developer) scanChanged(ctx context.Context, d *Deps, s *State, story *datatypes.Story) (string, error) {
	var lines []string
	for _, name := range s.RepoOrder() {
		res, err := d.Observer.ScanWorkspace(ctx, s.Task.ID, s.RepoDirs[name], d.Config.Scan)
		if err != nil {
			return "", fmt.Errorf("scan %s: %w", name, err)
		}
		for _, v := range res.Vulnerabilities {
			story.VulnerabilityIDs = append(story.VulnerabilityIDs, v.ID)
			if err := d.Store.AppendVulnerability(ctx, &v); err != nil {
				d.Logger.Warn("failed to persist scan finding", "task_id", s.Task.ID, "error", err.Error())
			}
			if v.Severity == datatypes.SeverityCritical || v.Severity == datatypes.SeverityHigh {
				lines = append(lines, fmt.Sprintf("%s:%d %s (%s)", v.FilePath, v.LineNumber, v.Type, v.Severity))
			}
		}
	}
	if len(lines) == 0 {
		return "", nil
	}
	return "Security scan flagged the new code:\n" + strings.Join(lines, "\n"), nil
}

// reviewLoop runs story-level approval when the tree is dirty.
// request_changes rounds re-prompt the agent and re-judge; after
// MaxFeedbackRounds without approval the story counts as rejected.
func (dev *Developer) reviewLoop(ctx context.Context, d *Deps, s *State, story *datatypes.Story, sessionID string) (bool, error) {
	dirty, err := dev.anyChanges(ctx, d, s)
	if err != nil {
		return false, err
	}
	if !dirty {
		// Nothing to review; the story resolved without edits.
		return true, nil
	}

	checkpoint := fmt.Sprintf("story-%d", story.Index)
	for round := 1; ; round++ {
		payload, err := dev.reviewPayload(ctx, d, s, story, round)
		if err != nil {
			return false, err
		}
		res, err := d.requestApproval(ctx, s, checkpoint, datatypes.PhaseDeveloper, story.ID, payload)
		if err != nil {
			return false, fmt.Errorf("story %d approval: %w", story.Index, err)
		}
		switch res.Decision {
		case datatypes.DecisionApprove:
			return true, nil
		case datatypes.DecisionReject:
			return false, nil
		case datatypes.DecisionRequestChanges:
			if round >= d.Config.MaxFeedbackRounds {
				return false, nil
			}
			turn, err := d.runTurn(ctx, s, turnSpec{
				SessionID: sessionID,
				Role:      "developer",
				Prompt:    fmt.Sprintf("The reviewer requested changes:\n%s\n\nApply them to your implementation of this story.", res.Feedback),
				Phase:     datatypes.PhaseDeveloper,
				StoryID:   story.ID,
				Attempt:   story.Iterations + round,
			})
			if err != nil {
				return false, err
			}
			if v := fatalBlock(turn.Vulnerabilities); v != nil {
				return false, fmt.Errorf("%w: %s in story %d", ErrPolicyBlocked, v.Type, story.Index)
			}
			if verdict, err := dev.judgeStory(ctx, d, s, story); err != nil {
				return false, err
			} else if !verdict.Approved {
				d.Logger.Warn("judge did not re-approve after reviewer feedback",
					"task_id", s.Task.ID, "story", story.Index, "round", round)
			}
		default:
			return false, fmt.Errorf("story approval: unexpected decision %q", res.Decision)
		}
	}
}

// reviewPayload summarizes the story's pending changes for the reviewer.
func (dev *Developer) reviewPayload(ctx context.Context, d *Deps, s *State, story *datatypes.Story, round int) (string, error) {
	type repoChanges struct {
		Repo    string       `json:"repo"`
		Changes []fileChange `json:"changes"`
	}
	var all []repoChanges
	for _, name := range s.RepoOrder() {
		changes, err := d.Workspace.ChangedFiles(ctx, s.RepoDirs[name])
		if err != nil {
			return "", err
		}
		if len(changes) == 0 {
			continue
		}
		rc := repoChanges{Repo: name}
		for _, ch := range changes {
			rc.Changes = append(rc.Changes, fileChange{Path: ch.Path, Additions: ch.Additions, Deletions: ch.Deletions})
		}
		all = append(all, rc)
	}
	payload, err := json.Marshal(map[string]any{
		"story_index":      story.Index,
		"story_title":      story.Title,
		"approval_attempt": round,
		"repositories":     all,
	})
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

type fileChange struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

func (dev *Developer) anyChanges(ctx context.Context, d *Deps, s *State) (bool, error) {
	for _, name := range s.RepoOrder() {
		dirty, err := d.Workspace.HasChanges(ctx, s.RepoDirs[name])
		if err != nil {
			return false, err
		}
		if dirty {
			return true, nil
		}
	}
	return false, nil
}

// commitStory commits and pushes every dirty repository and records
// the first commit hash on the story.
func (dev *Developer) commitStory(ctx context.Context, d *Deps, s *State, story *datatypes.Story) (int, error) {
	commits := 0
	message := fmt.Sprintf("story %d: %s", story.Index, story.Title)
	for _, name := range s.RepoOrder() {
		dir := s.RepoDirs[name]
		committed, err := d.Workspace.Commit(ctx, dir, message)
		if err != nil {
			return commits, fmt.Errorf("commit %s: %w", name, err)
		}
		if !committed {
			continue
		}
		if err := d.Workspace.Push(ctx, dir, s.BranchName); err != nil {
			return commits, fmt.Errorf("push %s: %w", name, err)
		}
		if story.CommitHash == "" {
			hash, err := d.Workspace.HeadCommit(ctx, dir)
			if err != nil {
				return commits, err
			}
			story.CommitHash = hash
		}
		commits++
	}
	return commits, nil
}

// rollback discards uncommitted work in every repository.
func (dev *Developer) rollback(ctx context.Context, d *Deps, s *State) error {
	for _, name := range s.RepoOrder() {
		if err := d.Workspace.DiscardChanges(ctx, s.RepoDirs[name]); err != nil {
			return fmt.Errorf("rollback %s: %w", name, err)
		}
	}
	return nil
}

func storyPrompt(s *State, story *datatypes.Story) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement this story on branch %s.\n\nTitle: %s\n\n%s\n", s.BranchName, story.Title, story.Description)
	if len(story.FilesToModify) > 0 {
		fmt.Fprintf(&b, "\nFiles to modify: %s\n", strings.Join(story.FilesToModify, ", "))
	}
	if len(story.FilesToCreate) > 0 {
		fmt.Fprintf(&b, "Files to create: %s\n", strings.Join(story.FilesToCreate, ", "))
	}
	if len(story.AcceptanceCriteria) > 0 {
		fmt.Fprintf(&b, "\nAcceptance criteria:\n- %s\n", strings.Join(story.AcceptanceCriteria, "\n- "))
	}
	b.WriteString("\nMake the edits directly in the working tree. Do not commit.")
	return b.String()
}
