// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace owns the on-disk working tree for each task:
// cloning, change detection, commits, pushes, and pull requests.
//
// Git commands per directory are serialized; the coordinator is the
// single writer for a task's trees.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes a git invocation in a directory. Abstracted so tests
// can run against a scripted fake instead of a real git binary.
type Runner interface {
	// Run executes git with args in dir and returns combined output.
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner shells out to the git binary.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.String(), fmt.Errorf("git %s: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(buf.String()))
	}
	return buf.String(), nil
}

// PullRequestSpec describes a PR to open.
type PullRequestSpec struct {
	RepoName string
	CloneURL string
	Branch   string
	Base     string
	Title    string
	Body     string
}

// PullRequest is the opened PR.
type PullRequest struct {
	Number int
	URL    string
}

// PROpener opens pull requests against the hosting service. The
// GitHub-backed implementation lives behind this seam so phases can be
// tested without network access.
type PROpener interface {
	OpenPullRequest(ctx context.Context, credential string, spec PullRequestSpec) (*PullRequest, error)
}

// PRMerger is implemented by openers that can also merge.
type PRMerger interface {
	MergePullRequest(ctx context.Context, credential string, spec PullRequestSpec, number int) error
}
