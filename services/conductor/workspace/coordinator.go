// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
)

// EnvDecrypter decrypts a repository's encrypted environment file.
// Satisfied by vault.Vault.
type EnvDecrypter interface {
	Decrypt(ciphertext string) ([]byte, error)
}

// FileChange summarizes one changed file in a working tree.
type FileChange struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// Coordinator prepares and mutates per-task working trees under a base
// directory, one subdirectory per task, one checkout per repository.
//
// Thread Safety: all operations serialize on a per-task lock, so phases
// and the engine can call concurrently for different tasks.
type Coordinator struct {
	base   string
	runner Runner
	pr     PROpener
	dec    EnvDecrypter
	logger *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCoordinator builds a Coordinator rooted at base.
func NewCoordinator(base string, runner Runner, pr PROpener, dec EnvDecrypter, logger *logging.Logger) *Coordinator {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Coordinator{
		base:   base,
		runner: runner,
		pr:     pr,
		dec:    dec,
		logger: logger,
		locks:  map[string]*sync.Mutex{},
	}
}

func (c *Coordinator) taskLock(taskID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[taskID] = l
	}
	return l
}

// RepoDir returns the checkout directory for a task's repository.
func (c *Coordinator) RepoDir(taskID, repoName string) string {
	return filepath.Join(c.base, taskID, repoName)
}

// Prepare clones every task repository into <base>/<taskID>/<repoName>
// and writes its decrypted environment file. Idempotent: an existing
// checkout is fetched instead of re-cloned, so resumed tasks keep their
// working trees. Returns repo name -> directory.
//
// The credential is embedded in the clone URL for the git invocation
// only; it is never logged and never written to disk.
func (c *Coordinator) Prepare(ctx context.Context, task *datatypes.Task, credential string) (map[string]string, error) {
	lock := c.taskLock(task.ID)
	lock.Lock()
	defer lock.Unlock()

	dirs := make(map[string]string, len(task.Repositories))
	for _, repo := range task.Repositories {
		dir := c.RepoDir(task.ID, repo.Name)
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			if _, err := c.runner.Run(ctx, dir, "fetch", "--prune", "origin"); err != nil {
				return nil, fmt.Errorf("refresh %s: %w", repo.Name, err)
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
				return nil, fmt.Errorf("create workspace dir: %w", err)
			}
			cloneURL, err := authURL(repo.CloneURL, credential)
			if err != nil {
				return nil, fmt.Errorf("clone url for %s: %w", repo.Name, err)
			}
			if _, err := c.runner.Run(ctx, filepath.Dir(dir), "clone", cloneURL, filepath.Base(dir)); err != nil {
				return nil, fmt.Errorf("clone %s: %w", repo.Name, sanitize(err, credential))
			}
			c.logger.Info("cloned repository", "task_id", task.ID, "repo", repo.Name)
		}

		if repo.EnvCipher != "" && c.dec != nil {
			plain, err := c.dec.Decrypt(repo.EnvCipher)
			if err != nil {
				return nil, fmt.Errorf("decrypt env for %s: %w", repo.Name, err)
			}
			if err := os.WriteFile(filepath.Join(dir, ".env"), plain, 0o600); err != nil {
				return nil, fmt.Errorf("write env for %s: %w", repo.Name, err)
			}
		}
		dirs[repo.Name] = dir
	}
	return dirs, nil
}

// CreateBranch checks out branch in dir, creating it from base when it
// does not exist yet. Re-running for an existing branch just switches.
func (c *Coordinator) CreateBranch(ctx context.Context, dir, branch, base string) error {
	if _, err := c.runner.Run(ctx, dir, "checkout", branch); err == nil {
		return nil
	}
	start := base
	if start == "" {
		start = "HEAD"
	}
	if _, err := c.runner.Run(ctx, dir, "checkout", "-b", branch, start); err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	return nil
}

// HasChanges reports whether dir has uncommitted changes, staged or not.
func (c *Coordinator) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := c.runner.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// ChangedFiles returns per-file change summaries for the uncommitted
// work in dir, parsed from the unified diff.
func (c *Coordinator) ChangedFiles(ctx context.Context, dir string) ([]FileChange, error) {
	out, err := c.runner.Run(ctx, dir, "diff", "HEAD")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	fileDiffs, err := diff.ParseMultiFileDiff([]byte(out))
	if err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}
	changes := make([]FileChange, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		stat := fd.Stat()
		name := strings.TrimPrefix(fd.NewName, "b/")
		if name == "/dev/null" {
			name = strings.TrimPrefix(fd.OrigName, "a/")
		}
		changes = append(changes, FileChange{
			Path:      name,
			Additions: int(stat.Added + stat.Changed),
			Deletions: int(stat.Deleted + stat.Changed),
		})
	}
	return changes, nil
}

// DiscardChanges resets dir to HEAD and removes untracked files. Used
// when a story is rejected so the tree returns to the last approved
// commit.
func (c *Coordinator) DiscardChanges(ctx context.Context, dir string) error {
	if _, err := c.runner.Run(ctx, dir, "reset", "--hard", "HEAD"); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if _, err := c.runner.Run(ctx, dir, "clean", "-fd"); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}

// Commit stages everything in dir and commits with message. Returns
// false without error when there is nothing to commit.
func (c *Coordinator) Commit(ctx context.Context, dir, message string) (bool, error) {
	dirty, err := c.HasChanges(ctx, dir)
	if err != nil {
		return false, err
	}
	if !dirty {
		return false, nil
	}
	if _, err := c.runner.Run(ctx, dir, "add", "-A"); err != nil {
		return false, fmt.Errorf("stage: %w", err)
	}
	if _, err := c.runner.Run(ctx, dir, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Push pushes branch to origin. The remote already carries the
// credential from clone time, so no extra auth plumbing happens here.
func (c *Coordinator) Push(ctx context.Context, dir, branch string) error {
	if _, err := c.runner.Run(ctx, dir, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// HeadCommit returns the commit hash at HEAD.
func (c *Coordinator) HeadCommit(ctx context.Context, dir string) (string, error) {
	out, err := c.runner.Run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-parse: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CommitsAhead counts commits on the current branch that base lacks.
func (c *Coordinator) CommitsAhead(ctx context.Context, dir, base string) (int, error) {
	out, err := c.runner.Run(ctx, dir, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("rev-list: %w", err)
	}
	n := 0
	if _, err := fmt.Sscanf(strings.TrimSpace(out), "%d", &n); err != nil {
		return 0, fmt.Errorf("parse rev-list output %q: %w", strings.TrimSpace(out), err)
	}
	return n, nil
}

// OpenPullRequest opens a PR via the configured opener.
func (c *Coordinator) OpenPullRequest(ctx context.Context, credential string, spec PullRequestSpec) (*PullRequest, error) {
	if c.pr == nil {
		return nil, fmt.Errorf("no pull request opener configured")
	}
	return c.pr.OpenPullRequest(ctx, credential, spec)
}

// MergePullRequest merges an open PR when the configured opener
// supports merging; otherwise it reports false.
func (c *Coordinator) MergePullRequest(ctx context.Context, credential string, spec PullRequestSpec, number int) (bool, error) {
	merger, ok := c.pr.(PRMerger)
	if !ok {
		return false, nil
	}
	if err := merger.MergePullRequest(ctx, credential, spec, number); err != nil {
		return false, err
	}
	return true, nil
}

// Cleanup removes a task's entire workspace directory.
func (c *Coordinator) Cleanup(taskID string) error {
	lock := c.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()
	return os.RemoveAll(filepath.Join(c.base, taskID))
}

// authURL embeds the bearer credential in an HTTPS clone URL.
func authURL(cloneURL, credential string) (string, error) {
	if credential == "" {
		return cloneURL, nil
	}
	u, err := url.Parse(cloneURL)
	if err != nil {
		return "", err
	}
	u.User = url.UserPassword("x-access-token", credential)
	return u.String(), nil
}

// sanitize strips the credential from error text before it can reach a
// log line or an API response.
func sanitize(err error, credential string) error {
	if err == nil || credential == "" {
		return err
	}
	msg := strings.ReplaceAll(err.Error(), credential, "***")
	return fmt.Errorf("%s", msg)
}
