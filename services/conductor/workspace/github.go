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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GitHubOpener opens pull requests through the GitHub REST API.
type GitHubOpener struct {
	// APIBase overrides the API endpoint, for GitHub Enterprise or tests.
	// Defaults to https://api.github.com.
	APIBase string

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

func (g *GitHubOpener) apiBase() string {
	if g.APIBase != "" {
		return strings.TrimRight(g.APIBase, "/")
	}
	return "https://api.github.com"
}

func (g *GitHubOpener) client() *http.Client {
	if g.HTTPClient != nil {
		return g.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// OpenPullRequest creates a PR for spec.Branch against spec.Base.
func (g *GitHubOpener) OpenPullRequest(ctx context.Context, credential string, spec PullRequestSpec) (*PullRequest, error) {
	owner, repo, err := ownerRepo(spec.CloneURL)
	if err != nil {
		return nil, err
	}
	base := spec.Base
	if base == "" {
		base = "main"
	}

	body, err := json.Marshal(map[string]string{
		"title": spec.Title,
		"body":  spec.Body,
		"head":  spec.Branch,
		"base":  base,
	})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/pulls", g.apiBase(), owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("create pull request for %s/%s: status %d: %s",
			owner, repo, resp.StatusCode, truncateBody(raw))
	}

	var out struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode pull request response: %w", err)
	}
	return &PullRequest{Number: out.Number, URL: out.HTMLURL}, nil
}

// MergePullRequest merges an open PR with the squash strategy.
func (g *GitHubOpener) MergePullRequest(ctx context.Context, credential string, spec PullRequestSpec, number int) error {
	owner, repo, err := ownerRepo(spec.CloneURL)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{"merge_method": "squash"})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/merge", g.apiBase(), owner, repo, number)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client().Do(req)
	if err != nil {
		return fmt.Errorf("merge pull request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("merge pull request %s/%s#%d: status %d: %s",
			owner, repo, number, resp.StatusCode, truncateBody(raw))
	}
	return nil
}

// ownerRepo extracts owner and repository from an HTTPS clone URL.
func ownerRepo(cloneURL string) (string, string, error) {
	u, err := url.Parse(cloneURL)
	if err != nil {
		return "", "", fmt.Errorf("parse clone url: %w", err)
	}
	parts := strings.Split(strings.Trim(strings.TrimSuffix(u.Path, ".git"), "/"), "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("clone url %s has no owner/repo path", cloneURL)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}

func truncateBody(b []byte) string {
	const max = 300
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
