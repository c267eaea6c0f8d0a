// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observer

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
)

// ScanOptions bounds a workspace scan.
type ScanOptions struct {
	// MaxFiles caps files read per scan. Default 500.
	MaxFiles int

	// MaxFileKB skips files larger than this. Default 512.
	MaxFileKB int

	// MaxDepth caps directory depth below the scan root. Default 5.
	MaxDepth int
}

// ScanResult summarizes one workspace scan.
type ScanResult struct {
	Vulnerabilities []datatypes.Vulnerability `json:"vulnerabilities"`
	FilesScanned    int                       `json:"files_scanned"`
	FilesSkipped    int                       `json:"files_skipped"`
}

// scanExts is the code-file allow-list.
var scanExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".jsx": true,
	".tsx": true, ".rb": true, ".php": true, ".java": true, ".c": true,
	".cc": true, ".cpp": true, ".h": true, ".hpp": true, ".rs": true,
	".sh": true, ".bash": true, ".pl": true, ".sql": true, ".html": true,
	".yaml": true, ".yml": true, ".json": true, ".toml": true, ".tf": true,
}

// ignoredDirs are skipped wholesale.
var ignoredDirs = map[string]bool{
	"node_modules": true, ".git": true, ".hg": true, ".svn": true,
	"vendor": true, "dist": true, "build": true, "out": true,
	"target": true, "__pycache__": true, ".venv": true, "venv": true,
	".next": true, ".cache": true, "coverage": true,
}

func (o ScanOptions) withDefaults() ScanOptions {
	if o.MaxFiles <= 0 {
		o.MaxFiles = 500
	}
	if o.MaxFileKB <= 0 {
		o.MaxFileKB = 512
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 5
	}
	return o
}

// ScanWorkspace walks code files under root and runs the signature
// catalogue over each line. Scan findings carry file/line context and
// never set blocked: the code already exists on disk, there is nothing
// in flight to halt.
func (a *Analyzer) ScanWorkspace(ctx context.Context, taskID, root string, opts ScanOptions) (*ScanResult, error) {
	opts = opts.withDefaults()
	result := &ScanResult{}

	rootDepth := strings.Count(filepath.Clean(root), string(os.PathSeparator))
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			result.FilesSkipped++
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if ignoredDirs[d.Name()] {
				return fs.SkipDir
			}
			depth := strings.Count(filepath.Clean(path), string(os.PathSeparator)) - rootDepth
			if depth >= opts.MaxDepth {
				return fs.SkipDir
			}
			return nil
		}

		if result.FilesScanned >= opts.MaxFiles {
			return fs.SkipAll
		}
		if !scanExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > int64(opts.MaxFileKB)*1024 {
			result.FilesSkipped++
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		found, err := a.scanFile(taskID, path, rel)
		if err != nil {
			result.FilesSkipped++
			return nil
		}
		result.FilesScanned++
		result.Vulnerabilities = append(result.Vulnerabilities, found...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan workspace %s: %w", root, err)
	}
	return result, nil
}

// scanFile runs every signature over each line of one file.
func (a *Analyzer) scanFile(taskID, path, relPath string) ([]datatypes.Vulnerability, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []datatypes.Vulnerability
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		for _, sig := range a.catalog {
			loc := sig.Match(line)
			if loc == nil {
				continue
			}
			v := datatypes.Vulnerability{
				ID:          uuid.NewString(),
				TaskID:      taskID,
				Timestamp:   a.clk.NowUnixMilli(),
				Severity:    sig.Severity,
				Category:    sig.Category,
				Type:        sig.Type,
				Description: sig.Description,
				Evidence: map[string]string{
					"matched": truncate(line[loc[0]:loc[1]], evidenceLimit),
					"source":  "workspace_scan",
				},
				Pattern:        sig.Pattern,
				FilePath:       relPath,
				LineNumber:     lineNo,
				CodeSnippet:    strings.TrimSpace(truncate(line, evidenceLimit)),
				OWASP:          owaspByType[sig.Type],
				CWE:            cweByType[sig.Type],
				Recommendation: recommendationByType[sig.Type],
				Blocked:        false,
			}
			if a.sink != nil {
				a.sink(v)
			}
			out = append(out, v)
		}
	}
	return out, scanner.Err()
}

// RepoScanResult is one repository's slice of a multi-repo scan.
type RepoScanResult struct {
	RepoName string                    `json:"repo_name"`
	Result   *ScanResult               `json:"result"`
	Counts   map[datatypes.Severity]int `json:"counts"`
}

// ScanRepositories scans each repository working tree and returns
// per-repository results in input order.
func (a *Analyzer) ScanRepositories(ctx context.Context, taskID string, repoPaths map[string]string, order []string, opts ScanOptions) ([]RepoScanResult, error) {
	results := make([]RepoScanResult, 0, len(order))
	for _, name := range order {
		root, ok := repoPaths[name]
		if !ok {
			continue
		}
		res, err := a.ScanWorkspace(ctx, taskID, root, opts)
		if err != nil {
			return nil, fmt.Errorf("scan repository %s: %w", name, err)
		}
		results = append(results, RepoScanResult{
			RepoName: name,
			Result:   res,
			Counts:   datatypes.CountBySeverity(res.Vulnerabilities),
		})
	}
	return results, nil
}
