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

// GlobalScanResult is the final security rollup across every
// repository the task touched.
type GlobalScanResult struct {
	ScannedAt           int64                              `json:"scanned_at"`
	TotalFilesScanned   int                                `json:"total_files_scanned"`
	RepositoriesScanned int                                `json:"repositories_scanned"`
	Vulnerabilities     []datatypes.Vulnerability          `json:"vulnerabilities"`
	BySeverity          map[datatypes.Severity]int         `json:"by_severity"`
	ByType              map[string]int                     `json:"by_type"`
	ByRepository        map[string]int                     `json:"by_repository"`
	RiskScore           int                                `json:"risk_score"`
}

// GlobalScan runs the workspace scanner over every repository. It runs
// unconditionally, even when an earlier phase failed, so every task
// ends with a security summary.
type GlobalScan struct{}

func (g *GlobalScan) Name() datatypes.PhaseName { return datatypes.PhaseGlobalScan }

func (g *GlobalScan) Execute(ctx context.Context, d *Deps, s *State) (json.RawMessage, error) {
	result := GlobalScanResult{
		ScannedAt:    d.clk().NowUnixMilli(),
		BySeverity:   map[datatypes.Severity]int{},
		ByType:       map[string]int{},
		ByRepository: map[string]int{},
	}

	repoResults, err := d.Observer.ScanRepositories(ctx, s.Task.ID, s.RepoDirs, s.RepoOrder(), d.Config.Scan)
	if err != nil {
		return nil, fmt.Errorf("global scan: %w", err)
	}
	for _, rr := range repoResults {
		result.RepositoriesScanned++
		result.TotalFilesScanned += rr.Result.FilesScanned
		result.ByRepository[rr.RepoName] = len(rr.Result.Vulnerabilities)
		for _, v := range rr.Result.Vulnerabilities {
			result.Vulnerabilities = append(result.Vulnerabilities, v)
			result.BySeverity[v.Severity]++
			result.ByType[v.Type]++
			if err := d.Store.AppendVulnerability(ctx, &v); err != nil {
				d.Logger.Warn("failed to persist global scan finding",
					"task_id", s.Task.ID, "error", err.Error())
			}
		}
	}
	result.RiskScore = datatypes.RiskScore(result.Vulnerabilities)

	d.recordActivity(ctx, s, datatypes.ActivityEntry{
		Type:    datatypes.ActivityInfo,
		Phase:   datatypes.PhaseGlobalScan,
		Content: fmt.Sprintf("global scan: %d files, %d findings", result.TotalFilesScanned, len(result.Vulnerabilities)),
	})
	return json.Marshal(result)
}
