// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Severity indicates vulnerability severity.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Weight returns the risk-score contribution of one finding at this
// severity: 25/15/5/1 for critical/high/medium/low.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 25
	case SeverityHigh:
		return 15
	case SeverityMedium:
		return 5
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ThreatCategory groups signature rules by attack class.
type ThreatCategory string

const (
	CategoryDangerousCommand   ThreatCategory = "dangerous_command"
	CategoryNetworkAttack      ThreatCategory = "network_attack"
	CategoryCodeInjection      ThreatCategory = "code_injection"
	CategoryPathTraversal      ThreatCategory = "path_traversal"
	CategorySecretExposure     ThreatCategory = "secret_exposure"
	CategorySupplyChain        ThreatCategory = "supply_chain"
	CategoryPersistence        ThreatCategory = "persistence"
	CategoryPromptInjection    ThreatCategory = "prompt_injection"
	CategoryContainerEscape    ThreatCategory = "container_escape"
	CategoryResourceExhaustion ThreatCategory = "resource_exhaustion"
)

// Vulnerability is an immutable record emitted by the security observer.
// External exporters consume these as a JSON sequence; field names are a
// stable wire contract.
type Vulnerability struct {
	// ID is the unique record identifier.
	ID string `json:"id"`

	// TaskID is the task the finding belongs to.
	TaskID string `json:"task_id"`

	// SessionID is the code-agent session that produced the finding,
	// empty for workspace scans.
	SessionID string `json:"session_id,omitempty"`

	// Phase is the phase during which the finding was raised.
	Phase PhaseName `json:"phase,omitempty"`

	// StoryID optionally links the finding to a developer story.
	StoryID string `json:"story_id,omitempty"`

	// Timestamp is when the finding was emitted (Unix milliseconds UTC).
	Timestamp int64 `json:"timestamp"`

	// Severity is the catalogue severity, possibly downgraded for
	// message-part matches.
	Severity Severity `json:"severity"`

	// Category is the threat category of the matched rule.
	Category ThreatCategory `json:"category"`

	// Type is the specific vulnerability type (e.g. "reverse_shell").
	Type string `json:"type"`

	// Description is the rule's human-readable description.
	Description string `json:"description"`

	// Evidence holds free-form context; the offending string is stored
	// under "matched", truncated to 200 characters.
	Evidence map[string]string `json:"evidence,omitempty"`

	// Pattern is the matched rule's regex source.
	Pattern string `json:"pattern,omitempty"`

	// ToolUseID links causally to the ToolCall that triggered the
	// finding; empty for message or workspace-scan findings.
	ToolUseID string `json:"tool_use_id,omitempty"`

	// Turn is the conversation turn of the triggering tool call.
	Turn int `json:"turn,omitempty"`

	// FilePath / LineNumber / CodeSnippet are filled when extractable
	// from the triggering input.
	FilePath    string `json:"file_path,omitempty"`
	LineNumber  int    `json:"line_number,omitempty"`
	CodeSnippet string `json:"code_snippet,omitempty"`

	// OWASP is the mapped OWASP Top 10 category.
	OWASP string `json:"owasp,omitempty"`

	// CWE is the mapped Common Weakness Enumeration id.
	CWE string `json:"cwe,omitempty"`

	// Recommendation is remediation guidance for the vulnerability type.
	Recommendation string `json:"recommendation,omitempty"`

	// Blocked is true when the observer requests execution to halt.
	// The orchestrator may consult this flag but is free to continue
	// when phase semantics allow. Workspace scans never set it.
	Blocked bool `json:"blocked"`
}

// RiskScore computes the per-task rollup:
// min(100, 25*critical + 15*high + 5*medium + 1*low).
func RiskScore(vulns []Vulnerability) int {
	score := 0
	for _, v := range vulns {
		score += v.Severity.Weight()
	}
	if score > 100 {
		return 100
	}
	return score
}

// CountBySeverity tallies findings per severity level.
func CountBySeverity(vulns []Vulnerability) map[Severity]int {
	counts := make(map[Severity]int, 4)
	for _, v := range vulns {
		counts[v.Severity]++
	}
	return counts
}
