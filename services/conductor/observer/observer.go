// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observer inspects the code agent's event stream and emits
// vulnerability records. It never mutates the stream.
//
// Signatures are evaluated in catalogue order and text sources in a
// fixed order per event, so the emitted sequence is deterministic for
// a given stream and catalogue version.
package observer

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianForge/services/conductor/agentclient"
	"github.com/AleutianAI/AleutianForge/services/conductor/clock"
	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
)

// evidenceLimit caps the offending string stored in evidence.
const evidenceLimit = 200

// Config tunes the loop detector.
type Config struct {
	// LoopThreshold is T: the same tool firing more than T times
	// within the window is a loop. Default 10.
	LoopThreshold int

	// LoopWindow is W, the rolling window. Default 30s.
	LoopWindow time.Duration
}

// Context scopes emitted findings to their task.
type Context struct {
	TaskID    string
	SessionID string
	Phase     datatypes.PhaseName
	StoryID   string
}

// Sink receives each finding as it is emitted (persist, publish).
type Sink func(datatypes.Vulnerability)

// Analyzer is the stream half of the observer. One Analyzer serves one
// worker; loop state is per session.
//
// Thread Safety: safe for concurrent use.
type Analyzer struct {
	catalog []*Signature
	cfg     Config
	clk     clock.Clock
	sink    Sink

	mu    sync.Mutex
	loops map[string]*loopState
}

type loopState struct {
	tool          string
	count         int
	windowStart   int64
	warned        bool
	blockedRaised bool
}

// NewAnalyzer compiles nothing up front; signatures compile lazily on
// first match.
func NewAnalyzer(cfg Config, clk clock.Clock, sink Sink) *Analyzer {
	if cfg.LoopThreshold <= 0 {
		cfg.LoopThreshold = 10
	}
	if cfg.LoopWindow <= 0 {
		cfg.LoopWindow = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Analyzer{
		catalog: Catalog(),
		cfg:     cfg,
		clk:     clk,
		sink:    sink,
		loops:   make(map[string]*loopState),
	}
}

// HandleEvent analyzes one agent event and returns the findings it
// produced, in deterministic order. The sink sees each finding before
// HandleEvent returns.
func (a *Analyzer) HandleEvent(evCtx Context, ev agentclient.Event) []datatypes.Vulnerability {
	var out []datatypes.Vulnerability

	if ev.Type == agentclient.EventToolBefore {
		out = append(out, a.detectLoop(evCtx, ev)...)
	}

	for _, sig := range a.catalog {
		for _, src := range a.textsFor(sig, ev) {
			loc := sig.Match(src.text)
			if loc == nil {
				continue
			}
			out = append(out, a.emit(evCtx, ev, sig, src, loc))
			break // one finding per signature per event
		}
	}
	return out
}

// textSource is one searchable string extracted from an event.
type textSource struct {
	text     string
	kind     string // "input" | "result" | "message"
	filePath string
	isFile   bool // text is file content; line extraction applies
}

// textsFor returns the text sources a signature's category applies to
// for this event, in a fixed order.
func (a *Analyzer) textsFor(sig *Signature, ev agentclient.Event) []textSource {
	tool := ev.Properties.Tool
	command := stringArg(ev.Properties.Args, "command")
	filePath := firstStringArg(ev.Properties.Args, "file_path", "path")
	content := stringArg(ev.Properties.Args, "content")

	isBefore := ev.Type == agentclient.EventToolBefore
	isAfter := ev.Type == agentclient.EventToolAfter
	isMessage := ev.Type == agentclient.EventMessagePart
	isBash := tool == "bash"
	isFileWrite := tool == "write" || tool == "edit"
	isFileAccess := isFileWrite || tool == "read"

	switch sig.Category {
	case datatypes.CategoryDangerousCommand,
		datatypes.CategoryNetworkAttack,
		datatypes.CategorySupplyChain,
		datatypes.CategoryContainerEscape:
		if isBefore && isBash && command != "" {
			return []textSource{{text: command, kind: "input"}}
		}

	case datatypes.CategoryCodeInjection:
		if isBefore && isBash && command != "" {
			return []textSource{{text: command, kind: "input"}}
		}
		if isBefore && isFileWrite && content != "" && isScriptingFile(filePath) {
			return []textSource{{text: content, kind: "input", filePath: filePath, isFile: true}}
		}

	case datatypes.CategoryPathTraversal:
		if isBefore && isFileAccess {
			var srcs []textSource
			if filePath != "" {
				srcs = append(srcs, textSource{text: filePath, kind: "input", filePath: filePath})
			}
			if content != "" {
				srcs = append(srcs, textSource{text: content, kind: "input", filePath: filePath, isFile: true})
			}
			return srcs
		}
		if isBefore && isBash && command != "" {
			return []textSource{{text: command, kind: "input"}}
		}

	case datatypes.CategorySecretExposure:
		// Any textual content: inputs, outputs, and agent speech.
		var srcs []textSource
		if isBefore {
			if command != "" {
				srcs = append(srcs, textSource{text: command, kind: "input"})
			}
			if content != "" {
				srcs = append(srcs, textSource{text: content, kind: "input", filePath: filePath, isFile: true})
			}
		}
		if isAfter && ev.Properties.Result != "" {
			srcs = append(srcs, textSource{text: ev.Properties.Result, kind: "result"})
		}
		if isMessage && ev.Properties.Part != "" {
			srcs = append(srcs, textSource{text: ev.Properties.Part, kind: "message"})
		}
		return srcs

	case datatypes.CategoryPersistence:
		if isBefore && isBash && command != "" {
			return []textSource{{text: command, kind: "input"}}
		}
		if isBefore && isFileWrite && content != "" {
			return []textSource{{text: content, kind: "input", filePath: filePath, isFile: true}}
		}

	case datatypes.CategoryPromptInjection:
		if isMessage && ev.Properties.Part != "" {
			return []textSource{{text: ev.Properties.Part, kind: "message"}}
		}
	}
	return nil
}

// emit assembles one finding and pushes it through the sink.
func (a *Analyzer) emit(evCtx Context, ev agentclient.Event, sig *Signature, src textSource, loc []int) datatypes.Vulnerability {
	severity := sig.Severity
	// Agent speech is not direct execution.
	if src.kind == "message" && severity == datatypes.SeverityCritical {
		severity = datatypes.SeverityHigh
	}

	matched := src.text[loc[0]:loc[1]]
	v := datatypes.Vulnerability{
		ID:          uuid.NewString(),
		TaskID:      evCtx.TaskID,
		SessionID:   evCtx.SessionID,
		Phase:       evCtx.Phase,
		StoryID:     evCtx.StoryID,
		Timestamp:   a.clk.NowUnixMilli(),
		Severity:    severity,
		Category:    sig.Category,
		Type:        sig.Type,
		Description: sig.Description,
		Evidence: map[string]string{
			"matched": truncate(matched, evidenceLimit),
			"source":  src.kind,
		},
		Pattern:        sig.Pattern,
		OWASP:          owaspByType[sig.Type],
		CWE:            cweByType[sig.Type],
		Recommendation: recommendationByType[sig.Type],
		Blocked:        severity == datatypes.SeverityCritical && blockedCategories[sig.Category],
	}
	if ev.Properties.Tool != "" {
		v.Evidence["tool"] = ev.Properties.Tool
	}
	if ev.Type == agentclient.EventToolBefore || ev.Type == agentclient.EventToolAfter {
		v.ToolUseID = ev.Properties.CallID
		v.Turn = ev.Properties.Turn
	}
	if src.filePath != "" {
		v.FilePath = src.filePath
	}
	if src.isFile {
		v.LineNumber, v.CodeSnippet = lineAt(src.text, loc[0])
	}

	if a.sink != nil {
		a.sink(v)
	}
	return v
}

// detectLoop tracks (lastTool, repeatCount, windowStart) per session.
// More than T firings of one tool inside the window is a loop; past 2T
// the finding carries blocked=true.
func (a *Analyzer) detectLoop(evCtx Context, ev agentclient.Event) []datatypes.Vulnerability {
	tool := ev.Properties.Tool
	if tool == "" {
		return nil
	}
	now := a.clk.NowUnixMilli()

	a.mu.Lock()
	ls, ok := a.loops[evCtx.SessionID]
	if !ok || ls.tool != tool || now-ls.windowStart > a.cfg.LoopWindow.Milliseconds() {
		a.loops[evCtx.SessionID] = &loopState{tool: tool, count: 1, windowStart: now}
		a.mu.Unlock()
		return nil
	}
	ls.count++
	warn := ls.count > a.cfg.LoopThreshold && !ls.warned
	if warn {
		ls.warned = true
	}
	block := ls.count > 2*a.cfg.LoopThreshold && !ls.blockedRaised
	if block {
		ls.blockedRaised = true
	}
	count := ls.count
	a.mu.Unlock()

	var out []datatypes.Vulnerability
	if warn {
		out = append(out, a.emitLoop(evCtx, ev, tool, count, false))
	}
	if block {
		out = append(out, a.emitLoop(evCtx, ev, tool, count, true))
	}
	return out
}

func (a *Analyzer) emitLoop(evCtx Context, ev agentclient.Event, tool string, count int, blocked bool) datatypes.Vulnerability {
	v := datatypes.Vulnerability{
		ID:          uuid.NewString(),
		TaskID:      evCtx.TaskID,
		SessionID:   evCtx.SessionID,
		Phase:       evCtx.Phase,
		StoryID:     evCtx.StoryID,
		Timestamp:   a.clk.NowUnixMilli(),
		Severity:    datatypes.SeverityHigh,
		Category:    datatypes.CategoryResourceExhaustion,
		Type:        infiniteLoopType,
		Description: fmt.Sprintf("Tool %q fired %d times within %s", tool, count, a.cfg.LoopWindow),
		Evidence: map[string]string{
			"tool":    tool,
			"matched": truncate(fmt.Sprintf("%s x%d", tool, count), evidenceLimit),
		},
		ToolUseID:      ev.Properties.CallID,
		Turn:           ev.Properties.Turn,
		OWASP:          owaspByType[infiniteLoopType],
		CWE:            cweByType[infiniteLoopType],
		Recommendation: recommendationByType[infiniteLoopType],
		Blocked:        blocked,
	}
	if a.sink != nil {
		a.sink(v)
	}
	return v
}

// ResetSession drops loop state when a session ends.
func (a *Analyzer) ResetSession(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.loops, sessionID)
}

// =============================================================================
// Helpers
// =============================================================================

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

func firstStringArg(args map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringArg(args, key); s != "" {
			return s
		}
	}
	return ""
}

var scriptingExts = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".rb": true, ".php": true, ".sh": true, ".bash": true, ".pl": true,
}

func isScriptingFile(path string) bool {
	if path == "" {
		return false
	}
	return scriptingExts[strings.ToLower(filepath.Ext(path))]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// lineAt returns the 1-based line number containing offset and that
// line's text.
func lineAt(content string, offset int) (int, string) {
	if offset > len(content) {
		offset = len(content)
	}
	line := strings.Count(content[:offset], "\n") + 1
	start := strings.LastIndexByte(content[:offset], '\n') + 1
	end := strings.IndexByte(content[offset:], '\n')
	if end < 0 {
		end = len(content)
	} else {
		end += offset
	}
	return line, strings.TrimSpace(content[start:end])
}
