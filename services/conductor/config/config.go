// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates conductor configuration.
//
// Configuration comes from a YAML file merged with environment
// overrides (FORGE_* variables). Secrets are environment-only and are
// never written back to disk. The file can be watched for live
// log-level changes via Watch.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full conductor configuration tree. YAML keys mirror
// the documented option names.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Agent     AgentConfig     `yaml:"agent"`
	Judge     JudgeConfig     `yaml:"judge"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	Workers   WorkersConfig   `yaml:"workers"`
	Queue     QueueConfig     `yaml:"queue"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Activity  ActivityConfig  `yaml:"activity"`
	Observer  ObserverConfig  `yaml:"observer"`
	Phase     PhaseConfig     `yaml:"phase"`
	Developer DeveloperConfig `yaml:"developer"`
	Planning  PlanningConfig  `yaml:"planning"`
	TestGen   TestGenConfig   `yaml:"testgen"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	// ListenAddr is the host:port the API binds to.
	ListenAddr string `yaml:"listenAddr" validate:"required"`

	// AuthToken protects the API. Set via FORGE_AUTH_TOKEN; empty
	// disables auth (development only).
	AuthToken string `yaml:"-"`
}

// LoggingConfig covers structured logging.
type LoggingConfig struct {
	// Level is debug, info, warn, or error. Reloaded live on file change.
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Dir enables file logging when set.
	Dir string `yaml:"dir"`
}

// StoreConfig covers the durable store.
type StoreConfig struct {
	// DataDir holds the BadgerDB files.
	DataDir string `yaml:"dataDir" validate:"required"`
}

// RedisConfig covers the queue backend. Empty Addr selects the
// in-memory backend (single-node mode).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// AgentConfig covers the external code-agent service.
type AgentConfig struct {
	// URL is the agent's websocket endpoint.
	URL string `yaml:"url" validate:"required"`

	// Token is the bearer token for the agent connection.
	// Set via FORGE_AGENT_TOKEN.
	Token string `yaml:"-"`
}

// JudgeConfig covers the internal judge LLM.
type JudgeConfig struct {
	// Model is the chat-completion model for verdicts.
	Model string `yaml:"model"`

	// APIKey is set via FORGE_OPENAI_API_KEY.
	APIKey string `yaml:"-"`

	// BaseURL overrides the OpenAI endpoint (proxies, local gateways).
	BaseURL string `yaml:"baseUrl"`
}

// WorkspaceConfig covers on-disk working trees and the PR host.
type WorkspaceConfig struct {
	// BaseDir is the root for per-task checkouts.
	BaseDir string `yaml:"baseDir" validate:"required"`

	// GitHubAPI is the REST base for opening pull requests.
	GitHubAPI string `yaml:"githubApi"`
}

// TelemetryConfig covers tracing.
type TelemetryConfig struct {
	// OTelEndpoint is the OTLP gRPC collector address. Empty disables
	// tracing.
	OTelEndpoint string `yaml:"otelEndpoint"`

	// Metrics toggles the Prometheus /metrics endpoint.
	Metrics bool `yaml:"metrics"`
}

// WorkersConfig sets worker counts per lane.
type WorkersConfig struct {
	Regular int `yaml:"regular" validate:"gte=1"`
	Premium int `yaml:"premium" validate:"gte=0"`
}

// QueueConfig tunes queue behavior.
type QueueConfig struct {
	// MaxAttempts caps executions per job; only transient errors
	// consume a retry.
	MaxAttempts int `yaml:"maxAttempts" validate:"gte=1"`
}

// ApprovalConfig tunes checkpoint behavior.
type ApprovalConfig struct {
	// Mode is automatic or manual.
	Mode string `yaml:"mode" validate:"oneof=automatic manual"`

	// DefaultTimeoutMs bounds each checkpoint wait. Zero waits forever.
	DefaultTimeoutMs int64 `yaml:"defaultTimeoutMs" validate:"gte=0"`

	// MaxFeedbackRounds caps request_changes rounds per checkpoint.
	MaxFeedbackRounds int `yaml:"maxFeedbackRounds" validate:"gte=1"`
}

// ActivityConfig tunes the activity archive.
type ActivityConfig struct {
	// BufferSize is the per-task ring capacity.
	BufferSize int `yaml:"bufferSize" validate:"gte=1"`

	// BatchMs is the persistence batching interval.
	BatchMs int64 `yaml:"batchMs" validate:"gte=0"`

	// ThrottleMs spaces chatty entry types within one task.
	ThrottleMs int64 `yaml:"throttleMs" validate:"gte=0"`
}

// ObserverConfig tunes the security observer.
type ObserverConfig struct {
	// LoopThreshold is the same-tool repetition count treated as a loop.
	LoopThreshold int `yaml:"loopThreshold" validate:"gte=1"`

	// LoopWindowMs is the rolling loop-detection window.
	LoopWindowMs int64 `yaml:"loopWindowMs" validate:"gte=1"`

	Scan ScanConfig `yaml:"scan"`
}

// ScanConfig bounds workspace scans.
type ScanConfig struct {
	MaxFiles  int `yaml:"maxFiles" validate:"gte=1"`
	MaxFileKB int `yaml:"maxFileKB" validate:"gte=1"`
	Depth     int `yaml:"depth" validate:"gte=1"`
}

// PhaseConfig holds cross-phase bounds.
type PhaseConfig struct {
	// IdleTimeoutMs is the agent idle-wait safety net.
	IdleTimeoutMs int64 `yaml:"idleTimeoutMs" validate:"gte=1"`

	// SkipPlanningForSimpleTasks lets simple tasks bypass planning.
	SkipPlanningForSimpleTasks bool `yaml:"skipPlanningForSimpleTasks"`

	// SkipTestGeneration bypasses the test generation phase.
	SkipTestGeneration bool `yaml:"skipTestGeneration"`

	// AutoMerge merges PRs without a merge checkpoint.
	AutoMerge bool `yaml:"autoMerge"`
}

// DeveloperConfig bounds the developer inner loop.
type DeveloperConfig struct {
	MaxIterations int `yaml:"maxIterations" validate:"gte=1"`
}

// PlanningConfig bounds the planning judge loop.
type PlanningConfig struct {
	MaxJudgeIterations int `yaml:"maxJudgeIterations" validate:"gte=1"`
}

// TestGenConfig bounds test generation retries.
type TestGenConfig struct {
	MaxIterations int `yaml:"maxIterations" validate:"gte=1"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Server:  ServerConfig{ListenAddr: ":8085"},
		Logging: LoggingConfig{Level: "info"},
		Store:   StoreConfig{DataDir: "~/.forge/data"},
		Agent:   AgentConfig{URL: "ws://localhost:8090/agent"},
		Judge:   JudgeConfig{Model: "gpt-4o"},
		Workspace: WorkspaceConfig{
			BaseDir:   "~/.forge/workspaces",
			GitHubAPI: "https://api.github.com",
		},
		Telemetry: TelemetryConfig{Metrics: true},
		Workers:   WorkersConfig{Regular: 2, Premium: 1},
		Queue:     QueueConfig{MaxAttempts: 2},
		Approval: ApprovalConfig{
			Mode:              "manual",
			DefaultTimeoutMs:  0,
			MaxFeedbackRounds: 3,
		},
		Activity: ActivityConfig{
			BufferSize: 500,
			BatchMs:    200,
			ThrottleMs: 100,
		},
		Observer: ObserverConfig{
			LoopThreshold: 10,
			LoopWindowMs:  30_000,
			Scan: ScanConfig{
				MaxFiles:  500,
				MaxFileKB: 512,
				Depth:     5,
			},
		},
		Phase:     PhaseConfig{IdleTimeoutMs: int64(30 * time.Minute / time.Millisecond)},
		Developer: DeveloperConfig{MaxIterations: 3},
		Planning:  PlanningConfig{MaxJudgeIterations: 3},
		TestGen:   TestGenConfig{MaxIterations: 3},
	}
}

// Validate checks the tree with validator/v10 tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}
