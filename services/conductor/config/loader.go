// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no path is given.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("find home directory: %w", err)
	}
	return filepath.Join(home, ".forge", "forge.yaml"), nil
}

// Load reads the config file at path, creating it with defaults on
// first run, then applies environment overrides and validates.
//
// Secrets (auth token, agent token, judge API key, redis password)
// come only from the environment and are never written to the file.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnv layers FORGE_* environment variables over the file values.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("FORGE_LISTEN_ADDR", &cfg.Server.ListenAddr)
	setString("FORGE_AUTH_TOKEN", &cfg.Server.AuthToken)
	setString("FORGE_LOG_LEVEL", &cfg.Logging.Level)
	setString("FORGE_DATA_DIR", &cfg.Store.DataDir)
	setString("FORGE_REDIS_ADDR", &cfg.Redis.Addr)
	setString("FORGE_REDIS_PASSWORD", &cfg.Redis.Password)
	setString("FORGE_AGENT_URL", &cfg.Agent.URL)
	setString("FORGE_AGENT_TOKEN", &cfg.Agent.Token)
	setString("FORGE_OPENAI_API_KEY", &cfg.Judge.APIKey)
	setString("FORGE_OPENAI_BASE_URL", &cfg.Judge.BaseURL)
	setString("FORGE_WORKSPACE_DIR", &cfg.Workspace.BaseDir)
	setString("FORGE_GITHUB_API", &cfg.Workspace.GitHubAPI)
	setString("FORGE_OTEL_ENDPOINT", &cfg.Telemetry.OTelEndpoint)

	if v, ok := os.LookupEnv("FORGE_REDIS_DB"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v, ok := os.LookupEnv("FORGE_WORKERS_REGULAR"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers.Regular = n
		}
	}
	if v, ok := os.LookupEnv("FORGE_WORKERS_PREMIUM"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers.Premium = n
		}
	}
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
