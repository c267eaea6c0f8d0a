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
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
)

// Watch reloads the config file on change and invokes onChange with
// each valid new configuration. Invalid edits are logged and skipped,
// so a bad save never takes down a running server.
//
// The watcher runs until ctx is cancelled. It watches the directory
// rather than the file so editors that replace-on-save (rename + create)
// keep working.
func Watch(ctx context.Context, path string, logger *logging.Logger, onChange func(*Config)) error {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("config reload skipped", "error", err.Error())
					continue
				}
				logger.Info("config reloaded", "path", path, "log_level", cfg.Logging.Level)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err.Error())
			}
		}
	}()
	return nil
}
