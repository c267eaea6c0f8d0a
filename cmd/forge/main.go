// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command forge runs the conductor: the orchestration server that
// drives coding tasks through the phase pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/services/conductor"
	"github.com/AleutianAI/AleutianForge/services/conductor/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "AleutianForge conductor",
	Long: `The conductor accepts coding tasks over HTTP, queues them by
priority, and drives each through a multi-phase agent pipeline with
human approval checkpoints and a security observer.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conductor server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgPath
		if path == "" {
			var err error
			if path, err = config.DefaultPath(); err != nil {
				return err
			}
		}
		fmt.Println(path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "",
		"config file (default ~/.forge/forge.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

func runServe() error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "conductor",
	})
	defer logger.Close()

	srv, err := conductor.NewServer(cfg, cfgPath, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
