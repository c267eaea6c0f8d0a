// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conductor assembles the orchestration server: durable store,
// priority queue and worker pool, phase engine, approval broker,
// security observer, and the HTTP/WebSocket API.
//
// # Description
//
// Server owns the lifecycle of every subsystem. Construction wires the
// dependency graph; Run recovers interrupted tasks, starts the worker
// pool, serves the API, and shuts everything down cleanly when the
// context is cancelled.
//
// # Thread Safety
//
// Build a Server once and call Run from a single goroutine.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/services/conductor/agentclient"
	"github.com/AleutianAI/AleutianForge/services/conductor/approval"
	"github.com/AleutianAI/AleutianForge/services/conductor/bus"
	"github.com/AleutianAI/AleutianForge/services/conductor/clock"
	"github.com/AleutianAI/AleutianForge/services/conductor/config"
	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
	"github.com/AleutianAI/AleutianForge/services/conductor/engine"
	"github.com/AleutianAI/AleutianForge/services/conductor/handlers"
	"github.com/AleutianAI/AleutianForge/services/conductor/middleware"
	"github.com/AleutianAI/AleutianForge/services/conductor/observability"
	"github.com/AleutianAI/AleutianForge/services/conductor/observer"
	"github.com/AleutianAI/AleutianForge/services/conductor/phases"
	"github.com/AleutianAI/AleutianForge/services/conductor/queue"
	"github.com/AleutianAI/AleutianForge/services/conductor/store"
	"github.com/AleutianAI/AleutianForge/services/conductor/vault"
	"github.com/AleutianAI/AleutianForge/services/conductor/workspace"
)

// serviceName identifies the conductor in traces and agent sessions.
const serviceName = "forge-conductor"

// API rate limits per client IP. The expected population is CI runners
// and developer machines, not the open internet.
const (
	apiRateLimitRPS   = 50
	apiRateLimitBurst = 100
)

const shutdownGrace = 10 * time.Second

// Server is the fully wired conductor.
type Server struct {
	cfg     *config.Config
	cfgPath string
	logger  *logging.Logger

	store   *store.Store
	rdb     *redis.Client
	queue   *queue.Queue
	pool    *queue.WorkerPool
	bus     *bus.Bus
	archive *bus.Archive
	broker  *approval.Broker
	agent   *agentclient.WSClient
	vault   *vault.MemoryVault
	orch    *engine.Orchestrator
	http    *http.Server

	stopTracing func(context.Context)
}

// NewServer wires every subsystem from the given configuration.
// cfgPath is the file the configuration was loaded from; it is watched
// for live log-level changes while the server runs.
func NewServer(cfg *config.Config, cfgPath string, logger *logging.Logger) (*Server, error) {
	s := &Server{cfg: cfg, cfgPath: cfgPath, logger: logger}

	if cfg.Telemetry.Metrics {
		observability.Init()
	}
	if cfg.Telemetry.OTelEndpoint != "" {
		stop, err := observability.InitTracer(cfg.Telemetry.OTelEndpoint, serviceName, logger)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		s.stopTracing = stop
	}

	storeCfg := store.DefaultConfig(config.ExpandPath(cfg.Store.DataDir))
	storeCfg.Logger = logger.Slog()
	st, err := store.Open(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.store = st

	clk := clock.Real{}

	var backend queue.Backend
	if cfg.Redis.Addr != "" {
		s.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		backend = queue.NewRedisBackend(s.rdb, "forge")
		logger.Info("queue backend: redis", "addr", cfg.Redis.Addr)
	} else {
		backend = queue.NewMemoryBackend()
		logger.Info("queue backend: in-memory (single node)")
	}
	s.queue = queue.New(backend, st, clk, logger)

	s.bus = bus.New(logger,
		bus.WithBatchInterval(time.Duration(cfg.Activity.BatchMs)*time.Millisecond))
	s.archive = bus.NewArchive(bus.ArchiveConfig{
		RingCapacity: cfg.Activity.BufferSize,
		Throttle:     time.Duration(cfg.Activity.ThrottleMs) * time.Millisecond,
	}, st, s.bus, clk)

	s.broker = approval.NewBroker(st, s.archive, clk, logger)

	analyzer := observer.NewAnalyzer(observer.Config{
		LoopThreshold: cfg.Observer.LoopThreshold,
		LoopWindow:    time.Duration(cfg.Observer.LoopWindowMs) * time.Millisecond,
	}, clk, func(v datatypes.Vulnerability) {
		observability.Default.RecordVulnerability(v.Severity, "event")
	})

	v, err := vault.NewMemoryVaultRandom()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init vault: %w", err)
	}
	s.vault = v

	agentOpts := []agentclient.WSOption{
		agentclient.WithDefaultIdleTimeout(time.Duration(cfg.Phase.IdleTimeoutMs) * time.Millisecond),
	}
	if cfg.Agent.Token != "" {
		agentOpts = append(agentOpts, agentclient.WithBearerToken(cfg.Agent.Token))
	}
	s.agent = agentclient.NewWSClient(cfg.Agent.URL, logger, agentOpts...)

	coord := workspace.NewCoordinator(
		config.ExpandPath(cfg.Workspace.BaseDir),
		workspace.ExecRunner{},
		&workspace.GitHubOpener{APIBase: cfg.Workspace.GitHubAPI},
		v,
		logger,
	)

	judgeCfg := openai.DefaultConfig(cfg.Judge.APIKey)
	if cfg.Judge.BaseURL != "" {
		judgeCfg.BaseURL = cfg.Judge.BaseURL
	}
	judge := phases.NewOpenAIJudge(openai.NewClientWithConfig(judgeCfg), cfg.Judge.Model)

	deps := &phases.Deps{
		Store:     st,
		Agent:     s.agent,
		Broker:    s.broker,
		Observer:  analyzer,
		Workspace: coord,
		Vault:     v,
		Archive:   s.archive,
		Judge:     judge,
		Clock:     clk,
		Logger:    logger,
		Sessions:  phases.NewSessionRegistry(),
		Config: phases.Config{
			ApprovalMode:               phases.ApprovalMode(cfg.Approval.Mode),
			ApprovalTimeout:            time.Duration(cfg.Approval.DefaultTimeoutMs) * time.Millisecond,
			MaxFeedbackRounds:          cfg.Approval.MaxFeedbackRounds,
			IdleTimeout:                time.Duration(cfg.Phase.IdleTimeoutMs) * time.Millisecond,
			DeveloperMaxIterations:     cfg.Developer.MaxIterations,
			PlanningMaxJudgeIterations: cfg.Planning.MaxJudgeIterations,
			TestGenMaxIterations:       cfg.TestGen.MaxIterations,
			SkipPlanningForSimpleTasks: cfg.Phase.SkipPlanningForSimpleTasks,
			SkipTestGeneration:         cfg.Phase.SkipTestGeneration,
			AutoMerge:                  cfg.Phase.AutoMerge,
			Scan: observer.ScanOptions{
				MaxFiles:  cfg.Observer.Scan.MaxFiles,
				MaxFileKB: cfg.Observer.Scan.MaxFileKB,
				MaxDepth:  cfg.Observer.Scan.Depth,
			},
		},
	}

	s.orch = engine.New(deps, s.queue, s.bus, logger)

	s.pool = queue.NewWorkerPool(s.queue, s.orch.Execute, queue.PoolConfig{
		RegularWorkers: cfg.Workers.Regular,
		PremiumWorkers: cfg.Workers.Premium,
		MaxAttempts:    cfg.Queue.MaxAttempts,
	}, logger)

	s.http = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: s.router(),
	}
	return s, nil
}

// router builds the gin engine with the full middleware stack.
func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))

	r.GET("/health", handlers.Health)
	if s.cfg.Telemetry.Metrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := handlers.New(s.store, s.queue, s.orch, s.broker, s.bus, s.archive, s.vault, s.logger)
	limiter := middleware.NewRateLimiter(apiRateLimitRPS, apiRateLimitBurst)
	v1 := r.Group("/v1",
		middleware.Auth(s.cfg.Server.AuthToken),
		limiter.Middleware(),
	)
	api.Register(v1)
	return r
}

// Run starts the conductor and blocks until ctx is cancelled or the
// listener fails. Shutdown is graceful: the API drains first, then the
// worker pool stops, then connections and the store close.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Server.AuthToken == "" {
		s.logger.Warn("API auth disabled: FORGE_AUTH_TOKEN is not set")
	}

	// The agent service may come up after us; phases fail fast with a
	// clear error until the connection is established.
	if err := s.agent.Connect(ctx); err != nil {
		s.logger.Warn("agent service unreachable at startup", "error", err.Error())
	}

	if n, err := s.orch.Recover(ctx); err != nil {
		s.logger.Error("recovery failed", "error", err.Error())
	} else if n > 0 {
		s.logger.Info("requeued interrupted tasks", "count", n)
	}

	poolCtx, stopPool := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := s.pool.Start(poolCtx); err != nil {
			s.logger.Error("worker pool exited", "error", err.Error())
		}
	}()

	if err := config.Watch(ctx, s.cfgPath, s.logger, func(next *config.Config) {
		s.logger.SetLevel(logging.ParseLevel(next.Logging.Level))
	}); err != nil {
		s.logger.Warn("config watch unavailable", "error", err.Error())
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("conductor listening", "addr", s.cfg.Server.ListenAddr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.shutdown(stopPool, poolDone)
			return fmt.Errorf("http server: %w", err)
		}
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "error", err.Error())
	}
	s.shutdown(stopPool, poolDone)
	return nil
}

// shutdown stops the worker pool and releases every resource.
func (s *Server) shutdown(stopPool context.CancelFunc, poolDone <-chan struct{}) {
	stopPool()
	select {
	case <-poolDone:
	case <-time.After(shutdownGrace):
		s.logger.Warn("worker pool did not stop within grace period")
	}

	if err := s.agent.Close(); err != nil {
		s.logger.Warn("agent close", "error", err.Error())
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Warn("redis close", "error", err.Error())
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close", "error", err.Error())
	}
	if s.stopTracing != nil {
		s.stopTracing(context.Background())
	}
}
