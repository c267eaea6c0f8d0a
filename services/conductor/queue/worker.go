// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
)

// popInterval bounds each blocking pop so workers notice shutdown.
const popInterval = 5 * time.Second

// Handler executes one dequeued task end-to-end.
type Handler func(ctx context.Context, taskID string) error

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	// RegularWorkers drain both lanes, premium first.
	RegularWorkers int

	// PremiumWorkers drain the premium lane only, keeping reserved
	// capacity for premium submitters.
	PremiumWorkers int

	// MaxAttempts caps executions per job; only transient errors
	// consume a retry. Minimum 1.
	MaxAttempts int
}

// WorkerPool pulls jobs and drives the handler.
type WorkerPool struct {
	queue   *Queue
	handler Handler
	cfg     PoolConfig
	logger  *logging.Logger
}

// NewWorkerPool builds a pool; Start runs it.
func NewWorkerPool(q *Queue, handler Handler, cfg PoolConfig, logger *logging.Logger) *WorkerPool {
	if cfg.RegularWorkers <= 0 {
		cfg.RegularWorkers = 1
	}
	if cfg.PremiumWorkers < 0 {
		cfg.PremiumWorkers = 0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	q.SetWorkerCounts(cfg.RegularWorkers, cfg.PremiumWorkers)
	return &WorkerPool{queue: q, handler: handler, cfg: cfg, logger: logger}
}

// Start runs the workers until ctx is cancelled. It blocks; run it in
// its own goroutine and cancel ctx to shut down.
func (p *WorkerPool) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.RegularWorkers; i++ {
		g.Go(func() error {
			p.runWorker(ctx, laneOrder) // premium first, then regular
			return nil
		})
	}
	for i := 0; i < p.cfg.PremiumWorkers; i++ {
		g.Go(func() error {
			p.runWorker(ctx, []datatypes.Lane{datatypes.LanePremium})
			return nil
		})
	}
	return g.Wait()
}

func (p *WorkerPool) runWorker(ctx context.Context, lanes []datatypes.Lane) {
	for {
		if ctx.Err() != nil {
			return
		}
		popped, err := p.queue.backend.Pop(ctx, lanes, popInterval)
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if p.logger != nil {
				p.logger.Warn("queue pop failed", "error", err.Error())
			}
			// Back off so a dead backend does not spin the worker.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		p.process(ctx, popped.TaskID)
	}
}

// process runs the handler with the attempt policy: a transient
// infrastructure error consumes one retry; anything else fails the job
// on the spot.
func (p *WorkerPool) process(ctx context.Context, taskID string) {
	start := time.Now()
	var err error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		p.queue.markStarted(ctx, taskID)
		err = p.handler(ctx, taskID)
		if err == nil || !IsTransient(err) || ctx.Err() != nil {
			break
		}
		if p.logger != nil {
			p.logger.Warn("transient job failure, retrying",
				"task_id", taskID, "attempt", attempt, "error", err.Error())
		}
	}
	p.queue.markFinished(ctx, taskID, err)
	p.queue.RecordDuration(time.Since(start))

	if err != nil && p.logger != nil {
		p.logger.Error("job failed", "task_id", taskID, "error", err.Error())
	}
}
