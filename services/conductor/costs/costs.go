// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package costs rolls per-execution token and dollar figures up to the
// task level.
package costs

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
	"github.com/AleutianAI/AleutianForge/services/conductor/store"
)

// Aggregator recomputes task-level cost rollups from execution records.
type Aggregator struct {
	store *store.Store
}

// NewAggregator builds an Aggregator over the given store.
func NewAggregator(st *store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// Sum computes the rollup across a task's executions without persisting.
func (a *Aggregator) Sum(ctx context.Context, taskID string) (datatypes.CostRollup, error) {
	execs, err := a.store.ListExecutions(ctx, taskID)
	if err != nil {
		return datatypes.CostRollup{}, fmt.Errorf("list executions: %w", err)
	}
	return Rollup(execs), nil
}

// Refresh recomputes the rollup and writes it onto the task. Idempotent:
// the rollup is always derived from scratch, never incremented, so
// re-running after a crash cannot double-count.
func (a *Aggregator) Refresh(ctx context.Context, taskID string) (datatypes.CostRollup, error) {
	rollup, err := a.Sum(ctx, taskID)
	if err != nil {
		return datatypes.CostRollup{}, err
	}
	_, err = a.store.UpdateTask(ctx, taskID, func(t *datatypes.Task) error {
		t.Costs = rollup
		return nil
	})
	if err != nil {
		return datatypes.CostRollup{}, fmt.Errorf("persist cost rollup: %w", err)
	}
	return rollup, nil
}

// Rollup sums executions into a CostRollup. Aborted and failed
// executions still count: their tokens were spent.
func Rollup(execs []datatypes.AgentExecution) datatypes.CostRollup {
	var out datatypes.CostRollup
	for _, e := range execs {
		out.InputTokens += e.InputTokens
		out.OutputTokens += e.OutputTokens
		out.CostUSD += e.CostUSD
	}
	return out
}
