// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package costs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
	"github.com/AleutianAI/AleutianForge/services/conductor/store"
)

func TestRefreshIsIdempotent(t *testing.T) {
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.CreateTask(ctx, &datatypes.Task{
		ID: "task-1", UserID: "u1", Title: "t", Status: datatypes.TaskStatusRunning,
	}))
	execs := []datatypes.AgentExecution{
		{ID: "e1", TaskID: "task-1", Phase: datatypes.PhasePlanning, InputTokens: 1000, OutputTokens: 200, CostUSD: 0.05, Status: datatypes.ExecutionCompleted},
		{ID: "e2", TaskID: "task-1", Phase: datatypes.PhaseDeveloper, InputTokens: 5000, OutputTokens: 2500, CostUSD: 0.40, Status: datatypes.ExecutionCompleted},
		{ID: "e3", TaskID: "task-1", Phase: datatypes.PhaseDeveloper, InputTokens: 300, OutputTokens: 10, CostUSD: 0.01, Status: datatypes.ExecutionAborted},
	}
	for i := range execs {
		require.NoError(t, st.PutExecution(ctx, &execs[i]))
	}

	agg := NewAggregator(st)
	rollup, err := agg.Refresh(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6300), rollup.InputTokens)
	assert.Equal(t, int64(2710), rollup.OutputTokens)
	assert.InDelta(t, 0.46, rollup.CostUSD, 1e-9)

	// Refreshing again derives the same totals; nothing accumulates.
	rollup, err = agg.Refresh(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6300), rollup.InputTokens)

	task, err := st.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, rollup, task.Costs)
}

func TestSumEmptyTask(t *testing.T) {
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	defer st.Close()

	agg := NewAggregator(st)
	rollup, err := agg.Sum(context.Background(), "missing")
	require.NoError(t, err)
	assert.Zero(t, rollup.InputTokens)
	assert.Zero(t, rollup.CostUSD)
}
