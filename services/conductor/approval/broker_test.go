// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianForge/services/conductor/clock"
	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
	"github.com/AleutianAI/AleutianForge/services/conductor/store"
)

func newTestBroker(t *testing.T) (*Broker, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewBroker(st, nil, nil, nil), st
}

func waitPending(t *testing.T, b *Broker, taskID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !b.HasPending(taskID) {
		if time.Now().After(deadline) {
			t.Fatal("request never registered")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRequestResolveRendezvous(t *testing.T) {
	b, st := newTestBroker(t)
	ctx := context.Background()

	type result struct {
		res Resolution
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := b.Request(ctx, Request{
			TaskID:         "task-1",
			CheckpointName: "plan_review",
			Phase:          datatypes.PhasePlanning,
			Payload:        "the plan",
		})
		done <- result{res, err}
	}()

	waitPending(t, b, "task-1")
	require.NoError(t, b.Resolve(ctx, "task-1", "plan_review", Resolution{
		Decision:   datatypes.DecisionApprove,
		ResolvedBy: "reviewer-1",
	}))

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, datatypes.DecisionApprove, got.res.Decision)
	assert.Equal(t, "reviewer-1", got.res.ResolvedBy)
	assert.False(t, b.HasPending("task-1"))

	// Audit trail: requested row then resolved row.
	entries, err := st.ListApprovalLog(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, datatypes.ApprovalRequested, entries[0].Kind)
	assert.Equal(t, "the plan", entries[0].PayloadExcerpt)
	assert.Equal(t, datatypes.ApprovalResolved, entries[1].Kind)
	assert.Equal(t, datatypes.DecisionApprove, entries[1].Decision)
}

func TestDuplicateRendezvousRejected(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_, _ = b.Request(ctx, Request{TaskID: "task-1", CheckpointName: "plan_review"})
	}()
	waitPending(t, b, "task-1")

	_, err := b.Request(ctx, Request{TaskID: "task-1", CheckpointName: "plan_review"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestResolveWithoutPending(t *testing.T) {
	b, _ := newTestBroker(t)
	err := b.Resolve(context.Background(), "task-1", "plan_review", Resolution{
		Decision: datatypes.DecisionApprove,
	})
	assert.ErrorIs(t, err, ErrNoPending)
}

func TestInvalidDecisionRejected(t *testing.T) {
	b, _ := newTestBroker(t)
	err := b.Resolve(context.Background(), "task-1", "plan_review", Resolution{
		Decision: datatypes.ApprovalDecision("maybe"),
	})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoPending)
}

func TestTimeoutFires(t *testing.T) {
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	defer st.Close()
	fake := clock.NewFake(time.UnixMilli(1_000_000))
	b := NewBroker(st, nil, fake, nil)

	done := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), Request{
			TaskID:         "task-1",
			CheckpointName: "plan_review",
			Timeout:        time.Minute,
		})
		done <- err
	}()
	waitPending(t, b, "task-1")

	fake.Advance(2 * time.Minute)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not time out")
	}
	assert.False(t, b.HasPending("task-1"))
}

func TestZeroTimeoutWaitsForever(t *testing.T) {
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	defer st.Close()
	fake := clock.NewFake(time.UnixMilli(1_000_000))
	b := NewBroker(st, nil, fake, nil)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := b.Request(ctx, Request{TaskID: "task-1", CheckpointName: "plan_review"})
		done <- err
	}()
	waitPending(t, b, "task-1")

	// A huge advance must not wake a request with no timeout.
	fake.Advance(1000 * time.Hour)
	select {
	case err := <-done:
		t.Fatalf("request woke unexpectedly: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Resolve(ctx, "task-1", "plan_review", Resolution{
		Decision: datatypes.DecisionReject,
	}))
	assert.NoError(t, <-done)
}

func TestCancelTaskWakesAllPending(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	errs := make(chan error, 2)
	for _, cp := range []string{"plan_review", "story_review:0"} {
		go func(cp string) {
			_, err := b.Request(ctx, Request{TaskID: "task-1", CheckpointName: cp})
			errs <- err
		}(cp)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(b.Pending("task-1")) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("requests never registered")
		}
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, 2, b.CancelTask("task-1"))
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-errs, ErrCancelled)
	}
	assert.False(t, b.HasPending("task-1"))
}
