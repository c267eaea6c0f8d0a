// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
)

// Recover is the boot-time crash sweep: every task a dead worker left
// in running, paused, or waiting_for_approval is flipped to
// interrupted and re-enqueued at the front of its lane, so resume
// picks it up before any newly queued work.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	interrupted, err := o.deps.Store.RecoverInterrupted(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted tasks: %w", err)
	}
	for i := range interrupted {
		task := &interrupted[i]
		if err := o.queue.RequeueFront(ctx, task); err != nil {
			return i, fmt.Errorf("requeue %s: %w", task.ID, err)
		}
		o.logger.Info("requeued interrupted task",
			"task_id", task.ID, "lane", task.Lane,
			"completed_phases", len(task.CompletedPhases),
			"last_story", task.LastCompletedStoryIndex)
	}
	return len(interrupted), nil
}
