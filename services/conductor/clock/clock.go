// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clock abstracts wall-clock access so timeout and throttle
// behavior is testable without real sleeps.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and timer construction.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NowUnixMilli returns the current time as Unix milliseconds UTC.
	NowUnixMilli() int64

	// After returns a channel that fires once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Real is the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) NowUnixMilli() int64 { return time.Now().UnixMilli() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually advanced clock for tests.
//
// Thread Safety: all methods are safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake returns a fake clock pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NowUnixMilli() int64 {
	return f.Now().UnixMilli()
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	w := &fakeWaiter{deadline: f.now.Add(d), ch: ch}
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, w)
	return ch
}

// Advance moves the fake clock forward and fires any timers whose
// deadline has passed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(f.now) {
			w.ch <- f.now
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
}
