// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bus

// ring is a fixed-size circular buffer keeping the most recent items.
//
// # Thread Safety
//
// NOT safe for concurrent use; caller must synchronize.
type ring[T any] struct {
	data  []T
	head  int // next write position
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &ring[T]{data: make([]T, capacity)}
}

// push adds an item, overwriting the oldest when full.
func (r *ring[T]) push(item T) {
	r.data[r.head] = item
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// last returns up to n items in chronological order (oldest first).
func (r *ring[T]) last(n int) []T {
	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	out := make([]T, n)
	start := r.head - n
	if start < 0 {
		start += len(r.data)
	}
	for i := 0; i < n; i++ {
		out[i] = r.data[(start+i)%len(r.data)]
	}
	return out
}

func (r *ring[T]) len() int { return r.count }
