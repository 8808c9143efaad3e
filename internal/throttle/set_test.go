// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package throttle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gchux/fq-sched/internal/flowarena"
)

func newFlows(t *testing.T, n int) (*flowarena.Arena, []flowarena.Handle) {
	t.Helper()
	arena := flowarena.New(n)
	handles := make([]flowarena.Handle, n)
	for i := range handles {
		h, _ := arena.Allocate(uint64(i + 1))
		handles[i] = h
	}
	return arena, handles
}

func TestThrottleMarksAndCachesMin(t *testing.T) {
	arena, hs := newFlows(t, 3)
	s := New()

	s.Throttle(arena, hs[0], 300)
	s.Throttle(arena, hs[1], 100)
	s.Throttle(arena, hs[2], 200)

	assert.EqualValues(t, 3, s.Len())
	assert.EqualValues(t, 3, s.Events())
	min, ok := s.NextDeadline()
	require.True(t, ok)
	assert.EqualValues(t, 100, min)
	assert.Equal(t, flowarena.StateThrottled, arena.Get(hs[0]).State)
}

func TestCheckThrottledBeforeDeadlineIsNoop(t *testing.T) {
	arena, hs := newFlows(t, 1)
	s := New()
	s.Throttle(arena, hs[0], 500)

	s.CheckThrottled(499, func(flowarena.Handle) {
		t.Fatal("released before its deadline")
	})
	assert.EqualValues(t, 1, s.Len())
}

func TestCheckThrottledReleasesInKeyOrder(t *testing.T) {
	arena, hs := newFlows(t, 4)
	s := New()
	s.Throttle(arena, hs[0], 400)
	s.Throttle(arena, hs[1], 100)
	s.Throttle(arena, hs[2], 900)
	s.Throttle(arena, hs[3], 200)

	var released []flowarena.Handle
	s.CheckThrottled(400, func(h flowarena.Handle) {
		released = append(released, h)
	})

	assert.Equal(t, []flowarena.Handle{hs[1], hs[3], hs[0]}, released)
	assert.EqualValues(t, 1, s.Len())
	min, ok := s.NextDeadline()
	require.True(t, ok)
	assert.EqualValues(t, 900, min, "cached min must be the first future key")
}

func TestCheckThrottledDrainsToEmpty(t *testing.T) {
	arena, hs := newFlows(t, 2)
	s := New()
	s.Throttle(arena, hs[0], 10)
	s.Throttle(arena, hs[1], 20)

	n := 0
	s.CheckThrottled(100, func(flowarena.Handle) { n++ })
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 0, s.Len())
	_, ok := s.NextDeadline()
	assert.False(t, ok)
}

func TestUnthrottleLatencyEWMA(t *testing.T) {
	arena, hs := newFlows(t, 1)
	s := New()
	s.Throttle(arena, hs[0], 1000)

	// First sample: ewma = 0 - 0/8 + (now-min)/8.
	s.CheckThrottled(1800, func(flowarena.Handle) {})
	assert.EqualValues(t, 100, s.EWMA())

	s.Throttle(arena, hs[0], 2000)
	s.CheckThrottled(2800, func(flowarena.Handle) {})
	// ewma = 100 - 100/8 + 800/8 = 188.
	assert.EqualValues(t, 188, s.EWMA())
}

func TestTiesReleaseInInsertionOrder(t *testing.T) {
	arena, hs := newFlows(t, 3)
	s := New()
	s.Throttle(arena, hs[2], 100)
	s.Throttle(arena, hs[0], 100)
	s.Throttle(arena, hs[1], 100)

	var released []flowarena.Handle
	s.CheckThrottled(100, func(h flowarena.Handle) { released = append(released, h) })
	assert.Equal(t, []flowarena.Handle{hs[2], hs[0], hs[1]}, released)
}

func TestRemove(t *testing.T) {
	arena, hs := newFlows(t, 3)
	s := New()
	s.Throttle(arena, hs[0], 100)
	s.Throttle(arena, hs[1], 100)
	s.Throttle(arena, hs[2], 300)

	// Mid-chain removal.
	s.Remove(arena, hs[1])
	assert.EqualValues(t, 2, s.Len())

	// Sole-entry removal recomputes the cached minimum.
	s.Remove(arena, hs[0])
	min, ok := s.NextDeadline()
	require.True(t, ok)
	assert.EqualValues(t, 300, min)

	// Removing a flow that is not throttled is a no-op.
	arena.Get(hs[1]).State = flowarena.StateOld
	s.Remove(arena, hs[1])
	assert.EqualValues(t, 1, s.Len())
}

func TestReset(t *testing.T) {
	arena, hs := newFlows(t, 2)
	s := New()
	s.Throttle(arena, hs[0], 10)
	s.Throttle(arena, hs[1], 20)

	s.Reset()
	assert.EqualValues(t, 0, s.Len())
	_, ok := s.NextDeadline()
	assert.False(t, ok)
}
