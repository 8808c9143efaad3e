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

// Package throttle implements the ordered set of paced-out flows and the
// single cached watchdog deadline.
package throttle

import (
	"math"

	"github.com/zhangyunhao116/skipmap"

	"github.com/gchux/fq-sched/internal/flowarena"
)

type chain struct {
	h    flowarena.Handle
	next *chain
}

// Set is the throttle set: flows ordered by time_next_packet, with ties
// broken by insertion order within each key's chain.
type Set struct {
	tree      *skipmap.Uint64Map[*chain]
	cachedMin uint64
	count     uint32
	events    uint64
	ewma      uint64
}

// New returns an empty throttle set.
func New() *Set {
	return &Set{tree: skipmap.NewUint64[*chain](), cachedMin: math.MaxUint64}
}

// Len reports how many flows are currently throttled.
func (s *Set) Len() uint32 { return s.count }

// Events reports how many Throttle calls have occurred over the set's
// lifetime (the cumulative `throttled` statistic).
func (s *Set) Events() uint64 { return s.events }

// EWMA returns the current unthrottle-latency estimate, in nanoseconds.
func (s *Set) EWMA() uint64 { return s.ewma }

// NextDeadline returns the cached minimum time_next_packet, or false if
// the set is empty.
func (s *Set) NextDeadline() (uint64, bool) {
	if s.cachedMin == math.MaxUint64 {
		return 0, false
	}
	return s.cachedMin, true
}

// Throttle inserts a flow keyed by its time_next_packet, marks it
// throttled in the arena, and refreshes the cached minimum.
func (s *Set) Throttle(arena *flowarena.Arena, h flowarena.Handle, at uint64) {
	rec := arena.Get(h)
	rec.State = flowarena.StateThrottled
	rec.TimeNextPacket = at
	c := &chain{h: h}
	if head, ok := s.tree.Load(at); ok {
		last := head
		for last.next != nil {
			last = last.next
		}
		last.next = c
	} else {
		s.tree.Store(at, c)
	}
	s.count++
	s.events++
	if at < s.cachedMin {
		s.cachedMin = at
	}
}

// Remove drops a specific flow out of the set regardless of ordering,
// used when a socket-reuse refresh finds the flow mid-throttle.
func (s *Set) Remove(arena *flowarena.Arena, h flowarena.Handle) {
	rec := arena.Get(h)
	if rec.State != flowarena.StateThrottled {
		return
	}
	key := rec.TimeNextPacket
	head, ok := s.tree.Load(key)
	if !ok {
		// A socket-reuse refresh clears the record's time_next_packet
		// before the flow is removed; find the chain holding h instead.
		s.tree.Range(func(k uint64, first *chain) bool {
			for c := first; c != nil; c = c.next {
				if c.h == h {
					key, head, ok = k, first, true
					return false
				}
			}
			return true
		})
		if !ok {
			return
		}
	}
	if head.h == h {
		if head.next != nil {
			s.tree.Store(key, head.next)
		} else {
			s.tree.Delete(key)
			if s.cachedMin == key {
				s.recomputeMin()
			}
		}
		s.count--
		return
	}
	for prev, c := head, head.next; c != nil; prev, c = c, c.next {
		if c.h == h {
			prev.next = c.next
			s.count--
			return
		}
	}
}

func (s *Set) recomputeMin() {
	min, ok := uint64(0), false
	s.tree.Range(func(k uint64, _ *chain) bool {
		min, ok = k, true
		return false
	})
	if ok {
		s.cachedMin = min
	} else {
		s.cachedMin = math.MaxUint64
	}
}

// CheckThrottled releases every flow whose time_next_packet has arrived,
// in key order, updating the unthrottle-latency EWMA along the way.
// release is called once per drained flow, in ascending time_next_packet
// order, and should place the flow on old_list.
func (s *Set) CheckThrottled(now uint64, release func(flowarena.Handle)) {
	if s.count == 0 || now < s.cachedMin {
		return
	}

	sample := now - s.cachedMin
	s.ewma -= s.ewma >> 3
	s.ewma += sample >> 3

	s.cachedMin = math.MaxUint64
	var drained []uint64
	s.tree.Range(func(k uint64, c *chain) bool {
		if k > now {
			if k < s.cachedMin {
				s.cachedMin = k
			}
			return false
		}
		drained = append(drained, k)
		for ; c != nil; c = c.next {
			release(c.h)
			s.count--
		}
		return true
	})
	for _, k := range drained {
		s.tree.Delete(k)
	}
}

// Reset drops every throttled flow without invoking release; used by a
// full scheduler reset.
func (s *Set) Reset() {
	s.tree = skipmap.NewUint64[*chain]()
	s.cachedMin = math.MaxUint64
	s.count = 0
}
