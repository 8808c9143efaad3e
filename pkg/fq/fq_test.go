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

package fq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock drives the scheduler deterministically; scenario tests
// advance it instead of sleeping.
type fakeClock struct {
	nowNs uint64
}

func (c *fakeClock) Now() uint64             { return c.nowNs }
func (c *fakeClock) Advance(d time.Duration) { c.nowNs += uint64(d) }
func (c *fakeClock) Set(ns uint64)           { c.nowNs = ns }

type testSocket struct {
	id        uintptr
	hash      uint32
	srcPort   uint16
	pacing    uint64
	listening bool
	closed    bool
}

func (s *testSocket) ID() uintptr        { return s.id }
func (s *testSocket) Listening() bool    { return s.listening }
func (s *testSocket) Closed() bool       { return s.closed }
func (s *testSocket) Hash() uint32       { return s.hash }
func (s *testSocket) PacingRate() uint64 { return s.pacing }
func (s *testSocket) SourcePort() uint16 { return s.srcPort }

type testPacket struct {
	name     string
	length   int
	priority uint32
	depart   uint64
	hash     uint32
	sock     *testSocket
	ce       bool
}

func (p *testPacket) Length() int           { return p.length }
func (p *testPacket) Priority() uint32      { return p.priority }
func (p *testPacket) DepartureTime() uint64 { return p.depart }
func (p *testPacket) Hash() uint32          { return p.hash }
func (p *testPacket) MarkCE()               { p.ce = true }
func (p *testPacket) Socket() Socket {
	if p.sock == nil {
		return nil
	}
	return p.sock
}

// watchdogCall records one schedule_watchdog invocation.
type watchdogCall struct {
	atNs  uint64
	slack time.Duration
}

// harness bundles a scheduler with its fake clock and the host-side
// callbacks the tests observe.
type harness struct {
	clock     *fakeClock
	sched     *Scheduler
	dropped   []*testPacket
	dropKinds []Kind
	watchdogs []watchdogCall
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{clock: &fakeClock{nowNs: uint64(time.Second)}}
	sched, err := NewScheduler(cfg,
		WithClock(h.clock.Now),
		WithDrop(func(p Packet, k Kind) {
			h.dropped = append(h.dropped, p.(*testPacket))
			h.dropKinds = append(h.dropKinds, k)
		}),
		WithWatchdog(func(atNs uint64, slack time.Duration) {
			h.watchdogs = append(h.watchdogs, watchdogCall{atNs: atNs, slack: slack})
		}),
	)
	require.NoError(t, err)
	h.sched = sched
	return h
}

func (h *harness) now() uint64 { return h.clock.nowNs }

func (h *harness) mustDequeue(t *testing.T) *testPacket {
	t.Helper()
	p, ok := h.sched.Dequeue()
	require.True(t, ok, "expected a packet at t=%d", h.now())
	return p.(*testPacket)
}

func (h *harness) mustBeIdle(t *testing.T) {
	t.Helper()
	_, ok := h.sched.Dequeue()
	require.False(t, ok, "expected no packet at t=%d", h.now())
}

// drainNames dequeues until the scheduler is idle, advancing the clock
// past any pacing hold the watchdog announces.
func (h *harness) drainNames(t *testing.T) []string {
	t.Helper()
	var names []string
	for i := 0; i < 10000; i++ {
		if p, ok := h.sched.Dequeue(); ok {
			names = append(names, p.(*testPacket).name)
			continue
		}
		if n := len(h.watchdogs); n > 0 && h.watchdogs[n-1].atNs > h.now() {
			h.clock.Set(h.watchdogs[n-1].atNs)
			continue
		}
		return names
	}
	t.Fatal("drain did not converge")
	return nil
}
