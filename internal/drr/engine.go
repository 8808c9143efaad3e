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

// Package drr implements the deficit-round-robin scheduling engine: the
// new/old/co service lists, credit accounting, the co-flow
// promotion/flip override, and the pacing update.
package drr

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gchux/fq-sched/internal/flowarena"
	"github.com/gchux/fq-sched/internal/flowqueue"
	"github.com/gchux/fq-sched/internal/flowtable"
	"github.com/gchux/fq-sched/internal/throttle"
)

// ceMarker is the optional "set ECN-CE" callback a host's packet type may
// implement. The scheduler's packet accessors carry no mutator, so this is
// satisfied structurally by whatever concrete packet type the caller
// passes in, never required by pkg/fq's Packet interface itself.
type ceMarker interface {
	MarkCE()
}

// list is a singly-linked service list (new/old/co), head+tail addressed
// by handle so append and pop-front are both O(1).
type list struct {
	head, tail flowarena.Handle
	count      uint32
}

func (l *list) empty() bool { return l.head == flowarena.Nil }

// Config holds the subset of scheduler tunables the engine's selection
// loop and pacing step consult.
type Config struct {
	Quantum          uint32
	RateEnable       bool
	FlowMaxRate      uint64
	LowRateThreshold uint64
	CEThreshold      uint64
	F1SourcePort     uint16
	F2SourcePort     uint16
}

// Engine is the DRR scheduling engine.
type Engine struct {
	arena    *flowarena.Arena
	table    *flowtable.Table
	throttle *throttle.Set

	newList, oldList, coList list

	// coIdentity holds the derived socket_hash values of up to two
	// co-flow identities: populated from the flow's socket_hash the first
	// time its source port matches F1SourcePort/F2SourcePort, and
	// re-derived on socket-reuse refresh.
	coIdentity           mapset.Set[uint32]
	f1Hash, f2Hash       uint32
	f1Derived, f2Derived bool

	ucounter uint32
	flipflag bool

	cfg Config
}

// New builds an engine bound to arena (shared with the flow table) and
// table (for detach/activate bookkeeping shared across classify/select).
func New(arena *flowarena.Arena, table *flowtable.Table, cfg Config) *Engine {
	return &Engine{
		arena:      arena,
		table:      table,
		throttle:   throttle.New(),
		coIdentity: mapset.NewThreadUnsafeSet[uint32](),
		cfg:        cfg,
	}
}

// SetConfig updates the tunables a Change call may have altered.
func (e *Engine) SetConfig(cfg Config) { e.cfg = cfg }

// ThrottledFlows, ThrottleEvents, UnthrottleLatency feed pkg/fq's Stats.
func (e *Engine) ThrottledFlows() uint32    { return e.throttle.Len() }
func (e *Engine) ThrottleEvents() uint64    { return e.throttle.Events() }
func (e *Engine) UnthrottleLatency() uint64 { return e.throttle.EWMA() }

// NextDeadline exposes the cached minimum time_next_packet across the
// throttle set, or false when nothing is throttled.
func (e *Engine) NextDeadline() (uint64, bool) { return e.throttle.NextDeadline() }

// CoFlows reports how many flows currently sit on the co list.
func (e *Engine) CoFlows() uint32 { return e.coList.count }

// NoteSourcePort records a packet's source port against the flow's
// socket_hash, refreshing the derived co-flow identity set whenever the
// port matches one of the two configured slots. Called at enqueue and
// again whenever Classify reports a socket-identity refresh.
func (e *Engine) NoteSourcePort(port uint16, socketHash uint32) {
	switch {
	case e.cfg.F1SourcePort != 0 && port == e.cfg.F1SourcePort:
		if e.f1Derived {
			e.coIdentity.Remove(e.f1Hash)
		}
		e.f1Hash, e.f1Derived = socketHash, true
		e.coIdentity.Add(socketHash)
	case e.cfg.F2SourcePort != 0 && port == e.cfg.F2SourcePort:
		if e.f2Derived {
			e.coIdentity.Remove(e.f2Hash)
		}
		e.f2Hash, e.f2Derived = socketHash, true
		e.coIdentity.Add(socketHash)
	}
}

// IsCoFlow reports whether socketHash currently names one of the derived
// co-flow identities.
func (e *Engine) IsCoFlow(socketHash uint32) bool {
	return e.coIdentity.Contains(socketHash)
}

// pushTail appends h to l, tagging its record with state.
func (e *Engine) pushTail(l *list, h flowarena.Handle, state flowarena.State) {
	rec := e.arena.Get(h)
	rec.State = state
	rec.Next = flowarena.Nil
	if l.tail == flowarena.Nil {
		l.head = h
	} else {
		e.arena.Get(l.tail).Next = h
	}
	l.tail = h
	l.count++
}

// popFront removes and returns l's head handle, or (Nil, false) if empty.
func (e *Engine) popFront(l *list) (flowarena.Handle, bool) {
	h := l.head
	if h == flowarena.Nil {
		return flowarena.Nil, false
	}
	rec := e.arena.Get(h)
	l.head = rec.Next
	if l.head == flowarena.Nil {
		l.tail = flowarena.Nil
	}
	rec.Next = flowarena.Nil
	l.count--
	return h, true
}

// PushNew places a newly-active flow on the new list, or the co list if
// its derived identity already matches.
func (e *Engine) PushNew(h flowarena.Handle) {
	rec := e.arena.Get(h)
	if e.coIdentity.Contains(rec.SocketHash) {
		e.pushTail(&e.coList, h, flowarena.StateCo)
		return
	}
	e.pushTail(&e.newList, h, flowarena.StateNew)
}

// Unthrottle moves a flow out of the throttle set directly onto the old
// list, used when Classify finds a socket-reuse refresh on a currently
// throttled flow.
func (e *Engine) Unthrottle(h flowarena.Handle) {
	rec := e.arena.Get(h)
	if rec.State != flowarena.StateThrottled {
		return
	}
	e.throttle.Remove(e.arena, h)
	e.pushTail(&e.oldList, h, flowarena.StateOld)
}

// promote lifts the head of src onto the co list.
func (e *Engine) promote(src *list, h flowarena.Handle) {
	e.popFront(src)
	e.pushTail(&e.coList, h, flowarena.StateCo)
	e.ucounter++
}

// Result is what a successful Dequeue call serves.
type Result struct {
	Packet   flowqueue.Payload
	Handle   flowarena.Handle
	CEMarked bool
	TooLong  bool
}

// Dequeue runs the selection loop: releasing due
// throttled flows, walking new/old/co with credit gating, pacing holds,
// co-flow promotion/flip, and the pacing update on the packet finally
// served. Returns (result, 0, false) on success, or (nil, watchdogAt,
// true) when nothing is ready but a throttled flow exists, or (nil, 0,
// false) when the scheduler is entirely idle.
func (e *Engine) Dequeue(now uint64) (*Result, uint64, bool) {
	e.throttle.CheckThrottled(now, func(h flowarena.Handle) {
		e.pushTail(&e.oldList, h, flowarena.StateOld)
	})

	for {
		cur := &e.newList
		if e.flipflag {
			cur = &e.coList
		}
		if cur.empty() {
			cur = &e.newList
			if cur.empty() {
				cur = &e.oldList
				if cur.empty() {
					// Flows re-enqueued straight onto the co list sit out
					// normal rotation; serve them once nothing else is
					// runnable rather than stalling with packets queued.
					cur = &e.coList
					if cur.empty() {
						if at, ok := e.throttle.NextDeadline(); ok {
							return nil, at, true
						}
						return nil, 0, false
					}
				}
			}
		}

		h := cur.head
		rec := e.arena.Get(h)

		if cur != &e.coList && e.coIdentity.Contains(rec.SocketHash) {
			e.promote(cur, h)
			continue
		}
		if e.ucounter == 2 && cur != &e.coList && !e.flipflag {
			e.flipflag = true
			continue
		}
		if e.ucounter == 0 && cur == &e.coList && e.flipflag {
			e.flipflag = false
			continue
		}
		if e.flipflag && cur == &e.coList {
			e.ucounter--
		}

		if rec.Credit <= 0 {
			rec.Credit += int32(e.cfg.Quantum)
			e.popFront(cur)
			e.pushTail(&e.oldList, h, flowarena.StateOld)
			continue
		}

		payload, tts, ok := rec.Queue.Peek()
		if !ok {
			e.popFront(cur)
			e.retireOrPass(cur, h, now)
			continue
		}

		eligible := tts
		if rec.TimeNextPacket > eligible {
			eligible = rec.TimeNextPacket
		}
		if now < eligible {
			e.popFront(cur)
			rec.TimeNextPacket = eligible
			e.throttle.Throttle(e.arena, h, eligible)
			continue
		}

		ceMarked := false
		if now-eligible > e.cfg.CEThreshold {
			target := payload
			if env, ok := payload.(*flowqueue.Envelope); ok {
				target = env.Payload
			}
			if m, ok := target.(ceMarker); ok {
				m.MarkCE()
				ceMarked = true
			}
		}

		rec.Queue.Dequeue()
		if rec.Queue.Len() == 0 {
			e.popFront(cur)
			e.retireOrPass(cur, h, now)
		}

		length := payload.Length()
		rec.Credit -= int32(length)

		tooLong := false
		if e.cfg.RateEnable {
			tooLong = e.pace(rec, payload, length, now)
		}

		return &Result{Packet: payload, Handle: h, CEMarked: ceMarked, TooLong: tooLong}, 0, false
	}
}

// retireOrPass implements the forced-pass-through-old rule: a flow vacated from new/co with old non-empty is appended to
// old to prevent starvation; otherwise it is detached.
func (e *Engine) retireOrPass(from *list, h flowarena.Handle, now uint64) {
	if (from == &e.newList || from == &e.coList) && !e.oldList.empty() {
		e.pushTail(&e.oldList, h, flowarena.StateOld)
		return
	}
	e.table.MarkDetached(h, now)
}

// pace computes the flow's next eligible transmission time after serving
// a packet and reports whether the packet's length forced the 1-second
// delay clamp. A rate of 0 means unlimited
// throughout (config FlowMaxRate and Socket.PacingRate both use that
// sentinel); an unlimited effective rate skips the pacing update
// entirely. The socket's live pacing rate and the positive-credit skip
// apply only to packets that carried no explicit departure time: an
// explicit EDT already encodes the sender's pacing, so only the global
// FlowMaxRate cap is enforced on top of it.
func (e *Engine) pace(rec *flowarena.Record, payload flowqueue.Payload, length int, now uint64) bool {
	env, isEnv := payload.(*flowqueue.Envelope)
	explicit := isEnv && env.ExplicitDeparture

	rate := e.cfg.FlowMaxRate // 0 == unlimited
	plen := uint64(length)

	if !explicit {
		if isEnv && env.Socket != nil {
			if sr := env.Socket.PacingRate(); sr != 0 && (rate == 0 || sr < rate) {
				rate = sr
			}
		}
		if rate != 0 && rate <= e.cfg.LowRateThreshold {
			rec.Credit = 0
		} else {
			if plen < uint64(e.cfg.Quantum) {
				plen = uint64(e.cfg.Quantum)
			}
			if rec.Credit > 0 {
				return false
			}
		}
	}

	if rate == 0 {
		return false
	}

	const nsPerSec = uint64(time.Second)
	delay := plen * nsPerSec / rate
	tooLong := false
	if delay > nsPerSec {
		delay = nsPerSec
		tooLong = true
	}

	// Account for scheduler/timer drift since the prior packet was paced;
	// saturating, never rewinding more than half the computed delay.
	if rec.TimeNextPacket != 0 {
		var drift uint64
		if now > rec.TimeNextPacket {
			drift = now - rec.TimeNextPacket
		}
		if half := delay / 2; drift > half {
			drift = half
		}
		delay -= drift
	}
	rec.TimeNextPacket = now + delay
	return tooLong
}

// Reset drops every list/throttle/promotion-burst membership (the flows
// themselves are purged by the caller via the flow table). Configured
// co-flow source ports are preserved; derived identities are forgotten
// since the flows they named no longer exist.
func (e *Engine) Reset() {
	e.newList = list{}
	e.oldList = list{}
	e.coList = list{}
	e.throttle.Reset()
	e.coIdentity.Clear()
	e.f1Derived, e.f2Derived = false, false
	e.ucounter = 0
	e.flipflag = false
}
