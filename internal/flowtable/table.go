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

// Package flowtable implements the flow table: a bucketed array of
// ordered trees keyed by flow identity, with lazy GC of idle flows.
package flowtable

import (
	"time"

	"github.com/alphadose/haxmap"
	"github.com/zhangyunhao116/skipmap"

	"github.com/gchux/fq-sched/internal/flowarena"
)

const (
	// GCMax bounds how many detached flows a single gc pass reaps.
	GCMax = 8
	// GCAge is how long a flow must sit detached before it is eligible.
	GCAge = 3 * time.Second
	// MaxLiveFlows caps the arena; classification past it degrades to the
	// internal flow instead of growing without bound.
	MaxLiveFlows = 1 << 20
)

// internalFlowKey never collides with a socket pointer (always even) or a
// hash-synthesized key (tagged odd with the high bits masked): it is the
// unique all-ones key, reserved for the distinguished internal flow.
const internalFlowKey = ^uint64(0)

// SocketInfo is the subset of a packet's socket the table needs to derive
// a flow key; pkg/fq builds this from its own Socket interface so this
// package never depends on it.
type SocketInfo struct {
	Present   bool
	ID        uint64
	Listening bool
	Closed    bool
	Hash      uint32
}

type bucket = *skipmap.Uint64Map[flowarena.Handle]

// Table is the flow table.
type Table struct {
	arena          *flowarena.Arena
	buckets        []bucket
	log2Buckets    uint8
	orphanMask     uint32
	initialQuantum uint32
	flows          uint32
	inactiveFlows  uint32
	gcFlows        uint64
	allocErrors    uint64
	internalHandle flowarena.Handle
	// index mirrors every live key->handle mapping in a lock-free map, so
	// a concurrent stats/debug reader can enumerate flows without taking
	// the host's scheduler lock.
	index *haxmap.Map[uint64, flowarena.Handle]
}

// New builds a table with 2^log2Buckets buckets and pre-allocates the
// distinguished internal flow. initialQuantum seeds the credit of every
// newly created or identity-refreshed flow.
func New(log2Buckets uint8, orphanMask, initialQuantum uint32) *Table {
	buckets := make([]bucket, 1<<log2Buckets)
	for i := range buckets {
		buckets[i] = skipmap.NewUint64[flowarena.Handle]()
	}
	arena := flowarena.New(1 << log2Buckets)
	t := &Table{
		arena:          arena,
		buckets:        buckets,
		log2Buckets:    log2Buckets,
		orphanMask:     orphanMask,
		initialQuantum: initialQuantum,
		index:          haxmap.New[uint64, flowarena.Handle](),
	}
	h, rec := arena.Allocate(internalFlowKey)
	rec.State = flowarena.StateNew
	t.internalHandle = h
	return t
}

// Arena exposes the backing slab so the DRR engine can mutate records by
// handle directly.
func (t *Table) Arena() *flowarena.Arena { return t.arena }

// InternalHandle is the distinguished flow that bypasses GC, rate
// limiting, and fair scheduling.
func (t *Table) InternalHandle() flowarena.Handle { return t.internalHandle }

func deriveKey(sock SocketInfo, packetHash, orphanMask uint32) uint64 {
	if !sock.Present || sock.Listening || sock.Closed {
		return uint64(packetHash&orphanMask)<<1 | 1
	}
	return sock.ID &^ 1
}

// bucketIndex reduces a flow key to log2Buckets bits with a
// multiplicative (Fibonacci) hash.
func bucketIndex(key uint64, log2Buckets uint8) uint32 {
	const mix = 0x9E3779B97F4A7C15
	return uint32((key * mix) >> (64 - log2Buckets))
}

// Classify derives a flow key, locates or allocates its record, and runs
// GC under table pressure. isControl must already reflect
// the packet's priority-band bypass check. The returned bool reports
// whether the existing flow's socket identity was just refreshed (socket
// slot reuse): Classify itself resets the credit to the initial quantum
// and clears TimeNextPacket, and the caller is responsible for removing
// the flow from the throttle set when true.
func (t *Table) Classify(now uint64, isControl bool, packetHash uint32, sock SocketInfo) (flowarena.Handle, *flowarena.Record, bool) {
	if isControl {
		return t.internalHandle, t.arena.Get(t.internalHandle), false
	}

	key := deriveKey(sock, packetHash, t.orphanMask)
	idx := bucketIndex(key, t.log2Buckets)
	b := t.buckets[idx]

	if t.flows >= 2*uint32(len(t.buckets)) && t.inactiveFlows > t.flows/2 {
		t.gc(b, now)
	}

	if h, ok := b.Load(key); ok {
		rec := t.arena.Get(h)
		refreshed := sock.Present && rec.SocketHash != sock.Hash
		if refreshed {
			rec.SocketHash = sock.Hash
			rec.Credit = int32(t.initialQuantum)
			rec.TimeNextPacket = 0
		}
		return h, rec, refreshed
	}

	if t.arena.Live() >= MaxLiveFlows {
		t.allocErrors++
		return t.internalHandle, t.arena.Get(t.internalHandle), false
	}

	h, rec := t.arena.Allocate(key)
	rec.SocketHash = sock.Hash
	rec.Credit = int32(t.initialQuantum)
	rec.State = flowarena.StateDetached
	rec.DetachedAt = now
	b.Store(key, h)
	t.index.Set(key, h)
	t.flows++
	t.inactiveFlows++
	return h, rec, false
}

// SetInitialQuantum adjusts the credit seeded into new and refreshed
// flows, for configuration changes after construction.
func (t *Table) SetInitialQuantum(q uint32) { t.initialQuantum = q }

// gc walks bucket collecting up to GCMax detached flows older than GCAge
// and reaps them in one batch.
func (t *Table) gc(b bucket, now uint64) {
	type candidate struct {
		key uint64
		h   flowarena.Handle
	}
	var reap []candidate
	b.Range(func(k uint64, h flowarena.Handle) bool {
		rec := t.arena.Get(h)
		if rec.State == flowarena.StateDetached && now-rec.DetachedAt > uint64(GCAge) {
			reap = append(reap, candidate{k, h})
		}
		return len(reap) < GCMax
	})
	for _, c := range reap {
		b.Delete(c.key)
		t.index.Del(c.key)
		t.arena.Free(c.h)
	}
	if n := uint32(len(reap)); n > 0 {
		t.flows -= n
		t.inactiveFlows -= n
		t.gcFlows += uint64(n)
	}
}

// Resize rehashes every record into a freshly sized bucket array, dropping
// GC candidates encountered along the way.
func (t *Table) Resize(newLog2Buckets uint8, now uint64) {
	newBuckets := make([]bucket, 1<<newLog2Buckets)
	for i := range newBuckets {
		newBuckets[i] = skipmap.NewUint64[flowarena.Handle]()
	}
	for _, b := range t.buckets {
		b.Range(func(k uint64, h flowarena.Handle) bool {
			rec := t.arena.Get(h)
			if rec.State == flowarena.StateDetached && now-rec.DetachedAt > uint64(GCAge) {
				t.index.Del(k)
				t.arena.Free(h)
				t.flows--
				t.inactiveFlows--
				t.gcFlows++
				return true
			}
			newBuckets[bucketIndex(k, newLog2Buckets)].Store(k, h)
			return true
		})
	}
	t.buckets = newBuckets
	t.log2Buckets = newLog2Buckets
}

// MarkDetached records a flow going idle.
func (t *Table) MarkDetached(h flowarena.Handle, now uint64) {
	rec := t.arena.Get(h)
	rec.State = flowarena.StateDetached
	rec.DetachedAt = now
	rec.Next = flowarena.Nil
	t.inactiveFlows++
}

// MarkActive records a previously detached flow re-entering service.
func (t *Table) MarkActive(h flowarena.Handle) {
	rec := t.arena.Get(h)
	if rec.State == flowarena.StateDetached {
		t.inactiveFlows--
	}
}

// Flows, InactiveFlows, GCFlows, AllocationErrors feed pkg/fq's Stats.
func (t *Table) Flows() uint64         { return uint64(t.flows) }
func (t *Table) InactiveFlows() uint64 { return uint64(t.inactiveFlows) }
func (t *Table) GCFlows() uint64       { return t.gcFlows }
func (t *Table) AllocationErrors() uint64 { return t.allocErrors }

// ForEach visits every live flow handle (excluding the distinguished
// internal flow) via the lock-free index, so inspection paths can walk
// flows without touching the buckets.
func (t *Table) ForEach(fn func(flowarena.Handle)) {
	t.index.ForEach(func(_ uint64, h flowarena.Handle) bool {
		fn(h)
		return true
	})
}
