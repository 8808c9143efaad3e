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

// Package flowarena holds flow records in a dense slab addressed by
// 32-bit handle, with a free-list for reuse. Handles stand in for the
// intrusive pointer links a kernel-style flow record would carry: no
// record is ever individually freed to the allocator, and no reference to
// one ever dangles.
package flowarena

import "github.com/gchux/fq-sched/internal/flowqueue"

// Handle addresses a flow record. The zero value, Nil, never addresses a
// real record — index 0 of the slab is reserved.
type Handle uint32

// Nil is the invalid handle.
const Nil Handle = 0

// State names which of the five mutually-exclusive places a flow currently occupies.
type State uint8

const (
	StateDetached State = iota
	StateNew
	StateOld
	StateCo
	StateThrottled
)

// Record is a flow's mutable state. Key is immutable for the record's
// life (it is cleared only when the handle is freed and reused for a
// different flow).
type Record struct {
	Key            uint64
	SocketHash     uint32
	Credit         int32
	TimeNextPacket uint64
	// DetachedAt holds the timestamp (ns) this flow went idle, valid only
	// while State == StateDetached. State carries the discriminator, so
	// the idle-age and list-tail roles need no shared tagged word.
	DetachedAt uint64
	State      State
	// Next links this record into whichever of new/old/co it currently
	// occupies. Unused while State is StateDetached or StateThrottled.
	Next  Handle
	Queue *flowqueue.Queue
}

// Arena is the slab + free-list.
type Arena struct {
	records  []Record
	freeList []Handle
}

// New returns an empty arena. capacityHint pre-sizes the backing slice;
// it is not a limit.
func New(capacityHint int) *Arena {
	a := &Arena{records: make([]Record, 1, capacityHint+1)} // index 0 == Nil
	return a
}

// Allocate reserves a handle for a new flow keyed by key, reusing a freed
// slot if one is available.
func (a *Arena) Allocate(key uint64) (Handle, *Record) {
	if n := len(a.freeList); n > 0 {
		h := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		a.records[h] = Record{Key: key, Queue: flowqueue.New()}
		return h, &a.records[h]
	}
	a.records = append(a.records, Record{Key: key, Queue: flowqueue.New()})
	h := Handle(len(a.records) - 1)
	return h, &a.records[h]
}

// Get resolves a handle to its record, or nil for Nil / out-of-range
// handles.
func (a *Arena) Get(h Handle) *Record {
	if h == Nil || int(h) >= len(a.records) {
		return nil
	}
	return &a.records[h]
}

// Free returns a handle to the free-list. The record's queue must already
// be drained by the caller; Free does not inspect it.
func (a *Arena) Free(h Handle) {
	if h == Nil {
		return
	}
	a.records[h] = Record{}
	a.freeList = append(a.freeList, h)
}

// Live reports the number of allocated, not-yet-freed records.
func (a *Arena) Live() int {
	return len(a.records) - 1 - len(a.freeList)
}
