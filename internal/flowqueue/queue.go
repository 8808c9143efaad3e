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

// Package flowqueue implements the hybrid FIFO/ordered-tree packet queue
// every flow holds.
package flowqueue

import "github.com/zhangyunhao116/skipmap"

// Payload is the minimal packet surface a per-flow queue needs. The queue
// never inspects it beyond storing and returning it; ordering is driven
// entirely by the time-to-send passed alongside it at Add.
type Payload interface {
	Length() int
}

// RateSource exposes a live pacing-rate lookup. The DRR engine reads it
// at dequeue time rather than a value snapshotted at enqueue, so a
// transport that retunes its rate while packets sit queued is honored.
type RateSource interface {
	PacingRate() uint64
}

// Envelope carries a packet alongside the admission-time facts the DRR
// engine's pacing step needs but the queue itself
// has no business inspecting: the packet's socket (nil if it arrived
// without one), and whether the caller supplied an explicit departure
// time. Admission always wraps packets in an Envelope before calling
// Add, and the DRR engine always unwraps one on Peek/Dequeue.
type Envelope struct {
	Payload           Payload
	Socket            RateSource
	ExplicitDeparture bool
}

// Length satisfies Payload by delegating to the wrapped packet.
func (e *Envelope) Length() int { return e.Payload.Length() }

type node struct {
	tts  uint64
	val  Payload
	next *node // FIFO successor, or same-tts chain successor in the tree
}

// Queue is a per-flow hybrid FIFO + ordered-tree packet queue. The FIFO
// fast path is O(1) for earliest-departure-time-monotone arrivals, which
// is the overwhelming common case; the tree absorbs out-of-order arrivals
// at O(log n).
type Queue struct {
	head, tail *node
	tree       *skipmap.Uint64Map[*node]
	qlen       uint32
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{tree: skipmap.NewUint64[*node]()}
}

// Len reports the number of packets currently queued.
func (q *Queue) Len() uint32 { return q.qlen }

// Add appends to the FIFO tail when timeToSend is at or after the current
// tail's, otherwise inserts into the ordered tree keyed by timeToSend.
// Packets sharing an exact timeToSend with an existing tree entry chain
// behind it in arrival order.
func (q *Queue) Add(timeToSend uint64, val Payload) {
	n := &node{tts: timeToSend, val: val}
	if q.head == nil || timeToSend >= q.tail.tts {
		if q.head == nil {
			q.head = n
		} else {
			q.tail.next = n
		}
		q.tail = n
	} else {
		q.insertTree(n)
	}
	q.qlen++
}

func (q *Queue) insertTree(n *node) {
	if head, ok := q.tree.Load(n.tts); ok {
		last := head
		for last.next != nil {
			last = last.next
		}
		last.next = n
		return
	}
	q.tree.Store(n.tts, n)
}

// treeMin returns the tree's leftmost (smallest timeToSend) chain head.
// skipmap.Range visits keys in ascending order; returning false after the
// first visit stops the walk immediately.
func (q *Queue) treeMin() (uint64, *node, bool) {
	var key uint64
	var n *node
	found := false
	q.tree.Range(func(k uint64, v *node) bool {
		key, n, found = k, v, true
		return false
	})
	return key, n, found
}

// Peek returns the packet Dequeue would return next, without removing it:
// whichever of the FIFO head or the tree's leftmost entry has the smaller
// timeToSend.
func (q *Queue) Peek() (val Payload, timeToSend uint64, ok bool) {
	_, treeHead, hasTree := q.treeMin()
	switch {
	case q.head == nil && !hasTree:
		return nil, 0, false
	case q.head == nil:
		return treeHead.val, treeHead.tts, true
	case !hasTree || q.head.tts <= treeHead.tts:
		return q.head.val, q.head.tts, true
	default:
		return treeHead.val, treeHead.tts, true
	}
}

// Dequeue erases whichever packet Peek would return and decrements Len.
func (q *Queue) Dequeue() (Payload, bool) {
	treeKey, treeHead, hasTree := q.treeMin()
	switch {
	case q.head == nil && !hasTree:
		return nil, false
	case q.head != nil && (!hasTree || q.head.tts <= treeHead.tts):
		val := q.head.val
		q.head = q.head.next
		if q.head == nil {
			q.tail = nil
		}
		q.qlen--
		return val, true
	default:
		val := treeHead.val
		if treeHead.next != nil {
			q.tree.Store(treeKey, treeHead.next)
		} else {
			q.tree.Delete(treeKey)
		}
		q.qlen--
		return val, true
	}
}

// Reset discards every queued packet and returns them so the caller can
// hand them to the host's drop path.
func (q *Queue) Reset() []Payload {
	var drained []Payload
	for n := q.head; n != nil; n = n.next {
		drained = append(drained, n.val)
	}
	q.tree.Range(func(_ uint64, n *node) bool {
		for ; n != nil; n = n.next {
			drained = append(drained, n.val)
		}
		return true
	})
	q.head, q.tail = nil, nil
	q.tree = skipmap.NewUint64[*node]()
	q.qlen = 0
	return drained
}
