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

// Package fq implements a Fair Queue packet scheduler with per-flow pacing
// and a co-flow priority class, modeled after the Linux "fq" qdisc
// (net/sched/sch_fq.c).
package fq

// Socket is the opaque per-connection identity a Packet may carry. The
// scheduler never looks inside it beyond the accessors below; ownership and
// lifetime belong entirely to the host.
type Socket interface {
	// ID is a stable, word-aligned identity for the socket. Because real
	// allocators never hand out odd addresses, its least significant bit is
	// always 0 — the scheduler relies on that to distinguish socket-backed
	// flow keys from hash-synthesized ones.
	ID() uintptr

	// Listening reports whether this socket is a listener (or a
	// not-yet-accepted SYN-RECV request socket): such sockets are treated
	// as orphans for classification purposes.
	Listening() bool

	// Closed reports a connection-less socket (e.g. UDP, TCP_CLOSE):
	// treated as an orphan for classification purposes.
	Closed() bool

	// Hash is the socket's own rehashable identity. Used to detect
	// socket-slot reuse and, when its flow matches a configured co-flow
	// source port, to derive the co-flow identity.
	Hash() uint32

	// PacingRate is the transport-requested rate in bytes/sec, or 0 if the
	// transport does not request pacing.
	PacingRate() uint64

	// SourcePort is the socket's local port, consulted only to derive the
	// co-flow identity set against the configured F1SourcePort and
	// F2SourcePort.
	SourcePort() uint16
}

// Packet is the opaque packet-buffer handle. The scheduler core never
// parses its contents; it only ever calls these five accessors, plus a
// MarkCE() method on packet types that implement one (ECN-CE marking of
// late packets).
type Packet interface {
	// Length is the on-wire length in bytes, used for DRR credit accounting
	// and pacing delay computation.
	Length() int

	// Priority carries the host's classification priority; bits masked by
	// PriorityMask equal to PriorityControl bypass scheduling entirely.
	Priority() uint32

	// DepartureTime is the explicit earliest-departure-time in nanoseconds,
	// or 0 if the caller wants it stamped with "now" at enqueue time.
	DepartureTime() uint64

	// Socket returns the packet's socket identity, or nil for packets that
	// arrive with no associated socket (routed/forwarded traffic).
	Socket() Socket

	// Hash is the packet's flow hash (e.g. a 4-tuple hash), used as the
	// fallback flow key for orphaned/listener/connection-less traffic.
	Hash() uint32
}

const (
	// PriorityMask isolates the priority band used for the control bypass
	// (Linux's TC_PRIO_MAX band mask).
	PriorityMask uint32 = 0x0f

	// PriorityControl is the priority band that always bypasses normal
	// scheduling (mirrors TC_PRIO_CONTROL).
	PriorityControl uint32 = 0x07
)

// FlowKey identifies a flow: either a socket identity (even, LSB clear)
// or a hash-synthesized pseudo-socket (LSB set).
type FlowKey uint64

// SocketFlowKey builds a FlowKey from a socket's word-aligned identity.
func SocketFlowKey(id uintptr) FlowKey {
	return FlowKey(uint64(id) &^ 1)
}

// SyntheticFlowKey builds a FlowKey from a packet hash reduced by mask,
// tagging the low bit so it can never collide with a socket-backed key.
func SyntheticFlowKey(hash uint32, orphanMask uint32) FlowKey {
	return FlowKey(uint64(hash&orphanMask)<<1 | 1)
}

// Synthetic reports whether this key was hash-synthesized rather than
// derived from a real socket pointer.
func (k FlowKey) Synthetic() bool { return k&1 == 1 }

// Uint64 exposes the key's raw ordering value (bucket/tree comparisons
// operate on this).
func (k FlowKey) Uint64() uint64 { return uint64(k) }
