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

import "time"

// Config holds the scheduler's tunables. Field names follow the fq
// qdisc's netlink attribute names, translated to Go casing.
type Config struct {
	// PacketLimit is the total number of packets the scheduler may queue
	// (`plimit`).
	PacketLimit uint32
	// FlowPacketLimit is the per-flow packet limit (`flow_plimit`).
	FlowPacketLimit uint32
	// Quantum is the DRR quantum in bytes.
	Quantum uint32
	// InitialQuantum is the credit a flow starts (or refreshes) with.
	InitialQuantum uint32
	// RateEnable toggles per-socket pacing.
	RateEnable bool
	// FlowMaxRate is the global per-flow rate cap in bytes/sec; 0 means
	// unlimited (mirrors the qdisc's ~0UL "infinite" sentinel).
	FlowMaxRate uint64
	// BucketsLog is L, the log2 of the flow-table bucket count (1..18).
	BucketsLog uint8
	// FlowRefillDelay is how long a flow must have been idle before its
	// credit is refreshed to at least Quantum on re-enqueue.
	FlowRefillDelay time.Duration
	// OrphanMask masks the packet hash used to synthesize flow keys for
	// orphaned/listener/connectionless traffic.
	OrphanMask uint32
	// LowRateThreshold: pacing rates at or below this zero the flow's
	// credit to force small, paced packets.
	LowRateThreshold uint64
	// CEThreshold: packets served more than this many ns after their
	// eligible time are ECN-CE marked. DefaultConfig sets an effectively
	// infinite value, which disables marking.
	CEThreshold uint64
	// TimerSlack is the watchdog scheduling slack in nanoseconds.
	TimerSlack time.Duration
	// Horizon is the maximum distance into the future an EDT may name.
	Horizon time.Duration
	// HorizonDrop: drop (true) vs. cap (false) packets beyond Horizon.
	HorizonDrop bool
	// F1SourcePort, F2SourcePort: up to two co-flow identities, by source
	// port, configured at setup time.
	F1SourcePort uint16
	F2SourcePort uint16
	// F1DestPort, F2DestPort: reserved, settable but never consulted by
	// selection and not included in the stats dump.
	F1DestPort uint16
	F2DestPort uint16
}

// DefaultConfig returns the stock fq tuning, assuming a 1500-byte MTU
// (2x/10x MTU quantum defaults).
func DefaultConfig() Config {
	const mtu = 1500
	return Config{
		PacketLimit:      10000,
		FlowPacketLimit:  100,
		Quantum:          2 * mtu,
		InitialQuantum:   10 * mtu,
		RateEnable:       true,
		FlowMaxRate:      0, // unlimited
		BucketsLog:       10,
		FlowRefillDelay:  40 * time.Millisecond,
		OrphanMask:       1023,
		LowRateThreshold: 68750,
		CEThreshold:      ^uint64(0), // effectively never marks
		TimerSlack:       10 * time.Microsecond,
		Horizon:          10 * time.Second,
		HorizonDrop:      true,
	}
}

// Validate reports the first configuration violation found, or nil. It
// never mutates Config; rejected changes leave prior state untouched.
func (c Config) Validate() error {
	if c.BucketsLog < 1 || c.BucketsLog > 18 {
		return newError(KindInvalidConfig, "buckets_log must be in [1,18]")
	}
	if c.Quantum == 0 || c.Quantum > 1<<20 {
		return newError(KindInvalidConfig, "quantum must be in (0, 1<<20]")
	}
	if c.InitialQuantum == 0 {
		return newError(KindInvalidConfig, "initial_quantum must be > 0")
	}
	if c.PacketLimit == 0 {
		return newError(KindInvalidConfig, "plimit must be > 0")
	}
	return nil
}
