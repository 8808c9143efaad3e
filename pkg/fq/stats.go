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
	"sync/atomic"

	"github.com/Jeffail/gabs/v2"
)

// Stats holds the monotonically increasing counters the scheduler
// maintains on its data path. Gauges (flows, inactive flows, throttled
// flows, the next watchdog deadline) are read live from the flow table
// and DRR engine by Scheduler.Snapshot rather than mirrored here.
// Counter fields use atomics so a Snapshot racing the data path still
// reads torn-free values.
type Stats struct {
	packets      atomic.Uint64
	bytes        atomic.Uint64
	drops        atomic.Uint64
	highPrio     atomic.Uint64
	flowsPlimit  atomic.Uint64
	horizonDrops atomic.Uint64
	horizonCaps  atomic.Uint64
	ceMarked     atomic.Uint64
	pktsTooLong  atomic.Uint64
	limitShrink  atomic.Uint64
}

// Snapshot is a point-in-time copy of every statistic the scheduler
// exposes.
type Snapshot struct {
	Packets             uint64 `json:"packets"`
	Bytes               uint64 `json:"bytes"`
	Drops               uint64 `json:"drops"`
	Flows               uint64 `json:"flows"`
	InactiveFlows       uint64 `json:"inactive_flows"`
	CoFlows             uint64 `json:"co_flows"`
	GCFlows             uint64 `json:"gc_flows"`
	HighPrioPackets     uint64 `json:"high_prio_packets"`
	Throttled           uint64 `json:"throttled"`
	ThrottledFlows      uint64 `json:"throttled_flows"`
	FlowPacketLimitHits uint64 `json:"flow_plimit_hits"`
	HorizonDrops        uint64 `json:"horizon_drops"`
	HorizonCaps         uint64 `json:"horizon_caps"`
	CEMarked            uint64 `json:"ce_marked"`
	PacketsTooLong      uint64 `json:"pkts_too_long"`
	AllocErrors         uint64 `json:"alloc_errors"`
	// LimitShrinkDrops counts packets dropped by a Change call that shrank
	// plimit below the current queue length.
	LimitShrinkDrops  uint64 `json:"limit_shrink_drops"`
	UnthrottleLatency uint64 `json:"unthrottle_latency_ns"`
	// TimeNextDelayedFlow is how far in the future (ns, slack included)
	// the earliest throttled flow becomes eligible, or 0 if none.
	TimeNextDelayedFlow uint64 `json:"time_next_delayed_flow_ns"`
}

// Snapshot copies the counter fields out in one pass; the Scheduler
// fills in the gauge fields afterwards.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Packets:             s.packets.Load(),
		Bytes:               s.bytes.Load(),
		Drops:               s.drops.Load(),
		HighPrioPackets:     s.highPrio.Load(),
		FlowPacketLimitHits: s.flowsPlimit.Load(),
		HorizonDrops:        s.horizonDrops.Load(),
		HorizonCaps:         s.horizonCaps.Load(),
		CEMarked:            s.ceMarked.Load(),
		PacketsTooLong:      s.pktsTooLong.Load(),
		LimitShrinkDrops:    s.limitShrink.Load(),
	}
}

// JSON renders the snapshot as a structured container built key-by-key,
// so callers downstream can graft additional keys on before emitting it.
func (sn Snapshot) JSON() string {
	c := gabs.New()
	c.Set(sn.Packets, "packets")
	c.Set(sn.Bytes, "bytes")
	c.Set(sn.Drops, "drops")
	c.Set(sn.Flows, "flows")
	c.Set(sn.InactiveFlows, "inactive_flows")
	c.Set(sn.CoFlows, "co_flows")
	c.Set(sn.GCFlows, "gc_flows")
	c.Set(sn.HighPrioPackets, "high_prio_packets")
	c.Set(sn.Throttled, "throttled")
	c.Set(sn.ThrottledFlows, "throttled_flows")
	c.Set(sn.FlowPacketLimitHits, "flow_plimit_hits")
	c.Set(sn.HorizonDrops, "horizon_drops")
	c.Set(sn.HorizonCaps, "horizon_caps")
	c.Set(sn.CEMarked, "ce_marked")
	c.Set(sn.PacketsTooLong, "pkts_too_long")
	c.Set(sn.AllocErrors, "alloc_errors")
	c.Set(sn.LimitShrinkDrops, "limit_shrink_drops")
	c.Set(sn.UnthrottleLatency, "unthrottle_latency_ns")
	c.Set(sn.TimeNextDelayedFlow, "time_next_delayed_flow_ns")
	return c.String()
}
