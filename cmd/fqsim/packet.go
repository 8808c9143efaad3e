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

package main

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/gchux/fq-sched/pkg/fq"
)

type (
	// simSocket stands in for a kernel socket on replayed traffic: one per
	// observed transport flow, with a stable even identity so the scheduler
	// can tell socket-backed flows from hash-synthesized ones.
	simSocket struct {
		id         uintptr
		hash       uint32
		sourcePort uint16
		pacingRate uint64
		closed     bool
	}

	// simPacket adapts one captured frame to the scheduler's opaque packet
	// handle.
	simPacket struct {
		length    int
		priority  uint32
		departure uint64
		hash      uint32
		sock      *simSocket
		ceMarked  bool
	}
)

func (s *simSocket) ID() uintptr        { return s.id }
func (s *simSocket) Listening() bool    { return false }
func (s *simSocket) Closed() bool       { return s.closed }
func (s *simSocket) Hash() uint32       { return s.hash }
func (s *simSocket) PacingRate() uint64 { return s.pacingRate }
func (s *simSocket) SourcePort() uint16 { return s.sourcePort }

func (p *simPacket) Length() int           { return p.length }
func (p *simPacket) Priority() uint32      { return p.priority }
func (p *simPacket) DepartureTime() uint64 { return p.departure }
func (p *simPacket) Hash() uint32          { return p.hash }
func (p *simPacket) Socket() fq.Socket {
	if p.sock == nil {
		return nil
	}
	return p.sock
}

// MarkCE records the ECN-CE mark the engine applies to late packets.
func (p *simPacket) MarkCE() { p.ceMarked = true }

// translatableLayers mirrors the capture side's allow-list of transport
// layers the simulator knows how to key a flow from.
var translatableLayers = mapset.NewSet[gopacket.LayerType](
	layers.LayerTypeTCP,
	layers.LayerTypeUDP,
)

// packetFactory turns captured frames into scheduler packets, minting one
// simSocket per transport flow. Socket identities grow by 2 so the low
// bit stays clear, the same word-alignment guarantee a real allocator
// provides.
type packetFactory struct {
	sockets    map[uint64]*simSocket
	nextSockID uintptr
	pacingRate uint64
}

func newPacketFactory(pacingRate uint64) *packetFactory {
	return &packetFactory{
		sockets:    make(map[uint64]*simSocket),
		nextSockID: 2,
		pacingRate: pacingRate,
	}
}

// translate adapts one gopacket frame, or reports false for frames with
// no usable transport layer.
func (pf *packetFactory) translate(pkt gopacket.Packet) (*simPacket, bool) {
	tl := pkt.TransportLayer()
	if tl == nil || !translatableLayers.Contains(tl.LayerType()) {
		return nil, false
	}

	flowHash := tl.TransportFlow().FastHash()
	hash := uint32(flowHash) ^ uint32(flowHash>>32)

	var sourcePort uint16
	connectionless := false
	switch l := tl.(type) {
	case *layers.TCP:
		sourcePort = uint16(l.SrcPort)
	case *layers.UDP:
		sourcePort = uint16(l.SrcPort)
		connectionless = true
	}

	sock, ok := pf.sockets[flowHash]
	if !ok {
		sock = &simSocket{
			id:         pf.nextSockID,
			hash:       hash,
			sourcePort: sourcePort,
			pacingRate: pf.pacingRate,
			closed:     connectionless,
		}
		pf.nextSockID += 2
		pf.sockets[flowHash] = sock
	}

	length := len(pkt.Data())
	if meta := pkt.Metadata(); meta != nil && meta.Length > 0 {
		length = meta.Length
	}

	return &simPacket{
		length: length,
		hash:   hash,
		sock:   sock,
	}, true
}
