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

package flowtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gchux/fq-sched/internal/flowarena"
)

func establishedSocket(id uint64, hash uint32) SocketInfo {
	return SocketInfo{Present: true, ID: id, Hash: hash}
}

func TestClassifyControlGoesInternal(t *testing.T) {
	tbl := New(4, 1023, 15000)
	h, rec, refreshed := tbl.Classify(0, true, 0xdead, establishedSocket(8, 7))
	assert.Equal(t, tbl.InternalHandle(), h)
	require.NotNil(t, rec)
	assert.False(t, refreshed)
	assert.EqualValues(t, 0, tbl.Flows(), "internal flow is not counted")
}

func TestClassifySocketKey(t *testing.T) {
	tbl := New(4, 1023, 15000)
	h1, rec, _ := tbl.Classify(0, false, 0xaaaa, establishedSocket(0x1000, 5))
	require.NotEqual(t, flowarena.Nil, h1)
	assert.EqualValues(t, 0x1000, rec.Key)
	assert.EqualValues(t, 0, rec.Key&1, "socket keys keep the low bit clear")
	assert.EqualValues(t, 1, tbl.Flows())
	assert.EqualValues(t, 1, tbl.InactiveFlows(), "new flows start detached")

	// Same socket, same packet hash or not: same flow.
	h2, _, _ := tbl.Classify(0, false, 0xbbbb, establishedSocket(0x1000, 5))
	assert.Equal(t, h1, h2)
	assert.EqualValues(t, 1, tbl.Flows())
}

func TestClassifyOrphanSynthesizesOddKey(t *testing.T) {
	tbl := New(4, 1023, 15000)

	for _, sock := range []SocketInfo{
		{}, // no socket at all
		{Present: true, ID: 0x2000, Listening: true}, // listener
		{Present: true, ID: 0x3000, Closed: true},    // connection-less
	} {
		h, rec, _ := tbl.Classify(0, false, 0x0aaa, sock)
		require.NotEqual(t, flowarena.Nil, h)
		assert.EqualValues(t, 1, rec.Key&1, "synthesized keys carry the LSB tag")
		assert.EqualValues(t, uint64(0x0aaa&1023)<<1|1, rec.Key)
	}
	// All three derived the same synthetic key, so one flow exists.
	assert.EqualValues(t, 1, tbl.Flows())
}

func TestOrphanMaskBoundsSyntheticKeys(t *testing.T) {
	tbl := New(4, 15, 15000)
	_, rec, _ := tbl.Classify(0, false, 0xffff, SocketInfo{})
	assert.EqualValues(t, uint64(15)<<1|1, rec.Key)
}

func TestSocketReuseRefreshesFlow(t *testing.T) {
	tbl := New(4, 1023, 15000)
	h, rec, _ := tbl.Classify(0, false, 0, establishedSocket(0x4000, 111))
	rec.Credit = -500
	rec.TimeNextPacket = 12345

	h2, rec2, refreshed := tbl.Classify(0, false, 0, establishedSocket(0x4000, 222))
	assert.Equal(t, h, h2)
	assert.True(t, refreshed)
	assert.EqualValues(t, 222, rec2.SocketHash)
	assert.EqualValues(t, 15000, rec2.Credit, "refresh restores the initial quantum")
	assert.EqualValues(t, 0, rec2.TimeNextPacket)
}

func TestGCUnderPressure(t *testing.T) {
	// 2 buckets: pressure needs flows >= 4 and inactive > flows/2.
	tbl := New(1, 1023, 15000)

	const flows = 20
	for i := 0; i < flows; i++ {
		_, rec, _ := tbl.Classify(0, false, 0, establishedSocket(uint64(0x1000+16*i), uint32(i)))
		require.Equal(t, flowarena.StateDetached, rec.State)
	}
	require.EqualValues(t, flows, tbl.Flows())
	require.EqualValues(t, flows, tbl.InactiveFlows())

	// Classify a fresh key that lands in the same bucket as the first aged
	// flow, once every detached flow has aged past GCAge: the pressured
	// bucket gives up at most GCMax of them.
	now := uint64(GCAge) + uint64(GCAge)
	freshKey := uint64(0xf000)
	for bucketIndex(freshKey, 1) != bucketIndex(0x1000, 1) {
		freshKey += 16
	}
	before := tbl.Flows()
	tbl.Classify(now, false, 0, establishedSocket(freshKey, 99))
	reaped := before + 1 - tbl.Flows() // +1 for the flow just added
	assert.Greater(t, reaped, uint64(0))
	assert.LessOrEqual(t, reaped, uint64(GCMax))
	assert.EqualValues(t, reaped, tbl.GCFlows())
	assert.Equal(t, tbl.Flows(), tbl.InactiveFlows())
}

func TestGCSparesYoungAndActiveFlows(t *testing.T) {
	tbl := New(1, 1023, 15000)

	var handles []flowarena.Handle
	for i := 0; i < 10; i++ {
		h, _, _ := tbl.Classify(0, false, 0, establishedSocket(uint64(0x1000+16*i), uint32(i)))
		handles = append(handles, h)
	}
	// Four flows in service, the other six recently detached.
	for _, h := range handles[:4] {
		tbl.MarkActive(h)
		tbl.Arena().Get(h).State = flowarena.StateOld
	}
	for _, h := range handles[4:] {
		tbl.Arena().Get(h).DetachedAt = uint64(GCAge) // too young at now
	}

	tbl.Classify(uint64(GCAge)+1, false, 0, establishedSocket(0xf000, 99))
	assert.EqualValues(t, 11, tbl.Flows(), "nothing was old enough to reap")
	assert.EqualValues(t, 0, tbl.GCFlows())
}

func TestResizeRehashesAndDropsStale(t *testing.T) {
	tbl := New(2, 1023, 15000)

	fresh, _, _ := tbl.Classify(0, false, 0, establishedSocket(0x1000, 1))
	stale, _, _ := tbl.Classify(0, false, 0, establishedSocket(0x2000, 2))
	_ = stale

	now := 2 * uint64(GCAge)
	tbl.Arena().Get(fresh).DetachedAt = now // still fresh

	tbl.Resize(4, now)

	assert.EqualValues(t, 1, tbl.Flows())
	assert.EqualValues(t, 1, tbl.GCFlows())

	// The surviving flow is still reachable at its old key.
	h, _, _ := tbl.Classify(now, false, 0, establishedSocket(0x1000, 1))
	assert.Equal(t, fresh, h)
	assert.EqualValues(t, 1, tbl.Flows())
}

func TestMarkDetachedAndActiveBookkeeping(t *testing.T) {
	tbl := New(4, 1023, 15000)
	h, rec, _ := tbl.Classify(0, false, 0, establishedSocket(0x1000, 1))
	require.EqualValues(t, 1, tbl.InactiveFlows())

	rec.State = flowarena.StateNew
	tbl.MarkActive(h) // no-op: already active
	rec.State = flowarena.StateDetached
	tbl.MarkActive(h)
	assert.EqualValues(t, 0, tbl.InactiveFlows())

	rec.State = flowarena.StateNew
	tbl.MarkDetached(h, 77)
	assert.EqualValues(t, 1, tbl.InactiveFlows())
	assert.Equal(t, flowarena.StateDetached, rec.State)
	assert.EqualValues(t, 77, rec.DetachedAt)
}

func TestForEachSkipsInternal(t *testing.T) {
	tbl := New(4, 1023, 15000)
	tbl.Classify(0, false, 0, establishedSocket(0x1000, 1))
	tbl.Classify(0, false, 0, establishedSocket(0x2000, 2))

	n := 0
	tbl.ForEach(func(h flowarena.Handle) {
		assert.NotEqual(t, tbl.InternalHandle(), h)
		n++
	})
	assert.Equal(t, 2, n)
}
