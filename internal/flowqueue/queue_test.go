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

package flowqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	name string
	size int
}

func (p *testPayload) Length() int { return p.size }

func drain(t *testing.T, q *Queue) []string {
	t.Helper()
	var names []string
	for {
		v, ok := q.Dequeue()
		if !ok {
			return names
		}
		names = append(names, v.(*testPayload).name)
	}
}

func TestFIFOFastPath(t *testing.T) {
	q := New()
	q.Add(10, &testPayload{name: "a"})
	q.Add(20, &testPayload{name: "b"})
	q.Add(20, &testPayload{name: "c"}) // equal to tail stays on the FIFO
	q.Add(30, &testPayload{name: "d"})

	require.EqualValues(t, 4, q.Len())
	assert.Equal(t, []string{"a", "b", "c", "d"}, drain(t, q))
	assert.EqualValues(t, 0, q.Len())
}

func TestOutOfOrderArrivals(t *testing.T) {
	q := New()
	q.Add(200, &testPayload{name: "A"})
	q.Add(100, &testPayload{name: "B"})
	q.Add(150, &testPayload{name: "C"})

	v, tts, ok := q.Peek()
	require.True(t, ok)
	assert.EqualValues(t, 100, tts)
	assert.Equal(t, "B", v.(*testPayload).name)

	assert.Equal(t, []string{"B", "C", "A"}, drain(t, q))
}

func TestEqualTimeToSendKeepsArrivalOrder(t *testing.T) {
	q := New()
	q.Add(100, &testPayload{name: "late"})
	q.Add(50, &testPayload{name: "first"})
	q.Add(50, &testPayload{name: "second"})

	assert.Equal(t, []string{"first", "second", "late"}, drain(t, q))
}

func TestPeekPrefersSmallerTimeToSend(t *testing.T) {
	q := New()
	q.Add(300, &testPayload{name: "fifo"})
	q.Add(100, &testPayload{name: "tree"})

	v, tts, ok := q.Peek()
	require.True(t, ok)
	assert.EqualValues(t, 100, tts)
	assert.Equal(t, "tree", v.(*testPayload).name)

	// An arrival equal to the FIFO tail's timeToSend joins the FIFO behind
	// it rather than the tree.
	q2 := New()
	q2.Add(100, &testPayload{name: "fifo"})
	q2.Add(50, &testPayload{name: "tree"})
	_, _ = q2.Dequeue() // removes "tree"
	q2.Add(100, &testPayload{name: "tree2"})
	_, _ = q2.Dequeue() // removes the FIFO head "fifo"
	v2, _, ok := q2.Peek()
	require.True(t, ok)
	assert.Equal(t, "tree2", v2.(*testPayload).name)
}

func TestEmptyQueue(t *testing.T) {
	q := New()
	_, _, ok := q.Peek()
	assert.False(t, ok)
	_, ok = q.Dequeue()
	assert.False(t, ok)
	assert.EqualValues(t, 0, q.Len())
}

func TestResetDrainsEverything(t *testing.T) {
	q := New()
	q.Add(10, &testPayload{name: "a"})
	q.Add(5, &testPayload{name: "b"}) // out of order, lands in the tree
	q.Add(20, &testPayload{name: "c"})

	drained := q.Reset()
	assert.Len(t, drained, 3)
	assert.EqualValues(t, 0, q.Len())
	_, _, ok := q.Peek()
	assert.False(t, ok)

	// Queue is reusable after a reset.
	q.Add(1, &testPayload{name: "d"})
	assert.Equal(t, []string{"d"}, drain(t, q))
}
