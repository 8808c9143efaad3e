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

package flowarena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateGetFree(t *testing.T) {
	a := New(4)
	h, rec := a.Allocate(42)
	require.NotEqual(t, Nil, h)
	require.NotNil(t, rec)
	assert.EqualValues(t, 42, rec.Key)
	assert.NotNil(t, rec.Queue)
	assert.Same(t, rec, a.Get(h))
	assert.Equal(t, 1, a.Live())

	a.Free(h)
	assert.Equal(t, 0, a.Live())
}

func TestFreeListReuse(t *testing.T) {
	a := New(4)
	h1, _ := a.Allocate(1)
	h2, _ := a.Allocate(2)
	a.Free(h1)

	h3, rec := a.Allocate(3)
	assert.Equal(t, h1, h3, "freed slot is reused")
	assert.EqualValues(t, 3, rec.Key)
	assert.EqualValues(t, 0, rec.Credit, "reused record starts clean")
	assert.Equal(t, StateDetached, rec.State)
	_ = h2
}

func TestNilHandle(t *testing.T) {
	a := New(0)
	assert.Nil(t, a.Get(Nil))
	assert.Nil(t, a.Get(Handle(99)))
	a.Free(Nil) // must not panic
}
