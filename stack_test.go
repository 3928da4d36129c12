// Copyright 2024 The Cockroach Authors
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

package cuckoo

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestEntryStack(t *testing.T) {
	const capacity = 8
	region := make([]byte, stackBytes(capacity))

	_, ok := newEntryStack(tracker{}, region[:len(region)-1], capacity)
	require.False(t, ok)

	s, ok := newEntryStack(tracker{}, region, capacity)
	require.True(t, ok)
	require.Equal(t, 0, s.len())

	_, ok = s.pop()
	require.False(t, ok)

	for i := uint32(0); i < capacity; i++ {
		require.True(t, s.push(i*10))
	}
	require.False(t, s.push(99), "push onto a full stack")
	require.Equal(t, capacity, s.len())

	// LIFO.
	for i := uint32(capacity); i > 0; i-- {
		idx, ok := s.pop()
		require.True(t, ok)
		require.Equal(t, (i-1)*10, idx)
	}
	idx, ok := s.pop()
	require.False(t, ok)
	require.EqualValues(t, invalidEntry, idx)

	require.True(t, s.push(1))
	s.clear()
	require.Equal(t, 0, s.len())

	// fill hands out indices in ascending order.
	s.fill(5)
	require.Equal(t, 5, s.len())
	for i := uint32(0); i < 5; i++ {
		idx, ok := s.pop()
		require.True(t, ok)
		require.Equal(t, i, idx)
	}
	require.Panics(t, func() { s.fill(capacity + 1) })

	// The stack is stored in the region itself.
	require.True(t, s.push(7))
	a, ok := attachEntryStack(tracker{}, region, capacity)
	require.True(t, ok)
	require.Equal(t, 1, a.len())
	idx, ok = a.pop()
	require.True(t, ok)
	require.EqualValues(t, 7, idx)
	require.Equal(t, 0, s.len())
}

func TestEntryStackMarks(t *testing.T) {
	const capacity = 4
	region := make([]byte, stackBytes(capacity))
	var log WriteLog
	tr := tracker{base: unsafe.Pointer(&region[0]), marker: &log}

	s, ok := newEntryStack(tr, region, capacity)
	require.True(t, ok)
	log.Reset()

	require.True(t, s.push(3))
	// The index slot and the head.
	require.Equal(t, []Range{{Off: 0, Len: 8}, {Off: 16, Len: 4}}, log.Ranges())
	log.Reset()

	_, ok = s.pop()
	require.True(t, ok)
	require.Equal(t, []Range{{Off: 0, Len: 8}}, log.Ranges())
	log.Reset()

	_, ok = s.pop()
	require.False(t, ok)
	require.Zero(t, log.Len())
}
