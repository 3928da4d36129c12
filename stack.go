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
	"math"
	"unsafe"
)

const invalidEntry = math.MaxUint32

// stackHeader is the part of an entryStack stored at the front of its region.
// Both fields are fixed width so that the layout does not depend on the
// process that attaches to the region.
type stackHeader struct {
	// head is the number of indices on the stack. The top of the stack is
	// slots[head-1].
	head uint64
	// size is the capacity of the stack.
	size uint64
}

// stackBytes returns the number of region bytes needed for a stack holding
// up to entries indices.
func stackBytes(entries uintptr) uintptr {
	return unsafe.Sizeof(stackHeader{}) + entries*unsafe.Sizeof(uint32(0))
}

// entryStack is a LIFO stack of free entry indices placed inside a region.
// LIFO order is not needed for correctness, but recently freed entries are
// likely to still be in cache.
type entryStack struct {
	tracker
	hdr   *stackHeader
	slots unsafeSlice[uint32]
}

// newEntryStack lays out an empty stack with the given capacity at the front
// of region. It returns false if region is too small.
func newEntryStack(t tracker, region []byte, capacity uint32) (entryStack, bool) {
	s, ok := attachEntryStack(t, region, capacity)
	if !ok {
		return s, false
	}
	s.hdr.size = uint64(capacity)
	s.clear()
	s.mark(unsafe.Pointer(s.hdr), unsafe.Sizeof(stackHeader{}))
	return s, true
}

// attachEntryStack wraps a stack previously laid out by newEntryStack.
func attachEntryStack(t tracker, region []byte, capacity uint32) (entryStack, bool) {
	if uintptr(len(region)) < stackBytes(uintptr(capacity)) {
		return entryStack{}, false
	}
	return entryStack{
		tracker: t,
		hdr:     (*stackHeader)(unsafe.Pointer(unsafe.SliceData(region))),
		slots:   makeRegionSlice[uint32](region, unsafe.Sizeof(stackHeader{})),
	}, true
}

// push pushes idx, returning false if the stack is already full. A full
// stack on push means an index was freed twice.
func (s *entryStack) push(idx uint32) bool {
	if s.hdr.head >= s.hdr.size {
		return false
	}
	slot := s.slots.At(uintptr(s.hdr.head))
	*slot = idx
	s.mark(unsafe.Pointer(slot), unsafe.Sizeof(idx))
	s.hdr.head++
	s.mark(unsafe.Pointer(&s.hdr.head), unsafe.Sizeof(s.hdr.head))
	return true
}

// pop removes and returns the top of the stack, returning
// (invalidEntry, false) if the stack is empty.
func (s *entryStack) pop() (uint32, bool) {
	if s.hdr.head == 0 {
		return invalidEntry, false
	}
	s.hdr.head--
	s.mark(unsafe.Pointer(&s.hdr.head), unsafe.Sizeof(s.hdr.head))
	return *s.slots.At(uintptr(s.hdr.head)), true
}

func (s *entryStack) clear() {
	s.hdr.head = 0
	s.mark(unsafe.Pointer(&s.hdr.head), unsafe.Sizeof(s.hdr.head))
}

// fill resets the stack to hold the indices [0, n) such that they are popped
// in ascending order. It is equivalent to clear followed by pushing n-1, ...,
// 0, but reports the stack to the marker once instead of once per push.
func (s *entryStack) fill(n uint32) {
	if uint64(n) > s.hdr.size {
		panic("cuckoo: entry stack overflow")
	}
	for i := uint32(0); i < n; i++ {
		*s.slots.At(uintptr(i)) = n - 1 - i
	}
	s.hdr.head = uint64(n)
	s.mark(unsafe.Pointer(s.hdr), stackBytes(uintptr(n)))
}

func (s *entryStack) len() int {
	return int(s.hdr.head)
}
