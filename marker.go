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
	"slices"
	"unsafe"
)

// Marker observes every byte range a Map mutates inside its region. A
// replication layer registers a Marker to learn which parts of the region
// must be propagated to other readers; the Map itself knows nothing about
// how or when that happens.
//
// Ranges are reported as offsets relative to the start of the region rather
// than as addresses, since each process may map the region at a different
// address.
type Marker interface {
	Mark(off, n uintptr)
}

// MarkerFunc adapts an ordinary function to the Marker interface.
type MarkerFunc func(off, n uintptr)

// Mark calls f(off, n).
func (f MarkerFunc) Mark(off, n uintptr) {
	f(off, n)
}

// tracker reports mutations of a region to an optional Marker. A nil marker
// is the no-op observer and costs a single branch.
type tracker struct {
	base   unsafe.Pointer
	marker Marker
}

func (t tracker) mark(p unsafe.Pointer, n uintptr) {
	if t.marker != nil {
		t.marker.Mark(uintptr(p)-uintptr(t.base), n)
	}
}

// Range is a dirty byte range [Off, Off+Len) of a region.
type Range struct {
	Off uintptr
	Len uintptr
}

// End returns the offset one past the last byte of the range.
func (r Range) End() uintptr {
	return r.Off + r.Len
}

// WriteLog is a Marker that records dirty ranges so that they can later be
// shipped to replicas of the region. It is the single-writer counterpart to
// SpinLocks: the owner of the Map mutates the region freely and periodically
// flushes the log, and readers of the replicas observe a possibly stale, but
// internally consistent as of the last flush, copy of the table.
//
// A WriteLog is NOT goroutine-safe.
type WriteLog struct {
	ranges []Range
}

var _ Marker = (*WriteLog)(nil)

// Mark records [off, off+n) as dirty.
func (l *WriteLog) Mark(off, n uintptr) {
	if n == 0 {
		return
	}
	l.ranges = append(l.ranges, Range{Off: off, Len: n})
}

// Len returns the number of ranges recorded since the last Reset or Flush,
// before coalescing.
func (l *WriteLog) Len() int {
	return len(l.ranges)
}

// Ranges returns the recorded ranges sorted by offset with overlapping and
// adjacent ranges merged.
func (l *WriteLog) Ranges() []Range {
	if len(l.ranges) == 0 {
		return nil
	}
	sorted := slices.Clone(l.ranges)
	slices.SortFunc(sorted, func(a, b Range) int {
		switch {
		case a.Off < b.Off:
			return -1
		case a.Off > b.Off:
			return 1
		}
		return 0
	})

	out := sorted[:1]
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Off <= last.End() {
			if r.End() > last.End() {
				last.Len = r.End() - last.Off
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Reset discards the recorded ranges.
func (l *WriteLog) Reset() {
	l.ranges = l.ranges[:0]
}

// Flush copies every dirty range of src into dst, resets the log and returns
// the number of bytes copied. dst and src must have the same layout, i.e. dst
// is a replica of the region src that the logged Map lives in.
func (l *WriteLog) Flush(dst, src []byte) int {
	var copied int
	for _, r := range l.Ranges() {
		copied += copy(dst[r.Off:r.End()], src[r.Off:r.End()])
	}
	l.Reset()
	return copied
}
