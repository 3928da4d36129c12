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

// Package cuckoo implements a fixed-capacity cuckoo hash table that lives
// entirely inside a caller-supplied region of memory. See
// https://en.wikipedia.org/wiki/Cuckoo_hashing and "MemC3: Compact and
// Concurrent MemCache with Dumber Caching and Smarter Hashing" (Fan et al.,
// NSDI '13) for the set-associative variant used here.
//
// # Layout
//
// The region handed to Create is laid out as
//
//	+--------+-------------+-----------------+-----------------+
//	| header | entry stack | entries[N]      | buckets[B]      |
//	+--------+-------------+-----------------+-----------------+
//
// The header records the geometry of the table and the byte offsets of the
// other sections. The entry stack holds the indices of unused entries. The
// entries array holds the key/value pairs and the buckets array holds, for
// each of the 4 slots of a bucket, a 32-bit tag and the index of the entry
// the slot refers to. Nothing in the region is a pointer: every reference is
// an index or an offset, so the region may be copied byte for byte, mapped
// at a different address by another process, or replicated to a remote
// machine. Size computes the number of bytes required and Attach reopens a
// region previously initialized by Create.
//
// # Hashing
//
// Every key has two candidate buckets. The primary hash is the key's hash
// with the top bit forced on, which guarantees it is never 0: a zero tag
// marks an empty slot. The secondary hash is derived from the primary hash
// with a multiplicative mix rather than computed from the key. The stored tag
// is always the primary hash, so a lookup compares tags in both candidate
// buckets before calling the (possibly expensive) equality predicate.
//
// Insertion tries the primary bucket, then the secondary bucket. If both are
// full it searches for a chain of at most maxCuckooPath relocations that
// frees a slot in one of them: an entry in the full bucket moves to its
// alternate bucket, possibly after an entry there has moved to its own
// alternate bucket, and so on. The search is depth-bounded, so Insert runs
// in bounded time but may report the table as full while free entries
// remain. The table never grows; callers typically Clear it when Insert
// fails.
//
// # Concurrency
//
// A Map is NOT goroutine-safe. Two models are supported on top of it:
// LockedMap guards every operation with per-bucket spin locks which may live
// in shared memory, and WriteLog records the ranges mutated by a single
// writer so that they can be replicated to readers. The two are mutually
// exclusive.
package cuckoo

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"unsafe"
)

const (
	debug = false

	// slotsPerBucket is the associativity of a bucket.
	slotsPerBucket = 4

	// maxCuckooPath bounds the depth of the relocation search. Up to
	// slotsPerBucket^maxCuckooPath buckets are examined before giving up.
	// Higher values improve occupancy but the worst case cost of an insert
	// grows exponentially.
	maxCuckooPath = 3

	// headerMagic is "cuckoo01" in little-endian byte order.
	headerMagic = 0x31306f6f6b637563

	// regionAlign is the minimum alignment of a region.
	regionAlign = 8
)

var (
	// ErrRegionTooSmall is returned when the region is smaller than Size.
	ErrRegionTooSmall = errors.New("cuckoo: region too small")
	// ErrBucketCount is returned when the bucket count is zero or not a
	// power of two.
	ErrBucketCount = errors.New("cuckoo: bucket count must be a non-zero power of two")
	// ErrEntryCount is returned when the entry count is zero, smaller than
	// the bucket count or not representable as an entry index.
	ErrEntryCount = errors.New("cuckoo: entry count must be at least the bucket count")
	// ErrMisaligned is returned when the region does not start at an
	// 8-byte (or the entry's, if larger) aligned address.
	ErrMisaligned = errors.New("cuckoo: region is misaligned")
	// ErrNotPlainData is returned when the key or value type contains
	// pointers or other address-dependent data.
	ErrNotPlainData = errors.New("cuckoo: key and value types must be plain data")
	// ErrNeedHash is returned when no hash function was given for a key type
	// whose == does not agree with byte equality: floats, complex numbers
	// and structs with padding or blank fields.
	ErrNeedHash = errors.New("cuckoo: key type requires WithHash")
	// ErrCorrupt is returned by Attach when the region does not hold a table
	// of the expected type.
	ErrCorrupt = errors.New("cuckoo: region does not contain a valid table")
)

// Entry holds a key and value. Entries are moved and zeroed as raw bytes, so
// both K and V must be plain data.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// bucket is a group of slotsPerBucket slots. A slot is empty iff its tag is
// zero, in which case its entry index is meaningless.
type bucket struct {
	tags    [slotsPerBucket]uint32
	entries [slotsPerBucket]uint32
}

// header is stored at offset 0 of the region. All fields are fixed width.
type header struct {
	magic uint64
	// bucketMask is buckets-1, used to compute h%buckets as h&bucketMask.
	bucketMask uint32
	buckets    uint32
	entries    uint32
	entrySize  uint32
	// used is the number of occupied entries.
	used       uint64
	stackOff   uint64
	entriesOff uint64
	bucketsOff uint64
	size       uint64
}

// layout holds the byte offsets of the sections of a region.
type layout struct {
	stack   uintptr
	entries uintptr
	buckets uintptr
	size    uintptr
}

func makeLayout[K comparable, V any](entries, buckets uintptr) layout {
	var l layout
	l.stack = alignUp(unsafe.Sizeof(header{}), regionAlign)
	l.entries = alignUp(l.stack+stackBytes(entries), entryAlign[K, V]())
	l.buckets = alignUp(l.entries+unsafe.Sizeof(Entry[K, V]{})*entries, unsafe.Alignof(bucket{}))
	l.size = l.buckets + unsafe.Sizeof(bucket{})*buckets
	return l
}

func entryAlign[K comparable, V any]() uintptr {
	return max(unsafe.Alignof(Entry[K, V]{}), regionAlign)
}

// Map is a fixed-capacity hash map from keys to values stored inside a
// caller-owned region of memory. Insert, Find, Remove and Clear never
// allocate. The Map value itself is a handle caching pointers into the
// region; the region's lifetime must exceed the handle's.
//
// A Map is NOT goroutine-safe. See LockedMap.
type Map[K comparable, V any] struct {
	tracker
	hash  func(key *K) uint64
	equal func(a, b *K) bool

	region  []byte
	hdr     *header
	stack   entryStack
	entries unsafeSlice[Entry[K, V]]
	buckets unsafeSlice[bucket]

	bucketMask uint32
	numBuckets uintptr
	numEntries uintptr

	// freeLock, if non-nil, serializes access to the entry stack and the
	// used count. It is installed by NewLockedMap.
	freeLock *uint32
}

// Size returns the number of bytes a region must have to hold a table with
// the specified number of entries and buckets. It returns 0 for negative
// arguments.
func Size[K comparable, V any](entries, buckets int) int {
	if entries < 0 || buckets < 0 {
		return 0
	}
	return int(makeLayout[K, V](uintptr(entries), uintptr(buckets)).size)
}

// Create lays out an empty table in region with room for the specified
// number of entries spread over the specified number of buckets. buckets
// must be a power of two and entries must be at least buckets; 4*buckets
// entries allows every slot to be filled. The region must be at least Size
// bytes long and 8-byte aligned, which memory returned by make or mmap
// always is.
//
// On error the region is left untouched. Calling Create again on the same
// region reinitializes the table to empty.
func Create[K comparable, V any](
	region []byte, entries, buckets int, options ...option[K, V],
) (*Map[K, V], error) {
	if !isPlainData(reflect.TypeOf((*Entry[K, V])(nil)).Elem()) {
		return nil, ErrNotPlainData
	}
	if !hasHashOption(options) && !hasByteEquality(reflect.TypeOf((*K)(nil)).Elem()) {
		return nil, ErrNeedHash
	}
	if buckets <= 0 || buckets&(buckets-1) != 0 || uint64(buckets) > math.MaxUint32/2+1 {
		return nil, ErrBucketCount
	}
	if entries <= 0 || entries < buckets || uint64(entries) >= invalidEntry {
		return nil, ErrEntryCount
	}
	l := makeLayout[K, V](uintptr(entries), uintptr(buckets))
	if uintptr(len(region)) < l.size {
		return nil, ErrRegionTooSmall
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(region)))%entryAlign[K, V]() != 0 {
		return nil, ErrMisaligned
	}

	m := newMap(region, options)
	h := m.hdr
	h.magic = headerMagic
	h.bucketMask = uint32(buckets - 1)
	h.buckets = uint32(buckets)
	h.entries = uint32(entries)
	h.entrySize = uint32(unsafe.Sizeof(Entry[K, V]{}))
	h.used = 0
	h.stackOff = uint64(l.stack)
	h.entriesOff = uint64(l.entries)
	h.bucketsOff = uint64(l.buckets)
	h.size = uint64(l.size)

	var ok bool
	m.stack, ok = newEntryStack(m.tracker, region[l.stack:l.entries], uint32(entries))
	if !ok {
		panic("cuckoo: entry stack does not fit its section")
	}
	m.setGeometry(l)
	m.Clear()
	return m, nil
}

// Attach returns a handle to a table previously initialized in region by
// Create, possibly by another process. The table is not modified. The
// options must be equivalent to those passed to Create, in particular the
// hash function.
func Attach[K comparable, V any](region []byte, options ...option[K, V]) (*Map[K, V], error) {
	if !isPlainData(reflect.TypeOf((*Entry[K, V])(nil)).Elem()) {
		return nil, ErrNotPlainData
	}
	if !hasHashOption(options) && !hasByteEquality(reflect.TypeOf((*K)(nil)).Elem()) {
		return nil, ErrNeedHash
	}
	if uintptr(len(region)) < unsafe.Sizeof(header{}) {
		return nil, ErrRegionTooSmall
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(region)))%entryAlign[K, V]() != 0 {
		return nil, ErrMisaligned
	}

	h := (*header)(unsafe.Pointer(unsafe.SliceData(region)))
	if h.magic != headerMagic || uintptr(h.entrySize) != unsafe.Sizeof(Entry[K, V]{}) {
		return nil, ErrCorrupt
	}
	if h.buckets == 0 || h.buckets&(h.buckets-1) != 0 || h.bucketMask != h.buckets-1 ||
		h.entries < h.buckets || h.entries == invalidEntry {
		return nil, ErrCorrupt
	}
	l := makeLayout[K, V](uintptr(h.entries), uintptr(h.buckets))
	if uint64(l.stack) != h.stackOff || uint64(l.entries) != h.entriesOff ||
		uint64(l.buckets) != h.bucketsOff || uint64(l.size) != h.size {
		return nil, ErrCorrupt
	}
	if uintptr(len(region)) < l.size {
		return nil, ErrRegionTooSmall
	}

	m := newMap(region, options)
	var ok bool
	m.stack, ok = attachEntryStack(m.tracker, region[l.stack:l.entries], h.entries)
	if !ok || m.stack.hdr.size != uint64(h.entries) || m.stack.hdr.head > m.stack.hdr.size ||
		h.used+m.stack.hdr.head != uint64(h.entries) {
		return nil, ErrCorrupt
	}
	m.setGeometry(l)
	m.checkInvariants()
	return m, nil
}

func newMap[K comparable, V any](region []byte, options []option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		hash:   defaultHash[K],
		equal:  defaultEqual[K],
		region: region,
		hdr:    (*header)(unsafe.Pointer(unsafe.SliceData(region))),
	}
	for _, op := range options {
		op.apply(m)
	}
	m.base = unsafe.Pointer(unsafe.SliceData(region))
	return m
}

func (m *Map[K, V]) setGeometry(l layout) {
	m.entries = makeRegionSlice[Entry[K, V]](m.region, l.entries)
	m.buckets = makeRegionSlice[bucket](m.region, l.buckets)
	m.bucketMask = m.hdr.bucketMask
	m.numBuckets = uintptr(m.hdr.buckets)
	m.numEntries = uintptr(m.hdr.entries)
}

// Insert inserts an entry into the map, overwriting the value of an existing
// entry with the same key. It returns a pointer to the entry inside the
// region, or nil if no slot could be found for a new key within the bounded
// relocation search, in which case the map is unchanged. A nil result does
// not imply that Count() == Capacity().
//
// The returned pointer remains valid until the entry is removed or the map is
// cleared. Writes through it are not reported to the Marker.
func (m *Map[K, V]) Insert(key K, value V) *Entry[K, V] {
	e, _ := m.insert((*K)(noescape(unsafe.Pointer(&key))), &value, true)
	m.checkInvariants()
	return e
}

// insert implements Insert. If displace is false, insert does not relocate
// entries when both candidate buckets are full and instead returns (nil,
// true) if relocation might succeed, i.e. if free entries remain.
func (m *Map[K, V]) insert(key *K, value *V, displace bool) (*Entry[K, V], bool) {
	primary := primaryTag(m.hash(key))
	if idx := m.findWithHash(primary, key); idx != invalidEntry {
		e := m.entries.At(uintptr(idx))
		e.Value = *value
		m.mark(unsafe.Pointer(e), unsafe.Sizeof(*e))
		if debug {
			fmt.Printf("insert(%v): updated entry=%d\n", *key, idx)
		}
		return e, false
	}

	b1 := primary & m.bucketMask
	if e := m.addToBucket(b1, primary, key, value); e != nil {
		return e, false
	}
	b2 := secondaryHash(primary) & m.bucketMask
	if e := m.addToBucket(b2, primary, key, value); e != nil {
		return e, false
	}
	if m.freeLen() == 0 {
		// Every entry is in use. No relocation can help.
		if debug {
			fmt.Printf("insert(%v): no free entries\n", *key)
		}
		return nil, false
	}
	if !displace {
		return nil, true
	}

	// Relocations are only committed once a free slot has been found, so a
	// failed search leaves the map unchanged. A successful search leaves an
	// empty slot in the bucket it was started from.
	if m.makeSpace(b1, 0) >= 0 {
		return m.addToBucket(b1, primary, key, value), false
	}
	if m.makeSpace(b2, 0) >= 0 {
		return m.addToBucket(b2, primary, key, value), false
	}
	if debug {
		fmt.Printf("insert(%v): full [buckets %d %d]\n", *key, b1, b2)
	}
	return nil, false
}

// Find returns a pointer to the entry for key, or nil if key is not present.
func (m *Map[K, V]) Find(key K) *Entry[K, V] {
	k := (*K)(noescape(unsafe.Pointer(&key)))
	idx := m.findWithHash(primaryTag(m.hash(k)), k)
	if idx == invalidEntry {
		return nil
	}
	return m.entries.At(uintptr(idx))
}

// Remove removes the entry for key, returning false if key was not present.
func (m *Map[K, V]) Remove(key K) bool {
	ok := m.remove((*K)(noescape(unsafe.Pointer(&key))))
	m.checkInvariants()
	return ok
}

func (m *Map[K, V]) remove(key *K) bool {
	primary := primaryTag(m.hash(key))
	if m.removeFromBucket(primary&m.bucketMask, primary, key) {
		return true
	}
	return m.removeFromBucket(secondaryHash(primary)&m.bucketMask, primary, key)
}

// Clear removes all entries. The capacity of the map is unchanged. The whole
// region is reported to the Marker.
func (m *Map[K, V]) Clear() {
	m.stack.clear()
	clear(m.buckets.Slice(0, m.numBuckets))
	clear(m.entries.Slice(0, m.numEntries))
	m.hdr.used = 0
	m.hdr.bucketMask = uint32(m.numBuckets - 1)
	m.stack.fill(uint32(m.numEntries))
	m.mark(m.base, uintptr(m.hdr.size))
	m.checkInvariants()
}

// Count returns the number of entries in the map.
func (m *Map[K, V]) Count() int {
	return int(m.hdr.used)
}

// Capacity returns the number of entries the map was created with.
func (m *Map[K, V]) Capacity() int {
	return int(m.numEntries)
}

// Buckets returns the number of buckets the map was created with.
func (m *Map[K, V]) Buckets() int {
	return int(m.numBuckets)
}

// All calls yield sequentially for each entry present in the map, in bucket
// order. If yield returns false, iteration stops. The map must not be
// mutated during iteration.
func (m *Map[K, V]) All(yield func(e *Entry[K, V]) bool) {
	for i := uintptr(0); i < m.numBuckets; i++ {
		b := m.buckets.At(i)
		for j := 0; j < slotsPerBucket; j++ {
			if b.tags[j] == 0 {
				continue
			}
			if !yield(m.entries.At(uintptr(b.entries[j]))) {
				return
			}
		}
	}
}

// Iterator is a forward iterator over the entries of a Map. The map must not
// be mutated while an Iterator is in use; if it is, the iterator may skip or
// repeat entries.
type Iterator[K comparable, V any] struct {
	m      *Map[K, V]
	bucket uintptr
	slot   int
}

// Iter returns an Iterator positioned before the first entry.
func (m *Map[K, V]) Iter() Iterator[K, V] {
	return Iterator[K, V]{m: m, slot: -1}
}

// Next advances the iterator to the next entry, returning false when there
// are no more entries.
func (it *Iterator[K, V]) Next() bool {
	for it.bucket < it.m.numBuckets {
		it.slot++
		if it.slot == slotsPerBucket {
			it.slot = -1
			it.bucket++
			continue
		}
		if it.m.buckets.At(it.bucket).tags[it.slot] != 0 {
			return true
		}
	}
	return false
}

// Entry returns the entry the iterator is positioned at. It is only valid to
// call Entry after Next has returned true.
func (it *Iterator[K, V]) Entry() *Entry[K, V] {
	b := it.m.buckets.At(it.bucket)
	return it.m.entries.At(uintptr(b.entries[it.slot]))
}

// allocEntry pops a free entry index and accounts for it in the used count.
func (m *Map[K, V]) allocEntry() (uint32, bool) {
	if m.freeLock != nil {
		spinLock(m.freeLock)
	}
	idx, ok := m.stack.pop()
	if ok {
		m.hdr.used++
		m.mark(unsafe.Pointer(&m.hdr.used), unsafe.Sizeof(m.hdr.used))
	}
	if m.freeLock != nil {
		spinUnlock(m.freeLock)
	}
	return idx, ok
}

// releaseEntry returns idx to the free stack.
func (m *Map[K, V]) releaseEntry(idx uint32) {
	if m.freeLock != nil {
		spinLock(m.freeLock)
	}
	ok := m.stack.push(idx)
	if ok {
		m.hdr.used--
		m.mark(unsafe.Pointer(&m.hdr.used), unsafe.Sizeof(m.hdr.used))
	}
	if m.freeLock != nil {
		spinUnlock(m.freeLock)
	}
	if !ok {
		panic(fmt.Sprintf("invariant failed: entry %d freed twice", idx))
	}
}

func (m *Map[K, V]) freeLen() int {
	if m.freeLock != nil {
		spinLock(m.freeLock)
		defer spinUnlock(m.freeLock)
	}
	return m.stack.len()
}

// addToBucket stores key and value in a free entry referenced from an empty
// slot of bucket bi. It returns nil if the bucket is full or there are no
// free entries.
func (m *Map[K, V]) addToBucket(bi, primary uint32, key *K, value *V) *Entry[K, V] {
	b := m.buckets.At(uintptr(bi))
	i := findEmptySlot(b)
	if i < 0 {
		return nil
	}
	idx, ok := m.allocEntry()
	if !ok {
		return nil
	}

	e := m.entries.At(uintptr(idx))
	e.Key = *key
	e.Value = *value
	m.mark(unsafe.Pointer(e), unsafe.Sizeof(*e))

	b.tags[i] = primary
	b.entries[i] = idx
	m.mark(unsafe.Pointer(b), unsafe.Sizeof(*b))
	if debug {
		fmt.Printf("insert(%v): bucket=%d slot=%d entry=%d\n", *key, bi, i, idx)
	}
	return e
}

// removeFromBucket removes key from bucket bi, returning false if it is not
// there.
func (m *Map[K, V]) removeFromBucket(bi, primary uint32, key *K) bool {
	b := m.buckets.At(uintptr(bi))
	i := m.findSlot(b, primary, key)
	if i < 0 {
		return false
	}

	idx := b.entries[i]
	b.tags[i] = 0
	b.entries[i] = 0
	m.mark(unsafe.Pointer(b), unsafe.Sizeof(*b))

	e := m.entries.At(uintptr(idx))
	*e = Entry[K, V]{}
	m.mark(unsafe.Pointer(e), unsafe.Sizeof(*e))
	m.releaseEntry(idx)
	if debug {
		fmt.Printf("remove(%v): bucket=%d slot=%d entry=%d\n", *key, bi, i, idx)
	}
	return true
}

// findWithHash returns the index of the entry for key, looking in the
// primary and then the secondary bucket, or invalidEntry if key is not
// present.
func (m *Map[K, V]) findWithHash(primary uint32, key *K) uint32 {
	if idx := m.getFromBucket(primary&m.bucketMask, primary, key); idx != invalidEntry {
		return idx
	}
	return m.getFromBucket(secondaryHash(primary)&m.bucketMask, primary, key)
}

func (m *Map[K, V]) getFromBucket(bi, primary uint32, key *K) uint32 {
	b := m.buckets.At(uintptr(bi))
	i := m.findSlot(b, primary, key)
	if i < 0 {
		return invalidEntry
	}
	return b.entries[i]
}

// findSlot returns the slot of b holding key, or -1. A tag match alone is not
// conclusive: distinct keys may share a primary hash.
func (m *Map[K, V]) findSlot(b *bucket, primary uint32, key *K) int {
	for i := 0; i < slotsPerBucket; i++ {
		if b.tags[i] == primary {
			e := m.entries.At(uintptr(b.entries[i]))
			if m.equal(&e.Key, key) {
				return i
			}
		}
	}
	return -1
}

func findEmptySlot(b *bucket) int {
	for i := 0; i < slotsPerBucket; i++ {
		if b.tags[i] == 0 {
			return i
		}
	}
	return -1
}

// altBucket returns the candidate bucket of the entry in slot i of bucket bi
// other than bi itself. Both candidates are the same bucket when the primary
// and secondary hashes collide under the bucket mask, in which case bi is
// returned.
func (m *Map[K, V]) altBucket(bi uint32, b *bucket, i int) uint32 {
	e := m.entries.At(uintptr(b.entries[i]))
	primary := primaryTag(m.hash((*K)(noescape(unsafe.Pointer(&e.Key)))))
	if primary != b.tags[i] {
		panic(fmt.Sprintf("invariant failed: bucket %d slot %d: tag %08x does not match hash %08x of %v",
			bi, i, b.tags[i], primary, e.Key))
	}
	p := primary & m.bucketMask
	s := secondaryHash(primary) & m.bucketMask
	switch bi {
	case p:
		return s
	case s:
		return p
	}
	panic(fmt.Sprintf("invariant failed: bucket %d slot %d: %v belongs in bucket %d or %d\n%s",
		bi, i, e.Key, p, s, m.debugString()))
}

// makeSpace tries to empty a slot of bucket bi by relocating one of its
// entries to that entry's alternate bucket, recursively making space there
// if necessary. It returns the emptied slot, or -1 if no relocation path of
// at most maxCuckooPath-depth hops exists.
//
// Nothing is moved unless a complete path is found. A recursive call only
// commits moves when it succeeds, and every bucket on the recursion path is
// full, so the recursion cannot move the entry in slot i of bi: its alternate
// bucket is on the path. The re-validation after recursion guards deeper
// bounds; if it ever rejected a committed path, those moves would be kept and
// the table would stay consistent, with every key in one of its two buckets.
func (m *Map[K, V]) makeSpace(bi uint32, depth int) int {
	if depth >= maxCuckooPath {
		return -1
	}

	b := m.buckets.At(uintptr(bi))
	for i := 0; i < slotsPerBucket; i++ {
		if b.tags[i] == 0 {
			return i
		}
		alt := m.altBucket(bi, b, i)
		if alt == bi {
			continue
		}
		ab := m.buckets.At(uintptr(alt))
		j := findEmptySlot(ab)
		if j < 0 {
			j = m.makeSpace(alt, depth+1)
			if j < 0 {
				continue
			}
			// Only move slot i if the recursion left it in place with alt
			// as its candidate.
			if b.tags[i] == 0 {
				return i
			}
			if m.altBucket(bi, b, i) != alt {
				continue
			}
		}

		if debug {
			fmt.Printf("make-space(depth=%d): bucket=%d slot=%d -> bucket=%d slot=%d\n",
				depth, bi, i, alt, j)
		}
		ab.tags[j] = b.tags[i]
		ab.entries[j] = b.entries[i]
		b.tags[i] = 0
		b.entries[i] = 0
		m.mark(unsafe.Pointer(ab), unsafe.Sizeof(*ab))
		m.mark(unsafe.Pointer(b), unsafe.Sizeof(*b))
		return i
	}
	return -1
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		m.verify()
	}
}

// verify panics if the table is inconsistent: a slot whose tag does not
// match its entry, an entry outside its candidate buckets or referenced
// twice, or a used count disagreeing with the slots and the free stack.
func (m *Map[K, V]) verify() {
	referenced := make([]bool, m.numEntries)
	var used int
	for bi := uintptr(0); bi < m.numBuckets; bi++ {
		b := m.buckets.At(bi)
		for i := 0; i < slotsPerBucket; i++ {
			tag := b.tags[i]
			if tag == 0 {
				continue
			}
			if tag&tagTopBit == 0 {
				panic(fmt.Sprintf("invariant failed: bucket %d slot %d: tag %08x missing top bit\n%s",
					bi, i, tag, m.debugString()))
			}
			idx := b.entries[i]
			if uintptr(idx) >= m.numEntries {
				panic(fmt.Sprintf("invariant failed: bucket %d slot %d: entry %d out of range\n%s",
					bi, i, idx, m.debugString()))
			}
			if referenced[idx] {
				panic(fmt.Sprintf("invariant failed: bucket %d slot %d: entry %d referenced twice\n%s",
					bi, i, idx, m.debugString()))
			}
			referenced[idx] = true
			used++

			// Panics if the entry is in neither of its candidate buckets.
			_ = m.altBucket(uint32(bi), b, i)
			e := m.entries.At(uintptr(idx))
			if found := m.findWithHash(tag, &e.Key); found != idx {
				panic(fmt.Sprintf("invariant failed: bucket %d slot %d: %v found at entry %d, expected %d\n%s",
					bi, i, e.Key, found, idx, m.debugString()))
			}
		}
	}

	if used != int(m.hdr.used) {
		panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
			used, m.hdr.used, m.debugString()))
	}
	if used+m.stack.len() != int(m.numEntries) {
		panic(fmt.Sprintf("invariant failed: %d used + %d free != %d entries\n%s",
			used, m.stack.len(), m.numEntries, m.debugString()))
	}
	for j := 0; j < m.stack.len(); j++ {
		idx := *m.stack.slots.At(uintptr(j))
		if uintptr(idx) >= m.numEntries || referenced[idx] {
			panic(fmt.Sprintf("invariant failed: free entry %d is out of range or in use\n%s",
				idx, m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "buckets=%d  entries=%d  used=%d  free=%d\n",
		m.numBuckets, m.numEntries, m.hdr.used, m.stack.len())
	for bi := uintptr(0); bi < m.numBuckets; bi++ {
		b := m.buckets.At(bi)
		for i := 0; i < slotsPerBucket; i++ {
			if b.tags[i] == 0 {
				fmt.Fprintf(&buf, "  %4d/%d: empty\n", bi, i)
				continue
			}
			idx := b.entries[i]
			if uintptr(idx) < m.numEntries {
				fmt.Fprintf(&buf, "  %4d/%d: %v [tag=%08x entry=%d]\n",
					bi, i, m.entries.At(uintptr(idx)).Key, b.tags[i], idx)
			} else {
				fmt.Fprintf(&buf, "  %4d/%d: [tag=%08x entry=%d]\n", bi, i, b.tags[i], idx)
			}
		}
	}
	return buf.String()
}
