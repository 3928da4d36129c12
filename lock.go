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
	"errors"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// lockStride is the distance between two locks of a SpinLocks array. Each
// lock gets its own cache line to avoid false sharing between buckets.
const lockStride = unsafe.Sizeof(cpu.CacheLinePad{})

var (
	// ErrLockCount is returned by NewLockedMap when the lock array has
	// neither one lock per bucket nor a single lock.
	ErrLockCount = errors.New("cuckoo: lock count must be 1 or the bucket count")
	// ErrMarkerWithLocks is returned by NewLockedMap when the map has a
	// Marker installed. Spin locking and write logging are alternative
	// concurrency models.
	ErrMarkerWithLocks = errors.New("cuckoo: a map with a marker cannot be locked")
)

// spinLock acquires the lock word at p, spinning until it is released. It
// only attempts the atomic swap once the word has been observed unlocked
// (test-and-test-and-set).
func spinLock(p *uint32) {
	for !atomic.CompareAndSwapUint32(p, 0, 1) {
		for atomic.LoadUint32(p) != 0 {
			runtime.Gosched()
		}
	}
}

func spinTryLock(p *uint32) bool {
	return atomic.CompareAndSwapUint32(p, 0, 1)
}

func spinUnlock(p *uint32) {
	atomic.StoreUint32(p, 0)
}

// SpinLocks is an array of spin locks stored in a caller-supplied region,
// which may be shared memory mapped by several processes. The array holds
// the requested number of locks plus one extra lock used by LockedMap to
// guard the table's free entry stack.
type SpinLocks struct {
	locks unsafeSlice[uint32]
	n     int
}

// LockArraySize returns the number of bytes a region must have to hold n
// locks.
func LockArraySize(n int) int {
	if n < 0 {
		return 0
	}
	return (n + 1) * int(lockStride)
}

// NewSpinLocks initializes n unlocked locks in region.
func NewSpinLocks(region []byte, n int) (*SpinLocks, error) {
	l, err := AttachSpinLocks(region, n)
	if err != nil {
		return nil, err
	}
	clear(region[:LockArraySize(n)])
	return l, nil
}

// AttachSpinLocks returns a handle to n locks previously initialized in
// region by NewSpinLocks, possibly by another process. Both sides must agree
// on n.
func AttachSpinLocks(region []byte, n int) (*SpinLocks, error) {
	if n <= 0 || len(region) < LockArraySize(n) {
		return nil, ErrRegionTooSmall
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(region)))%unsafe.Alignof(uint32(0)) != 0 {
		return nil, ErrMisaligned
	}
	return &SpinLocks{
		locks: makeRegionSlice[uint32](region, 0),
		n:     n,
	}, nil
}

// Len returns the number of locks, excluding the internal free stack lock.
func (l *SpinLocks) Len() int {
	return l.n
}

func (l *SpinLocks) word(i int) *uint32 {
	return (*uint32)(unsafe.Add(l.locks.ptr, uintptr(i)*lockStride))
}

// at returns lock i. Only indices below Len are valid; the free stack lock
// is reachable through stackLock alone.
func (l *SpinLocks) at(i int) *uint32 {
	if uint(i) >= uint(l.n) {
		panic("cuckoo: lock index out of range")
	}
	return l.word(i)
}

// Lock acquires lock i, spinning until it is available.
func (l *SpinLocks) Lock(i int) {
	spinLock(l.at(i))
}

// TryLock acquires lock i if it is available and reports whether it did.
func (l *SpinLocks) TryLock(i int) bool {
	return spinTryLock(l.at(i))
}

// Unlock releases lock i.
func (l *SpinLocks) Unlock(i int) {
	spinUnlock(l.at(i))
}

// stackLock returns the lock word guarding a map's free entry stack.
func (l *SpinLocks) stackLock() *uint32 {
	return l.word(l.n)
}

// LockedMap guards a Map with per-bucket spin locks so that it can be used
// concurrently by multiple goroutines, or by multiple processes sharing both
// the table region and the lock region.
//
// Operations on a key lock the key's two candidate buckets in ascending
// bucket order, acquiring a bucket only once if both candidates coincide,
// and release them in the reverse order. This total order over buckets
// prevents deadlock. Inserting a key whose candidate buckets are both full
// relocates entries of other buckets, so such an insert drops its locks and
// retries holding every bucket lock.
//
// With a single lock ("big lock" mode) every operation holds that lock.
//
// Entries are returned by value; pointers into the region would be unsafe to
// dereference once the locks are released.
type LockedMap[K comparable, V any] struct {
	m     *Map[K, V]
	locks *SpinLocks
	big   bool

	// committed, if set, is called with the result of each Insert, Find and
	// Remove while the key's bucket locks are still held. Calls are
	// therefore ordered consistently with the effect on the table.
	committed func(op lockedOp, key K, value V, ok bool)
}

type lockedOp uint8

const (
	opInsert lockedOp = iota
	opFind
	opRemove
)

// NewLockedMap returns a LockedMap guarding m with locks. The map must not
// have a Marker and locks must hold one lock per bucket or a single lock.
// After this call m must only be accessed through the returned LockedMap.
func NewLockedMap[K comparable, V any](m *Map[K, V], locks *SpinLocks) (*LockedMap[K, V], error) {
	if m.marker != nil {
		return nil, ErrMarkerWithLocks
	}
	if locks.Len() != 1 && locks.Len() != m.Buckets() {
		return nil, ErrLockCount
	}
	m.freeLock = locks.stackLock()
	return &LockedMap[K, V]{
		m:     m,
		locks: locks,
		big:   locks.Len() == 1,
	}, nil
}

// buckets returns the candidate buckets of key, lowest first.
func (lm *LockedMap[K, V]) buckets(key *K) (lo, hi int) {
	primary := primaryTag(lm.m.hash(key))
	a := int(primary & lm.m.bucketMask)
	b := int(secondaryHash(primary) & lm.m.bucketMask)
	if a > b {
		a, b = b, a
	}
	return a, b
}

func (lm *LockedMap[K, V]) lock(lo, hi int) {
	if lm.big {
		lm.locks.Lock(0)
		return
	}
	lm.locks.Lock(lo)
	if hi != lo {
		lm.locks.Lock(hi)
	}
}

// lockLazy is like lock but never spins on the second lock while holding
// the first: if the second lock is taken, it releases the first and starts
// over. There is no bound on the number of attempts.
func (lm *LockedMap[K, V]) lockLazy(lo, hi int) {
	if lm.big || lo == hi {
		lm.lock(lo, hi)
		return
	}
	for {
		if lm.locks.TryLock(lo) {
			if lm.locks.TryLock(hi) {
				return
			}
			lm.locks.Unlock(lo)
		}
		runtime.Gosched()
	}
}

func (lm *LockedMap[K, V]) unlock(lo, hi int) {
	if lm.big {
		lm.locks.Unlock(0)
		return
	}
	if hi != lo {
		lm.locks.Unlock(hi)
	}
	lm.locks.Unlock(lo)
}

func (lm *LockedMap[K, V]) lockAll() {
	if lm.big {
		lm.locks.Lock(0)
		return
	}
	for i := 0; i < lm.locks.Len(); i++ {
		lm.locks.Lock(i)
	}
}

func (lm *LockedMap[K, V]) unlockAll() {
	if lm.big {
		lm.locks.Unlock(0)
		return
	}
	for i := lm.locks.Len() - 1; i >= 0; i-- {
		lm.locks.Unlock(i)
	}
}

// Insert inserts or updates the entry for key. It returns false if the map
// is effectively full, in which case the map is unchanged.
func (lm *LockedMap[K, V]) Insert(key K, value V) bool {
	k := (*K)(noescape(unsafe.Pointer(&key)))
	lo, hi := lm.buckets(k)
	lm.lock(lo, hi)
	e, displace := lm.m.insert(k, &value, lm.big)
	if e != nil || !displace {
		if lm.committed != nil {
			lm.committed(opInsert, key, value, e != nil)
		}
		lm.unlock(lo, hi)
		return e != nil
	}
	lm.unlock(lo, hi)

	lm.lockAll()
	e, _ = lm.m.insert(k, &value, true)
	lm.m.checkInvariants()
	if lm.committed != nil {
		lm.committed(opInsert, key, value, e != nil)
	}
	lm.unlockAll()
	return e != nil
}

// Find returns the value for key and whether it was present.
func (lm *LockedMap[K, V]) Find(key K) (value V, ok bool) {
	k := (*K)(noescape(unsafe.Pointer(&key)))
	lo, hi := lm.buckets(k)
	lm.lock(lo, hi)
	if idx := lm.m.findWithHash(primaryTag(lm.m.hash(k)), k); idx != invalidEntry {
		value, ok = lm.m.entries.At(uintptr(idx)).Value, true
	}
	if lm.committed != nil {
		lm.committed(opFind, key, value, ok)
	}
	lm.unlock(lo, hi)
	return value, ok
}

// Remove removes the entry for key, returning false if it was not present.
func (lm *LockedMap[K, V]) Remove(key K) bool {
	k := (*K)(noescape(unsafe.Pointer(&key)))
	lo, hi := lm.buckets(k)
	lm.lockLazy(lo, hi)
	ok := lm.m.remove(k)
	if lm.committed != nil {
		var zero V
		lm.committed(opRemove, key, zero, ok)
	}
	lm.unlock(lo, hi)
	return ok
}

// Clear removes all entries.
func (lm *LockedMap[K, V]) Clear() {
	lm.lockAll()
	spinLock(lm.m.freeLock)
	lm.m.Clear()
	spinUnlock(lm.m.freeLock)
	lm.unlockAll()
}

// Count returns the number of entries in the map.
func (lm *LockedMap[K, V]) Count() int {
	spinLock(lm.m.freeLock)
	n := lm.m.Count()
	spinUnlock(lm.m.freeLock)
	return n
}

// All calls yield for each entry while holding every bucket lock. yield must
// not call back into lm.
func (lm *LockedMap[K, V]) All(yield func(key K, value V) bool) {
	lm.lockAll()
	defer lm.unlockAll()
	lm.m.All(func(e *Entry[K, V]) bool {
		return yield(e.Key, e.Value)
	})
}

// Map returns the underlying map. It must only be used while no other
// goroutine or process is using the LockedMap.
func (lm *LockedMap[K, V]) Map() *Map[K, V] {
	return lm.m
}
