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
	"fmt"
	"io"
	"strconv"
	"testing"

	"github.com/aclements/go-perfevent/perfbench"
)

func BenchmarkMapFindHit(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapFindHit[int64], genKeys[int64]))
		b.Run("t=Int32", benchSizes(benchmarkRuntimeMapFindHit[int32], genKeys[int32]))
	})
	b.Run("impl=cuckooMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkCuckooMapFindHit[int64], genKeys[int64]))
		b.Run("t=Int32", benchSizes(benchmarkCuckooMapFindHit[int32], genKeys[int32]))
	})
	b.Run("impl=lockedMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkLockedMapFindHit[int64], genKeys[int64]))
	})
}

func BenchmarkMapFindMiss(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapFindMiss[int64], genKeys[int64]))
	})
	b.Run("impl=cuckooMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkCuckooMapFindMiss[int64], genKeys[int64]))
	})
}

func BenchmarkMapInsertRemove(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapInsertRemove[int64], genKeys[int64]))
	})
	b.Run("impl=cuckooMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkCuckooMapInsertRemove[int64], genKeys[int64]))
	})
	b.Run("impl=writeLog", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkWriteLogInsertRemove[int64], genKeys[int64]))
	})
}

// BenchmarkFindOrInsert mirrors the flow-table access pattern: look a key
// up and insert it when missing, clearing the table when it is full.
func BenchmarkFindOrInsert(b *testing.B) {
	const buckets = 1 << 14
	m, _ := newTestMap[uint64, uint64](b, 4*buckets, buckets)
	keys := genKeys[int64](0, 1<<17)
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var clears int
	for i := 0; i < b.N; i++ {
		k := uint64(keys[uint32(i*0x9e3779b1)%uint32(len(keys))])
		if m.Find(k) == nil && m.Insert(k, k) == nil {
			m.Clear()
			clears++
		}
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, clears)
}

type benchTypes interface {
	int32 | int64
}

// benchBuckets returns the bucket count for a table holding n entries at a
// load factor of at most 50%.
func benchBuckets(n int) int {
	buckets := 1
	for buckets*slotsPerBucket < 2*n {
		buckets <<= 1
	}
	return buckets
}

func benchSizes[T benchTypes](
	f func(b *testing.B, n int, genKeys func(start, end int) []T), genKeys func(start, end int) []T,
) func(*testing.B) {
	var cases = []int{
		6, 12, 18, 24, 30,
		64,
		128,
		256,
		512,
		1024,
		2048,
		4096,
		8192,
		1 << 16,
	}

	return func(b *testing.B) {
		for _, n := range cases {
			b.Run("len="+strconv.Itoa(n), func(b *testing.B) { f(b, n, genKeys) })
		}
	}
}

func genKeys[T benchTypes](start, end int) []T {
	keys := make([]T, end-start)
	for i := range keys {
		keys[i] = T(start + i)
	}
	return keys
}

func newBenchMap[T benchTypes](b *testing.B, n int, options ...option[T, T]) *Map[T, T] {
	buckets := benchBuckets(n)
	m, _ := newTestMap[T, T](b, buckets*slotsPerBucket, buckets, options...)
	return m
}

func benchmarkRuntimeMapFindHit[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := make(map[T]T, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		_ = m[keys[i%n]]
	}
}

func benchmarkCuckooMapFindHit[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := newBenchMap[T](b, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		if m.Insert(k, k) == nil {
			b.Fatalf("insert(%v) failed", k)
		}
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var e *Entry[T, T]
	for i := 0; i < b.N; i++ {
		e = m.Find(keys[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, e != nil)
}

func benchmarkLockedMapFindHit[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := newBenchMap[T](b, n)
	locks, err := NewSpinLocks(make([]byte, LockArraySize(m.Buckets())), m.Buckets())
	if err != nil {
		b.Fatal(err)
	}
	lm, err := NewLockedMap(m, locks)
	if err != nil {
		b.Fatal(err)
	}
	keys := genKeys(0, n)
	for _, k := range keys {
		if !lm.Insert(k, k) {
			b.Fatalf("insert(%v) failed", k)
		}
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = lm.Find(keys[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkRuntimeMapFindMiss[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := make(map[T]T, n)
	keys := genKeys(0, n)
	miss := genKeys(-n, 0)
	for _, k := range keys {
		m[k] = k
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		_ = m[miss[i%n]]
	}
}

func benchmarkCuckooMapFindMiss[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := newBenchMap[T](b, n)
	keys := genKeys(0, n)
	miss := genKeys(-n, 0)
	for _, k := range keys {
		m.Insert(k, k)
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var e *Entry[T, T]
	for i := 0; i < b.N; i++ {
		e = m.Find(miss[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, e != nil)
}

func benchmarkRuntimeMapInsertRemove[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := make(map[T]T, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		j := i % n
		delete(m, keys[j])
		m[keys[j]] = keys[j]
	}
}

func benchmarkCuckooMapInsertRemove[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	benchmarkInsertRemove(b, newBenchMap[T](b, n), genKeys(0, n))
}

func benchmarkWriteLogInsertRemove[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	var log WriteLog
	m := newBenchMap[T](b, n, WithMarker[T, T](&log))
	replica := make([]byte, len(m.region))
	log.Flush(replica, m.region)
	benchmarkInsertRemove(b, m, genKeys(0, n), func() {
		if log.Len() > 1024 {
			log.Flush(replica, m.region)
		}
	})
}

func benchmarkInsertRemove[T benchTypes](b *testing.B, m *Map[T, T], keys []T, after ...func()) {
	for _, k := range keys {
		m.Insert(k, k)
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		k := keys[i%len(keys)]
		m.Remove(k)
		m.Insert(k, k)
		for _, f := range after {
			f()
		}
	}
}
