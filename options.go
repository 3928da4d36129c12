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

// option provide an interface to do work on Map while it is being created or
// attached.
type option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash func(key *K) uint64
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// The function must be deterministic across processes: every process
// attaching to a shared region must use the same hash function, otherwise
// lookups will probe the wrong buckets and displacement will panic. The
// function must not retain key.
func WithHash[K comparable, V any](hash func(key *K) uint64) option[K, V] {
	return hashOption[K, V]{hash}
}

func hasHashOption[K comparable, V any](options []option[K, V]) bool {
	for _, op := range options {
		if _, ok := op.(hashOption[K, V]); ok {
			return true
		}
	}
	return false
}

type equalOption[K comparable, V any] struct {
	equal func(a, b *K) bool
}

func (op equalOption[K, V]) apply(m *Map[K, V]) {
	m.equal = op.equal
}

// WithEqual is an option to specify the key equality predicate. The default
// uses ==. The predicate must not retain its arguments.
func WithEqual[K comparable, V any](equal func(a, b *K) bool) option[K, V] {
	return equalOption[K, V]{equal}
}

type markerOption[K comparable, V any] struct {
	marker Marker
}

func (op markerOption[K, V]) apply(m *Map[K, V]) {
	m.marker = op.marker
}

// WithMarker is an option to specify the Marker notified of every byte range
// mutated in the region. By default no marker is installed and mutations are
// not observed.
func WithMarker[K comparable, V any](marker Marker) option[K, V] {
	return markerOption[K, V]{marker}
}
