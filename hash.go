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
	"reflect"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// tagTopBit is forced on in every primary hash so that an occupied slot never
// carries the empty tag (0). This costs one bit of hash entropy: tags only
// span the upper half of the uint32 space.
const tagTopBit = uint32(1) << 31

// secondaryMul is the multiplicative constant used to derive the secondary
// hash from the primary one (MurmurHash2's m).
const secondaryMul = 0x5bd1e995

// defaultHash hashes the in-memory representation of key with xxhash. The
// hash is unseeded so that every process attached to a region computes the
// same bucket for a key. It is only used for key types where == agrees with
// byte equality (see hasByteEquality).
func defaultHash[K comparable](key *K) uint64 {
	var k K
	b := unsafe.Slice((*byte)(unsafe.Pointer(key)), unsafe.Sizeof(k))
	return xxhash.Sum64(b)
}

func defaultEqual[K comparable](a, b *K) bool {
	return *a == *b
}

// primaryTag returns the tag stored in a bucket slot for a key with hash h.
// The tag doubles as the primary hash: its low bits select the primary
// bucket.
func primaryTag(h uint64) uint32 {
	return uint32(h) | tagTopBit
}

// secondaryHash derives the secondary hash from the primary tag rather than
// rehashing the key. It is cheaper than a second independent hash, at the
// cost of correlating a key's two candidate buckets.
func secondaryHash(primary uint32) uint32 {
	tag := primary >> 12
	return primary ^ ((tag + 1) * secondaryMul)
}

// isPlainData reports whether values of type t can be copied byte for byte
// into shared memory and back: no pointers, no headers referring to heap
// memory and no addresses disguised as integers.
func isPlainData(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return isPlainData(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !isPlainData(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// hasByteEquality reports whether two values of type t compare equal with ==
// iff their in-memory bytes are equal. Floats are excluded (0 == -0, NaN !=
// NaN), as are structs with padding or blank fields, which == ignores.
func hasByteEquality(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	case reflect.Array:
		return hasByteEquality(t.Elem())
	case reflect.Struct:
		var off uintptr
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.Name == "_" || f.Offset != off || !hasByteEquality(f.Type) {
				return false
			}
			off += f.Type.Size()
		}
		return off == t.Size()
	default:
		return false
	}
}
