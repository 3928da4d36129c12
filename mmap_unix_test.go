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

//go:build unix

package cuckoo

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileRegion(t *testing.T) {
	const entries, buckets = 1024, 256
	path := filepath.Join(t.TempDir(), "table")

	r, err := CreateFileRegion(path, Size[uint64, uint64](entries, buckets))
	require.NoError(t, err)
	m, err := Create[uint64, uint64](r.Bytes(), entries, buckets)
	require.NoError(t, err)
	for k := uint64(0); k < 500; k++ {
		require.NotNil(t, m.Insert(k, k*k))
	}
	expected := m.toBuiltinMap()

	// A second mapping of the same file observes writes immediately.
	r2, err := OpenFileRegion(path)
	require.NoError(t, err)
	m2, err := Attach[uint64, uint64](r2.Bytes())
	require.NoError(t, err)
	require.Equal(t, expected, m2.toBuiltinMap())
	require.True(t, m.Remove(7))
	require.Nil(t, m2.Find(7))
	delete(expected, 7)

	require.NoError(t, r.Sync())
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	require.NoError(t, r2.Close())

	// The table outlives the mappings.
	r3, err := OpenFileRegion(path)
	require.NoError(t, err)
	defer r3.Close()
	m3, err := Attach[uint64, uint64](r3.Bytes())
	require.NoError(t, err)
	require.Equal(t, expected, m3.toBuiltinMap())
	requireReachable(t, m3)
}

func TestFileRegionLocks(t *testing.T) {
	const entries, buckets = 256, 64
	dir := t.TempDir()

	tr, err := CreateFileRegion(filepath.Join(dir, "table"), Size[uint64, uint64](entries, buckets))
	require.NoError(t, err)
	defer tr.Close()
	lr, err := CreateFileRegion(filepath.Join(dir, "locks"), LockArraySize(buckets))
	require.NoError(t, err)
	defer lr.Close()

	m, err := Create[uint64, uint64](tr.Bytes(), entries, buckets)
	require.NoError(t, err)
	locks, err := NewSpinLocks(lr.Bytes(), buckets)
	require.NoError(t, err)
	lm, err := NewLockedMap(m, locks)
	require.NoError(t, err)
	require.True(t, lm.Insert(1, 2))

	// A lock held through one mapping is held through every mapping.
	lr2, err := OpenFileRegion(filepath.Join(dir, "locks"))
	require.NoError(t, err)
	defer lr2.Close()
	locks2, err := AttachSpinLocks(lr2.Bytes(), buckets)
	require.NoError(t, err)
	locks.Lock(3)
	require.False(t, locks2.TryLock(3))
	locks.Unlock(3)
	require.True(t, locks2.TryLock(3))
	locks2.Unlock(3)
}

func TestFileRegionErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenFileRegion(filepath.Join(dir, "missing"))
	require.Error(t, err)
	_, err = CreateFileRegion(filepath.Join(dir, "zero"), 0)
	require.Error(t, err)
}
