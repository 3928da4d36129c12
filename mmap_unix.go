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
	"fmt"

	"golang.org/x/sys/unix"
)

// FileRegion is a region backed by a shared memory mapping of a file. A
// table or lock array placed in a FileRegion is visible to every process
// mapping the same file, and persists in the file after Close.
type FileRegion struct {
	path string
	data []byte
}

// CreateFileRegion creates (or truncates) the file at path, sizes it to size
// bytes of zeroes and maps it.
func CreateFileRegion(path string, size int) (*FileRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("create %s: invalid size %d", path, size)
	}
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_TRUNC|unix.O_CLOEXEC, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, fmt.Errorf("truncate %s: %w", path, err)
	}
	return mapFile(path, fd, size)
}

// OpenFileRegion maps the existing file at path in its entirety.
func OpenFileRegion(path string) (*FileRegion, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Size <= 0 {
		return nil, fmt.Errorf("open %s: empty file", path)
	}
	return mapFile(path, fd, int(st.Size))
}

func mapFile(path string, fd, size int) (*FileRegion, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &FileRegion{path: path, data: data}, nil
}

// Bytes returns the mapped memory. It is page aligned and therefore
// suitable for Create and NewSpinLocks. It must not be used after Close.
func (r *FileRegion) Bytes() []byte {
	return r.data
}

// Sync flushes the mapping to the underlying file.
func (r *FileRegion) Sync() error {
	if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync %s: %w", r.path, err)
	}
	return nil
}

// Close unmaps the region. It is idempotent.
func (r *FileRegion) Close() error {
	if r.data == nil {
		return nil
	}
	data := r.data
	r.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap %s: %w", r.path, err)
	}
	return nil
}
