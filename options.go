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

package flatmap

import "unsafe"

// option provide an interface to do work on Map while it is being created.
type option interface {
	apply(m *Map)
}

type hashOption struct {
	hasher Hasher
}

func (op hashOption) apply(m *Map) {
	m.hasher = op.hasher
}

// WithHasher is an option to specify the Hasher to use for a Map. Every view
// of a region must use the same Hasher as the view that populated it.
func WithHasher(hasher Hasher) option {
	return hashOption{hasher}
}

// Allocator specifies an interface for allocating and releasing the regions
// that hold a table. A Map never allocates on its own; the Allocator is only
// used by Map.Grow to obtain the region for the larger table.
type Allocator interface {
	// Alloc should return a zeroed or uninitialized slice of size bytes whose
	// first element is aligned to align.
	Alloc(size, align uintptr) []byte

	// Free can optionally release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by Alloc.
	Free(buf []byte)
}

// defaultAllocator utilizes Go's builtin make() and allows the GC to reclaim
// memory.
type defaultAllocator struct{}

func (defaultAllocator) Alloc(size, align uintptr) []byte {
	return AlignedBuffer(size, align)
}

func (defaultAllocator) Free(buf []byte) {
}

type allocatorOption struct {
	allocator Allocator
}

func (op allocatorOption) apply(m *Map) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map.
func WithAllocator(allocator Allocator) option {
	return allocatorOption{allocator}
}

// AlignedBuffer returns a GC managed slice of size bytes whose first element
// is aligned to align, which must be a power of 2. It is a convenience for
// callers that don't manage their own memory:
//
//	buf := flatmap.AlignedBuffer(l.Size, l.Align)
//	m := flatmap.Init(buf, l)
func AlignedBuffer(size, align uintptr) []byte {
	raw := make([]byte, size+align-1)
	if len(raw) == 0 {
		return raw
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	off := alignUp(base, align) - base
	return raw[off : off+size : off+size]
}
