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

import (
	"fmt"
	"math"
	"math/bits"
	"unsafe"

	"github.com/pkg/errors"
)

// statusSize is the width of the status tag at the start of every bucket.
const statusSize = 1

// headerSize is the unpadded size of the header at offset 0 of the region.
const headerSize = unsafe.Sizeof(header{})

// Shape describes the size and alignment of a key or value.
type Shape struct {
	Size  uintptr
	Align uintptr
}

// ShapeOf returns the Shape of T as laid out by the Go compiler.
func ShapeOf[T any]() Shape {
	var t T
	return Shape{Size: unsafe.Sizeof(t), Align: unsafe.Alignof(t)}
}

func (s Shape) String() string {
	return fmt.Sprintf("size=%d align=%d", s.Size, s.Align)
}

// Layout is the byte-exact plan for a table of a given capacity and
// key/value shape. A region holding the table must be at least Size bytes
// long and aligned to Align.
//
//	offset 0:                              header
//	offset HeaderSize:                     bucket[0]
//	offset HeaderSize+BucketSize:          bucket[1]
//	...
//	offset HeaderSize+BucketSize*(cap-1):  bucket[cap-1]
//
// Each bucket is a 1 byte status tag, padding to the key alignment, the key
// bytes, padding to the value alignment, the value bytes and padding to
// BucketSize.
type Layout struct {
	Capacity int
	Key      Shape
	Value    Shape

	// Size is the total size of the region in bytes.
	Size uintptr
	// Align is the required alignment of the start of the region.
	Align uintptr
	// HeaderSize is the header size padded to the bucket alignment, i.e. the
	// offset of bucket 0.
	HeaderSize uintptr
	// BucketSize is the stride between consecutive buckets.
	BucketSize uintptr
	// KeyOffset and ValueOffset are relative to the start of a bucket.
	KeyOffset   uintptr
	ValueOffset uintptr
}

func (l Layout) String() string {
	return fmt.Sprintf("capacity=%d size=%d align=%d header=%d bucket=%d key=%d@%d value=%d@%d",
		l.Capacity, l.Size, l.Align, l.HeaderSize, l.BucketSize,
		l.Key.Size, l.KeyOffset, l.Value.Size, l.ValueOffset)
}

// ComputeLayout computes the Layout of a table holding capacity entries with
// keys and values of the specified shapes. The result depends only on its
// arguments and Size never decreases as capacity grows.
func ComputeLayout(capacity int, key, value Shape) (Layout, error) {
	if capacity <= 0 {
		return Layout{}, errors.Wrapf(ErrInvalidCapacity, "capacity %d", capacity)
	}
	if !validAlign(key.Align) {
		return Layout{}, errors.Wrapf(ErrInvalidShape, "key %s", key)
	}
	if !validAlign(value.Align) {
		return Layout{}, errors.Wrapf(ErrInvalidShape, "value %s", value)
	}
	// The header counters are 32 bits wide.
	if uint64(capacity) > math.MaxUint32 {
		return Layout{}, errors.Wrapf(ErrLayoutOverflow, "capacity %d exceeds %d", capacity, uint64(math.MaxUint32))
	}

	l := Layout{Capacity: capacity, Key: key, Value: value}
	bucketAlign := max(key.Align, value.Align)

	l.KeyOffset = alignUp(statusSize, key.Align)
	end, ok := add(l.KeyOffset, key.Size)
	if !ok {
		return Layout{}, errors.Wrapf(ErrLayoutOverflow, "key %s", key)
	}
	if l.ValueOffset, ok = alignUpChecked(end, value.Align); !ok {
		return Layout{}, errors.Wrapf(ErrLayoutOverflow, "value %s", value)
	}
	if end, ok = add(l.ValueOffset, value.Size); !ok {
		return Layout{}, errors.Wrapf(ErrLayoutOverflow, "value %s", value)
	}
	if l.BucketSize, ok = alignUpChecked(end, bucketAlign); !ok {
		return Layout{}, errors.Wrapf(ErrLayoutOverflow, "bucket size %d", end)
	}

	l.HeaderSize = alignUp(headerSize, bucketAlign)
	l.Align = max(unsafe.Alignof(header{}), bucketAlign)

	hi, lo := bits.Mul64(uint64(l.BucketSize), uint64(capacity))
	if hi != 0 || lo > math.MaxInt {
		return Layout{}, errors.Wrapf(ErrLayoutOverflow, "%d buckets of %d bytes", capacity, l.BucketSize)
	}
	if l.Size, ok = add(l.HeaderSize, uintptr(lo)); !ok {
		return Layout{}, errors.Wrapf(ErrLayoutOverflow, "%d buckets of %d bytes", capacity, l.BucketSize)
	}
	return l, nil
}

// bucketOffset returns the offset of bucket i from the start of the region.
func (l Layout) bucketOffset(i uintptr) uintptr {
	return l.HeaderSize + i*l.BucketSize
}

func validAlign(a uintptr) bool {
	return a != 0 && a&(a-1) == 0
}

// alignUp rounds n up to a multiple of a, which must be a power of 2.
func alignUp(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}

func alignUpChecked(n, a uintptr) (uintptr, bool) {
	if _, ok := add(n, a-1); !ok {
		return 0, false
	}
	return alignUp(n, a), true
}

// add returns a+b, reporting false if the sum does not fit in an int. Sizes
// are bounded by math.MaxInt since the region is addressed by a []byte.
func add(a, b uintptr) (uintptr, bool) {
	s := a + b
	if s < a || uint64(s) > math.MaxInt {
		return 0, false
	}
	return s, true
}
