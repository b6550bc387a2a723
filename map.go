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

// package flatmap is a fixed capacity, open-addressed hash table that lives
// entirely inside a single pre-allocated region of memory owned by the
// caller. It is intended to be embedded in virtual machine runtimes and
// other environments which forbid allocation while executing: the table
// never allocates, grows or frees memory on its own.
//
// # Layout
//
// A table of capacity N with keys of shape K and values of shape V is
// described by a Layout computed by ComputeLayout. The region starts with a
// header followed by N fixed size buckets:
//
//	offset 0:           header { capacity uint32, used uint32, tombstones uint32 }
//	offset HeaderSize:  bucket[0] { status uint8, pad, key [K.Size]byte, pad, value [V.Size]byte, pad }
//	...
//
// The header counters are stored in native byte order, which is little
// endian on every platform Go supports for this package. The status byte is
// 0 for an empty bucket, 1 for a tombstone and 2 for an occupied bucket, so
// a zeroed bucket array is an empty table. The byte layout is part of the
// contract: an embedding runtime is free to read the region directly.
//
// # Probing
//
// The initial bucket for a key is hash(key) mod N and collisions are
// resolved with linear probing, wrapping around at N. A probe never visits
// more than N buckets. An empty bucket terminates a probe chain: a key could
// not have skipped past an empty bucket when it was inserted.
//
// Deletion is performed using tombstones. A removed bucket is never marked
// empty directly as doing so could cut the probe chain of another key that
// passes through it. Insertion reuses the first tombstone on the probe chain
// of the key. Tombstones are only dropped by migrating the entries to a new
// table (see Map.Overwrite and Map.Grow), so a table that sees many
// insert/remove cycles degrades towards probe lengths of O(N).
//
// # Ownership
//
// A Map is a view of a region: it holds a reference to the bytes, the Layout
// and the Hasher, and nothing else. All state lives in the region, so
// multiple Maps opened over the same region (see Open) observe the same
// table. The caller owns the region for its entire lifetime, and "closing" a
// table is simply no longer using the region.
//
// A Map is NOT goroutine-safe. Mutations must be serialized by the caller;
// concurrent reads are fine as long as no mutation is in flight.
package flatmap

import (
	"bytes"
	"fmt"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
)

const debug = false

// Status is the state of a bucket.
type Status uint8

// The values are part of the binary layout. StatusEmpty must be zero.
const (
	StatusEmpty     Status = 0
	StatusTombstone Status = 1
	StatusOccupied  Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusTombstone:
		return "tombstone"
	case StatusOccupied:
		return "occupied"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// NoEntry is the index returned when there is no bucket to return.
const NoEntry = -1

// header lives at offset 0 of the region. Do not change the order or width
// of the fields.
type header struct {
	capacity   uint32
	used       uint32
	tombstones uint32
}

// Map is a view of a table stored in a caller owned region. The zero value
// is not usable; use Init or Open.
type Map struct {
	// buf is the region, sliced to exactly Layout.Size bytes. All bucket
	// accesses are within buf.
	buf    []byte
	header *header
	base   unsafe.Pointer
	layout Layout
	hasher Hasher
	// The allocator used by Grow. The Map itself never allocates.
	allocator Allocator
}

// Init initializes the table described by l in buf and returns a view of it.
// Any previous contents of buf are discarded. The capacity of the table is
// l.Capacity.
//
// buf must be at least l.Size bytes long and its first byte aligned to
// l.Align. A buf shorter than l.Size causes a panic. Alignment is only
// verified in invariants builds.
func Init(buf []byte, l Layout, options ...option) *Map {
	m := newMap(buf, l, options)
	m.Clear()
	return m
}

// Open returns a view of a table previously initialized in buf by Init with
// the same Layout. buf is not modified. The options, in particular the
// Hasher, must match those used to populate the table.
func Open(buf []byte, l Layout, options ...option) *Map {
	m := newMap(buf, l, options)
	m.checkInvariants()
	return m
}

func newMap(buf []byte, l Layout, options []option) *Map {
	if l.Capacity <= 0 || l.HeaderSize < headerSize || l.BucketSize == 0 {
		panic(fmt.Sprintf("flatmap: invalid layout: %s", l))
	}
	buf = buf[:l.Size:l.Size]
	base := unsafe.Pointer(unsafe.SliceData(buf))
	if invariants {
		if uintptr(base)%l.Align != 0 {
			panic(fmt.Sprintf("flatmap: region %p is not aligned to %d", base, l.Align))
		}
	}

	m := &Map{
		buf:       buf,
		header:    (*header)(base),
		base:      base,
		layout:    l,
		hasher:    xxhashHasher{},
		allocator: defaultAllocator{},
	}
	for _, op := range options {
		op.apply(m)
	}
	return m
}

// Clear removes all entries and tombstones from the table.
func (m *Map) Clear() {
	*m.header = header{capacity: uint32(m.layout.Capacity)}
	for i, n := uintptr(0), m.capacity(); i < n; i++ {
		*m.statusAt(i) = StatusEmpty
	}
	m.checkInvariants()
}

// GetOrReserve returns the index of the bucket holding key, inserting key if
// it is not already present. found reports whether key was present. When
// found is false the value bytes of the bucket (see Value) hold whatever was
// previously in memory and the caller is expected to write them.
//
// ErrMapFull is returned if key is not present and there is no empty or
// tombstone bucket available.
//
// key must be exactly Layout.Key.Size bytes long.
func (m *Map) GetOrReserve(key []byte) (index int, found bool, err error) {
	key = m.checkKey(key)
	h := m.hasher.Hash(key)

	// NB: Unlike Lookup, Has and Remove which use find, the insertion walk is
	// not read-only and tracks the first tombstone on the probe chain.
	seq := makeProbeSeq(h, m.capacity())
	if debug {
		fmt.Printf("reserve(%x): %s\n", key, seq)
	}

	tombstone, haveTombstone := uintptr(0), false
	for ; !seq.done(); seq = seq.next() {
		i := seq.offset
		switch *m.statusAt(i) {
		case StatusOccupied:
			if bytes.Equal(m.keyAt(i), key) {
				if debug {
					fmt.Printf("reserve(found): index=%d\n", i)
				}
				return int(i), true, nil
			}
		case StatusEmpty:
			// The key is not in the table. Prefer the earliest tombstone to
			// keep the probe chain of colliding keys short.
			if haveTombstone {
				i = tombstone
			}
			m.reserve(i, key)
			return int(i), false, nil
		case StatusTombstone:
			if !haveTombstone {
				tombstone, haveTombstone = i, true
			}
		}
		if debug {
			fmt.Printf("reserve(skipping): index=%d status=%s\n", i, *m.statusAt(i))
		}
	}

	// Every bucket has been examined so the key is known to be absent.
	if haveTombstone {
		m.reserve(tombstone, key)
		return int(tombstone), false, nil
	}
	if debug {
		fmt.Printf("reserve(full): used=%d\n", m.header.used)
	}
	return NoEntry, false, ErrMapFull
}

// reserve claims the empty or tombstone bucket i for key.
func (m *Map) reserve(i uintptr, key []byte) {
	s := m.statusAt(i)
	if *s == StatusTombstone {
		m.header.tombstones--
	}
	*s = StatusOccupied
	copy(m.keyAt(i), key)
	m.header.used++
	if debug {
		fmt.Printf("reserve(inserting): index=%d used=%d tombstones=%d\n",
			i, m.header.used, m.header.tombstones)
	}
	m.checkInvariants()
}

// Lookup returns the value bytes for key, or ErrNotFound if key is not
// present. The returned slice aliases the region: writes through it update
// the table and it is only meaningful until key is removed.
func (m *Map) Lookup(key []byte) ([]byte, error) {
	i, ok := m.find(key)
	if !ok {
		return nil, ErrNotFound
	}
	return m.valueAt(i), nil
}

// Has returns true if key is present.
func (m *Map) Has(key []byte) bool {
	_, ok := m.find(key)
	return ok
}

// Remove removes key from the table, returning its value bytes. The returned
// slice aliases the region and is only valid until the bucket is reused by a
// subsequent insertion. ErrNotFound is returned if key is not present.
func (m *Map) Remove(key []byte) ([]byte, error) {
	i, ok := m.find(key)
	if !ok {
		return nil, ErrNotFound
	}
	*m.statusAt(i) = StatusTombstone
	m.header.used--
	m.header.tombstones++
	if debug {
		fmt.Printf("remove(%x): index=%d used=%d tombstones=%d\n",
			key, i, m.header.used, m.header.tombstones)
	}
	m.checkInvariants()
	return m.valueAt(i), nil
}

// find walks the probe chain for key and returns the index of the occupied
// bucket holding it.
func (m *Map) find(key []byte) (uintptr, bool) {
	key = m.checkKey(key)
	h := m.hasher.Hash(key)

	seq := makeProbeSeq(h, m.capacity())
	if debug {
		fmt.Printf("find(%x): %s\n", key, seq)
	}

	for ; !seq.done(); seq = seq.next() {
		i := seq.offset
		switch *m.statusAt(i) {
		case StatusEmpty:
			if debug {
				fmt.Printf("find(not-found): index=%d\n", i)
			}
			return 0, false
		case StatusOccupied:
			if bytes.Equal(m.keyAt(i), key) {
				return i, true
			}
		}
		// Tombstones behave like occupied buckets that never match.
	}
	return 0, false
}

// Overwrite copies every entry of src into m, replacing the value of keys
// already present in m. This is the mechanism for growing a table: allocate
// and Init a larger region, then Overwrite it from the old table (see Grow).
// src is not modified. Tombstones are not copied.
//
// If m runs out of buckets an error wrapping ErrMapFull is returned. The
// entries copied before the failure remain in m; there is no rollback.
//
// The key and value shapes of m and src must be identical. Their capacities
// may differ.
func (m *Map) Overwrite(src *Map) error {
	if invariants {
		if m.layout.Key != src.layout.Key || m.layout.Value != src.layout.Value {
			panic(fmt.Sprintf("flatmap: incompatible layouts: %s vs %s", m.layout, src.layout))
		}
	}

	var copied int
	for i, ok := src.NextOccupied(0); ok; i, ok = src.NextOccupied(i + 1) {
		j, _, err := m.GetOrReserve(src.keyAt(uintptr(i)))
		if err != nil {
			return errors.Wrapf(err, "overwrite: copied %d of %d entries", copied, src.Len())
		}
		copy(m.valueAt(uintptr(j)), src.valueAt(uintptr(i)))
		copied++
	}
	return nil
}

// Grow migrates the entries of m into a new table of the specified
// capacity, allocated with the Allocator of m (see WithAllocator), and
// returns it. The new table uses the same Hasher and Allocator as m and has
// no tombstones. m is not modified and its region remains owned by the
// caller.
//
// A capacity smaller than m.Capacity() is permitted as long as it can hold
// m.Len() entries; otherwise an error wrapping ErrMapFull is returned and the
// new region is released to the Allocator.
func (m *Map) Grow(capacity int) (*Map, error) {
	l, err := ComputeLayout(capacity, m.layout.Key, m.layout.Value)
	if err != nil {
		return nil, err
	}
	buf := m.allocator.Alloc(l.Size, l.Align)
	dst := Init(buf, l, WithHasher(m.hasher), WithAllocator(m.allocator))
	if err := dst.Overwrite(m); err != nil {
		m.allocator.Free(buf)
		return nil, errors.Wrapf(err, "grow to %d", capacity)
	}
	return dst, nil
}

// NextOccupied returns the index of the first occupied bucket at or after
// from, or NoEntry and false if there is none. It does not wrap around. All
// entries can be visited in ascending bucket order with:
//
//	for i, ok := m.NextOccupied(0); ok; i, ok = m.NextOccupied(i + 1) {
//	  key, value := m.Key(i), m.Value(i)
//	}
func (m *Map) NextOccupied(from int) (int, bool) {
	if from < 0 {
		from = 0
	}
	for i, n := uintptr(from), m.capacity(); i < n; i++ {
		if *m.statusAt(i) == StatusOccupied {
			return int(i), true
		}
	}
	return NoEntry, false
}

// All calls yield sequentially for each key and value present in the map, in
// ascending bucket order. If yield returns false, All stops the iteration.
// The slices alias the region. The map can be mutated during iteration,
// though there is no guarantee that insertions will be visible to the
// iteration.
func (m *Map) All(yield func(key, value []byte) bool) {
	for i, ok := m.NextOccupied(0); ok; i, ok = m.NextOccupied(i + 1) {
		if !yield(m.keyAt(uintptr(i)), m.valueAt(uintptr(i))) {
			return
		}
	}
}

// Key returns the key bytes of bucket i. They are only meaningful if the
// bucket is occupied.
func (m *Map) Key(i int) []byte {
	return m.keyAt(m.checkIndex(i))
}

// Value returns the value bytes of bucket i. They are only meaningful if
// the bucket is occupied.
func (m *Map) Value(i int) []byte {
	return m.valueAt(m.checkIndex(i))
}

// Status returns the status of bucket i.
func (m *Map) Status(i int) Status {
	return *m.statusAt(m.checkIndex(i))
}

// Len returns the number of entries in the map.
func (m *Map) Len() int {
	return int(m.header.used)
}

// Tombstones returns the number of tombstones in the map.
func (m *Map) Tombstones() int {
	return int(m.header.tombstones)
}

// Capacity returns the number of buckets in the map.
func (m *Map) Capacity() int {
	return m.layout.Capacity
}

// Layout returns the layout of the map.
func (m *Map) Layout() Layout {
	return m.layout
}

// Bytes returns the region holding the map.
func (m *Map) Bytes() []byte {
	return m.buf
}

func (m *Map) capacity() uintptr {
	return uintptr(m.layout.Capacity)
}

func (m *Map) statusAt(i uintptr) *Status {
	return (*Status)(unsafe.Add(m.base, m.layout.bucketOffset(i)))
}

// keyAt and valueAt return nil for zero sized keys and values as their
// offset may point just past the end of the region.
func (m *Map) keyAt(i uintptr) []byte {
	if m.layout.Key.Size == 0 {
		return nil
	}
	p := unsafe.Add(m.base, m.layout.bucketOffset(i)+m.layout.KeyOffset)
	return unsafe.Slice((*byte)(p), m.layout.Key.Size)
}

func (m *Map) valueAt(i uintptr) []byte {
	if m.layout.Value.Size == 0 {
		return nil
	}
	p := unsafe.Add(m.base, m.layout.bucketOffset(i)+m.layout.ValueOffset)
	return unsafe.Slice((*byte)(p), m.layout.Value.Size)
}

func (m *Map) checkIndex(i int) uintptr {
	if uint(i) >= uint(m.layout.Capacity) {
		panic(fmt.Sprintf("flatmap: index %d out of range [0:%d]", i, m.layout.Capacity))
	}
	return uintptr(i)
}

// checkKey returns the key bytes used for hashing and comparison. A key
// shorter than Layout.Key.Size panics. A longer one is truncated, or panics
// when built with the invariants tag.
func (m *Map) checkKey(key []byte) []byte {
	n := uintptr(len(key))
	if n < m.layout.Key.Size || (invariants && n != m.layout.Key.Size) {
		panic(fmt.Sprintf("flatmap: key of %d bytes, expected %d", n, m.layout.Key.Size))
	}
	return key[:m.layout.Key.Size]
}

func (m *Map) checkInvariants() {
	if invariants {
		if c := m.header.capacity; uintptr(c) != m.capacity() {
			panic(fmt.Sprintf("invariant failed: header capacity %d, layout capacity %d\n%s",
				c, m.capacity(), m.debugString()))
		}

		// For every occupied bucket, verify we can find the key by probing
		// and that it is found at this bucket (i.e. it is not duplicated).
		// Count the number of used buckets and tombstones.
		var used, tombstones uint32
		for i := uintptr(0); i < m.capacity(); i++ {
			switch s := *m.statusAt(i); s {
			case StatusEmpty:
			case StatusTombstone:
				tombstones++
			case StatusOccupied:
				if j, ok := m.find(m.keyAt(i)); !ok || j != i {
					panic(fmt.Sprintf("invariant failed: bucket(%d): %x not found [found=%t index=%d]\n%s",
						i, m.keyAt(i), ok, j, m.debugString()))
				}
				used++
			default:
				panic(fmt.Sprintf("invariant failed: bucket(%d): unexpected %s\n%s", i, s, m.debugString()))
			}
		}

		if used != m.header.used {
			panic(fmt.Sprintf("invariant failed: found %d used buckets, but used count is %d\n%s",
				used, m.header.used, m.debugString()))
		}
		if tombstones != m.header.tombstones {
			panic(fmt.Sprintf("invariant failed: found %d tombstones, but tombstone count is %d\n%s",
				tombstones, m.header.tombstones, m.debugString()))
		}
	}
}

func (m *Map) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  tombstones=%d\n",
		m.header.capacity, m.header.used, m.header.tombstones)
	for i := uintptr(0); i < m.capacity(); i++ {
		switch s := *m.statusAt(i); s {
		case StatusEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case StatusTombstone:
			fmt.Fprintf(&buf, "  %4d: tombstone\n", i)
		case StatusOccupied:
			key := m.keyAt(i)
			fmt.Fprintf(&buf, "  %4d: %x [home=%d]\n", i, key, makeProbeSeq(m.hasher.Hash(key), m.capacity()).offset)
		default:
			fmt.Fprintf(&buf, "  %4d: [status=%02x]\n", i, uint8(s))
		}
	}
	return buf.String()
}

// probeSeq maintains the state for a probe sequence. The sequence is linear:
//
//	p(i) := (hash + i) mod capacity
//
// for 0 <= i < capacity, visiting every bucket exactly once.
type probeSeq struct {
	capacity uintptr
	offset   uintptr
	index    uintptr
}

func makeProbeSeq(hash uint64, capacity uintptr) probeSeq {
	return probeSeq{
		capacity: capacity,
		offset:   uintptr(hash % uint64(capacity)),
		index:    0,
	}
}

func (s probeSeq) next() probeSeq {
	s.index++
	s.offset++
	if s.offset == s.capacity {
		s.offset = 0
	}
	return s
}

// done returns true once every bucket has been visited.
func (s probeSeq) done() bool {
	return s.index >= s.capacity
}

func (s probeSeq) String() string {
	return fmt.Sprintf("capacity=%d offset=%d index=%d", s.capacity, s.offset, s.index)
}
