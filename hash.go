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

import "github.com/cespare/xxhash/v2"

// Hasher maps the bytes of a key to a 64-bit digest.
//
// A table outlives any single Map view of it, so a Hasher must return the
// same digest for the same bytes every time it is called, in every process
// that opens the region. Randomly seeded hash functions are not suitable.
type Hasher interface {
	Hash(key []byte) uint64
}

// HasherFunc adapts an ordinary function to the Hasher interface.
type HasherFunc func(key []byte) uint64

// Hash implements Hasher.
func (f HasherFunc) Hash(key []byte) uint64 {
	return f(key)
}

// xxhashHasher is the default Hasher.
type xxhashHasher struct{}

func (xxhashHasher) Hash(key []byte) uint64 {
	return xxhash.Sum64(key)
}
