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

import "github.com/pkg/errors"

// Errors returned by the table. They may be wrapped with additional context;
// use errors.Is to test for them.
var (
	// ErrInvalidCapacity is returned by ComputeLayout for a capacity <= 0.
	ErrInvalidCapacity = errors.New("flatmap: invalid capacity")
	// ErrInvalidShape is returned by ComputeLayout when an alignment is not a
	// power of 2.
	ErrInvalidShape = errors.New("flatmap: invalid shape")
	// ErrLayoutOverflow is returned by ComputeLayout when the size of the
	// table is not addressable.
	ErrLayoutOverflow = errors.New("flatmap: layout overflow")
	// ErrMapFull is returned when there is no free bucket for a new key.
	ErrMapFull = errors.New("flatmap: map full")
	// ErrNotFound is returned when a key is not present.
	ErrNotFound = errors.New("flatmap: not found")
)
