// Copyright 2025 Kadir Pekel
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

package store

import "errors"

var (
	// ErrNotFound is returned when a lookup by id, username, api key, or
	// graph id misses.
	ErrNotFound = errors.New("not found")

	// ErrUsernameTaken is returned when a username uniqueness constraint
	// is violated on insert.
	ErrUsernameTaken = errors.New("username already taken")

	// ErrOutOfRange names an out-of-range track position. No function in
	// this package returns it; tooltrack.Truncate reports its own
	// tooltrack.ErrOutOfRange.
	ErrOutOfRange = errors.New("position out of range")
)
