/*
 * Copyright 2025 rpi4-adc-stuff authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrInvalidArgument is returned for nil or undersized regions, zero-length
	// destinations and writes through a read-only mapping.
	ErrInvalidArgument = errors.New("shm: invalid argument")

	// ErrInvalidName is returned when a segment name is not of the form "/name".
	ErrInvalidName = errors.New("shm: invalid segment name")

	// ErrNotFound matches errors from opening a segment that does not exist.
	ErrNotFound = errors.New("shm: segment not found")

	// ErrOverflow is returned by Append when the ring was full and the record
	// was dropped. The loss is also counted in the header.
	ErrOverflow = errors.New("shm: ring full, record dropped")

	// ErrTransientlyEmpty is returned by Drain when no records are available
	// or no consistent snapshot could be taken within the retry budget.
	// Callers poll again.
	ErrTransientlyEmpty = errors.New("shm: no consistent data available")

	// ErrInconsistent reports a protocol violation, such as the read cursor
	// running ahead of the write cursor. It is not recoverable.
	ErrInconsistent = errors.New("shm: ring cursors inconsistent")

	// ErrUnsupported is returned on platforms without shared memory support.
	ErrUnsupported = errors.New("shm: shared memory segments not supported on this platform")
)

// ResourceError wraps an operating system failure while creating, mapping or
// removing a segment.
type ResourceError struct {
	Op   string // "create", "truncate", "mmap", "open", "stat", "munmap", "close", "unlink"
	Name string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("shm: %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// Is reports a missing segment as ErrNotFound.
func (e *ResourceError) Is(target error) bool {
	return target == ErrNotFound && errors.Is(e.Err, fs.ErrNotExist)
}
