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
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"
)

// Memory layout constants
const (
	// Magic bytes for ring identification
	RingMagic = "ADCRING\x00"

	// RingVersion is bumped on any change to the header layout, the record
	// size or the meaning of a header field.
	RingVersion = uint32(1)

	// Ring header size (aligned to 64 bytes); records start right after it.
	RingHeaderSize = 64

	// SamplesPerRecord is the number of sample words in one capture block.
	SamplesPerRecord = 1024

	// RecordSize is the size in bytes of one Record in the store.
	RecordSize = int(unsafe.Sizeof(Record{}))

	// MinCapacity is the smallest usable ring (one record plus one slot of slack).
	MinCapacity = 2

	// DefaultCapacity is the number of records in a production ring.
	DefaultCapacity = 8192

	// maxNameLen mirrors NAME_MAX for shared memory object names.
	maxNameLen = 255
)

// Platform-specific functions (implemented in platform-specific files)
var (
	// unmapMemory unmaps a memory-mapped region
	unmapMemory func([]byte) error
	// closeFd releases a segment descriptor
	closeFd func(int) error
)

// Record is one capture block: the elapsed time of the block in
// microseconds and the raw sample words read from the ADC.
type Record struct {
	Usecs   uint32
	Samples [SamplesPerRecord]uint32
}

func init() {
	if unsafe.Sizeof(RingHeader{}) != RingHeaderSize {
		panic(fmt.Sprintf("shm: RingHeader size is %d, expected %d", unsafe.Sizeof(RingHeader{}), RingHeaderSize))
	}
	if RecordSize != 4+4*SamplesPerRecord {
		panic(fmt.Sprintf("shm: Record size is %d, expected %d", RecordSize, 4+4*SamplesPerRecord))
	}
}

// RingHeader is the fixed layout at offset 0 of a ring segment. It is the
// wire format between the producer and consumer processes.
type RingHeader struct {
	magic    [8]byte  // 0x00: "ADCRING\0"
	version  uint32   // 0x08: layout version
	activity uint32   // 0x0C: seqlock, odd while a write is in progress
	size     uint64   // 0x10: declared region size in bytes
	capacity uint32   // 0x18: records in the store (power of 2)
	samples  uint32   // 0x1C: samples per record
	dropped  uint64   // 0x20: records lost to overflow
	wcursor  uint32   // 0x28: monotonic write cursor (producer)
	rcursor  uint32   // 0x2C: monotonic read cursor (consumer, or producer on eviction)
	closed   uint32   // 0x30: producer finished flag (0 open, 1 closed)
	reserved [12]byte // 0x34-0x3F: reserved/padding to 64B
	// record store starts at offset 0x40
}

// RingHeader accessors. Write-once fields are still read atomically so a
// second process never observes a half-written value.

// Magic returns the magic bytes
func (h *RingHeader) Magic() [8]byte {
	return h.magic
}

// Version returns the layout version
func (h *RingHeader) Version() uint32 {
	return atomic.LoadUint32(&h.version)
}

// Size returns the declared region size
func (h *RingHeader) Size() uint64 {
	return atomic.LoadUint64(&h.size)
}

// Capacity returns the number of record slots
func (h *RingHeader) Capacity() uint32 {
	return atomic.LoadUint32(&h.capacity)
}

// Samples returns the samples-per-record the ring was initialized with
func (h *RingHeader) Samples() uint32 {
	return atomic.LoadUint32(&h.samples)
}

// Activity returns the activity counter
func (h *RingHeader) Activity() uint32 {
	return atomic.LoadUint32(&h.activity)
}

// bumpActivity flips the activity counter parity and returns the new value
func (h *RingHeader) bumpActivity() uint32 {
	return atomic.AddUint32(&h.activity, 1)
}

// Dropped returns the overflow counter
func (h *RingHeader) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

func (h *RingHeader) addDropped() {
	atomic.AddUint64(&h.dropped, 1)
}

// WriteCursor returns the monotonic write cursor
func (h *RingHeader) WriteCursor() uint32 {
	return atomic.LoadUint32(&h.wcursor)
}

func (h *RingHeader) setWriteCursor(c uint32) {
	atomic.StoreUint32(&h.wcursor, c)
}

// ReadCursor returns the monotonic read cursor
func (h *RingHeader) ReadCursor() uint32 {
	return atomic.LoadUint32(&h.rcursor)
}

// advanceReadCursor moves the read cursor from old to new unless the other
// side moved it first.
func (h *RingHeader) advanceReadCursor(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(&h.rcursor, old, new)
}

// Closed returns the producer finished flag
func (h *RingHeader) Closed() bool {
	return atomic.LoadUint32(&h.closed) != 0
}

// SetClosed sets the producer finished flag
func (h *RingHeader) SetClosed(closed bool) {
	var val uint32
	if closed {
		val = 1
	}
	atomic.StoreUint32(&h.closed, val)
}

// Used returns the number of records currently stored
func (h *RingHeader) Used() uint32 {
	w := atomic.LoadUint32(&h.wcursor)
	rd := atomic.LoadUint32(&h.rcursor)
	return w - rd // uint32 arithmetic handles wrap-around
}

// reset zeroes the header and writes the write-once fields.
func (h *RingHeader) reset(capacity uint32, size uint64) {
	*h = RingHeader{}
	copy(h.magic[:], RingMagic)
	atomic.StoreUint32(&h.capacity, capacity)
	atomic.StoreUint32(&h.samples, SamplesPerRecord)
	atomic.StoreUint64(&h.size, size)
	atomic.StoreUint32(&h.wcursor, 0)
	atomic.StoreUint32(&h.rcursor, 0)
	// version last: a concurrent IsValid must not pass on a partial header
	atomic.StoreUint32(&h.version, RingVersion)
}

// Layout calculation and validation helpers

// IsPowerOfTwo returns true if n is a power of two
func IsPowerOfTwo(n uint32) bool {
	return n > 0 && (n&(n-1)) == 0
}

// RegionSize returns the number of bytes a ring with the given capacity needs.
func RegionSize(capacity uint32) int {
	return RingHeaderSize + int(capacity)*RecordSize
}

// headerOf returns the header at the start of region, or nil if region is
// too short to hold one.
func headerOf(region []byte) *RingHeader {
	if len(region) < RingHeaderSize {
		return nil
	}
	return (*RingHeader)(unsafe.Pointer(&region[0]))
}

// ValidateRingHeader checks that region holds an initialized ring of this
// layout version. The returned error says which check failed.
func ValidateRingHeader(region []byte) error {
	h := headerOf(region)
	if h == nil {
		return fmt.Errorf("region of %d bytes is smaller than the %d byte header", len(region), RingHeaderSize)
	}
	// Check version before anything else: Init stores it last.
	if h.Version() != RingVersion {
		return fmt.Errorf("unsupported version %d, expected %d", h.Version(), RingVersion)
	}
	if string(h.magic[:]) != RingMagic {
		return fmt.Errorf("invalid magic bytes")
	}
	capacity := h.Capacity()
	if capacity < MinCapacity || !IsPowerOfTwo(capacity) {
		return fmt.Errorf("capacity %d is not a power of two >= %d", capacity, MinCapacity)
	}
	if h.Samples() != SamplesPerRecord {
		return fmt.Errorf("ring has %d samples per record, expected %d", h.Samples(), SamplesPerRecord)
	}
	want := uint64(RegionSize(capacity))
	if h.Size() < want {
		return fmt.Errorf("declared size %d is below the %d bytes capacity %d needs", h.Size(), want, capacity)
	}
	if uint64(len(region)) < h.Size() {
		return fmt.Errorf("mapping of %d bytes is smaller than declared size %d", len(region), h.Size())
	}
	return nil
}

// IsValid reports whether region holds a ring initialized by Init with the
// same layout version. A second process calls it after OpenSegment before
// trusting any cursor.
func IsValid(region []byte) bool {
	return ValidateRingHeader(region) == nil
}

// Segment manager types

// Mode selects the access a segment is opened with.
type Mode int

const (
	// ReadWrite maps the segment readable and writable.
	ReadWrite Mode = iota
	// ReadOnly maps the segment without write permission.
	ReadOnly
)

func (m Mode) String() string {
	switch m {
	case ReadWrite:
		return "read-write"
	case ReadOnly:
		return "read-only"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Segment represents a mapped shared memory segment
type Segment struct {
	Mem  []byte // Memory-mapped region
	Name string // Shared memory object name ("/name")
	Path string // Backing file path
	Mode Mode   // Access the mapping was created with

	fd    int  // descriptor, meaningful only while hasFd is set
	hasFd bool // false for zero values and closed segments
}

// ReadOnly reports whether the mapping lacks write permission.
func (s *Segment) ReadOnly() bool {
	return s != nil && s.Mode == ReadOnly
}

// Size returns the length of the mapping.
func (s *Segment) Size() int {
	if s == nil {
		return 0
	}
	return len(s.Mem)
}

// Close unmaps the memory and closes the descriptor. It is safe to call on a
// nil or already closed segment.
func (s *Segment) Close() error {
	if s == nil {
		return nil
	}
	var firstErr error

	// Unmap the memory
	if s.Mem != nil {
		if err := unmapMemory(s.Mem); err != nil && firstErr == nil {
			firstErr = &ResourceError{Op: "munmap", Name: s.Name, Err: err}
		}
		s.Mem = nil
	}

	// Close the descriptor
	if s.hasFd {
		if err := closeFd(s.fd); err != nil && firstErr == nil {
			firstErr = &ResourceError{Op: "close", Name: s.Name, Err: err}
		}
		s.fd, s.hasFd = -1, false
	}

	return firstErr
}

// Destroy closes the segment and removes its name. Only the creating side
// calls it; the other side keeps its mapping until it closes.
func (s *Segment) Destroy() error {
	if s == nil {
		return nil
	}
	closeErr := s.Close()
	if s.Name == "" {
		return closeErr
	}
	if err := RemoveSegment(s.Name); err != nil {
		if closeErr != nil {
			return closeErr
		}
		return err
	}
	logger.Debug("shm: segment destroyed", "name", s.Name)
	return closeErr
}

// InitRing initializes a ring over the whole segment. The segment must be
// writable and at least RegionSize(capacity) bytes long.
func (s *Segment) InitRing(capacity uint32, opts ...RingOption) (*Ring, error) {
	if s == nil || s.ReadOnly() {
		return nil, fmt.Errorf("%w: ring init needs a writable segment", ErrInvalidArgument)
	}
	return Init(s.Mem, capacity, opts...)
}

// AttachRing validates the segment and returns a ring over it. A read-only
// segment yields a ring that can be inspected but not appended to or drained.
func (s *Segment) AttachRing(opts ...RingOption) (*Ring, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil segment", ErrInvalidArgument)
	}
	if s.ReadOnly() {
		opts = append(opts, withReadOnly())
	}
	return Attach(s.Mem, opts...)
}

// validateName checks the "/name" form shm_open expects: one leading slash,
// no other slash, and not longer than NAME_MAX.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if name[0] != '/' {
		return fmt.Errorf("%w: %q must start with '/'", ErrInvalidName, name)
	}
	rest := name[1:]
	if rest == "" || rest == "." || rest == ".." {
		return fmt.Errorf("%w: %q has no object name", ErrInvalidName, name)
	}
	if strings.ContainsAny(rest, "/\x00") {
		return fmt.Errorf("%w: %q contains '/' or NUL after the leading slash", ErrInvalidName, name)
	}
	if len(rest) > maxNameLen {
		return fmt.Errorf("%w: %q is longer than %d bytes", ErrInvalidName, name, maxNameLen)
	}
	return nil
}
