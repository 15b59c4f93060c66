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
	"runtime"
	"strings"
	"unsafe"
)

// DefaultRetryBudget bounds how many snapshot attempts Drain makes before
// reporting ErrTransientlyEmpty.
const DefaultRetryBudget = 1000

// OverflowPolicy decides what Append does with a full ring.
type OverflowPolicy int

const (
	// DropNewest discards the incoming record.
	DropNewest OverflowPolicy = iota
	// OverwriteOldest evicts the oldest stored record to make room.
	OverwriteOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop-newest"
	case OverwriteOldest:
		return "overwrite-oldest"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParseOverflowPolicy accepts the names printed by OverflowPolicy.String.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop-newest", "drop":
		return DropNewest, nil
	case "overwrite-oldest", "overwrite":
		return OverwriteOldest, nil
	default:
		return 0, fmt.Errorf("%w: unknown overflow policy %q", ErrInvalidArgument, s)
	}
}

// RingState represents a snapshot of ring state for debugging and diagnostics
type RingState struct {
	Version     uint32 // Layout version
	Size        uint64 // Declared region size in bytes
	Capacity    uint32 // Record slots
	WriteCursor uint32 // Current write cursor (monotonic)
	ReadCursor  uint32 // Current read cursor (monotonic)
	Used        uint32 // Records currently stored (WriteCursor - ReadCursor)
	Dropped     uint64 // Records lost to overflow
	Activity    uint32 // Activity counter; odd while a write is in progress
	Closed      bool   // Producer finished
}

// FillPercent returns how full the ring is.
func (s RingState) FillPercent() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.Used) / float64(s.Capacity) * 100
}

func (s RingState) String() string {
	return fmt.Sprintf("Used=%d/%d (%.1f%%) Wcur=%d Rcur=%d Dropped=%d Activity=%d Closed=%t",
		s.Used, s.Capacity, s.FillPercent(), s.WriteCursor, s.ReadCursor, s.Dropped, s.Activity, s.Closed)
}

// RingOption configures a Ring returned by Init or Attach.
type RingOption func(*Ring)

// WithRetryBudget sets how many snapshot attempts Drain makes. Values below
// one are raised to one.
func WithRetryBudget(n int) RingOption {
	return func(r *Ring) {
		if n < 1 {
			n = 1
		}
		r.retries = n
	}
}

func withReadOnly() RingOption {
	return func(r *Ring) { r.readOnly = true }
}

// Ring is a typed view of an initialized ring region. One process may call
// Append and one process may call Drain; neither call blocks.
type Ring struct {
	hdr      *RingHeader
	slots    []Record // record store in the mapped region (no copying)
	mask     uint32   // capacity-1 for fast masking (capacity must be power of 2)
	capacity uint32
	retries  int
	readOnly bool

	yield     func() // called between snapshot attempts
	afterCopy func() // test hook run inside the reader's copy window
}

// Init lays out a fresh ring with the given number of record slots over
// region. It must run exactly once per segment, in the creating process,
// before any Append or Drain.
func Init(region []byte, capacity uint32, opts ...RingOption) (*Ring, error) {
	if region == nil {
		return nil, fmt.Errorf("%w: nil region", ErrInvalidArgument)
	}
	if capacity < MinCapacity || !IsPowerOfTwo(capacity) {
		return nil, fmt.Errorf("%w: capacity %d is not a power of two >= %d", ErrInvalidArgument, capacity, MinCapacity)
	}
	need := RegionSize(capacity)
	if len(region) < need {
		return nil, fmt.Errorf("%w: region of %d bytes, capacity %d needs %d", ErrInvalidArgument, len(region), capacity, need)
	}

	h := headerOf(region)
	h.reset(capacity, uint64(need))

	return newRing(region, h, capacity, opts), nil
}

// Attach returns a ring over a region another process initialized.
func Attach(region []byte, opts ...RingOption) (*Ring, error) {
	if err := ValidateRingHeader(region); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	h := headerOf(region)
	return newRing(region, h, h.Capacity(), opts), nil
}

func newRing(region []byte, h *RingHeader, capacity uint32, opts []RingOption) *Ring {
	r := &Ring{
		hdr:      h,
		slots:    unsafe.Slice((*Record)(unsafe.Pointer(&region[RingHeaderSize])), capacity),
		mask:     capacity - 1,
		capacity: capacity,
		retries:  DefaultRetryBudget,
		yield:    runtime.Gosched,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Append stores rec at the write cursor. It never blocks: on a full ring
// DropNewest discards rec and returns ErrOverflow, OverwriteOldest evicts the
// oldest record and returns nil. Every loss is counted in Dropped.
//
// Append must only be called from the single producer.
func (r *Ring) Append(rec *Record, policy OverflowPolicy) error {
	if r == nil || rec == nil {
		return fmt.Errorf("%w: nil ring or record", ErrInvalidArgument)
	}
	if r.readOnly {
		return fmt.Errorf("%w: append through a read-only mapping", ErrInvalidArgument)
	}
	if policy != DropNewest && policy != OverwriteOldest {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, policy)
	}

	hdr := r.hdr

	// Only this process moves the write cursor.
	w := hdr.WriteCursor()
	rd := hdr.ReadCursor()

	// Odd: write in progress
	hdr.bumpActivity()

	var err error
	if w+1-rd >= r.capacity {
		if policy == DropNewest {
			hdr.addDropped()
			err = ErrOverflow
		} else if hdr.advanceReadCursor(rd, rd+1) {
			// The evicted slot is not the one written below: one slot
			// of slack keeps w and rd apart.
			hdr.addDropped()
		}
		// A failed CAS means the reader freed space meanwhile.
	}

	if err == nil {
		r.slots[w&r.mask] = *rec
		// Publish only after the copy is complete
		hdr.setWriteCursor(w + 1)
	}

	// Even: stable
	hdr.bumpActivity()

	return err
}

// Drain copies up to len(dst) of the oldest records into dst and advances
// the read cursor past them. It returns ErrTransientlyEmpty when the ring is
// empty or no consistent copy could be taken within the retry budget, and
// ErrInconsistent if the cursors violate the ring invariants.
//
// Drain must only be called from the single consumer.
func (r *Ring) Drain(dst []Record) (int, error) {
	if r == nil || len(dst) == 0 {
		return 0, fmt.Errorf("%w: nil ring or empty destination", ErrInvalidArgument)
	}
	if r.readOnly {
		return 0, fmt.Errorf("%w: drain through a read-only mapping", ErrInvalidArgument)
	}

	for tries := 1; ; tries++ {
		n, done, err := r.tryDrain(dst)
		if done {
			return n, err
		}
		if tries >= r.retries {
			return 0, ErrTransientlyEmpty
		}
		r.yield()
	}
}

// tryDrain makes one snapshot attempt. done is false when the writer
// interfered and the attempt should be repeated.
func (r *Ring) tryDrain(dst []Record) (n int, done bool, err error) {
	hdr := r.hdr

	seq := hdr.Activity()
	if seq&1 != 0 {
		// write in progress
		return 0, false, nil
	}

	w := hdr.WriteCursor()
	rd := hdr.ReadCursor()

	available := w - rd
	if available == 0 {
		return 0, true, ErrTransientlyEmpty
	}
	if available > r.capacity {
		if hdr.Activity() != seq {
			// cursors were loaded across an eviction
			return 0, false, nil
		}
		return 0, true, fmt.Errorf("%w: write cursor %d, read cursor %d, capacity %d",
			ErrInconsistent, w, rd, r.capacity)
	}

	count := available
	if uint64(len(dst)) < uint64(count) {
		count = uint32(len(dst))
	}
	r.copyOut(dst[:count], rd)

	if r.afterCopy != nil {
		r.afterCopy()
	}

	// Re-check: any append that started after seq was loaded may have
	// touched the slots we copied.
	if hdr.Activity() != seq {
		return 0, false, nil
	}
	// Commit; fails only if the writer evicted in between.
	if !hdr.advanceReadCursor(rd, rd+count) {
		return 0, false, nil
	}
	return int(count), true, nil
}

// copyOut copies len(dst) records starting at cursor rd, in two parts when
// the span wraps past the end of the store.
func (r *Ring) copyOut(dst []Record, rd uint32) {
	start := rd & r.mask
	n := copy(dst, r.slots[start:])
	if n < len(dst) {
		copy(dst[n:], r.slots[:len(dst)-n])
	}
}

// Capacity returns the number of record slots
func (r *Ring) Capacity() uint32 {
	return r.capacity
}

// Used returns the number of records currently stored
func (r *Ring) Used() uint32 {
	return r.hdr.Used()
}

// IsEmpty returns true if the ring holds no records
func (r *Ring) IsEmpty() bool {
	return r.hdr.Used() == 0
}

// IsFull returns true if the next Append would overflow
func (r *Ring) IsFull() bool {
	return r.hdr.Used()+1 >= r.capacity
}

// Dropped returns the number of records lost to overflow
func (r *Ring) Dropped() uint64 {
	return r.hdr.Dropped()
}

// Closed reports whether the producer has marked the stream finished
func (r *Ring) Closed() bool {
	return r.hdr.Closed()
}

// MarkClosed tells the consumer no more records will be appended. Records
// already in the ring can still be drained.
func (r *Ring) MarkClosed() error {
	if r.readOnly {
		return fmt.Errorf("%w: close through a read-only mapping", ErrInvalidArgument)
	}
	r.hdr.SetClosed(true)
	return nil
}

// Header returns the shared header
func (r *Ring) Header() *RingHeader {
	return r.hdr
}

// State returns a snapshot of the current ring state for debugging and
// diagnostics. Fields are loaded one at a time and may not be mutually
// consistent while the producer is running.
func (r *Ring) State() RingState {
	hdr := r.hdr
	w := hdr.WriteCursor()
	rd := hdr.ReadCursor()
	return RingState{
		Version:     hdr.Version(),
		Size:        hdr.Size(),
		Capacity:    r.capacity,
		WriteCursor: w,
		ReadCursor:  rd,
		Used:        w - rd,
		Dropped:     hdr.Dropped(),
		Activity:    hdr.Activity(),
		Closed:      hdr.Closed(),
	}
}

// DiagnoseBackpressure checks whether the ring is close to full, which means
// the consumer is not keeping up and records are about to be dropped.
func DiagnoseBackpressure(r *Ring) (bool, string) {
	s := r.State()
	lagging := s.FillPercent() >= 95.0

	var b strings.Builder
	if lagging {
		b.WriteString("CONSUMER LAGGING:\n")
	} else {
		b.WriteString("Ring State:\n")
	}
	fmt.Fprintf(&b, "%s\n", s)
	if lagging {
		b.WriteString("The producer is about to overflow; drain in larger batches or lower the sample rate.")
	}
	return lagging, b.String()
}
