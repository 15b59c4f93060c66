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
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// testSegmentName returns a unique segment name for this test run.
func testSegmentName(t *testing.T) string {
	t.Helper()
	return "/adcring-test-" + uuid.NewString()
}

// createTestSegment creates a segment sized for a ring of capacity records
// and registers cleanup with t.Cleanup, so the name is removed even if the
// test fails or panics.
func createTestSegment(t *testing.T, capacity uint32) *Segment {
	t.Helper()

	name := testSegmentName(t)
	seg, err := CreateSegment(name, RegionSize(capacity))
	require.NoError(t, err, "create test segment %s", name)

	t.Cleanup(func() {
		seg.Close()
		RemoveSegment(name)
	})

	return seg
}

// createTestRing creates a segment and initializes a ring over it.
func createTestRing(t *testing.T, capacity uint32, opts ...RingOption) (*Segment, *Ring) {
	t.Helper()

	seg := createTestSegment(t, capacity)
	ring, err := seg.InitRing(capacity, opts...)
	require.NoError(t, err, "init ring")
	return seg, ring
}

// newHeapRing initializes a ring over ordinary process memory. The protocol
// does not care where the region lives, so most algorithm tests skip the
// shared memory namespace.
func newHeapRing(t *testing.T, capacity uint32, opts ...RingOption) *Ring {
	t.Helper()

	ring, err := Init(make([]byte, RegionSize(capacity)), capacity, opts...)
	require.NoError(t, err, "init heap ring")
	return ring
}

// makeRecord returns a record whose samples are all derived from usecs, so a
// torn copy shows up as a sample that does not match its header.
func makeRecord(usecs uint32) *Record {
	rec := &Record{Usecs: usecs}
	for i := range rec.Samples {
		rec.Samples[i] = usecs*31 + uint32(i)
	}
	return rec
}

// recordIntact reports whether rec still matches the pattern makeRecord wrote.
func recordIntact(rec *Record) bool {
	for i := range rec.Samples {
		if rec.Samples[i] != rec.Usecs*31+uint32(i) {
			return false
		}
	}
	return true
}

// drainAll drains until the ring reports empty and returns the time fields
// in the order they were read.
func drainAll(t *testing.T, ring *Ring, batch int) []uint32 {
	t.Helper()

	var got []uint32
	buf := make([]Record, batch)
	for {
		n, err := ring.Drain(buf)
		if errors.Is(err, ErrTransientlyEmpty) && ring.IsEmpty() {
			return got
		}
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			require.True(t, recordIntact(&buf[i]), "record %d torn", buf[i].Usecs)
			got = append(got, buf[i].Usecs)
		}
	}
}
