//go:build unix

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
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestCreateSegment(t *testing.T) {
	seg := createTestSegment(t, 16)

	assert.Equal(t, RegionSize(16), seg.Size())
	assert.Equal(t, ReadWrite, seg.Mode)
	assert.False(t, seg.ReadOnly())
	assert.True(t, SegmentExists(seg.Name))

	info, err := os.Stat(seg.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(RegionSize(16)), info.Size())

	// New objects are zero filled, so an uninitialized ring is never valid.
	assert.False(t, IsValid(seg.Mem))
}

func TestCreateSegmentInvalidName(t *testing.T) {
	for _, name := range []string{"", "noslash", "/", "/a/b"} {
		seg, err := CreateSegment(name, 4096)
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
		assert.Nil(t, seg)
	}
}

func TestCreateSegmentInvalidSize(t *testing.T) {
	name := testSegmentName(t)
	for _, size := range []int{0, -1} {
		_, err := CreateSegment(name, size)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	}
	assert.False(t, SegmentExists(name))
}

func TestCreateSegmentAlreadyExists(t *testing.T) {
	seg := createTestSegment(t, 4)

	dup, err := CreateSegment(seg.Name, RegionSize(4))
	require.Error(t, err)
	assert.Nil(t, dup)

	var rerr *ResourceError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "create", rerr.Op)
	assert.ErrorIs(t, err, unix.EEXIST)

	// the failed create must not remove the existing object
	assert.True(t, SegmentExists(seg.Name))
}

func TestOpenSegmentNotFound(t *testing.T) {
	name := testSegmentName(t)

	seg, err := OpenSegment(name, 0, ReadWrite)
	require.Error(t, err)
	assert.Nil(t, seg)
	assert.ErrorIs(t, err, ErrNotFound)

	var rerr *ResourceError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, name, rerr.Name)
	assert.Contains(t, err.Error(), name)
}

func TestOpenSegmentSizes(t *testing.T) {
	seg := createTestSegment(t, 8)

	whole, err := OpenSegment(seg.Name, 0, ReadWrite)
	require.NoError(t, err)
	defer whole.Close()
	assert.Equal(t, seg.Size(), whole.Size())

	part, err := OpenSegment(seg.Name, RingHeaderSize, ReadWrite)
	require.NoError(t, err)
	defer part.Close()
	assert.Equal(t, RingHeaderSize, part.Size())

	tooBig, err := OpenSegment(seg.Name, seg.Size()+1, ReadWrite)
	require.Error(t, err)
	assert.Nil(t, tooBig)
	var rerr *ResourceError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "mmap", rerr.Op)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = OpenSegment(seg.Name, -1, ReadWrite)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = OpenSegment(seg.Name, 0, Mode(9))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = OpenSegment("bad", 0, ReadWrite)
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestSegmentsShareMemory(t *testing.T) {
	seg, producer := createTestRing(t, 16)

	other, err := OpenSegment(seg.Name, seg.Size(), ReadWrite)
	require.NoError(t, err)
	defer other.Close()

	require.True(t, IsValid(other.Mem))
	consumer, err := other.AttachRing()
	require.NoError(t, err)

	for i := uint32(0); i < 5; i++ {
		require.NoError(t, producer.Append(makeRecord(i), DropNewest))
	}
	assert.Equal(t, uint32(5), consumer.Used())

	got := drainAll(t, consumer, 3)
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, got)
	assert.True(t, producer.IsEmpty())
}

func TestOpenSegmentReadOnly(t *testing.T) {
	seg, producer := createTestRing(t, 8)
	require.NoError(t, producer.Append(makeRecord(1), DropNewest))

	ro, err := OpenSegment(seg.Name, 0, ReadOnly)
	require.NoError(t, err)
	defer ro.Close()
	assert.True(t, ro.ReadOnly())
	assert.Equal(t, "read-only", ro.Mode.String())

	ring, err := ro.AttachRing()
	require.NoError(t, err)

	// inspection works
	state := ring.State()
	assert.Equal(t, uint32(1), state.Used)
	assert.Equal(t, uint32(1), state.WriteCursor)

	// but nothing that writes to the mapping does
	_, err = ring.Drain(make([]Record, 1))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, ring.Append(makeRecord(2), DropNewest), ErrInvalidArgument)
	assert.ErrorIs(t, ring.MarkClosed(), ErrInvalidArgument)

	_, err = ro.InitRing(8)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// the producer's state is untouched
	assert.Equal(t, uint32(1), producer.Used())
}

func TestSegmentCloseIdempotent(t *testing.T) {
	seg := createTestSegment(t, 4)

	other, err := OpenSegment(seg.Name, 0, ReadWrite)
	require.NoError(t, err)

	require.NoError(t, other.Close())
	assert.Nil(t, other.Mem)
	require.NoError(t, other.Close())

	var nilSeg *Segment
	assert.NoError(t, nilSeg.Close())
	assert.NoError(t, nilSeg.Destroy())
	assert.Zero(t, nilSeg.Size())

	// closing one mapping leaves the object in place
	assert.True(t, SegmentExists(seg.Name))
}

func TestZeroSegmentClose(t *testing.T) {
	_, before := unix.FcntlInt(0, unix.F_GETFD, 0)

	var seg Segment
	assert.NoError(t, seg.Close())
	assert.NoError(t, seg.Close())

	// descriptor 0 belongs to the process, not to the zero segment
	_, after := unix.FcntlInt(0, unix.F_GETFD, 0)
	assert.Equal(t, before, after)
}

func TestSegmentDestroy(t *testing.T) {
	name := testSegmentName(t)
	seg, err := CreateSegment(name, RegionSize(4))
	require.NoError(t, err)
	t.Cleanup(func() { RemoveSegment(name) })

	// a second mapping survives the unlink
	other, err := OpenSegment(name, 0, ReadWrite)
	require.NoError(t, err)
	defer other.Close()

	ring, err := seg.InitRing(4)
	require.NoError(t, err)
	require.NoError(t, ring.Append(makeRecord(3), DropNewest))

	require.NoError(t, seg.Destroy())
	assert.False(t, SegmentExists(name))
	assert.Nil(t, seg.Mem)

	_, err = OpenSegment(name, 0, ReadWrite)
	assert.ErrorIs(t, err, ErrNotFound)

	consumer, err := other.AttachRing()
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, drainAll(t, consumer, 1))

	// destroying again reports the missing name
	err = seg.Destroy()
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestRemoveSegment(t *testing.T) {
	assert.ErrorIs(t, RemoveSegment("nope"), ErrInvalidName)
	assert.ErrorIs(t, RemoveSegment(testSegmentName(t)), ErrNotFound)
	assert.False(t, SegmentExists("nope"))
}
