package sectormap

import (
	"bytes"
	"math/rand"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/sectorscan/address"
	"github.com/outofforest/sectorscan/segment"
	"github.com/outofforest/sectorscan/types"
)

func TestQueries(t *testing.T) {
	requireT := require.New(t)

	m := New(100)
	requireT.NoError(m.Append(segment.Segment{Start: 2, Bitmap: []byte{0b00010001}}))
	requireT.NoError(m.Append(segment.Segment{Start: 40, Bitmap: []byte{0x00, 0b10000000}}))
	requireT.NoError(m.Append(segment.Segment{Start: 90, Bitmap: []byte{0b00000010, 0b00000010}, ToEnd: true}))
	requireT.NoError(m.Validate())
	requireT.Equal(3, m.Len())

	occupied := map[types.SectorAddress]bool{2: true, 6: true, 55: true, 91: true, 99: true}
	for addr := types.SectorAddress(0); addr < 110; addr++ {
		requireT.Equal(occupied[addr], m.IsOccupied(addr), "sector %d", addr)
	}

	next, ok := m.NextOccupied(0)
	requireT.True(ok)
	requireT.EqualValues(2, next)

	next, ok = m.NextOccupied(3)
	requireT.True(ok)
	requireT.EqualValues(6, next)

	next, ok = m.NextOccupied(7)
	requireT.True(ok)
	requireT.EqualValues(55, next)

	next, ok = m.NextOccupied(56)
	requireT.True(ok)
	requireT.EqualValues(91, next)

	next, ok = m.NextOccupied(92)
	requireT.True(ok)
	requireT.EqualValues(99, next)

	_, ok = m.NextOccupied(100)
	requireT.False(ok)
}

func TestEmptyMap(t *testing.T) {
	assertT := assert.New(t)

	m := New(10)
	assertT.False(m.IsOccupied(0))
	_, ok := m.NextOccupied(0)
	assertT.False(ok)

	b, err := m.Serialize()
	assertT.NoError(err)
	assertT.Empty(b)

	m2, err := Deserialize(b, 10)
	assertT.NoError(err)
	assertT.True(m.Equal(m2))
}

func TestAppendCoalescesAdjacent(t *testing.T) {
	requireT := require.New(t)

	m := New(1000)
	requireT.NoError(m.Append(segment.Segment{Start: 8, Bitmap: []byte{0x01}}))
	requireT.NoError(m.Append(segment.Segment{Start: 16, Bitmap: []byte{0x80}}))
	requireT.Equal(1, m.Len())
	requireT.Equal([]byte{0x01, 0x80}, m.Segments()[0].Bitmap)

	// Starting inside the previous segment.
	requireT.NoError(m.Append(segment.Segment{Start: 19, Bitmap: []byte{0b00000011}}))
	requireT.Equal(1, m.Len())
	requireT.Equal([]byte{0x01, 0x98, 0x00}, m.Segments()[0].Bitmap)

	// Unaligned overlap spilling into the next byte.
	requireT.NoError(m.Append(segment.Segment{Start: 30, Bitmap: []byte{0b00000101}}))
	requireT.Equal(1, m.Len())
	requireT.Equal([]byte{0x01, 0x98, 0x40, 0x01}, m.Segments()[0].Bitmap)

	requireT.NoError(m.Append(segment.Segment{Start: 41, Bitmap: []byte{0x01}}))
	requireT.Equal(2, m.Len())
	requireT.NoError(m.Validate())

	for _, addr := range []types.SectorAddress{8, 19, 20, 23, 30, 32, 41} {
		requireT.True(m.IsOccupied(addr), "sector %d", addr)
	}
	requireT.False(m.IsOccupied(21))
	requireT.False(m.IsOccupied(31))
	requireT.False(m.IsOccupied(40))
}

func TestAppendToEnd(t *testing.T) {
	requireT := require.New(t)

	m := New(21)
	requireT.NoError(m.Append(segment.Segment{Start: 0, Bitmap: []byte{0x01}}))
	requireT.NoError(m.Append(segment.Segment{Start: 5, Bitmap: []byte{0b00000001, 0b10000000}, ToEnd: true}))
	requireT.Equal(1, m.Len())
	requireT.True(m.Segments()[0].ToEnd)
	requireT.Len(m.Segments()[0].Bitmap, 3)
	requireT.NoError(m.Validate())
	requireT.True(m.IsOccupied(5))
	requireT.True(m.IsOccupied(20))

	requireT.Error(m.Append(segment.Segment{Start: 30, Bitmap: []byte{0x01}}))
}

func TestAppendErrors(t *testing.T) {
	requireT := require.New(t)

	m := New(1000)
	requireT.ErrorIs(m.Append(segment.Segment{Start: 8}), segment.ErrInvalidSegment)
	requireT.ErrorIs(m.Append(segment.Segment{Start: 1000, Bitmap: []byte{0x01}}), segment.ErrInvalidSegment)
	requireT.Equal(0, m.Len())
}

func TestAppendTerminalLength(t *testing.T) {
	requireT := require.New(t)

	m := New(100)
	requireT.ErrorIs(m.Append(segment.Segment{Start: 0, Bitmap: []byte{0x01}, ToEnd: true}),
		segment.ErrInvalidSegment)
	requireT.ErrorIs(m.Append(segment.Segment{Start: 90, Bitmap: make([]byte, 3), ToEnd: true}),
		segment.ErrInvalidSegment)
	requireT.Equal(0, m.Len())
	requireT.False(m.IsOccupied(50))
	_, ok := m.NextOccupied(0)
	requireT.False(ok)

	bitmap := make([]byte, 13)
	bitmap[12] = 0x08
	requireT.NoError(m.Append(segment.Segment{Start: 0, Bitmap: bitmap, ToEnd: true}))
	requireT.NoError(m.Validate())
	requireT.True(m.IsOccupied(99))
	requireT.False(m.IsOccupied(50))
}

func TestAppendOutOfOrder(t *testing.T) {
	requireT := require.New(t)

	m := New(1000)
	requireT.NoError(m.Append(segment.Segment{Start: 500, Bitmap: []byte{0x01}}))
	requireT.NoError(m.Append(segment.Segment{Start: 100, Bitmap: []byte{0x01}}))
	requireT.NoError(m.Append(segment.Segment{Start: 300, Bitmap: []byte{0x02}}))
	requireT.NoError(m.Validate())
	requireT.Equal(3, m.Len())
	requireT.True(m.IsOccupied(100))
	requireT.True(m.IsOccupied(301))
	requireT.True(m.IsOccupied(500))

	next, ok := m.NextOccupied(0)
	requireT.True(ok)
	requireT.EqualValues(100, next)

	// Segment bridging its predecessor and successor joins both.
	m = New(1000)
	requireT.NoError(m.Append(segment.Segment{Start: 8, Bitmap: []byte{0x01}}))
	requireT.NoError(m.Append(segment.Segment{Start: 24, Bitmap: []byte{0x01}}))
	requireT.Equal(2, m.Len())
	requireT.NoError(m.Append(segment.Segment{Start: 16, Bitmap: []byte{0x80}}))
	requireT.Equal(1, m.Len())
	requireT.Equal(segment.Segment{Start: 8, Bitmap: []byte{0x01, 0x80, 0x01}}, m.Segments()[0])

	// Segment starting before its successor and overlapping it.
	m = New(1000)
	requireT.NoError(m.Append(segment.Segment{Start: 19, Bitmap: []byte{0b00000011}}))
	requireT.NoError(m.Append(segment.Segment{Start: 16, Bitmap: []byte{0x80}}))
	requireT.NoError(m.Append(segment.Segment{Start: 8, Bitmap: []byte{0x01}}))
	requireT.Equal(1, m.Len())
	requireT.Equal(segment.Segment{Start: 8, Bitmap: []byte{0x01, 0x98, 0x00}}, m.Segments()[0])

	// Terminal segment absorbs segments appended after it.
	m = New(21)
	requireT.NoError(m.Append(segment.Segment{Start: 5, Bitmap: []byte{0b00000001, 0b10000000}, ToEnd: true}))
	requireT.NoError(m.Append(segment.Segment{Start: 18, Bitmap: []byte{0xff}}))
	requireT.NoError(m.Append(segment.Segment{Start: 0, Bitmap: []byte{0x01}}))
	requireT.NoError(m.Validate())
	requireT.Equal(1, m.Len())
	requireT.True(m.Segments()[0].ToEnd)
	requireT.Len(m.Segments()[0].Bitmap, 3)
	for _, addr := range []types.SectorAddress{0, 5, 18, 19, 20} {
		requireT.True(m.IsOccupied(addr), "sector %d", addr)
	}
	requireT.False(m.IsOccupied(17))
}

func TestAppendShuffled(t *testing.T) {
	requireT := require.New(t)

	fz := fuzz.New().NilChance(0)
	rnd := rand.New(rand.NewSource(1))
	for round := 0; round < 50; round++ {
		var seed []byte
		fz.NumElements(1, 3000).Fuzz(&seed)

		truth := make([]bool, len(seed))
		for i, v := range seed {
			truth[i] = v%7 == 0
		}
		segments := buildSegments(truth, uint64(round%16))

		expected := New(uint64(len(truth)))
		for _, s := range segments {
			requireT.NoError(expected.Append(cloneSegment(s)))
		}

		m := New(uint64(len(truth)))
		for _, i := range rnd.Perm(len(segments)) {
			requireT.NoError(m.Append(cloneSegment(segments[i])))
		}
		requireT.NoError(m.Validate())
		requireT.True(expected.Equal(m))

		for addr, occupied := range truth {
			requireT.Equal(occupied, m.IsOccupied(types.SectorAddress(addr)), "sector %d", addr)
		}
	}
}

func TestAppendFullSegment(t *testing.T) {
	requireT := require.New(t)

	full := make([]byte, segment.MaxBitmapSize)
	full[0] = 0x01
	full[len(full)-1] = 0x80

	m := New(1 << 40)
	requireT.NoError(m.Append(segment.Segment{Start: 0, Bitmap: full}))
	requireT.NoError(m.Append(segment.Segment{Start: segment.MaxSectors, Bitmap: []byte{0x01}}))
	requireT.Equal(2, m.Len())
	requireT.NoError(m.Validate())
	requireT.True(m.IsOccupied(segment.MaxSectors - 1))
	requireT.True(m.IsOccupied(segment.MaxSectors))

	// Segment preceding the full one and overlapping it is split at the maximum bitmap size.
	m = New(1 << 40)
	requireT.NoError(m.Append(segment.Segment{Start: 8, Bitmap: full}))
	requireT.NoError(m.Append(segment.Segment{Start: 4, Bitmap: []byte{0x11}}))
	requireT.Equal(2, m.Len())
	requireT.NoError(m.Validate())
	requireT.EqualValues(4, m.Segments()[0].Start)
	requireT.Len(m.Segments()[0].Bitmap, segment.MaxBitmapSize)
	requireT.EqualValues(4+segment.MaxSectors, m.Segments()[1].Start)
	for _, addr := range []types.SectorAddress{4, 8, segment.MaxSectors + 7} {
		requireT.True(m.IsOccupied(addr), "sector %d", addr)
	}
	requireT.False(m.IsOccupied(5))
}

func TestSerialization(t *testing.T) {
	requireT := require.New(t)

	m := New(100)
	requireT.NoError(m.Append(segment.Segment{Start: 2, Bitmap: []byte{0b00010001}}))
	requireT.NoError(m.Append(segment.Segment{Start: 90, Bitmap: []byte{0x02, 0x02}, ToEnd: true}))

	b, err := m.Serialize()
	requireT.NoError(err)
	requireT.Equal([]byte{
		0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x01, 0x11,
		0x00, 0x00, 0x00, 0x5a, 0xff, 0xff, 0xff, 0x02, 0x02,
	}, b)

	size, err := m.Size()
	requireT.NoError(err)
	requireT.Len(b, size)

	buf := &bytes.Buffer{}
	n, err := m.WriteTo(buf)
	requireT.NoError(err)
	requireT.EqualValues(len(b), n)

	m2, err := Read(buf, 100)
	requireT.NoError(err)
	requireT.True(m.Equal(m2))
}

func TestCorruptIndex(t *testing.T) {
	requireT := require.New(t)

	seg := func(start types.SectorAddress, bitmap []byte, toEnd bool) []byte {
		b, err := segment.Segment{Start: start, Bitmap: bitmap, ToEnd: toEnd}.AppendTo(nil)
		requireT.NoError(err)
		return b
	}
	concat := func(parts ...[]byte) []byte {
		return bytes.Join(parts, nil)
	}

	cases := map[string][]byte{
		"decreasing":    concat(seg(50, []byte{1}, false), seg(10, []byte{1}, false)),
		"duplicate":     concat(seg(50, []byte{1}, false), seg(50, []byte{1}, false)),
		"overlap":       concat(seg(50, []byte{1, 1}, false), seg(60, []byte{1}, false)),
		"eof not last":  concat(seg(90, []byte{1, 1}, true), seg(95, []byte{1}, false)),
		"eof not last2": concat(seg(10, []byte{1}, true), seg(20, []byte{1}, false)),
		"mid segment":   seg(50, []byte{1, 2, 3}, false)[:9],
		"mid address":   concat(seg(50, []byte{1}, false), []byte{0x40, 0x00}),
		"empty bitmap":  {0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00},
		"beyond device": seg(100, []byte{1}, false),
	}
	for name, b := range cases {
		_, err := Deserialize(b, 100)
		requireT.ErrorIs(err, ErrCorruptIndex, name)
	}

	_, err := Deserialize(cases["mid segment"], 100)
	requireT.ErrorIs(err, address.ErrTruncatedInput)
	_, err = Deserialize(cases["empty bitmap"], 100)
	requireT.ErrorIs(err, segment.ErrInvalidSegment)
}

func TestDeserializeCopiesBitmaps(t *testing.T) {
	requireT := require.New(t)

	m := New(100)
	requireT.NoError(m.Append(segment.Segment{Start: 0, Bitmap: []byte{0x01}}))
	requireT.NoError(m.Append(segment.Segment{Start: 40, Bitmap: []byte{0x01}}))
	b, err := m.Serialize()
	requireT.NoError(err)
	original := bytes.Clone(b)

	m2, err := Deserialize(b, 100)
	requireT.NoError(err)
	requireT.NoError(m2.Append(segment.Segment{Start: 4, Bitmap: []byte{0xff}}))
	requireT.NoError(m2.Append(segment.Segment{Start: 42, Bitmap: []byte{0x01}}))
	requireT.True(m2.IsOccupied(11))
	requireT.True(m2.IsOccupied(42))
	requireT.Equal(original, b)
}

func TestGroundTruth(t *testing.T) {
	requireT := require.New(t)

	fz := fuzz.New().NilChance(0)
	for round := 0; round < 50; round++ {
		var seed []byte
		fz.NumElements(1, 3000).Fuzz(&seed)

		// Sparse occupancy: only bytes divisible by 7 produce occupied sectors.
		truth := make([]bool, len(seed))
		for i, v := range seed {
			truth[i] = v%7 == 0
		}

		m := buildMap(requireT, truth, uint64(round%16))
		requireT.NoError(m.Validate())

		for addr, occupied := range truth {
			requireT.Equal(occupied, m.IsOccupied(types.SectorAddress(addr)), "sector %d", addr)
		}

		var expected, found []types.SectorAddress
		for addr, occupied := range truth {
			if occupied {
				expected = append(expected, types.SectorAddress(addr))
			}
		}
		for from := types.SectorAddress(0); ; {
			next, ok := m.NextOccupied(from)
			if !ok {
				break
			}
			requireT.GreaterOrEqual(next, from)
			found = append(found, next)
			from = next + 1
		}
		requireT.Equal(expected, found)

		b, err := m.Serialize()
		requireT.NoError(err)
		m2, err := Deserialize(b, m.DeviceSectors())
		requireT.NoError(err)
		requireT.True(m.Equal(m2))
	}
}

// buildMap builds the map from the occupancy array closing segments after gap longer than gap sectors.
func buildMap(requireT *require.Assertions, truth []bool, gap uint64) *Map {
	m := New(uint64(len(truth)))
	for _, s := range buildSegments(truth, gap) {
		requireT.NoError(m.Append(s))
	}
	return m
}

// buildSegments returns segments, in address order, describing the occupancy array.
func buildSegments(truth []bool, gap uint64) []segment.Segment {
	var segments []segment.Segment
	var open bool
	var start, last int
	flush := func(toEnd bool) {
		n := last - start + 1
		if toEnd {
			n = len(truth) - start
		}
		bitmap := make([]byte, types.CeilDivide(uint64(n), 8))
		for i := 0; i < n; i++ {
			if truth[start+i] {
				bitmap[i/8] |= 1 << (i % 8)
			}
		}
		segments = append(segments, segment.Segment{Start: types.SectorAddress(start), Bitmap: bitmap, ToEnd: toEnd})
	}

	for i, occupied := range truth {
		switch {
		case occupied && !open:
			open, start, last = true, i, i
		case occupied:
			last = i
		case open && uint64(i-last) > gap:
			flush(false)
			open = false
		}
	}
	if open {
		flush(true)
	}
	return segments
}

func cloneSegment(s segment.Segment) segment.Segment {
	s.Bitmap = bytes.Clone(s.Bitmap)
	return s
}
