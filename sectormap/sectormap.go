package sectormap

import (
	"bytes"
	"io"
	"slices"
	"sort"

	"github.com/pkg/errors"

	"github.com/outofforest/sectorscan/segment"
	"github.com/outofforest/sectorscan/types"
)

// ErrCorruptIndex is returned if serialized index can't be decoded into valid map.
var ErrCorruptIndex = errors.New("corrupt sector index")

// corruptError matches ErrCorruptIndex while keeping the decoding error in the chain.
type corruptError struct {
	err error
}

func (e corruptError) Error() string {
	return ErrCorruptIndex.Error() + ": " + e.err.Error()
}

func (e corruptError) Unwrap() error {
	return e.err
}

func (e corruptError) Is(target error) bool {
	return target == ErrCorruptIndex
}

// Map is the ordered list of segments describing occupancy of the device sectors.
// Sectors not covered by any segment are empty.
type Map struct {
	deviceSectors uint64
	segments      []segment.Segment
}

// New returns new empty map for device containing deviceSectors sectors.
func New(deviceSectors uint64) *Map {
	return &Map{
		deviceSectors: deviceSectors,
	}
}

// DeviceSectors returns the number of sectors on the device.
func (m *Map) DeviceSectors() uint64 {
	return m.deviceSectors
}

// Len returns the number of segments.
func (m *Map) Len() int {
	return len(m.segments)
}

// Segments returns the segments stored in the map. Returned slice must not be modified.
func (m *Map) Segments() []segment.Segment {
	return m.segments
}

// IsOccupied returns true if the sector contains non-zero data.
func (m *Map) IsOccupied(addr types.SectorAddress) bool {
	i := m.find(addr)
	if i < 0 {
		return false
	}
	occupied, _ := m.segments[i].Covers(addr, m.deviceSectors)
	return occupied
}

// NextOccupied returns the first occupied sector at address from or later.
func (m *Map) NextOccupied(from types.SectorAddress) (types.SectorAddress, bool) {
	i := m.find(from)
	if i < 0 {
		i = sort.Search(len(m.segments), func(i int) bool {
			return m.segments[i].Start > from
		})
	}

	for ; i < len(m.segments); i++ {
		s := m.segments[i]

		var bit uint64
		if from > s.Start {
			bit = uint64(from - s.Start)
		}
		if n, ok := s.NextSet(bit, m.deviceSectors); ok {
			return s.Start + types.SectorAddress(n), true
		}
	}
	return 0, false
}

// Append inserts the segment into the map keeping segments ordered by their start. Segment overlapping or adjacent
// to the segments already stored is coalesced with them. Map takes ownership of the bitmap.
func (m *Map) Append(s segment.Segment) error {
	if len(s.Bitmap) == 0 {
		return errors.Wrapf(segment.ErrInvalidSegment, "segment at sector %d has empty bitmap", s.Start)
	}
	if len(s.Bitmap) > segment.MaxBitmapSize {
		return errors.Wrapf(segment.ErrInvalidSegment, "bitmap of segment at sector %d is too long: %d",
			s.Start, len(s.Bitmap))
	}
	if uint64(s.Start) >= m.deviceSectors {
		return errors.Wrapf(segment.ErrInvalidSegment, "segment at sector %d starts beyond the device of %d sectors",
			s.Start, m.deviceSectors)
	}
	if s.ToEnd && uint64(len(s.Bitmap)) != types.CeilDivide(m.deviceSectors-uint64(s.Start), 8) {
		return errors.Wrapf(segment.ErrInvalidSegment,
			"bitmap of terminal segment at sector %d has %d bytes, device of %d sectors requires %d",
			s.Start, len(s.Bitmap), m.deviceSectors, types.CeilDivide(m.deviceSectors-uint64(s.Start), 8))
	}

	i := sort.Search(len(m.segments), func(i int) bool {
		return m.segments[i].Start > s.Start
	})
	lo, hi := i, i
	if i > 0 && s.Start <= m.segments[i-1].End(m.deviceSectors) {
		lo = i - 1
	}
	end := s.End(m.deviceSectors)
	for hi < len(m.segments) && m.segments[hi].Start <= end {
		hi++
	}

	if lo == hi {
		m.segments = slices.Insert(m.segments, i, s)
		return nil
	}
	if hi-lo == 1 && m.segments[lo].Start <= s.Start {
		if merged, ok := m.coalesce(m.segments[lo], s); ok {
			m.segments[lo] = merged
			return nil
		}
	}
	m.segments = slices.Replace(m.segments, lo, hi, m.union(append(m.segments[lo:hi:hi], s))...)
	return nil
}

// coalesce merges s into the segment starting at or before it. False is returned if the result does not fit into
// one segment.
func (m *Map) coalesce(last, s segment.Segment) (segment.Segment, bool) {
	offset := uint64(s.Start - last.Start)
	toEnd := last.ToEnd || s.ToEnd
	size := uint64(len(last.Bitmap))
	if toEnd {
		size = types.CeilDivide(m.deviceSectors-uint64(last.Start), 8)
	} else if end := types.CeilDivide(offset+s.BitCount(m.deviceSectors), 8); end > size {
		size = end
	}
	if size > segment.MaxBitmapSize {
		return segment.Segment{}, false
	}

	if size <= uint64(len(last.Bitmap)) {
		last.Bitmap = last.Bitmap[:size]
	} else {
		last.Bitmap = append(last.Bitmap, make([]byte, size-uint64(len(last.Bitmap)))...)
	}
	orBitmap(last.Bitmap, offset, s.Bitmap)
	last.ToEnd = toEnd
	return last, true
}

// union merges segments into one bitmap and splits it into segments not exceeding the maximum bitmap size.
func (m *Map) union(parts []segment.Segment) []segment.Segment {
	start := parts[0].Start
	var end types.SectorAddress
	var toEnd bool
	for _, p := range parts {
		if p.Start < start {
			start = p.Start
		}
		if e := p.End(m.deviceSectors); e > end {
			end = e
		}
		toEnd = toEnd || p.ToEnd
	}
	if toEnd {
		end = types.SectorAddress(m.deviceSectors)
	}

	bitmap := make([]byte, types.CeilDivide(uint64(end-start), 8))
	for _, p := range parts {
		orBitmap(bitmap, uint64(p.Start-start), p.Bitmap)
	}

	result := make([]segment.Segment, 0, types.CeilDivide(uint64(len(bitmap)), segment.MaxBitmapSize))
	for offset := 0; offset < len(bitmap); offset += segment.MaxBitmapSize {
		n := min(len(bitmap)-offset, segment.MaxBitmapSize)
		result = append(result, segment.Segment{
			Start:  start + types.SectorAddress(offset)*8,
			Bitmap: bitmap[offset : offset+n : offset+n],
		})
	}
	result[len(result)-1].ToEnd = toEnd
	return result
}

// orBitmap sets bits of src in dst, shifted by offset bits. Bits falling outside dst are dropped.
func orBitmap(dst []byte, offset uint64, src []byte) {
	size := uint64(len(dst))
	byteOffset, shift := offset/8, offset%8
	for i, v := range src {
		j := byteOffset + uint64(i)
		if j >= size {
			return
		}
		dst[j] |= v << shift
		if shift != 0 && j+1 < size {
			dst[j+1] |= v >> (8 - shift)
		}
	}
}

// Validate verifies that segments are ordered and do not overlap.
func (m *Map) Validate() error {
	for i, s := range m.segments {
		if len(s.Bitmap) == 0 || len(s.Bitmap) > segment.MaxBitmapSize {
			return errors.Wrapf(ErrCorruptIndex, "segment %d at sector %d has invalid bitmap length %d",
				i, s.Start, len(s.Bitmap))
		}
		if uint64(s.Start) >= m.deviceSectors {
			return errors.Wrapf(ErrCorruptIndex, "segment %d starts at sector %d, device has %d sectors",
				i, s.Start, m.deviceSectors)
		}
		if s.ToEnd {
			if i != len(m.segments)-1 {
				return errors.Wrapf(ErrCorruptIndex, "non-terminal segment %d at sector %d extends to the end of device",
					i, s.Start)
			}
			if uint64(s.Start) >= m.deviceSectors ||
				uint64(len(s.Bitmap)) != types.CeilDivide(m.deviceSectors-uint64(s.Start), 8) {
				return errors.Wrapf(ErrCorruptIndex, "terminal segment at sector %d does not match device size",
					s.Start)
			}
		}
		if i == 0 {
			continue
		}
		prev := m.segments[i-1]
		if s.Start <= prev.Start {
			return errors.Wrapf(ErrCorruptIndex, "segment %d starts at sector %d, previous one at %d",
				i, s.Start, prev.Start)
		}
		if s.Start < prev.End(m.deviceSectors) {
			return errors.Wrapf(ErrCorruptIndex, "segment %d at sector %d overlaps previous segment ending at %d",
				i, s.Start, prev.End(m.deviceSectors))
		}
	}
	return nil
}

// Equal returns true if both maps describe the same segments.
func (m *Map) Equal(m2 *Map) bool {
	if m.deviceSectors != m2.deviceSectors || len(m.segments) != len(m2.segments) {
		return false
	}
	for i, s := range m.segments {
		s2 := m2.segments[i]
		if s.Start != s2.Start || s.ToEnd != s2.ToEnd || !bytes.Equal(s.Bitmap, s2.Bitmap) {
			return false
		}
	}
	return true
}

// Size returns the number of bytes used by serialized map.
func (m *Map) Size() (int, error) {
	var size int
	for _, s := range m.segments {
		n, err := s.EncodedSize()
		if err != nil {
			return 0, err
		}
		size += n
	}
	return size, nil
}

// Serialize returns the serialized map.
func (m *Map) Serialize() ([]byte, error) {
	size, err := m.Size()
	if err != nil {
		return nil, err
	}

	b := make([]byte, 0, size)
	for _, s := range m.segments {
		b, err = s.AppendTo(b)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

// WriteTo writes serialized map to w.
func (m *Map) WriteTo(w io.Writer) (int64, error) {
	b, err := m.Serialize()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), errors.WithStack(err)
}

// Deserialize decodes the map from b. Bitmaps are copied so the map does not reference b.
func Deserialize(b []byte, deviceSectors uint64) (*Map, error) {
	m := New(deviceSectors)
	for offset := 0; offset < len(b); {
		s, n, err := segment.Decode(b[offset:], deviceSectors)
		if err != nil {
			return nil, errors.WithStack(corruptError{
				err: errors.Wrapf(err, "decoding segment %d at byte %d failed", len(m.segments), offset),
			})
		}
		offset += n
		s.Bitmap = bytes.Clone(s.Bitmap)

		if s.ToEnd && offset != len(b) {
			return nil, errors.Wrapf(ErrCorruptIndex, "non-terminal segment %d at sector %d extends to the end of device",
				len(m.segments), s.Start)
		}
		m.segments = append(m.segments, s)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Read reads and decodes the map from r.
func Read(r io.Reader, deviceSectors uint64) (*Map, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return Deserialize(b, deviceSectors)
}

// find returns the index of the segment covering addr or -1 if there is no such segment.
func (m *Map) find(addr types.SectorAddress) int {
	i := sort.Search(len(m.segments), func(i int) bool {
		return m.segments[i].Start > addr
	}) - 1
	if i < 0 {
		return -1
	}
	if _, ok := m.segments[i].Covers(addr, m.deviceSectors); !ok {
		return -1
	}
	return i
}
