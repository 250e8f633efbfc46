package segment

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/outofforest/sectorscan/address"
	"github.com/outofforest/sectorscan/types"
)

const (
	// LengthSize is the number of bytes used to store the bitmap length.
	LengthSize = 3

	// EOFLength is the length sentinel marking the segment extending to the end of the device.
	EOFLength = 1<<(8*LengthSize) - 1

	// MaxBitmapSize is the largest literal bitmap length.
	MaxBitmapSize = EOFLength - 1

	// MaxSectors is the number of sectors covered by the largest literal bitmap.
	MaxSectors = MaxBitmapSize * 8
)

// ErrInvalidSegment is returned if segment can't be encoded or decoded.
var ErrInvalidSegment = errors.New("invalid segment")

// Segment stores occupancy of a contiguous range of sectors. Bit i of the bitmap, counting from the least significant
// bit of the first byte, describes sector Start+i. 1 means the sector contains non-zero data.
type Segment struct {
	Start  types.SectorAddress
	Bitmap []byte

	// ToEnd marks the terminal segment covering all the sectors up to the end of the device.
	ToEnd bool
}

// BitCount returns the number of sectors covered by the segment.
func (s Segment) BitCount(deviceSectors uint64) uint64 {
	if s.ToEnd {
		if deviceSectors <= uint64(s.Start) {
			return 0
		}
		return deviceSectors - uint64(s.Start)
	}
	return uint64(len(s.Bitmap)) * 8
}

// End returns the address of the first sector after the segment.
func (s Segment) End(deviceSectors uint64) types.SectorAddress {
	return s.Start + types.SectorAddress(s.BitCount(deviceSectors))
}

// Occupied returns the occupancy bit of the i-th sector in the segment.
func (s Segment) Occupied(i uint64) bool {
	return s.Bitmap[i/8]&(1<<(i%8)) != 0
}

// Covers returns occupancy of the sector if it belongs to the segment. The second value is false if it does not.
func (s Segment) Covers(addr types.SectorAddress, deviceSectors uint64) (bool, bool) {
	if addr < s.Start {
		return false, false
	}
	i := uint64(addr - s.Start)
	if i >= s.BitCount(deviceSectors) {
		return false, false
	}
	return s.Occupied(i), true
}

// NextSet returns the index of the first set bit at position from or later.
func (s Segment) NextSet(from, deviceSectors uint64) (uint64, bool) {
	count := s.BitCount(deviceSectors)
	if from >= count {
		return 0, false
	}

	byteIndex := from / 8
	b := s.Bitmap[byteIndex] >> (from % 8) << (from % 8)
	for {
		if b != 0 {
			i := byteIndex*8 + uint64(bits.TrailingZeros8(b))
			if i >= count {
				return 0, false
			}
			return i, true
		}
		byteIndex++
		if byteIndex >= uint64(len(s.Bitmap)) {
			return 0, false
		}
		b = s.Bitmap[byteIndex]
	}
}

// EncodedSize returns the number of bytes used by the encoded segment.
func (s Segment) EncodedSize() (int, error) {
	n, err := address.EncodedSize(s.Start)
	if err != nil {
		return 0, err
	}
	return n + LengthSize + len(s.Bitmap), nil
}

// AppendTo appends encoded segment to dst.
func (s Segment) AppendTo(dst []byte) ([]byte, error) {
	if len(s.Bitmap) == 0 {
		return dst, errors.Wrapf(ErrInvalidSegment, "segment at sector %d has empty bitmap", s.Start)
	}
	if len(s.Bitmap) > MaxBitmapSize {
		return dst, errors.Wrapf(ErrInvalidSegment, "bitmap of segment at sector %d is too long: %d, max: %d",
			s.Start, len(s.Bitmap), MaxBitmapSize)
	}

	dst, err := address.Append(dst, s.Start)
	if err != nil {
		return dst, err
	}

	length := len(s.Bitmap)
	if s.ToEnd {
		length = EOFLength
	}
	dst = append(dst, byte(length>>16), byte(length>>8), byte(length))
	return append(dst, s.Bitmap...), nil
}

// Decode decodes the segment stored at the beginning of b. Returned bitmap references b.
func Decode(b []byte, deviceSectors uint64) (Segment, int, error) {
	start, n, err := address.Decode(b)
	if err != nil {
		return Segment{}, 0, err
	}
	if len(b) < n+LengthSize {
		return Segment{}, 0, errors.Wrapf(address.ErrTruncatedInput, "length of segment at sector %d is truncated", start)
	}

	s := Segment{Start: start}
	length := int(b[n])<<16 | int(b[n+1])<<8 | int(b[n+2])
	n += LengthSize

	switch length {
	case 0:
		return Segment{}, 0, errors.Wrapf(ErrInvalidSegment, "segment at sector %d has empty bitmap", start)
	case EOFLength:
		if uint64(start) >= deviceSectors {
			return Segment{}, 0, errors.Wrapf(ErrInvalidSegment,
				"terminal segment starts at sector %d, device has %d sectors", start, deviceSectors)
		}
		s.ToEnd = true
		length = int(types.CeilDivide(deviceSectors-uint64(start), 8))
		if length > MaxBitmapSize {
			return Segment{}, 0, errors.Wrapf(ErrInvalidSegment,
				"terminal segment at sector %d requires too long bitmap: %d", start, length)
		}
	}

	if len(b) < n+length {
		return Segment{}, 0, errors.Wrapf(address.ErrTruncatedInput,
			"bitmap of segment at sector %d is truncated, expected: %d, available: %d", start, length, len(b)-n)
	}
	s.Bitmap = b[n : n+length : n+length]
	return s, n + length, nil
}
