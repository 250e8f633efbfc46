package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/sectorscan/address"
)

func TestCovers(t *testing.T) {
	assertT := assert.New(t)

	s := Segment{Start: 10, Bitmap: []byte{0b00000101, 0b10000000}}

	assertT.EqualValues(16, s.BitCount(1000))
	assertT.EqualValues(26, s.End(1000))

	occupied, ok := s.Covers(9, 1000)
	assertT.False(ok)
	assertT.False(occupied)

	occupied, ok = s.Covers(10, 1000)
	assertT.True(ok)
	assertT.True(occupied)

	occupied, ok = s.Covers(11, 1000)
	assertT.True(ok)
	assertT.False(occupied)

	occupied, ok = s.Covers(12, 1000)
	assertT.True(ok)
	assertT.True(occupied)

	occupied, ok = s.Covers(25, 1000)
	assertT.True(ok)
	assertT.True(occupied)

	_, ok = s.Covers(26, 1000)
	assertT.False(ok)
}

func TestCoversToEnd(t *testing.T) {
	assertT := assert.New(t)

	s := Segment{Start: 4, Bitmap: []byte{0b00001001}, ToEnd: true}

	assertT.EqualValues(4, s.BitCount(8))
	assertT.EqualValues(8, s.End(8))

	occupied, ok := s.Covers(7, 8)
	assertT.True(ok)
	assertT.True(occupied)

	_, ok = s.Covers(8, 8)
	assertT.False(ok)

	assertT.EqualValues(0, s.BitCount(3))
}

func TestNextSet(t *testing.T) {
	assertT := assert.New(t)

	s := Segment{Start: 0, Bitmap: []byte{0b00010010, 0x00, 0x00, 0b01000000}}

	i, ok := s.NextSet(0, 1000)
	assertT.True(ok)
	assertT.EqualValues(1, i)

	i, ok = s.NextSet(2, 1000)
	assertT.True(ok)
	assertT.EqualValues(4, i)

	i, ok = s.NextSet(5, 1000)
	assertT.True(ok)
	assertT.EqualValues(30, i)

	_, ok = s.NextSet(31, 1000)
	assertT.False(ok)

	_, ok = s.NextSet(32, 1000)
	assertT.False(ok)

	s.ToEnd = true
	_, ok = s.NextSet(5, 30)
	assertT.False(ok)
}

func TestEncoding(t *testing.T) {
	requireT := require.New(t)

	s := Segment{Start: 2, Bitmap: []byte{0b00010001}}
	b, err := s.AppendTo(nil)
	requireT.NoError(err)
	requireT.Equal([]byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x01, 0b00010001}, b)

	n, err := s.EncodedSize()
	requireT.NoError(err)
	requireT.Equal(len(b), n)

	decoded, n, err := Decode(b, 8)
	requireT.NoError(err)
	requireT.Equal(len(b), n)
	requireT.Equal(s, decoded)
}

func TestEncodingToEnd(t *testing.T) {
	requireT := require.New(t)

	s := Segment{Start: 6, Bitmap: []byte{0x01, 0x00}, ToEnd: true}
	b, err := s.AppendTo(nil)
	requireT.NoError(err)
	requireT.Equal([]byte{0x00, 0x00, 0x00, 0x06, 0xff, 0xff, 0xff, 0x01, 0x00}, b)

	decoded, n, err := Decode(b, 20)
	requireT.NoError(err)
	requireT.Equal(len(b), n)
	requireT.Equal(s, decoded)

	// Device size decides how many bitmap bytes follow the sentinel.
	_, _, err = Decode(b, 100)
	requireT.ErrorIs(err, address.ErrTruncatedInput)

	_, _, err = Decode(b, 6)
	requireT.ErrorIs(err, ErrInvalidSegment)
}

func TestInvalidSegments(t *testing.T) {
	requireT := require.New(t)

	_, err := Segment{Start: 1}.AppendTo(nil)
	requireT.ErrorIs(err, ErrInvalidSegment)

	_, err = Segment{Start: 1, Bitmap: make([]byte, MaxBitmapSize+1)}.AppendTo(nil)
	requireT.ErrorIs(err, ErrInvalidSegment)

	_, err = Segment{Start: address.MaxAddress + 1, Bitmap: []byte{1}}.AppendTo(nil)
	requireT.ErrorIs(err, address.ErrAddressTooLarge)

	_, _, err = Decode([]byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}, 100)
	requireT.ErrorIs(err, ErrInvalidSegment)
}

func TestTruncated(t *testing.T) {
	requireT := require.New(t)

	b, err := Segment{Start: 1 << 40, Bitmap: []byte{1, 2, 3}}.AppendTo(nil)
	requireT.NoError(err)

	for i := 0; i < len(b); i++ {
		_, _, err := Decode(b[:i], 1<<50)
		requireT.ErrorIs(err, address.ErrTruncatedInput)
	}
}
