package address

import (
	"github.com/pkg/errors"

	"github.com/outofforest/sectorscan/types"
)

// Compressed address is stored big-endian on 4, 5, 6 or 8 bytes. The top 2 bits of the first byte select
// the class and are not part of the payload.
const (
	classBits  = 2
	classShift = 8 - classBits

	// MinSize is the smallest encoded size.
	MinSize = 4

	// MaxSize is the largest encoded size.
	MaxSize = 8

	// MaxAddress is the largest address which may be encoded.
	MaxAddress = types.SectorAddress(1<<(8*MaxSize-classBits) - 1)
)

// classSizes maps the class to the total number of bytes, header included.
var classSizes = [4]int{4, 5, 6, 8}

var (
	// ErrAddressTooLarge is returned if address does not fit into the largest class.
	ErrAddressTooLarge = errors.New("sector address is too large to be encoded")

	// ErrTruncatedInput is returned if there are fewer bytes than the class header requires.
	ErrTruncatedInput = errors.New("compressed address is truncated")
)

// ClassCapacity returns the largest address representable by the class.
func ClassCapacity(class int) types.SectorAddress {
	return types.SectorAddress(1<<(8*classSizes[class]-classBits) - 1)
}

// EncodedSize returns the number of bytes used to encode the address.
func EncodedSize(addr types.SectorAddress) (int, error) {
	for class := range classSizes {
		if addr <= ClassCapacity(class) {
			return classSizes[class], nil
		}
	}
	return 0, errors.Wrapf(ErrAddressTooLarge, "address: %d, max: %d", addr, MaxAddress)
}

// Encode returns compressed representation of the address.
func Encode(addr types.SectorAddress) ([]byte, error) {
	return Append(make([]byte, 0, MaxSize), addr)
}

// Append appends compressed representation of the address to dst.
func Append(dst []byte, addr types.SectorAddress) ([]byte, error) {
	for class, size := range classSizes {
		if addr > ClassCapacity(class) {
			continue
		}

		for i := size - 1; i >= 0; i-- {
			b := byte(addr >> (8 * i))
			if i == size-1 {
				b |= byte(class) << classShift
			}
			dst = append(dst, b)
		}
		return dst, nil
	}
	return dst, errors.Wrapf(ErrAddressTooLarge, "address: %d, max: %d", addr, MaxAddress)
}

// Decode decodes the address stored at the beginning of b. It returns the address and the number of bytes consumed.
func Decode(b []byte) (types.SectorAddress, int, error) {
	if len(b) == 0 {
		return 0, 0, errors.Wrap(ErrTruncatedInput, "no header byte")
	}

	size := classSizes[b[0]>>classShift]
	if len(b) < size {
		return 0, 0, errors.Wrapf(ErrTruncatedInput, "class requires %d bytes, available: %d", size, len(b))
	}

	addr := types.SectorAddress(b[0] &^ (0b11 << classShift))
	for _, v := range b[1:size] {
		addr = addr<<8 | types.SectorAddress(v)
	}
	return addr, size, nil
}
