package types

import "github.com/pkg/errors"

// SectorSize is the size of the data unit classified by the scanner.
type SectorSize uint64

// Supported sector sizes.
const (
	SectorSize1   SectorSize = 1
	SectorSize1K  SectorSize = 1024
	SectorSize4K  SectorSize = 4 * 1024
	SectorSize16K SectorSize = 16 * 1024
)

// SectorSizes lists all the supported sector sizes in ascending order.
var SectorSizes = []SectorSize{SectorSize1, SectorSize1K, SectorSize4K, SectorSize16K}

// SectorAddress is the logical index of the sector on the device.
type SectorAddress uint64

// Validate returns an error if sector size is not one of the supported ones.
func (s SectorSize) Validate() error {
	for _, size := range SectorSizes {
		if s == size {
			return nil
		}
	}
	return errors.Errorf("unsupported sector size: %d, allowed: 1, 1024, 4096, 16384", s)
}

// Offset returns byte offset of the sector on the device.
func (s SectorSize) Offset(address SectorAddress) int64 {
	return int64(uint64(address) * uint64(s))
}

// SectorOf returns the address of the sector containing the byte at offset.
func (s SectorSize) SectorOf(offset int64) SectorAddress {
	return SectorAddress(uint64(offset) / uint64(s))
}

// SectorCount returns the number of sectors on device of the provided size.
// Trailing partial sector is counted as a full one.
func (s SectorSize) SectorCount(deviceSize int64) uint64 {
	return CeilDivide(uint64(deviceSize), uint64(s))
}

// CeilDivide computes dividend / divisor rounded up.
func CeilDivide(dividend, divisor uint64) uint64 {
	if dividend == 0 {
		return 0
	}
	return (dividend-1)/divisor + 1
}
