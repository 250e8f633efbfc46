package scanner

import (
	"runtime"

	"github.com/pkg/errors"

	"github.com/outofforest/sectorscan/address"
	"github.com/outofforest/sectorscan/segment"
	"github.com/outofforest/sectorscan/types"
)

// Config stores scanner configuration.
type Config struct {
	// SectorSize is the size of the classified unit.
	SectorSize types.SectorSize

	// GapThreshold is the number of consecutive empty sectors closing the open segment.
	// Splitting a segment saves the zero bits stored for the gap but costs the address and length of the new
	// segment. Higher values produce fewer segments, speeding up the search, but store more zero bits.
	// 0 selects the threshold at which both costs are equal for the current address.
	GapThreshold uint64

	// Workers is the number of goroutines classifying sectors.
	Workers int

	// BufferSize is the size of each of the two read buffers. It must be a multiple of the sector size and of 16.
	BufferSize int
}

// DefaultConfig returns default configuration for the sector size.
func DefaultConfig(sectorSize types.SectorSize) Config {
	return Config{
		SectorSize: sectorSize,
		Workers:    runtime.NumCPU(),
		BufferSize: DefaultBufferSize,
	}
}

// Validate verifies the configuration.
func (c Config) Validate() error {
	if err := c.SectorSize.Validate(); err != nil {
		return err
	}
	if c.Workers <= 0 {
		return errors.Errorf("number of workers must be positive, got: %d", c.Workers)
	}
	if c.BufferSize <= 0 || c.BufferSize%16 != 0 || uint64(c.BufferSize)%uint64(c.SectorSize) != 0 {
		return errors.Errorf("buffer size must be a positive multiple of 16 and of sector size %d, got: %d",
			c.SectorSize, c.BufferSize)
	}
	return nil
}

// DefaultGapThreshold returns the number of sectors whose zero bits cost as much as starting new segment
// at the address.
func DefaultGapThreshold(addr types.SectorAddress) uint64 {
	n, err := address.EncodedSize(addr)
	if err != nil {
		n = address.MaxSize
	}
	return uint64(n+segment.LengthSize) * 8
}

func (c Config) gapThreshold(addr types.SectorAddress) uint64 {
	if c.GapThreshold == 0 {
		return DefaultGapThreshold(addr)
	}
	return c.GapThreshold
}
