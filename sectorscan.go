package sectorscan

import (
	"context"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/outofforest/sectorscan/scanner"
	"github.com/outofforest/sectorscan/sectormap"
	"github.com/outofforest/sectorscan/types"
)

// FingerprintSize is the number of bytes at the beginning of the device hashed into its fingerprint.
const FingerprintSize = 1024 * 1024

// Index is the occupancy index of a device together with the context required to interpret it.
type Index struct {
	Map        *sectormap.Map
	SectorSize types.SectorSize
	DeviceSize int64

	// Fingerprint identifies the device the index was built for. 0 means it is unknown.
	Fingerprint uint64
}

// Fingerprint returns the hash of the bytes at the beginning of the device.
func Fingerprint(dev types.Dev) (uint64, error) {
	h := xxhash.New()
	if _, err := io.Copy(h, io.NewSectionReader(dev, 0, min(dev.Size(), FingerprintSize))); err != nil {
		return 0, errors.Wrap(err, "computing device fingerprint failed")
	}
	return h.Sum64(), nil
}

// New returns index wrapping an existing map.
func New(m *sectormap.Map, sectorSize types.SectorSize, deviceSize int64) (*Index, error) {
	if err := sectorSize.Validate(); err != nil {
		return nil, err
	}
	if deviceSize < 0 {
		return nil, errors.Errorf("invalid device size: %d", deviceSize)
	}
	if sectors := sectorSize.SectorCount(deviceSize); sectors != m.DeviceSectors() {
		return nil, errors.Errorf("map covers %d sectors, device of %d bytes has %d sectors of %d bytes",
			m.DeviceSectors(), deviceSize, sectors, sectorSize)
	}
	return &Index{
		Map:        m,
		SectorSize: sectorSize,
		DeviceSize: deviceSize,
	}, nil
}

// Build scans the device and returns its index.
// On error the index holding segments confirmed before the failure is returned too.
func Build(ctx context.Context, dev types.Dev, config scanner.Config) (*Index, error) {
	m, err := scanner.Scan(ctx, dev, config)
	if m == nil {
		return nil, err
	}
	idx := &Index{
		Map:        m,
		SectorSize: config.SectorSize,
		DeviceSize: dev.Size(),
	}
	if err != nil {
		return idx, err
	}

	if idx.Fingerprint, err = Fingerprint(dev); err != nil {
		return nil, err
	}
	return idx, nil
}

// IsOccupiedAt tells if sector containing the byte offset holds any nonzero byte.
func (idx *Index) IsOccupiedAt(offset int64) bool {
	if offset < 0 || offset >= idx.DeviceSize {
		return false
	}
	return idx.Map.IsOccupied(idx.SectorSize.SectorOf(offset))
}

// NextOccupiedOffset returns byte offset of the first occupied sector at or after the sector containing offset.
// Returned offset is never lower than the provided one.
func (idx *Index) NextOccupiedOffset(offset int64) (int64, bool) {
	if offset < 0 {
		offset = 0
	}
	if offset >= idx.DeviceSize {
		return 0, false
	}
	addr, ok := idx.Map.NextOccupied(idx.SectorSize.SectorOf(offset))
	if !ok {
		return 0, false
	}
	next := idx.SectorSize.Offset(addr)
	if next < offset {
		next = offset
	}
	return next, true
}
