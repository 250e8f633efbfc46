package persistence

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/outofforest/sectorscan"
	"github.com/outofforest/sectorscan/types"
)

// indexSubject defines an identifier used to detect if file is a sectorscan index descriptor.
const indexSubject = 0b0100001000000000100000010010000100010010110000100010010001000101

// SchemaVersion defines version of the descriptor schema.
type SchemaVersion uint64

// Schema versions.
const (
	DescriptorV0 SchemaVersion = iota
)

// Hash represents hash.
type Hash [sha256.Size]byte

// Descriptor is stored next to the index file. It carries everything needed to interpret the index.
type Descriptor struct {
	SchemaVersion SchemaVersion
	Checksum      Hash
	IndexID       uint64
	SectorSize    uint64
	DeviceSize    uint64
	IndexSize     uint64
	IndexChecksum Hash

	// DeviceFingerprint is the fingerprint of the device the index was built for.
	DeviceFingerprint uint64
}

// ComputeChecksum computes checksum of the descriptor with zeroed checksum field.
func (d Descriptor) ComputeChecksum() Hash {
	d.Checksum = Hash{}
	return Checksum(photon.NewFromValue(&d).B)
}

// Checksum computes checksum of bytes.
func Checksum(b []byte) Hash {
	return sha256.Sum256(b)
}

// VerifyChecksum verifies that checksum of provided data matches the expected one.
func VerifyChecksum(name string, p []byte, expectedChecksum Hash) error {
	checksum := Checksum(p)
	if checksum == expectedChecksum {
		return nil
	}
	return errors.Errorf("checksum mismatch for %s, computed: %s, expected: %s",
		name, hex.EncodeToString(checksum[:]), hex.EncodeToString(expectedChecksum[:]))
}

func newDescriptor(idx *sectorscan.Index, index []byte) []byte {
	d := photon.NewFromValue(&Descriptor{
		SchemaVersion:     DescriptorV0,
		IndexID:           rand.Uint64() | indexSubject,
		SectorSize:        uint64(idx.SectorSize),
		DeviceSize:        uint64(idx.DeviceSize),
		IndexSize:         uint64(len(index)),
		IndexChecksum:     Checksum(index),
		DeviceFingerprint: idx.Fingerprint,
	})
	d.V.Checksum = d.V.ComputeChecksum()
	return d.B
}

func decodeDescriptor(b []byte) (Descriptor, error) {
	size := len(photon.NewFromValue(&Descriptor{}).B)
	if len(b) != size {
		return Descriptor{}, errors.Errorf("invalid size of the descriptor, expected: %d, got: %d", size, len(b))
	}

	d := *photon.NewFromBytes[Descriptor](b).V
	if d.IndexID&indexSubject != indexSubject {
		return Descriptor{}, errors.WithStack(ErrNotIndex)
	}
	if d.SchemaVersion != DescriptorV0 {
		return Descriptor{}, errors.Errorf("unsupported descriptor schema version: %d", d.SchemaVersion)
	}

	checksumComputed := d.ComputeChecksum()
	if d.Checksum != checksumComputed {
		return Descriptor{}, errors.Errorf("checksum mismatch for the descriptor, computed: %s, stored: %s",
			hex.EncodeToString(checksumComputed[:]), hex.EncodeToString(d.Checksum[:]))
	}
	if err := types.SectorSize(d.SectorSize).Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
