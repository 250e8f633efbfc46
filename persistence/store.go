package persistence

import (
	"context"
	"io"

	"github.com/grailbio/base/data"
	baseerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/pkg/errors"

	"github.com/outofforest/sectorscan"
	"github.com/outofforest/sectorscan/sectormap"
	"github.com/outofforest/sectorscan/types"
)

// DescriptorSuffix is appended to the index path to get the path of its descriptor.
const DescriptorSuffix = ".desc"

// ErrNotIndex is returned if descriptor does not describe sectorscan index.
var ErrNotIndex = errors.New("file is not a sectorscan index descriptor")

// DescriptorPath returns path of the descriptor stored next to the index.
func DescriptorPath(path string) string {
	return path + DescriptorSuffix
}

// Exists tells if both the index and its descriptor exist.
func Exists(ctx context.Context, path string) (bool, error) {
	for _, p := range []string{path, DescriptorPath(path)} {
		if _, err := file.Stat(ctx, p); err != nil {
			if baseerrors.Is(baseerrors.NotExist, err) {
				return false, nil
			}
			return false, errors.WithStack(err)
		}
	}
	return true, nil
}

// Save stores the index under path and its descriptor next to it.
func Save(ctx context.Context, path string, idx *sectorscan.Index) error {
	index, err := idx.Map.Serialize()
	if err != nil {
		return err
	}
	if err := writeFile(ctx, path, index); err != nil {
		return err
	}
	if err := writeFile(ctx, DescriptorPath(path), newDescriptor(idx, index)); err != nil {
		return err
	}

	log.Printf("index saved to %s, segments: %d, size: %s", path, idx.Map.Len(), data.Size(len(index)))
	return nil
}

// Load loads the index stored under path, using its descriptor to verify and interpret it.
func Load(ctx context.Context, path string) (*sectorscan.Index, error) {
	b, err := readFile(ctx, DescriptorPath(path))
	if err != nil {
		return nil, err
	}
	d, err := decodeDescriptor(b)
	if err != nil {
		return nil, errors.Wrapf(err, "loading descriptor of %s failed", path)
	}

	index, err := readFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if uint64(len(index)) != d.IndexSize {
		return nil, errors.Wrapf(sectormap.ErrCorruptIndex, "index size mismatch, expected: %d, got: %d",
			d.IndexSize, len(index))
	}
	if err := VerifyChecksum(path, index, d.IndexChecksum); err != nil {
		return nil, errors.Wrap(sectormap.ErrCorruptIndex, err.Error())
	}

	idx, err := newIndex(index, types.SectorSize(d.SectorSize), int64(d.DeviceSize))
	if err != nil {
		return nil, err
	}
	idx.Fingerprint = d.DeviceFingerprint

	log.Printf("index loaded from %s, segments: %d, device size: %s", path, idx.Map.Len(),
		data.Size(idx.DeviceSize))
	return idx, nil
}

// LoadRaw loads index stored without descriptor. Sector size and device size must be provided by the caller.
func LoadRaw(
	ctx context.Context,
	path string,
	sectorSize types.SectorSize,
	deviceSize int64,
) (*sectorscan.Index, error) {
	if err := sectorSize.Validate(); err != nil {
		return nil, err
	}
	index, err := readFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return newIndex(index, sectorSize, deviceSize)
}

func newIndex(index []byte, sectorSize types.SectorSize, deviceSize int64) (*sectorscan.Index, error) {
	if deviceSize < 0 {
		return nil, errors.Errorf("invalid device size: %d", deviceSize)
	}
	m, err := sectormap.Deserialize(index, sectorSize.SectorCount(deviceSize))
	if err != nil {
		return nil, err
	}
	return sectorscan.New(m, sectorSize, deviceSize)
}

func writeFile(ctx context.Context, path string, b []byte) (retErr error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if err := f.Close(ctx); err != nil && retErr == nil {
			retErr = errors.WithStack(err)
		}
	}()

	if _, err := f.Writer(ctx).Write(b); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func readFile(ctx context.Context, path string) (retB []byte, retErr error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer func() {
		if err := f.Close(ctx); err != nil && retErr == nil {
			retErr = errors.WithStack(err)
		}
	}()

	b, err := io.ReadAll(f.Reader(ctx))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return b, nil
}
