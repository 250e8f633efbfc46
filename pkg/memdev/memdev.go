package memdev

import (
	"io"

	"github.com/pkg/errors"

	"github.com/outofforest/sectorscan/types"
)

var (
	_ types.Dev   = &MemDev{}
	_ io.Seeker   = &MemDev{}
	_ io.Reader   = &MemDev{}
	_ io.WriterAt = &MemDev{}
)

// MemDev simulates device io operations in memory.
type MemDev struct {
	size   int64
	offset int64
	data   []byte

	failOffset int64
	failErr    error
}

// New returns new memdev.
func New(size int64) *MemDev {
	return &MemDev{
		size:       size,
		data:       make([]byte, size),
		failOffset: -1,
	}
}

// NewFromBytes returns memdev containing data.
func NewFromBytes(data []byte) *MemDev {
	return &MemDev{
		size:       int64(len(data)),
		data:       data,
		failOffset: -1,
	}
}

// FailAt causes every read covering the byte at offset to fail with err.
func (md *MemDev) FailAt(offset int64, err error) {
	md.failOffset = offset
	md.failErr = err
}

// Size returns the byte size of the memdev.
func (md *MemDev) Size() int64 {
	return md.size
}

// Seek seeks the position.
func (md *MemDev) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = md.offset + offset
	case io.SeekEnd:
		offset = md.size + offset
	}

	if offset < 0 || offset > md.size {
		return 0, errors.Errorf("invalid offset: %d", offset)
	}

	md.offset = offset
	return offset, nil
}

// Read reads data from the current position of the memdev.
func (md *MemDev) Read(p []byte) (int, error) {
	n, err := md.ReadAt(p, md.offset)
	md.offset += int64(n)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}

// ReadAt reads data from the memdev starting at offset.
func (md *MemDev) ReadAt(p []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, errors.Errorf("invalid offset: %d", offset)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if md.failErr != nil && md.failOffset >= offset && md.failOffset < offset+int64(len(p)) {
		return 0, md.failErr
	}
	if offset >= md.size {
		return 0, io.EOF
	}

	n := copy(p, md.data[offset:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes data to the memdev starting at offset.
func (md *MemDev) WriteAt(p []byte, offset int64) (int, error) {
	if offset < 0 || offset > md.size {
		return 0, errors.Errorf("invalid offset: %d", offset)
	}
	n := copy(md.data[offset:], p)
	if n < len(p) {
		return n, errors.WithStack(io.ErrShortWrite)
	}
	return n, nil
}
