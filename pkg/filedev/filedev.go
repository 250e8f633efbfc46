package filedev

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/outofforest/sectorscan/types"
)

var (
	_ types.Dev        = &FileDev{}
	_ io.ReadSeekCloser = &FileDev{}
)

// FileDev uses file or block device handle as a device.
type FileDev struct {
	file *os.File
	size int64
}

// Open opens file or block device for reading.
func Open(path string) (*FileDev, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	fd, err := New(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return fd, nil
}

// New returns new filedev. Size is taken by seeking to the end because stat reports 0 for block devices.
func New(file *os.File) (*FileDev, error) {
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, errors.WithStack(err)
	}
	return &FileDev{
		file: file,
		size: size,
	}, nil
}

// Seek seeks the position.
func (fd *FileDev) Seek(offset int64, whence int) (int64, error) {
	n, err := fd.file.Seek(offset, whence)
	if err != nil {
		return n, errors.WithStack(err)
	}
	return n, nil
}

// Read reads data from the current position of the file.
func (fd *FileDev) Read(p []byte) (int, error) {
	n, err := fd.file.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, errors.WithStack(err)
	}
	return n, err
}

// ReadAt reads data from the file starting at offset.
func (fd *FileDev) ReadAt(p []byte, offset int64) (int, error) {
	n, err := fd.file.ReadAt(p, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, errors.WithStack(err)
	}
	return n, err
}

// Size returns the byte size of the file.
func (fd *FileDev) Size() int64 {
	return fd.size
}

// Name returns the path of the opened file.
func (fd *FileDev) Name() string {
	return fd.file.Name()
}

// Close closes the file.
func (fd *FileDev) Close() error {
	return errors.WithStack(fd.file.Close())
}
