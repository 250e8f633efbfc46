//go:build test

package scanner

const (
	// DefaultBufferSize is the size of each of the two buffers used to read the device.
	DefaultBufferSize = 64 * 1024
)
