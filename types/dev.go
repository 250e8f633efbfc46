package types

import "io"

// Dev is the interface required from the scanned device.
type Dev interface {
	io.ReaderAt
	Size() int64
}
