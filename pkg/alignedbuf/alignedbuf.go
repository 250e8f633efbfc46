package alignedbuf

import (
	"unsafe"

	"github.com/grailbio/base/must"
)

// Alignment is the alignment of the buffer in memory.
const Alignment = 16

// Buffer is the byte buffer aligned to 16 bytes, so it may be viewed as a slice of wider integers.
type Buffer struct {
	b []byte
}

// New allocates new buffer. Size must be a multiple of 16.
func New(size int) *Buffer {
	must.Truef(size > 0 && size%Alignment == 0, "buffer size must be a positive multiple of %d, got: %d", Alignment, size)

	// Allocating uint64s guarantees 8-byte alignment, one extra word is enough to shift the start to 16 bytes.
	words := make([]uint64, size/8+1)
	b := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	if shift := uintptr(unsafe.Pointer(&b[0])) % Alignment; shift != 0 {
		b = b[Alignment-shift:]
	}
	return &Buffer{b: b[:size:size]}
}

// Len returns the size of the buffer.
func (b *Buffer) Len() int {
	return len(b.b)
}

// Bytes returns the content of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// Words returns the content of the buffer viewed as 64-bit words in native byte order.
func (b *Buffer) Words() []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b.b[0])), len(b.b)/8)
}

// IsZero returns true if all the bytes in b are zero.
func IsZero(b []byte) bool {
	// Head and tail not aligned to 8 bytes are checked byte by byte.
	head := int((8 - uintptr(unsafe.Pointer(unsafe.SliceData(b)))%8) % 8)
	if head > len(b) {
		head = len(b)
	}
	for _, v := range b[:head] {
		if v != 0 {
			return false
		}
	}
	b = b[head:]

	n := len(b) / 8
	if n > 0 {
		for _, w := range unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), n) {
			if w != 0 {
				return false
			}
		}
	}
	for _, v := range b[n*8:] {
		if v != 0 {
			return false
		}
	}
	return true
}
