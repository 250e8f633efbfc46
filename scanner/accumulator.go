package scanner

import (
	"math/bits"

	"github.com/grailbio/base/log"
	"github.com/pkg/errors"

	"github.com/outofforest/sectorscan/address"
	"github.com/outofforest/sectorscan/sectormap"
	"github.com/outofforest/sectorscan/segment"
	"github.com/outofforest/sectorscan/types"
)

// accumulator turns the ordered stream of sector classifications into segments.
type accumulator struct {
	config Config
	m      *sectormap.Map

	// pending is the closed segment not yet appended to the map. It is reopened if occupied sector appears
	// inside its byte padding.
	pending *segment.Segment

	open      bool
	start     types.SectorAddress
	last      types.SectorAddress
	emptyRun  uint64
	bitmap    []byte
	nSegments int
}

func newAccumulator(config Config, m *sectormap.Map) *accumulator {
	return &accumulator{
		config: config,
		m:      m,
	}
}

// consume processes the classification results of the pass.
func (a *accumulator) consume(p *pass) error {
	nWords := types.CeilDivide(p.nSectors, 64)
	for w, word := range p.occupied[:nWords] {
		base := p.start + types.SectorAddress(w*64)
		count := p.nSectors - uint64(w*64)
		if count > 64 {
			count = 64
		}

		if word == 0 {
			if err := a.empty(count); err != nil {
				return err
			}
			continue
		}

		var i uint64
		for word != 0 {
			bit := uint64(bits.TrailingZeros64(word))
			word &= word - 1
			if bit > i {
				if err := a.empty(bit - i); err != nil {
					return err
				}
			}
			if err := a.occupied(base + types.SectorAddress(bit)); err != nil {
				return err
			}
			i = bit + 1
		}
		if count > i {
			if err := a.empty(count - i); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *accumulator) occupied(addr types.SectorAddress) error {
	if a.open && uint64(addr-a.start) >= segment.MaxSectors {
		if err := a.close(); err != nil {
			return err
		}
	}
	if !a.open && a.pending != nil && addr < a.pending.End(a.m.DeviceSectors()) {
		a.open = true
		a.start = a.pending.Start
		a.bitmap = a.pending.Bitmap
		a.pending = nil
	}
	if !a.open {
		if addr > address.MaxAddress {
			return errors.Wrapf(address.ErrAddressTooLarge,
				"sector %d can't be stored, use larger sector size", addr)
		}
		a.open = true
		a.start = addr
		a.bitmap = make([]byte, 0, 64)
	}

	i := uint64(addr - a.start)
	if need := int(i/8) + 1; need > len(a.bitmap) {
		a.bitmap = append(a.bitmap, make([]byte, need-len(a.bitmap))...)
	}
	a.bitmap[i/8] |= 1 << (i % 8)
	a.last = addr
	a.emptyRun = 0
	return nil
}

func (a *accumulator) empty(count uint64) error {
	if !a.open {
		return nil
	}
	a.emptyRun += count
	if a.emptyRun > a.config.gapThreshold(a.last) {
		return a.close()
	}
	return nil
}

// close closes the open segment. Bitmap ends at the byte containing the last occupied sector.
func (a *accumulator) close() error {
	if err := a.flush(); err != nil {
		return err
	}
	a.pending = &segment.Segment{
		Start:  a.start,
		Bitmap: a.bitmap,
	}
	a.reset()
	return nil
}

// finish closes the open segment at the end of the device. Segment still open there covers the tail of the device.
func (a *accumulator) finish() error {
	if !a.open {
		return a.flush()
	}

	deviceSectors := a.m.DeviceSectors()
	size := types.CeilDivide(deviceSectors-uint64(a.start), 8)
	if size > segment.MaxBitmapSize {
		if err := a.close(); err != nil {
			return err
		}
		return a.flush()
	}
	if size > uint64(len(a.bitmap)) {
		a.bitmap = append(a.bitmap, make([]byte, size-uint64(len(a.bitmap)))...)
	}
	if err := a.flush(); err != nil {
		return err
	}
	s := segment.Segment{
		Start:  a.start,
		Bitmap: a.bitmap,
		ToEnd:  true,
	}
	a.reset()
	return a.emit(s)
}

// abort drops the open segment and keeps the closed ones.
func (a *accumulator) abort() error {
	if a.open {
		log.Debug.Printf("discarding open segment at sector %d", a.start)
	}
	a.reset()
	return a.flush()
}

func (a *accumulator) reset() {
	a.open = false
	a.bitmap = nil
	a.emptyRun = 0
}

func (a *accumulator) flush() error {
	if a.pending == nil {
		return nil
	}
	s := *a.pending
	a.pending = nil
	return a.emit(s)
}

func (a *accumulator) emit(s segment.Segment) error {
	if err := a.m.Append(s); err != nil {
		return err
	}
	a.nSegments++
	log.Debug.Printf("segment %d emitted at sector %d, bitmap bytes: %d, to end: %t",
		a.nSegments, s.Start, len(s.Bitmap), s.ToEnd)
	return nil
}
