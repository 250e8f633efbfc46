package scanner

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/outofforest/sectorscan/address"
	"github.com/outofforest/sectorscan/pkg/alignedbuf"
	"github.com/outofforest/sectorscan/sectormap"
	"github.com/outofforest/sectorscan/types"
)

// DeviceReadError is returned if reading the device fails.
type DeviceReadError struct {
	Offset int64
	Length int
	Err    error
}

func (e *DeviceReadError) Error() string {
	return fmt.Sprintf("reading %d bytes at offset %d failed: %s", e.Length, e.Offset, e.Err)
}

// Unwrap returns the cause.
func (e *DeviceReadError) Unwrap() error {
	return e.Err
}

// Scan reads the device and builds the sector map.
// If scan is aborted, because of device error or canceled context, the map built so far is returned together with
// the error. It contains only the segments closed before the abort.
func Scan(ctx context.Context, dev types.Dev, config Config) (*sectormap.Map, error) {
	return scan(ctx, dev, config, noopTracer{})
}

func scan(ctx context.Context, dev types.Dev, config Config, t tracer) (*sectormap.Map, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	deviceSectors := config.SectorSize.SectorCount(dev.Size())
	if deviceSectors > 0 && types.SectorAddress(deviceSectors-1) > address.MaxAddress {
		return nil, errors.Wrapf(address.ErrAddressTooLarge, "device has %d sectors, use larger sector size",
			deviceSectors)
	}

	s := &scanner{
		dev:     dev,
		config:  config,
		tracer:  t,
		handoff: newHandoff(config.Workers),
		m:       sectormap.New(deviceSectors),
	}
	s.acc = newAccumulator(config, s.m)

	log.Printf("scanning %s device, sector size: %d, workers: %d, buffer: %s",
		data.Size(dev.Size()), config.SectorSize, config.Workers, data.Size(config.BufferSize))
	startTime := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < config.Workers; w++ {
		w := w
		g.Go(func() error {
			return s.work(gctx, w)
		})
	}
	g.Go(func() error {
		return s.read(gctx)
	})

	if err := g.Wait(); err != nil {
		if abortErr := s.acc.abort(); abortErr != nil {
			log.Error.Printf("flushing closed segment failed: %v", abortErr)
		}
		log.Error.Printf("scan aborted after %d segments: %v", s.m.Len(), err)
		return s.m, err
	}

	log.Printf("scan finished in %s, segments: %d", time.Since(startTime), s.m.Len())
	return s.m, nil
}

type scanner struct {
	dev     types.Dev
	config  Config
	tracer  tracer
	handoff *handoff
	m       *sectormap.Map
	acc     *accumulator
}

// read is the reader stage. It fills the staging buffer while workers classify the worker buffer, and swaps them
// once all the workers are done.
func (s *scanner) read(ctx context.Context) error {
	defer s.handoff.close()

	buffers := [2]*alignedbuf.Buffer{
		alignedbuf.New(s.config.BufferSize),
		alignedbuf.New(s.config.BufferSize),
	}
	sectorsPerBuffer := uint64(s.config.BufferSize) / uint64(s.config.SectorSize)
	occupied := make([]uint64, types.CeilDivide(sectorsPerBuffer, 64))

	staging := 0
	var offset int64
	n, err := s.fill(buffers[staging], staging, offset)
	if err != nil {
		return err
	}

	var inFlight *pass
	for {
		if err := s.handoff.waitIdle(ctx); err != nil {
			return err
		}
		if inFlight != nil {
			if err := s.acc.consume(inFlight); err != nil {
				return err
			}
		}
		if n == 0 {
			break
		}

		worker := staging
		staging = 1 - staging
		log.Debug.Printf("buffer %d handed over to workers at offset %d", worker, offset)

		inFlight = &pass{
			buf:      buffers[worker],
			bufIndex: worker,
			start:    s.config.SectorSize.SectorOf(offset),
			nSectors: types.CeilDivide(uint64(n), uint64(s.config.SectorSize)),
			occupied: occupied,
		}
		s.handoff.publish(inFlight)
		offset += int64(n)

		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		n, err = s.fill(buffers[staging], staging, offset)
		if err != nil {
			return err
		}
	}

	return s.acc.finish()
}

// fill reads the next chunk of the device into the buffer. Bytes of the last sector past the end of the device
// are zeroed.
func (s *scanner) fill(buf *alignedbuf.Buffer, bufIndex int, offset int64) (int, error) {
	n := buf.Len()
	if remaining := s.dev.Size() - offset; remaining < int64(n) {
		n = int(remaining)
	}
	if n <= 0 {
		return 0, nil
	}

	s.tracer.beginWrite(bufIndex)
	defer s.tracer.endWrite(bufIndex)

	b := buf.Bytes()
	read, err := s.dev.ReadAt(b[:n], offset)
	if read < n {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, errors.WithStack(&DeviceReadError{Offset: offset + int64(read), Length: n - read, Err: err})
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, errors.WithStack(&DeviceReadError{Offset: offset, Length: n, Err: err})
	}

	if tail := n % int(s.config.SectorSize); tail != 0 {
		padded := n - tail + int(s.config.SectorSize)
		for i := n; i < padded; i++ {
			b[i] = 0
		}
	}
	return n, nil
}

// work is the worker stage classifying its stripe of each published pass.
func (s *scanner) work(ctx context.Context, worker int) error {
	var epoch uint64
	for {
		p, e, ok, err := s.handoff.next(ctx, epoch)
		if err != nil || !ok {
			return err
		}
		epoch = e

		s.tracer.beginRead(p.bufIndex)
		s.classify(p, worker)
		s.tracer.endRead(p.bufIndex)

		s.handoff.done()
	}
}

// classify classifies sectors of the worker's stripe. Stripes are aligned to 64 sectors, so each word of results
// is owned by one worker.
func (s *scanner) classify(p *pass, worker int) {
	nWords := types.CeilDivide(p.nSectors, 64)
	perWorker := types.CeilDivide(nWords, uint64(s.config.Workers))
	first := uint64(worker) * perWorker
	last := first + perWorker
	if last > nWords {
		last = nWords
	}

	sectorSize := uint64(s.config.SectorSize)
	b := p.buf.Bytes()
	for w := first; w < last; w++ {
		var word uint64
		for bit := uint64(0); bit < 64; bit++ {
			i := w*64 + bit
			if i >= p.nSectors {
				break
			}
			if sectorSize == 1 {
				if b[i] != 0 {
					word |= 1 << bit
				}
				continue
			}
			if !alignedbuf.IsZero(b[i*sectorSize : (i+1)*sectorSize]) {
				word |= 1 << bit
			}
		}
		p.occupied[w] = word
	}
}

// tracer observes buffer ownership changes.
type tracer interface {
	beginWrite(buf int)
	endWrite(buf int)
	beginRead(buf int)
	endRead(buf int)
}

type noopTracer struct{}

func (noopTracer) beginWrite(int) {}
func (noopTracer) endWrite(int)   {}
func (noopTracer) beginRead(int)  {}
func (noopTracer) endRead(int)    {}
