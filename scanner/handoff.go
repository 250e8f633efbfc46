package scanner

import (
	"context"
	"sync"

	"github.com/grailbio/base/must"
	"github.com/grailbio/base/sync/ctxsync"

	"github.com/outofforest/sectorscan/pkg/alignedbuf"
	"github.com/outofforest/sectorscan/types"
)

// pass is the unit of work handed over to the workers: the worker buffer and the place for classification results.
type pass struct {
	buf      *alignedbuf.Buffer
	bufIndex int
	start    types.SectorAddress
	nSectors uint64

	// occupied is the bitset of classification results, bit i describes sector start+i.
	// Each word is written by exactly one worker.
	occupied []uint64
}

// handoff is the rendezvous between the reader and the workers. Reader publishes the worker buffer only when every
// worker has finished the previous one, so the buffer being filled is never the one being classified.
type handoff struct {
	mu   sync.Mutex
	cond *ctxsync.Cond

	workers int
	epoch   uint64
	pending int
	closed  bool
	current *pass
}

func newHandoff(workers int) *handoff {
	h := &handoff{workers: workers}
	h.cond = ctxsync.NewCond(&h.mu)
	return h
}

// publish hands the pass over to the workers.
func (h *handoff) publish(p *pass) {
	h.mu.Lock()
	defer h.mu.Unlock()

	must.Truef(h.pending == 0, "pass published while %d workers are busy", h.pending)

	h.current = p
	h.epoch++
	h.pending = h.workers
	h.cond.Broadcast()
}

// waitIdle blocks until all the workers report completion of the current pass.
func (h *handoff) waitIdle(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for h.pending > 0 {
		if err := h.cond.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// next blocks until pass newer than the one identified by seen epoch is published.
// It returns false if handoff is closed.
func (h *handoff) next(ctx context.Context, seen uint64) (*pass, uint64, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for h.epoch == seen && !h.closed {
		if err := h.cond.Wait(ctx); err != nil {
			return nil, 0, false, err
		}
	}
	if h.epoch == seen {
		return nil, 0, false, nil
	}
	return h.current, h.epoch, true, nil
}

// done reports that worker finished the current pass.
func (h *handoff) done() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pending--
	if h.pending == 0 {
		h.cond.Broadcast()
	}
}

// close tells the workers there are no more passes.
func (h *handoff) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.cond.Broadcast()
}
