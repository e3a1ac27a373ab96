package clockless

import (
	"errors"
	"io"
	"sync"
	"time"

	"periph.io/x/conn/v3/spi"
)

// host is one exclusive-use SPI peripheral. While claimed it runs a
// transmit worker that clocks out queued staging buffers in order; the
// queue hand-off is non-blocking so the service loop never stalls on a
// busy peripheral.
type host struct {
	name string
	open func() (spi.PortCloser, error)

	port    spi.Port
	closer  io.Closer // nil for caller-supplied ports, which stay open
	txq     chan txn
	claimed bool
}

func (h *host) String() string {
	return h.name
}

// tryQueue implements queuer against the worker's transmit queue.
func (h *host) tryQueue(t txn) bool {
	select {
	case h.txq <- t:
		return true
	default:
		return false
	}
}

// hostPool hands out exclusive claims on a fixed, priority ordered set of
// SPI peripherals. Claims are consulted in list order and a host serves at
// most one channel at a time. All methods run in the polling context under
// Dev.mu; the pool has no locking of its own.
type hostPool struct {
	hosts  []*host
	depth  int
	events chan<- event
	quit   <-chan struct{}
	wg     sync.WaitGroup
}

// acquire claims the first free host, opening its port on first use and
// starting its transmit worker. Exhaustion is not an error: it returns
// (nil, nil) and the caller queues the request for a later retry. A port
// that fails to open is skipped; that failure is only reported when it
// left nothing to claim.
func (p *hostPool) acquire() (*host, error) {
	var firstErr error
	for _, h := range p.hosts {
		if h.claimed {
			continue
		}
		if h.port == nil {
			pc, err := h.open()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			h.port = pc
			h.closer = pc
		}
		h.claimed = true
		h.txq = make(chan txn, p.depth)
		p.wg.Add(1)
		go p.run(h.txq)
		return h, nil
	}
	return nil, firstErr
}

// release returns a claim. The worker drains what is already queued and
// exits; the port stays open for the next claim and is only closed by
// shutdown.
func (p *hostPool) release(h *host) {
	if !h.claimed {
		return
	}
	close(h.txq)
	h.claimed = false
}

// run is a host's transmit worker. Transfers are issued synchronously in
// queue order; each completion is posted back to the service loop, which
// owns the in-flight flags. During shutdown the loop is gone and the
// completion is dropped.
func (p *hostPool) run(txq <-chan txn) {
	defer p.wg.Done()
	for t := range txq {
		err := t.c.conn.Tx(t.w, nil)
		select {
		case p.events <- event{c: t.c, buf: t.buf, err: err}:
		case <-p.quit:
		}
	}
}

// shutdown releases every claim, waits up to grace for the workers to
// finish their outstanding transfers and then closes the ports the pool
// opened itself. On timeout the ports are left open: hardware may still be
// reading from staging memory.
func (p *hostPool) shutdown(grace time.Duration) error {
	for _, h := range p.hosts {
		if h.claimed {
			close(h.txq)
			h.claimed = false
		}
	}
	idle := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-time.After(grace):
		return errors.New("clockless: timed out waiting for in-flight transmissions")
	}
	var firstErr error
	for _, h := range p.hosts {
		if h.closer != nil {
			if err := h.closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			h.closer = nil
		}
		h.port = nil
	}
	return firstErr
}
