package clockless

import (
	"sync/atomic"

	"periph.io/x/conn/v3/spi"

	"periph.io/x/devices/v3/clockless/nrz"
)

// txn is one filled staging buffer on its way to a host's transmit worker.
type txn struct {
	c   *channel
	buf int    // which staging buffer
	w   []byte // encoded wire bytes to clock out
}

// queuer is the non-blocking hand-off into a host's transmit queue.
type queuer interface {
	tryQueue(t txn) bool
}

// channel is the per-pin streaming state: a lane configuration, a claimed
// host and two fixed-size staging buffers that alternate between being
// filled and being transmitted.
//
// Field ownership is split by execution context. The service loop is the
// only writer of the streaming progress fields while a stream runs. The
// polling context reads the completion atomics and touches the rest of the
// struct only between streams, after drained() reports true. The pool
// bookkeeping fields are guarded by Dev.mu.
type channel struct {
	// Identity, fixed at creation
	pin      int
	lanes    int
	lanePins []int
	timings  nrz.Timings
	wire     nrz.Wire

	// Hardware, held for the channel's lifetime
	host *host
	conn spi.Conn

	// Staging buffers, capacity fixed at creation
	buf [2][]byte

	// Streaming progress, service loop only
	armed   bool
	fill    int    // staging buffer being filled
	off     int    // fill offset in bytes
	src     []byte // payload bytes not yet staged
	raw     bool   // src is pre-interleaved wire bytes, copied instead of expanded
	padLeft int    // latch gap bytes still to stage once src drains
	err     error  // first transmit error of the current stream

	// Completion state, written by the loop, read by the polling context
	inFlight [2]atomic.Bool
	done     atomic.Bool

	// Pool bookkeeping, guarded by Dev.mu
	busy bool
	temp bool // released on completion instead of parked idle
}

// begin installs a payload and resets the streaming cursor. The channel
// must be drained. Single lane channels stream logical payload bytes and
// expand them on the fly; multi lane channels stream pre-interleaved wire
// bytes as-is. Either way the stream ends with enough zero bytes to cover
// the protocol's latch gap on every lane.
func (c *channel) begin(src []byte) {
	c.src = src
	c.raw = c.lanes > 1
	c.padLeft = c.wire.ResetLen()
	if c.raw {
		c.padLeft *= c.lanes
	}
	c.fill = 0
	c.off = 0
	c.err = nil
	c.done.Store(false)
}

// tick runs one timer period of streaming work: stage a bounded chunk of
// the payload into the filling buffer and hand it off once it cannot take
// another chunk or the stream is exhausted. chunk is the per-lane payload
// byte budget for one tick; the effective budget scales with the lane
// count so wall clock throughput is independent of parallelism.
func (c *channel) tick(chunk int, q queuer) {
	if !c.armed {
		return
	}
	if len(c.src) == 0 && c.padLeft == 0 && c.off == 0 {
		// Everything staged and submitted. Transmissions may still be
		// draining; drained() is what the polling context waits on.
		c.armed = false
		c.done.Store(true)
		return
	}
	buf := c.buf[c.fill]
	budget := chunk * c.lanes
	if n := len(c.src); n > 0 {
		if n > budget {
			n = budget
		}
		if c.raw {
			if space := len(buf) - c.off; n > space {
				n = space
			}
			copy(buf[c.off:], c.src[:n])
			c.off += n
		} else {
			if space := (len(buf) - c.off) / c.wire.BitsPerBit; n > space {
				n = space
			}
			off := uint(c.off) * 8
			for _, b := range c.src[:n] {
				off = c.wire.Expand(buf, off, b)
			}
			c.off += n * c.wire.BitsPerBit
		}
		c.src = c.src[n:]
	}
	if len(c.src) == 0 && c.padLeft > 0 {
		// Latch gap: plain zero bytes, bounded by buffer space only.
		n := len(buf) - c.off
		if n > c.padLeft {
			n = c.padLeft
		}
		z := buf[c.off : c.off+n]
		for i := range z {
			z[i] = 0
		}
		c.off += n
		c.padLeft -= n
	}
	need := budget
	if !c.raw {
		need *= c.wire.BitsPerBit
	}
	if c.off > 0 && (len(buf)-c.off < need || (len(c.src) == 0 && c.padLeft == 0)) {
		c.flush(q)
	}
}

// flush hands the filled staging buffer to the transmit queue. On success
// filling flips to the other buffer and the channel disarms until the
// completion event re-arms it, so a buffer is never written while its own
// transmission is pending. A full queue changes nothing; the next tick
// retries.
func (c *channel) flush(q queuer) {
	b := c.fill
	if !q.tryQueue(txn{c: c, buf: b, w: c.buf[b][:c.off]}) {
		return
	}
	c.inFlight[b].Store(true)
	c.fill = 1 - b
	c.off = 0
	c.armed = false
}

// drained reports that the stream is fully staged, submitted and
// transmitted. Only then may the polling context reclaim the channel.
func (c *channel) drained() bool {
	return c.done.Load() && !c.inFlight[0].Load() && !c.inFlight[1].Load()
}
