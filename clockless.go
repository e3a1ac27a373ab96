package clockless

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"

	"periph.io/x/devices/v3/clockless/nrz"
)

// ErrHalted is returned by every operation after Halt.
var ErrHalted = errors.New("clockless: engine is halted")

// ErrLaneCount is returned by SetLanes for group sizes the hardware cannot
// drive.
var ErrLaneCount = errors.New("clockless: lane groups must have 2 or 4 pins")

// freqTolerance is how far the achievable wire clock may deviate from the
// ideal clock for the requested timings before it is counted as a
// deviation. Exact dividers are not always available, so this is a
// diagnostic, not an error.
const freqTolerance = 300 // Hz

// Opts holds the engine configuration. Zero fields pick their defaults.
type Opts struct {
	// Ports lists SPI port names in acquisition priority order, as
	// understood by spireg.Open. Empty means the system default port only;
	// name more ports to stream more pins concurrently.
	Ports []string

	// OpenPort opens a port by name. Defaults to spireg.Open. Tests
	// substitute their own.
	OpenPort func(name string) (spi.PortCloser, error)

	// BufferSize is the capacity in bytes of one staging buffer; every
	// channel allocates two. Default 4096, the common spidev transfer
	// limit.
	BufferSize int

	// ChunkSize is the payload byte budget staged per tick for a single
	// lane. Default 64.
	ChunkSize int

	// TickPeriod is the staging timer period. Default 250µs.
	TickPeriod time.Duration

	// QueueDepth is the per-host transmit queue depth. Default 2.
	QueueDepth int
}

// Stats are cumulative diagnostic counters, snapshot by Dev.Stats. The
// engine never fails a stream for any condition counted here.
type Stats struct {
	// PendingRetries counts poll rounds in which a queued request stayed
	// queued because no host was free. Steady growth means the hardware is
	// oversubscribed and the queue may be starving.
	PendingRetries uint

	// TimingFallbacks counts requests whose timing could not be encoded in
	// a 32-bit pattern and were replaced by the WS2812 profile.
	TimingFallbacks uint

	// TimingClamps counts requests whose phase resolution was coarsened to
	// the quantizer's 10ns floor.
	TimingClamps uint

	// FreqDeviations counts requests whose achievable wire clock is more
	// than 300Hz away from the ideal clock for the requested timings.
	FreqDeviations uint
}

// event is a completion notice from a transmit worker to the service loop.
type event struct {
	c   *channel
	buf int
	err error
}

// Dev is an engine streaming clockless LED protocols over SPI-class
// peripherals.
type Dev struct {
	// Configuration, immutable after New
	bufSize    int
	chunk      int
	tickPeriod time.Duration

	// Service loop plumbing
	pool     *hostPool
	events   chan event
	armc     chan *channel
	quit     chan struct{}
	loopDone chan struct{}

	// Engine state
	mu       sync.Mutex
	channels []*channel
	laneMap  map[int][]int
	pending  []*pendingReq
	stats    Stats
	lastErr  error
	halted   bool
}

// New creates an engine that claims ports by name as demand requires.
// Ports are opened lazily on first claim; a missing port surfaces through
// Wait once a stream actually needs it.
func New(opts *Opts) (*Dev, error) {
	o := Opts{}
	if opts != nil {
		o = *opts
	}
	if o.OpenPort == nil {
		o.OpenPort = spireg.Open
	}
	if len(o.Ports) == 0 {
		o.Ports = []string{""}
	}
	hosts := make([]*host, len(o.Ports))
	for i, name := range o.Ports {
		label := name
		if label == "" {
			label = "default"
		}
		hosts[i] = &host{
			name: label,
			open: func() (spi.PortCloser, error) { return o.OpenPort(name) },
		}
	}
	return newDev(hosts, &o)
}

// NewSPI creates an engine bound to a single caller-supplied port. The
// caller keeps ownership of the port; Halt does not close it.
func NewSPI(p spi.Port, opts *Opts) (*Dev, error) {
	if p == nil {
		return nil, errors.New("clockless: port must not be nil")
	}
	return newDev([]*host{{name: p.String(), port: p}}, opts)
}

func newDev(hosts []*host, opts *Opts) (*Dev, error) {
	o := Opts{}
	if opts != nil {
		o = *opts
	}
	if o.BufferSize == 0 {
		o.BufferSize = 4096
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = 64
	}
	if o.TickPeriod == 0 {
		o.TickPeriod = 250 * time.Microsecond
	}
	if o.QueueDepth == 0 {
		o.QueueDepth = 2
	}
	// A staging buffer must fit at least one expanded payload byte at the
	// widest possible pattern.
	if o.BufferSize < 32 {
		return nil, errors.New("clockless: buffer size must be at least 32 bytes")
	}
	if o.ChunkSize < 1 || o.TickPeriod < 0 || o.QueueDepth < 1 {
		return nil, errors.New("clockless: invalid streaming options")
	}
	d := &Dev{
		bufSize:    o.BufferSize,
		chunk:      o.ChunkSize,
		tickPeriod: o.TickPeriod,
		events:     make(chan event, 16),
		armc:       make(chan *channel, 16),
		quit:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		laneMap:    map[int][]int{},
	}
	d.pool = &hostPool{hosts: hosts, depth: o.QueueDepth, events: d.events, quit: d.quit}
	go d.loop()
	return d, nil
}

// loop is the service goroutine playing the part of a timer interrupt and
// a transmit-complete interrupt: a fixed-rate ticker drives the staging
// work of every armed channel and completion events re-arm channels paused
// on a submitted buffer. It is the only writer of streaming progress
// state, so none of that state needs a lock.
func (d *Dev) loop() {
	defer close(d.loopDone)
	tick := time.NewTicker(d.tickPeriod)
	defer tick.Stop()
	var active []*channel
	for {
		select {
		case <-d.quit:
			return
		case c := <-d.armc:
			c.armed = true
			active = append(active, c)
		case e := <-d.events:
			e.c.inFlight[e.buf].Store(false)
			if e.err != nil && e.c.err == nil {
				e.c.err = e.err
			}
			e.c.armed = true
		case <-tick.C:
			keep := active[:0]
			for _, c := range active {
				c.tick(d.chunk, c.host)
				if !c.done.Load() {
					keep = append(keep, c)
				}
			}
			active = keep
		}
	}
}

// SetLanes maps pin to a dual or quad lane group: lanePins lists the data
// line pins sharing one peripheral, primary first. Streams on pin then
// carry pre-interleaved wire bytes for the whole group (see the quadspi
// package). Configure before the first Stream on pin. An empty list
// reverts pin to a single lane.
func (d *Dev) SetLanes(pin int, lanePins []int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted {
		return ErrHalted
	}
	switch len(lanePins) {
	case 0:
		delete(d.laneMap, pin)
		return nil
	case 2, 4:
		d.laneMap[pin] = append([]int(nil), lanePins...)
		return nil
	default:
		return ErrLaneCount
	}
}

// Stream begins transmitting pixels on pin with the given protocol timing.
// It never blocks on the hardware: when no peripheral is free the request
// is queued and retried on every Poll, which is expected under contention
// rather than an error. The payload is referenced, not copied; the caller
// must leave it untouched until the stream drains.
//
// Pins mapped by SetLanes stream pre-interleaved wire bytes; all others
// stream logical payload bytes, expanded to the wire pattern on the fly.
func (d *Dev) Stream(pin int, t nrz.Timings, pixels []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted {
		return ErrHalted
	}
	w, err := d.wireFor(t)
	if err != nil {
		return err
	}
	lanes, lanePins := 1, []int(nil)
	if pins := d.laneMap[pin]; pins != nil {
		lanes, lanePins = len(pins), pins
	}
	c, err := d.acquireLocked(pin, t, lanes, lanePins, w)
	if err != nil && d.lastErr == nil {
		d.lastErr = err
	}
	if c == nil {
		d.pending = append(d.pending, &pendingReq{
			pin:      pin,
			lanes:    lanes,
			lanePins: lanePins,
			timings:  t,
			wire:     w,
			src:      pixels,
		})
		return nil
	}
	d.beginLocked(c, pixels)
	return nil
}

// acquireLocked returns an idle channel matching the request exactly, or
// builds one on a freshly claimed host, evicting a parked idle channel if
// that is what stands between the request and a host. (nil, nil) means
// every host is actively streaming and the caller should queue.
// Configuration failures unwind completely: the claim is released and the
// error reported.
func (d *Dev) acquireLocked(pin int, t nrz.Timings, lanes int, lanePins []int, w nrz.Wire) (*channel, error) {
	for _, c := range d.channels {
		if c.busy || c.pin != pin || c.timings != t || c.lanes != lanes || !equalPins(c.lanePins, lanePins) {
			continue
		}
		c.busy = true
		return c, nil
	}
	h, err := d.pool.acquire()
	if h == nil && err == nil && d.evictLocked() {
		h, err = d.pool.acquire()
	}
	if h == nil || err != nil {
		return nil, err
	}
	cn, err := h.port.Connect(w.Freq, spi.Mode3|spi.NoCS, 8)
	if err != nil {
		d.pool.release(h)
		return nil, fmt.Errorf("clockless: configuring %s for %s: %w", h, w.Freq, err)
	}
	c := &channel{
		pin:      pin,
		lanes:    lanes,
		lanePins: append([]int(nil), lanePins...),
		timings:  t,
		wire:     w,
		host:     h,
		conn:     cn,
		busy:     true,
	}
	c.buf[0] = make([]byte, d.bufSize)
	c.buf[1] = make([]byte, d.bufSize)
	d.channels = append(d.channels, c)
	return c, nil
}

// evictLocked frees the host of the longest parked idle channel so a
// request for a different pin can proceed when every host is claimed.
// Idle channels otherwise keep their host warm for reuse.
func (d *Dev) evictLocked() bool {
	for i, c := range d.channels {
		if c.busy {
			continue
		}
		d.pool.release(c.host)
		d.channels = append(d.channels[:i], d.channels[i+1:]...)
		return true
	}
	return false
}

// beginLocked hands a reset channel to the service loop, which owns its
// streaming fields from here until the stream drains.
func (d *Dev) beginLocked(c *channel, src []byte) {
	c.begin(src)
	d.armc <- c
}

// wireFor quantizes t, applying the documented degradations: the quantum
// is clamped at 10ns, a pattern too wide for 32 bits falls back to the
// WS2812 profile and an achievable clock more than 300Hz off the ideal is
// counted. Each degradation bumps a Stats counter. Only non-positive phase
// durations are an error.
func (d *Dev) wireFor(t nrz.Timings) (nrz.Wire, error) {
	q := t
	w, err := nrz.Quantize(q)
	if err == nrz.ErrUnrepresentable {
		d.stats.TimingFallbacks++
		q = WS2812
		w, err = nrz.Quantize(q)
	}
	if err != nil {
		return nrz.Wire{}, err
	}
	if w.Clamped {
		d.stats.TimingClamps++
	}
	if delta := freqDelta(w, q); delta > freqTolerance {
		d.stats.FreqDeviations++
	}
	return w, nil
}

// freqDelta returns the distance in Hz between the wire clock and the
// ideal clock implied by the requested timings.
func freqDelta(w nrz.Wire, t nrz.Timings) int64 {
	ideal := int64(w.BitsPerBit) * int64(time.Second) / t.Period().Nanoseconds()
	got := int64(w.Freq / physic.Hertz)
	if got > ideal {
		return got - ideal
	}
	return ideal - got
}

// Poll reaps drained channels back into the idle pool and promotes queued
// requests onto freed hardware. Callers not using Wait or Show should call
// it periodically, at least once per frame.
func (d *Dev) Poll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pollLocked()
}

func (d *Dev) pollLocked() {
	if d.halted {
		return
	}
	keep := d.channels[:0]
	for _, c := range d.channels {
		if c.busy && c.drained() {
			if c.err != nil && d.lastErr == nil {
				d.lastErr = c.err
			}
			c.busy = false
			if c.temp {
				d.pool.release(c.host)
				continue
			}
		}
		keep = append(keep, c)
	}
	d.channels = keep
	d.promoteLocked()
}

// promoteLocked retries queued requests in arrival order. Whatever still
// cannot get a host stays queued and bumps the starvation counter.
func (d *Dev) promoteLocked() {
	if len(d.pending) == 0 {
		return
	}
	keep := d.pending[:0]
	for _, p := range d.pending {
		c, err := d.acquireLocked(p.pin, p.timings, p.lanes, p.lanePins, p.wire)
		if err != nil && d.lastErr == nil {
			d.lastErr = err
		}
		if c == nil {
			d.stats.PendingRetries++
			keep = append(keep, p)
			continue
		}
		d.beginLocked(c, p.src)
	}
	d.pending = keep
}

// Pending returns the number of requests still waiting for a free host.
func (d *Dev) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stats returns a snapshot of the diagnostic counters.
func (d *Dev) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Wait polls until every stream has drained and the request queue is
// empty, then returns the first error seen since the last Wait, if any.
func (d *Dev) Wait() error {
	for {
		d.mu.Lock()
		if d.halted {
			d.mu.Unlock()
			return ErrHalted
		}
		d.pollLocked()
		idle := len(d.pending) == 0
		if idle {
			for _, c := range d.channels {
				if c.busy {
					idle = false
					break
				}
			}
		}
		err := d.lastErr
		if idle || err != nil {
			d.lastErr = nil
		}
		d.mu.Unlock()
		if err != nil {
			return err
		}
		if idle {
			return nil
		}
		time.Sleep(d.tickPeriod)
	}
}

// Halt stops the engine. The service loop exits, outstanding transfers get
// up to one second each to finish, and ports the engine opened itself are
// closed. A halted engine cannot be restarted; create a new one.
func (d *Dev) Halt() error {
	d.mu.Lock()
	if d.halted {
		d.mu.Unlock()
		return nil
	}
	d.halted = true
	chans := append([]*channel(nil), d.channels...)
	d.pending = nil
	d.mu.Unlock()
	close(d.quit)
	<-d.loopDone
	outstanding := 0
	for _, c := range chans {
		for b := 0; b < 2; b++ {
			if c.inFlight[b].Load() {
				outstanding++
			}
		}
	}
	return d.pool.shutdown(time.Duration(outstanding+1) * time.Second)
}

func (d *Dev) String() string {
	names := make([]string, len(d.pool.hosts))
	for i, h := range d.pool.hosts {
		names[i] = h.name
	}
	return fmt.Sprintf("clockless.Dev{%s}", strings.Join(names, " "))
}

func equalPins(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ conn.Resource = &Dev{}
