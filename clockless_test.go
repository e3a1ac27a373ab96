package clockless

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"periph.io/x/devices/v3/clockless/nrz"
)

// fakePort is a recording SPI port. Transfer payloads are copied at Tx
// time because the engine reuses its staging buffers.
type fakePort struct {
	name       string
	connectErr error
	txErr      error

	mu       sync.Mutex
	connects []physic.Frequency
	modes    []spi.Mode
	writes   [][]byte
	closed   int
}

func (p *fakePort) String() string { return p.name }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePort) LimitSpeed(f physic.Frequency) error { return nil }

func (p *fakePort) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	p.connects = append(p.connects, f)
	p.modes = append(p.modes, mode)
	return &fakeConn{p: p}, nil
}

// settings returns the Connect history.
func (p *fakePort) settings() ([]physic.Frequency, []spi.Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]physic.Frequency(nil), p.connects...), append([]spi.Mode(nil), p.modes...)
}

// txBytes returns a copy of every transfer so far, in order.
func (p *fakePort) txBytes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

// allBytes returns every transferred byte concatenated.
func (p *fakePort) allBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var all []byte
	for _, w := range p.writes {
		all = append(all, w...)
	}
	return all
}

type fakeConn struct {
	p *fakePort
}

func (c *fakeConn) String() string { return c.p.name }

func (c *fakeConn) Duplex() conn.Duplex { return conn.Half }

func (c *fakeConn) Tx(w, r []byte) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if c.p.txErr != nil {
		return c.p.txErr
	}
	c.p.writes = append(c.p.writes, append([]byte(nil), w...))
	return nil
}

func (c *fakeConn) TxPackets(pkts []spi.Packet) error {
	return errors.New("fakeConn: TxPackets not supported")
}

// newTestDev builds an engine over one fake port and registers its
// teardown.
func newTestDev(t *testing.T, port *fakePort, opts *Opts) *Dev {
	t.Helper()
	d, err := NewSPI(port, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := d.Halt(); err != nil {
			t.Error(err)
		}
	})
	return d
}

// wireFrame is the reference wire stream for a payload: the expanded
// pixels followed by the latch gap, on lanes parallel lanes.
func wireFrame(t *testing.T, timings nrz.Timings, pixels []byte, lanes int) []byte {
	t.Helper()
	w, err := nrz.Quantize(timings)
	if err != nil {
		t.Fatal(err)
	}
	var out []byte
	if lanes > 1 {
		out = append(out, pixels...)
	} else {
		out = w.Raster(nil, pixels)
	}
	return append(out, make([]byte, lanes*w.ResetLen())...)
}

func TestNewOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    *Opts
		wantErr bool
	}{
		{"defaults", nil, false},
		{"custom", &Opts{BufferSize: 64, ChunkSize: 8, TickPeriod: time.Millisecond, QueueDepth: 4}, false},
		{"tiny buffer", &Opts{BufferSize: 16}, true},
		{"negative chunk", &Opts{ChunkSize: -1}, true},
		{"negative tick", &Opts{TickPeriod: -time.Second}, true},
		{"negative depth", &Opts{QueueDepth: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewSPI(&fakePort{name: "fake"}, tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSPI() error = %v, wantErr %t", err, tt.wantErr)
			}
			if d != nil {
				if err := d.Halt(); err != nil {
					t.Fatal(err)
				}
			}
		})
	}

	if _, err := NewSPI(nil, nil); err == nil {
		t.Error("NewSPI(nil) accepted a nil port")
	}
}

func TestDevString(t *testing.T) {
	d := newTestDev(t, &fakePort{name: "spidev0.0"}, nil)
	if got := d.String(); got != "clockless.Dev{spidev0.0}" {
		t.Errorf("String() = %q", got)
	}

	d2, err := New(&Opts{
		Ports:    []string{"SPI0.0", "SPI1.0"},
		OpenPort: func(name string) (spi.PortCloser, error) { return &fakePort{name: name}, nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer d2.Halt()
	if got := d2.String(); got != "clockless.Dev{SPI0.0 SPI1.0}" {
		t.Errorf("String() = %q", got)
	}

	d3, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d3.Halt()
	if got := d3.String(); !strings.Contains(got, "default") {
		t.Errorf("String() = %q; want the default port label", got)
	}
}

func TestStreamEndToEnd(t *testing.T) {
	port := &fakePort{name: "fake"}
	d := newTestDev(t, port, nil)

	pixels := payloadBytes(24)
	if err := d.Stream(18, WS2812, pixels); err != nil {
		t.Fatal(err)
	}
	if err := d.Wait(); err != nil {
		t.Fatal(err)
	}

	want := wireFrame(t, WS2812, pixels, 1)
	if got := port.allBytes(); !bytes.Equal(got, want) {
		t.Fatalf("wire stream = %d bytes; want %d", len(got), len(want))
	}
	freqs, modes := port.settings()
	if len(freqs) != 1 {
		t.Fatalf("Connect called %d times; want 1", len(freqs))
	}
	if freqs[0] != 20*physic.MegaHertz {
		t.Errorf("port clock = %s; want 20MHz", freqs[0])
	}
	if modes[0] != spi.Mode3|spi.NoCS {
		t.Errorf("port mode = %v; want Mode3|NoCS", modes[0])
	}
}

func TestStreamReusesIdleChannel(t *testing.T) {
	port := &fakePort{name: "fake"}
	d := newTestDev(t, port, nil)

	for i := 0; i < 3; i++ {
		if err := d.Stream(18, WS2812, payloadBytes(12)); err != nil {
			t.Fatal(err)
		}
		if err := d.Wait(); err != nil {
			t.Fatal(err)
		}
	}
	if freqs, _ := port.settings(); len(freqs) != 1 {
		t.Errorf("Connect called %d times; want 1, identical streams reuse their channel", len(freqs))
	}
	want := wireFrame(t, WS2812, payloadBytes(12), 1)
	want = append(append(append([]byte(nil), want...), want...), want...)
	if got := port.allBytes(); !bytes.Equal(got, want) {
		t.Errorf("wire stream = %d bytes; want %d", len(got), len(want))
	}
}

func TestStreamQueuedUntilHostFrees(t *testing.T) {
	port := &fakePort{name: "fake"}
	d := newTestDev(t, port, nil)

	// The first stream is big enough to hold the only host for many ticks.
	big := payloadBytes(2048)
	small := payloadBytes(12)
	if err := d.Stream(18, WS2812, big); err != nil {
		t.Fatal(err)
	}
	if err := d.Stream(23, SK6812, small); err != nil {
		t.Fatal(err)
	}
	if got := d.Pending(); got != 1 {
		t.Fatalf("Pending() = %d; want 1, the second request must queue", got)
	}
	if err := d.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := d.Pending(); got != 0 {
		t.Fatalf("Pending() = %d after Wait; want 0", got)
	}
	if got := d.Stats().PendingRetries; got == 0 {
		t.Error("PendingRetries = 0; queued rounds must be counted")
	}

	// Both frames in submission order, each at its own clock.
	want := append(wireFrame(t, WS2812, big, 1), wireFrame(t, SK6812, small, 1)...)
	if got := port.allBytes(); !bytes.Equal(got, want) {
		t.Fatalf("wire stream = %d bytes; want %d", len(got), len(want))
	}
	freqs, _ := port.settings()
	if len(freqs) != 2 {
		t.Fatalf("Connect called %d times; want 2, the idle channel is evicted for the new pin", len(freqs))
	}
	if sk, _ := nrz.Quantize(SK6812); freqs[1] != sk.Freq {
		t.Errorf("second clock = %s; want %s", freqs[1], sk.Freq)
	}
}

func TestStreamMultiLane(t *testing.T) {
	port := &fakePort{name: "fake"}
	d := newTestDev(t, port, nil)

	if err := d.SetLanes(18, []int{18, 19}); err != nil {
		t.Fatal(err)
	}
	if err := d.SetLanes(18, []int{18, 19, 20}); err != ErrLaneCount {
		t.Fatalf("3 lanes: err = %v; want ErrLaneCount", err)
	}
	if err := d.SetLanes(18, []int{18, 19, 20, 21}); err != nil {
		t.Fatal(err)
	}

	// Multi lane payloads are pre-interleaved wire bytes, streamed as-is
	// with the latch gap scaled to all four lanes.
	raw := payloadBytes(256)
	if err := d.Stream(18, WS2812, raw); err != nil {
		t.Fatal(err)
	}
	if err := d.Wait(); err != nil {
		t.Fatal(err)
	}
	want := wireFrame(t, WS2812, raw, 4)
	if got := port.allBytes(); !bytes.Equal(got, want) {
		t.Fatalf("wire stream = %d bytes; want %d", len(got), len(want))
	}

	// Clearing the mapping reverts the pin to expanded single lane frames.
	if err := d.SetLanes(18, nil); err != nil {
		t.Fatal(err)
	}
	if err := d.Stream(18, WS2812, payloadBytes(4)); err != nil {
		t.Fatal(err)
	}
	if err := d.Wait(); err != nil {
		t.Fatal(err)
	}
	want = append(want, wireFrame(t, WS2812, payloadBytes(4), 1)...)
	if got := port.allBytes(); !bytes.Equal(got, want) {
		t.Fatalf("wire stream = %d bytes after revert; want %d", len(got), len(want))
	}
}

func TestStreamBadTimings(t *testing.T) {
	d := newTestDev(t, &fakePort{name: "fake"}, nil)
	if err := d.Stream(18, nrz.Timings{}, payloadBytes(4)); err == nil {
		t.Fatal("zero timings accepted")
	}
	if got := d.Pending(); got != 0 {
		t.Errorf("Pending() = %d; invalid requests must not queue", got)
	}
}

func TestStreamFallbackTiming(t *testing.T) {
	port := &fakePort{name: "fake"}
	d := newTestDev(t, port, nil)

	// 350/350/551 needs 125 wire bits, so the engine substitutes the
	// ws2812 profile and transmits with its clock and latch gap.
	odd := nrz.Timings{
		T1: 350 * time.Nanosecond,
		T2: 350 * time.Nanosecond,
		T3: 551 * time.Nanosecond,
	}
	pixels := payloadBytes(4)
	if err := d.Stream(18, odd, pixels); err != nil {
		t.Fatal(err)
	}
	if err := d.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := d.Stats().TimingFallbacks; got != 1 {
		t.Errorf("TimingFallbacks = %d; want 1", got)
	}
	want := wireFrame(t, WS2812, pixels, 1)
	if got := port.allBytes(); !bytes.Equal(got, want) {
		t.Fatalf("wire stream = %d bytes; want %d", len(got), len(want))
	}
	if freqs, _ := port.settings(); freqs[0] != 20*physic.MegaHertz {
		t.Errorf("port clock = %s; want the substitute profile's 20MHz", freqs[0])
	}
}

func TestWireForDegradations(t *testing.T) {
	d := &Dev{}
	if _, err := d.wireFor(WS2812); err != nil {
		t.Fatal(err)
	}
	if d.stats != (Stats{}) {
		t.Errorf("stats = %+v after an exact request; want zero", d.stats)
	}

	// Sub-quantum phases coarsen to the 10ns grid and shift the clock well
	// beyond tolerance.
	if _, err := d.wireFor(nrz.Timings{T1: 7 * time.Nanosecond, T2: 7 * time.Nanosecond, T3: 14 * time.Nanosecond}); err != nil {
		t.Fatal(err)
	}
	if d.stats.TimingClamps != 1 {
		t.Errorf("TimingClamps = %d; want 1", d.stats.TimingClamps)
	}
	if d.stats.FreqDeviations != 1 {
		t.Errorf("FreqDeviations = %d; want 1", d.stats.FreqDeviations)
	}

	if _, err := d.wireFor(nrz.Timings{}); err == nil {
		t.Error("zero timings did not error")
	}
	if d.stats.TimingFallbacks != 0 {
		t.Errorf("TimingFallbacks = %d; invalid timings must error, not fall back", d.stats.TimingFallbacks)
	}
}

func TestWaitReportsOpenFailure(t *testing.T) {
	errOpen := errors.New("no such port")
	d, err := New(&Opts{
		Ports:    []string{"SPI9.9"},
		OpenPort: func(string) (spi.PortCloser, error) { return nil, errOpen },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Halt()

	// The request queues; the failure surfaces through Wait.
	if err := d.Stream(18, WS2812, payloadBytes(4)); err != nil {
		t.Fatal(err)
	}
	if got := d.Wait(); got != errOpen {
		t.Fatalf("Wait() = %v; want %v", got, errOpen)
	}
	if got := d.Pending(); got != 1 {
		t.Errorf("Pending() = %d; the request stays queued for a later retry", got)
	}
}

func TestWaitReportsConnectFailure(t *testing.T) {
	errConnect := errors.New("bad clock")
	port := &fakePort{name: "fake", connectErr: errConnect}
	d := newTestDev(t, port, nil)

	if err := d.Stream(18, WS2812, payloadBytes(4)); err != nil {
		t.Fatal(err)
	}
	if got := d.Wait(); !errors.Is(got, errConnect) {
		t.Fatalf("Wait() = %v; want wrapped %v", got, errConnect)
	}
}

func TestWaitReportsTxFailure(t *testing.T) {
	errTx := errors.New("bus fault")
	port := &fakePort{name: "fake", txErr: errTx}
	d := newTestDev(t, port, nil)

	if err := d.Stream(18, WS2812, payloadBytes(4)); err != nil {
		t.Fatal(err)
	}
	if got := d.Wait(); got != errTx {
		t.Fatalf("Wait() = %v; want %v", got, errTx)
	}
	// The failure is consumed; the engine keeps running.
	port.txErr = nil
	if err := d.Stream(18, WS2812, payloadBytes(4)); err != nil {
		t.Fatal(err)
	}
	if err := d.Wait(); err != nil {
		t.Fatalf("Wait() after recovery = %v", err)
	}
}

func TestHalt(t *testing.T) {
	port := &fakePort{name: "fake"}
	d, err := NewSPI(port, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Stream(18, WS2812, payloadBytes(4)); err != nil {
		t.Fatal(err)
	}
	if err := d.Wait(); err != nil {
		t.Fatal(err)
	}

	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
	if err := d.Halt(); err != nil {
		t.Fatalf("second Halt() = %v; want idempotent nil", err)
	}
	if err := d.Stream(18, WS2812, payloadBytes(4)); err != ErrHalted {
		t.Errorf("Stream() = %v; want ErrHalted", err)
	}
	if err := d.Wait(); err != ErrHalted {
		t.Errorf("Wait() = %v; want ErrHalted", err)
	}
	if err := d.SetLanes(18, []int{18, 19}); err != ErrHalted {
		t.Errorf("SetLanes() = %v; want ErrHalted", err)
	}
	if port.closed != 0 {
		t.Errorf("caller-supplied port closed %d times; want 0", port.closed)
	}
}

func TestEqualPins(t *testing.T) {
	tests := []struct {
		a, b []int
		want bool
	}{
		{nil, nil, true},
		{[]int{1, 2}, []int{1, 2}, true},
		{[]int{1, 2}, []int{2, 1}, false},
		{[]int{1}, []int{1, 2}, false},
		{nil, []int{}, true},
	}
	for _, tt := range tests {
		if got := equalPins(tt.a, tt.b); got != tt.want {
			t.Errorf("equalPins(%v, %v) = %t; want %t", tt.a, tt.b, got, tt.want)
		}
	}
}
