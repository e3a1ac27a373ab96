// Package clockless streams clockless LED protocols (WS2812, SK6812,
// WS2811 and friends) over SPI-class peripherals.
//
// Clockless strips encode every bit purely in pulse timing on a single
// data line. This driver reproduces those pulses by oversampling: the
// datasheet's three phase durations are quantized to a common time slice,
// each LED bit becomes a short run of SPI bits at the matching clock, and
// the peripheral's own shift register does the precise timing. No
// bit-banging, no cycle counting, and the CPU is free while DMA-backed
// SPI drivers clock the frame out.
//
// # How It Works
//
// A protocol timing like the WS2812's 350ns/350ns/550ns quantizes to a
// 50ns slice: one LED bit becomes 25 wire bits at 20MHz, a 0 driving the
// line high for the first 7 of them and a 1 for the first 14. The nrz
// package computes this derivation and expands payload bytes; see its
// documentation for the details and the quantizer's limits.
//
// Each streamed pin gets a channel with two fixed staging buffers. A
// service goroutine fills one buffer a bounded chunk per tick while the
// other is on the wire, handing filled buffers to a per-port transmit
// worker through a non-blocking queue. Frames of any length stream in
// constant memory.
//
// # Hardware Connection
//
// Connect the strip's data input to the SPI data output:
//
//	Strip Pin → System Pin
//	GND       → GND
//	VCC       → 5V supply (power the strip separately, not from the board)
//	DIN       → SPI MOSI
//
// The clock and chip-select lines stay unconnected. Most strips want 5V
// data; a 3.3V MOSI usually needs a level shifter, or the first pixel
// sacrificed as a repeater.
//
// # Basic Usage
//
//	package main
//
//	import (
//		"log"
//
//		"periph.io/x/devices/v3/clockless"
//		"periph.io/x/host/v3"
//	)
//
//	func main() {
//		// Initialize periph.io
//		if _, err := host.Init(); err != nil {
//			log.Fatal(err)
//		}
//
//		dev, err := clockless.New(nil)
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer dev.Halt()
//
//		// 8 pixels, GRB byte order, all dim green
//		pixels := make([]byte, 8*3)
//		for i := 0; i < len(pixels); i += 3 {
//			pixels[i] = 0x20
//		}
//
//		if err := dev.Stream(18, clockless.WS2812, pixels); err != nil {
//			log.Fatal(err)
//		}
//		if err := dev.Wait(); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// Payload bytes go on the wire untouched, so they must already be in the
// strip's channel order. The pixbuf package builds such payloads and
// adapts them to the standard image interfaces.
//
// Stream never blocks on the hardware: if every port is busy the request
// queues and retries on each Poll. Wait drives Poll until everything has
// drained. Callers running their own frame loop can call Poll once per
// frame instead and watch Pending.
//
// # Many Strips, One Peripheral
//
// A quad capable SPI peripheral drives four strips at once from a single
// transfer. Show does this end to end: it groups strips of identical
// timing, expands and interleaves up to four per batch (front padding
// shorter strips with dark frames so the whole batch latches together)
// and drives each batch to completion before starting the next:
//
//	err := dev.Show([]clockless.Strip{
//		{Pin: 18, Timings: clockless.WS2812, Pixels: a},
//		{Pin: 19, Timings: clockless.WS2812, Pixels: b},
//		{Pin: 20, Timings: clockless.WS2812, Pixels: c},
//	})
//
// Callers who prepare their own interleaved buffers (see the quadspi
// package) can instead map a pin to a lane group with SetLanes and Stream
// the raw bytes.
//
// # Timing
//
// The WS2812, WS2812B, SK6812, WS2811 and UCS1903 profiles cover the
// common chipsets; any nrz.Timings works. The quantizer degrades rather
// than fails: quanta below 10ns are clamped, a pattern too wide for 32
// bits falls back to the WS2812 profile, and an achievable clock more
// than 300Hz off the ideal is noted. Stats counts every such degradation.
//
// # Ports
//
// By default the engine claims the system's default SPI port. Name more
// ports to stream that many pins concurrently:
//
//	dev, err := clockless.New(&clockless.Opts{
//		Ports: []string{"SPI0.0", "SPI1.0"},
//	})
//
// Ports are claimed in list order as streams demand them and each serves
// one pin (or lane group) at a time. When demand exceeds the port count,
// requests queue; Stats.PendingRetries shows how often they had to wait.
package clockless
