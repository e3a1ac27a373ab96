// Package nrz converts clockless LED protocol timings into quantized SPI
// wire patterns and expands payload bytes into those patterns.
//
// Clockless protocols (WS2812 and friends) encode each data bit as a fixed
// three-phase pulse: the line is high for T1, stays high for a further T2
// only when the bit is 1, and is low for T3. Driving such a strip from an
// SPI peripheral means oversampling: one LED bit becomes several SPI bits
// clocked at a frequency derived from the phase durations. This package
// computes that derivation (Quantize) and performs the byte expansion
// (Wire.Expand, Wire.Raster).
package nrz

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"
)

// minQuantum is the finest time slice the quantizer will target. Requests
// whose phase gcd is finer are clamped and reported via Wire.Clamped.
const minQuantum = 10 * time.Nanosecond

// ErrUnrepresentable is returned by Quantize when the quantized bit pattern
// does not fit in a 32-bit field. Callers are expected to fall back to a
// known-good profile.
var ErrUnrepresentable = errors.New("nrz: bit pattern does not fit in 32 bits")

// Timings describes one data bit of a clockless LED protocol as the three
// phase durations from the datasheet, plus the inter-frame reset gap that
// makes the strip latch.
//
// A 0 bit holds the line high for T1 then low for T2+T3. A 1 bit holds the
// line high for T1+T2 then low for T3. The bit period is always T1+T2+T3.
type Timings struct {
	T1    time.Duration
	T2    time.Duration
	T3    time.Duration
	Reset time.Duration
}

// Period returns the duration of one data bit.
func (t Timings) Period() time.Duration {
	return t.T1 + t.T2 + t.T3
}

func (t Timings) String() string {
	return fmt.Sprintf("nrz.Timings{%s/%s/%s reset %s}", t.T1, t.T2, t.T3, t.Reset)
}

// Wire is the quantized SPI rendition of a Timings. It is immutable once
// computed; compute it once per distinct Timings and share it.
type Wire struct {
	// Freq is the SPI clock at which the patterns below reproduce the
	// requested phase durations.
	Freq physic.Frequency
	// BitsPerBit is the number of wire bits emitted per LED data bit.
	// Always in [1, 32].
	BitsPerBit int
	// Bit0 and Bit1 hold the wire patterns for a 0 and 1 data bit,
	// left-aligned: the first wire bit on the line is bit 31.
	Bit0 uint32
	Bit1 uint32
	// T1, T2, T3 are the achieved phase durations after quantization, for
	// comparison against the request.
	T1 time.Duration
	T2 time.Duration
	T3 time.Duration
	// Reset is the requested inter-frame gap, carried through unchanged.
	Reset time.Duration
	// Clamped reports that the requested timing was finer than minQuantum
	// and the achieved durations deviate more than usual.
	Clamped bool

	quantum time.Duration
}

// Quantize derives the SPI clock and bit patterns reproducing t.
//
// The quantum is the gcd of the three phase durations, clamped to
// minQuantum. Each phase becomes a whole number of quanta by nearest
// rounding; one LED bit then spans the sum of the three counts in wire
// bits, at one quantum per wire bit. Timings whose pattern would exceed 32
// wire bits return ErrUnrepresentable.
func Quantize(t Timings) (Wire, error) {
	if t.T1 <= 0 || t.T2 <= 0 || t.T3 <= 0 {
		return Wire{}, errors.New("nrz: phase durations must be positive")
	}
	q := gcd(gcd(t.T1.Nanoseconds(), t.T2.Nanoseconds()), t.T3.Nanoseconds())
	clamped := false
	if q < minQuantum.Nanoseconds() {
		q = minQuantum.Nanoseconds()
		clamped = true
	}
	n1 := roundDiv(t.T1.Nanoseconds(), q)
	n2 := roundDiv(t.T2.Nanoseconds(), q)
	n3 := roundDiv(t.T3.Nanoseconds(), q)
	bits := n1 + n2 + n3
	if bits == 0 || bits > 32 {
		return Wire{}, ErrUnrepresentable
	}
	return Wire{
		Freq:       physic.Frequency(int64(1e15) / q),
		BitsPerBit: int(bits),
		Bit0:       topBits(int(n1)),
		Bit1:       topBits(int(n1 + n2)),
		T1:         time.Duration(n1*q) * time.Nanosecond,
		T2:         time.Duration(n2*q) * time.Nanosecond,
		T3:         time.Duration(n3*q) * time.Nanosecond,
		Reset:      t.Reset,
		Clamped:    clamped,
		quantum:    time.Duration(q) * time.Nanosecond,
	}, nil
}

// Expand writes the wire pattern for one payload byte into dst starting at
// bit offset off and returns the advanced offset.
//
// The payload byte is processed most-significant-bit first and each of its 8
// bits emits BitsPerBit pattern bits, also most-significant first. Bit
// offset o addresses bit 7-(o%8) of dst[o/8], so offsets accumulated across
// calls need not be byte-aligned. Expand never allocates; dst must have
// room for off+8*BitsPerBit bits.
func (w Wire) Expand(dst []byte, off uint, b byte) uint {
	for i := 7; i >= 0; i-- {
		p := w.Bit0
		if b&(1<<uint(i)) != 0 {
			p = w.Bit1
		}
		for j := 0; j < w.BitsPerBit; j++ {
			if p&(1<<uint(31-j)) != 0 {
				dst[off>>3] |= 1 << (7 - off&7)
			} else {
				dst[off>>3] &^= 1 << (7 - off&7)
			}
			off++
		}
	}
	return off
}

// EncodedLen returns the number of wire bytes produced by expanding n
// payload bytes. One payload byte always expands to exactly BitsPerBit
// bytes (8 bits times BitsPerBit wire bits each).
func (w Wire) EncodedLen(n int) int {
	return n * w.BitsPerBit
}

// Raster appends the expansion of the whole payload src to dst and returns
// the extended slice. It is the frame-at-a-time counterpart to Expand, used
// when a payload must be fully encoded up front (e.g. before lane
// transposition).
func (w Wire) Raster(dst, src []byte) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, w.EncodedLen(len(src)))...)
	off := uint(start) * 8
	for _, b := range src {
		off = w.Expand(dst, off, b)
	}
	return dst
}

// ResetLen returns the number of zero bytes that cover the inter-frame
// reset gap at the wire clock. Transmitting that many zero bytes after a
// frame guarantees the strip latches regardless of bus idle behavior.
func (w Wire) ResetLen() int {
	if w.Reset <= 0 {
		return 0
	}
	bits := (w.Reset.Nanoseconds() + w.quantum.Nanoseconds() - 1) / w.quantum.Nanoseconds()
	return int((bits + 7) / 8)
}

func (w Wire) String() string {
	return fmt.Sprintf("nrz.Wire{%s, %d wire bits/bit}", w.Freq, w.BitsPerBit)
}

// topBits returns a mask of the n most-significant bits of a uint32.
func topBits(n int) uint32 {
	if n <= 0 {
		return 0
	}
	if n >= 32 {
		return ^uint32(0)
	}
	return ^uint32(0) << (32 - uint(n))
}

func roundDiv(a, b int64) int64 {
	return (a + b/2) / b
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
