// Package quadspi interleaves independent per-lane byte streams into the
// single buffer layout a quad SPI peripheral shifts out across its four
// data lines.
//
// A quad capable peripheral emits 2 bits per data line per clock pair, so
// four logical byte streams must be merged at 2-bit granularity before
// transmission: each input byte index produces 4 output bytes, one per
// 2-bit group. Lanes of unequal length are front padded with a repeating,
// protocol specific inert frame so every lane's real data ends on the same
// clock and all strips latch together.
package quadspi

import "errors"

// Lanes is the number of data lines a quad peripheral drives.
const Lanes = 4

// Transposer merges up to four lane byte streams into one interleaved
// buffer. The zero value is ready to use. It retains its output allocation
// across frames; it is not safe for concurrent use.
type Transposer struct {
	lanes [Lanes]lane
	out   []byte
}

type lane struct {
	data []byte
	pad  []byte
}

// AddLane registers one lane's source bytes and its inert padding frame, a
// short byte sequence representing a single dark unit of the lane's
// protocol. The frame is repeated, truncated as needed, to fill the gap
// when this lane is shorter than the longest one. A nil or empty frame
// pads with zero bytes. Lanes left unregistered read as zero bytes.
func (t *Transposer) AddLane(index int, data, pad []byte) error {
	if index < 0 || index >= Lanes {
		return errors.New("quadspi: lane index out of range")
	}
	t.lanes[index] = lane{data: data, pad: pad}
	return nil
}

// Transpose interleaves the registered lanes and returns the result, valid
// until the next call to Transpose. The output is always 4× the longest
// lane's length however many lanes are registered.
//
// For each input index the four gathered lane bytes are split into 2-bit
// groups, most significant first, and each group packs one output byte
// with lane 0 at bits 1:0, lane 1 at bits 3:2, lane 2 at bits 5:4 and
// lane 3 at bits 7:6.
func (t *Transposer) Transpose() []byte {
	max := 0
	for _, l := range t.lanes {
		if len(l.data) > max {
			max = len(l.data)
		}
	}
	n := Lanes * max
	if cap(t.out) < n {
		t.out = make([]byte, n)
	} else {
		t.out = t.out[:n]
	}
	for i := 0; i < max; i++ {
		b0 := t.lanes[0].at(i, max)
		b1 := t.lanes[1].at(i, max)
		b2 := t.lanes[2].at(i, max)
		b3 := t.lanes[3].at(i, max)
		for g := 0; g < 4; g++ {
			sh := uint(6 - 2*g)
			t.out[Lanes*i+g] = (b0>>sh)&3 | ((b1>>sh)&3)<<2 | ((b2>>sh)&3)<<4 | ((b3>>sh)&3)<<6
		}
	}
	return t.out
}

// Reset forgets the registered lanes but keeps the output allocation for
// reuse by the next frame.
func (t *Transposer) Reset() {
	t.lanes = [Lanes]lane{}
	t.out = t.out[:0]
}

// at returns the lane byte for output index i. Indices below the lane's
// padding length fall in the prefix padding region; real data is right
// aligned so it ends at the longest lane's final index.
func (l lane) at(i, max int) byte {
	start := max - len(l.data)
	if i >= start {
		return l.data[i-start]
	}
	if len(l.pad) == 0 {
		return 0
	}
	return l.pad[i%len(l.pad)]
}
