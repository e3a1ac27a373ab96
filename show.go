package clockless

import (
	"time"

	"periph.io/x/devices/v3/clockless/nrz"
	"periph.io/x/devices/v3/clockless/quadspi"
)

// Strip is one physical LED strip submitted to Show: its data pin, its
// protocol timing and its logical payload bytes.
type Strip struct {
	Pin     int
	Timings nrz.Timings
	Pixels  []byte
}

// Show renders a whole frame across many strips and blocks until it is on
// the wire. Strips with identical timing are grouped and spread over the
// quad lanes of a single peripheral, shorter strips front padded with dark
// frames so each batch latches as one; a group larger than the lane count
// runs as ceil(n/4) sequential batches, each driven to completion before
// the next is acquired, so a timing group never holds more than one host.
//
// Strips on lone pins stream without interleaving. Show may run alongside
// Stream but not concurrently with itself.
func (d *Dev) Show(strips []Strip) error {
	if len(strips) == 0 {
		return nil
	}
	type group struct {
		t      nrz.Timings
		strips []Strip
	}
	var groups []*group
	index := map[nrz.Timings]*group{}
	for _, s := range strips {
		g := index[s.Timings]
		if g == nil {
			g = &group{t: s.Timings}
			index[s.Timings] = g
			groups = append(groups, g)
		}
		g.strips = append(g.strips, s)
	}
	var tr quadspi.Transposer
	for _, g := range groups {
		d.mu.Lock()
		if d.halted {
			d.mu.Unlock()
			return ErrHalted
		}
		w, err := d.wireFor(g.t)
		d.mu.Unlock()
		if err != nil {
			return err
		}
		// One expanded dark byte is the inert padding frame for every lane
		// of this group.
		pad := w.Raster(nil, []byte{0})
		for _, b := range batches(len(g.strips), quadspi.Lanes) {
			if err := d.showBatch(g.t, w, g.strips[b[0]:b[1]], &tr, pad); err != nil {
				return err
			}
		}
	}
	return nil
}

// showBatch streams up to four strips as one interleaved quad transfer and
// waits for it to drain. The channel is released afterwards so the next
// batch can claim the host.
func (d *Dev) showBatch(t nrz.Timings, w nrz.Wire, batch []Strip, tr *quadspi.Transposer, pad []byte) error {
	var payload []byte
	lanes := 1
	var lanePins []int
	if len(batch) > 1 {
		lanes = quadspi.Lanes
		lanePins = make([]int, len(batch))
		tr.Reset()
		for i, s := range batch {
			lanePins[i] = s.Pin
			if err := tr.AddLane(i, w.Raster(nil, s.Pixels), pad); err != nil {
				return err
			}
		}
		payload = tr.Transpose()
	} else {
		payload = batch[0].Pixels
	}

	var c *channel
	for {
		d.mu.Lock()
		if d.halted {
			d.mu.Unlock()
			return ErrHalted
		}
		var err error
		c, err = d.acquireLocked(batch[0].Pin, t, lanes, lanePins, w)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		if c != nil {
			c.temp = true
			d.beginLocked(c, payload)
			d.mu.Unlock()
			break
		}
		d.stats.PendingRetries++
		d.pollLocked()
		d.mu.Unlock()
		time.Sleep(d.tickPeriod)
	}

	for {
		d.mu.Lock()
		if d.halted {
			d.mu.Unlock()
			return ErrHalted
		}
		d.pollLocked()
		finished := !c.busy
		err := d.lastErr
		if finished {
			d.lastErr = nil
		}
		d.mu.Unlock()
		if finished {
			return err
		}
		time.Sleep(d.tickPeriod)
	}
}
