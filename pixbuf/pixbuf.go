// Package pixbuf provides pixel buffers laid out in the wire byte order of
// clockless LED strips.
//
// Strips do not share one channel order: the WS2812 family wants GRB, some
// WS2811 builds are wired RGB or BGR, and four channel SK6812 variants add
// a white byte. A Buf stores its pixels exactly as the strip wants them, so
// its Pix slice feeds the streaming engine without a repacking pass:
//
//	buf := pixbuf.NewBuf(pixbuf.GRB, 30)
//	buf.SetColor(0, 0, pixbuf.Color{R: 0xFF})
//	dev.Stream(18, clockless.WS2812, buf.Pix)
//
// Buf implements image.Image and draw.Image over a one pixel high bounds,
// so standard image tooling can render into it:
//
//	draw.Draw(buf, buf.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
package pixbuf

import (
	"image"
	"image/color"
)

// Order is the channel order of one pixel on the wire.
type Order int

const (
	// GRB is the WS2812 family order.
	GRB Order = iota
	// RGB is used by some WS2811 and UCS1903 builds.
	RGB
	// BGR is the occasional reversed build.
	BGR
	// GRBW is the four channel SK6812 order.
	GRBW
	// RGBW is the four channel order of some SK6812 variants.
	RGBW
)

func (o Order) String() string {
	switch o {
	case GRB:
		return "GRB"
	case RGB:
		return "RGB"
	case BGR:
		return "BGR"
	case GRBW:
		return "GRBW"
	case RGBW:
		return "RGBW"
	}
	return "Order(?)"
}

// Channels returns the number of payload bytes per pixel.
func (o Order) Channels() int {
	if _, _, _, w := o.offsets(); w >= 0 {
		return 4
	}
	return 3
}

// offsets returns each channel's byte position within one pixel. w is -1
// when the order has no white channel. Unknown orders read as GRB.
func (o Order) offsets() (r, g, b, w int) {
	switch o {
	case RGB:
		return 0, 1, 2, -1
	case BGR:
		return 2, 1, 0, -1
	case GRBW:
		return 1, 0, 2, 3
	case RGBW:
		return 0, 1, 2, 3
	}
	return 1, 0, 2, -1
}

// Color is one strip pixel with an explicit white channel. W is only
// transmitted on four channel orders; on the others it is dropped at Set
// time.
type Color struct {
	R, G, B, W uint8
}

// RGBA implements color.Color. The white die lights all three colors, so W
// adds into each channel, saturating.
func (c Color) RGBA() (r, g, b, a uint32) {
	return sat(c.R, c.W) * 0x101, sat(c.G, c.W) * 0x101, sat(c.B, c.W) * 0x101, 0xFFFF
}

func sat(v, w uint8) uint32 {
	s := uint32(v) + uint32(w)
	if s > 0xFF {
		return 0xFF
	}
	return s
}

// toColor converts any color.Color to Color. Conversions never produce a
// white component; callers wanting the separate white die set Color.W
// directly.
func toColor(c color.Color) color.Color {
	if p, ok := c.(Color); ok {
		return p
	}
	r, g, b, _ := c.RGBA()
	return Color{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8)}
}

// Model converts colors to Color.
var Model = color.ModelFunc(toColor)

// Buf is a run of strip pixels stored in wire channel order.
type Buf struct {
	// Pix holds Order.Channels() bytes per pixel, ready to stream as-is.
	Pix []byte
	// Order is the channel order Pix is packed in.
	Order Order
}

// NewBuf creates a zeroed (all dark) buffer of n pixels.
func NewBuf(o Order, n int) *Buf {
	if n < 0 {
		n = 0
	}
	return &Buf{Pix: make([]byte, n*o.Channels()), Order: o}
}

// Len returns the number of pixels.
func (p *Buf) Len() int {
	return len(p.Pix) / p.Order.Channels()
}

// ColorModel returns the color model of the buffer.
func (p *Buf) ColorModel() color.Model {
	return Model
}

// Bounds returns the buffer bounds: Len() pixels wide, one high.
func (p *Buf) Bounds() image.Rectangle {
	return image.Rect(0, 0, p.Len(), 1)
}

// At returns the color of the pixel at (x, y). It implements the
// image.Image interface.
func (p *Buf) At(x, y int) color.Color {
	return p.ColorAt(x, y)
}

// ColorAt returns the Color of the pixel at (x, y).
func (p *Buf) ColorAt(x, y int) Color {
	if !(image.Point{X: x, Y: y}.In(p.Bounds())) {
		return Color{}
	}
	i := p.pixOffset(x)
	r, g, b, w := p.Order.offsets()
	c := Color{R: p.Pix[i+r], G: p.Pix[i+g], B: p.Pix[i+b]}
	if w >= 0 {
		c.W = p.Pix[i+w]
	}
	return c
}

// Set sets the color of the pixel at (x, y).
func (p *Buf) Set(x, y int, c color.Color) {
	p.SetColor(x, y, Model.Convert(c).(Color))
}

// SetColor sets the Color of the pixel at (x, y). This is faster than
// Set() as it doesn't require color conversion.
func (p *Buf) SetColor(x, y int, c Color) {
	if !(image.Point{X: x, Y: y}.In(p.Bounds())) {
		return
	}
	i := p.pixOffset(x)
	r, g, b, w := p.Order.offsets()
	p.Pix[i+r] = c.R
	p.Pix[i+g] = c.G
	p.Pix[i+b] = c.B
	if w >= 0 {
		p.Pix[i+w] = c.W
	}
}

// pixOffset returns the byte offset of the pixel at x.
func (p *Buf) pixOffset(x int) int {
	return x * p.Order.Channels()
}
