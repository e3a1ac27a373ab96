package clockless

import (
	"time"

	"periph.io/x/devices/v3/clockless/nrz"
)

// Timing profiles for common clockless LED chipsets, taken from their
// datasheets. Pass them to Stream or Show, or derive variants with a
// different Reset for stubborn strip revisions.
var (
	// WS2812 is the original 5050 integrated pixel. It is also the
	// known-safe profile the engine falls back to when a requested timing
	// cannot be represented.
	WS2812 = nrz.Timings{
		T1:    350 * time.Nanosecond,
		T2:    350 * time.Nanosecond,
		T3:    550 * time.Nanosecond,
		Reset: 280 * time.Microsecond,
	}

	// WS2812B is the four-pin revision found on most modern strips.
	WS2812B = nrz.Timings{
		T1:    400 * time.Nanosecond,
		T2:    400 * time.Nanosecond,
		T3:    450 * time.Nanosecond,
		Reset: 280 * time.Microsecond,
	}

	// SK6812 covers the RGB and RGBW clones; RGBW strips simply stream 4
	// payload bytes per pixel.
	SK6812 = nrz.Timings{
		T1:    300 * time.Nanosecond,
		T2:    300 * time.Nanosecond,
		T3:    600 * time.Nanosecond,
		Reset: 80 * time.Microsecond,
	}

	// WS2811 is the external 12V driver IC, here in its 400kHz mode.
	WS2811 = nrz.Timings{
		T1:    500 * time.Nanosecond,
		T2:    500 * time.Nanosecond,
		T3:    1500 * time.Nanosecond,
		Reset: 280 * time.Microsecond,
	}

	// UCS1903 is a common WS2811 alternative on 12V strips.
	UCS1903 = nrz.Timings{
		T1:    500 * time.Nanosecond,
		T2:    1500 * time.Nanosecond,
		T3:    500 * time.Nanosecond,
		Reset: 24 * time.Microsecond,
	}
)
