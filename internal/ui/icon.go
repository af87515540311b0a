package ui

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"
)

var (
	iconOnce sync.Once
	iconPNG  []byte
)

// iconBytes draws the tray icon: a rounded portrait frame with a play mark.
func iconBytes() []byte {
	iconOnce.Do(func() {
		const size = 32
		img := image.NewNRGBA(image.Rect(0, 0, size, size))
		frame := color.NRGBA{R: 0xff, G: 0x4f, B: 0x6d, A: 0xff}
		mark := color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}

		for y := 2; y < size-2; y++ {
			for x := 7; x < size-7; x++ {
				corner := (x < 9 || x > size-10) && (y < 4 || y > size-5)
				if !corner {
					img.SetNRGBA(x, y, frame)
				}
			}
		}
		// Triangle pointing right, centred in the frame.
		for y := 10; y < 22; y++ {
			half := min(y-10, 21-y)
			for x := 13; x <= 13+half; x++ {
				img.SetNRGBA(x, y, mark)
			}
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err == nil {
			iconPNG = buf.Bytes()
		}
	})
	return iconPNG
}
