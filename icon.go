package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
)

var (
	iconData          = renderIcon(color.RGBA{0x9e, 0x9e, 0x9e, 0xff})
	iconDataConnected = renderIcon(color.RGBA{0x2e, 0x7d, 0x32, 0xff})
	iconDataWaiting   = renderIcon(color.RGBA{0xf9, 0xa8, 0x25, 0xff})
	iconDataError     = renderIcon(color.RGBA{0xc6, 0x28, 0x28, 0xff})
	iconDataStopped   = renderIcon(color.RGBA{0x42, 0x42, 0x42, 0xff})
)

// renderIcon draws a filled disc on a transparent 32x32 canvas.
func renderIcon(c color.RGBA) []byte {
	const size = 32
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	r := size/2 - 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := x-size/2, y-size/2
			if dx*dx+dy*dy <= r*r {
				img.SetRGBA(x, y, c)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
