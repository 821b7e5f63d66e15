package relay

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sync"
)

const (
	placeholderWidth  = 320
	placeholderHeight = 240
)

var placeholder = sync.OnceValue(func() []byte {
	img := image.NewGray(image.Rect(0, 0, placeholderWidth, placeholderHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Gray{Y: 40}}, image.Point{}, draw.Src)

	// A light cross over a dark field reads as "no signal" at any size.
	mark := color.Gray{Y: 200}
	for y := 0; y < placeholderHeight; y++ {
		x := y * placeholderWidth / placeholderHeight
		for dx := 0; dx < 3; dx++ {
			img.SetGray(min(x+dx, placeholderWidth-1), y, mark)
			img.SetGray(max(placeholderWidth-1-x-dx, 0), y, mark)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 60}); err != nil {
		return nil
	}
	return buf.Bytes()
})

// Placeholder returns the JPEG shown to viewers while their stream is stale.
func Placeholder() []byte {
	return placeholder()
}
