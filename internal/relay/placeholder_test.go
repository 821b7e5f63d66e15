package relay

import (
	"bytes"
	"image/jpeg"
	"testing"
)

func TestPlaceholder_is_valid_jpeg(t *testing.T) {
	data := Placeholder()
	if len(data) == 0 {
		t.Fatal("empty placeholder")
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != placeholderWidth || b.Dy() != placeholderHeight {
		t.Errorf("size = %dx%d", b.Dx(), b.Dy())
	}
	if &Placeholder()[0] != &data[0] {
		t.Error("placeholder should be encoded once")
	}
}
