package relay

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"
)

func multipartStream(frames ...[]byte) []byte {
	var b bytes.Buffer
	for _, f := range frames {
		b.WriteString("--frame\r\nContent-Type: image/jpeg\r\n\r\n")
		b.Write(f)
		b.WriteString("\r\n")
	}
	return b.Bytes()
}

func scanAll(t *testing.T, sc *Scanner) ([][]byte, error) {
	t.Helper()
	var out [][]byte
	for {
		f, err := sc.Next()
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
}

func TestScanner_multipart_stream(t *testing.T) {
	want := [][]byte{jpegBytes(1), jpegBytes(2), jpegBytes(3)}
	sc := NewScanner(bytes.NewReader(multipartStream(want...)))

	got, err := scanAll(t, sc)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("frame %d = %x, want %x", i, got[i], want[i])
		}
	}
	if sc.Discarded() != 0 {
		t.Errorf("Discarded = %d, want 0", sc.Discarded())
	}
}

func TestScanner_markers_split_across_reads(t *testing.T) {
	want := [][]byte{jpegBytes(1), jpegBytes(2)}
	sc := NewScanner(iotest.OneByteReader(bytes.NewReader(multipartStream(want...))))

	got, _ := scanAll(t, sc)
	if len(got) != 2 || !bytes.Equal(got[0], want[0]) || !bytes.Equal(got[1], want[1]) {
		t.Errorf("got %x, want %x", got, want)
	}
}

func TestScanner_truncated_frame_discarded(t *testing.T) {
	var stream []byte
	stream = append(stream, 0xFF, 0xD8, 0xFF, 0xDA, 0x01, 0x02) // cut inside its scan
	stream = append(stream, jpegBytes(7)...)

	sc := NewScanner(bytes.NewReader(stream))
	got, _ := scanAll(t, sc)
	if len(got) != 1 || !bytes.Equal(got[0], jpegBytes(7)) {
		t.Fatalf("got %x, want only the complete frame", got)
	}
	if sc.Discarded() != 1 {
		t.Errorf("Discarded = %d, want 1", sc.Discarded())
	}
}

func TestScanner_partial_frame_at_eof(t *testing.T) {
	stream := append(jpegBytes(1), 0xFF, 0xD8, 0x05)
	sc := NewScanner(bytes.NewReader(stream))

	got, err := scanAll(t, sc)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	if sc.Discarded() != 1 {
		t.Errorf("Discarded = %d, want 1", sc.Discarded())
	}
}

func TestScanner_returned_frame_is_a_copy(t *testing.T) {
	sc := NewScanner(bytes.NewReader(multipartStream(jpegBytes(1), jpegBytes(2))))
	first, err := sc.Next()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sc.Next(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, jpegBytes(1)) {
		t.Errorf("first frame changed after next read: %x", first)
	}
}

func TestScanner_oversized_frame_dropped(t *testing.T) {
	var stream []byte
	stream = append(stream, 0xFF, 0xD8)
	stream = append(stream, make([]byte, maxPendingSize+readChunkSize)...)
	stream = append(stream, jpegBytes(9)...)

	sc := NewScanner(bytes.NewReader(stream))
	got, _ := scanAll(t, sc)
	if len(got) != 1 || !bytes.Equal(got[0], jpegBytes(9)) {
		t.Fatalf("expected the frame after the oversized one, got %d frames", len(got))
	}
	if sc.Discarded() == 0 {
		t.Error("expected the oversized frame to be counted as discarded")
	}
}

// exifImage returns an image whose APP1 segment embeds a thumbnail with its
// own start and end markers.
func exifImage(n byte) []byte {
	thumb := []byte{0xFF, 0xD8, 0xAA, n, 0xFF, 0xD9}
	img := []byte{0xFF, 0xD8, 0xFF, 0xE1, 0x00, byte(2 + len(thumb))}
	img = append(img, thumb...)
	img = append(img, 0xFF, 0xDA, 0x00, 0x02) // start of scan
	img = append(img, 0xBB, n, 0xFF, 0x00, 0xBB)
	return append(img, 0xFF, 0xD9)
}

func TestScanner_embedded_thumbnail_kept_inside_image(t *testing.T) {
	want := [][]byte{exifImage(1), exifImage(2)}
	var stream []byte
	for _, img := range want {
		stream = append(stream, img...)
	}

	for name, r := range map[string]io.Reader{
		"whole":    bytes.NewReader(stream),
		"bytewise": iotest.OneByteReader(bytes.NewReader(stream)),
	} {
		sc := NewScanner(r)
		got, _ := scanAll(t, sc)
		if len(got) != 2 {
			t.Fatalf("%s: got %d frames, want 2", name, len(got))
		}
		for i := range want {
			if !bytes.Equal(got[i], want[i]) {
				t.Errorf("%s: frame %d = %x, want %x", name, i, got[i], want[i])
			}
		}
		if sc.Discarded() != 0 {
			t.Errorf("%s: Discarded = %d, want 0", name, sc.Discarded())
		}
	}
}

func TestScanner_thumbnail_without_scan_header(t *testing.T) {
	img := []byte{0xFF, 0xD8, 0xFF, 0xE1, 0x00, 0x10, 0xFF, 0xD8, 0xAA, 0xFF, 0xD9, 0xBB, 0xBB, 0xBB, 0xBB, 0xFF, 0xD9}
	sc := NewScanner(bytes.NewReader(append(append([]byte{}, img...), img...)))

	got, _ := scanAll(t, sc)
	if len(got) != 2 || !bytes.Equal(got[0], img) || !bytes.Equal(got[1], img) {
		t.Fatalf("got %x, want the outer image twice", got)
	}
	if sc.Discarded() != 0 {
		t.Errorf("Discarded = %d, want 0", sc.Discarded())
	}
}

func TestScanner_truncated_image_before_thumbnail_image(t *testing.T) {
	// An image cut off inside its scan, followed by an image with a thumbnail.
	stream := []byte{0xFF, 0xD8, 0xFF, 0xDA, 0x00, 0x02, 0x11}
	stream = append(stream, exifImage(3)...)

	sc := NewScanner(bytes.NewReader(stream))
	got, _ := scanAll(t, sc)
	if len(got) != 1 || !bytes.Equal(got[0], exifImage(3)) {
		t.Fatalf("got %x, want only the complete image", got)
	}
	if sc.Discarded() != 1 {
		t.Errorf("Discarded = %d, want 1", sc.Discarded())
	}
}
