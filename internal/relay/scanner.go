package relay

import (
	"bytes"
	"io"
)

const (
	readChunkSize  = 4 * 1024
	maxPendingSize = 4 * 1024 * 1024
	trimPendingTo  = 1024 * 1024
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// Scanner splits an MJPEG byte stream into complete JPEG images by locating
// start-of-image and end-of-image markers. It does not rely on the multipart
// framing of the upstream, so cameras that send broken part headers still work.
//
// An image may embed one thumbnail (an EXIF APP1 segment carries its own
// SOI..EOI) ahead of its scan data; only the outer image is returned. A new
// start marker once the outer image's scan has begun means the image was
// truncated; it is discarded, as are bytes dropped when the pending buffer
// overflows.
type Scanner struct {
	r         io.Reader
	buf       []byte
	chunk     []byte
	pos       int  // offset in buf from which to look for the next marker
	depth     int  // 0 outside an image, 1 in an image, 2 in its thumbnail
	inScan    bool // the outer image's start-of-scan marker has been seen
	discarded int
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{
		r:     r,
		chunk: make([]byte, readChunkSize),
	}
}

// Discarded reports how many partial or malformed frames were dropped so far.
func (s *Scanner) Discarded() int {
	return s.discarded
}

// Next returns the next complete JPEG image. The returned slice is owned by
// the caller. Any read error (including io.EOF) is returned as is; a partial
// frame pending at that point is dropped.
func (s *Scanner) Next() ([]byte, error) {
	for {
		if frame, ok := s.extract(); ok {
			return frame, nil
		}

		n, err := s.r.Read(s.chunk)
		if n > 0 {
			s.buf = append(s.buf, s.chunk[:n]...)
		}
		if err != nil {
			if s.depth > 0 {
				s.discarded++
			}
			s.reset(len(s.buf))
			return nil, err
		}
	}
}

// reset drops the first n bytes of buf and forgets the current image.
func (s *Scanner) reset(n int) {
	s.buf = append(s.buf[:0], s.buf[n:]...)
	s.pos = 0
	s.depth = 0
	s.inScan = false
}

// begin starts a new image at buf[n:], which must hold a start marker.
func (s *Scanner) begin(n int) {
	s.reset(n)
	s.pos = len(jpegSOI)
	s.depth = 1
}

// extract pulls one complete frame out of the pending buffer if there is one.
func (s *Scanner) extract() ([]byte, bool) {
	for {
		if s.depth == 0 {
			start := bytes.Index(s.buf, jpegSOI)
			if start < 0 {
				// Keep a trailing 0xFF; it may be the first half of a marker.
				if n := len(s.buf); n > 0 && s.buf[n-1] == 0xFF {
					s.reset(n - 1)
				} else {
					s.reset(len(s.buf))
				}
				return nil, false
			}
			s.begin(start)
		}

		if end, ok := s.walk(); ok {
			frame := make([]byte, end)
			copy(frame, s.buf[:end])
			s.reset(end)
			return frame, true
		}
		if s.depth == 0 {
			// walk restarted on a new image.
			continue
		}

		if len(s.buf) > maxPendingSize {
			s.discarded++
			s.reset(len(s.buf) - trimPendingTo)
			continue
		}
		return nil, false
	}
}

// walk advances over the markers of the current image. It reports the end
// offset of the image once its final end marker is found. When the image
// turns out to be truncated it is discarded and depth is left at 0 so the
// caller rescans from the new start marker.
func (s *Scanner) walk() (int, bool) {
	for {
		i := bytes.IndexByte(s.buf[s.pos:], 0xFF)
		if i < 0 {
			s.pos = len(s.buf)
			return 0, false
		}
		p := s.pos + i
		if p+1 >= len(s.buf) {
			// Marker straddles two reads.
			s.pos = p
			return 0, false
		}

		switch s.buf[p+1] {
		case 0xD8:
			if s.depth == 1 && !s.inScan {
				s.depth = 2
				s.pos = p + 2
				continue
			}
			s.discarded++
			s.reset(p)
			return 0, false
		case 0xD9:
			s.depth--
			if s.depth == 0 {
				return p + 2, true
			}
			s.pos = p + 2
		case 0xDA:
			if s.depth == 1 {
				s.inScan = true
			}
			s.pos = p + 2
		default:
			s.pos = p + 1
		}
	}
}
