package relay

import (
	"io"
	"mime/multipart"
	"net/textproto"
	"strconv"
)

const (
	// Boundary separates the parts of an MJPEG response.
	Boundary = "frame"

	// StreamContentType is the Content-Type of an MJPEG response.
	StreamContentType = "multipart/x-mixed-replace; boundary=" + Boundary

	jpegContentType = "image/jpeg"
)

// PartWriter writes JPEG frames as the parts of a multipart/x-mixed-replace
// body. Each part carries its own Content-Type and Content-Length.
type PartWriter struct {
	mw    *multipart.Writer
	flush func() error
}

// NewPartWriter returns a PartWriter on w. flush, if not nil, is called after
// every part so the frame reaches the client immediately.
func NewPartWriter(w io.Writer, flush func() error) *PartWriter {
	mw := multipart.NewWriter(w)
	// Boundary is a constant valid boundary; SetBoundary cannot fail on it.
	_ = mw.SetBoundary(Boundary)
	return &PartWriter{mw: mw, flush: flush}
}

// WritePart writes data as one image/jpeg part.
func (p *PartWriter) WritePart(data []byte) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", jpegContentType)
	h.Set("Content-Length", strconv.Itoa(len(data)))

	part, err := p.mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if p.flush != nil {
		return p.flush()
	}
	return nil
}
