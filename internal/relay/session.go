package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one viewer's position in a camera's cache. Sessions of the
// same camera advance independently and never wait on the upstream.
type Session struct {
	ID       string
	Camera   CameraID
	Delay    time.Duration
	OpenedAt time.Time

	cache *FrameCache
	clock Clock

	mu       sync.Mutex
	cursor   uint64
	lastEmit time.Time
	served   uint64
	closed   bool
}

func newSession(camera CameraID, delay time.Duration, cache *FrameCache, clock Clock) *Session {
	return &Session{
		ID:       uuid.NewString(),
		Camera:   camera,
		Delay:    delay,
		OpenedAt: clock.Now(),
		cache:    cache,
		clock:    clock,
	}
}

// next reads the frame due at the session's delay and advances the cursor.
func (s *Session) next() (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Frame{}, ErrStreamClosed
	}
	f, err := s.cache.ReadAtDelay(s.cursor, s.Delay)
	if err != nil {
		return Frame{}, err
	}
	s.cursor = f.Sequence
	s.lastEmit = s.clock.Now()
	s.served++
	return f, nil
}

// close marks the session closed and reports whether it was open.
func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// Cursor returns the sequence number of the last frame served.
func (s *Session) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// LastEmit returns when the last frame was served.
func (s *Session) LastEmit() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEmit
}

// Served returns how many frames the session has returned.
func (s *Session) Served() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FrameHandler receives the output of a streaming session.
type FrameHandler interface {
	// HandleFrame delivers a frame to the viewer.
	HandleFrame(f Frame) error
	// HandleStale is called instead when the stream is stale, so the viewer
	// can be shown a placeholder.
	HandleStale() error
}

// Stream polls s once per interval and forwards the result to h until ctx
// ends, h fails or the camera closes. It returns ErrStreamClosed in the
// last case. The session is not closed by Stream unless the camera closed.
func (r *MediaRelay) Stream(ctx context.Context, s *Session, interval time.Duration, h FrameHandler) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		f, err := r.NextFrame(s)
		switch {
		case err == nil:
			if err := h.HandleFrame(f); err != nil {
				return err
			}
		case errors.Is(err, ErrStreamStale):
			if err := h.HandleStale(); err != nil {
				return err
			}
		case errors.Is(err, ErrNoNewFrame):
		default:
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitFrame polls s until a frame is available or ctx ends. Staleness is
// treated like a missing frame. A push to the camera's cache triggers an
// immediate re-poll; otherwise the session is polled every poll interval.
func (r *MediaRelay) WaitFrame(ctx context.Context, s *Session, poll time.Duration) (Frame, error) {
	for {
		updated := s.cache.Updated()
		f, err := r.NextFrame(s)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, ErrNoNewFrame) && !errors.Is(err, ErrStreamStale) {
			return Frame{}, err
		}

		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return Frame{}, ctx.Err()
		case <-updated:
		case <-t.C:
		}
		t.Stop()
	}
}
