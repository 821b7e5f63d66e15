package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"mjpeg-relay/internal/platform/metrics"
)

// SourceState is the upstream connection state of a Source.
type SourceState int

const (
	StateConnecting SourceState = iota
	StateStreaming
	StateBackoff
	StateClosed
)

func (s SourceState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SourceState(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON status output.
func (s SourceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Dialer opens the upstream byte stream for one camera.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadCloser, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (io.ReadCloser, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (io.ReadCloser, error) { return f(ctx) }

// errUpstreamEnded is recorded when the camera closes the stream cleanly.
var errUpstreamEnded = errors.New("upstream closed the stream")

// SourceStatus is a snapshot of a Source for monitoring.
type SourceStatus struct {
	State           SourceState `json:"state"`
	Attempt         int         `json:"attempt"`
	NextRetry       time.Time   `json:"next_retry,omitzero"`
	LastError       string      `json:"last_error,omitempty"`
	FramesReceived  uint64      `json:"frames_received"`
	FramesDiscarded uint64      `json:"frames_discarded"`
	UpstreamErrors  uint64      `json:"upstream_errors"`
	Reconnects      uint64      `json:"reconnects"`
}

// Source owns the upstream connection of one camera. It cycles through
// Connecting, Streaming and Backoff until closed, pushing every complete
// frame into its FrameCache. Viewers never wait on a Source; they only see
// its effect through the cache.
type Source struct {
	camera  CameraID
	dialer  Dialer
	cache   *FrameCache
	backoff BackoffConfig
	clock   Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	rnd     func() float64

	mu     sync.Mutex
	status SourceStatus
	seq    uint64
	body   io.ReadCloser

	closeOnce sync.Once
	done      chan struct{}
}

// NewSource returns a Source in the Connecting state. It does nothing until Run.
func NewSource(camera CameraID, dialer Dialer, cache *FrameCache, backoff BackoffConfig, clock Clock, log *slog.Logger, m *metrics.Metrics) *Source {
	if clock == nil {
		clock = SystemClock
	}
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		camera:  camera,
		dialer:  dialer,
		cache:   cache,
		backoff: backoff.withDefaults(),
		clock:   clock,
		log:     log.With("component", "source", "camera", string(camera)),
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Run drives the state machine until ctx is cancelled or Close is called.
// On return the Source is Closed and its cache reports ErrStreamClosed.
func (s *Source) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.log.Info("source started")
	for s.step(ctx) != StateClosed {
	}
	s.Close()
	s.log.Info("source stopped")
	return nil
}

// step performs the work of the current state and returns the next one.
func (s *Source) step(ctx context.Context) SourceState {
	if ctx.Err() != nil {
		return s.setState(StateClosed)
	}

	switch s.State() {
	case StateConnecting:
		body, err := s.dialer.Dial(ctx)
		if err != nil {
			return s.fail(ctx, fmt.Errorf("connect: %w", err))
		}
		s.mu.Lock()
		if s.status.State == StateClosed {
			s.mu.Unlock()
			body.Close()
			return StateClosed
		}
		s.body = body
		s.mu.Unlock()
		s.log.Info("connected to upstream")
		return s.setState(StateStreaming)

	case StateStreaming:
		s.mu.Lock()
		body := s.body
		s.body = nil
		s.mu.Unlock()
		if body == nil {
			return s.setState(StateConnecting)
		}
		err := s.stream(ctx, body)
		return s.fail(ctx, err)

	case StateBackoff:
		s.mu.Lock()
		wait := s.status.NextRetry.Sub(s.clock.Now())
		s.mu.Unlock()
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return s.setState(StateClosed)
			}
		}
		s.mu.Lock()
		s.status.Reconnects++
		s.mu.Unlock()
		return s.setState(StateConnecting)

	default:
		return StateClosed
	}
}

// stream reads frames from body until it fails. The body is closed on return.
func (s *Source) stream(ctx context.Context, body io.ReadCloser) error {
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer func() {
		stop()
		body.Close()
	}()

	sc := NewScanner(body)
	reported := 0
	for {
		data, err := sc.Next()
		if d := sc.Discarded(); d > reported {
			s.discard(d - reported)
			reported = d
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errUpstreamEnded
			}
			return fmt.Errorf("read: %w", err)
		}
		s.push(data)
	}
}

func (s *Source) push(data []byte) {
	now := s.clock.Now()

	s.mu.Lock()
	s.seq++
	f := Frame{Camera: s.camera, Sequence: s.seq, ReceivedAt: now, Data: data}
	s.status.FramesReceived++
	if s.status.Attempt > 0 {
		// A delivered frame proves the connection healthy again.
		s.status.Attempt = 0
		s.status.NextRetry = time.Time{}
	}
	received := s.status.FramesReceived
	s.mu.Unlock()

	s.cache.Push(f)
	s.metrics.IncFramesReceived(string(s.camera))
	if received%100 == 0 {
		s.log.Debug("frames received", "received", received, "sequence", f.Sequence)
	}
}

func (s *Source) discard(n int) {
	s.mu.Lock()
	s.status.FramesDiscarded += uint64(n)
	s.mu.Unlock()
	s.metrics.AddFramesDiscarded(string(s.camera), n)
}

// fail moves to Backoff after an upstream error, or to Closed if ctx ended.
func (s *Source) fail(ctx context.Context, err error) SourceState {
	if ctx.Err() != nil {
		return s.setState(StateClosed)
	}

	s.mu.Lock()
	s.status.Attempt++
	s.status.UpstreamErrors++
	s.status.LastError = err.Error()
	delay := s.backoff.Delay(s.status.Attempt, s.rnd)
	s.status.NextRetry = s.clock.Now().Add(delay)
	attempt := s.status.Attempt
	s.mu.Unlock()

	s.metrics.IncUpstreamErrors(string(s.camera))
	s.log.Warn("upstream failed, backing off",
		slog.String("error", err.Error()),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))
	return s.setState(StateBackoff)
}

func (s *Source) setState(st SourceState) SourceState {
	s.mu.Lock()
	if s.status.State != StateClosed {
		s.status.State = st
	}
	st = s.status.State
	s.mu.Unlock()
	s.metrics.SetSourceState(string(s.camera), int(st))
	return st
}

// State returns the current state.
func (s *Source) State() SourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.State
}

// Status returns a snapshot of the source counters and state.
func (s *Source) Status() SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Close stops the source and closes its cache so that viewers observe
// ErrStreamClosed. A pending dial or read is interrupted. Safe to call
// repeatedly and before Run.
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.setState(StateClosed)
		s.mu.Lock()
		body := s.body
		s.body = nil
		s.mu.Unlock()
		if body != nil {
			body.Close()
		}
		s.cache.Close()
	})
}

// Done is closed once Close has been called.
func (s *Source) Done() <-chan struct{} {
	return s.done
}
