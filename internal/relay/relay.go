package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mjpeg-relay/internal/platform/metrics"
)

// DefaultDelay is the viewer presentation delay used when a camera sets none.
const DefaultDelay = 2 * time.Second

var (
	// ErrUnknownCamera is returned when no camera is configured for an id.
	ErrUnknownCamera = errors.New("unknown camera")

	// ErrInvalidDelay is returned for a negative delay or one longer than the
	// camera's retention window.
	ErrInvalidDelay = errors.New("invalid delay")

	// ErrTooManyViewers is returned when a camera's viewer limit is reached.
	ErrTooManyViewers = errors.New("too many viewers")

	// ErrNoNewFrame means no unseen frame is old enough to serve yet.
	// Callers should wait and poll again.
	ErrNoNewFrame = errors.New("no new frame")

	// ErrStreamStale means the frame due for playback was evicted because the
	// upstream has been silent too long. The session stays usable.
	ErrStreamStale = errors.New("stream stale")

	// ErrStreamClosed means the camera was shut down; the session is over.
	ErrStreamClosed = errors.New("stream closed")

	// ErrCameraExists is returned when adding a camera id twice.
	ErrCameraExists = errors.New("camera already exists")

	// ErrRelayClosed is returned once the relay has stopped running.
	ErrRelayClosed = errors.New("relay closed")
)

// Options configures a MediaRelay.
type Options struct {
	Backoff        BackoffConfig
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// EagerStart connects every camera as soon as the relay runs. Otherwise
	// a camera connects when its first viewer opens a session.
	EagerStart bool

	// Clock defaults to SystemClock.
	Clock Clock

	// NewDialer builds the upstream dialer for a camera. Nil uses an
	// HTTPDialer with ConnectTimeout and ReadTimeout.
	NewDialer func(cfg CameraConfig) Dialer
}

// MediaRelay binds each camera to its Source and FrameCache and hands out
// viewer Sessions reading from those caches.
type MediaRelay struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	store   cameraStore
	group   *errgroup.Group
	ctx     context.Context
	running bool
	closed  bool
}

// NewMediaRelay returns a relay with no cameras. Metrics may be nil.
func NewMediaRelay(opts Options, log *slog.Logger, m *metrics.Metrics) *MediaRelay {
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	opts.Backoff = opts.Backoff.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &MediaRelay{
		opts:    opts,
		log:     log.With("component", "relay"),
		metrics: m,
		store:   newMemoryStore(),
	}
}

// withDefaults fills unset policy fields.
func (c CameraConfig) withDefaults() CameraConfig {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = DefaultMaxFrames
	}
	if c.DefaultDelay == 0 {
		c.DefaultDelay = min(DefaultDelay, c.Retention)
	}
	return c
}

// Validate reports whether c can be served.
func (c CameraConfig) Validate() error {
	if c.ID == "" {
		return errors.New("camera id is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("camera %s: invalid url %q", c.ID, c.URL)
	}
	if c.DefaultDelay < 0 || (c.Retention > 0 && c.DefaultDelay > c.Retention) {
		return fmt.Errorf("camera %s: %w: default delay %s exceeds retention %s",
			c.ID, ErrInvalidDelay, c.DefaultDelay, c.Retention)
	}
	if c.MaxViewers < 0 {
		return fmt.Errorf("camera %s: max viewers must not be negative", c.ID)
	}
	return nil
}

func (r *MediaRelay) dialer(cfg CameraConfig) Dialer {
	if r.opts.NewDialer != nil {
		return r.opts.NewDialer(cfg)
	}
	return NewHTTPDialer(cfg.URL, r.opts.ConnectTimeout, r.opts.ReadTimeout)
}

// AddCamera registers a camera. With EagerStart and a running relay its
// source connects immediately.
func (r *MediaRelay) AddCamera(cfg CameraConfig) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRelayClosed
	}
	if _, exists := r.store.GetCamera(cfg.ID); exists {
		return fmt.Errorf("%w: %s", ErrCameraExists, cfg.ID)
	}

	cache := NewFrameCache(CacheConfig{Retention: cfg.Retention, MaxFrames: cfg.MaxFrames}, r.opts.Clock)
	cam := &camera{
		cfg:      cfg,
		cache:    cache,
		source:   NewSource(cfg.ID, r.dialer(cfg), cache, r.opts.Backoff, r.opts.Clock, r.log, r.metrics),
		sessions: make(map[string]*Session),
	}
	r.store.SetCamera(cam)
	if r.opts.EagerStart {
		r.startLocked(cam)
	}

	r.log.Info("camera added",
		slog.String("camera", string(cfg.ID)),
		slog.String("url", cfg.URL),
		slog.Duration("retention", cfg.Retention),
		slog.Duration("default_delay", cfg.DefaultDelay))
	return nil
}

// RemoveCamera closes a camera's source. Its open sessions observe
// ErrStreamClosed on their next poll.
func (r *MediaRelay) RemoveCamera(id CameraID) error {
	r.mu.Lock()
	cam, ok := r.store.GetCamera(id)
	if !ok {
		r.mu.Unlock()
		return ErrUnknownCamera
	}
	r.store.DeleteCamera(id)
	r.mu.Unlock()

	cam.source.Close()
	r.metrics.ForgetCamera(string(id))
	r.log.Info("camera removed", slog.String("camera", string(id)))
	return nil
}

// Reconcile makes the camera set match cfgs: unknown ids are added, missing
// ids removed and changed ids restarted. Cameras whose config is unchanged
// keep their cache and sessions.
func (r *MediaRelay) Reconcile(cfgs []CameraConfig) error {
	want := make(map[CameraID]CameraConfig, len(cfgs))
	for _, cfg := range cfgs {
		cfg = cfg.withDefaults()
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, dup := want[cfg.ID]; dup {
			return fmt.Errorf("%w: %s", ErrCameraExists, cfg.ID)
		}
		want[cfg.ID] = cfg
	}

	r.mu.RLock()
	have := make(map[CameraID]CameraConfig)
	for _, id := range r.store.ListCameraIDs() {
		cam, _ := r.store.GetCamera(id)
		have[id] = cam.cfg
	}
	r.mu.RUnlock()

	var errs []error
	for id, cfg := range have {
		if next, ok := want[id]; !ok || next != cfg {
			if err := r.RemoveCamera(id); err != nil && !errors.Is(err, ErrUnknownCamera) {
				errs = append(errs, err)
			}
		}
	}
	for id, cfg := range want {
		if prev, ok := have[id]; ok && prev == cfg {
			continue
		}
		if err := r.AddCamera(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run starts the relay's source workers and blocks until ctx is cancelled,
// then closes every camera and waits for the workers to exit.
func (r *MediaRelay) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.closed || r.running {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	g, gctx := errgroup.WithContext(ctx)
	r.group, r.ctx, r.running = g, gctx, true
	for _, id := range r.store.ListCameraIDs() {
		cam, _ := r.store.GetCamera(id)
		if r.opts.EagerStart || len(cam.sessions) > 0 {
			r.startLocked(cam)
		}
	}
	r.mu.Unlock()

	r.log.Info("relay running", slog.Bool("eager_start", r.opts.EagerStart))
	<-gctx.Done()

	r.mu.Lock()
	r.running = false
	r.closed = true
	for _, id := range r.store.ListCameraIDs() {
		cam, _ := r.store.GetCamera(id)
		cam.source.Close()
	}
	r.mu.Unlock()

	err := g.Wait()
	r.log.Info("relay stopped")
	return err
}

// startLocked launches cam's source worker once. Caller must hold r.mu.
func (r *MediaRelay) startLocked(cam *camera) {
	if cam.started || !r.running {
		return
	}
	cam.started = true
	ctx, src := r.ctx, cam.source
	r.group.Go(func() error {
		return src.Run(ctx)
	})
}

// OpenSession creates a viewer session on camera id that plays frames delay
// behind real time. In lazy mode the camera's source is started here.
func (r *MediaRelay) OpenSession(id CameraID, delay time.Duration) (*Session, error) {
	if delay < 0 {
		return nil, fmt.Errorf("%w: %s is negative", ErrInvalidDelay, delay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRelayClosed
	}
	cam, ok := r.store.GetCamera(id)
	if !ok {
		return nil, ErrUnknownCamera
	}
	if retention := cam.cache.Retention(); delay > retention {
		return nil, fmt.Errorf("%w: %s exceeds retention %s", ErrInvalidDelay, delay, retention)
	}
	if cam.cfg.MaxViewers > 0 && len(cam.sessions) >= cam.cfg.MaxViewers {
		return nil, ErrTooManyViewers
	}

	s := newSession(id, delay, cam.cache, r.opts.Clock)
	cam.sessions[s.ID] = s
	r.startLocked(cam)

	r.metrics.SetActiveViewers(string(id), len(cam.sessions))
	r.log.Info("session opened",
		slog.String("camera", string(id)),
		slog.String("session", s.ID),
		slog.Duration("delay", delay),
		slog.Int("viewers", len(cam.sessions)))
	return s, nil
}

// NextFrame returns the next frame for s, or one of ErrNoNewFrame,
// ErrStreamStale or ErrStreamClosed. A closed stream also closes s.
func (r *MediaRelay) NextFrame(s *Session) (Frame, error) {
	f, err := s.next()
	switch {
	case err == nil:
		r.metrics.IncFramesServed(string(s.Camera))
	case errors.Is(err, ErrStreamStale):
		r.metrics.IncStalePolls(string(s.Camera))
	case errors.Is(err, ErrStreamClosed):
		r.CloseSession(s)
	}
	return f, err
}

// CloseSession releases s. Calling it more than once is harmless.
func (r *MediaRelay) CloseSession(s *Session) {
	if !s.close() {
		return
	}

	r.mu.Lock()
	viewers := -1
	if cam, ok := r.store.GetCamera(s.Camera); ok && cam.sessions[s.ID] == s {
		delete(cam.sessions, s.ID)
		viewers = len(cam.sessions)
	}
	r.mu.Unlock()

	if viewers >= 0 {
		r.metrics.SetActiveViewers(string(s.Camera), viewers)
	}
	r.log.Info("session closed",
		slog.String("camera", string(s.Camera)),
		slog.String("session", s.ID),
		slog.Uint64("served", s.Served()))
}

// Camera returns the effective configuration of camera id.
func (r *MediaRelay) Camera(id CameraID) (CameraConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cam, ok := r.store.GetCamera(id)
	if !ok {
		return CameraConfig{}, false
	}
	return cam.cfg, true
}

// CameraCount returns the number of configured cameras.
func (r *MediaRelay) CameraCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store.ListCameraIDs())
}

// CameraStatus returns the status of camera id.
func (r *MediaRelay) CameraStatus(id CameraID) (CameraStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cam, ok := r.store.GetCamera(id)
	if !ok {
		return CameraStatus{}, false
	}
	return statusOf(cam), true
}

// Status returns the status of every camera, ordered by id.
func (r *MediaRelay) Status() []CameraStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.store.ListCameraIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]CameraStatus, 0, len(ids))
	for _, id := range ids {
		cam, _ := r.store.GetCamera(id)
		out = append(out, statusOf(cam))
	}
	return out
}

// UpdateGauges refreshes per-camera gauges; called before a metrics scrape.
func (r *MediaRelay) UpdateGauges() {
	for _, st := range r.Status() {
		r.metrics.SetCachedFrames(string(st.ID), st.Cache.Frames)
		r.metrics.SetActiveViewers(string(st.ID), st.Viewers)
		r.metrics.SetSourceState(string(st.ID), int(st.Source.State))
	}
}

func statusOf(cam *camera) CameraStatus {
	return CameraStatus{
		ID:           cam.cfg.ID,
		URL:          cam.cfg.URL,
		Source:       cam.source.Status(),
		Cache:        cam.cache.Stats(),
		Viewers:      len(cam.sessions),
		MaxViewers:   cam.cfg.MaxViewers,
		Retention:    Seconds(cam.cfg.Retention),
		DefaultDelay: Seconds(cam.cfg.DefaultDelay),
	}
}
