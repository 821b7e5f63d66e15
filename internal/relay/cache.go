package relay

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultRetention is how long frames are kept when no retention is configured.
	DefaultRetention = 15 * time.Second

	// DefaultMaxFrames bounds the cache under sustained high frame rates.
	DefaultMaxFrames = 600
)

// CacheConfig bounds a FrameCache by age and by count; whichever limit is
// reached first evicts.
type CacheConfig struct {
	Retention time.Duration
	MaxFrames int
}

// CacheStats summarises the contents of a FrameCache.
type CacheStats struct {
	Frames         int     `json:"frames"`
	Pushed         uint64  `json:"pushed"`
	Evicted        uint64  `json:"evicted"`
	LatestSequence uint64  `json:"latest_sequence"`
	OldestAge      Seconds `json:"oldest_age"`
	NewestAge      Seconds `json:"newest_age"`
	Closed         bool    `json:"closed"`
}

// FrameCache is a bounded, time-windowed ring of recent frames for one camera.
// It has a single writer (the camera's Source) and any number of readers.
// Readers hold plain sequence-number cursors, never references into the ring,
// so eviction can run concurrently with reads.
type FrameCache struct {
	cfg     CacheConfig
	clock   Clock
	created time.Time

	mu      sync.RWMutex
	ring    []Frame
	head    int // index of the oldest frame
	size    int
	pushed  uint64
	evicted uint64
	latest  uint64
	closed  bool
	updated chan struct{}
}

// NewFrameCache returns an empty cache. Zero values in cfg fall back to
// DefaultRetention and DefaultMaxFrames; a nil clock uses SystemClock.
func NewFrameCache(cfg CacheConfig, clock Clock) *FrameCache {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = DefaultMaxFrames
	}
	if clock == nil {
		clock = SystemClock
	}
	return &FrameCache{
		cfg:     cfg,
		clock:   clock,
		created: clock.Now(),
		ring:    make([]Frame, cfg.MaxFrames),
		updated: make(chan struct{}),
	}
}

// Retention returns the configured time window.
func (c *FrameCache) Retention() time.Duration {
	return c.cfg.Retention
}

// Push appends f and evicts everything older than the retention window,
// measured from f's arrival time. Frames whose sequence does not advance past
// the latest stored one are ignored. Readers blocked on Updated are woken.
func (c *FrameCache) Push(f Frame) {
	c.mu.Lock()
	if c.closed || (c.pushed > 0 && f.Sequence <= c.latest) {
		c.mu.Unlock()
		return
	}

	// Keep arrival times non-decreasing so the ring stays binary-searchable.
	if c.size > 0 {
		if newest := c.at(c.size - 1); f.ReceivedAt.Before(newest.ReceivedAt) {
			f.ReceivedAt = newest.ReceivedAt
		}
	}

	if c.size == len(c.ring) {
		c.dropOldestLocked()
	}
	c.ring[(c.head+c.size)%len(c.ring)] = f
	c.size++
	c.pushed++
	c.latest = f.Sequence

	cutoff := f.ReceivedAt.Add(-c.cfg.Retention)
	for c.size > 0 && c.at(0).ReceivedAt.Before(cutoff) {
		c.dropOldestLocked()
	}

	ch := c.updated
	c.updated = make(chan struct{})
	c.mu.Unlock()

	close(ch)
}

// ReadFrom returns the oldest live frame with a sequence greater than cursor.
// The boolean is false when no such frame is available yet.
func (c *FrameCache) ReadFrom(cursor uint64) (Frame, bool) {
	now := c.clock.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	live := c.firstLiveLocked(now)
	i := live + sort.Search(c.size-live, func(i int) bool {
		return c.at(live+i).Sequence > cursor
	})
	if i >= c.size {
		return Frame{}, false
	}
	return *c.at(i), true
}

// ReadAtDelay returns the newest frame that arrived at least delay ago,
// provided its sequence is past cursor.
//
// It returns ErrNoNewFrame when that frame has already been served (or none
// has aged enough yet), ErrStreamStale when the frame that should be playing
// has been evicted or is more than one retention window older than the
// playhead, and ErrStreamClosed once the cache is closed.
func (c *FrameCache) ReadAtDelay(cursor uint64, delay time.Duration) (Frame, error) {
	now := c.clock.Now()
	playhead := now.Add(-delay)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return Frame{}, ErrStreamClosed
	}

	due := sort.Search(c.size, func(i int) bool {
		return c.at(i).ReceivedAt.After(playhead)
	})
	if due > 0 {
		f := *c.at(due - 1)
		if playhead.Sub(f.ReceivedAt) > c.cfg.Retention {
			// Upstream has been silent for longer than the window.
			return Frame{}, ErrStreamStale
		}
		if f.Sequence > cursor {
			return f, nil
		}
		return Frame{}, ErrNoNewFrame
	}

	if c.pushed == 0 {
		// Upstream never delivered anything; give it one window to warm up.
		if now.Sub(c.created) > c.cfg.Retention {
			return Frame{}, ErrStreamStale
		}
		return Frame{}, ErrNoNewFrame
	}
	if c.evicted > 0 {
		return Frame{}, ErrStreamStale
	}
	return Frame{}, ErrNoNewFrame
}

// LatestSequence returns the sequence of the most recently pushed frame, or 0.
func (c *FrameCache) LatestSequence() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// Updated returns a channel that is closed on the next Push or on Close.
func (c *FrameCache) Updated() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updated
}

// Close drops all frames and makes every subsequent read report
// ErrStreamClosed. It is safe to call more than once.
func (c *FrameCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for c.size > 0 {
		c.dropOldestLocked()
	}
	close(c.updated)
}

// Stats returns a snapshot of the cache counters.
func (c *FrameCache) Stats() CacheStats {
	now := c.clock.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	st := CacheStats{
		Frames:         c.size,
		Pushed:         c.pushed,
		Evicted:        c.evicted,
		LatestSequence: c.latest,
		Closed:         c.closed,
	}
	if c.size > 0 {
		st.OldestAge = Seconds(now.Sub(c.at(0).ReceivedAt))
		st.NewestAge = Seconds(now.Sub(c.at(c.size - 1).ReceivedAt))
	}
	return st
}

// at returns the i-th oldest frame. Caller must hold c.mu.
func (c *FrameCache) at(i int) *Frame {
	return &c.ring[(c.head+i)%len(c.ring)]
}

// firstLiveLocked returns the index of the oldest frame still inside the
// retention window at now. Caller must hold c.mu.
func (c *FrameCache) firstLiveLocked(now time.Time) int {
	cutoff := now.Add(-c.cfg.Retention)
	return sort.Search(c.size, func(i int) bool {
		return !c.at(i).ReceivedAt.Before(cutoff)
	})
}

// dropOldestLocked evicts the oldest frame. Caller must hold c.mu in write mode.
func (c *FrameCache) dropOldestLocked() {
	c.ring[c.head] = Frame{}
	c.head = (c.head + 1) % len(c.ring)
	c.size--
	c.evicted++
}
