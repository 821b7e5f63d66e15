package relay

import (
	"strconv"
	"time"
)

// CameraID uniquely identifies an upstream camera (e.g. "fish", "plants").
type CameraID string

// Frame is a single JPEG image received from a camera.
// Data is passed through byte-for-byte and must not be modified once the
// frame has been pushed into a FrameCache.
type Frame struct {
	Camera     CameraID
	Sequence   uint64
	ReceivedAt time.Time
	Data       []byte
}

// Clock supplies wall-clock time to caches and sources.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the real wall clock.
var SystemClock Clock = systemClock{}

// CameraConfig describes one camera and the caching policy applied to it.
type CameraConfig struct {
	ID           CameraID
	URL          string
	Retention    time.Duration // how long frames stay in the cache
	MaxFrames    int           // hard cap on cached frames, whichever evicts first
	DefaultDelay time.Duration // delay used when a viewer does not ask for one
	MaxViewers   int           // 0 means unlimited
}

// CameraStatus is a point-in-time view of one camera for monitoring.
type CameraStatus struct {
	ID           CameraID      `json:"id"`
	URL          string        `json:"url"`
	Source       SourceStatus  `json:"source"`
	Cache        CacheStats    `json:"cache"`
	Viewers      int           `json:"viewers"`
	MaxViewers   int           `json:"max_viewers"`
	Retention    Seconds       `json:"retention"`
	DefaultDelay Seconds       `json:"default_delay"`
}

// Seconds is a duration that encodes to JSON as fractional seconds.
type Seconds time.Duration

// MarshalJSON implements json.Marshaler.
func (s Seconds) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, time.Duration(s).Seconds(), 'f', -1, 64), nil
}
