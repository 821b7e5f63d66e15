package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Camera is one camera entry from CAMERAS or CAMERAS_FILE. Zero policy
// fields mean "use the process-wide default".
type Camera struct {
	ID           string   `json:"id"`
	URL          string   `json:"url"`
	Retention    Duration `json:"retention,omitempty"`
	MaxFrames    int      `json:"max_frames,omitempty"`
	DefaultDelay Duration `json:"default_delay,omitempty"`
	MaxViewers   int      `json:"max_viewers,omitempty"`
}

// Duration decodes from a JSON string ("15s") or a number of seconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if bytes.HasPrefix(b, []byte(`"`)) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := parseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q", s)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// ParseCameraList parses the CAMERAS form "fish=http://host/0.mjpg,plants=http://host/1.mjpg".
func ParseCameraList(s string) ([]Camera, error) {
	var cams []Camera
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, url, ok := strings.Cut(entry, "=")
		id, url = strings.TrimSpace(id), strings.TrimSpace(url)
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("invalid camera entry %q: want id=url", entry)
		}
		cams = append(cams, Camera{ID: id, URL: url})
	}
	return cams, nil
}

// LoadCameraFile reads a JSON array of cameras from path.
func LoadCameraFile(path string) ([]Camera, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cams []Camera
	if err := json.Unmarshal(b, &cams); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, c := range cams {
		if c.ID == "" || c.URL == "" {
			return nil, fmt.Errorf("parse %s: camera %d needs id and url", path, i)
		}
	}
	return cams, nil
}
