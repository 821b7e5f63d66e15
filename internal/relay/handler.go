package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	// DefaultOutputFPS is the viewer output rate when none is configured.
	DefaultOutputFPS = 15

	// DefaultWarmupTimeout bounds how long a snapshot waits for a frame.
	DefaultWarmupTimeout = 15 * time.Second

	staleFrameEvery = time.Second
	wsWriteTimeout  = 10 * time.Second
	wsPingEvery     = 30 * time.Second
	wsPongTimeout   = 60 * time.Second
)

// HandlerConfig tunes the viewer-facing endpoints.
type HandlerConfig struct {
	OutputFPS     int
	WarmupTimeout time.Duration
}

// Handler exposes the relay over HTTP using go-chi.
type Handler struct {
	relay    *MediaRelay
	log      *slog.Logger
	interval time.Duration
	warmup   time.Duration
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler serving viewers of relay. Zero fields in cfg
// fall back to DefaultOutputFPS and DefaultWarmupTimeout.
func NewHandler(relay *MediaRelay, log *slog.Logger, cfg HandlerConfig) *Handler {
	if cfg.OutputFPS <= 0 {
		cfg.OutputFPS = DefaultOutputFPS
	}
	if cfg.WarmupTimeout <= 0 {
		cfg.WarmupTimeout = DefaultWarmupTimeout
	}
	return &Handler{
		relay:    relay,
		log:      log,
		interval: time.Second / time.Duration(cfg.OutputFPS),
		warmup:   cfg.WarmupTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"cameras": h.relay.CameraCount(),
	})
}

// ListCameras handles GET /cameras.
func (h *Handler) ListCameras(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.relay.Status())
}

// GetCamera handles GET /cameras/{camera_id}.
func (h *Handler) GetCamera(w http.ResponseWriter, r *http.Request) {
	id := CameraID(chi.URLParam(r, "camera_id"))
	st, ok := h.relay.CameraStatus(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// StreamMJPEG handles GET /cameras/{camera_id}/stream.mjpg[?delay=2s].
// It writes one multipart part per frame until the client goes away or the
// camera is removed.
func (h *Handler) StreamMJPEG(w http.ResponseWriter, r *http.Request) {
	s, ok := h.openSession(w, r)
	if !ok {
		return
	}
	defer h.relay.CloseSession(s)

	w.Header().Set("Content-Type", StreamContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	parts := NewPartWriter(w, func() error {
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	})

	out := &viewerOutput{write: parts.WritePart}
	err := h.relay.Stream(r.Context(), s, h.interval, out)
	h.logStreamEnd(s, "mjpeg", err)
}

// StreamWebSocket handles GET /cameras/{camera_id}/ws[?delay=2s]. Each frame
// is sent as one binary message.
func (h *Handler) StreamWebSocket(w http.ResponseWriter, r *http.Request) {
	s, ok := h.openSession(w, r)
	if !ok {
		return
	}
	defer h.relay.CloseSession(s)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Viewers send nothing meaningful; reading only tracks pongs and close.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	out := &viewerOutput{write: func(data []byte) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.BinaryMessage, data)
	}}
	err = h.relay.Stream(ctx, s, h.interval, out)
	if errors.Is(err, ErrStreamClosed) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "camera closed"),
			time.Now().Add(wsWriteTimeout))
	}
	h.logStreamEnd(s, "websocket", err)
}

// Snapshot handles GET /cameras/{camera_id}/snapshot.jpg[?delay=2s]. It waits
// up to the warm-up timeout for a frame.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	s, ok := h.openSession(w, r)
	if !ok {
		return
	}
	defer h.relay.CloseSession(s)

	ctx, cancel := context.WithTimeout(r.Context(), h.warmup)
	defer cancel()

	f, err := h.relay.WaitFrame(ctx, s, h.interval)
	if err != nil {
		h.log.Info("snapshot unavailable",
			slog.String("camera", string(s.Camera)),
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", jpegContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write(f.Data)
}

// openSession resolves the camera and delay of r and opens a session,
// replying with an error status when that is not possible.
func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	id := CameraID(chi.URLParam(r, "camera_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}

	cfg, ok := h.relay.Camera(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return nil, false
	}

	delay := cfg.DefaultDelay
	if raw := r.URL.Query().Get("delay"); raw != "" {
		d, err := parseDelay(raw)
		if err != nil {
			h.log.Debug("invalid delay parameter", slog.String("delay", raw), slog.String("error", err.Error()))
			w.WriteHeader(http.StatusBadRequest)
			return nil, false
		}
		delay = d
	}

	s, err := h.relay.OpenSession(id, delay)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownCamera):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, ErrInvalidDelay):
			h.log.Debug("session rejected", slog.String("camera", string(id)), slog.String("error", err.Error()))
			w.WriteHeader(http.StatusBadRequest)
		case errors.Is(err, ErrTooManyViewers), errors.Is(err, ErrRelayClosed):
			h.log.Info("session rejected", slog.String("camera", string(id)), slog.String("error", err.Error()))
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			h.log.Error("open session failed", slog.String("camera", string(id)), slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return nil, false
	}
	return s, true
}

func (h *Handler) logStreamEnd(s *Session, kind string, err error) {
	attrs := []any{
		slog.String("camera", string(s.Camera)),
		slog.String("session", s.ID),
		slog.String("transport", kind),
		slog.Uint64("served", s.Served()),
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		attrs = append(attrs, slog.String("reason", err.Error()))
	}
	h.log.Debug("viewer stream ended", attrs...)
}

// parseDelay accepts a Go duration ("1500ms") or plain seconds ("1.5").
func parseDelay(raw string) (time.Duration, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("delay %q is neither a duration nor seconds", raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// viewerOutput forwards frames to a viewer and, while the stream is stale,
// a placeholder image at most once per staleFrameEvery.
type viewerOutput struct {
	write     func([]byte) error
	lastStale time.Time
}

func (o *viewerOutput) HandleFrame(f Frame) error {
	o.lastStale = time.Time{}
	return o.write(f.Data)
}

func (o *viewerOutput) HandleStale() error {
	if !o.lastStale.IsZero() && time.Since(o.lastStale) < staleFrameEvery {
		return nil
	}
	o.lastStale = time.Now()
	return o.write(Placeholder())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
