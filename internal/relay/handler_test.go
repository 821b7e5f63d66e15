package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

func newTestHandler(t *testing.T, cfg HandlerConfig) (*Handler, *MediaRelay, *FrameCache) {
	t.Helper()
	r := newTestRelay(t, SystemClock, &fakeDialer{})
	cache := addTestCamera(t, r, CameraConfig{ID: "fish", Retention: 10 * time.Second, MaxViewers: 2})
	if cfg.OutputFPS == 0 {
		cfg.OutputFPS = 200
	}
	return NewHandler(r, testLogger(), cfg), r, cache
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Get("/cameras", h.ListCameras)
	r.Route("/cameras/{camera_id}", func(r chi.Router) {
		r.Get("/", h.GetCamera)
		r.Get("/stream.mjpg", h.StreamMJPEG)
		r.Get("/ws", h.StreamWebSocket)
		r.Get("/snapshot.jpg", h.Snapshot)
	})
	return r
}

func liveFrame(seq uint64) Frame {
	return Frame{Camera: "fish", Sequence: seq, ReceivedAt: time.Now(), Data: jpegBytes(byte(seq))}
}

func TestHandler_Health(t *testing.T) {
	h, _, _ := newTestHandler(t, HandlerConfig{})
	rec := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Cameras int    `json:"cameras"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Cameras != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestHandler_ListCameras(t *testing.T) {
	h, _, _ := newTestHandler(t, HandlerConfig{})
	rec := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cameras", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var cams []struct {
		ID     string `json:"id"`
		Source struct {
			State string `json:"state"`
		} `json:"source"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&cams); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cams) != 1 || cams[0].ID != "fish" || cams[0].Source.State != "connecting" {
		t.Errorf("cameras = %+v", cams)
	}
}

func TestHandler_GetCamera(t *testing.T) {
	h, _, _ := newTestHandler(t, HandlerConfig{})
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cameras/fish", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var status struct {
		Retention    float64 `json:"retention"`
		DefaultDelay float64 `json:"default_delay"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Retention != 10 || status.DefaultDelay != 2 {
		t.Errorf("retention=%v default_delay=%v, want durations in seconds", status.Retention, status.DefaultDelay)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cameras/plants", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_session_errors(t *testing.T) {
	h, rel, _ := newTestHandler(t, HandlerConfig{})
	r := newTestRouter(h)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown camera", "/cameras/plants/stream.mjpg", http.StatusNotFound},
		{"unparsable delay", "/cameras/fish/stream.mjpg?delay=soon", http.StatusBadRequest},
		{"negative delay", "/cameras/fish/snapshot.jpg?delay=-1s", http.StatusBadRequest},
		{"delay beyond retention", "/cameras/fish/stream.mjpg?delay=30", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}

	// Fill the two viewer slots.
	for i := 0; i < 2; i++ {
		if _, err := rel.OpenSession("fish", 0); err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cameras/fish/snapshot.jpg", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("over viewer limit: expected 503, got %d", rec.Code)
	}
}

func TestHandler_Snapshot(t *testing.T) {
	h, rel, cache := newTestHandler(t, HandlerConfig{})
	cache.Push(liveFrame(1))

	rec := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cameras/fish/snapshot.jpg?delay=0", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), jpegBytes(1)) {
		t.Errorf("body = %x", rec.Body.Bytes())
	}
	if st, _ := rel.CameraStatus("fish"); st.Viewers != 0 {
		t.Errorf("snapshot session not closed: viewers=%d", st.Viewers)
	}
}

func TestHandler_Snapshot_no_frame(t *testing.T) {
	h, _, _ := newTestHandler(t, HandlerConfig{WarmupTimeout: 30 * time.Millisecond})

	rec := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cameras/fish/snapshot.jpg", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestHandler_StreamMJPEG(t *testing.T) {
	h, rel, cache := newTestHandler(t, HandlerConfig{})
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	cache.Push(liveFrame(1))

	resp, err := http.Get(srv.URL + "/cameras/fish/stream.mjpg?delay=0")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] != Boundary {
		t.Fatalf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	if cc := resp.Header.Get("Cache-Control"); !strings.Contains(cc, "no-cache") {
		t.Errorf("Cache-Control = %q", cc)
	}

	mr := multipart.NewReader(resp.Body, Boundary)
	readPart := func(want []byte) {
		t.Helper()
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		got, _ := io.ReadAll(part)
		if !bytes.Equal(got, want) {
			t.Fatalf("part = %x, want %x", got, want)
		}
	}
	readPart(jpegBytes(1))

	cache.Push(liveFrame(2))
	readPart(jpegBytes(2))

	// Removing the camera ends the response.
	rel.RemoveCamera("fish")
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		t.Errorf("draining body: %v", err)
	}
}

func TestHandler_StreamWebSocket(t *testing.T) {
	h, rel, cache := newTestHandler(t, HandlerConfig{})
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	cache.Push(liveFrame(1))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/cameras/fish/ws?delay=0"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if kind != websocket.BinaryMessage || !bytes.Equal(data, jpegBytes(1)) {
		t.Errorf("message kind=%d data=%x", kind, data)
	}

	rel.RemoveCamera("fish")
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}
}

func TestParseDelay(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"2s", 2 * time.Second, false},
		{"1500ms", 1500 * time.Millisecond, false},
		{"1.5", 1500 * time.Millisecond, false},
		{"0", 0, false},
		{"later", 0, true},
	}
	for _, tt := range tests {
		got, err := parseDelay(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseDelay(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestViewerOutput_throttles_placeholder(t *testing.T) {
	var writes [][]byte
	out := &viewerOutput{write: func(b []byte) error {
		writes = append(writes, b)
		return nil
	}}

	out.HandleStale()
	out.HandleStale()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want one placeholder", len(writes))
	}
	if !bytes.Equal(writes[0], Placeholder()) {
		t.Error("expected placeholder image")
	}

	out.HandleFrame(Frame{Data: jpegBytes(1)})
	out.HandleStale()
	if len(writes) != 3 {
		t.Errorf("writes = %d, a frame should reset the placeholder throttle", len(writes))
	}
}
