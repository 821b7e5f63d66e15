package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

const userAgent = "mjpeg-relay/1.0"

const (
	// DefaultConnectTimeout bounds dialing and waiting for response headers.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultReadTimeout is how long an established stream may stay silent.
	DefaultReadTimeout = 60 * time.Second
)

// ErrReadTimeout is returned by an upstream body that stayed silent for
// longer than the read timeout.
var ErrReadTimeout = errors.New("upstream read timeout")

// HTTPDialer opens a camera's MJPEG stream with a GET request.
type HTTPDialer struct {
	URL         string
	Client      *http.Client
	ReadTimeout time.Duration
}

// NewHTTPDialer returns a dialer for url. connectTimeout bounds TCP connect and
// the wait for response headers; readTimeout bounds each silent period while
// streaming.
func NewHTTPDialer(url string, connectTimeout, readTimeout time.Duration) *HTTPDialer {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: connectTimeout,
		MaxIdleConnsPerHost:   1,
	}
	return &HTTPDialer{
		URL:         url,
		Client:      &http.Client{Transport: transport},
		ReadTimeout: readTimeout,
	}
}

// Dial implements Dialer. A non-2xx response is an error.
func (d *HTTPDialer) Dial(ctx context.Context) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.Client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("upstream returned %s", resp.Status)
	}

	return newIdleTimeoutBody(resp.Body, d.ReadTimeout, cancel), nil
}

// idleTimeoutBody cancels the request when no read completes within timeout.
type idleTimeoutBody struct {
	body    io.ReadCloser
	timeout time.Duration
	cancel  context.CancelFunc
	timer   *time.Timer

	mu       sync.Mutex
	timedOut bool
}

func newIdleTimeoutBody(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutBody {
	b := &idleTimeoutBody{body: body, timeout: timeout, cancel: cancel}
	b.timer = time.AfterFunc(timeout, b.expire)
	return b
}

func (b *idleTimeoutBody) expire() {
	b.mu.Lock()
	b.timedOut = true
	b.mu.Unlock()
	b.cancel()
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.timer.Reset(b.timeout)
	}
	if err != nil {
		b.mu.Lock()
		timedOut := b.timedOut
		b.mu.Unlock()
		if timedOut {
			return n, ErrReadTimeout
		}
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	b.cancel()
	return b.body.Close()
}
