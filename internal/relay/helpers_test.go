package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a Clock the test moves by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to epoch+d.
func (c *fakeClock) Set(d time.Duration) {
	c.mu.Lock()
	c.now = epoch.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sec(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// jpegBytes returns a minimal SOI..EOI byte string whose payload identifies n.
func jpegBytes(n byte) []byte {
	return []byte{0xFF, 0xD8, 0x01, n, 0x02, n, 0xFF, 0xD9}
}

func testFrame(seq uint64, at time.Duration) Frame {
	return Frame{Camera: "fish", Sequence: seq, ReceivedAt: epoch.Add(at), Data: jpegBytes(byte(seq))}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeDialer hands out scripted results, then blocks until ctx ends.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
}

type dialResult struct {
	body io.ReadCloser
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context) (io.ReadCloser, error) {
	d.mu.Lock()
	d.calls++
	if len(d.results) > 0 {
		res := d.results[0]
		d.results = d.results[1:]
		d.mu.Unlock()
		return res.body, res.err
	}
	d.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

var errRefused = errors.New("connection refused")

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
