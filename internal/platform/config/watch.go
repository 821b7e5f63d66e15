package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// WatchFile calls onChange after path is written, created or replaced, until
// ctx is cancelled. The parent directory is watched so editors that save by
// renaming a temp file are seen too. Bursts of events are coalesced.
func WatchFile(ctx context.Context, path string, log *slog.Logger, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return err
	}
	log.Info("watching file", slog.String("path", target))

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			onChange()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("file watch error", slog.String("path", target), slog.String("error", err.Error()))
		}
	}
}
