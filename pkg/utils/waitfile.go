package utils

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PathExists reports whether the given path exists.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WaitForPath blocks until path exists, ctx is cancelled, or maxWait elapses
// (maxWait <= 0 means no limit). A watcher on the parent directory provides a
// fast wake-up; the poll ticker remains the contractual completion check, so
// the wait works even when events are lost or the directory is on a remote
// filesystem.
func WaitForPath(ctx context.Context, path string, interval time.Duration, maxWait time.Duration) error {
	if PathExists(path) {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}

	var deadline <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	var events chan struct{}
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			// The send never blocks: one buffered wake-up is enough, and
			// closing the watcher ends the loop once this call returns.
			events = make(chan struct{}, 1)
			go func() {
				for range watcher.Events {
					select {
					case events <- struct{}{}:
					default:
					}
				}
			}()
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return context.DeadlineExceeded
		case <-events:
			if PathExists(path) {
				return nil
			}
		case <-ticker.C:
			if PathExists(path) {
				return nil
			}
		}
	}
}
