// Package spool watches the daemon's crash-dump root and optional
// upload-archive directory for filesystem events, driving the Spool
// Scanner and Upload Watcher.
package spool

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Event is a decoded directory-level filesystem event forwarded from a
// Watcher to its consumer.
type Event struct {
	Name string
	Op   fsnotify.Op
}

// Watcher owns an fsnotify watch on one directory and forwards events onto
// a buffered channel. A dedicated goroutine reads the raw notification
// stream and a consumer elsewhere drains the channel — the same
// reader-goroutine-feeds-channel shape used throughout this daemon's event
// sources, so the event loop can select over all of them uniformly.
type Watcher struct {
	log     *zap.Logger
	watcher *fsnotify.Watcher
	events  chan Event
	dropped func()
}

// NewWatcher opens an fsnotify watch on dir. queueCap bounds the number of
// undelivered events buffered before new ones are dropped.
func NewWatcher(dir string, queueCap int, log *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("fsnotify.Add(%q): %w", dir, err)
	}
	return &Watcher{log: log, watcher: fw, events: make(chan Event, queueCap)}, nil
}

// Events returns the channel of decoded events. Run must be started for it
// to ever receive anything.
func (w *Watcher) Events() <-chan Event { return w.events }

// SetDropHook installs a callback invoked whenever an event is dropped
// because the queue was full, so a caller can wire a metrics counter
// without this package depending on internal/observability.
func (w *Watcher) SetDropHook(fn func()) { w.dropped = fn }

// Run forwards raw fsnotify events onto w.Events() until ctx is cancelled,
// then closes the channel and the underlying watch.
func (w *Watcher) Run(ctx context.Context) {
	go func() {
		defer close(w.events)
		defer w.watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				select {
				case w.events <- Event{Name: ev.Name, Op: ev.Op}:
				default:
					if w.dropped != nil {
						w.dropped()
					}
					w.log.Debug("spool watch queue full, dropping event", zap.String("name", ev.Name))
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}()
}
