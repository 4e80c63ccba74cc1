// Package eventloop runs a single cooperative loop that multiplexes the
// spool/upload watchers, the signal self-pipe, the report worker pool's
// fatal-report channel, and an optional idle-timeout timer. Startup and
// teardown follow a fixed, reversible sequence, grounded on the teacher's
// cmd/octoreflex/main.go numbered-step startup comment block and
// deferred-cleanup idiom.
package eventloop

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/abrtd/abrtd/internal/listener"
	"github.com/abrtd/abrtd/internal/reaper"
	"github.com/abrtd/abrtd/internal/reportworker"
	"github.com/abrtd/abrtd/internal/selfpipe"
	"github.com/abrtd/abrtd/internal/spool"
)

// Loop owns every long-lived resource started by Startup and torn down by
// Shutdown's reversible init/teardown sequence.
type Loop struct {
	Log *zap.Logger

	SpoolWatcher  *spool.Watcher
	SpoolScanner  *spool.Scanner
	UploadWatcher *spool.Watcher       // nil if uploads are disabled.
	UploadHandler *spool.UploadWatcher // nil if uploads are disabled.
	Listener      *listener.Listener
	SelfPipe      *selfpipe.Pipe
	Reaper        *reaper.Reaper
	Reports       *reportworker.Pool

	// IdleTimeout is the inactivity alarm period; zero disables the alarm.
	IdleTimeout time.Duration

	fatal chan reportworker.FatalReport
}

// Run starts every background goroutine Loop's sources need and blocks
// until ctx is cancelled or a terminal signal/idle-timeout/fatal-report
// fires. It returns the reason the loop stopped.
func (l *Loop) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.fatal = make(chan reportworker.FatalReport, 8)
	l.Reports.Fatal = l.fatal

	l.Reaper.OnClientCountChanged = func(count int) {
		if count < listener.MaxClientCount {
			l.Listener.Rearm()
		}
	}

	l.SpoolWatcher.Run(loopCtx)
	if l.UploadWatcher != nil {
		l.UploadWatcher.Run(loopCtx)
	}
	go l.Listener.Run(loopCtx)

	var idle *time.Timer
	var idleC <-chan time.Time
	if l.IdleTimeout > 0 {
		idle = time.NewTimer(l.IdleTimeout)
		idleC = idle.C
		defer idle.Stop()
	}

	uploadEvents := l.uploadEventsChan()

	for {
		if idle != nil {
			resetTimer(idle, l.IdleTimeout)
		}

		select {
		case ev := <-l.SpoolWatcher.Events():
			if err := l.SpoolScanner.HandleEvent(ev); err != nil {
				l.Log.Warn("spool scanner failed", zap.String("name", ev.Name), zap.Error(err))
			}

		case ev, ok := <-uploadEvents:
			if ok {
				if err := l.UploadHandler.HandleEvent(ev); err != nil {
					l.Log.Warn("upload watcher failed", zap.String("name", ev.Name), zap.Error(err))
				}
			}

		case sig := <-l.SelfPipe.Signals():
			switch sig {
			case selfpipe.ByteTERM, selfpipe.ByteINT:
				l.Log.Info("terminating on signal", zap.Int("signal", int(sig)))
				return nil
			case selfpipe.ByteCHLD:
				l.Reaper.ReapAll()
			case selfpipe.ByteALRM:
				l.Log.Info("idle timeout alarm received")
				return nil
			}

		case fr := <-l.fatal:
			return fmt.Errorf("fatal report from peer %q: %w", fr.Peer, fr.Err)

		case <-idleC:
			l.Log.Info("idle timeout elapsed, shutting down")
			return nil

		case <-loopCtx.Done():
			return loopCtx.Err()
		}
	}
}

func (l *Loop) uploadEventsChan() <-chan spool.Event {
	if l.UploadWatcher == nil {
		return nil
	}
	return l.UploadWatcher.Events()
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
