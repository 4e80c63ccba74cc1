package spool

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/abrtd/abrtd/internal/bus"
	"github.com/abrtd/abrtd/internal/middleware"
	"github.com/abrtd/abrtd/internal/observability"
)

// Scanner reacts to filesystem events under the crash-dump root, enforces
// the on-disk quota, and hands newly-arrived directories to MiddleWare.
type Scanner struct {
	Root       string
	MaxSizeMiB int64
	MW         middleware.MiddleWare
	Bus        bus.Bus
	Log        *zap.Logger

	// Metrics is optional; nil disables metric recording.
	Metrics *observability.Metrics
}

// HandleEvent processes one filesystem event under Root. Errors are
// non-fatal; the caller logs and continues rather than aborting the event
// loop over a single bad dump directory.
func (s *Scanner) HandleEvent(ev Event) error {
	if s.Metrics != nil {
		start := time.Now()
		defer func() { s.Metrics.SpoolScanLatency.Observe(time.Since(start).Seconds()) }()
	}

	name := filepath.Base(ev.Name)
	if name == "" || firstDotRemainder(name) == ".new" {
		return nil
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		// Already gone — e.g. a rename-away race with another watcher.
		return nil
	}
	if !info.IsDir() {
		return nil
	}

	if err := s.enforceQuota(name); err != nil {
		return err
	}

	result, meta, existing, err := s.MW.LoadDebugDump(ev.Name)
	if err != nil {
		return err
	}
	if s.Metrics != nil {
		s.Metrics.CrashesProcessedTotal.WithLabelValues(result.String()).Inc()
	}

	switch result {
	case middleware.ResultOK:
		s.Bus.Crash(bus.CrashEvent{
			Package:  meta.Package,
			CrashRef: meta.Ref().String(),
			DumpPath: ev.Name,
			UID:      meta.Ref().UID,
		})

	case middleware.ResultOccurred:
		if err := middleware.DeleteDebugDump(ev.Name); err != nil {
			s.Log.Warn("failed to delete duplicate dump", zap.String("dir", ev.Name), zap.Error(err))
		}
		s.Bus.Crash(bus.CrashEvent{
			Package:  existing.Package,
			CrashRef: existing.Ref().String(),
			DumpPath: existing.DumpDir,
			UID:      existing.Ref().UID,
		})

	default:
		if err := middleware.DeleteDebugDump(ev.Name); err != nil {
			s.Log.Warn("failed to delete rejected dump",
				zap.String("dir", ev.Name), zap.String("result", result.String()), zap.Error(err))
		}
	}
	return nil
}

// firstDotRemainder returns name starting from its first '.', or "" if name
// has none — the Go equivalent of strchrnul(name, '.'). A dump directory is
// only skipped as a staging file when this remainder is exactly ".new", so
// a multi-dot name like "ccpp-1.2.3.new" (remainder ".2.3.new") is still
// processed.
func firstDotRemainder(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}

// enforceQuota evicts the largest sibling of Root, repeatedly, until Root's
// total size is at or under MaxSizeMiB. arrived is exempt from eviction
// during its own processing.
func (s *Scanner) enforceQuota(arrived string) error {
	for {
		size, err := middleware.DirSizeMiB(s.Root)
		if err != nil {
			return err
		}
		if size <= s.MaxSizeMiB {
			return nil
		}

		victim, err := middleware.LargestSibling(s.Root, arrived)
		if err != nil {
			return err
		}
		if victim == "" {
			return nil
		}

		victimPath := filepath.Join(s.Root, victim)
		s.Bus.QuotaExceed(bus.QuotaExceedEvent{Msg: "evicting " + victim + " to stay under quota"})
		if s.Metrics != nil {
			s.Metrics.QuotaEvictionsTotal.Inc()
		}
		if err := s.MW.DeleteCrashByDumpDir(victimPath); err != nil {
			s.Log.Warn("failed to delete crash record for evicted dump", zap.String("dir", victimPath), zap.Error(err))
		}
		if err := middleware.DeleteDebugDump(victimPath); err != nil {
			return err
		}
	}
}
