package spool

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	busp "github.com/abrtd/abrtd/internal/bus"
	"github.com/abrtd/abrtd/internal/middleware"
)

func writeDumpDir(t *testing.T, root, name string, sizeMiB int, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	for fname, content := range files {
		if err := os.WriteFile(filepath.Join(dir, fname), []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	if sizeMiB > 0 {
		if err := os.WriteFile(filepath.Join(dir, "blob"), make([]byte, sizeMiB*1024*1024), 0o644); err != nil {
			t.Fatalf("WriteFile blob: %v", err)
		}
	}
	return dir
}

func newTestScanner(t *testing.T, maxSizeMiB int64) (*Scanner, *busp.Inner, string) {
	t.Helper()
	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := middleware.Open(dbPath)
	if err != nil {
		t.Fatalf("middleware.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := busp.NewInner()
	return &Scanner{
		Root:       root,
		MaxSizeMiB: maxSizeMiB,
		MW:         store,
		Bus:        b,
		Log:        zap.NewNop(),
	}, b, root
}

func TestScanner_NewDumpPublishesCrash(t *testing.T) {
	s, b, root := newTestScanner(t, 1000)
	ch, unsub := b.Subscribe(4)
	defer unsub()

	dir := writeDumpDir(t, root, "ccpp-1", 0, map[string]string{"package": "kernel", "uid": "1000", "reason": "oops"})

	if err := s.HandleEvent(Event{Name: dir}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	ev := <-ch
	crash, ok := ev.(busp.CrashEvent)
	if !ok {
		t.Fatalf("event type = %T, want CrashEvent", ev)
	}
	if crash.Package != "kernel" || crash.UID != "1000" {
		t.Errorf("crash = %+v, unexpected", crash)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("accepted dump directory should still exist: %v", err)
	}
}

func TestScanner_DuplicateIsDeletedAndOriginalAnnounced(t *testing.T) {
	s, b, root := newTestScanner(t, 1000)
	ch, unsub := b.Subscribe(4)
	defer unsub()

	first := writeDumpDir(t, root, "ccpp-1", 0, map[string]string{"package": "kernel", "uid": "1000", "reason": "same"})
	if err := s.HandleEvent(Event{Name: first}); err != nil {
		t.Fatalf("HandleEvent(first): %v", err)
	}
	<-ch // drain the first Crash event so the assertions below see only the duplicate's.

	second := writeDumpDir(t, root, "ccpp-2", 0, map[string]string{"package": "kernel", "uid": "1000", "reason": "same"})
	if err := s.HandleEvent(Event{Name: second}); err != nil {
		t.Fatalf("HandleEvent(second): %v", err)
	}

	ev := <-ch
	crash, ok := ev.(busp.CrashEvent)
	if !ok {
		t.Fatalf("event type = %T, want CrashEvent", ev)
	}
	if crash.DumpPath != first {
		t.Errorf("DumpPath = %q, want the original dump's path %q", crash.DumpPath, first)
	}
	if _, err := os.Stat(second); !os.IsNotExist(err) {
		t.Errorf("duplicate dump directory should have been deleted")
	}
}

func TestScanner_CorruptedDumpIsDeletedWithoutAnnouncement(t *testing.T) {
	s, b, root := newTestScanner(t, 1000)
	ch, unsub := b.Subscribe(4)
	defer unsub()

	dir := writeDumpDir(t, root, "ccpp-1", 0, map[string]string{"package": "kernel", "corrupted": ""})
	if err := s.HandleEvent(Event{Name: dir}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	select {
	case ev := <-ch:
		t.Fatalf("no event should be published for a corrupted dump, got %+v", ev)
	default:
	}

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("corrupted dump directory should have been deleted")
	}
}

func TestScanner_IgnoresDotNewNames(t *testing.T) {
	s, _, root := newTestScanner(t, 1000)
	dir := writeDumpDir(t, root, "ccpp-1.new", 0, map[string]string{"package": "kernel"})

	if err := s.HandleEvent(Event{Name: dir}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("in-progress .new directory should be left untouched: %v", err)
	}
}

func TestScanner_ProcessesMultiDotNameNotEndingInDotNew(t *testing.T) {
	s, b, root := newTestScanner(t, 1000)
	ch, unsub := b.Subscribe(8)
	defer unsub()

	// Only a name whose remainder from the first dot is exactly ".new" is
	// skipped; "ccpp-1.2.3.new" has remainder ".2.3.new" and must be
	// processed like any other arrival.
	dir := writeDumpDir(t, root, "ccpp-1.2.3.new", 0, map[string]string{"package": "kernel"})

	if err := s.HandleEvent(Event{Name: dir}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	select {
	case <-ch:
	default:
		t.Error("multi-dot dump directory should have been processed and published")
	}
}

func TestScanner_QuotaEvictsLargestSibling(t *testing.T) {
	s, b, root := newTestScanner(t, 10)
	ch, unsub := b.Subscribe(8)
	defer unsub()

	// Pre-existing crash occupying most of the quota.
	big := writeDumpDir(t, root, "ccpp-big", 8, map[string]string{"package": "a", "reason": "big"})
	if err := s.HandleEvent(Event{Name: big}); err != nil {
		t.Fatalf("HandleEvent(big): %v", err)
	}
	<-ch // Crash for big.

	arriving := writeDumpDir(t, root, "ccpp-new", 5, map[string]string{"package": "b", "reason": "new"})
	if err := s.HandleEvent(Event{Name: arriving}); err != nil {
		t.Fatalf("HandleEvent(arriving): %v", err)
	}

	var sawQuotaExceed, sawCrashForArriving bool
	for i := 0; i < 2; i++ {
		ev := <-ch
		switch v := ev.(type) {
		case busp.QuotaExceedEvent:
			sawQuotaExceed = true
		case busp.CrashEvent:
			if v.DumpPath == arriving {
				sawCrashForArriving = true
			}
		}
	}
	if !sawQuotaExceed {
		t.Error("expected a QuotaExceed event")
	}
	if !sawCrashForArriving {
		t.Error("expected a Crash event for the newly-arrived dump")
	}
	if _, err := os.Stat(big); !os.IsNotExist(err) {
		t.Error("the larger pre-existing dump should have been evicted")
	}
	if _, err := os.Stat(arriving); err != nil {
		t.Error("the newly-arrived dump must be preserved")
	}
}
