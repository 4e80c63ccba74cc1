package spool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestUploadWatcher_SkipsWorkingFiles(t *testing.T) {
	dir := t.TempDir()
	var started bool
	u := &UploadWatcher{
		DumpRoot:   t.TempDir(),
		UploadDir:  dir,
		HelperPath: "/bin/true",
		Log:        zap.NewNop(),
		Register:   func(pid int) { started = true },
	}

	if err := u.HandleEvent(Event{Name: filepath.Join(dir, "archive.tar.gz.working")}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if started {
		t.Fatal("a .working file must not start the upload helper")
	}
}

func TestUploadWatcher_StartsHelperAndRegistersPid(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "archive.tar.gz"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	registered := make(chan int, 1)
	u := &UploadWatcher{
		DumpRoot:   t.TempDir(),
		UploadDir:  dir,
		HelperPath: "/bin/true",
		Log:        zap.NewNop(),
		Register:   func(pid int) { registered <- pid },
	}

	if err := u.HandleEvent(Event{Name: filepath.Join(dir, "archive.tar.gz")}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	select {
	case pid := <-registered:
		if pid <= 0 {
			t.Errorf("registered pid = %d, want > 0", pid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Register was never called")
	}
}
