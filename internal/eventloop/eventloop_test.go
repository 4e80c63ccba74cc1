package eventloop

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/abrtd/abrtd/internal/bus"
	"github.com/abrtd/abrtd/internal/config"
	"github.com/abrtd/abrtd/internal/middleware"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Defaults()
	cfg.Spool.Root = filepath.Join(root, "spool")
	cfg.Socket.Path = filepath.Join(root, "abrt.socket")
	cfg.Daemon.PidFile = filepath.Join(root, "abrtd.pid")
	cfg.Storage.DBPath = filepath.Join(root, "abrtd.db")
	return &cfg
}

func startTestLoop(t *testing.T) (*Started, *middleware.Store) {
	t.Helper()
	cfg := newTestConfig(t)

	store, err := middleware.Open(cfg.Storage.DBPath)
	if err != nil {
		t.Fatalf("middleware.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	st, err := Startup(cfg, store, bus.NewInner(), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Startup: %v", err)
	}
	return st, store
}

func TestStartup_ProducesBoundSocketAndPidfile(t *testing.T) {
	st, _ := startTestLoop(t)
	defer Shutdown(st, zap.NewNop())

	if _, err := os.Stat(st.Loop.Listener.SocketPath); err != nil {
		t.Errorf("socket not created: %v", err)
	}
	if st.PidFD < 0 {
		t.Error("pidfile was not locked")
	}
}

func TestStartup_RefusesSecondInstance(t *testing.T) {
	cfg := newTestConfig(t)
	store1, err := middleware.Open(cfg.Storage.DBPath)
	if err != nil {
		t.Fatalf("middleware.Open: %v", err)
	}
	defer store1.Close()

	st1, err := Startup(cfg, store1, bus.NewInner(), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("first Startup: %v", err)
	}
	defer Shutdown(st1, zap.NewNop())

	cfg2 := *cfg
	cfg2.Socket.Path = filepath.Join(t.TempDir(), "second.socket")
	store2, err := middleware.Open(filepath.Join(t.TempDir(), "second.db"))
	if err != nil {
		t.Fatalf("middleware.Open(second): %v", err)
	}
	defer store2.Close()

	if _, err := Startup(&cfg2, store2, bus.NewInner(), nil, zap.NewNop()); err == nil {
		t.Fatal("a second instance sharing the same pidfile should fail to start")
	}
}

func TestLoop_RunReturnsOnSIGTERM(t *testing.T) {
	st, _ := startTestLoop(t)
	defer Shutdown(st, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- st.Loop.Run(noCancelCtx{}) }()

	time.Sleep(50 * time.Millisecond)
	proc, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatalf("FindProcess: %v", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on graceful SIGTERM shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after SIGTERM")
	}
}

func TestLoop_IdleTimeoutShutsDown(t *testing.T) {
	st, _ := startTestLoop(t)
	defer Shutdown(st, zap.NewNop())
	st.Loop.IdleTimeout = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- st.Loop.Run(noCancelCtx{}) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on idle timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after idle timeout elapsed")
	}
}

// noCancelCtx is a context.Context that never cancels on its own, used so
// tests control shutdown purely through signals/timeouts, matching how
// main.go's root context behaves before a real termination request.
type noCancelCtx struct{}

func (noCancelCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (noCancelCtx) Done() <-chan struct{}       { return nil }
func (noCancelCtx) Err() error                  { return nil }
func (noCancelCtx) Value(key any) any           { return nil }
