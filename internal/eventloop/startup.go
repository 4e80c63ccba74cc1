package eventloop

import (
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/abrtd/abrtd/internal/bus"
	"github.com/abrtd/abrtd/internal/config"
	"github.com/abrtd/abrtd/internal/listener"
	"github.com/abrtd/abrtd/internal/middleware"
	"github.com/abrtd/abrtd/internal/observability"
	"github.com/abrtd/abrtd/internal/reaper"
	"github.com/abrtd/abrtd/internal/reportworker"
	"github.com/abrtd/abrtd/internal/selfpipe"
	"github.com/abrtd/abrtd/internal/spool"
)

// Started is everything Startup brought up, in the order it was brought up.
// Shutdown tears it down in the reverse order. It is meant for a Started
// returned without error: a failing Startup has already released the
// self-pipe, pidfile and log scanner it acquired, even though PidFD may
// still hold the released descriptor's number.
type Started struct {
	Loop  *Loop
	Store *middleware.Store
	PidFD int // the locked pidfile's fd; -1 if not yet acquired.

	cfg        *config.Config
	logScanner *os.Process // nil if Config.Daemon.LogScannerCommand is empty.
}

// Startup brings the daemon up in a fixed sequence: sanitize directory
// permissions → create the fsnotify watches → register the self-pipe →
// create the pidfile under an advisory flock → start the optional log
// scanner → bind the socket. Settings, the store and the Bus are created by
// the caller and passed in already constructed. If a step fails, Startup
// itself releases the self-pipe, pidfile and log scanner acquired so far
// before returning the error; the fsnotify watches it created are not closed.
func Startup(cfg *config.Config, store *middleware.Store, b bus.Bus, metrics *observability.Metrics, log *zap.Logger) (*Started, error) {
	st := &Started{Store: store, PidFD: -1, cfg: cfg}

	if err := config.SanitizeDirs(cfg); err != nil {
		return st, fmt.Errorf("eventloop.Startup: sanitize dirs: %w", err)
	}

	spoolWatcher, err := spool.NewWatcher(cfg.Spool.Root, cfg.Spool.EventQueueSize, log)
	if err != nil {
		return st, fmt.Errorf("eventloop.Startup: spool watcher: %w", err)
	}
	if metrics != nil {
		spoolWatcher.SetDropHook(metrics.SpoolEventsDroppedTotal.Inc)
	}

	var uploadWatcher *spool.Watcher
	var uploadHandler *spool.UploadWatcher
	if cfg.Upload.Dir != "" {
		uploadWatcher, err = spool.NewWatcher(cfg.Upload.Dir, cfg.Spool.EventQueueSize, log)
		if err != nil {
			return st, fmt.Errorf("eventloop.Startup: upload watcher: %w", err)
		}
		if metrics != nil {
			uploadWatcher.SetDropHook(metrics.SpoolEventsDroppedTotal.Inc)
		}
		uploadHandler = &spool.UploadWatcher{
			DumpRoot:   cfg.Spool.Root,
			UploadDir:  cfg.Upload.Dir,
			HelperPath: cfg.Upload.HelperPath,
			Log:        log,
		}
	}

	pipe := selfpipe.New()

	pidFD, err := acquirePidFile(cfg.Daemon.PidFile)
	if err != nil {
		pipe.Stop()
		return st, fmt.Errorf("eventloop.Startup: pidfile: %w", err)
	}
	st.PidFD = pidFD

	rp := reaper.New(log, metrics)

	if cfg.Daemon.LogScannerCommand != "" {
		proc, err := startLogScanner(cfg.Daemon.LogScannerCommand)
		if err != nil {
			releasePidFile(pidFD, cfg.Daemon.PidFile)
			pipe.Stop()
			return st, fmt.Errorf("eventloop.Startup: log scanner: %w", err)
		}
		st.logScanner = proc
		rp.Register(proc.Pid, reaper.RoleLogScanner)
	}

	lis := &listener.Listener{
		SocketPath:  cfg.Socket.Path,
		HelperPath:  cfg.Socket.HelperPath,
		Syslog:      cfg.Daemon.Syslog,
		Log:         log,
		ClientCount: rp.ClientCount,
		Metrics:     metrics,
	}
	if err := lis.Bind(); err != nil {
		if st.logScanner != nil {
			_ = st.logScanner.Signal(unix.SIGTERM)
		}
		releasePidFile(pidFD, cfg.Daemon.PidFile)
		pipe.Stop()
		return st, fmt.Errorf("eventloop.Startup: bind socket: %w", err)
	}
	lis.Register = func(pid int) { rp.Register(pid, reaper.RoleSocketClient) }
	if uploadHandler != nil {
		uploadHandler.Register = func(pid int) { rp.Register(pid, reaper.RoleUploadHelper) }
	}

	scanner := &spool.Scanner{
		Root:       cfg.Spool.Root,
		MaxSizeMiB: cfg.Spool.MaxSizeMiB,
		MW:         store,
		Bus:        b,
		Log:        log,
		Metrics:    metrics,
	}
	reports := &reportworker.Pool{MW: store, Bus: b, Log: log, Metrics: metrics}

	st.Loop = &Loop{
		Log:           log,
		SpoolWatcher:  spoolWatcher,
		SpoolScanner:  scanner,
		UploadWatcher: uploadWatcher,
		UploadHandler: uploadHandler,
		Listener:      lis,
		SelfPipe:      pipe,
		Reaper:        rp,
		Reports:       reports,
		IdleTimeout:   cfg.Daemon.IdleTimeout,
	}

	log.Info("startup sequence complete",
		zap.String("spool_root", cfg.Spool.Root),
		zap.String("socket_path", cfg.Socket.Path))
	return st, nil
}

// Shutdown tears down what Startup brought up, in reverse order: socket,
// log scanner, pidfile, self-pipe, then the store. The fsnotify watches are
// not closed here; Loop.Run closes them when its context ends. Nil fields
// are skipped.
func Shutdown(st *Started, log *zap.Logger) {
	if st == nil {
		return
	}
	if st.Loop != nil && st.Loop.Listener != nil {
		_ = st.Loop.Listener.Close()
	}
	if st.logScanner != nil {
		if err := st.logScanner.Signal(unix.SIGTERM); err != nil {
			log.Warn("failed to signal log scanner subprocess", zap.Error(err))
		}
	}
	if st.PidFD >= 0 {
		releasePidFile(st.PidFD, st.cfg.Daemon.PidFile)
	}
	if st.Loop != nil && st.Loop.SelfPipe != nil {
		st.Loop.SelfPipe.Stop()
	}
	if st.Store != nil {
		if err := st.Store.Close(); err != nil {
			log.Warn("failed to close database cleanly", zap.Error(err))
		}
	}
}

// acquirePidFile creates path and takes an exclusive, non-blocking advisory
// flock on it, aborting startup if another instance already holds the lock.
func acquirePidFile(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return -1, fmt.Errorf("open %q: %w", path, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("another instance already holds the lock on %q: %w", path, err)
	}
	if err := unix.Ftruncate(fd, 0); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("truncate %q: %w", path, err)
	}
	if _, err := unix.Write(fd, []byte(fmt.Sprintf("%d\n", os.Getpid()))); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("write %q: %w", path, err)
	}
	return fd, nil
}

func releasePidFile(fd int, path string) {
	_ = unix.Flock(fd, unix.LOCK_UN)
	_ = unix.Close(fd)
	_ = os.Remove(path)
}

// startLogScanner forks the optional log-scanner command (e.g. a tail -f of
// the kernel ring buffer) through a shell, so Config.Daemon.LogScannerCommand
// can use pipes and redirection the way the original's
// g_settings_sLogScanners entries do.
func startLogScanner(command string) (*os.Process, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdin = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	return cmd.Process, nil
}
