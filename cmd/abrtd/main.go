// Command abrtd is the crash-capture daemon's entrypoint.
//
// Startup sequence:
//  1. Parse flags and environment overrides.
//  2. If backgrounding was requested and this is not yet the re-exec'd
//     child, hand off to jacobsa/daemonize and exit.
//  3. Load and validate config.
//  4. Build the logger.
//  5. Open the bbolt store.
//  6. Start the metrics server (if enabled).
//  7. Run the ordered eventloop.Startup sequence.
//  8. Signal the daemonize parent (if backgrounded) that startup succeeded.
//  9. Run the event loop until a terminal signal, idle timeout, or fatal
//     report stops it.
//
// 10. Shutdown in reverse order.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jacobsa/daemonize"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/abrtd/abrtd/internal/bus"
	"github.com/abrtd/abrtd/internal/config"
	"github.com/abrtd/abrtd/internal/eventloop"
	"github.com/abrtd/abrtd/internal/middleware"
	"github.com/abrtd/abrtd/internal/observability"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("c", "/etc/abrt/abrtd.yaml", "path to config.yaml")
	verbose := flag.Bool("v", false, "verbose logging (overrides config and ABRT_VERBOSE)")
	daemonizeFlag := flag.Bool("d", false, "fork into the background")
	syslog := flag.Bool("s", false, "pass -s to socket helpers (the daemon's own log output is unchanged)")
	idleTimeout := flag.Int("t", 0, "exit after SECONDS of inactivity (0 disables the alarm)")
	foreground := flag.Bool("foreground", false, "internal: run in the foreground (set by -d's re-exec)")
	flag.Parse()

	if *daemonizeFlag && !*foreground {
		return daemonizeSelf(*configPath, *verbose, *syslog, *idleTimeout)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "abrtd: %v\n", err)
		return 1
	}
	applyOverrides(cfg, *verbose, *syslog, *idleTimeout)

	log, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "abrtd: logger init failed: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	if err := mainWithLogger(cfg, log, *foreground); err != nil {
		log.Error("abrtd exiting with error", zap.Error(err))
		return 1
	}
	return 0
}

// loadConfig loads the config file at path, falling back to Defaults()
// only when the file is simply absent. A file that exists but fails to
// parse or validate is a fatal error, per config.go's documented contract:
// "Invalid config on startup: the daemon refuses to start."
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		d := config.Defaults()
		return &d, nil
	}
	return nil, err
}

// daemonizeSelf re-execs the current binary with --foreground, inheriting
// the rest of the flags, and blocks for the child's startup handshake —
// SIGTERM-success/SIGINT-failure per the Daemonization handshake, now
// delegated entirely to jacobsa/daemonize rather than hand-rolled.
func daemonizeSelf(configPath string, verbose, syslog bool, idleTimeout int) int {
	path, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "abrtd: cannot resolve own executable path: %v\n", err)
		return 1
	}

	args := []string{"-c", configPath, "--foreground"}
	if verbose {
		args = append(args, "-v")
	}
	if syslog {
		args = append(args, "-s")
	}
	if idleTimeout > 0 {
		args = append(args, "-t", fmt.Sprintf("%d", idleTimeout))
	}

	env := os.Environ()
	if verbose {
		env = append(env, "ABRT_VERBOSE=1")
	}
	if syslog {
		env = append(env, "ABRT_SYSLOG=1")
	}

	if err := daemonize.Run(path, args, env, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "abrtd: daemonize.Run: %v\n", err)
		return 1
	}
	return 0
}

// applyOverrides layers -v/-s/-t and their environment-variable equivalents
// on top of the loaded config.
func applyOverrides(cfg *config.Config, verbose, syslog bool, idleTimeout int) {
	if verbose || os.Getenv("ABRT_VERBOSE") != "" {
		cfg.Daemon.Verbose = true
		cfg.Observability.LogLevel = "debug"
	}
	if syslog || os.Getenv("ABRT_SYSLOG") != "" {
		cfg.Daemon.Syslog = true
	}
	if idleTimeout > 0 {
		cfg.Daemon.IdleTimeout = time.Duration(idleTimeout) * time.Second
	}
}

func mainWithLogger(cfg *config.Config, log *zap.Logger, foreground bool) error {
	log.Info("abrtd starting",
		zap.String("version", config.Version),
		zap.String("spool_root", cfg.Spool.Root),
		zap.String("socket_path", cfg.Socket.Path))

	store, err := middleware.Open(cfg.Storage.DBPath)
	if err != nil {
		signalDaemonizeOutcome(foreground, err)
		return fmt.Errorf("open store: %w", err)
	}

	b := bus.NewInner()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metrics *observability.Metrics
	if cfg.Observability.MetricsAddr != "" {
		metrics = observability.NewMetrics()
		go func() {
			if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
		log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))
	}

	st, err := eventloop.Startup(cfg, store, b, metrics, log)
	if err != nil {
		signalDaemonizeOutcome(foreground, err)
		return fmt.Errorf("startup: %w", err)
	}
	defer eventloop.Shutdown(st, log)

	signalDaemonizeOutcome(foreground, nil)

	runErr := st.Loop.Run(ctx)
	log.Info("event loop stopped", zap.Error(runErr))
	return runErr
}

// signalDaemonizeOutcome tells a daemonize.Run parent that startup finished,
// successfully or not. It is a no-op when this process was not started with
// --foreground (i.e. not launched via daemonize.Run), since there is no
// parent waiting on the handshake; SignalOutcome's own error is ignored.
func signalDaemonizeOutcome(foreground bool, err error) {
	if !foreground {
		return
	}
	_ = daemonize.SignalOutcome(err)
}

// buildLogger constructs a zap.Logger from Config.Observability, matching
// the teacher's console/json + AtomicLevel construction.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Observability.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Observability.LogLevel, err)
	}

	var zcfg zap.Config
	if cfg.Observability.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}
