// Package listener implements a Unix domain socket that forks one
// short-lived helper process per accepted connection, handing the
// connection's own file descriptor to the helper as stdin/stdout.
//
// Grounded on the teacher's internal/operator.Server.ListenAndServe (stale
// socket removal, os.Chmod, context-cancel-closes-listener), generalized
// from the teacher's in-process JSON dispatch to a fork+exec-per-connection
// model, since the socket helper (abrt-server) is an external collaborator
// — only its invocation contract appears here.
package listener

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/abrtd/abrtd/internal/observability"
)

// DefaultHelper is the external single-shot connection handler exec'd once
// per accepted client. This package only forks and execs it, passing the
// connection socket as its stdin and stdout.
const DefaultHelper = "abrt-server"

// DefaultSocketPath is the daemon's documented external socket path.
const DefaultSocketPath = "/var/run/abrt/abrt.socket"

// MaxClientCount is the ceiling on ClientCounter.
const MaxClientCount = 10

// Listener accepts connections on a Unix domain socket and forks a helper
// per connection. It owns no reaping logic of its own: every forked
// helper's pid is handed to Register, which is expected to route into the
// single centralized reaper (internal/reaper) so no two goroutines ever
// wait on the same child.
type Listener struct {
	SocketPath string
	HelperPath string // defaults to DefaultHelper if empty.
	Syslog     bool   // passes -s to the helper.
	Log        *zap.Logger

	// Register is called with a freshly forked helper's pid immediately
	// after Start succeeds. The central reaper is the only thing that may
	// ever wait on it.
	Register func(pid int)

	// ClientCount returns the live value of ClientCounter. The listener
	// consults it on every Accept to decide whether to detach.
	ClientCount func() int

	// Metrics is optional; nil disables metric recording.
	Metrics *observability.Metrics

	mu       sync.Mutex
	detached bool
	lis      *net.UnixListener
	rearmed  chan struct{}
}

// Rearmed returns a channel that receives a value each time Rearm is
// called. Run's accept loop blocks on it while detached, instead of
// busy-spinning Accept calls that each return immediately.
func (l *Listener) Rearmed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rearmed == nil {
		l.rearmed = make(chan struct{}, 1)
	}
	return l.rearmed
}

// Bind removes any stale socket file, listens, and sets mode 0666.
func (l *Listener) Bind() error {
	if err := os.Remove(l.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("listener: remove stale socket %q: %w", l.SocketPath, err)
	}
	if dir := filepath.Dir(l.SocketPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("listener: mkdir %q: %w", dir, err)
		}
	}

	addr, err := net.ResolveUnixAddr("unix", l.SocketPath)
	if err != nil {
		return fmt.Errorf("listener: resolve %q: %w", l.SocketPath, err)
	}
	lis, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("listener: listen %q: %w", l.SocketPath, err)
	}
	if err := os.Chmod(l.SocketPath, 0o666); err != nil {
		lis.Close()
		return fmt.Errorf("listener: chmod %q: %w", l.SocketPath, err)
	}

	l.mu.Lock()
	l.lis = lis
	l.mu.Unlock()
	l.Log.Info("socket listening", zap.String("path", l.SocketPath))
	return nil
}

// Close closes the underlying listener.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lis == nil {
		return nil
	}
	return l.lis.Close()
}

// Detached reports whether the readiness callback has been detached because
// ClientCounter reached MaxClientCount. The reaper re-arms by calling Rearm.
func (l *Listener) Detached() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.detached
}

// Rearm clears the detached flag. Called by the event loop whenever the
// reaper's OnClientCountChanged reports a count below MaxClientCount.
func (l *Listener) Rearm() {
	l.mu.Lock()
	l.detached = false
	ch := l.rearmed
	l.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run drives Accept in a loop until ctx is cancelled, blocking on Rearmed
// instead of polling while detached. This is the goroutine the event loop
// starts once at startup; each accepted connection is handled synchronously
// within Accept, so Run never needs to fan results out to a channel itself.
func (l *Listener) Run(ctx context.Context) {
	rearmed := l.Rearmed()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if l.Detached() {
			select {
			case <-rearmed:
			case <-ctx.Done():
				return
			}
			continue
		}

		if err := l.Accept(ctx); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				l.Log.Warn("accept failed", zap.Error(err))
			}
		}
	}
}

// Accept implements one readiness-callback firing: if ClientCounter is
// already at the ceiling, detach and return without accepting (the
// connection stays queued in the kernel backlog). Otherwise accept one
// connection, fork the helper with the connection's fd as its stdin/stdout,
// and register the child's pid.
func (l *Listener) Accept(ctx context.Context) error {
	if l.ClientCount() >= MaxClientCount {
		l.mu.Lock()
		l.detached = true
		l.mu.Unlock()
		l.Log.Warn("client ceiling reached, detaching listener")
		if l.Metrics != nil {
			l.Metrics.ListenerDetachedTotal.Inc()
		}
		return nil
	}

	l.mu.Lock()
	lis := l.lis
	l.mu.Unlock()
	if lis == nil {
		return fmt.Errorf("listener: Accept called before Bind")
	}

	conn, err := lis.AcceptUnix()
	if err != nil {
		select {
		case <-ctx.Done():
			return nil
		default:
			return fmt.Errorf("listener: accept: %w", err)
		}
	}

	if err := l.fork(conn); err != nil {
		l.Log.Warn("failed to start connection helper", zap.Error(err))
	}
	return nil
}

func (l *Listener) fork(conn *net.UnixConn) error {
	defer conn.Close()

	f, err := conn.File()
	if err != nil {
		return fmt.Errorf("listener: conn.File: %w", err)
	}
	defer f.Close()

	helper := l.HelperPath
	if helper == "" {
		helper = DefaultHelper
	}
	args := []string{}
	if l.Syslog {
		args = append(args, "-s")
	}

	cmd := exec.Command(helper, args...)
	cmd.Stdin = f
	cmd.Stdout = f

	if err := cmd.Start(); err != nil {
		return err
	}
	if l.Register != nil {
		l.Register(cmd.Process.Pid)
	}
	return nil
}
