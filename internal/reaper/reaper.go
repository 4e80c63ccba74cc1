// Package reaper implements a single, centralized collector of exited
// children. Every child this daemon forks — socket helpers, the
// log-scanner subprocess, upload helpers — is registered here by pid before
// it can possibly exit, and is reaped only by this package's non-blocking
// wait loop. No other code may call wait/Wait4 on a child of this process:
// decrementing a shared counter for the wrong kind of child risks
// underflow, so pid→role tracking is centralized in one map rather than
// inferred from context at reap time.
package reaper

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/abrtd/abrtd/internal/observability"
)

// Role classifies a tracked child so ReapAll can decide whether reaping it
// should affect ClientCounter.
type Role int

const (
	RoleSocketClient Role = iota
	RoleLogScanner
	RoleUploadHelper
)

func (r Role) String() string {
	switch r {
	case RoleSocketClient:
		return "socket-client"
	case RoleLogScanner:
		return "log-scanner"
	case RoleUploadHelper:
		return "upload-helper"
	default:
		return "unknown"
	}
}

// Reaper tracks every pid this daemon has forked and drains exited children
// on demand. ClientCounter is incremented by Register for each
// RoleSocketClient pid (the socket listener registers every helper it
// forks) and decremented by ReapAll, exactly once per reaped
// RoleSocketClient child.
type Reaper struct {
	log     *zap.Logger
	metrics *observability.Metrics // nil disables metric recording.

	mu      sync.Mutex
	roles   map[int]Role
	clients int

	// OnClientCountChanged, if set, is invoked (outside the lock) whenever
	// the client count changes. The event loop uses it to re-arm the
	// socket listener's readiness callback once the count drops below the
	// ceiling.
	OnClientCountChanged func(count int)
}

// New returns a Reaper with no tracked children. metrics may be nil to
// disable metric recording.
func New(log *zap.Logger, metrics *observability.Metrics) *Reaper {
	return &Reaper{log: log, metrics: metrics, roles: make(map[int]Role)}
}

// Register records pid as a just-forked child with the given role. Must be
// called before the child can be reaped, i.e. immediately after the parent
// observes a successful fork/start.
func (r *Reaper) Register(pid int, role Role) {
	r.mu.Lock()
	r.roles[pid] = role
	if role == RoleSocketClient {
		r.clients++
	}
	count := r.clients
	r.mu.Unlock()

	if r.metrics != nil && role == RoleSocketClient {
		r.metrics.ClientCount.Set(float64(count))
	}
}

// ClientCount returns the current value of ClientCounter.
func (r *Reaper) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients
}

// ReapAll drains every currently-exited child via non-blocking Wait4 calls,
// decrementing ClientCounter for each reaped RoleSocketClient pid. Called
// whenever the self-pipe delivers a SIGCHLD byte.
func (r *Reaper) ReapAll() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}

		r.mu.Lock()
		role, tracked := r.roles[pid]
		delete(r.roles, pid)
		var newCount int
		changed := false
		if tracked && role == RoleSocketClient {
			r.clients--
			newCount = r.clients
			changed = true
		}
		r.mu.Unlock()

		if !tracked {
			r.log.Warn("reaped untracked child", zap.Int("pid", pid))
			continue
		}
		r.log.Debug("reaped child", zap.Int("pid", pid), zap.String("role", role.String()))
		if r.metrics != nil {
			r.metrics.ChildrenReapedTotal.WithLabelValues(role.String()).Inc()
			if changed {
				r.metrics.ClientCount.Set(float64(newCount))
			}
		}
		if changed && r.OnClientCountChanged != nil {
			r.OnClientCountChanged(newCount)
		}
	}
}
