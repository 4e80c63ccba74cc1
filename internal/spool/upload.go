package spool

import (
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// DefaultUploadHelper is the external single-shot helper exec'd for each
// accepted upload archive. This package only forks and execs it.
const DefaultUploadHelper = "abrt-handle-upload"

// UploadWatcher watches an optional archive-upload directory and, for each
// accepted file, forks and execs a single-shot helper. No archive is ever
// processed in-process.
type UploadWatcher struct {
	DumpRoot   string
	UploadDir  string
	HelperPath string // defaults to DefaultUploadHelper if empty.
	Log        *zap.Logger

	// Register is called with the forked helper's pid immediately after a
	// successful Start, so the central reaper (internal/reaper) — not this
	// package — is the one that ever waits on it.
	Register func(pid int)
}

// HandleEvent processes one filesystem event under UploadDir.
func (u *UploadWatcher) HandleEvent(ev Event) error {
	name := filepath.Base(ev.Name)
	if name == "" || strings.HasSuffix(name, ".working") {
		return nil
	}

	helper := u.HelperPath
	if helper == "" {
		helper = DefaultUploadHelper
	}

	cmd := exec.Command(helper, u.DumpRoot, u.UploadDir, name)
	cmd.Dir = u.UploadDir

	if err := cmd.Start(); err != nil {
		u.Log.Warn("failed to start upload helper", zap.String("name", name), zap.Error(err))
		return err
	}
	if u.Register != nil {
		u.Register(cmd.Process.Pid)
	}
	return nil
}
