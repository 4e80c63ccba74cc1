package config

import (
	"fmt"
	"os"
)

// dirMode is the permission the startup sequence enforces on the dump root
// and its companion directories.
const dirMode = 0o755

// SanitizeDirs creates (if missing) and chmods to 0755 the dump root, the
// upload-archive cache directory, and the runtime temp directory. This is
// the Go equivalent of the original daemon's ensure_writable_dir /
// sanitize_dump_dir_rights startup step, generalized from the dump root
// alone to all three directories the original sanitizes. Ownership is left
// to the caller's umask/uid (chown requires privileges this process may not
// hold when run outside its service account); only existence and mode are
// enforced here.
func SanitizeDirs(cfg *Config) error {
	dirs := []string{cfg.Spool.Root}
	if cfg.Daemon.UploadCacheDir != "" {
		dirs = append(dirs, cfg.Daemon.UploadCacheDir)
	}
	if cfg.Daemon.RuntimeTempDir != "" {
		dirs = append(dirs, cfg.Daemon.RuntimeTempDir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return fmt.Errorf("config.SanitizeDirs: mkdir %q: %w", dir, err)
		}
		if err := os.Chmod(dir, dirMode); err != nil {
			return fmt.Errorf("config.SanitizeDirs: chmod %q: %w", dir, err)
		}
	}
	return nil
}
