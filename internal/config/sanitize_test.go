package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeDirs_CreatesAndChmodsAllThree(t *testing.T) {
	root := t.TempDir()
	cfg := Defaults()
	cfg.Spool.Root = filepath.Join(root, "spool")
	cfg.Daemon.UploadCacheDir = filepath.Join(root, "upload-cache")
	cfg.Daemon.RuntimeTempDir = filepath.Join(root, "tmp")

	if err := SanitizeDirs(&cfg); err != nil {
		t.Fatalf("SanitizeDirs: %v", err)
	}

	for _, dir := range []string{cfg.Spool.Root, cfg.Daemon.UploadCacheDir, cfg.Daemon.RuntimeTempDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("Stat(%q): %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%q is not a directory", dir)
		}
		if info.Mode().Perm() != dirMode {
			t.Errorf("%q mode = %o, want %o", dir, info.Mode().Perm(), dirMode)
		}
	}
}

func TestSanitizeDirs_SkipsEmptyOptionalDirs(t *testing.T) {
	root := t.TempDir()
	cfg := Defaults()
	cfg.Spool.Root = filepath.Join(root, "spool")

	if err := SanitizeDirs(&cfg); err != nil {
		t.Fatalf("SanitizeDirs: %v", err)
	}
	if _, err := os.Stat(cfg.Spool.Root); err != nil {
		t.Fatalf("Stat(spool.Root): %v", err)
	}
}
