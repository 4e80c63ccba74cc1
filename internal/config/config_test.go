package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults_PassesValidate(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate(Defaults()) = %v, want nil", err)
	}
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abrtd.yaml")
	body := `
schema_version: "1"
spool:
  root: /tmp/custom-spool
  max_size_mib: 50
socket:
  max_clients: 3
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Spool.Root != "/tmp/custom-spool" {
		t.Errorf("Spool.Root = %q, want /tmp/custom-spool", cfg.Spool.Root)
	}
	if cfg.Spool.MaxSizeMiB != 50 {
		t.Errorf("Spool.MaxSizeMiB = %d, want 50", cfg.Spool.MaxSizeMiB)
	}
	if cfg.Socket.MaxClients != 3 {
		t.Errorf("Socket.MaxClients = %d, want 3", cfg.Socket.MaxClients)
	}
	// Untouched fields keep their defaults.
	if cfg.Storage.DBPath != DefaultDBPath {
		t.Errorf("Storage.DBPath = %q, want default %q", cfg.Storage.DBPath, DefaultDBPath)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("Load with a missing file should fail")
	}
}

func TestValidate_RejectsClientCeilingAboveMax(t *testing.T) {
	cfg := Defaults()
	cfg.Socket.MaxClients = 11
	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate should reject socket.max_clients > 10")
	}
}

func TestValidate_RejectsEmptySpoolRoot(t *testing.T) {
	cfg := Defaults()
	cfg.Spool.Root = ""
	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate should reject an empty spool.root")
	}
}

func TestValidate_RejectsWrongSchemaVersion(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "2"
	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate should reject an unsupported schema_version")
	}
}
