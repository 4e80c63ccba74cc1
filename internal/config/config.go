// Package config provides configuration loading and validation for abrtd.
//
// Configuration file: /etc/abrt/abrtd.yaml (default)
// Schema version: 1
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (client ceiling, quota, timeout).
//   - File paths must be absolute.
//   - Invalid config on startup: the daemon refuses to start (fatal error).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for abrtd. All fields have
// defaults; see Defaults() for values. Command-line flags (-v -s -t)
// override the corresponding fields after Load.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	Spool   SpoolConfig   `yaml:"spool"`
	Upload  UploadConfig  `yaml:"upload"`
	Socket  SocketConfig  `yaml:"socket"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Storage StorageConfig `yaml:"storage"`

	Observability ObservabilityConfig `yaml:"observability"`
}

// SpoolConfig configures the crash-dump spool directory the Spool Scanner
// watches.
type SpoolConfig struct {
	// Root is the directory new crash-dump directories are deposited under.
	// Default: /var/spool/abrt.
	Root string `yaml:"root"`

	// MaxSizeMiB is the quota ceiling enforced by evicting the largest
	// sibling directory. Default: 1000 (1000 MiB).
	MaxSizeMiB int64 `yaml:"max_size_mib"`

	// EventQueueSize is the fsnotify event channel depth. Events past this
	// depth are dropped and a drop counter is incremented. Default: 256.
	EventQueueSize int `yaml:"event_queue_size"`
}

// UploadConfig configures the optional archive-upload watcher. Disabled
// entirely when Dir is empty.
type UploadConfig struct {
	// Dir is the archive-upload directory. Empty disables the watcher.
	Dir string `yaml:"dir"`

	// HelperPath is the single-shot helper exec'd per accepted archive.
	// Default: abrt-handle-upload (resolved via PATH).
	HelperPath string `yaml:"helper_path"`
}

// SocketConfig configures the Socket Listener.
type SocketConfig struct {
	// Path is the Unix domain socket path. Mode is always 0666.
	// Default: /var/run/abrt/abrt.socket.
	Path string `yaml:"path"`

	// HelperPath is the per-connection server helper.
	// Default: abrt-server (resolved via PATH).
	HelperPath string `yaml:"helper_path"`

	// MaxClients is the ceiling on concurrently forked socket helpers.
	// Default: 10.
	MaxClients int `yaml:"max_clients"`
}

// DaemonConfig holds process-lifecycle parameters.
type DaemonConfig struct {
	// PidFile is the advisory-locked pidfile path.
	// Default: /var/run/abrtd.pid.
	PidFile string `yaml:"pid_file"`

	// IdleTimeout is the inactivity alarm period after which the daemon
	// exits. Zero disables the alarm. Default: 0 (disabled).
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// Verbose mirrors the -v flag / ABRT_VERBOSE env var.
	Verbose bool `yaml:"verbose"`

	// Syslog mirrors the -s flag / ABRT_SYSLOG env var: -s is passed through
	// to forked socket helpers. The daemon's own logger does not read this
	// field and does not log to syslog.
	Syslog bool `yaml:"syslog"`

	// UploadCacheDir and RuntimeTempDir are sanitized alongside Spool.Root
	// at startup (created if missing, mode 0755; ownership is not changed).
	// Empty disables sanitizing that directory.
	UploadCacheDir string `yaml:"upload_cache_dir"`
	RuntimeTempDir string `yaml:"runtime_temp_dir"`

	// LogScannerCommand, if non-empty, is forked once at startup (e.g. a
	// tail -f of the kernel ring buffer piped into the oops extractor) and
	// tracked under reaper.RoleLogScanner: its exit never touches
	// ClientCounter, and it is sent SIGTERM on shutdown.
	LogScannerCommand string `yaml:"log_scanner_command"`
}

// StorageConfig holds the embedded crash-record database parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the bbolt database file.
	// Default: /var/lib/abrtd/abrtd.db.
	DBPath string `yaml:"db_path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091. Empty disables the metrics server.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// DefaultDBPath mirrors StorageConfig.DBPath's default for callers that
// need it before a Config is constructed.
const DefaultDBPath = "/var/lib/abrtd/abrtd.db"

// DefaultPidFile and DefaultSocketPath match the daemon's documented
// external interface.
const (
	DefaultPidFile    = "/var/run/abrtd.pid"
	DefaultSocketPath = "/var/run/abrt/abrt.socket"
	DefaultSpoolRoot  = "/var/spool/abrt"
)

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Spool: SpoolConfig{
			Root:           DefaultSpoolRoot,
			MaxSizeMiB:     1000,
			EventQueueSize: 256,
		},
		Upload: UploadConfig{
			HelperPath: "abrt-handle-upload",
		},
		Socket: SocketConfig{
			Path:       DefaultSocketPath,
			HelperPath: "abrt-server",
			MaxClients: 10,
		},
		Daemon: DaemonConfig{
			PidFile: DefaultPidFile,
		},
		Storage: StorageConfig{
			DBPath: DefaultDBPath,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path. Returns the
// merged config (defaults overridden by file values). Returns an error if
// the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness. Returns a descriptive
// error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Spool.Root == "" {
		errs = append(errs, "spool.root must not be empty")
	}
	if cfg.Spool.MaxSizeMiB < 1 {
		errs = append(errs, fmt.Sprintf("spool.max_size_mib must be >= 1, got %d", cfg.Spool.MaxSizeMiB))
	}
	if cfg.Spool.EventQueueSize < 1 {
		errs = append(errs, fmt.Sprintf("spool.event_queue_size must be >= 1, got %d", cfg.Spool.EventQueueSize))
	}
	if cfg.Socket.Path == "" {
		errs = append(errs, "socket.path must not be empty")
	}
	if cfg.Socket.MaxClients < 1 || cfg.Socket.MaxClients > 10 {
		errs = append(errs, fmt.Sprintf("socket.max_clients must be in [1, 10], got %d", cfg.Socket.MaxClients))
	}
	if cfg.Daemon.PidFile == "" {
		errs = append(errs, "daemon.pid_file must not be empty")
	}
	if cfg.Daemon.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("daemon.idle_timeout must be >= 0, got %s", cfg.Daemon.IdleTimeout))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	for _, p := range []struct{ name, path string }{
		{"spool.root", cfg.Spool.Root},
		{"upload.dir", cfg.Upload.Dir},
		{"socket.path", cfg.Socket.Path},
		{"daemon.pid_file", cfg.Daemon.PidFile},
		{"daemon.upload_cache_dir", cfg.Daemon.UploadCacheDir},
		{"daemon.runtime_temp_dir", cfg.Daemon.RuntimeTempDir},
		{"storage.db_path", cfg.Storage.DBPath},
	} {
		if p.path != "" && !filepath.IsAbs(p.path) {
			errs = append(errs, fmt.Sprintf("%s must be an absolute path, got %q", p.name, p.path))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
