package config

import (
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings configure the jumpterm server. Variables carry the JUMPTERM_
// prefix, e.g. JUMPTERM_LISTEN_ADDR.
type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/jumpterm"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`

	// DatabaseURL selects postgres when it starts with postgres:// or
	// postgresql://. Otherwise DatabasePath (sqlite) is used.
	DatabaseURL  string `envconfig:"DATABASE_URL" default:""`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`

	TokenTTL time.Duration `envconfig:"TOKEN_TTL" default:"12h"`

	// Terminal session settings
	RecordingDir         string        `envconfig:"RECORDING_DIR" default:""`
	RecordingDisabled    bool          `envconfig:"RECORDING_DISABLED" default:"false"`
	RecordingRetention   time.Duration `envconfig:"RECORDING_RETENTION" default:"720h"`
	SessionTimeout       time.Duration `envconfig:"SESSION_TIMEOUT" default:"5m"`
	SessionSweepInterval time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"1m"`

	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`

	// KeysDir holds key pairs made with --generate-key.
	KeysDir string `envconfig:"KEYS_DIR" default:""`

	// TargetsFile is an optional YAML file of targets upserted at startup.
	TargetsFile string `envconfig:"TARGETS_FILE" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("JUMPTERM", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// UsePostgres reports whether DatabaseURL names a postgres server.
func (s Settings) UsePostgres() bool {
	return strings.HasPrefix(s.DatabaseURL, "postgres://") || strings.HasPrefix(s.DatabaseURL, "postgresql://")
}

// SQLitePath is DatabasePath, or jumpterm.db under DataPath.
func (s Settings) SQLitePath() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.DataPath, "jumpterm.db")
}

// RecordingsPath is where session recordings are written, or "" when
// recording is disabled.
func (s Settings) RecordingsPath() string {
	if s.RecordingDisabled {
		return ""
	}
	if s.RecordingDir != "" {
		return s.RecordingDir
	}
	return filepath.Join(s.DataPath, "recordings")
}

// LogFile is LogPath, or jumpterm.log under DataPath.
func (s Settings) LogFile() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.DataPath, "jumpterm.log")
}

// KeysPath is KeysDir, or keys under DataPath.
func (s Settings) KeysPath() string {
	if s.KeysDir != "" {
		return s.KeysDir
	}
	return filepath.Join(s.DataPath, "keys")
}
