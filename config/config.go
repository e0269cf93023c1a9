package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lansession"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "LANSESSION_DATA_DIR"
	// DefaultListeningPort is the TCP port used in fixed mode when none is configured.
	DefaultListeningPort = 9999
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	DefaultServiceType         = "_ssh._tcp"
	DefaultDomain              = "local."
	DefaultScanIntervalMS      = 5000
	DefaultScanTimeoutMS       = 2000
	DefaultLogLevel            = "info"
	DefaultStatusAddress       = "127.0.0.1:8787"
	DefaultEventRetentionHours = 7 * 24
	defaultServiceNameFallback = "lansession"
	configFileName             = "config.json"
)

// SessionConfig contains persistent local session settings.
type SessionConfig struct {
	InstanceID          string `json:"instance_id"`
	ServiceName         string `json:"service_name"`
	ServiceType         string `json:"service_type"`
	Domain              string `json:"domain"`
	PortMode            string `json:"port_mode"`
	ListeningPort       int    `json:"listening_port"`
	ScanIntervalMS      int    `json:"scan_interval_ms"`
	ScanTimeoutMS       int    `json:"scan_timeout_ms"`
	LogLevel            string `json:"log_level"`
	StatusAddress       string `json:"status_address"`
	EventRetentionHours int    `json:"event_retention_hours"`
}

// ListenAddress returns the TCP listen address for the configured port mode.
func (c *SessionConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed && c.ListeningPort > 0 {
		return fmt.Sprintf(":%d", c.ListeningPort)
	}
	return ":0"
}

func (c *SessionConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMS) * time.Millisecond
}

func (c *SessionConfig) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutMS) * time.Millisecond
}

func (c *SessionConfig) EventRetention() time.Duration {
	return time.Duration(c.EventRetentionHours) * time.Hour
}

// Level parses LogLevel, falling back to info.
func (c *SessionConfig) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANSESSION_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectory creates the app data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*SessionConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg SessionConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *SessionConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns
// the config, its path and the data directory.
func LoadOrCreate() (*SessionConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectory(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultConfig() *SessionConfig {
	cfg := &SessionConfig{}
	normalizeDefaults(cfg)
	return cfg
}

func defaultServiceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		// mDNS instance names are single labels.
		return strings.SplitN(host, ".", 2)[0]
	}
	return defaultServiceNameFallback
}

func normalizeDefaults(cfg *SessionConfig) bool {
	updated := false

	if _, err := uuid.Parse(cfg.InstanceID); err != nil {
		cfg.InstanceID = uuid.NewString()
		updated = true
	}

	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = defaultServiceName()
		updated = true
	}
	if strings.TrimSpace(cfg.ServiceType) == "" {
		cfg.ServiceType = DefaultServiceType
		updated = true
	}
	if strings.TrimSpace(cfg.Domain) == "" {
		cfg.Domain = DefaultDomain
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort <= 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.ScanIntervalMS <= 0 {
		cfg.ScanIntervalMS = DefaultScanIntervalMS
		updated = true
	}
	if cfg.ScanTimeoutMS <= 0 {
		cfg.ScanTimeoutMS = DefaultScanTimeoutMS
		updated = true
	}
	// A scan window longer than the interval would overlap the next scan.
	if cfg.ScanTimeoutMS > cfg.ScanIntervalMS {
		cfg.ScanTimeoutMS = cfg.ScanIntervalMS
		updated = true
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if strings.TrimSpace(cfg.StatusAddress) == "" {
		cfg.StatusAddress = DefaultStatusAddress
		updated = true
	}
	if cfg.EventRetentionHours <= 0 {
		cfg.EventRetentionHours = DefaultEventRetentionHours
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
