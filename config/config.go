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
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanshare"
	// DefaultDiscoveryPort is the UDP presence port.
	DefaultDiscoveryPort = 41234
	// DefaultTransferPort is the TCP file transfer port.
	DefaultTransferPort = 41235
	// DefaultAPIAddress keeps the control API on loopback.
	DefaultAPIAddress = "127.0.0.1:41236"
	// DefaultOfferTimeoutSeconds bounds how long an offer waits for a decision.
	DefaultOfferTimeoutSeconds = 120
	// DefaultIdleTimeoutSeconds bounds a stalled stream.
	DefaultIdleTimeoutSeconds = 30
	// DefaultHistoryRetentionDays controls transfer history pruning at startup.
	DefaultHistoryRetentionDays = 90
	// OfferPolicyQueue presents offers one at a time in arrival order.
	OfferPolicyQueue = "queue"
	// OfferPolicyRejectBusy refuses offers while another is presented.
	OfferPolicyRejectBusy = "reject_busy"

	configFileName    = "config.json"
	receiveDirName    = "received"
	defaultDeviceName = "LAN Share Device"
	envDataDir        = "LANSHARE_DATA_DIR"
	envEmail          = "LANSHARE_EMAIL"
	envDeviceName     = "LANSHARE_DEVICE_NAME"
	envReceiveDir     = "LANSHARE_RECEIVE_DIR"
	envAPIAddress     = "LANSHARE_API_ADDR"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID             string `json:"device_id"`
	DeviceName           string `json:"device_name"`
	Email                string `json:"email"`
	DiscoveryPort        int    `json:"discovery_port"`
	TransferPort         int    `json:"transfer_port"`
	ReceiveDir           string `json:"receive_dir"`
	OfferTimeoutSeconds  int    `json:"offer_timeout_seconds"`
	IdleTimeoutSeconds   int    `json:"idle_timeout_seconds"`
	OfferPolicy          string `json:"offer_policy"`
	APIAddress           string `json:"api_address"`
	AdvertiseMDNS        bool   `json:"advertise_mdns"`
	HistoryRetentionDays int    `json:"history_retention_days"`
}

// OfferTimeout returns the offer timeout as a duration.
func (c *DeviceConfig) OfferTimeout() time.Duration {
	return time.Duration(c.OfferTimeoutSeconds) * time.Second
}

// IdleTimeout returns the stream idle timeout as a duration.
func (c *DeviceConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// HistoryRetention returns how long finished transfers are kept.
func (c *DeviceConfig) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANSHARE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(envDataDir); override != "" {
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

// EnsureDataDirectories creates the data directory and the default receive directory.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, receiveDirName),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
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

// LoadOrCreate ensures directories and config exist, then returns both.
// Environment overrides are applied to the returned config but never saved.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func hostDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultDeviceName
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = hostDeviceName()
		updated = true
	}
	if email := strings.TrimSpace(cfg.Email); email != cfg.Email {
		cfg.Email = email
		updated = true
	}
	if cfg.DiscoveryPort <= 0 || cfg.DiscoveryPort > 65535 {
		cfg.DiscoveryPort = DefaultDiscoveryPort
		updated = true
	}
	if cfg.TransferPort <= 0 || cfg.TransferPort > 65535 {
		cfg.TransferPort = DefaultTransferPort
		updated = true
	}
	if cfg.ReceiveDir == "" {
		cfg.ReceiveDir = filepath.Join(dataDir, receiveDirName)
		updated = true
	}
	if cfg.OfferTimeoutSeconds <= 0 {
		cfg.OfferTimeoutSeconds = DefaultOfferTimeoutSeconds
		updated = true
	}
	if cfg.IdleTimeoutSeconds <= 0 {
		cfg.IdleTimeoutSeconds = DefaultIdleTimeoutSeconds
		updated = true
	}
	if policy := normalizeOfferPolicy(cfg.OfferPolicy); policy != cfg.OfferPolicy {
		cfg.OfferPolicy = policy
		updated = true
	}
	if cfg.APIAddress == "" {
		cfg.APIAddress = DefaultAPIAddress
		updated = true
	}
	if cfg.HistoryRetentionDays <= 0 {
		cfg.HistoryRetentionDays = DefaultHistoryRetentionDays
		updated = true
	}

	return updated
}

func normalizeOfferPolicy(policy string) string {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case OfferPolicyRejectBusy:
		return OfferPolicyRejectBusy
	default:
		return OfferPolicyQueue
	}
}

func applyEnvOverrides(cfg *DeviceConfig) {
	if v, ok := os.LookupEnv(envEmail); ok {
		cfg.Email = strings.TrimSpace(v)
	}
	if v := strings.TrimSpace(os.Getenv(envDeviceName)); v != "" {
		cfg.DeviceName = v
	}
	if v := strings.TrimSpace(os.Getenv(envReceiveDir)); v != "" {
		cfg.ReceiveDir = v
	}
	if v := strings.TrimSpace(os.Getenv(envAPIAddress)); v != "" {
		cfg.APIAddress = v
	}
}
