package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Flash methods understood by the deploy client.
const (
	// FlashMethodSerial flashes over a direct serial connection; no network activity.
	FlashMethodSerial = "serial"
	// FlashMethodOTA stages firmware on the upload server over HTTP.
	FlashMethodOTA = "ota"
)

// Config holds settings shared by the ota-stage binaries.
// It is constructed once at process start and passed into the server and
// client constructors; nothing reads environment variables afterwards.
type Config struct {
	// FirmwareDir is the server-side staging root holding firmware.bin and manifest.json.
	FirmwareDir string `yaml:"firmware_dir"`
	// Port is the TCP port the upload server listens on.
	Port int `yaml:"port"`
	// FlashMethod selects how firmware reaches the device: serial or ota.
	FlashMethod string `yaml:"flash_method"`
	// ServerURL is the full upload endpoint, e.g. http://10.0.0.5:8081/upload.
	ServerURL string `yaml:"ota_server_url"`
	// StagingDir is the client-side directory receiving the local firmware copy and manifest.
	StagingDir string `yaml:"staging_dir"`
	// FirmwareVersion is an explicit version override for the staged firmware.
	FirmwareVersion string `yaml:"custom_firmware_version"`
	// BuildFlags is the raw build-flags string scanned for a FIRMWARE_VERSION definition.
	BuildFlags string `yaml:"build_flags"`
	// Board is the target hardware identifier.
	Board string `yaml:"board"`
	// UploadTimeout bounds a single upload attempt. Kept long to tolerate
	// large binaries on slow links.
	UploadTimeout time.Duration `yaml:"upload_timeout"`
	// MaxUploadAttempts is the total attempt budget for the upload POST.
	MaxUploadAttempts int `yaml:"max_upload_attempts"`
	// RetryDelay is how long the client waits after a connection error
	// before the next attempt. Timeouts retry immediately.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

const (
	// DefaultConfigFilename is the default filename for settings.
	DefaultConfigFilename = "ota-stage-settings.yaml"

	// DefaultFirmwareDir is the server staging root used when none is configured.
	DefaultFirmwareDir = "/firmware"

	// DefaultPort is the upload server listen port.
	DefaultPort = 8081

	// DefaultStagingDir receives the local firmware copy and manifest on the client.
	DefaultStagingDir = "ota/firmware"

	// DefaultUploadTimeout bounds a single upload attempt.
	DefaultUploadTimeout = 2 * time.Minute

	// DefaultMaxUploadAttempts is the upload attempt budget.
	DefaultMaxUploadAttempts = 3

	// DefaultRetryDelay is the pause after a connection error before retrying.
	DefaultRetryDelay = 2 * time.Second

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	maxPort = 65535
)

// Environment variables recognized by Load. Environment wins over the
// settings file for everything except ServerURL, where the project setting
// takes precedence and the environment only fills a gap.
const (
	EnvFirmwareDir = "FIRMWARE_DIR"
	EnvPort        = "PORT"
	EnvFlashMethod = "FLASH_METHOD"
	EnvServerURL   = "OTA_SERVER_URL"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errInvalidPort is returned when the configured port is out of range.
	errInvalidPort = errors.New("port must be between 1 and 65535")
	// errInvalidFlashMethod is returned for unrecognized flash methods.
	errInvalidFlashMethod = errors.New("flash method must be serial or ota")
)

// Load reads configuration from the provided path, applies environment
// overrides and validates the result. A missing settings file is not an
// error: the upload server traditionally runs on environment variables and
// defaults alone.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	var cfg Config

	contents, err := os.ReadFile(filepath.Clean(path))
	switch {
	case err == nil:
		if err = yaml.Unmarshal(contents, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// Defaults and environment only.
	default:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err = applyEnvironment(&cfg); err != nil {
		return nil, err
	}

	if err = Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings and fills unset fields with defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.FirmwareDir == "" {
		cfg.FirmwareDir = DefaultFirmwareDir
	}

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	if cfg.Port < 0 || cfg.Port > maxPort {
		return fmt.Errorf("%w, got %d", errInvalidPort, cfg.Port)
	}

	method, known := NormalizeFlashMethod(cfg.FlashMethod)
	if !known && cfg.FlashMethod != "" {
		return fmt.Errorf("%w, got %q", errInvalidFlashMethod, cfg.FlashMethod)
	}

	cfg.FlashMethod = method

	if cfg.StagingDir == "" {
		cfg.StagingDir = DefaultStagingDir
	}

	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}

	if cfg.MaxUploadAttempts <= 0 {
		cfg.MaxUploadAttempts = DefaultMaxUploadAttempts
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	if cfg.ServerURL == "" {
		return nil
	}

	if _, err := url.ParseRequestURI(cfg.ServerURL); err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	return nil
}

// NormalizeFlashMethod lowercases and trims the method name and maps the
// serial aliases (uart, usb) onto serial. The second return value reports
// whether the input named a known method; unknown input falls back to serial.
func NormalizeFlashMethod(method string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "", FlashMethodSerial, "uart", "usb":
		return FlashMethodSerial, true
	case FlashMethodOTA:
		return FlashMethodOTA, true
	default:
		return FlashMethodSerial, false
	}
}

// ListenAddress renders the server bind address from the configured port.
func (c *Config) ListenAddress() string {
	return ":" + strconv.Itoa(c.Port)
}

// applyEnvironment folds recognized environment variables into the config.
func applyEnvironment(cfg *Config) error {
	if dir := os.Getenv(EnvFirmwareDir); dir != "" {
		cfg.FirmwareDir = dir
	}

	if rawPort := os.Getenv(EnvPort); rawPort != "" {
		port, err := strconv.Atoi(rawPort)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", EnvPort, rawPort, err)
		}

		cfg.Port = port
	}

	// Environment beats the project setting for the flash method.
	if method := os.Getenv(EnvFlashMethod); method != "" {
		cfg.FlashMethod = method
	}

	// The project setting beats the environment for the server URL.
	if cfg.ServerURL == "" {
		cfg.ServerURL = os.Getenv(EnvServerURL)
	}

	return nil
}
