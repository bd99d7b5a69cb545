package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// clearEnvironment blanks the recognized variables so ambient shell state
// cannot leak into load tests.
func clearEnvironment(t *testing.T) {
	t.Helper()

	for _, key := range []string{EnvFirmwareDir, EnvPort, EnvFlashMethod, EnvServerURL} {
		t.Setenv(key, "")
	}
}

// TestLoad_MissingFileUsesDefaults verifies a missing settings file is not fatal.
func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnvironment(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultFirmwareDir, cfg.FirmwareDir)
	require.Equal(t, DefaultPort, cfg.Port)
	require.Equal(t, FlashMethodSerial, cfg.FlashMethod)
	require.Equal(t, DefaultStagingDir, cfg.StagingDir)
	require.Equal(t, DefaultUploadTimeout, cfg.UploadTimeout)
	require.Equal(t, DefaultMaxUploadAttempts, cfg.MaxUploadAttempts)
	require.Equal(t, DefaultRetryDelay, cfg.RetryDelay)
}

// TestLoad_FileValues ensures YAML settings survive the load and defaulting pass.
func TestLoad_FileValues(t *testing.T) {
	clearEnvironment(t)

	path := filepath.Join(t.TempDir(), "settings.yaml")
	contents := `
firmware_dir: /srv/firmware
port: 9090
flash_method: ota
ota_server_url: http://10.0.0.5:8081/upload
board: esp32dev
upload_timeout: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(contents), DefaultFilePermissions))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/srv/firmware", cfg.FirmwareDir)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, FlashMethodOTA, cfg.FlashMethod)
	require.Equal(t, "http://10.0.0.5:8081/upload", cfg.ServerURL)
	require.Equal(t, "esp32dev", cfg.Board)
	require.Equal(t, 30*time.Second, cfg.UploadTimeout)
	require.Equal(t, ":9090", cfg.ListenAddress())
}

// TestLoad_EnvironmentOverrides checks env precedence: environment wins for
// flash method, firmware dir and port; the project setting wins for the URL.
func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	contents := `
flash_method: serial
ota_server_url: http://project:8081/upload
`
	require.NoError(t, os.WriteFile(path, []byte(contents), DefaultFilePermissions))

	t.Setenv(EnvFlashMethod, "ota")
	t.Setenv(EnvFirmwareDir, "/tmp/fw")
	t.Setenv(EnvPort, "8888")
	t.Setenv(EnvServerURL, "http://env:8081/upload")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, FlashMethodOTA, cfg.FlashMethod)
	require.Equal(t, "/tmp/fw", cfg.FirmwareDir)
	require.Equal(t, 8888, cfg.Port)
	require.Equal(t, "http://project:8081/upload", cfg.ServerURL)
}

// TestLoad_EnvironmentURLFillsGap verifies OTA_SERVER_URL applies when the file has none.
func TestLoad_EnvironmentURLFillsGap(t *testing.T) {
	clearEnvironment(t)
	t.Setenv(EnvServerURL, "http://env:8081/upload")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, "http://env:8081/upload", cfg.ServerURL)
}

// TestValidate_Rejections covers out-of-range ports and unknown flash methods.
func TestValidate_Rejections(t *testing.T) {
	t.Parallel()

	require.Error(t, Validate(&Config{Port: 70000}))
	require.Error(t, Validate(&Config{FlashMethod: "carrier-pigeon"}))
	require.Error(t, Validate(&Config{ServerURL: "not a url"}))
	require.Error(t, Validate(nil))
}

// TestNormalizeFlashMethod checks alias folding and the serial fallback.
func TestNormalizeFlashMethod(t *testing.T) {
	t.Parallel()

	for _, alias := range []string{"serial", "UART", " usb ", ""} {
		method, known := NormalizeFlashMethod(alias)
		require.True(t, known, alias)
		require.Equal(t, FlashMethodSerial, method, alias)
	}

	method, known := NormalizeFlashMethod("OTA")
	require.True(t, known)
	require.Equal(t, FlashMethodOTA, method)

	method, known = NormalizeFlashMethod("bogus")
	require.False(t, known)
	require.Equal(t, FlashMethodSerial, method)
}

// TestSaveLoad_Roundtrip ensures Save output loads back identically.
func TestSaveLoad_Roundtrip(t *testing.T) {
	clearEnvironment(t)

	path := filepath.Join(t.TempDir(), "settings.yaml")
	want := &Config{
		FirmwareDir: "/srv/firmware",
		Port:        9191,
		FlashMethod: FlashMethodOTA,
		ServerURL:   "http://10.0.0.5:8081/upload",
		Board:       "esp32dev",
	}

	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, want.FirmwareDir, got.FirmwareDir)
	require.Equal(t, want.Port, got.Port)
	require.Equal(t, want.FlashMethod, got.FlashMethod)
	require.Equal(t, want.ServerURL, got.ServerURL)
	require.Equal(t, want.Board, got.Board)
}
