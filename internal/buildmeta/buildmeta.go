package buildmeta

import (
	"regexp"

	"github.com/espforge/ota-stage/internal/config"
	"github.com/espforge/ota-stage/internal/manifest"
)

// firmwareVersionPattern extracts the version from a build-flags string such
// as `-DFIRMWARE_VERSION=\"1.4.2\"`. Digits and dots only.
var firmwareVersionPattern = regexp.MustCompile(`FIRMWARE_VERSION[=\\"]+"?([0-9.]+)`)

// Metadata is the resolved build metadata the deploy client acts on.
// It is derived once from configuration; nothing downstream consults the
// environment or the project file again.
type Metadata struct {
	// Version is the firmware version string staged into the manifest.
	Version string
	// Board identifies the target hardware.
	Board string
	// FlashMethod is either serial or ota after normalization.
	FlashMethod string
}

// Resolve derives deploy metadata from loaded configuration.
func Resolve(cfg *config.Config) *Metadata {
	board := cfg.Board
	if board == "" {
		board = manifest.DefaultBoard
	}

	method, _ := config.NormalizeFlashMethod(cfg.FlashMethod)

	return &Metadata{
		Version:     ResolveVersion(cfg.FirmwareVersion, cfg.BuildFlags),
		Board:       board,
		FlashMethod: method,
	}
}

// ResolveVersion picks the firmware version with the documented precedence:
// explicit override, then a FIRMWARE_VERSION definition inside the build
// flags, then the 0.0.0 fallback.
func ResolveVersion(explicit, buildFlags string) string {
	if explicit != "" {
		return explicit
	}

	if match := firmwareVersionPattern.FindStringSubmatch(buildFlags); len(match) > 1 {
		return match[1]
	}

	return manifest.DefaultVersion
}
