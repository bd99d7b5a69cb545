package manifest

import (
	"crypto/md5" //nolint:gosec // MD5 is the staging protocol's integrity digest, not a security boundary.
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// FirmwareFilename is the fixed logical name of the staged binary.
	// The staging model is single-slot, so the name never varies per version.
	FirmwareFilename = "firmware.bin"

	// Filename is the name of the manifest file inside the staging directory.
	Filename = "manifest.json"

	// DefaultVersion is used when no firmware version could be resolved.
	DefaultVersion = "0.0.0"

	// DefaultBoard is used when the target hardware is unknown.
	DefaultBoard = "unknown"
)

// Manifest describes the currently staged firmware. It is the sole persisted
// entity of the staging protocol and is overwritten wholesale on every
// successful upload.
type Manifest struct {
	// Version is the firmware's semantic-ish version string.
	Version string `json:"version"`
	// File is the logical filename of the binary, always firmware.bin.
	File string `json:"file"`
	// MD5 is the lowercase hex digest of the binary's content.
	MD5 string `json:"md5"`
	// Size is the byte length of the binary.
	Size int64 `json:"size"`
	// Board identifies the target hardware.
	Board string `json:"board"`
	// Timestamp is the UTC creation time in ISO-8601 with a trailing Z.
	Timestamp string `json:"timestamp"`
}

// New builds a manifest for the provided firmware bytes, filling defaults for
// missing version and board and stamping the current UTC time.
func New(version, board string, firmware []byte) *Manifest {
	if version == "" {
		version = DefaultVersion
	}

	if board == "" {
		board = DefaultBoard
	}

	return &Manifest{
		Version:   version,
		File:      FirmwareFilename,
		MD5:       Checksum(firmware),
		Size:      int64(len(firmware)),
		Board:     board,
		Timestamp: FormatTimestamp(time.Now()),
	}
}

// Checksum returns the lowercase hex MD5 digest of the firmware bytes.
// Client and server compute it independently over the same bytes.
func Checksum(firmware []byte) string {
	digest := md5.Sum(firmware) //nolint:gosec // See package note on MD5.

	return hex.EncodeToString(digest[:])
}

// FormatTimestamp renders a time as UTC ISO-8601 with a trailing Z.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Encode serializes the manifest as pretty-printed JSON.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	return data, nil
}

// Decode parses a manifest from its JSON representation.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	return &m, nil
}
