// Package config defines settings used by the ota-stage binaries and provides
// helpers to load, validate and save them in YAML format.
//
// Environment variables (FIRMWARE_DIR, PORT, FLASH_METHOD, OTA_SERVER_URL)
// are folded in once at load time so the rest of the code only ever sees an
// explicit Config value.
package config
