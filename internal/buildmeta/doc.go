// Package buildmeta resolves the build metadata the deploy client needs:
// firmware version (explicit override or FIRMWARE_VERSION build flag),
// target board and flash method. It models the host build tool as a plain
// configuration source so the core never depends on how the build runs.
package buildmeta
