// Package staging persists the single-slot firmware staging directory:
// one firmware.bin and one manifest.json, fully replaced on every store.
// It backs both the upload server and the deploy client's local staging step.
package staging
