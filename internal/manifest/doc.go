// Package manifest defines the firmware manifest: the JSON descriptor of the
// currently staged firmware (version, checksum, size, board, timestamp).
// Both the upload server and the deploy client speak this schema.
package manifest
