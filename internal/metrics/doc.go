// Package metrics wires a Prometheus registry for the upload server:
// upload counts by outcome, staged binary sizes and build info.
package metrics
