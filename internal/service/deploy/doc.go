// Package deploy implements the client side of the staging protocol: it
// copies a freshly built firmware binary into the local staging directory
// with its manifest and, when the flash method is ota, transmits it to the
// upload server with a reachability probe and bounded retries.
//
// Remote staging failure is advisory; it never fails the caller's pipeline.
package deploy
