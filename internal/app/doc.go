// Package app wires configuration, storage, transport, services and the
// HTTP surface into a runnable server. Nothing here contains business
// rules; it only builds and supervises the pieces.
package app
