// Package car allows inspecting and reading CAR files,
// described at https://ipld.io/specs/transport/car/.
// This library supports both v1 and v2 of the format, and provides a
// read-only, index-backed blockstore.Blockstore implementation over them.
//
// The forest sub-package implements a compressed, zstd-frame-backed archive
// format with the same blockstore interface, for storage at rest.
//
// The store sub-package composes any number of read-only blockstores with
// an optional writable overlay.
//
// The snapshot sub-package imports external CAR snapshots into a managed
// directory of forest archives.
package car
