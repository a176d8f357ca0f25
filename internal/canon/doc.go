// Package canon is the value model for entity payloads and snapshots.
//
// Payloads are JSON-shaped trees built from a sealed set of types (no floats,
// quantities are decimal strings). Everything persisted or hashed goes through
// the RFC 8785 canonical encoder in this package so that request fingerprints
// and stored receipts are byte-stable across processes and replays.
//
// canon imports nothing internal; every other internal package may import it.
package canon
