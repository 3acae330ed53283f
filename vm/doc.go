// Package vm implements the value-and-type runtime layer of the Quarry
// contract virtual machine.
//
// This package contains:
//   - Tagged runtime value representation with ability enforcement
//   - Type tags, struct definitions, and generic instantiation
//   - Local and global references with per-slot borrow tracking
//   - Deterministic gas metering
//   - The canonical byte codec used for persistence and hashing
//   - The per-execution global state adapter and write-set accumulator
//
// The bytecode interpreter, static verifier, and durable storage live
// outside this package; they drive it through Session.
package vm
