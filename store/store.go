// Package store provides storage backends for the quarry runtime: an
// in-memory store for tests and tooling, a SQLite-backed durable store, and
// a read-through cache layer. Stores serve raw bytes only; all decoding and
// canonical encoding happens in package vm.
package store

import "github.com/quarryvm/quarry/vm"

// Store is the full backend surface: resource reads for the state adapter,
// module bytes for the module provider, and write-set application for the
// commit layer.
type Store interface {
	vm.StateStore
	vm.ModuleBytesStore

	// PutModuleBytes publishes module wire bytes under (addr, name).
	PutModuleBytes(addr vm.Address, name string, data []byte) error

	// ApplyWriteSet commits a finalized write set atomically.
	ApplyWriteSet(ws vm.WriteSet) error
}

// writeOpTagKey returns the canonical tag key a write op is stored under.
func writeOpTagKey(op vm.WriteOp) ([]byte, error) {
	return vm.EncodeTypeTag(op.Tag)
}
