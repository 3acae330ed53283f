package store

import (
	"fmt"
	"sync"

	"github.com/quarryvm/quarry/vm"
)

// MemStore is an in-memory Store. It is safe for concurrent use; reads take
// the read lock so concurrent executions can share one store.
type MemStore struct {
	mu        sync.RWMutex
	resources map[memKey][]byte
	modules   map[memKey][]byte
}

type memKey struct {
	address vm.Address
	name    string // canonical tag bytes for resources, module name for modules
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		resources: make(map[memKey][]byte),
		modules:   make(map[memKey][]byte),
	}
}

// GetResource returns the raw bytes stored under (addr, tagKey).
func (s *MemStore) GetResource(addr vm.Address, tagKey []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.resources[memKey{address: addr, name: string(tagKey)}]
	return raw, ok, nil
}

// PutResource stores raw resource bytes directly, bypassing write-set
// semantics. Intended for seeding test fixtures.
func (s *MemStore) PutResource(addr vm.Address, tagKey []byte, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[memKey{address: addr, name: string(tagKey)}] = data
}

// GetModuleBytes returns the module wire bytes published under (addr, name).
func (s *MemStore) GetModuleBytes(addr vm.Address, name string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.modules[memKey{address: addr, name: name}]
	return raw, ok, nil
}

// PutModuleBytes publishes module wire bytes under (addr, name).
func (s *MemStore) PutModuleBytes(addr vm.Address, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[memKey{address: addr, name: name}] = data
	return nil
}

// ApplyWriteSet commits ws atomically: either every op applies or none
// does. Creates over existing keys and modifies/deletes of missing keys are
// commit-layer bugs and are rejected before any mutation.
func (s *MemStore) ApplyWriteSet(ws vm.WriteSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]memKey, len(ws))
	for i, op := range ws {
		tagKey, err := writeOpTagKey(op)
		if err != nil {
			return err
		}
		k := memKey{address: op.Address, name: string(tagKey)}
		keys[i] = k
		_, exists := s.resources[k]
		switch op.Kind {
		case vm.WriteOpCreate:
			if exists {
				return fmt.Errorf("create of existing resource %s at %s", op.Tag, op.Address)
			}
		case vm.WriteOpModify, vm.WriteOpDelete:
			if !exists {
				return fmt.Errorf("%s of missing resource %s at %s", op.Kind, op.Tag, op.Address)
			}
		default:
			return fmt.Errorf("unknown write op kind %d", op.Kind)
		}
	}
	for i, op := range ws {
		if op.Kind == vm.WriteOpDelete {
			delete(s.resources, keys[i])
			continue
		}
		s.resources[keys[i]] = op.Value
	}
	return nil
}
