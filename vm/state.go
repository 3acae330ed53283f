package vm

import (
	"bytes"
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Storage collaborator
// ---------------------------------------------------------------------------

// StateStore supplies raw resource bytes from durable storage. It is
// consulted only on cache miss; commits never flow through this interface.
// The tag key is the canonical type tag encoding (EncodeTypeTag).
type StateStore interface {
	GetResource(addr Address, tagKey []byte) ([]byte, bool, error)
}

// ---------------------------------------------------------------------------
// Write operations
// ---------------------------------------------------------------------------

// WriteOpKind discriminates pending state changes.
type WriteOpKind int

const (
	WriteOpCreate WriteOpKind = iota
	WriteOpModify
	WriteOpDelete
)

func (k WriteOpKind) String() string {
	switch k {
	case WriteOpCreate:
		return "create"
	case WriteOpModify:
		return "modify"
	case WriteOpDelete:
		return "delete"
	}
	return fmt.Sprintf("writeop(%d)", int(k))
}

// WriteOp is one pending change to a globally addressed resource. Value
// holds the canonical encoding for Create/Modify and is nil for Delete.
type WriteOp struct {
	Address Address
	Tag     TagStruct
	Kind    WriteOpKind
	Value   []byte
}

// WriteSet is the ordered collection of pending operations produced by one
// execution, at most one per (address, type) key, applied atomically by the
// external ledger.
type WriteSet []WriteOp

type wireWriteOp struct {
	Address []byte   `cbor:"0,keyasint"`
	Tag     *wireTag `cbor:"1,keyasint"`
	Kind    int      `cbor:"2,keyasint"`
	Value   []byte   `cbor:"3,keyasint,omitempty"`
}

// MarshalBinary encodes the write set in its canonical CBOR wire form for
// the commit layer.
func (ws WriteSet) MarshalBinary() ([]byte, error) {
	wire := make([]wireWriteOp, len(ws))
	for i, op := range ws {
		op := op // wire[i].Address aliases op.Address past this iteration
		wire[i] = wireWriteOp{
			Address: op.Address[:],
			Tag:     tagToWire(op.Tag),
			Kind:    int(op.Kind),
			Value:   op.Value,
		}
	}
	return cborEncMode.Marshal(wire)
}

// UnmarshalBinary decodes the canonical CBOR wire form of a write set.
func (ws *WriteSet) UnmarshalBinary(data []byte) error {
	var wire []wireWriteOp
	if err := cborDecode(data, &wire); err != nil {
		return err
	}
	out := make(WriteSet, len(wire))
	for i, w := range wire {
		addr, err := AddressFromBytes(w.Address)
		if err != nil {
			return err
		}
		t, err := tagFromWire(w.Tag)
		if err != nil {
			return err
		}
		st, ok := t.(TagStruct)
		if !ok {
			return fmt.Errorf("write op %d keyed by non-struct tag %s: %w", i, t, ErrDeserialization)
		}
		out[i] = WriteOp{Address: addr, Tag: st, Kind: WriteOpKind(w.Kind), Value: w.Value}
	}
	*ws = out
	return nil
}

// ---------------------------------------------------------------------------
// Global state adapter
// ---------------------------------------------------------------------------

type resourceKey struct {
	address Address
	tag     string // canonical tag bytes
}

// resourceEntry is the execution-local view of one resource: its current
// value (nil once deleted), whether the durable store held it when first
// consulted, whether the execution changed it, and its borrow slot.
type resourceEntry struct {
	tag            TagStruct
	value          Value
	existedInStore bool
	touched        bool
	borrow         borrowState
}

// StateAdapter is the per-execution cache and write-set accumulator over
// globally addressed resources. It is driven by exactly one logical thread.
// Nothing becomes externally visible until the caller commits the Finalize
// result; discarding the adapter discards every pending change.
type StateAdapter struct {
	store     StateStore
	codec     *Codec
	entries   map[resourceKey]*resourceEntry
	finalized bool
}

// NewStateAdapter builds an adapter over the given durable store. The codec
// decodes raw store bytes and produces the canonical bytes in write ops.
func NewStateAdapter(store StateStore, codec *Codec) *StateAdapter {
	return &StateAdapter{
		store:   store,
		codec:   codec,
		entries: make(map[resourceKey]*resourceEntry),
	}
}

func (a *StateAdapter) key(addr Address, tag TagStruct) (resourceKey, error) {
	raw, err := EncodeTypeTag(tag)
	if err != nil {
		return resourceKey{}, err
	}
	return resourceKey{address: addr, tag: string(raw)}, nil
}

// entry returns the execution-local entry for (addr, tag), consulting the
// durable store the first time the key is touched. A cached deleted marker
// shadows whatever the store holds.
func (a *StateAdapter) entry(addr Address, tag TagStruct) (*resourceEntry, error) {
	k, err := a.key(addr, tag)
	if err != nil {
		return nil, err
	}
	if e, ok := a.entries[k]; ok {
		return e, nil
	}
	e := &resourceEntry{tag: tag}
	if a.store != nil {
		raw, ok, err := a.store.GetResource(addr, []byte(k.tag))
		if err != nil {
			return nil, fmt.Errorf("load resource %s at %s: %w", tag, addr, err)
		}
		if ok {
			v, err := a.codec.Decode(raw, tag)
			if err != nil {
				// Stored bytes are this layer's own canonical output;
				// failing to decode them is a storage-integrity fault.
				return nil, newFault("state_read", err)
			}
			e.value = v
			e.existedInStore = true
		}
	}
	a.entries[k] = e
	return e, nil
}

// GetResource returns the current value of (addr, tag) in this execution:
// the cached/overridden value if the key was touched, otherwise the decoded
// store value. It fails with ErrResourceDoesNotExist if the resource is
// absent everywhere, including when a deletion in this execution shadows a
// still-present store value.
//
// The result is an independent snapshot of the cached entry. Consuming or
// mutating it leaves the execution's view of the resource intact; the
// resource itself moves out only through DeleteResource.
func (a *StateAdapter) GetResource(addr Address, tag TagStruct) (Value, error) {
	e, err := a.entry(addr, tag)
	if err != nil {
		return nil, err
	}
	if e.value == nil {
		return nil, fmt.Errorf("%s at %s: %w", tag, addr, ErrResourceDoesNotExist)
	}
	return deepCopy(e.value), nil
}

// ResourceExists reports whether (addr, tag) currently exists in this
// execution's view.
func (a *StateAdapter) ResourceExists(addr Address, tag TagStruct) (bool, error) {
	e, err := a.entry(addr, tag)
	if err != nil {
		return false, err
	}
	return e.value != nil, nil
}

// SetResource publishes v under (addr, tag). The resulting write op is
// Create if the key existed nowhere (cache or store) when this execution
// first touched it, Modify otherwise; a later set replaces any earlier
// pending op for the same key.
//
// v must be a struct of exactly type tag whose effective abilities include
// key; storing anything else is an ability violation.
func (a *StateAdapter) SetResource(addr Address, tag TagStruct, v Value) error {
	if !ValueMatchesTag(v, tag) {
		return fmt.Errorf("resource at %s expects %s, got %T: %w", addr, tag, v, ErrTypeMismatch)
	}
	s := v.(*StructValue)
	if !s.Abilities.HasKey() {
		return fmt.Errorf("type %s lacks key, cannot be published: %w", tag, ErrAbilityViolation)
	}
	e, err := a.entry(addr, tag)
	if err != nil {
		return err
	}
	if e.borrow.live() {
		return newFault("state_write", fmt.Errorf("resource %s at %s is borrowed: %w", tag, addr, ErrBorrowConflict))
	}
	e.value = v
	e.touched = true
	return nil
}

// DeleteResource removes (addr, tag) from this execution's view and records
// a pending delete. Subsequent reads of the key in this execution fail with
// ErrResourceDoesNotExist regardless of what the durable store holds.
func (a *StateAdapter) DeleteResource(addr Address, tag TagStruct) (Value, error) {
	e, err := a.entry(addr, tag)
	if err != nil {
		return nil, err
	}
	if e.value == nil {
		return nil, fmt.Errorf("%s at %s: %w", tag, addr, ErrResourceDoesNotExist)
	}
	if e.borrow.live() {
		return nil, newFault("state_delete", fmt.Errorf("resource %s at %s is borrowed: %w", tag, addr, ErrBorrowConflict))
	}
	v := e.value
	e.value = nil
	e.touched = true
	return v, nil
}

// BorrowGlobal takes a reference to the resource at (addr, tag), loading it
// through the store on first touch. Exclusivity follows the same rules as
// local borrows, scoped to the resource key for the whole execution.
func (a *StateAdapter) BorrowGlobal(addr Address, tag TagStruct, mutable bool) (*GlobalRef, error) {
	e, err := a.entry(addr, tag)
	if err != nil {
		return nil, err
	}
	if e.value == nil {
		return nil, fmt.Errorf("%s at %s: %w", tag, addr, ErrResourceDoesNotExist)
	}
	if err := e.borrow.acquire(mutable); err != nil {
		return nil, newFault("borrow_global", fmt.Errorf("resource %s at %s: %w", tag, addr, err))
	}
	k, _ := a.key(addr, tag)
	return &GlobalRef{adapter: a, key: k, tag: tag, mutable: mutable}, nil
}

// Finalize encodes the accumulated changes into an ordered write set:
// exactly one op per touched key, sorted by address then canonical tag
// bytes so every node emits the identical sequence. It may be called once;
// the durable commit of the result belongs to the caller.
func (a *StateAdapter) Finalize() (WriteSet, error) {
	if a.finalized {
		return nil, newFault("finalize", fmt.Errorf("write set already finalized: %w", ErrBorrowConflict))
	}
	a.finalized = true

	keys := make([]resourceKey, 0, len(a.entries))
	for k, e := range a.entries {
		if e.touched {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := bytes.Compare(keys[i].address[:], keys[j].address[:]); c != 0 {
			return c < 0
		}
		return keys[i].tag < keys[j].tag
	})

	ws := make(WriteSet, 0, len(keys))
	for _, k := range keys {
		e := a.entries[k]
		switch {
		case e.value == nil && e.existedInStore:
			ws = append(ws, WriteOp{Address: k.address, Tag: e.tag, Kind: WriteOpDelete})
		case e.value == nil:
			// Created and deleted within this execution: no net effect.
		default:
			raw, err := a.codec.Encode(e.value, e.tag)
			if err != nil {
				return nil, err
			}
			kind := WriteOpCreate
			if e.existedInStore {
				kind = WriteOpModify
			}
			ws = append(ws, WriteOp{Address: k.address, Tag: e.tag, Kind: kind, Value: raw})
		}
	}
	return ws, nil
}
