package vm

import "fmt"

// ---------------------------------------------------------------------------
// Borrow state machine
//
// Every borrowable slot (a frame local or a cached global resource) moves
// through Free -> SharedBorrowed(n) -> Free, or Free -> ExclusivelyBorrowed
// -> Free. The static verifier proves these transitions can never conflict;
// a conflict observed here is therefore surfaced as a Fault.
// ---------------------------------------------------------------------------

type borrowState struct {
	shared    int
	exclusive bool
}

func (b *borrowState) live() bool { return b.exclusive || b.shared > 0 }

func (b *borrowState) acquire(mutable bool) error {
	if b.exclusive {
		return fmt.Errorf("slot is exclusively borrowed: %w", ErrBorrowConflict)
	}
	if mutable {
		if b.shared > 0 {
			return fmt.Errorf("slot has %d live shared borrows: %w", b.shared, ErrBorrowConflict)
		}
		b.exclusive = true
		return nil
	}
	b.shared++
	return nil
}

func (b *borrowState) release(mutable bool) error {
	if mutable {
		if !b.exclusive {
			return fmt.Errorf("releasing exclusive borrow that is not held: %w", ErrBorrowConflict)
		}
		b.exclusive = false
		return nil
	}
	if b.shared == 0 {
		return fmt.Errorf("releasing shared borrow that is not held: %w", ErrBorrowConflict)
	}
	b.shared--
	return nil
}

// ---------------------------------------------------------------------------
// References
// ---------------------------------------------------------------------------

// Reference is a borrowed view of a value slot: either a frame local or a
// cached global resource. References are values themselves (they live on
// the interpreter's stack) but are transient: they never outlive their
// owning frame (locals) or the execution (globals), and they are never
// serialized.
type Reference interface {
	Value

	// refID identifies the underlying slot. Two references are
	// structurally equal exactly when their refIDs match; pointee values
	// are never consulted.
	refID() string

	// Mutable reports whether this is the exclusive mutable borrow.
	Mutable() bool

	// ReadRef materializes a standalone deep copy of the pointee. The
	// pointee's type must have the copy ability.
	ReadRef(r *Resolver) (Value, error)

	// View returns the pointee as a borrowed view without copying. The
	// caller must not retain it past the reference's release.
	View() (Value, error)

	// WriteRef replaces the pointee. The reference must be the exclusive
	// mutable borrow and v must match the pointee's type.
	WriteRef(v Value) error

	// Release returns the slot toward Free (or decrements the shared
	// count). Each reference is released exactly once.
	Release() error
}

// readThroughRef implements ReadRef's copy-out semantics shared by local
// and global references.
func readThroughRef(r *Resolver, pointee Value) (Value, error) {
	return CopyValue(r, pointee)
}

// checkWriteType verifies that replacement v matches the pointee's runtime
// type.
func checkWriteType(old, v Value) error {
	t, err := TypeOf(old)
	if err != nil {
		return err
	}
	if !ValueMatchesTag(v, t) {
		return fmt.Errorf("reference points at %s, cannot write %T: %w", t, v, ErrTypeMismatch)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Local references
// ---------------------------------------------------------------------------

// LocalRef is a borrow of one local slot of a call frame. It is invalidated
// when its frame is popped.
type LocalRef struct {
	frame    *Frame
	slot     int
	mutable  bool
	released bool
}

func (*LocalRef) isValue() {}

func (ref *LocalRef) refID() string {
	return fmt.Sprintf("local:%d:%d", ref.frame.id, ref.slot)
}

// Mutable reports whether this is the exclusive mutable borrow.
func (ref *LocalRef) Mutable() bool { return ref.mutable }

func (ref *LocalRef) check() error {
	if ref.released {
		return newFault("read_ref", fmt.Errorf("reference to local %d already released: %w", ref.slot, ErrBorrowConflict))
	}
	if !ref.frame.alive {
		return newFault("read_ref", fmt.Errorf("reference outlived frame %d: %w", ref.frame.id, ErrBorrowConflict))
	}
	return nil
}

// View returns the pointee without copying.
func (ref *LocalRef) View() (Value, error) {
	if err := ref.check(); err != nil {
		return nil, err
	}
	return ref.frame.slots[ref.slot].value, nil
}

// ReadRef materializes a standalone copy of the pointee; the pointee's type
// must have the copy ability.
func (ref *LocalRef) ReadRef(r *Resolver) (Value, error) {
	pointee, err := ref.View()
	if err != nil {
		return nil, err
	}
	return readThroughRef(r, pointee)
}

// WriteRef replaces the pointee through the exclusive borrow.
func (ref *LocalRef) WriteRef(v Value) error {
	if err := ref.check(); err != nil {
		return err
	}
	if !ref.mutable {
		return newFault("write_ref", fmt.Errorf("write through shared borrow of local %d: %w", ref.slot, ErrBorrowConflict))
	}
	s := &ref.frame.slots[ref.slot]
	if err := checkWriteType(s.value, v); err != nil {
		return err
	}
	s.value = v
	return nil
}

// Release returns the slot toward Free.
func (ref *LocalRef) Release() error {
	if ref.released {
		return newFault("release_ref", fmt.Errorf("local reference released twice: %w", ErrBorrowConflict))
	}
	ref.released = true
	if err := ref.frame.slots[ref.slot].borrow.release(ref.mutable); err != nil {
		return newFault("release_ref", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Global references
// ---------------------------------------------------------------------------

// GlobalRef is a borrow of a cached global resource. It is scoped to the
// full transaction execution rather than to any frame.
type GlobalRef struct {
	adapter  *StateAdapter
	key      resourceKey
	tag      TagStruct
	mutable  bool
	released bool
}

func (*GlobalRef) isValue() {}

func (ref *GlobalRef) refID() string {
	return "global:" + string(ref.key.address[:]) + ":" + ref.key.tag
}

// Mutable reports whether this is the exclusive mutable borrow.
func (ref *GlobalRef) Mutable() bool { return ref.mutable }

// Target returns the resource identity the reference points at.
func (ref *GlobalRef) Target() (Address, TagStruct) { return ref.key.address, ref.tag }

func (ref *GlobalRef) check() (*resourceEntry, error) {
	if ref.released {
		return nil, newFault("read_ref", fmt.Errorf("global reference to %s already released: %w", ref.tag, ErrBorrowConflict))
	}
	entry := ref.adapter.entries[ref.key]
	if entry == nil || entry.value == nil {
		return nil, newFault("read_ref", fmt.Errorf("global reference to deleted resource %s: %w", ref.tag, ErrBorrowConflict))
	}
	return entry, nil
}

// View returns the cached resource value without copying.
func (ref *GlobalRef) View() (Value, error) {
	entry, err := ref.check()
	if err != nil {
		return nil, err
	}
	return entry.value, nil
}

// ReadRef materializes a standalone copy of the resource; its type must
// have the copy ability.
func (ref *GlobalRef) ReadRef(r *Resolver) (Value, error) {
	pointee, err := ref.View()
	if err != nil {
		return nil, err
	}
	return readThroughRef(r, pointee)
}

// WriteRef replaces the resource through the exclusive borrow. The change
// lands in the execution-local cache and reaches the write set at finalize.
func (ref *GlobalRef) WriteRef(v Value) error {
	entry, err := ref.check()
	if err != nil {
		return err
	}
	if !ref.mutable {
		return newFault("write_ref", fmt.Errorf("write through shared borrow of %s: %w", ref.tag, ErrBorrowConflict))
	}
	if err := checkWriteType(entry.value, v); err != nil {
		return err
	}
	entry.value = v
	entry.touched = true
	return nil
}

// Release returns the resource's borrow slot toward Free.
func (ref *GlobalRef) Release() error {
	if ref.released {
		return newFault("release_ref", fmt.Errorf("global reference released twice: %w", ErrBorrowConflict))
	}
	ref.released = true
	entry := ref.adapter.entries[ref.key]
	if entry == nil {
		return newFault("release_ref", fmt.Errorf("global reference to unknown resource %s: %w", ref.tag, ErrBorrowConflict))
	}
	if err := entry.borrow.release(ref.mutable); err != nil {
		return newFault("release_ref", err)
	}
	return nil
}
