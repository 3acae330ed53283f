package vm

import (
	"errors"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Session: one transaction execution
// ---------------------------------------------------------------------------

// SessionConfig assembles the collaborators of one execution. Zero fields
// fall back to defaults suitable for tests and tooling; production wiring
// supplies all of them.
type SessionConfig struct {
	// Cache is the shared module table. Concurrent sessions may share one
	// cache; everything else in a session is private to it.
	Cache *ModuleCache

	// Provider supplies verified modules on cache miss.
	Provider ModuleProvider

	// Store supplies raw resource bytes on cache miss. A nil store means
	// every global read misses.
	Store StateStore

	// Schedule is the protocol cost table.
	Schedule *Schedule

	// Limits are the protocol structural bounds.
	Limits Limits

	// GasBudget is the execution's total budget in gas units.
	GasBudget uint64
}

// Session is the interpreter-facing surface of the runtime layer for one
// transaction execution: it owns the frame stack, gas meter, borrow state,
// and write-set accumulator, and charges gas for every operation it
// performs. A session is driven by exactly one logical thread and is
// discarded wholesale on abort; nothing it did is externally visible until
// the caller commits the Finalize result.
type Session struct {
	ID uuid.UUID

	resolver *Resolver
	codec    *Codec
	meter    *Meter
	frames   *FrameStack
	state    *StateAdapter
	limits   Limits
	log      commonlog.Logger
}

// NewSession creates an execution session.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Cache == nil {
		cfg.Cache = NewModuleCache()
	}
	if cfg.Schedule == nil {
		cfg.Schedule = DefaultSchedule()
	}
	def := DefaultLimits()
	if cfg.Limits.MaxCallDepth < 1 {
		cfg.Limits.MaxCallDepth = def.MaxCallDepth
	}
	if cfg.Limits.MaxTypeDepth < 1 {
		cfg.Limits.MaxTypeDepth = def.MaxTypeDepth
	}
	if cfg.Limits.MaxValueSize == 0 {
		cfg.Limits.MaxValueSize = def.MaxValueSize
	}
	resolver := NewResolver(cfg.Cache, cfg.Provider, cfg.Limits.MaxTypeDepth)
	codec := NewCodec(resolver, cfg.Limits)
	s := &Session{
		ID:       uuid.New(),
		resolver: resolver,
		codec:    codec,
		meter:    NewMeter(cfg.Schedule, cfg.GasBudget),
		frames:   NewFrameStack(cfg.Limits.MaxCallDepth),
		state:    NewStateAdapter(cfg.Store, codec),
		limits:   cfg.Limits,
	}
	s.log = commonlog.GetLogger("quarry.session")
	return s
}

// Resolver exposes the type system to the interpreter.
func (s *Session) Resolver() *Resolver { return s.resolver }

// Codec exposes the canonical codec, for argument and return decoding.
func (s *Session) Codec() *Codec { return s.codec }

// GasUsed returns the gas consumed so far.
func (s *Session) GasUsed() uint64 { return s.meter.Used() }

// GasRemaining returns the unspent budget.
func (s *Session) GasRemaining() uint64 { return s.meter.Remaining() }

// fail logs faults at error level with the session identity, so verifier
// disagreements stand out from ordinary transaction failures, and passes
// user errors through untouched.
func (s *Session) fail(op string, err error) error {
	var f *Fault
	if errors.As(err, &f) {
		if f.Execution == uuid.Nil {
			f.Execution = s.ID
		}
		s.log.Errorf("fault in %s: %s", op, err.Error())
		return err
	}
	s.log.Debugf("execution %s: %s failed: %s", s.ID, op, err.Error())
	return err
}

// ---------------------------------------------------------------------------
// Charged operations
// ---------------------------------------------------------------------------

// Pack assembles a struct value, charging by the packed size.
func (s *Session) Pack(def *StructDef, typeArgs []TypeTag, fields []Value) (*StructValue, error) {
	var size uint64
	for _, f := range fields {
		size += SizeOf(f)
	}
	if err := s.meter.Charge(OpPack, size); err != nil {
		return nil, s.fail("pack", err)
	}
	v, err := Pack(s.resolver, def, typeArgs, fields)
	if err != nil {
		return nil, s.fail("pack", err)
	}
	return v, nil
}

// Unpack consumes a struct value, charging by its size.
func (s *Session) Unpack(v Value, expected TagStruct) ([]Value, error) {
	if err := s.meter.Charge(OpUnpack, SizeOf(v)); err != nil {
		return nil, s.fail("unpack", err)
	}
	fields, err := Unpack(v, expected)
	if err != nil {
		return nil, s.fail("unpack", err)
	}
	return fields, nil
}

// CopyValue duplicates v, charging by its size.
func (s *Session) CopyValue(v Value) (Value, error) {
	if err := s.meter.Charge(OpCopy, SizeOf(v)); err != nil {
		return nil, s.fail("copy", err)
	}
	out, err := CopyValue(s.resolver, v)
	if err != nil {
		return nil, s.fail("copy", err)
	}
	return out, nil
}

// Equals compares two values structurally, charging by the combined size.
func (s *Session) Equals(a, b Value) (bool, error) {
	if err := s.meter.Charge(OpEq, SizeOf(a)+SizeOf(b)); err != nil {
		return false, s.fail("eq", err)
	}
	return StructuralEquals(a, b), nil
}

// ---------------------------------------------------------------------------
// Frames and locals
// ---------------------------------------------------------------------------

// PushFrame opens a call frame with localCount slots.
func (s *Session) PushFrame(localCount int) (*Frame, error) {
	f, err := s.frames.PushFrame(localCount)
	if err != nil {
		return nil, s.fail("push_frame", err)
	}
	return f, nil
}

// PopFrame closes the innermost frame.
func (s *Session) PopFrame() error {
	if err := s.frames.PopFrame(); err != nil {
		return s.fail("pop_frame", err)
	}
	return nil
}

// FrameDepth returns the live frame count.
func (s *Session) FrameDepth() int { return s.frames.Depth() }

// StoreLocal stores v into a slot of f.
func (s *Session) StoreLocal(f *Frame, slot int, v Value) error {
	if err := s.meter.Charge(OpStoreLocal, SizeOf(v)); err != nil {
		return s.fail("store_local", err)
	}
	if err := f.StoreLocal(s.resolver, slot, v); err != nil {
		return s.fail("store_local", err)
	}
	return nil
}

// MoveLocal moves the value out of a slot of f.
func (s *Session) MoveLocal(f *Frame, slot int) (Value, error) {
	if err := s.meter.Charge(OpMoveLocal, 0); err != nil {
		return nil, s.fail("move_local", err)
	}
	v, err := f.MoveLocal(slot)
	if err != nil {
		return nil, s.fail("move_local", err)
	}
	return v, nil
}

// CopyLocal duplicates the value in a slot of f.
func (s *Session) CopyLocal(f *Frame, slot int) (Value, error) {
	if err := s.meter.Charge(OpCopyLocal, 0); err != nil {
		return nil, s.fail("copy_local", err)
	}
	v, err := f.CopyLocal(s.resolver, slot)
	if err != nil {
		return nil, s.fail("copy_local", err)
	}
	return v, nil
}

// BorrowLocal takes a reference to a slot of f.
func (s *Session) BorrowLocal(f *Frame, slot int, mutable bool) (*LocalRef, error) {
	if err := s.meter.Charge(OpBorrowLocal, 0); err != nil {
		return nil, s.fail("borrow_local", err)
	}
	ref, err := f.BorrowLocal(slot, mutable)
	if err != nil {
		return nil, s.fail("borrow_local", err)
	}
	return ref, nil
}

// ReadRef copies the pointee out of ref.
func (s *Session) ReadRef(ref Reference) (Value, error) {
	if err := s.meter.Charge(OpReadRef, 0); err != nil {
		return nil, s.fail("read_ref", err)
	}
	v, err := ref.ReadRef(s.resolver)
	if err != nil {
		return nil, s.fail("read_ref", err)
	}
	return v, nil
}

// WriteRef replaces the pointee of ref.
func (s *Session) WriteRef(ref Reference, v Value) error {
	if err := s.meter.Charge(OpWriteRef, SizeOf(v)); err != nil {
		return s.fail("write_ref", err)
	}
	if err := ref.WriteRef(v); err != nil {
		return s.fail("write_ref", err)
	}
	return nil
}

// ReleaseRef releases ref's borrow.
func (s *Session) ReleaseRef(ref Reference) error {
	if err := s.meter.Charge(OpReleaseRef, 0); err != nil {
		return s.fail("release_ref", err)
	}
	if err := ref.Release(); err != nil {
		return s.fail("release_ref", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Global state
// ---------------------------------------------------------------------------

// GetResource returns the resource at (addr, tag) in this execution's view.
func (s *Session) GetResource(addr Address, tag TagStruct) (Value, error) {
	if err := s.meter.Charge(OpStateRead, 0); err != nil {
		return nil, s.fail("state_read", err)
	}
	v, err := s.state.GetResource(addr, tag)
	if err != nil {
		return nil, s.fail("state_read", err)
	}
	return v, nil
}

// ResourceExists reports existence of (addr, tag) in this execution's view.
func (s *Session) ResourceExists(addr Address, tag TagStruct) (bool, error) {
	if err := s.meter.Charge(OpStateExists, 0); err != nil {
		return false, s.fail("state_exists", err)
	}
	ok, err := s.state.ResourceExists(addr, tag)
	if err != nil {
		return false, s.fail("state_exists", err)
	}
	return ok, nil
}

// SetResource publishes v under (addr, tag), charging by value size.
func (s *Session) SetResource(addr Address, tag TagStruct, v Value) error {
	if err := s.meter.Charge(OpStateWrite, SizeOf(v)); err != nil {
		return s.fail("state_write", err)
	}
	if err := s.state.SetResource(addr, tag, v); err != nil {
		return s.fail("state_write", err)
	}
	return nil
}

// DeleteResource removes the resource at (addr, tag), returning the removed
// value to the caller for explicit consumption.
func (s *Session) DeleteResource(addr Address, tag TagStruct) (Value, error) {
	if err := s.meter.Charge(OpStateDelete, 0); err != nil {
		return nil, s.fail("state_delete", err)
	}
	v, err := s.state.DeleteResource(addr, tag)
	if err != nil {
		return nil, s.fail("state_delete", err)
	}
	return v, nil
}

// BorrowGlobal takes a reference to the resource at (addr, tag).
func (s *Session) BorrowGlobal(addr Address, tag TagStruct, mutable bool) (*GlobalRef, error) {
	if err := s.meter.Charge(OpBorrowGlobal, 0); err != nil {
		return nil, s.fail("borrow_global", err)
	}
	ref, err := s.state.BorrowGlobal(addr, tag, mutable)
	if err != nil {
		return nil, s.fail("borrow_global", err)
	}
	return ref, nil
}

// Finalize returns the execution's accumulated write set, exactly once.
// Committing it durably is the caller's job; a session that is instead
// discarded (cancelled, out of gas) has zero observable side effects.
func (s *Session) Finalize() (WriteSet, error) {
	ws, err := s.state.Finalize()
	if err != nil {
		return nil, s.fail("finalize", err)
	}
	s.log.Debugf("execution %s finalized: %d write ops, %d gas used", s.ID, len(ws), s.meter.Used())
	return ws, nil
}

// ---------------------------------------------------------------------------
// Codec surface
// ---------------------------------------------------------------------------

// Encode serializes v canonically as type t, charging by output size.
func (s *Session) Encode(v Value, t TypeTag) ([]byte, error) {
	if err := s.meter.Charge(OpEncode, SizeOf(v)); err != nil {
		return nil, s.fail("encode", err)
	}
	raw, err := s.codec.Encode(v, t)
	if err != nil {
		return nil, s.fail("encode", err)
	}
	return raw, nil
}

// Decode parses canonical bytes as type t, charging by input size.
func (s *Session) Decode(data []byte, t TypeTag) (Value, error) {
	if err := s.meter.Charge(OpDecode, uint64(len(data))); err != nil {
		return nil, s.fail("decode", err)
	}
	v, err := s.codec.Decode(data, t)
	if err != nil {
		return nil, s.fail("decode", err)
	}
	return v, nil
}
