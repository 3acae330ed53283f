package vm

import "fmt"

// ---------------------------------------------------------------------------
// Call frames and local slots
//
// The interpreter owns control flow; this layer owns the storage its frames
// operate on. Each frame holds a fixed set of local slots. A slot is either
// empty (its value was moved out or never stored) or occupied, and carries
// its own borrow state.
// ---------------------------------------------------------------------------

type localSlot struct {
	value    Value
	occupied bool
	borrow   borrowState
}

// Frame is the local storage of one method invocation.
type Frame struct {
	id    int
	alive bool
	slots []localSlot
}

// ID returns the frame's identity within its stack.
func (f *Frame) ID() int { return f.id }

// LocalCount returns the number of local slots.
func (f *Frame) LocalCount() int { return len(f.slots) }

func (f *Frame) slotAt(i int) (*localSlot, error) {
	if !f.alive {
		return nil, newFault("local", fmt.Errorf("frame %d already popped: %w", f.id, ErrBorrowConflict))
	}
	if i < 0 || i >= len(f.slots) {
		return nil, newFault("local", fmt.Errorf("slot %d out of range 0..%d: %w", i, len(f.slots)-1, ErrTypeMismatch))
	}
	return &f.slots[i], nil
}

// StoreLocal places v into slot i. Overwriting a live value implicitly
// discards it, so the old value's type must have the drop ability; a
// borrowed slot cannot be overwritten.
func (f *Frame) StoreLocal(r *Resolver, i int, v Value) error {
	s, err := f.slotAt(i)
	if err != nil {
		return err
	}
	if s.borrow.live() {
		return newFault("store_local", fmt.Errorf("slot %d is borrowed: %w", i, ErrBorrowConflict))
	}
	if s.occupied {
		t, err := TypeOf(s.value)
		if err != nil {
			return err
		}
		abilities, err := r.AbilitiesOf(t)
		if err != nil {
			return err
		}
		if !abilities.HasDrop() {
			return fmt.Errorf("overwriting slot %d would drop a %s value without drop: %w", i, t, ErrAbilityViolation)
		}
	}
	s.value = v
	s.occupied = true
	return nil
}

// MoveLocal takes the value out of slot i, leaving the slot empty. Moving
// out of an empty or borrowed slot is a verifier/runtime disagreement.
func (f *Frame) MoveLocal(i int) (Value, error) {
	s, err := f.slotAt(i)
	if err != nil {
		return nil, err
	}
	if !s.occupied {
		return nil, newFault("move_local", fmt.Errorf("slot %d is empty: %w", i, ErrBorrowConflict))
	}
	if s.borrow.live() {
		return nil, newFault("move_local", fmt.Errorf("slot %d is borrowed: %w", i, ErrBorrowConflict))
	}
	v := s.value
	s.value = nil
	s.occupied = false
	return v, nil
}

// CopyLocal duplicates the value in slot i without consuming it. The
// value's type must have the copy ability.
func (f *Frame) CopyLocal(r *Resolver, i int) (Value, error) {
	s, err := f.slotAt(i)
	if err != nil {
		return nil, err
	}
	if !s.occupied {
		return nil, newFault("copy_local", fmt.Errorf("slot %d is empty: %w", i, ErrBorrowConflict))
	}
	return CopyValue(r, s.value)
}

// BorrowLocal takes a reference to slot i. It fails if the slot is empty,
// exclusively borrowed, or if a mutable borrow is requested while shared
// borrows are live. Conflicts are faults: verified code cannot produce them.
func (f *Frame) BorrowLocal(i int, mutable bool) (*LocalRef, error) {
	s, err := f.slotAt(i)
	if err != nil {
		return nil, err
	}
	if !s.occupied {
		return nil, newFault("borrow_local", fmt.Errorf("slot %d is empty: %w", i, ErrBorrowConflict))
	}
	if err := s.borrow.acquire(mutable); err != nil {
		return nil, newFault("borrow_local", fmt.Errorf("slot %d: %w", i, err))
	}
	return &LocalRef{frame: f, slot: i, mutable: mutable}, nil
}

// ---------------------------------------------------------------------------
// Frame stack
// ---------------------------------------------------------------------------

// FrameStack owns the frames of one execution. Depth is bounded by the
// configured maximum call depth.
type FrameStack struct {
	frames   []*Frame
	nextID   int
	maxDepth int
}

// NewFrameStack creates an empty stack bounded at maxDepth frames.
func NewFrameStack(maxDepth int) *FrameStack {
	if maxDepth < 1 {
		maxDepth = DefaultMaxCallDepth
	}
	return &FrameStack{maxDepth: maxDepth}
}

// Depth returns the number of live frames.
func (fs *FrameStack) Depth() int { return len(fs.frames) }

// Current returns the innermost frame, or nil when the stack is empty.
func (fs *FrameStack) Current() *Frame {
	if len(fs.frames) == 0 {
		return nil
	}
	return fs.frames[len(fs.frames)-1]
}

// PushFrame opens a frame with localCount empty slots.
func (fs *FrameStack) PushFrame(localCount int) (*Frame, error) {
	if len(fs.frames) >= fs.maxDepth {
		return nil, fmt.Errorf("call depth %d reached: %w", fs.maxDepth, ErrCallStackOverflow)
	}
	f := &Frame{id: fs.nextID, alive: true, slots: make([]localSlot, localCount)}
	fs.nextID++
	fs.frames = append(fs.frames, f)
	return f, nil
}

// PopFrame closes the innermost frame, invalidating every reference into
// it. A frame with live borrows cannot be popped: the verifier guarantees
// all borrows end before the frame returns.
func (fs *FrameStack) PopFrame() error {
	if len(fs.frames) == 0 {
		return newFault("pop_frame", fmt.Errorf("pop of empty frame stack: %w", ErrBorrowConflict))
	}
	f := fs.frames[len(fs.frames)-1]
	for i := range f.slots {
		if f.slots[i].borrow.live() {
			return newFault("pop_frame", fmt.Errorf("slot %d still borrowed at frame pop: %w", i, ErrBorrowConflict))
		}
	}
	f.alive = false
	fs.frames = fs.frames[:len(fs.frames)-1]
	return nil
}
