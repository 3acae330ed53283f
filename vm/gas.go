package vm

import (
	"fmt"
	"math/bits"
)

// ---------------------------------------------------------------------------
// Protocol limits
// ---------------------------------------------------------------------------

// Default protocol parameters. The real bounds are consensus constants
// supplied by configuration; these defaults exist for tests and tooling.
const (
	DefaultMaxCallDepth = 1024
	DefaultMaxTypeDepth = 32
	DefaultMaxValueSize = 1 << 16
)

// Limits carries the protocol-level structural bounds. Every node in a
// network must run with identical limits.
type Limits struct {
	MaxCallDepth int
	MaxTypeDepth int
	MaxValueSize uint64
}

// DefaultLimits returns the built-in default bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxCallDepth: DefaultMaxCallDepth,
		MaxTypeDepth: DefaultMaxTypeDepth,
		MaxValueSize: DefaultMaxValueSize,
	}
}

// ---------------------------------------------------------------------------
// Operation kinds
// ---------------------------------------------------------------------------

// OpKind identifies a chargeable operation.
type OpKind int

const (
	OpPack OpKind = iota
	OpUnpack
	OpCopy
	OpEq
	OpStoreLocal
	OpMoveLocal
	OpCopyLocal
	OpBorrowLocal
	OpBorrowGlobal
	OpReadRef
	OpWriteRef
	OpReleaseRef
	OpVectorPush
	OpVectorPop
	OpEncode
	OpDecode
	OpStateRead
	OpStateWrite
	OpStateDelete
	OpStateExists
	OpResolve

	numOpKinds // must be last
)

var opKindNames = [numOpKinds]string{
	OpPack:         "pack",
	OpUnpack:       "unpack",
	OpCopy:         "copy",
	OpEq:           "eq",
	OpStoreLocal:   "store_local",
	OpMoveLocal:    "move_local",
	OpCopyLocal:    "copy_local",
	OpBorrowLocal:  "borrow_local",
	OpBorrowGlobal: "borrow_global",
	OpReadRef:      "read_ref",
	OpWriteRef:     "write_ref",
	OpReleaseRef:   "release_ref",
	OpVectorPush:   "vector_push",
	OpVectorPop:    "vector_pop",
	OpEncode:       "encode",
	OpDecode:       "decode",
	OpStateRead:    "state_read",
	OpStateWrite:   "state_write",
	OpStateDelete:  "state_delete",
	OpStateExists:  "state_exists",
	OpResolve:      "resolve",
}

func (k OpKind) String() string {
	if k < 0 || k >= numOpKinds {
		return fmt.Sprintf("op(%d)", int(k))
	}
	return opKindNames[k]
}

// AllOpKinds returns every chargeable operation kind, in schedule order.
func AllOpKinds() []OpKind {
	kinds := make([]OpKind, numOpKinds)
	for i := range kinds {
		kinds[i] = OpKind(i)
	}
	return kinds
}

// OpKindByName returns the operation kind with the given schedule name.
func OpKindByName(name string) (OpKind, bool) {
	for k, n := range opKindNames {
		if n == name {
			return OpKind(k), true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Cost schedule
// ---------------------------------------------------------------------------

// GasCost is the price of one operation kind: a flat base plus a per-byte
// surcharge applied to the operand size.
type GasCost struct {
	Base    uint64
	PerByte uint64
}

// Schedule is the protocol cost table. It is loaded once per session and
// contains no nondeterministic or host-dependent terms: identical
// operations cost identically on every node.
type Schedule struct {
	costs [numOpKinds]GasCost
}

// NewSchedule builds a schedule from an explicit cost table. Missing kinds
// default to the zero cost.
func NewSchedule(costs map[OpKind]GasCost) *Schedule {
	s := &Schedule{}
	for k, c := range costs {
		if k >= 0 && k < numOpKinds {
			s.costs[k] = c
		}
	}
	return s
}

// Cost returns the cost entry for kind.
func (s *Schedule) Cost(kind OpKind) GasCost {
	if kind < 0 || kind >= numOpKinds {
		return GasCost{}
	}
	return s.costs[kind]
}

// DefaultSchedule returns the built-in cost table used by tests and tooling.
// Production networks load their schedule from configuration.
func DefaultSchedule() *Schedule {
	s := &Schedule{}
	for k := OpKind(0); k < numOpKinds; k++ {
		s.costs[k] = GasCost{Base: 1}
	}
	s.costs[OpPack] = GasCost{Base: 2, PerByte: 1}
	s.costs[OpUnpack] = GasCost{Base: 2, PerByte: 1}
	s.costs[OpCopy] = GasCost{Base: 1, PerByte: 1}
	s.costs[OpEq] = GasCost{Base: 1, PerByte: 1}
	s.costs[OpVectorPush] = GasCost{Base: 1, PerByte: 1}
	s.costs[OpEncode] = GasCost{Base: 2, PerByte: 2}
	s.costs[OpDecode] = GasCost{Base: 2, PerByte: 2}
	s.costs[OpStateRead] = GasCost{Base: 10, PerByte: 1}
	s.costs[OpStateWrite] = GasCost{Base: 20, PerByte: 2}
	s.costs[OpStateDelete] = GasCost{Base: 10}
	s.costs[OpStateExists] = GasCost{Base: 5}
	s.costs[OpBorrowGlobal] = GasCost{Base: 10}
	return s
}

// ---------------------------------------------------------------------------
// Meter
// ---------------------------------------------------------------------------

// Meter tracks the remaining gas budget of one execution. It is mutated in
// place by exactly one logical thread; no internal locking.
type Meter struct {
	schedule  *Schedule
	remaining uint64
	used      uint64
}

// NewMeter creates a meter with the given budget and schedule.
func NewMeter(schedule *Schedule, budget uint64) *Meter {
	return &Meter{schedule: schedule, remaining: budget}
}

// Charge deducts base(kind) + perByte(kind)×operandSize from the budget.
// It fails with ErrOutOfGas if the budget would go negative; the failed
// charge consumes the remaining budget, since out-of-gas is fatal to the
// execution.
func (m *Meter) Charge(kind OpKind, operandSize uint64) error {
	c := m.schedule.Cost(kind)
	hi, surcharge := bits.Mul64(c.PerByte, operandSize)
	if hi != 0 {
		return m.exhaust(kind)
	}
	total, carry := bits.Add64(c.Base, surcharge, 0)
	if carry != 0 || total > m.remaining {
		return m.exhaust(kind)
	}
	m.remaining -= total
	m.used += total
	return nil
}

func (m *Meter) exhaust(kind OpKind) error {
	m.used += m.remaining
	m.remaining = 0
	return fmt.Errorf("charging %s: %w", kind, ErrOutOfGas)
}

// Remaining returns the unspent budget.
func (m *Meter) Remaining() uint64 { return m.remaining }

// Used returns the gas consumed so far. Gas spent stays charged to the
// sender even when the execution aborts.
func (m *Meter) Used() uint64 { return m.used }
