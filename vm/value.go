package vm

import (
	"fmt"

	"github.com/holiman/uint256"
)

// ---------------------------------------------------------------------------
// Runtime value representation
// ---------------------------------------------------------------------------

// Value is a tagged runtime value. Every variant carries enough type
// information to re-derive its TypeTag, and every operation on values checks
// that discriminant; there is no duck typing anywhere in the runtime.
type Value interface {
	isValue()
}

type (
	// BoolValue is a bool.
	BoolValue bool

	// U8Value is an unsigned 8-bit integer.
	U8Value uint8

	// U64Value is an unsigned 64-bit integer.
	U64Value uint64

	// AddressValue is an account address.
	AddressValue Address

	// SignerValue witnesses transaction authority for one address. It is
	// produced only by the execution prologue, never by user code.
	SignerValue Address
)

// U128Value is an unsigned 128-bit integer. The payload is a uint256.Int
// constrained to 128 bits at every construction site.
type U128Value struct {
	bits uint256.Int
}

// VectorValue is a homogeneous ordered sequence. Elem is the element type
// of the (possibly empty) vector.
type VectorValue struct {
	Elem  TypeTag
	Items []Value
}

// StructValue is an ordered field sequence matching an instantiated
// StructDef. Abilities caches the effective ability set computed at pack
// time so enforcement does not re-resolve on every copy.
type StructValue struct {
	Tag       TagStruct
	Abilities AbilitySet
	Fields    []Value
}

func (BoolValue) isValue()    {}
func (U8Value) isValue()      {}
func (U64Value) isValue()     {}
func (U128Value) isValue()    {}
func (AddressValue) isValue() {}
func (SignerValue) isValue()  {}
func (*VectorValue) isValue() {}
func (*StructValue) isValue() {}

// ---------------------------------------------------------------------------
// U128 construction and checked arithmetic
// ---------------------------------------------------------------------------

const u128MaxBits = 128

// NewU128 builds a U128Value from a uint64.
func NewU128(v uint64) U128Value {
	var u U128Value
	u.bits.SetUint64(v)
	return u
}

// U128FromBits builds a U128Value from a uint256.Int, rejecting anything
// wider than 128 bits.
func U128FromBits(b *uint256.Int) (U128Value, error) {
	if b.BitLen() > u128MaxBits {
		return U128Value{}, fmt.Errorf("u128 payload is %d bits: %w", b.BitLen(), ErrArithmeticOverflow)
	}
	var u U128Value
	u.bits.Set(b)
	return u, nil
}

// Bits returns a copy of the underlying payload.
func (v U128Value) Bits() *uint256.Int { return new(uint256.Int).Set(&v.bits) }

// Uint64 returns the low 64 bits and whether the value fits in 64 bits.
func (v U128Value) Uint64() (uint64, bool) { return v.bits.Uint64(), v.bits.IsUint64() }

func (v U128Value) String() string { return v.bits.Dec() }

// CheckedAdd returns v+o, or ErrArithmeticOverflow past 2^128-1.
func (v U128Value) CheckedAdd(o U128Value) (U128Value, error) {
	var sum uint256.Int
	sum.Add(&v.bits, &o.bits)
	return U128FromBits(&sum)
}

// CheckedSub returns v-o, or ErrArithmeticOverflow on underflow.
func (v U128Value) CheckedSub(o U128Value) (U128Value, error) {
	var diff uint256.Int
	if _, underflow := diff.SubOverflow(&v.bits, &o.bits); underflow {
		return U128Value{}, fmt.Errorf("u128 subtraction underflow: %w", ErrArithmeticOverflow)
	}
	return U128FromBits(&diff)
}

// CheckedMul returns v*o, or ErrArithmeticOverflow past 2^128-1.
func (v U128Value) CheckedMul(o U128Value) (U128Value, error) {
	var prod uint256.Int
	if _, overflow := prod.MulOverflow(&v.bits, &o.bits); overflow {
		return U128Value{}, fmt.Errorf("u128 multiplication overflow: %w", ErrArithmeticOverflow)
	}
	return U128FromBits(&prod)
}

// CheckedAdd returns v+o, or ErrArithmeticOverflow on wrap. Arithmetic in
// this layer never wraps silently.
func (v U64Value) CheckedAdd(o U64Value) (U64Value, error) {
	sum := uint64(v) + uint64(o)
	if sum < uint64(v) {
		return 0, fmt.Errorf("u64 addition overflow: %w", ErrArithmeticOverflow)
	}
	return U64Value(sum), nil
}

// CheckedSub returns v-o, or ErrArithmeticOverflow on underflow.
func (v U64Value) CheckedSub(o U64Value) (U64Value, error) {
	if o > v {
		return 0, fmt.Errorf("u64 subtraction underflow: %w", ErrArithmeticOverflow)
	}
	return v - o, nil
}

// CheckedMul returns v*o, or ErrArithmeticOverflow on wrap.
func (v U64Value) CheckedMul(o U64Value) (U64Value, error) {
	if v != 0 && uint64(v)*uint64(o)/uint64(v) != uint64(o) {
		return 0, fmt.Errorf("u64 multiplication overflow: %w", ErrArithmeticOverflow)
	}
	return v * o, nil
}

// CastU8 narrows any integer value to u8 with a range check.
func CastU8(v Value) (U8Value, error) {
	switch n := v.(type) {
	case U8Value:
		return n, nil
	case U64Value:
		if n > 0xFF {
			return 0, fmt.Errorf("u64 %d does not fit in u8: %w", uint64(n), ErrArithmeticOverflow)
		}
		return U8Value(n), nil
	case U128Value:
		u, ok := n.Uint64()
		if !ok || u > 0xFF {
			return 0, fmt.Errorf("u128 %s does not fit in u8: %w", n, ErrArithmeticOverflow)
		}
		return U8Value(u), nil
	}
	return 0, fmt.Errorf("cannot cast %T to u8: %w", v, ErrTypeMismatch)
}

// CastU64 widens or narrows any integer value to u64 with a range check.
func CastU64(v Value) (U64Value, error) {
	switch n := v.(type) {
	case U8Value:
		return U64Value(n), nil
	case U64Value:
		return n, nil
	case U128Value:
		u, ok := n.Uint64()
		if !ok {
			return 0, fmt.Errorf("u128 %s does not fit in u64: %w", n, ErrArithmeticOverflow)
		}
		return U64Value(u), nil
	}
	return 0, fmt.Errorf("cannot cast %T to u64: %w", v, ErrTypeMismatch)
}

// CastU128 widens any integer value to u128.
func CastU128(v Value) (U128Value, error) {
	switch n := v.(type) {
	case U8Value:
		return NewU128(uint64(n)), nil
	case U64Value:
		return NewU128(uint64(n)), nil
	case U128Value:
		return n, nil
	}
	return U128Value{}, fmt.Errorf("cannot cast %T to u128: %w", v, ErrTypeMismatch)
}

// ---------------------------------------------------------------------------
// Type recovery and shape checks
// ---------------------------------------------------------------------------

// TypeOf re-derives the type tag of a first-class value. References have no
// first-class type tag and are rejected.
func TypeOf(v Value) (TypeTag, error) {
	switch vv := v.(type) {
	case BoolValue:
		return TagBool{}, nil
	case U8Value:
		return TagU8{}, nil
	case U64Value:
		return TagU64{}, nil
	case U128Value:
		return TagU128{}, nil
	case AddressValue:
		return TagAddress{}, nil
	case SignerValue:
		return TagSigner{}, nil
	case *VectorValue:
		return TagVector{Elem: vv.Elem}, nil
	case *StructValue:
		return vv.Tag, nil
	}
	return nil, fmt.Errorf("value %T has no first-class type: %w", v, ErrTypeMismatch)
}

// ValueMatchesTag reports whether v is a well-typed inhabitant of t.
func ValueMatchesTag(v Value, t TypeTag) bool {
	switch tt := t.(type) {
	case TagBool:
		_, ok := v.(BoolValue)
		return ok
	case TagU8:
		_, ok := v.(U8Value)
		return ok
	case TagU64:
		_, ok := v.(U64Value)
		return ok
	case TagU128:
		_, ok := v.(U128Value)
		return ok
	case TagAddress:
		_, ok := v.(AddressValue)
		return ok
	case TagSigner:
		_, ok := v.(SignerValue)
		return ok
	case TagVector:
		vec, ok := v.(*VectorValue)
		return ok && TagsEqual(vec.Elem, tt.Elem)
	case TagStruct:
		s, ok := v.(*StructValue)
		return ok && TagsEqual(s.Tag, tt)
	}
	return false
}

// referenceSize is the nominal gas size of a reference value.
const referenceSize = 8

// SizeOf returns the deterministic abstract byte size of v, used as the
// operand size for gas charging. It tracks the canonical encoding widths.
func SizeOf(v Value) uint64 {
	switch vv := v.(type) {
	case BoolValue, U8Value:
		return 1
	case U64Value:
		return 8
	case U128Value:
		return 16
	case AddressValue, SignerValue:
		return AddressLength
	case *VectorValue:
		size := uint64(1) // length prefix
		for _, item := range vv.Items {
			size += SizeOf(item)
		}
		return size
	case *StructValue:
		var size uint64
		for _, f := range vv.Fields {
			size += SizeOf(f)
		}
		return size
	default:
		return referenceSize
	}
}

// ---------------------------------------------------------------------------
// Pack / unpack
// ---------------------------------------------------------------------------

// Pack assembles a struct value from its ordered field values. The field
// count and every field's runtime type must exactly match the instantiated
// definition. The effective ability set is computed here and cached on the
// value.
func Pack(r *Resolver, def *StructDef, typeArgs []TypeTag, fields []Value) (*StructValue, error) {
	fieldTypes, err := r.Instantiate(def, typeArgs)
	if err != nil {
		return nil, err
	}
	if len(fields) != len(fieldTypes) {
		return nil, fmt.Errorf("struct %s has %d fields, got %d values: %w",
			def.Name, len(fieldTypes), len(fields), ErrFieldMismatch)
	}
	for i, f := range fields {
		if !ValueMatchesTag(f, fieldTypes[i]) {
			return nil, fmt.Errorf("field %s of %s expects %s, got %T: %w",
				def.Fields[i].Name, def.Name, fieldTypes[i], f, ErrFieldMismatch)
		}
	}
	tag := def.Tag(typeArgs)
	abilities, err := r.AbilitiesOf(tag)
	if err != nil {
		return nil, err
	}
	out := &StructValue{Tag: tag, Abilities: abilities}
	out.Fields = append(out.Fields, fields...)
	return out, nil
}

// Unpack consumes a struct value and returns its ordered fields. The
// value's runtime type must match the expected tag. Unpack itself performs
// no ability checks; what the caller may do with each field is governed by
// that field's own abilities.
func Unpack(v Value, expected TagStruct) ([]Value, error) {
	s, ok := v.(*StructValue)
	if !ok {
		return nil, fmt.Errorf("unpack expects a struct value, got %T: %w", v, ErrTypeMismatch)
	}
	if !TagsEqual(s.Tag, expected) {
		return nil, fmt.Errorf("unpack expects %s, got %s: %w", expected, s.Tag, ErrTypeMismatch)
	}
	fields := s.Fields
	s.Fields = nil // the struct value is consumed
	return fields, nil
}

// ---------------------------------------------------------------------------
// Copy and equality
// ---------------------------------------------------------------------------

// CopyValue returns a deep, structurally independent duplicate of v.
// It fails with ErrAbilityViolation unless v's type has the copy ability.
// Containers are copied recursively, never aliased. References are always
// copyable; the copy aliases the same slot, not the pointee.
func CopyValue(r *Resolver, v Value) (Value, error) {
	if ref, ok := v.(Reference); ok {
		return ref, nil
	}
	t, err := TypeOf(v)
	if err != nil {
		return nil, err
	}
	abilities, err := r.AbilitiesOf(t)
	if err != nil {
		return nil, err
	}
	if !abilities.HasCopy() {
		return nil, fmt.Errorf("type %s lacks copy: %w", t, ErrAbilityViolation)
	}
	return deepCopy(v), nil
}

// deepCopy duplicates v without ability checks. Callers are responsible for
// having established that the duplication is legal (CopyValue) or invisible
// to user code (materializing a decoded resource).
func deepCopy(v Value) Value {
	switch vv := v.(type) {
	case *VectorValue:
		out := &VectorValue{Elem: vv.Elem, Items: make([]Value, len(vv.Items))}
		for i, item := range vv.Items {
			out.Items[i] = deepCopy(item)
		}
		return out
	case *StructValue:
		out := &StructValue{Tag: vv.Tag, Abilities: vv.Abilities, Fields: make([]Value, len(vv.Fields))}
		for i, f := range vv.Fields {
			out.Fields[i] = deepCopy(f)
		}
		return out
	default:
		// Scalars are immutable and copied by value.
		return v
	}
}

// StructuralEquals reports deep equality of two values. References compare
// by underlying-slot identity, never by pointee value; a reference is never
// equal to a non-reference.
func StructuralEquals(a, b Value) bool {
	if ra, ok := a.(Reference); ok {
		rb, ok := b.(Reference)
		return ok && ra.refID() == rb.refID()
	}
	if _, ok := b.(Reference); ok {
		return false
	}
	switch av := a.(type) {
	case BoolValue:
		bv, ok := b.(BoolValue)
		return ok && av == bv
	case U8Value:
		bv, ok := b.(U8Value)
		return ok && av == bv
	case U64Value:
		bv, ok := b.(U64Value)
		return ok && av == bv
	case U128Value:
		bv, ok := b.(U128Value)
		return ok && av.bits.Eq(&bv.bits)
	case AddressValue:
		bv, ok := b.(AddressValue)
		return ok && av == bv
	case SignerValue:
		bv, ok := b.(SignerValue)
		return ok && av == bv
	case *VectorValue:
		bv, ok := b.(*VectorValue)
		if !ok || !TagsEqual(av.Elem, bv.Elem) || len(av.Items) != len(bv.Items) {
			return false
		}
		for i := range av.Items {
			if !StructuralEquals(av.Items[i], bv.Items[i]) {
				return false
			}
		}
		return true
	case *StructValue:
		bv, ok := b.(*StructValue)
		if !ok || !TagsEqual(av.Tag, bv.Tag) || len(av.Fields) != len(bv.Fields) {
			return false
		}
		for i := range av.Fields {
			if !StructuralEquals(av.Fields[i], bv.Fields[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Vector operations
// ---------------------------------------------------------------------------

// NewVector builds a vector value, checking every element against elem.
func NewVector(elem TypeTag, items ...Value) (*VectorValue, error) {
	for i, item := range items {
		if !ValueMatchesTag(item, elem) {
			return nil, fmt.Errorf("vector element %d expects %s, got %T: %w", i, elem, item, ErrFieldMismatch)
		}
	}
	return &VectorValue{Elem: elem, Items: items}, nil
}

// Push appends v, which must match the element type.
func (vec *VectorValue) Push(v Value) error {
	if !ValueMatchesTag(v, vec.Elem) {
		return fmt.Errorf("vector of %s cannot hold %T: %w", vec.Elem, v, ErrFieldMismatch)
	}
	vec.Items = append(vec.Items, v)
	return nil
}

// Pop removes and returns the last element.
func (vec *VectorValue) Pop() (Value, error) {
	if len(vec.Items) == 0 {
		return nil, fmt.Errorf("pop from empty vector: %w", ErrTypeMismatch)
	}
	v := vec.Items[len(vec.Items)-1]
	vec.Items = vec.Items[:len(vec.Items)-1]
	return v, nil
}

// Len returns the element count.
func (vec *VectorValue) Len() int { return len(vec.Items) }
