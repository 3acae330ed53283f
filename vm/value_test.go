package vm

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

// ---------------------------------------------------------------------------
// Pack / unpack
// ---------------------------------------------------------------------------

func TestPackAndUnpack(t *testing.T) {
	r := newTestResolver(0)
	def := testModule().Struct("Pair")

	pair, err := Pack(r, def, nil, []Value{U64Value(7), BoolValue(true)})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if !pair.Abilities.HasCopy() || !pair.Abilities.HasDrop() || pair.Abilities.HasKey() {
		t.Errorf("Pair abilities = %s, want {copy, drop}", pair.Abilities)
	}

	fields, err := Unpack(pair, pairTag())
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("got %d fields, want 2", len(fields))
	}
	if fields[0] != U64Value(7) || fields[1] != BoolValue(true) {
		t.Errorf("fields = %v", fields)
	}
}

func TestPackFieldMismatch(t *testing.T) {
	r := newTestResolver(0)
	def := testModule().Struct("Pair")
	tests := []struct {
		name   string
		fields []Value
	}{
		{"too few", []Value{U64Value(7)}},
		{"too many", []Value{U64Value(7), BoolValue(true), U8Value(1)}},
		{"wrong type", []Value{BoolValue(true), U64Value(7)}},
		{"u8 for u64", []Value{U8Value(7), BoolValue(true)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Pack(r, def, nil, tt.fields); !errors.Is(err, ErrFieldMismatch) {
				t.Errorf("want ErrFieldMismatch, got %v", err)
			}
		})
	}
}

func TestPackGeneric(t *testing.T) {
	r := newTestResolver(0)
	def := testModule().Struct("Box")

	box, err := Pack(r, def, []TypeTag{TagU64{}}, []Value{U64Value(42)})
	if err != nil {
		t.Fatalf("Pack(Box<u64>): %v", err)
	}
	if box.Abilities != AllAbilities {
		t.Errorf("Box<u64> abilities = %s, want all", box.Abilities)
	}

	// The same definition instantiated with the wrong field value kind.
	if _, err := Pack(r, def, []TypeTag{TagU64{}}, []Value{BoolValue(true)}); !errors.Is(err, ErrFieldMismatch) {
		t.Errorf("want ErrFieldMismatch, got %v", err)
	}
}

func TestUnpackTypeMismatch(t *testing.T) {
	r := newTestResolver(0)
	pair := mustPack(r, "Pair", nil, U64Value(1), BoolValue(false))

	if _, err := Unpack(pair, coinTag()); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("unpacking Pair as Coin: want ErrTypeMismatch, got %v", err)
	}
	if _, err := Unpack(U64Value(3), pairTag()); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("unpacking a scalar: want ErrTypeMismatch, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Copy and ability enforcement
// ---------------------------------------------------------------------------

func TestCopyValueRequiresCopyAbility(t *testing.T) {
	r := newTestResolver(0)
	coin := mustPack(r, "Coin", nil, U64Value(100))

	// Coin lacks copy: duplication must always fail, never silently succeed.
	if _, err := CopyValue(r, coin); !errors.Is(err, ErrAbilityViolation) {
		t.Fatalf("want ErrAbilityViolation, got %v", err)
	}

	// The original is untouched by the failed copy.
	if len(coin.Fields) != 1 || coin.Fields[0] != U64Value(100) {
		t.Error("failed copy mutated the original")
	}
}

func TestCopyValueDeep(t *testing.T) {
	r := newTestResolver(0)
	inner, err := NewVector(TagU8{}, U8Value(1), U8Value(2))
	if err != nil {
		t.Fatal(err)
	}
	box := mustPack(r, "Box", []TypeTag{TagVector{Elem: TagU8{}}}, inner)

	dup, err := CopyValue(r, box)
	if err != nil {
		t.Fatalf("CopyValue: %v", err)
	}
	// Mutating the copy must not touch the original.
	dupBox := dup.(*StructValue)
	if err := dupBox.Fields[0].(*VectorValue).Push(U8Value(3)); err != nil {
		t.Fatal(err)
	}
	if inner.Len() != 2 {
		t.Error("copy aliased the original's vector")
	}
	if !StructuralEquals(box.Fields[0], inner) {
		t.Error("original changed after copy mutation")
	}
}

func TestCopyResourceVectorFails(t *testing.T) {
	r := newTestResolver(0)
	coin := mustPack(r, "Coin", nil, U64Value(1))
	vec, err := NewVector(coinTag(), coin)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := CopyValue(r, vec); !errors.Is(err, ErrAbilityViolation) {
		t.Errorf("vector of resources must not be copyable, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Structural equality
// ---------------------------------------------------------------------------

func TestStructuralEquals(t *testing.T) {
	r := newTestResolver(0)
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"bools equal", BoolValue(true), BoolValue(true), true},
		{"bools differ", BoolValue(true), BoolValue(false), false},
		{"u64 equal", U64Value(9), U64Value(9), true},
		{"u64 vs u8", U64Value(9), U8Value(9), false},
		{"u128 equal", NewU128(5), NewU128(5), true},
		{"u128 differ", NewU128(5), NewU128(6), false},
		{"addresses equal", AddressValue(testAddr), AddressValue(testAddr), true},
		{"addresses differ", AddressValue(testAddr), AddressValue(otherAddr), false},
		{
			"pairs equal",
			mustPack(r, "Pair", nil, U64Value(7), BoolValue(true)),
			mustPack(r, "Pair", nil, U64Value(7), BoolValue(true)),
			true,
		},
		{
			"pairs differ",
			mustPack(r, "Pair", nil, U64Value(7), BoolValue(true)),
			mustPack(r, "Pair", nil, U64Value(8), BoolValue(true)),
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StructuralEquals(tt.a, tt.b); got != tt.want {
				t.Errorf("StructuralEquals = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVectorEquality(t *testing.T) {
	a, _ := NewVector(TagU8{}, U8Value(1), U8Value(2))
	b, _ := NewVector(TagU8{}, U8Value(1), U8Value(2))
	c, _ := NewVector(TagU8{}, U8Value(1))
	if !StructuralEquals(a, b) {
		t.Error("equal vectors reported unequal")
	}
	if StructuralEquals(a, c) {
		t.Error("different lengths reported equal")
	}
}

func TestReferenceEqualityIsSlotIdentity(t *testing.T) {
	r := newTestResolver(0)
	fs := NewFrameStack(0)
	f, err := fs.PushFrame(2)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.StoreLocal(r, 0, U64Value(5)); err != nil {
		t.Fatal(err)
	}
	if err := f.StoreLocal(r, 1, U64Value(5)); err != nil {
		t.Fatal(err)
	}

	ref0a, err := f.BorrowLocal(0, false)
	if err != nil {
		t.Fatal(err)
	}
	ref0b, err := f.BorrowLocal(0, false)
	if err != nil {
		t.Fatal(err)
	}
	ref1, err := f.BorrowLocal(1, false)
	if err != nil {
		t.Fatal(err)
	}

	// Same slot: equal. Different slots with equal pointees: unequal.
	if !StructuralEquals(ref0a, ref0b) {
		t.Error("references to the same slot should be equal")
	}
	if StructuralEquals(ref0a, ref1) {
		t.Error("references to different slots must not compare by pointee")
	}
	if StructuralEquals(ref0a, U64Value(5)) {
		t.Error("a reference must never equal a plain value")
	}
}

// ---------------------------------------------------------------------------
// Checked arithmetic and casts
// ---------------------------------------------------------------------------

func TestU64CheckedArithmetic(t *testing.T) {
	if _, err := U64Value(^uint64(0)).CheckedAdd(1); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("add overflow: got %v", err)
	}
	if _, err := U64Value(0).CheckedSub(1); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("sub underflow: got %v", err)
	}
	if _, err := U64Value(1 << 32).CheckedMul(1 << 32); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("mul overflow: got %v", err)
	}
	got, err := U64Value(40).CheckedAdd(2)
	if err != nil || got != 42 {
		t.Errorf("40+2 = %v, %v", got, err)
	}
}

func TestU128CheckedArithmetic(t *testing.T) {
	max := new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))
	maxU128, err := U128FromBits(max)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := maxU128.CheckedAdd(NewU128(1)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("u128 add overflow: got %v", err)
	}
	if _, err := NewU128(0).CheckedSub(NewU128(1)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("u128 sub underflow: got %v", err)
	}
	sum, err := NewU128(40).CheckedAdd(NewU128(2))
	if err != nil || !StructuralEquals(sum, NewU128(42)) {
		t.Errorf("40+2 = %v, %v", sum, err)
	}
}

func TestU128FromBitsRejectsWide(t *testing.T) {
	wide := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	if _, err := U128FromBits(wide); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("want ErrArithmeticOverflow, got %v", err)
	}
}

func TestCasts(t *testing.T) {
	if v, err := CastU8(U64Value(200)); err != nil || v != U8Value(200) {
		t.Errorf("CastU8(200) = %v, %v", v, err)
	}
	if _, err := CastU8(U64Value(300)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("CastU8(300): got %v", err)
	}
	if v, err := CastU64(NewU128(7)); err != nil || v != U64Value(7) {
		t.Errorf("CastU64(7) = %v, %v", v, err)
	}
	big, _ := U128FromBits(new(uint256.Int).Lsh(uint256.NewInt(1), 100))
	if _, err := CastU64(big); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("CastU64(2^100): got %v", err)
	}
	if v, err := CastU128(U8Value(9)); err != nil || !StructuralEquals(v, NewU128(9)) {
		t.Errorf("CastU128(9) = %v, %v", v, err)
	}
	if _, err := CastU8(BoolValue(true)); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("casting a bool: got %v", err)
	}
}

// ---------------------------------------------------------------------------
// End-to-end: pack, copy, unpack
// ---------------------------------------------------------------------------

func TestPackCopyUnpackScenario(t *testing.T) {
	r := newTestResolver(0)
	def := testModule().Struct("Pair") // abilities {copy, drop}

	original, err := Pack(r, def, nil, []Value{U64Value(7), BoolValue(true)})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	dup, err := CopyValue(r, original)
	if err != nil {
		t.Fatalf("CopyValue: %v", err)
	}
	if !StructuralEquals(original, dup) {
		t.Fatal("copy is not structurally equal to the original")
	}

	origFields, err := Unpack(original, pairTag())
	if err != nil {
		t.Fatalf("Unpack(original): %v", err)
	}
	dupFields, err := Unpack(dup, pairTag())
	if err != nil {
		t.Fatalf("Unpack(copy): %v", err)
	}
	if origFields[0] != U64Value(7) || dupFields[0] != U64Value(7) {
		t.Errorf("u64 fields: %v vs %v", origFields[0], dupFields[0])
	}
	if origFields[1] != BoolValue(true) || dupFields[1] != BoolValue(true) {
		t.Errorf("bool fields: %v vs %v", origFields[1], dupFields[1])
	}
	for i := range origFields {
		if !StructuralEquals(origFields[i], dupFields[i]) {
			t.Errorf("field %d differs between original and copy", i)
		}
	}
}

// ---------------------------------------------------------------------------
// Sizes
// ---------------------------------------------------------------------------

func TestSizeOf(t *testing.T) {
	r := newTestResolver(0)
	vec, _ := NewVector(TagU64{}, U64Value(1), U64Value(2))
	tests := []struct {
		v    Value
		want uint64
	}{
		{BoolValue(true), 1},
		{U8Value(1), 1},
		{U64Value(1), 8},
		{NewU128(1), 16},
		{AddressValue(testAddr), AddressLength},
		{vec, 1 + 16},
		{mustPack(r, "Pair", nil, U64Value(1), BoolValue(true)), 9},
	}
	for _, tt := range tests {
		if got := SizeOf(tt.v); got != tt.want {
			t.Errorf("SizeOf(%T) = %d, want %d", tt.v, got, tt.want)
		}
	}
}
