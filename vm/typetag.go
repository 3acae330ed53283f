package vm

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Addresses and module identities
// ---------------------------------------------------------------------------

// AddressLength is the fixed byte length of an account address.
const AddressLength = 16

// Address identifies an account in global storage.
type Address [AddressLength]byte

// AddressFromBytes builds an Address from exactly AddressLength bytes.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressLength {
		return a, fmt.Errorf("address must be %d bytes, got %d: %w", AddressLength, len(b), ErrDeserialization)
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

// ModuleID identifies a published module: the publishing account plus the
// module's declared name.
type ModuleID struct {
	Address Address
	Name    string
}

func (m ModuleID) String() string { return m.Address.String() + "::" + m.Name }

// key is the module cache key.
func (m ModuleID) key() string { return string(m.Address[:]) + "\x00" + m.Name }

// ---------------------------------------------------------------------------
// TypeTag: recursive structural type descriptor
// ---------------------------------------------------------------------------

// TypeTag is a structural descriptor for a runtime type. Tags compare by
// structure, never by identity.
type TypeTag interface {
	typeTag()
	String() string
}

// Primitive tags.
type (
	TagBool    struct{}
	TagU8      struct{}
	TagU64     struct{}
	TagU128    struct{}
	TagAddress struct{}
	TagSigner  struct{}
)

// TagVector describes a homogeneous vector of Elem.
type TagVector struct {
	Elem TypeTag
}

// TagStruct describes a (possibly generic) struct instantiation.
type TagStruct struct {
	Module   ModuleID
	Name     string
	TypeArgs []TypeTag
}

// TagTypeParam is a placeholder for a generic type parameter inside a
// StructDef's field types. It is substituted away by instantiation and is
// never the type of a runtime value.
type TagTypeParam struct {
	Index int
}

func (TagBool) typeTag()      {}
func (TagU8) typeTag()        {}
func (TagU64) typeTag()       {}
func (TagU128) typeTag()      {}
func (TagAddress) typeTag()   {}
func (TagSigner) typeTag()    {}
func (TagVector) typeTag()    {}
func (TagStruct) typeTag()    {}
func (TagTypeParam) typeTag() {}

func (TagBool) String() string    { return "bool" }
func (TagU8) String() string      { return "u8" }
func (TagU64) String() string     { return "u64" }
func (TagU128) String() string    { return "u128" }
func (TagAddress) String() string { return "address" }
func (TagSigner) String() string  { return "signer" }

func (t TagVector) String() string { return "vector<" + t.Elem.String() + ">" }

func (t TagStruct) String() string {
	s := t.Module.String() + "::" + t.Name
	if len(t.TypeArgs) == 0 {
		return s
	}
	args := make([]string, len(t.TypeArgs))
	for i, a := range t.TypeArgs {
		args[i] = a.String()
	}
	return s + "<" + strings.Join(args, ", ") + ">"
}

func (t TagTypeParam) String() string { return fmt.Sprintf("T%d", t.Index) }

// TagsEqual reports structural equality of two type tags.
func TagsEqual(a, b TypeTag) bool {
	switch at := a.(type) {
	case TagBool, TagU8, TagU64, TagU128, TagAddress, TagSigner:
		return a == b
	case TagVector:
		bt, ok := b.(TagVector)
		return ok && TagsEqual(at.Elem, bt.Elem)
	case TagStruct:
		bt, ok := b.(TagStruct)
		if !ok || at.Module != bt.Module || at.Name != bt.Name || len(at.TypeArgs) != len(bt.TypeArgs) {
			return false
		}
		for i := range at.TypeArgs {
			if !TagsEqual(at.TypeArgs[i], bt.TypeArgs[i]) {
				return false
			}
		}
		return true
	case TagTypeParam:
		bt, ok := b.(TagTypeParam)
		return ok && at.Index == bt.Index
	}
	return false
}

// tagDepth returns the structural nesting depth of t. A primitive has
// depth 1; each vector or struct-argument level adds one.
func tagDepth(t TypeTag) int {
	switch tt := t.(type) {
	case TagVector:
		return 1 + tagDepth(tt.Elem)
	case TagStruct:
		max := 0
		for _, a := range tt.TypeArgs {
			if d := tagDepth(a); d > max {
				max = d
			}
		}
		return 1 + max
	default:
		return 1
	}
}

// tagIsConcrete reports whether t contains no unsubstituted type parameters.
func tagIsConcrete(t TypeTag) bool {
	switch tt := t.(type) {
	case TagTypeParam:
		return false
	case TagVector:
		return tagIsConcrete(tt.Elem)
	case TagStruct:
		for _, a := range tt.TypeArgs {
			if !tagIsConcrete(a) {
				return false
			}
		}
		return true
	default:
		return true
	}
}
