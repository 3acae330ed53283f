package vm

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Struct definitions and modules
// ---------------------------------------------------------------------------

// FieldDef is one declared field of a struct: a name plus a type that may
// reference the struct's type parameters via TagTypeParam.
type FieldDef struct {
	Name string
	Type TypeTag
}

// TypeParam declares one generic parameter of a struct: the abilities every
// substituted argument must provide.
type TypeParam struct {
	Constraints AbilitySet
}

// StructDef is the loaded definition of a struct: ordered fields plus the
// declared ability set. Definitions are immutable after module load.
type StructDef struct {
	Module    ModuleID
	Name      string
	Abilities AbilitySet
	Params    []TypeParam
	Fields    []FieldDef
}

// Tag returns the struct tag for def instantiated with the given arguments.
// It does not validate arity; Resolver.Resolve does.
func (d *StructDef) Tag(typeArgs []TypeTag) TagStruct {
	return TagStruct{Module: d.Module, Name: d.Name, TypeArgs: typeArgs}
}

// Module is the unit of loading: a set of struct definitions published under
// one ModuleID. The structural soundness of a Module is the static
// verifier's responsibility; this layer re-checks only shape.
type Module struct {
	ID      ModuleID
	Structs []*StructDef
}

// Struct returns the definition with the given name, or nil.
func (m *Module) Struct(name string) *StructDef {
	for _, s := range m.Structs {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Module provider and the session-wide insert-once cache
// ---------------------------------------------------------------------------

// ModuleProvider supplies verified modules on cache miss. Implementations
// must be safe for concurrent use.
type ModuleProvider interface {
	GetModule(id ModuleID) (*Module, error)
}

// ModuleCache is the process-wide module table. It is append-only: a module
// is inserted at most once per ID and never mutated or evicted afterwards,
// so concurrent executions share it without further locking.
type ModuleCache struct {
	modules sync.Map // ModuleID.key() -> *Module
}

// NewModuleCache returns an empty cache.
func NewModuleCache() *ModuleCache { return &ModuleCache{} }

// Load returns the cached module for id, loading it through provider on the
// first request. Concurrent first requests race benignly: LoadOrStore keeps
// exactly one winner and every caller observes that same *Module.
func (c *ModuleCache) Load(id ModuleID, provider ModuleProvider) (*Module, error) {
	if m, ok := c.modules.Load(id.key()); ok {
		return m.(*Module), nil
	}
	if provider == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrModuleNotFound)
	}
	m, err := provider.GetModule(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrModuleNotFound)
	}
	actual, _ := c.modules.LoadOrStore(id.key(), m)
	return actual.(*Module), nil
}

// Insert adds a module directly, for bootstrap and tests. The first insert
// for an ID wins; later inserts of the same ID are ignored.
func (c *ModuleCache) Insert(m *Module) {
	c.modules.LoadOrStore(m.ID.key(), m)
}

// ---------------------------------------------------------------------------
// Module wire format (canonical CBOR)
// ---------------------------------------------------------------------------

// Modules travel between the module provider and storage as canonical CBOR
// so that module bytes, like value bytes, hash identically on every node.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// cborDecode unmarshals wire bytes, folding parse failures into the
// deserialization error kind.
func cborDecode(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode: %v: %w", err, ErrDeserialization)
	}
	return nil
}

type wireTag struct {
	Kind    uint8      `cbor:"0,keyasint"`
	Elem    *wireTag   `cbor:"1,keyasint,omitempty"`
	Address []byte     `cbor:"2,keyasint,omitempty"`
	Module  string     `cbor:"3,keyasint,omitempty"`
	Name    string     `cbor:"4,keyasint,omitempty"`
	Args    []*wireTag `cbor:"5,keyasint,omitempty"`
	Param   int        `cbor:"6,keyasint,omitempty"`
}

type wireField struct {
	Name string   `cbor:"0,keyasint"`
	Type *wireTag `cbor:"1,keyasint"`
}

type wireStruct struct {
	Name      string      `cbor:"0,keyasint"`
	Abilities uint8       `cbor:"1,keyasint"`
	Params    []uint8     `cbor:"2,keyasint,omitempty"`
	Fields    []wireField `cbor:"3,keyasint"`
}

type wireModule struct {
	Address []byte       `cbor:"0,keyasint"`
	Name    string       `cbor:"1,keyasint"`
	Structs []wireStruct `cbor:"2,keyasint"`
}

func tagToWire(t TypeTag) *wireTag {
	switch tt := t.(type) {
	case TagBool:
		return &wireTag{Kind: kindBool}
	case TagU8:
		return &wireTag{Kind: kindU8}
	case TagU64:
		return &wireTag{Kind: kindU64}
	case TagU128:
		return &wireTag{Kind: kindU128}
	case TagAddress:
		return &wireTag{Kind: kindAddress}
	case TagSigner:
		return &wireTag{Kind: kindSigner}
	case TagVector:
		return &wireTag{Kind: kindVector, Elem: tagToWire(tt.Elem)}
	case TagStruct:
		w := &wireTag{Kind: kindStruct, Address: tt.Module.Address[:], Module: tt.Module.Name, Name: tt.Name}
		for _, a := range tt.TypeArgs {
			w.Args = append(w.Args, tagToWire(a))
		}
		return w
	case TagTypeParam:
		return &wireTag{Kind: kindTypeParam, Param: tt.Index}
	}
	return nil
}

func tagFromWire(w *wireTag) (TypeTag, error) {
	if w == nil {
		return nil, fmt.Errorf("missing type tag: %w", ErrDeserialization)
	}
	switch w.Kind {
	case kindBool:
		return TagBool{}, nil
	case kindU8:
		return TagU8{}, nil
	case kindU64:
		return TagU64{}, nil
	case kindU128:
		return TagU128{}, nil
	case kindAddress:
		return TagAddress{}, nil
	case kindSigner:
		return TagSigner{}, nil
	case kindVector:
		elem, err := tagFromWire(w.Elem)
		if err != nil {
			return nil, err
		}
		return TagVector{Elem: elem}, nil
	case kindStruct:
		addr, err := AddressFromBytes(w.Address)
		if err != nil {
			return nil, err
		}
		t := TagStruct{Module: ModuleID{Address: addr, Name: w.Module}, Name: w.Name}
		for _, a := range w.Args {
			arg, err := tagFromWire(a)
			if err != nil {
				return nil, err
			}
			t.TypeArgs = append(t.TypeArgs, arg)
		}
		return t, nil
	case kindTypeParam:
		return TagTypeParam{Index: w.Param}, nil
	}
	return nil, fmt.Errorf("unknown type tag kind %d: %w", w.Kind, ErrDeserialization)
}

// EncodeModule serializes m to its canonical CBOR wire form.
func EncodeModule(m *Module) ([]byte, error) {
	wm := wireModule{Address: m.ID.Address[:], Name: m.ID.Name}
	for _, s := range m.Structs {
		ws := wireStruct{Name: s.Name, Abilities: uint8(s.Abilities)}
		for _, p := range s.Params {
			ws.Params = append(ws.Params, uint8(p.Constraints))
		}
		for _, f := range s.Fields {
			ws.Fields = append(ws.Fields, wireField{Name: f.Name, Type: tagToWire(f.Type)})
		}
		wm.Structs = append(wm.Structs, ws)
	}
	return cborEncMode.Marshal(&wm)
}

// DecodeModule parses the canonical CBOR wire form of a module.
func DecodeModule(data []byte) (*Module, error) {
	var wm wireModule
	if err := cbor.Unmarshal(data, &wm); err != nil {
		return nil, fmt.Errorf("decode module: %v: %w", err, ErrDeserialization)
	}
	addr, err := AddressFromBytes(wm.Address)
	if err != nil {
		return nil, err
	}
	m := &Module{ID: ModuleID{Address: addr, Name: wm.Name}}
	for _, ws := range wm.Structs {
		s := &StructDef{Module: m.ID, Name: ws.Name, Abilities: AbilitySet(ws.Abilities)}
		for _, p := range ws.Params {
			s.Params = append(s.Params, TypeParam{Constraints: AbilitySet(p)})
		}
		for _, wf := range ws.Fields {
			ft, err := tagFromWire(wf.Type)
			if err != nil {
				return nil, err
			}
			s.Fields = append(s.Fields, FieldDef{Name: wf.Name, Type: ft})
		}
		m.Structs = append(m.Structs, s)
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Storage-backed module provider
// ---------------------------------------------------------------------------

// ModuleBytesStore supplies raw module bytes by ID, typically a durable
// store. The bool result distinguishes absence from an empty module.
type ModuleBytesStore interface {
	GetModuleBytes(addr Address, name string) ([]byte, bool, error)
}

// StorageProvider is a ModuleProvider that decodes canonical CBOR module
// bytes out of a ModuleBytesStore.
type StorageProvider struct {
	Store ModuleBytesStore
}

func (p *StorageProvider) GetModule(id ModuleID) (*Module, error) {
	raw, ok, err := p.Store.GetModuleBytes(id.Address, id.Name)
	if err != nil {
		return nil, fmt.Errorf("load module %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrModuleNotFound)
	}
	return DecodeModule(raw)
}
