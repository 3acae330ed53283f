package vm

import "fmt"

// ---------------------------------------------------------------------------
// Resolver: type resolution, generic instantiation, ability computation
// ---------------------------------------------------------------------------

// Resolver answers type questions against the module cache. All of its
// recursion carries an explicit depth counter bounded by maxTypeDepth, so
// adversarial nesting fails with ErrTypeTooDeep instead of exhausting the
// goroutine stack.
type Resolver struct {
	cache        *ModuleCache
	provider     ModuleProvider
	maxTypeDepth int
}

// NewResolver builds a resolver over the given cache and provider.
// maxTypeDepth bounds generic instantiation depth; values below 1 fall back
// to DefaultMaxTypeDepth.
func NewResolver(cache *ModuleCache, provider ModuleProvider, maxTypeDepth int) *Resolver {
	if maxTypeDepth < 1 {
		maxTypeDepth = DefaultMaxTypeDepth
	}
	return &Resolver{cache: cache, provider: provider, maxTypeDepth: maxTypeDepth}
}

// MaxTypeDepth returns the configured instantiation depth bound.
func (r *Resolver) MaxTypeDepth() int { return r.maxTypeDepth }

// Resolve looks up the struct definition named by tag and checks that the
// supplied type arguments match the declared parameter count.
func (r *Resolver) Resolve(tag TagStruct) (*StructDef, error) {
	mod, err := r.cache.Load(tag.Module, r.provider)
	if err != nil {
		return nil, err
	}
	def := mod.Struct(tag.Name)
	if def == nil {
		return nil, fmt.Errorf("struct %s in %s: %w", tag.Name, tag.Module, ErrModuleNotFound)
	}
	if len(tag.TypeArgs) != len(def.Params) {
		return nil, fmt.Errorf("struct %s declares %d type parameters, got %d arguments: %w",
			tag.Name, len(def.Params), len(tag.TypeArgs), ErrTypeArityMismatch)
	}
	return def, nil
}

// Instantiate substitutes typeArgs into def's field types, producing the
// concrete field types of the instantiation. Substitution is structural and
// depth-bounded.
func (r *Resolver) Instantiate(def *StructDef, typeArgs []TypeTag) ([]TypeTag, error) {
	if len(typeArgs) != len(def.Params) {
		return nil, fmt.Errorf("struct %s declares %d type parameters, got %d arguments: %w",
			def.Name, len(def.Params), len(typeArgs), ErrTypeArityMismatch)
	}
	// The instantiation itself is one structural level above its deepest
	// argument: Box<T> instantiated with a depth-d argument yields a
	// depth d+1 type.
	for _, arg := range typeArgs {
		if d := 1 + tagDepth(arg); d > r.maxTypeDepth {
			return nil, fmt.Errorf("instantiation depth %d exceeds maximum %d: %w", d, r.maxTypeDepth, ErrTypeTooDeep)
		}
	}
	fields := make([]TypeTag, len(def.Fields))
	for i, f := range def.Fields {
		t, err := r.substitute(f.Type, typeArgs, 2)
		if err != nil {
			return nil, fmt.Errorf("field %s of %s: %w", f.Name, def.Name, err)
		}
		fields[i] = t
	}
	return fields, nil
}

// substitute replaces TagTypeParam placeholders in t with the corresponding
// entries of args. depth counts structural levels of the result.
func (r *Resolver) substitute(t TypeTag, args []TypeTag, depth int) (TypeTag, error) {
	if depth > r.maxTypeDepth {
		return nil, fmt.Errorf("instantiation depth %d exceeds maximum %d: %w", depth, r.maxTypeDepth, ErrTypeTooDeep)
	}
	switch tt := t.(type) {
	case TagTypeParam:
		if tt.Index < 0 || tt.Index >= len(args) {
			return nil, fmt.Errorf("type parameter T%d out of range: %w", tt.Index, ErrTypeArityMismatch)
		}
		sub := args[tt.Index]
		if depth-1+tagDepth(sub) > r.maxTypeDepth {
			return nil, fmt.Errorf("substituted type too deep: %w", ErrTypeTooDeep)
		}
		return sub, nil
	case TagVector:
		elem, err := r.substitute(tt.Elem, args, depth+1)
		if err != nil {
			return nil, err
		}
		return TagVector{Elem: elem}, nil
	case TagStruct:
		out := TagStruct{Module: tt.Module, Name: tt.Name}
		if len(tt.TypeArgs) > 0 {
			out.TypeArgs = make([]TypeTag, len(tt.TypeArgs))
			for i, a := range tt.TypeArgs {
				sa, err := r.substitute(a, args, depth+1)
				if err != nil {
					return nil, err
				}
				out.TypeArgs[i] = sa
			}
		}
		return out, nil
	default:
		return t, nil
	}
}

// AbilitiesOf computes the effective ability set of a concrete type.
//
// Primitives carry all four abilities and signer carries only drop. A
// vector inherits copy/drop/store from its element. A struct keeps a
// declared ability only if every type argument provides the ability that
// declared position requires (key positions require store).
//
// The result must agree exactly with the static verifier's computation; the
// caller treats divergence as a Fault, not a user error.
func (r *Resolver) AbilitiesOf(t TypeTag) (AbilitySet, error) {
	return r.abilitiesOf(t, 1)
}

func (r *Resolver) abilitiesOf(t TypeTag, depth int) (AbilitySet, error) {
	if depth > r.maxTypeDepth {
		return NoAbilities, fmt.Errorf("ability computation depth %d exceeds maximum %d: %w", depth, r.maxTypeDepth, ErrTypeTooDeep)
	}
	switch tt := t.(type) {
	case TagBool, TagU8, TagU64, TagU128, TagAddress:
		return AllAbilities, nil
	case TagSigner:
		return SignerAbilities, nil
	case TagVector:
		elem, err := r.abilitiesOf(tt.Elem, depth+1)
		if err != nil {
			return NoAbilities, err
		}
		return elem.Intersect(VectorAbilities), nil
	case TagStruct:
		def, err := r.Resolve(tt)
		if err != nil {
			return NoAbilities, err
		}
		argAbilities := make([]AbilitySet, len(tt.TypeArgs))
		for i, arg := range tt.TypeArgs {
			a, err := r.abilitiesOf(arg, depth+1)
			if err != nil {
				return NoAbilities, err
			}
			argAbilities[i] = a
		}
		return deriveStructAbilities(def.Abilities, argAbilities), nil
	case TagTypeParam:
		return NoAbilities, fmt.Errorf("unsubstituted type parameter T%d: %w", tt.Index, ErrTypeMismatch)
	}
	return NoAbilities, fmt.Errorf("unknown type tag %T: %w", t, ErrTypeMismatch)
}

// deriveStructAbilities intersects the declared set with what the
// instantiated arguments support.
func deriveStructAbilities(declared AbilitySet, args []AbilitySet) AbilitySet {
	effective := declared
	for _, a := range []Ability{AbilityCopy, AbilityDrop, AbilityStore, AbilityKey} {
		if !declared.Has(a) {
			continue
		}
		req := a.requires()
		for _, arg := range args {
			if !arg.Has(req) {
				effective &^= AbilitySet(a)
				break
			}
		}
	}
	return effective
}

// CheckConstraints verifies each type argument against the declared
// parameter constraints of def. Constraint failures in verified code are
// impossible, so callers report them as faults.
func (r *Resolver) CheckConstraints(def *StructDef, typeArgs []TypeTag) error {
	if len(typeArgs) != len(def.Params) {
		return fmt.Errorf("struct %s declares %d type parameters, got %d arguments: %w",
			def.Name, len(def.Params), len(typeArgs), ErrTypeArityMismatch)
	}
	for i, arg := range typeArgs {
		have, err := r.AbilitiesOf(arg)
		if err != nil {
			return err
		}
		want := def.Params[i].Constraints
		if have.Intersect(want) != want {
			return fmt.Errorf("type argument %s lacks required abilities %s for T%d of %s: %w",
				arg, want, i, def.Name, ErrAbilityViolation)
		}
	}
	return nil
}
