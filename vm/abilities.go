package vm

import "strings"

// ---------------------------------------------------------------------------
// Abilities: per-type flags gating copy, drop, storage, and key use
// ---------------------------------------------------------------------------

// Ability is a single per-type capability flag.
type Ability uint8

const (
	AbilityCopy  Ability = 1 << iota // values may be duplicated
	AbilityDrop                      // values may be discarded implicitly
	AbilityStore                     // values may be persisted inside global storage
	AbilityKey                       // values may serve as top-level storage keys
)

// AbilitySet is a bitset of abilities.
type AbilitySet uint8

const (
	// NoAbilities is the empty set: a linear resource that must be
	// explicitly consumed and never duplicated.
	NoAbilities AbilitySet = 0

	// AllAbilities is the full set carried by every primitive type.
	AllAbilities = AbilitySet(AbilityCopy | AbilityDrop | AbilityStore | AbilityKey)

	// SignerAbilities: signer values witness transaction authority; they can
	// be dropped but never copied or persisted.
	SignerAbilities = AbilitySet(AbilityDrop)

	// VectorAbilities caps what a vector can inherit from its element type:
	// a vector itself is never a storage key.
	VectorAbilities = AbilitySet(AbilityCopy | AbilityDrop | AbilityStore)
)

// Has reports whether the set contains a.
func (s AbilitySet) Has(a Ability) bool { return AbilitySet(a)&s != 0 }

// HasCopy reports whether values of this type may be duplicated.
func (s AbilitySet) HasCopy() bool { return s.Has(AbilityCopy) }

// HasDrop reports whether values of this type may be implicitly discarded.
func (s AbilitySet) HasDrop() bool { return s.Has(AbilityDrop) }

// HasStore reports whether values of this type may be stored in a resource.
func (s AbilitySet) HasStore() bool { return s.Has(AbilityStore) }

// HasKey reports whether values of this type may be published as resources.
func (s AbilitySet) HasKey() bool { return s.Has(AbilityKey) }

// Add returns the set extended with a.
func (s AbilitySet) Add(a Ability) AbilitySet { return s | AbilitySet(a) }

// Intersect returns the abilities present in both sets.
func (s AbilitySet) Intersect(other AbilitySet) AbilitySet { return s & other }

// requires returns the ability a type argument must have for the enclosing
// struct to retain a. Key placement demands that the payload be storable,
// not that it itself be a key.
func (a Ability) requires() Ability {
	if a == AbilityKey {
		return AbilityStore
	}
	return a
}

func (a Ability) String() string {
	switch a {
	case AbilityCopy:
		return "copy"
	case AbilityDrop:
		return "drop"
	case AbilityStore:
		return "store"
	case AbilityKey:
		return "key"
	}
	return "unknown"
}

func (s AbilitySet) String() string {
	if s == NoAbilities {
		return "{}"
	}
	var parts []string
	for _, a := range []Ability{AbilityCopy, AbilityDrop, AbilityStore, AbilityKey} {
		if s.Has(a) {
			parts = append(parts, a.String())
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
