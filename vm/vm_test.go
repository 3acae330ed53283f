package vm

// Shared fixtures for the package tests: a small module with a plain
// resource, a copyable pair, and a generic box.

var (
	testAddr  = Address{0x0A, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F}
	otherAddr = Address{0x0B, 0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA, 0x99, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}

	testModuleID = ModuleID{Address: testAddr, Name: "token"}
)

// testModule returns a module with:
//
//	Coin  { value: u64 }                      abilities {store, key}
//	Pair  { n: u64, flag: bool }              abilities {copy, drop}
//	Box<T>{ item: T }                         abilities {copy, drop, store, key}
func testModule() *Module {
	return &Module{
		ID: testModuleID,
		Structs: []*StructDef{
			{
				Module:    testModuleID,
				Name:      "Coin",
				Abilities: NoAbilities.Add(AbilityStore).Add(AbilityKey),
				Fields:    []FieldDef{{Name: "value", Type: TagU64{}}},
			},
			{
				Module:    testModuleID,
				Name:      "Pair",
				Abilities: NoAbilities.Add(AbilityCopy).Add(AbilityDrop),
				Fields: []FieldDef{
					{Name: "n", Type: TagU64{}},
					{Name: "flag", Type: TagBool{}},
				},
			},
			{
				Module:    testModuleID,
				Name:      "Box",
				Abilities: AllAbilities,
				Params:    []TypeParam{{Constraints: NoAbilities}},
				Fields:    []FieldDef{{Name: "item", Type: TagTypeParam{Index: 0}}},
			},
		},
	}
}

// newTestResolver returns a resolver over the test module with the given
// instantiation depth bound (0 means the default).
func newTestResolver(maxDepth int) *Resolver {
	cache := NewModuleCache()
	cache.Insert(testModule())
	return NewResolver(cache, nil, maxDepth)
}

func coinTag() TagStruct {
	return TagStruct{Module: testModuleID, Name: "Coin"}
}

func pairTag() TagStruct {
	return TagStruct{Module: testModuleID, Name: "Pair"}
}

func boxTag(arg TypeTag) TagStruct {
	return TagStruct{Module: testModuleID, Name: "Box", TypeArgs: []TypeTag{arg}}
}

// mustPack builds a struct value or panics; for fixtures only.
func mustPack(r *Resolver, name string, typeArgs []TypeTag, fields ...Value) *StructValue {
	def := testModule().Struct(name)
	v, err := Pack(r, def, typeArgs, fields)
	if err != nil {
		panic(err)
	}
	return v
}
