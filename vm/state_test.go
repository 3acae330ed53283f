package vm

import (
	"bytes"
	"errors"
	"testing"
)

// stubStore is an in-package StateStore over a plain map.
type stubStore struct {
	resources map[string][]byte
	reads     int
}

func newStubStore() *stubStore {
	return &stubStore{resources: make(map[string][]byte)}
}

func (s *stubStore) storeKey(addr Address, tagKey []byte) string {
	return string(addr[:]) + string(tagKey)
}

func (s *stubStore) GetResource(addr Address, tagKey []byte) ([]byte, bool, error) {
	s.reads++
	raw, ok := s.resources[s.storeKey(addr, tagKey)]
	return raw, ok, nil
}

func (s *stubStore) put(t *testing.T, c *Codec, addr Address, tag TagStruct, v Value) {
	t.Helper()
	raw, err := c.Encode(v, tag)
	if err != nil {
		t.Fatal(err)
	}
	key, err := EncodeTypeTag(tag)
	if err != nil {
		t.Fatal(err)
	}
	s.resources[s.storeKey(addr, key)] = raw
}

func newTestAdapter(t *testing.T) (*StateAdapter, *stubStore, *Resolver) {
	t.Helper()
	r := newTestResolver(0)
	c := NewCodec(r, Limits{})
	store := newStubStore()
	return NewStateAdapter(store, c), store, r
}

// ---------------------------------------------------------------------------
// Read paths
// ---------------------------------------------------------------------------

func TestGetResourceFromStore(t *testing.T) {
	adapter, store, r := newTestAdapter(t)
	coin := mustPack(r, "Coin", nil, U64Value(50))
	store.put(t, NewCodec(r, Limits{}), testAddr, coinTag(), coin)

	got, err := adapter.GetResource(testAddr, coinTag())
	if err != nil {
		t.Fatalf("GetResource: %v", err)
	}
	if !StructuralEquals(got, coin) {
		t.Error("loaded value differs from the stored encoding")
	}

	// The second read hits the cache, not the store.
	if _, err := adapter.GetResource(testAddr, coinTag()); err != nil {
		t.Fatal(err)
	}
	if store.reads != 1 {
		t.Errorf("store consulted %d times, want 1", store.reads)
	}
}

func TestGetResourceMissing(t *testing.T) {
	adapter, _, _ := newTestAdapter(t)
	if _, err := adapter.GetResource(testAddr, coinTag()); !errors.Is(err, ErrResourceDoesNotExist) {
		t.Errorf("want ErrResourceDoesNotExist, got %v", err)
	}
	exists, err := adapter.ResourceExists(testAddr, coinTag())
	if err != nil || exists {
		t.Errorf("ResourceExists = %v, %v", exists, err)
	}
}

func TestGetResourceSnapshotIsIndependent(t *testing.T) {
	adapter, store, r := newTestAdapter(t)
	coin := mustPack(r, "Coin", nil, U64Value(777))
	store.put(t, NewCodec(r, Limits{}), testAddr, coinTag(), coin)

	got, err := adapter.GetResource(testAddr, coinTag())
	if err != nil {
		t.Fatalf("GetResource: %v", err)
	}
	// Consuming the returned value must not gut the cached entry.
	if _, err := Unpack(got, coinTag()); err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	exists, err := adapter.ResourceExists(testAddr, coinTag())
	if err != nil || !exists {
		t.Fatalf("ResourceExists after consuming the snapshot = %v, %v", exists, err)
	}
	again, err := adapter.GetResource(testAddr, coinTag())
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if !StructuralEquals(again, coin) {
		t.Error("cached resource was damaged through the returned snapshot")
	}

	// The entry was only read, so it contributes nothing to the write set.
	ws, err := adapter.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if len(ws) != 0 {
		t.Errorf("write set = %v, want empty", ws)
	}
}

func TestGetResourceSnapshotOfPendingWrite(t *testing.T) {
	adapter, _, r := newTestAdapter(t)
	c := NewCodec(r, Limits{})
	if err := adapter.SetResource(testAddr, coinTag(), mustPack(r, "Coin", nil, U64Value(3))); err != nil {
		t.Fatal(err)
	}

	got, err := adapter.GetResource(testAddr, coinTag())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unpack(got, coinTag()); err != nil {
		t.Fatal(err)
	}

	// The pending create still encodes with its field intact.
	ws, err := adapter.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if len(ws) != 1 || ws[0].Kind != WriteOpCreate {
		t.Fatalf("write set = %v, want one create", ws)
	}
	want, _ := c.Encode(mustPack(r, "Coin", nil, U64Value(3)), coinTag())
	if !bytes.Equal(ws[0].Value, want) {
		t.Error("pending write was damaged through the returned snapshot")
	}
}

// ---------------------------------------------------------------------------
// Publish and delete
// ---------------------------------------------------------------------------

func TestSetResourceRequiresKeyAbility(t *testing.T) {
	adapter, _, r := newTestAdapter(t)
	pair := mustPack(r, "Pair", nil, U64Value(1), BoolValue(true))
	err := adapter.SetResource(testAddr, pairTag(), pair)
	if !errors.Is(err, ErrAbilityViolation) {
		t.Errorf("publishing a keyless struct: got %v", err)
	}

	coin := mustPack(r, "Coin", nil, U64Value(1))
	if err := adapter.SetResource(testAddr, pairTag(), coin); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("publishing under the wrong tag: got %v", err)
	}
}

func TestDeleteShadowsStore(t *testing.T) {
	adapter, store, r := newTestAdapter(t)
	coin := mustPack(r, "Coin", nil, U64Value(5))
	store.put(t, NewCodec(r, Limits{}), testAddr, coinTag(), coin)

	removed, err := adapter.DeleteResource(testAddr, coinTag())
	if err != nil {
		t.Fatalf("DeleteResource: %v", err)
	}
	if !StructuralEquals(removed, coin) {
		t.Error("delete returned a different value")
	}

	// The store still holds the bytes, but this execution no longer sees them.
	if _, err := adapter.GetResource(testAddr, coinTag()); !errors.Is(err, ErrResourceDoesNotExist) {
		t.Errorf("read after delete: got %v", err)
	}
	if _, err := adapter.DeleteResource(testAddr, coinTag()); !errors.Is(err, ErrResourceDoesNotExist) {
		t.Errorf("double delete: got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Write-set classification
// ---------------------------------------------------------------------------

func TestFinalizeClassifiesOps(t *testing.T) {
	adapter, store, r := newTestAdapter(t)
	c := NewCodec(r, Limits{})

	// Pre-existing resources at otherAddr: one to modify, one to delete.
	store.put(t, c, otherAddr, coinTag(), mustPack(r, "Coin", nil, U64Value(1)))
	boxU64 := boxTag(TagU64{})
	store.put(t, c, otherAddr, boxU64, mustPack(r, "Box", []TypeTag{TagU64{}}, U64Value(2)))

	// Fresh create at testAddr.
	if err := adapter.SetResource(testAddr, coinTag(), mustPack(r, "Coin", nil, U64Value(10))); err != nil {
		t.Fatal(err)
	}
	// Overwrite of a stored resource.
	if err := adapter.SetResource(otherAddr, coinTag(), mustPack(r, "Coin", nil, U64Value(20))); err != nil {
		t.Fatal(err)
	}
	// Delete of a stored resource.
	if _, err := adapter.DeleteResource(otherAddr, boxU64); err != nil {
		t.Fatal(err)
	}

	ws, err := adapter.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(ws) != 3 {
		t.Fatalf("write set has %d ops, want 3", len(ws))
	}

	// testAddr sorts before otherAddr (0x0A < 0x0B).
	if ws[0].Address != testAddr || ws[0].Kind != WriteOpCreate {
		t.Errorf("op 0 = %s at %v, want create at testAddr", ws[0].Kind, ws[0].Address)
	}
	byTag := map[string]WriteOp{}
	for _, op := range ws[1:] {
		if op.Address != otherAddr {
			t.Errorf("op at %v, want otherAddr", op.Address)
		}
		byTag[op.Tag.Name] = op
	}
	if op := byTag["Coin"]; op.Kind != WriteOpModify {
		t.Errorf("Coin op = %s, want modify", op.Kind)
	}
	if op := byTag["Box"]; op.Kind != WriteOpDelete || op.Value != nil {
		t.Errorf("Box op = %s value %x, want bare delete", op.Kind, op.Value)
	}

	// Create/modify ops carry the canonical encoding.
	want, _ := c.Encode(mustPack(r, "Coin", nil, U64Value(10)), coinTag())
	if !bytes.Equal(ws[0].Value, want) {
		t.Errorf("create op bytes = %x, want %x", ws[0].Value, want)
	}
}

func TestLastWriteWins(t *testing.T) {
	adapter, store, r := newTestAdapter(t)
	c := NewCodec(r, Limits{})
	store.put(t, c, testAddr, coinTag(), mustPack(r, "Coin", nil, U64Value(1)))

	for _, n := range []uint64{2, 3, 4} {
		if err := adapter.SetResource(testAddr, coinTag(), mustPack(r, "Coin", nil, U64Value(n))); err != nil {
			t.Fatal(err)
		}
	}
	ws, err := adapter.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if len(ws) != 1 || ws[0].Kind != WriteOpModify {
		t.Fatalf("write set = %v, want one modify", ws)
	}
	want, _ := c.Encode(mustPack(r, "Coin", nil, U64Value(4)), coinTag())
	if !bytes.Equal(ws[0].Value, want) {
		t.Error("write op does not carry the final value")
	}
}

func TestCreateThenDeleteVanishes(t *testing.T) {
	adapter, _, r := newTestAdapter(t)
	if err := adapter.SetResource(testAddr, coinTag(), mustPack(r, "Coin", nil, U64Value(1))); err != nil {
		t.Fatal(err)
	}
	if _, err := adapter.DeleteResource(testAddr, coinTag()); err != nil {
		t.Fatal(err)
	}
	ws, err := adapter.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if len(ws) != 0 {
		t.Errorf("write set = %v, want empty", ws)
	}
}

func TestFinalizeIsDeterministic(t *testing.T) {
	r := newTestResolver(0)
	c := NewCodec(r, Limits{})

	build := func() WriteSet {
		adapter := NewStateAdapter(newStubStore(), c)
		// Touch keys in varying shapes; map iteration order must not leak.
		for _, addr := range []Address{otherAddr, testAddr} {
			if err := adapter.SetResource(addr, coinTag(), mustPack(r, "Coin", nil, U64Value(7))); err != nil {
				t.Fatal(err)
			}
			if err := adapter.SetResource(addr, boxTag(TagU64{}), mustPack(r, "Box", []TypeTag{TagU64{}}, U64Value(8))); err != nil {
				t.Fatal(err)
			}
		}
		ws, err := adapter.Finalize()
		if err != nil {
			t.Fatal(err)
		}
		return ws
	}

	first, _ := build().MarshalBinary()
	for i := 0; i < 10; i++ {
		again, _ := build().MarshalBinary()
		if !bytes.Equal(first, again) {
			t.Fatal("write set bytes differ across identical executions")
		}
	}
}

func TestFinalizeTwiceFaults(t *testing.T) {
	adapter, _, _ := newTestAdapter(t)
	if _, err := adapter.Finalize(); err != nil {
		t.Fatal(err)
	}
	if _, err := adapter.Finalize(); !IsFault(err) {
		t.Errorf("second finalize: got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Global borrows
// ---------------------------------------------------------------------------

func TestBorrowGlobalReadAndWrite(t *testing.T) {
	adapter, store, r := newTestAdapter(t)
	c := NewCodec(r, Limits{})
	store.put(t, c, testAddr, coinTag(), mustPack(r, "Coin", nil, U64Value(5)))

	ref, err := adapter.BorrowGlobal(testAddr, coinTag(), true)
	if err != nil {
		t.Fatalf("BorrowGlobal: %v", err)
	}
	if err := ref.WriteRef(mustPack(r, "Coin", nil, U64Value(6))); err != nil {
		t.Fatalf("WriteRef: %v", err)
	}
	if err := ref.Release(); err != nil {
		t.Fatal(err)
	}

	ws, err := adapter.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if len(ws) != 1 || ws[0].Kind != WriteOpModify {
		t.Fatalf("write set = %v, want one modify", ws)
	}
	want, _ := c.Encode(mustPack(r, "Coin", nil, U64Value(6)), coinTag())
	if !bytes.Equal(ws[0].Value, want) {
		t.Error("write through global reference did not land")
	}
}

func TestBorrowGlobalExclusivity(t *testing.T) {
	adapter, _, r := newTestAdapter(t)
	if err := adapter.SetResource(testAddr, coinTag(), mustPack(r, "Coin", nil, U64Value(1))); err != nil {
		t.Fatal(err)
	}

	mut, err := adapter.BorrowGlobal(testAddr, coinTag(), true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := adapter.BorrowGlobal(testAddr, coinTag(), false); !errors.Is(err, ErrBorrowConflict) {
		t.Errorf("shared over exclusive: got %v", err)
	}
	// A borrowed resource cannot be replaced or removed out from under the
	// reference.
	if err := adapter.SetResource(testAddr, coinTag(), mustPack(r, "Coin", nil, U64Value(2))); !errors.Is(err, ErrBorrowConflict) {
		t.Errorf("set while borrowed: got %v", err)
	}
	if _, err := adapter.DeleteResource(testAddr, coinTag()); !errors.Is(err, ErrBorrowConflict) {
		t.Errorf("delete while borrowed: got %v", err)
	}

	if err := mut.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := adapter.DeleteResource(testAddr, coinTag()); err != nil {
		t.Errorf("delete after release: %v", err)
	}
}

func TestBorrowGlobalMissing(t *testing.T) {
	adapter, _, _ := newTestAdapter(t)
	if _, err := adapter.BorrowGlobal(testAddr, coinTag(), false); !errors.Is(err, ErrResourceDoesNotExist) {
		t.Errorf("borrow of missing resource: got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Wire form
// ---------------------------------------------------------------------------

func TestWriteSetWireRoundTrip(t *testing.T) {
	adapter, _, r := newTestAdapter(t)
	if err := adapter.SetResource(testAddr, coinTag(), mustPack(r, "Coin", nil, U64Value(9))); err != nil {
		t.Fatal(err)
	}
	if err := adapter.SetResource(otherAddr, boxTag(TagVector{Elem: TagU8{}}), mustPack(r, "Box", []TypeTag{TagVector{Elem: TagU8{}}}, &VectorValue{Elem: TagU8{}})); err != nil {
		t.Fatal(err)
	}
	ws, err := adapter.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	data, err := ws.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var got WriteSet
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if len(got) != len(ws) {
		t.Fatalf("got %d ops, want %d", len(got), len(ws))
	}
	for i := range ws {
		if got[i].Address != ws[i].Address || !TagsEqual(got[i].Tag, ws[i].Tag) ||
			got[i].Kind != ws[i].Kind || !bytes.Equal(got[i].Value, ws[i].Value) {
			t.Errorf("op %d differs after round trip", i)
		}
	}
}
