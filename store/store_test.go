package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarryvm/quarry/vm"
)

var (
	addrA = vm.Address{0x01}
	addrB = vm.Address{0x02}

	coinTag = vm.TagStruct{
		Module: vm.ModuleID{Address: addrA, Name: "token"},
		Name:   "Coin",
	}
	vaultTag = vm.TagStruct{
		Module: vm.ModuleID{Address: addrA, Name: "token"},
		Name:   "Vault",
	}
)

func tagKey(t *testing.T, tag vm.TagStruct) []byte {
	t.Helper()
	key, err := vm.EncodeTypeTag(tag)
	require.NoError(t, err)
	return key
}

// applyRoundTrip drives any Store through a create/modify/delete cycle.
func applyRoundTrip(t *testing.T, s Store) {
	t.Helper()
	key := tagKey(t, coinTag)

	_, ok, err := s.GetResource(addrA, key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.ApplyWriteSet(vm.WriteSet{
		{Address: addrA, Tag: coinTag, Kind: vm.WriteOpCreate, Value: []byte{1, 0, 0, 0, 0, 0, 0, 0}},
	}))
	raw, ok, err := s.GetResource(addrA, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0}, raw)

	require.NoError(t, s.ApplyWriteSet(vm.WriteSet{
		{Address: addrA, Tag: coinTag, Kind: vm.WriteOpModify, Value: []byte{2, 0, 0, 0, 0, 0, 0, 0}},
	}))
	raw, ok, err = s.GetResource(addrA, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, byte(2), raw[0])

	require.NoError(t, s.ApplyWriteSet(vm.WriteSet{
		{Address: addrA, Tag: coinTag, Kind: vm.WriteOpDelete},
	}))
	_, ok, err = s.GetResource(addrA, key)
	require.NoError(t, err)
	require.False(t, ok)
}

// applyRejectsBadOps drives any Store through the commit-layer precondition
// failures: create over existing, modify/delete of missing.
func applyRejectsBadOps(t *testing.T, s Store) {
	t.Helper()
	require.NoError(t, s.ApplyWriteSet(vm.WriteSet{
		{Address: addrA, Tag: coinTag, Kind: vm.WriteOpCreate, Value: []byte{1}},
	}))

	require.Error(t, s.ApplyWriteSet(vm.WriteSet{
		{Address: addrA, Tag: coinTag, Kind: vm.WriteOpCreate, Value: []byte{2}},
	}))
	require.Error(t, s.ApplyWriteSet(vm.WriteSet{
		{Address: addrB, Tag: coinTag, Kind: vm.WriteOpModify, Value: []byte{2}},
	}))
	require.Error(t, s.ApplyWriteSet(vm.WriteSet{
		{Address: addrB, Tag: coinTag, Kind: vm.WriteOpDelete},
	}))
}

func moduleRoundTrip(t *testing.T, s Store) {
	t.Helper()
	_, ok, err := s.GetModuleBytes(addrA, "token")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.PutModuleBytes(addrA, "token", []byte("wire")))
	raw, ok, err := s.GetModuleBytes(addrA, "token")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("wire"), raw)

	// Republishing replaces.
	require.NoError(t, s.PutModuleBytes(addrA, "token", []byte("wire2")))
	raw, _, err = s.GetModuleBytes(addrA, "token")
	require.NoError(t, err)
	require.Equal(t, []byte("wire2"), raw)
}
