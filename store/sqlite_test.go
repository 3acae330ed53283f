package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarryvm/quarry/vm"
)

func openTestDB(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreWriteSetCycle(t *testing.T) {
	applyRoundTrip(t, openTestDB(t))
}

func TestSQLiteStoreRejectsBadOps(t *testing.T) {
	applyRejectsBadOps(t, openTestDB(t))
}

func TestSQLiteStoreModules(t *testing.T) {
	moduleRoundTrip(t, openTestDB(t))
}

func TestSQLiteStoreApplyIsAtomic(t *testing.T) {
	s := openTestDB(t)
	key := tagKey(t, coinTag)

	err := s.ApplyWriteSet(vm.WriteSet{
		{Address: addrA, Tag: coinTag, Kind: vm.WriteOpCreate, Value: []byte{1}},
		{Address: addrB, Tag: vaultTag, Kind: vm.WriteOpDelete},
	})
	require.Error(t, err)

	_, ok, err := s.GetResource(addrA, key)
	require.NoError(t, err)
	require.False(t, ok, "partial transaction committed")
}

func TestSQLiteStorePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.db")

	first, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, first.ApplyWriteSet(vm.WriteSet{
		{Address: addrA, Tag: coinTag, Kind: vm.WriteOpCreate, Value: []byte{7}},
	}))
	require.NoError(t, first.PutModuleBytes(addrA, "token", []byte("wire")))
	require.NoError(t, first.Close())

	second, err := OpenSQLite(path)
	require.NoError(t, err)
	defer second.Close()

	raw, ok, err := second.GetResource(addrA, tagKey(t, coinTag))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{7}, raw)

	mod, ok, err := second.GetModuleBytes(addrA, "token")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("wire"), mod)
}
