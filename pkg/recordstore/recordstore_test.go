package recordstore

import (
	"testing"

	"github.com/dare-rsm/dare-core/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAndRetrieveRecord(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	key := types.MsgVS{ViewID: 1, ReqID: 42}
	require.NoError(t, s.StoreRecord(key, []byte("payload")))

	got, ok, err := s.RetrieveRecord(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got)
}

func TestRetrieveMissingRecord(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.RetrieveRecord(types.MsgVS{ViewID: 1, ReqID: 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDumpAndLoadRecords(t *testing.T) {
	src, err := Open(t.TempDir())
	require.NoError(t, err)
	defer src.Close()

	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, src.StoreRecord(types.MsgVS{ViewID: 1, ReqID: i}, []byte{byte(i)}))
	}

	dump, err := src.DumpRecords()
	require.NoError(t, err)
	require.Len(t, dump, 3)

	dst, err := Open(t.TempDir())
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, dst.LoadRecords(dump))

	got, ok, err := dst.RetrieveRecord(types.MsgVS{ViewID: 1, ReqID: 2})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{2}, got)
}

func TestDeleteRecord(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	key := types.MsgVS{ViewID: 1, ReqID: 1}
	require.NoError(t, s.StoreRecord(key, []byte("x")))
	require.NoError(t, s.DeleteRecord(key))

	_, ok, err := s.RetrieveRecord(key)
	require.NoError(t, err)
	assert.False(t, ok)
}
