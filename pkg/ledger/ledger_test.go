package ledger

import (
	"testing"

	"github.com/dare-rsm/dare-core/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndGetEntry(t *testing.T) {
	l := New(1<<16, 0)

	off, err := l.Append(types.EntryHeader{
		MsgVS:  types.MsgVS{ViewID: 1, ReqID: 1},
		NodeID: 0,
		Type:   types.EntrySend,
		CltID:  types.MsgVS{ViewID: 1, ReqID: 1},
	}, []byte("hello"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, off)

	e, ok := l.GetEntry(off)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), e.Data)
	assert.Equal(t, types.EntrySend, e.Header.Type)
}

func TestCommitAndApplyOrdering(t *testing.T) {
	l := New(1<<16, 0)

	var offsets []int64
	for i := 0; i < 5; i++ {
		off, err := l.Append(types.EntryHeader{
			MsgVS: types.MsgVS{ViewID: 1, ReqID: uint32(i + 1)},
			Type:  types.EntryNoop,
		}, nil)
		require.NoError(t, err)
		offsets = append(offsets, off)
	}

	require.NoError(t, l.AdvanceCommit(3))
	assert.Equal(t, 3, l.CommittedLen())

	var applied []types.MsgVS
	require.NoError(t, l.ForEachNC(func(e types.Entry, offset int64) error {
		applied = append(applied, e.Header.MsgVS)
		return nil
	}))
	require.Len(t, applied, 3)
	for i, v := range applied {
		assert.EqualValues(t, i+1, v.ReqID)
	}
	assert.Equal(t, 3, l.AppliedLen())
	_ = offsets
}

func TestAckBitmapAndWriteAck(t *testing.T) {
	l := New(1<<16, 0)
	off, err := l.Append(types.EntryHeader{MsgVS: types.MsgVS{ReqID: 1}, Type: types.EntryNoop}, nil)
	require.NoError(t, err)

	mask, err := l.ReadAckBitmap(off)
	require.NoError(t, err)
	assert.Zero(t, mask)

	require.NoError(t, l.WriteAck(off, 2, [types.HashBytes]byte{}))
	mask, err = l.ReadAckBitmap(off)
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<2), mask)
}

func TestWrapFitNeverSplitsEntry(t *testing.T) {
	// Capacity sized so the 3rd entry cannot fit before the end and must wrap.
	payload := make([]byte, 32)
	one := types.WireLen(types.MaxServers, len(payload))
	cap := int64(one)*2 + int64(one)/2 // room for 2 full entries plus a sliver
	l := New(cap, 0)

	for i := 0; i < 3; i++ {
		off, err := l.Append(types.EntryHeader{MsgVS: types.MsgVS{ReqID: uint32(i)}, Type: types.EntrySend}, payload)
		require.NoError(t, err)
		assert.True(t, cap-off >= int64(one), "entry at %d must fit before capacity %d", off, cap)
	}
	// Third entry did not fit after the second, so it must have wrapped to 0.
	e, off, ok := l.EntryAt(2)
	require.True(t, ok)
	assert.EqualValues(t, 0, off)
	assert.EqualValues(t, 2, e.Header.MsgVS.ReqID)
}

func TestPruneEvictsOldestApplied(t *testing.T) {
	l := New(1<<16, 0)
	for i := 0; i < 4; i++ {
		_, err := l.Append(types.EntryHeader{MsgVS: types.MsgVS{ReqID: uint32(i)}, Type: types.EntryNoop}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, l.AdvanceCommit(4))
	require.NoError(t, l.ForEachNC(func(types.Entry, int64) error { return nil }))

	require.NoError(t, l.Prune(2))
	assert.Equal(t, 2, l.Len())
	e, _, ok := l.EntryAt(0)
	require.True(t, ok)
	assert.EqualValues(t, 2, e.Header.MsgVS.ReqID)
}
