package interceptor

import (
	"net"
	"testing"

	"github.com/dare-rsm/dare-core/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDivergence struct {
	reports map[types.MsgVS]map[uint8][types.HashBytes]byte
}

func newFakeDivergence() *fakeDivergence {
	return &fakeDivergence{reports: make(map[types.MsgVS]map[uint8][types.HashBytes]byte)}
}

func (f *fakeDivergence) Record(key types.MsgVS, peer uint8, hash [types.HashBytes]byte) {
	if f.reports[key] == nil {
		f.reports[key] = make(map[uint8][types.HashBytes]byte)
	}
	f.reports[key][peer] = hash
}

func TestSinkConnectSendClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sink := NewSink(1, func() (net.Conn, error) { return server, nil }, nil)

	cltID := types.MsgVS{ViewID: 1, ReqID: 1}
	connectEntry := types.Entry{Header: types.EntryHeader{MsgVS: cltID, CltID: cltID, Type: types.EntryConnect}}
	require.NoError(t, sink.Apply(connectEntry))
	assert.Equal(t, 1, sink.Endpoints())

	recv := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 5)
		n, _ := client.Read(buf)
		recv <- buf[:n]
	}()

	sendEntry := types.Entry{
		Header: types.EntryHeader{MsgVS: types.MsgVS{ViewID: 1, ReqID: 2}, CltID: cltID, Type: types.EntrySend},
		Data:   []byte("hello"),
	}
	require.NoError(t, sink.Apply(sendEntry))
	assert.Equal(t, []byte("hello"), <-recv)

	closeEntry := types.Entry{Header: types.EntryHeader{MsgVS: types.MsgVS{ViewID: 1, ReqID: 3}, CltID: cltID, Type: types.EntryClose}}
	require.NoError(t, sink.Apply(closeEntry))
	assert.Equal(t, 0, sink.Endpoints())
}

func TestSinkSendUnknownClientErrors(t *testing.T) {
	sink := NewSink(1, func() (net.Conn, error) { return nil, nil }, nil)
	err := sink.Apply(types.Entry{
		Header: types.EntryHeader{CltID: types.MsgVS{ViewID: 9, ReqID: 9}, Type: types.EntrySend},
		Data:   []byte("x"),
	})
	assert.Error(t, err)
}

func TestSinkOutputRecordsBothHashes(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	diverge := newFakeDivergence()
	sink := NewSink(2, func() (net.Conn, error) { return server, nil }, diverge)

	cltID := types.MsgVS{ViewID: 1, ReqID: 1}
	require.NoError(t, sink.Apply(types.Entry{Header: types.EntryHeader{MsgVS: cltID, CltID: cltID, Type: types.EntryConnect}}))

	go func() {
		buf := make([]byte, 4)
		_, _ = client.Read(buf)
	}()
	sendEntry := types.Entry{
		Header: types.EntryHeader{MsgVS: types.MsgVS{ViewID: 1, ReqID: 2}, CltID: cltID, Type: types.EntrySend},
		Data:   []byte("ping"),
	}
	require.NoError(t, sink.Apply(sendEntry))

	outputKey := types.MsgVS{ViewID: 1, ReqID: 3}
	outputEntry := types.Entry{
		Header: types.EntryHeader{MsgVS: outputKey, CltID: cltID, Type: types.EntryOutput, NodeID: 0},
		Data:   EncodeOutputPayload(1, 0xc0ffee),
	}
	require.NoError(t, sink.Apply(outputEntry))

	reports := diverge.reports[outputKey]
	require.Len(t, reports, 2)
	_, hasLeader := reports[0]
	_, hasSelf := reports[2]
	assert.True(t, hasLeader)
	assert.True(t, hasSelf)
}

func TestSinkMalformedOutputPayload(t *testing.T) {
	sink := NewSink(1, func() (net.Conn, error) { return nil, nil }, newFakeDivergence())
	err := sink.Apply(types.Entry{
		Header: types.EntryHeader{Type: types.EntryOutput, CltID: types.MsgVS{}},
		Data:   []byte{1, 2, 3},
	})
	assert.Error(t, err)
}
