package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinMsgEncodeDecodeRoundTrip(t *testing.T) {
	want := joinMsg{Kind: joinRedirect, ServerIdx: 3, LeaderIdx: 1}
	got, ok := decodeJoinMsg(encodeJoinMsg(want))
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestDecodeJoinMsgRejectsOtherSideChannelTags(t *testing.T) {
	_, ok := decodeJoinMsg([]byte{0xC1, 0x01})
	assert.False(t, ok)

	_, ok = decodeJoinMsg(nil)
	assert.False(t, ok)
}
