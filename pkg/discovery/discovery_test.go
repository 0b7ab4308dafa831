package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeaconRoundTrip(t *testing.T) {
	b := Beacon{NodeID: "node-a", ServerIdx: 2, ControlURL: "10.0.0.1:7000"}
	decoded, ok := decodeBeacon(encodeBeacon(b))
	require.True(t, ok)
	assert.Equal(t, b, decoded)
}

func TestDecodeBeaconRejectsMalformed(t *testing.T) {
	_, ok := decodeBeacon([]byte("not-a-beacon"))
	assert.False(t, ok)
}

func TestSplitBeacon(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitBeacon("a|b|c"))
}
