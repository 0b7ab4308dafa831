package membership

import (
	"testing"
	"time"

	"github.com/dare-rsm/dare-core/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stableCID() types.CID {
	return types.CID{SizePrimary: 3, State: types.ConfigStable, Bitmask: 0b111, PrimaryMask: 0b111}
}

func TestJoinLifecycle(t *testing.T) {
	m := NewManager(stableCID())

	extended, err := m.BeginJoin(3)
	require.NoError(t, err)
	assert.Equal(t, types.ConfigExtended, extended.State)
	assert.True(t, extended.IsMember(3))
	assert.EqualValues(t, 3, extended.SizePrimary)
	assert.EqualValues(t, 4, extended.SizeSecondary)
	m.Observe(extended)

	stable, err := m.CompleteJoin(3)
	require.NoError(t, err)
	assert.Equal(t, types.ConfigStable, stable.State)
	assert.EqualValues(t, 4, stable.SizePrimary)
}

func TestJoinRejectsWhenNotStable(t *testing.T) {
	m := NewManager(stableCID())
	extended, err := m.BeginJoin(3)
	require.NoError(t, err)
	m.Observe(extended)

	_, err = m.BeginJoin(4)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRemoveLifecycle(t *testing.T) {
	m := NewManager(stableCID())

	transit, err := m.BeginRemove(2)
	require.NoError(t, err)
	assert.Equal(t, types.ConfigTransit, transit.State)
	assert.EqualValues(t, 2, transit.SizeSecondary)
	m.Observe(transit)

	stable, err := m.CompleteRemove(2)
	require.NoError(t, err)
	assert.Equal(t, types.ConfigStable, stable.State)
	assert.EqualValues(t, 2, stable.SizePrimary)
	assert.False(t, stable.IsMember(2))
}

func TestCannotRemoveLastMember(t *testing.T) {
	m := NewManager(types.CID{SizePrimary: 1, State: types.ConfigStable, Bitmask: 0b1, PrimaryMask: 0b1})
	_, err := m.BeginRemove(0)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCheckpointCoordinatorExpiresStaleRequest(t *testing.T) {
	c := NewCheckpointCoordinator(5 * time.Millisecond)
	c.Request(1)
	assert.Equal(t, DisconnectRequest, c.State(1))
	assert.True(t, c.ShieldedFromRemoval(1))

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, NoDisconnected, c.State(1))
	assert.False(t, c.ShieldedFromRemoval(1))
}

func TestCheckpointCoordinatorApprove(t *testing.T) {
	c := NewCheckpointCoordinator(time.Second)
	c.Request(2)
	c.Approve(2)
	assert.Equal(t, DisconnectApprove, c.State(2))
	c.Clear(2)
	assert.Equal(t, NoDisconnected, c.State(2))
}
