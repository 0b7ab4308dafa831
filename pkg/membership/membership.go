// Package membership implements joint-consensus configuration changes
// (component E, §4.5): moving a cluster between STABLE, EXTENDED and TRANSIT
// CID states as servers join, leave, or are replaced.
package membership

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dare-rsm/dare-core/pkg/logging"
	"github.com/dare-rsm/dare-core/pkg/types"
	"github.com/rs/zerolog"
)

// ErrInvalidTransition is returned when a requested configuration change
// does not follow the STABLE -> EXTENDED|TRANSIT -> STABLE lifecycle of
// §3.2/§4.5.
var ErrInvalidTransition = errors.New("membership: invalid configuration transition")

// ErrGroupFull is returned when adding a member would exceed MaxServers.
var ErrGroupFull = errors.New("membership: group already at MaxServers")

// Manager tracks the current CID and applies the join/downsize/remove
// protocol on top of it. It does not itself replicate CID changes; callers
// are expected to submit the resulting CID as an EntryConfig log entry via
// the replication engine so every server observes the same sequence of
// configuration changes in log order (§4.5).
type Manager struct {
	mu     sync.Mutex
	cid    types.CID
	logger zerolog.Logger
}

// NewManager starts tracking configuration changes from an initial stable CID.
func NewManager(initial types.CID) *Manager {
	return &Manager{cid: initial, logger: logging.WithComponent("membership")}
}

// Current returns the last known CID.
func (m *Manager) Current() types.CID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cid
}

// Observe installs cid as the manager's current view, called whenever an
// EntryConfig log entry is applied (§4.5 step "apply config entry").
func (m *Manager) Observe(cid types.CID) {
	m.mu.Lock()
	m.cid = cid
	m.mu.Unlock()
}

// BeginJoin starts adding newIdx to the group: STABLE -> EXTENDED with
// newIdx present in the bitmask but not yet counted toward SizePrimary, so
// a quorum can form without needing the new member's ack (§4.5 join,
// §3.2 EXTENDED quorum rule).
func (m *Manager) BeginJoin(newIdx uint8) (types.CID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cid.State != types.ConfigStable {
		return types.CID{}, fmt.Errorf("%w: join requires STABLE, have %s", ErrInvalidTransition, m.cid.State)
	}
	if m.cid.IsMember(newIdx) {
		return types.CID{}, fmt.Errorf("%w: server %d already a member", ErrInvalidTransition, newIdx)
	}
	if int(m.cid.SizePrimary) >= types.MaxServers {
		return types.CID{}, ErrGroupFull
	}
	next := m.cid
	next.Epoch++
	next.State = types.ConfigExtended
	next.PrimaryMask = m.cid.Bitmask // old group alone still needs its own majority
	next.SizeSecondary = next.SizePrimary + 1
	next = next.WithMember(newIdx, true)
	return next, nil
}

// CompleteJoin folds the new member into the primary group once it has
// caught up and acked a quorum of recent entries: EXTENDED -> STABLE with
// SizePrimary incremented (§4.5).
func (m *Manager) CompleteJoin(newIdx uint8) (types.CID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cid.State != types.ConfigExtended {
		return types.CID{}, fmt.Errorf("%w: complete-join requires EXTENDED, have %s", ErrInvalidTransition, m.cid.State)
	}
	if !m.cid.IsMember(newIdx) {
		return types.CID{}, fmt.Errorf("%w: server %d not pending", ErrInvalidTransition, newIdx)
	}
	next := m.cid
	next.Epoch++
	next.State = types.ConfigStable
	next.SizePrimary++
	next.PrimaryMask = next.Bitmask
	next.SecondaryMask = 0
	return next, nil
}

// BeginRemove starts removing idx from the group: STABLE -> TRANSIT, with
// both the old membership (primary) and the shrunk membership (secondary)
// counted so quorum requires agreement under both the old and new view
// simultaneously (§3.2 TRANSIT rule, §4.5 downsize/remove).
func (m *Manager) BeginRemove(idx uint8) (types.CID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cid.State != types.ConfigStable {
		return types.CID{}, fmt.Errorf("%w: remove requires STABLE, have %s", ErrInvalidTransition, m.cid.State)
	}
	if !m.cid.IsMember(idx) {
		return types.CID{}, fmt.Errorf("%w: server %d not a member", ErrInvalidTransition, idx)
	}
	if m.cid.SizePrimary <= 1 {
		return types.CID{}, fmt.Errorf("%w: cannot remove the last member", ErrInvalidTransition)
	}
	next := m.cid
	next.Epoch++
	next.State = types.ConfigTransit
	next.SizeSecondary = next.SizePrimary - 1
	next.PrimaryMask = m.cid.Bitmask
	next.SecondaryMask = m.cid.Bitmask &^ (1 << uint(idx))
	return next, nil
}

// CompleteRemove finalizes a TRANSIT removal once a quorum under both views
// has committed the TRANSIT entry: TRANSIT -> STABLE over the shrunk group
// (§4.5).
func (m *Manager) CompleteRemove(idx uint8) (types.CID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cid.State != types.ConfigTransit {
		return types.CID{}, fmt.Errorf("%w: complete-remove requires TRANSIT, have %s", ErrInvalidTransition, m.cid.State)
	}
	next := m.cid
	next.Epoch++
	next.State = types.ConfigStable
	next.SizePrimary = next.SizeSecondary
	next.SizeSecondary = 0
	next = next.WithMember(idx, false)
	next.PrimaryMask = next.Bitmask
	next.SecondaryMask = 0
	return next, nil
}
