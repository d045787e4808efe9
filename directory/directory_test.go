package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rampart/protocol"
)

func TestServerList_AddRemoveAdvancesVersion(t *testing.T) {
	sl := NewServerList(nil)
	assert.Equal(t, uint64(0), sl.Version())

	id := protocol.MakeServerID(1, 0)
	require.NoError(t, sl.Add(ServerDetails{ID: id, Services: protocol.BackupService, Locator: "mock:"}))
	assert.Equal(t, uint64(1), sl.Version())
	assert.Equal(t, 1, sl.Size())

	require.NoError(t, sl.Remove(id))
	assert.Equal(t, uint64(2), sl.Version())
	assert.Equal(t, 0, sl.Size())

	assert.ErrorIs(t, sl.Remove(id), protocol.ErrUnknownServer)
}

func TestServerList_RejectsReservedAndInvalidIds(t *testing.T) {
	sl := NewServerList(nil)
	assert.Error(t, sl.Add(ServerDetails{ID: protocol.MakeServerID(0, 1)}))
	assert.Error(t, sl.Add(ServerDetails{ID: protocol.InvalidServerID}))
}

func TestServerList_RegisterTrackerReplaysExisting(t *testing.T) {
	sl := NewServerList(nil)
	require.NoError(t, sl.Add(ServerDetails{
		ID: protocol.MakeServerID(1, 0), Services: protocol.BackupService, Locator: "mock:a"}))
	require.NoError(t, sl.Add(ServerDetails{
		ID: protocol.MakeServerID(2, 0), Services: protocol.PingService, Locator: "mock:b"}))

	tr := NewTracker[int](nil, nil)
	sl.RegisterTracker(tr)

	seen := 0
	for {
		_, event, ok := tr.GetChange()
		if !ok {
			break
		}
		assert.Equal(t, ServerAdded, event)
		seen++
	}
	assert.Equal(t, 2, seen)
	assert.Equal(t, 2, tr.Size())
}

func TestServerList_MutationsFanOutToTrackers(t *testing.T) {
	sl := NewServerList(nil)
	tr := NewTracker[int](nil, nil)
	sl.RegisterTracker(tr)

	id := protocol.MakeServerID(3, 7)
	require.NoError(t, sl.Add(ServerDetails{ID: id, Services: protocol.BackupService}))
	d, event, ok := tr.GetChange()
	require.True(t, ok)
	assert.Equal(t, ServerAdded, event)
	assert.Equal(t, id, d.ID)

	require.NoError(t, sl.Remove(id))
	d, event, ok = tr.GetChange()
	require.True(t, ok)
	assert.Equal(t, ServerRemoved, event)
	assert.Equal(t, id, d.ID)
}

func TestServerList_ApplyFullListDiffs(t *testing.T) {
	sl := NewServerList(nil)
	tr := NewTracker[int](nil, nil)
	sl.RegisterTracker(tr)

	stay := protocol.MakeServerID(1, 0)
	leave := protocol.MakeServerID(2, 0)
	join := protocol.MakeServerID(3, 0)
	require.NoError(t, sl.Add(ServerDetails{ID: stay, Services: protocol.BackupService, Locator: "mock:stay"}))
	require.NoError(t, sl.Add(ServerDetails{ID: leave, Services: protocol.BackupService, Locator: "mock:leave"}))
	drain(tr)

	sl.ApplyFullList(40, []protocol.ServerEntry{
		EntryFromDetails(ServerDetails{ID: stay, Services: protocol.BackupService, Locator: "mock:stay"}),
		EntryFromDetails(ServerDetails{ID: join, Services: protocol.BackupService, Locator: "mock:join"}),
	})

	assert.Equal(t, uint64(40), sl.Version())
	assert.Equal(t, 2, sl.Size())

	events := make(map[protocol.ServerID]ChangeEvent)
	for {
		d, event, ok := tr.GetChange()
		if !ok {
			break
		}
		events[d.ID] = event
	}
	assert.Equal(t, ServerRemoved, events[leave])
	assert.Equal(t, ServerAdded, events[join])
	_, staySeen := events[stay]
	assert.False(t, staySeen, "unchanged server generated an event")
}

func TestServerList_WireEntryRoundTrip(t *testing.T) {
	d := ServerDetails{
		ID:                       protocol.MakeServerID(5, 9),
		Services:                 protocol.BackupService | protocol.PingService,
		Locator:                  "tcp:10.0.0.5:7071",
		ExpectedReadMBytesPerSec: 300,
	}
	got := DetailsFromEntry(EntryFromDetails(d))
	assert.Equal(t, d, got)
}

func drain(tr *Tracker[int]) {
	for {
		if _, _, ok := tr.GetChange(); !ok {
			return
		}
	}
}
