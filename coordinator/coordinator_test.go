package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rampart/directory"
	"rampart/protocol"
)

func enlistBackup(t *testing.T, c *Coordinator, locator string) protocol.ServerID {
	t.Helper()
	id, err := c.Enlist(protocol.EnlistReq{
		Services:     protocol.BackupService | protocol.PingService,
		Locator:      locator,
		ReadSpeedMB:  200,
		WriteSpeedMB: 150,
	})
	require.NoError(t, err)
	return id
}

func TestCoordinator_EnlistMintsDenseIds(t *testing.T) {
	c, err := New("", nil)
	require.NoError(t, err)
	defer c.Close()

	a := enlistBackup(t, c, "mock:a")
	b := enlistBackup(t, c, "mock:b")

	// Index 0 is reserved; allocation is dense from 1.
	assert.Equal(t, uint32(1), a.Index())
	assert.Equal(t, uint32(2), b.Index())
	assert.Equal(t, uint32(0), a.Generation())
	assert.Equal(t, 2, c.Directory().Size())
	assert.Equal(t, uint64(2), c.Version())
}

func TestCoordinator_IndexReuseBumpsGeneration(t *testing.T) {
	c, err := New("", nil)
	require.NoError(t, err)
	defer c.Close()

	a := enlistBackup(t, c, "mock:a")
	b := enlistBackup(t, c, "mock:b")
	require.NoError(t, c.HintServerDown(a))

	// The freed index is reused, but never with a reused generation, so
	// the stale id can never alias the new server.
	replacement := enlistBackup(t, c, "mock:a2")
	assert.Equal(t, a.Index(), replacement.Index())
	assert.Greater(t, replacement.Generation(), a.Generation())
	assert.False(t, replacement.Equals(a))
	_ = b
}

func TestCoordinator_HintServerDownIsBestEffort(t *testing.T) {
	c, err := New("", nil)
	require.NoError(t, err)
	defer c.Close()

	a := enlistBackup(t, c, "mock:a")
	require.NoError(t, c.HintServerDown(a))
	// Duplicate hints and hints for unknown servers are non-errors.
	require.NoError(t, c.HintServerDown(a))
	require.NoError(t, c.HintServerDown(protocol.MakeServerID(55, 3)))

	assert.Equal(t, 0, c.Directory().Size())
}

func TestCoordinator_ServerListCarriesEnlistmentDetails(t *testing.T) {
	c, err := New("", nil)
	require.NoError(t, err)
	defer c.Close()

	id := enlistBackup(t, c, "mock:a")
	version, entries := c.ServerList()
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, id, entries[0].ServerID)
	assert.Equal(t, "mock:a", entries[0].Locator)
	assert.True(t, entries[0].Services.Has(protocol.BackupService))
	assert.True(t, entries[0].IsInCluster)
	// The advertised read speed rides in the entry's user data.
	assert.Equal(t, uint64(200), entries[0].UserData&0xFFFFFFFF)
}

func TestCoordinator_StateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	c, err := New(dir, nil)
	require.NoError(t, err)
	a := enlistBackup(t, c, "mock:a")
	b := enlistBackup(t, c, "mock:b")
	require.NoError(t, c.HintServerDown(a))
	clusterID := c.ClusterID()
	require.NoError(t, c.Close())

	reopened, err := New(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	// The cluster identity and the live roster survive; the departed
	// server does not come back.
	assert.Equal(t, clusterID, reopened.ClusterID())
	assert.Equal(t, 1, reopened.Directory().Size())
	_, entries := reopened.ServerList()
	require.Len(t, entries, 1)
	assert.Equal(t, b, entries[0].ServerID)

	// Generations keep advancing across restarts.
	replacement := enlistBackup(t, reopened, "mock:a2")
	assert.Equal(t, a.Index(), replacement.Index())
	assert.Greater(t, replacement.Generation(), a.Generation())
}

func TestLocalClient_PullsDirectory(t *testing.T) {
	c, err := New("", nil)
	require.NoError(t, err)
	defer c.Close()
	enlistBackup(t, c, "mock:a")

	local := directory.NewServerList(nil)
	client := &LocalClient{Coordinator: c, Local: local}
	require.NoError(t, client.RequestServerList(protocol.MakeServerID(9, 0)))

	assert.Equal(t, 1, local.Size())
	assert.Equal(t, c.Version(), local.Version())
}
