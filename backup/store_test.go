package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rampart/protocol"
)

var master = protocol.MakeServerID(1, 0)

func TestStore_ProtocolStateMachine(t *testing.T) {
	s, err := NewStore("", nil)
	require.NoError(t, err)

	// Writes to an unknown segment are rejected.
	err = s.WriteSegment(protocol.WriteSegmentReq{MasterID: master, SegmentID: 1, Offset: 0})
	assert.ErrorIs(t, err, protocol.ErrSegmentNotOpen)

	// Open, then a duplicate open is a protocol error.
	require.NoError(t, s.OpenSegment(protocol.OpenSegmentReq{
		MasterID: master, SegmentID: 1, Primary: true, Data: []byte("ABCD")}))
	err = s.OpenSegment(protocol.OpenSegmentReq{MasterID: master, SegmentID: 1})
	assert.ErrorIs(t, err, protocol.ErrSegmentAlreadyOpen)

	// Writes must be strictly appending.
	err = s.WriteSegment(protocol.WriteSegmentReq{
		MasterID: master, SegmentID: 1, Offset: 2, Data: []byte("XX")})
	assert.ErrorIs(t, err, protocol.ErrSegmentOutOfOrder)
	err = s.WriteSegment(protocol.WriteSegmentReq{
		MasterID: master, SegmentID: 1, Offset: 6, Data: []byte("XX")})
	assert.ErrorIs(t, err, protocol.ErrSegmentOutOfOrder)
	require.NoError(t, s.WriteSegment(protocol.WriteSegmentReq{
		MasterID: master, SegmentID: 1, Offset: 4, Data: []byte("EFGH"), Close: true}))

	// Closed replicas accept no further writes.
	err = s.WriteSegment(protocol.WriteSegmentReq{
		MasterID: master, SegmentID: 1, Offset: 8, Data: []byte("IJ")})
	assert.ErrorIs(t, err, protocol.ErrSegmentNotOpen)

	data, ok := s.SegmentData(master, 1)
	require.True(t, ok)
	assert.Equal(t, "ABCDEFGH", string(data))
}

func TestStore_FreeIsIdempotent(t *testing.T) {
	s, err := NewStore("", nil)
	require.NoError(t, err)

	require.NoError(t, s.OpenSegment(protocol.OpenSegmentReq{
		MasterID: master, SegmentID: 2, Data: []byte("AB")}))
	require.NoError(t, s.FreeSegment(protocol.FreeSegmentReq{MasterID: master, SegmentID: 2}))
	require.NoError(t, s.FreeSegment(protocol.FreeSegmentReq{MasterID: master, SegmentID: 2}))
	require.NoError(t, s.FreeSegment(protocol.FreeSegmentReq{MasterID: master, SegmentID: 99}))

	_, ok := s.SegmentData(master, 2)
	assert.False(t, ok)

	// A freed segment may be opened again, e.g. by a new master
	// generation reusing the id space.
	require.NoError(t, s.OpenSegment(protocol.OpenSegmentReq{
		MasterID: master, SegmentID: 2, Data: []byte("CD")}))
}

func TestStore_MastersAreIsolated(t *testing.T) {
	s, err := NewStore("", nil)
	require.NoError(t, err)

	otherMaster := protocol.MakeServerID(2, 0)
	require.NoError(t, s.OpenSegment(protocol.OpenSegmentReq{
		MasterID: master, SegmentID: 5, Data: []byte("AA")}))
	require.NoError(t, s.OpenSegment(protocol.OpenSegmentReq{
		MasterID: otherMaster, SegmentID: 5, Data: []byte("BB")}))

	a, _ := s.SegmentData(master, 5)
	b, _ := s.SegmentData(otherMaster, 5)
	assert.Equal(t, "AA", string(a))
	assert.Equal(t, "BB", string(b))
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.OpenSegment(protocol.OpenSegmentReq{
		MasterID: master, SegmentID: 8, Primary: true, Data: []byte("ABCD")}))
	require.NoError(t, s.WriteSegment(protocol.WriteSegmentReq{
		MasterID: master, SegmentID: 8, Offset: 4, Data: []byte("EF"), Close: true}))
	require.NoError(t, s.OpenSegment(protocol.OpenSegmentReq{
		MasterID: master, SegmentID: 9, Data: []byte("ZZ")}))
	require.NoError(t, s.FreeSegment(protocol.FreeSegmentReq{MasterID: master, SegmentID: 9}))
	require.NoError(t, s.Close())

	// A restarted backup serves the closed replica and has no trace of
	// the freed one.
	reopened, err := NewStore(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	data, ok := reopened.SegmentData(master, 8)
	require.True(t, ok)
	assert.Equal(t, "ABCDEF", string(data))
	_, ok = reopened.SegmentData(master, 9)
	assert.False(t, ok)

	// The closed flag survived: further writes are rejected.
	err = reopened.WriteSegment(protocol.WriteSegmentReq{
		MasterID: master, SegmentID: 8, Offset: 6, Data: []byte("GG")})
	assert.ErrorIs(t, err, protocol.ErrSegmentNotOpen)

	stats := reopened.Snapshot()
	assert.Equal(t, 1, stats.Replicas)
	assert.Equal(t, 0, stats.OpenReplicas)
}
