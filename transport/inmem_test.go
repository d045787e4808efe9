package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rampart/protocol"
)

type scriptedBackup struct {
	opens  []protocol.OpenSegmentReq
	writes []protocol.WriteSegmentReq
	frees  []protocol.FreeSegmentReq
	err    error
}

func (b *scriptedBackup) OpenSegment(req protocol.OpenSegmentReq) error {
	b.opens = append(b.opens, req)
	return b.err
}

func (b *scriptedBackup) WriteSegment(req protocol.WriteSegmentReq) error {
	b.writes = append(b.writes, req)
	return b.err
}

func (b *scriptedBackup) FreeSegment(req protocol.FreeSegmentReq) error {
	b.frees = append(b.frees, req)
	return b.err
}

var masterID = protocol.MakeServerID(1, 0)

func TestNetwork_ImmediateDelivery(t *testing.T) {
	net := NewNetwork()
	handler := &scriptedBackup{}
	net.RegisterBackup("mem:b1", handler)

	session, err := net.OpenBackupSession("mem:b1")
	require.NoError(t, err)

	call := session.OpenSegment(masterID, 7, []byte("AB"), true)
	require.True(t, call.Ready())
	assert.NoError(t, call.Err())
	require.Len(t, handler.opens, 1)
	assert.True(t, handler.opens[0].Primary)
	assert.Equal(t, uint64(7), handler.opens[0].SegmentID)
}

func TestNetwork_HeldCallsDeliverInOrder(t *testing.T) {
	net := NewNetwork()
	handler := &scriptedBackup{}
	net.RegisterBackup("mem:b1", handler)
	net.Hold(true)

	session, err := net.OpenBackupSession("mem:b1")
	require.NoError(t, err)

	open := session.OpenSegment(masterID, 1, []byte("AB"), false)
	write := session.WriteSegment(masterID, 1, 2, []byte("CD"), false)
	assert.False(t, open.Ready())
	assert.False(t, write.Ready())
	assert.Equal(t, 2, net.HeldCalls())

	require.True(t, net.DeliverOne())
	assert.True(t, open.Ready())
	assert.False(t, write.Ready())

	net.DeliverAll()
	assert.True(t, write.Ready())
	assert.NoError(t, write.Err())
	require.Len(t, handler.writes, 1)
	assert.Equal(t, uint32(2), handler.writes[0].Offset)
}

func TestNetwork_DownLocatorTimesOut(t *testing.T) {
	net := NewNetwork()
	handler := &scriptedBackup{}
	net.RegisterBackup("mem:b1", handler)
	net.SetDown("mem:b1", true)

	session, err := net.OpenBackupSession("mem:b1")
	require.NoError(t, err)

	call := session.FreeSegment(masterID, 1)
	require.True(t, call.Ready())
	assert.ErrorIs(t, call.Err(), ErrTimeout)
	assert.Empty(t, handler.frees)
}

func TestNetwork_DownAppliesToHeldCalls(t *testing.T) {
	// A backup that goes down after a call was issued fails that call at
	// delivery time, which is how tests model mid-flight crashes.
	net := NewNetwork()
	handler := &scriptedBackup{}
	net.RegisterBackup("mem:b1", handler)
	net.Hold(true)

	session, err := net.OpenBackupSession("mem:b1")
	require.NoError(t, err)
	call := session.OpenSegment(masterID, 1, nil, false)
	net.SetDown("mem:b1", true)
	net.DeliverAll()

	require.True(t, call.Ready())
	assert.ErrorIs(t, call.Err(), ErrTimeout)
	assert.Empty(t, handler.opens)
}

func TestNetwork_UnknownBackupTimesOut(t *testing.T) {
	net := NewNetwork()
	session, err := net.OpenBackupSession("mem:nowhere")
	require.NoError(t, err)

	call := session.OpenSegment(masterID, 1, nil, false)
	require.True(t, call.Ready())
	assert.ErrorIs(t, call.Err(), ErrTimeout)
}

func TestNetwork_Ping(t *testing.T) {
	net := NewNetwork()
	version := uint64(12)
	net.RegisterPing("mem:peer", func() uint64 { return version })

	got, err := net.Ping("mem:peer", 99, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), got)

	net.SetDown("mem:peer", true)
	_, err = net.Ping("mem:peer", 99, time.Second)
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = net.Ping("mem:stranger", 99, time.Second)
	assert.True(t, errors.Is(err, ErrTimeout))
}
