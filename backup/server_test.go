package backup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rampart/protocol"
	"rampart/transport"
)

func startServer(t *testing.T) (*Server, *Store) {
	t.Helper()
	store, err := NewStore("", nil)
	require.NoError(t, err)

	server := NewServer("127.0.0.1:0", store, func() uint64 { return 42 }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = server.Run(ctx) }()

	// Wait for the listener to come up.
	deadline := time.Now().Add(2 * time.Second)
	for server.listener == nil {
		if time.Now().After(deadline) {
			t.Fatalf("Server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return server, store
}

func waitReady(t *testing.T, call *transport.Call) error {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !call.Ready() {
		if time.Now().After(deadline) {
			t.Fatalf("RPC did not complete")
		}
		time.Sleep(time.Millisecond)
	}
	return call.Err()
}

func TestServer_ReplicationVerbsOverTCP(t *testing.T) {
	server, store := startServer(t)

	tcp := transport.NewTCP()
	session, err := tcp.OpenBackupSession(server.Addr())
	require.NoError(t, err)

	// Open, append, close over the wire.
	require.NoError(t, waitReady(t, session.OpenSegment(master, 3, []byte("ABCD"), true)))
	require.NoError(t, waitReady(t, session.WriteSegment(master, 3, 4, []byte("EFGH"), true)))

	data, ok := store.SegmentData(master, 3)
	require.True(t, ok)
	assert.Equal(t, "ABCDEFGH", string(data))

	// Protocol errors come back as their sentinel values.
	err = waitReady(t, session.OpenSegment(master, 3, nil, false))
	assert.ErrorIs(t, err, protocol.ErrSegmentAlreadyOpen)
	err = waitReady(t, session.WriteSegment(master, 9, 0, []byte("XX"), false))
	assert.ErrorIs(t, err, protocol.ErrSegmentNotOpen)

	require.NoError(t, waitReady(t, session.FreeSegment(master, 3)))
	_, ok = store.SegmentData(master, 3)
	assert.False(t, ok)
}

func TestServer_PingReportsDirectoryVersion(t *testing.T) {
	server, _ := startServer(t)

	tcp := transport.NewTCP()
	version, err := tcp.Ping(server.Addr(), 777, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), version)
}

func TestServer_RecoveryRead(t *testing.T) {
	server, store := startServer(t)
	require.NoError(t, store.OpenSegment(protocol.OpenSegmentReq{
		MasterID: master, SegmentID: 5, Data: []byte("RECOVER")}))

	tcp := transport.NewTCP()
	reply, err := tcp.RoundTrip(server.Addr(), protocol.OpCodeGetSegment,
		protocol.EncodeFreeSegment(protocol.FreeSegmentReq{MasterID: master, SegmentID: 5}), 0)
	require.NoError(t, err)
	assert.Equal(t, "RECOVER", string(reply))
}
