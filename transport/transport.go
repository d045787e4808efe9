// Package transport carries replication and membership RPCs. Callers issue
// a verb and get back a Call handle immediately; completion is observed by
// polling Ready, never by blocking, which is what lets the replica manager
// drive many segments from a single cooperative loop.
package transport

import (
	"sync"
	"time"

	"rampart/protocol"
)

// Call tracks one outstanding RPC. The zero value is in flight.
type Call struct {
	mu   sync.Mutex
	done bool
	err  error
}

// Ready reports whether the RPC has completed (successfully or not).
func (c *Call) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns the RPC's outcome. Only meaningful once Ready is true.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Call) finish(err error) {
	c.mu.Lock()
	c.done = true
	c.err = err
	c.mu.Unlock()
}

// completedCall builds an already-finished Call, for errors detected
// before anything reaches the wire.
func completedCall(err error) *Call {
	c := &Call{}
	c.finish(err)
	return c
}

// BackupSession issues segment replication verbs to one backup. The
// in-process Network delivers a session's calls in issue order; the TCP
// session serializes calls on its connection but does not fix the order
// of calls that are outstanding at the same time.
type BackupSession interface {
	OpenSegment(masterID protocol.ServerID, segmentID uint64, data []byte, primary bool) *Call
	WriteSegment(masterID protocol.ServerID, segmentID uint64, offset uint32, data []byte, closeSeg bool) *Call
	FreeSegment(masterID protocol.ServerID, segmentID uint64) *Call
}

// SessionOpener resolves a directory locator into a live session.
type SessionOpener interface {
	OpenBackupSession(locator string) (BackupSession, error)
}

// Pinger issues synchronous membership pings. The returned version is the
// peer's server-directory version.
type Pinger interface {
	Ping(locator string, nonce uint64, timeout time.Duration) (version uint64, err error)
}
