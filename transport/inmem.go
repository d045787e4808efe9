package transport

import (
	"errors"
	"sync"
	"time"

	"rampart/protocol"
)

// ErrTimeout is the transient failure surfaced for RPCs that never reach a
// live peer. The replica state machine treats it like any transport error:
// release the backup and retry.
var ErrTimeout = errors.New("rpc timed out")

// BackupHandler is the server side of the backup verbs, implemented by
// backup.Store and by test doubles.
type BackupHandler interface {
	OpenSegment(req protocol.OpenSegmentReq) error
	WriteSegment(req protocol.WriteSegmentReq) error
	FreeSegment(req protocol.FreeSegmentReq) error
}

type heldCall struct {
	locator string
	invoke  func() error
	call    *Call
}

// Network is an in-process transport connecting masters, backups, and the
// failure detector without sockets. It is the transport used by the unit
// tests and the benchmark harness's local mode.
//
// By default calls complete before the issuing method returns. With Hold
// enabled, calls queue until the test delivers them, which is how tests
// keep RPCs "in flight" deterministically.
type Network struct {
	mu       sync.Mutex
	backups  map[string]BackupHandler
	versions map[string]func() uint64
	down     map[string]bool
	holding  bool
	held     []heldCall
}

// NewNetwork creates an empty in-process network.
func NewNetwork() *Network {
	return &Network{
		backups:  make(map[string]BackupHandler),
		versions: make(map[string]func() uint64),
		down:     make(map[string]bool),
	}
}

// RegisterBackup attaches a backup service at locator.
func (n *Network) RegisterBackup(locator string, h BackupHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.backups[locator] = h
}

// RegisterPing attaches a ping responder at locator; version supplies the
// responder's directory version at answer time.
func (n *Network) RegisterPing(locator string, version func() uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.versions[locator] = version
}

// SetDown marks a locator unreachable. Calls against it, including ones
// already held, complete with ErrTimeout.
func (n *Network) SetDown(locator string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[locator] = down
}

// Hold switches the network between immediate and deferred delivery.
func (n *Network) Hold(hold bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.holding = hold
}

// HeldCalls returns the number of calls queued for delivery.
func (n *Network) HeldCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.held)
}

// DeliverOne delivers the oldest held call. Reports false when none remain.
func (n *Network) DeliverOne() bool {
	n.mu.Lock()
	if len(n.held) == 0 {
		n.mu.Unlock()
		return false
	}
	hc := n.held[0]
	n.held = n.held[1:]
	isDown := n.down[hc.locator]
	n.mu.Unlock()

	if isDown {
		hc.call.finish(ErrTimeout)
		return true
	}
	hc.call.finish(hc.invoke())
	return true
}

// DeliverAll drains every held call, including any enqueued while draining.
func (n *Network) DeliverAll() {
	for n.DeliverOne() {
	}
}

func (n *Network) issue(locator string, invoke func() error) *Call {
	call := &Call{}
	n.mu.Lock()
	if n.holding {
		n.held = append(n.held, heldCall{locator: locator, invoke: invoke, call: call})
		n.mu.Unlock()
		return call
	}
	isDown := n.down[locator]
	n.mu.Unlock()

	if isDown {
		call.finish(ErrTimeout)
		return call
	}
	call.finish(invoke())
	return call
}

// OpenBackupSession implements SessionOpener. The handler is resolved per
// call, so a backup registered after the session opens is still reachable.
func (n *Network) OpenBackupSession(locator string) (BackupSession, error) {
	return &inmemSession{net: n, locator: locator}, nil
}

type inmemSession struct {
	net     *Network
	locator string
}

func (s *inmemSession) handler() (BackupHandler, bool) {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	h, ok := s.net.backups[s.locator]
	return h, ok
}

func (s *inmemSession) OpenSegment(masterID protocol.ServerID, segmentID uint64, data []byte, primary bool) *Call {
	req := protocol.OpenSegmentReq{MasterID: masterID, SegmentID: segmentID, Primary: primary, Data: data}
	return s.net.issue(s.locator, func() error {
		h, ok := s.handler()
		if !ok {
			return ErrTimeout
		}
		return h.OpenSegment(req)
	})
}

func (s *inmemSession) WriteSegment(masterID protocol.ServerID, segmentID uint64, offset uint32, data []byte, closeSeg bool) *Call {
	req := protocol.WriteSegmentReq{MasterID: masterID, SegmentID: segmentID, Offset: offset, Close: closeSeg, Data: data}
	return s.net.issue(s.locator, func() error {
		h, ok := s.handler()
		if !ok {
			return ErrTimeout
		}
		return h.WriteSegment(req)
	})
}

func (s *inmemSession) FreeSegment(masterID protocol.ServerID, segmentID uint64) *Call {
	req := protocol.FreeSegmentReq{MasterID: masterID, SegmentID: segmentID}
	return s.net.issue(s.locator, func() error {
		h, ok := s.handler()
		if !ok {
			return ErrTimeout
		}
		return h.FreeSegment(req)
	})
}

// Ping implements Pinger. Pings are synchronous and ignore Hold; the
// failure detector runs on its own thread and expects blocking semantics.
func (n *Network) Ping(locator string, nonce uint64, timeout time.Duration) (uint64, error) {
	n.mu.Lock()
	versionFn, ok := n.versions[locator]
	isDown := n.down[locator]
	n.mu.Unlock()

	if !ok || isDown {
		return 0, ErrTimeout
	}
	return versionFn(), nil
}
