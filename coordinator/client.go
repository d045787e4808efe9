package coordinator

import (
	"github.com/pkg/errors"

	"rampart/directory"
	"rampart/protocol"
	"rampart/transport"
)

// Client is how other daemons talk to the coordinator. Implementations are
// best-effort: callers treat every method as fallible and retry on their
// own schedule.
type Client interface {
	Enlist(req protocol.EnlistReq) (protocol.ServerID, error)

	// HintServerDown reports a suspected-dead peer.
	HintServerDown(id protocol.ServerID) error

	// RequestServerList asks for a fresh directory on behalf of id and
	// applies it to the local view.
	RequestServerList(id protocol.ServerID) error
}

// TCPClient reaches a remote coordinator over the framed protocol and
// applies directory pulls to the local ServerList.
type TCPClient struct {
	Locator   string
	Transport *transport.TCP
	Local     *directory.ServerList
}

// NewTCPClient builds a client for the coordinator at locator that updates
// local on every directory pull.
func NewTCPClient(locator string, local *directory.ServerList) *TCPClient {
	return &TCPClient{Locator: locator, Transport: transport.NewTCP(), Local: local}
}

func (c *TCPClient) Enlist(req protocol.EnlistReq) (protocol.ServerID, error) {
	reply, err := c.Transport.RoundTrip(c.Locator, protocol.OpCodeEnlist, protocol.EncodeEnlist(req), 0)
	if err != nil {
		return protocol.InvalidServerID, errors.Wrap(err, "enlist")
	}
	id, err := protocol.DecodeServerID(reply)
	if err != nil {
		return protocol.InvalidServerID, errors.Wrap(err, "enlist reply")
	}
	return id, nil
}

func (c *TCPClient) HintServerDown(id protocol.ServerID) error {
	_, err := c.Transport.RoundTrip(c.Locator, protocol.OpCodeHintServerDown,
		protocol.EncodeServerID(id), 0)
	return errors.Wrap(err, "hint server down")
}

func (c *TCPClient) RequestServerList(id protocol.ServerID) error {
	reply, err := c.Transport.RoundTrip(c.Locator, protocol.OpCodeRequestServerList,
		protocol.EncodeServerID(id), 0)
	if err != nil {
		return errors.Wrap(err, "request server list")
	}
	version, entries, err := protocol.DecodeServerList(reply)
	if err != nil {
		return errors.Wrap(err, "server list reply")
	}
	if c.Local != nil {
		c.Local.ApplyFullList(version, entries)
	}
	return nil
}

// LocalClient binds a Client directly to an in-process Coordinator, for
// tests.
type LocalClient struct {
	Coordinator *Coordinator

	// Local, if set, receives directory pulls; leave nil when the caller
	// shares the coordinator's own ServerList.
	Local *directory.ServerList
}

func (c *LocalClient) Enlist(req protocol.EnlistReq) (protocol.ServerID, error) {
	return c.Coordinator.Enlist(req)
}

func (c *LocalClient) HintServerDown(id protocol.ServerID) error {
	return c.Coordinator.HintServerDown(id)
}

func (c *LocalClient) RequestServerList(id protocol.ServerID) error {
	if c.Local == nil {
		return nil
	}
	version, entries := c.Coordinator.ServerList()
	c.Local.ApplyFullList(version, entries)
	return nil
}
