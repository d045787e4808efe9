package transport

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"rampart/protocol"
)

// WriteFrame sends one [OpCode][Length][payload] frame.
func WriteFrame(w io.Writer, op uint8, payload []byte) error {
	header := make([]byte, protocol.ProtoHeaderSize)
	header[0] = op
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame, rejecting payloads beyond the protocol limit.
func ReadFrame(r io.Reader) (uint8, []byte, error) {
	header := make([]byte, protocol.ProtoHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > protocol.MaxRPCPayload+protocol.ProtoHeaderSize+64 {
		return 0, nil, protocol.ErrMalformedRequest
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return header[0], payload, nil
}

// TCP is the socket transport. Sessions hold one connection each; calls on
// a session are serialized on that connection, one exchange at a time.
// Calls issued while another is outstanding may go out in any order.
type TCP struct {
	DialTimeout time.Duration
	CallTimeout time.Duration
}

// NewTCP builds a socket transport with the default protocol deadlines.
func NewTCP() *TCP {
	return &TCP{
		DialTimeout: protocol.DefaultWriteTimeout,
		CallTimeout: protocol.DefaultReadTimeout,
	}
}

// RoundTrip dials locator, performs one framed request, and returns the
// reply body (after the status byte has been folded into err). Used for
// the synchronous verbs: ping and the coordinator calls.
func (t *TCP) RoundTrip(locator string, op uint8, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = t.CallTimeout
	}
	conn, err := net.DialTimeout("tcp", locator, t.DialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", locator)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	_ = conn.SetDeadline(deadline)

	if err := WriteFrame(conn, op, payload); err != nil {
		return nil, errors.Wrapf(err, "send to %s", locator)
	}
	replyOp, reply, err := ReadFrame(conn)
	if err != nil {
		return nil, errors.Wrapf(err, "reply from %s", locator)
	}
	if replyOp != protocol.OpCodeReply || len(reply) < 1 {
		return nil, errors.Errorf("unexpected reply frame 0x%02x from %s", replyOp, locator)
	}
	if err := protocol.ErrorFor(reply[0]); err != nil {
		return nil, err
	}
	return reply[1:], nil
}

// Ping implements Pinger over TCP.
func (t *TCP) Ping(locator string, nonce uint64, timeout time.Duration) (uint64, error) {
	reply, err := t.RoundTrip(locator, protocol.OpCodePing, protocol.EncodePing(nonce), timeout)
	if err != nil {
		return 0, err
	}
	echoed, version, err := protocol.DecodePingReply(reply)
	if err != nil {
		return 0, err
	}
	if echoed != nonce {
		return 0, errors.Errorf("ping nonce mismatch from %s", locator)
	}
	return version, nil
}

// OpenBackupSession implements SessionOpener over TCP.
func (t *TCP) OpenBackupSession(locator string) (BackupSession, error) {
	conn, err := net.DialTimeout("tcp", locator, t.DialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial backup %s", locator)
	}
	return &tcpSession{transport: t, conn: conn}, nil
}

type tcpSession struct {
	transport *TCP
	mu        sync.Mutex // Serializes frames on the shared connection.
	conn      net.Conn
}

// issue runs one request/reply exchange on a fresh goroutine and completes
// the returned Call when the reply (or a transport error) arrives.
func (s *tcpSession) issue(op uint8, payload []byte) *Call {
	call := &Call{}
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		_ = s.conn.SetDeadline(time.Now().Add(s.transport.CallTimeout))
		if err := WriteFrame(s.conn, op, payload); err != nil {
			call.finish(errors.Wrap(err, "send"))
			return
		}
		replyOp, reply, err := ReadFrame(s.conn)
		if err != nil {
			call.finish(errors.Wrap(err, "reply"))
			return
		}
		if replyOp != protocol.OpCodeReply || len(reply) < 1 {
			call.finish(errors.Errorf("unexpected reply frame 0x%02x", replyOp))
			return
		}
		call.finish(protocol.ErrorFor(reply[0]))
	}()
	return call
}

func (s *tcpSession) OpenSegment(masterID protocol.ServerID, segmentID uint64, data []byte, primary bool) *Call {
	if len(data) > protocol.MaxRPCPayload {
		return completedCall(protocol.ErrMalformedRequest)
	}
	return s.issue(protocol.OpCodeOpenSegment, protocol.EncodeOpenSegment(protocol.OpenSegmentReq{
		MasterID: masterID, SegmentID: segmentID, Primary: primary, Data: data,
	}))
}

func (s *tcpSession) WriteSegment(masterID protocol.ServerID, segmentID uint64, offset uint32, data []byte, closeSeg bool) *Call {
	if len(data) > protocol.MaxRPCPayload {
		return completedCall(protocol.ErrMalformedRequest)
	}
	return s.issue(protocol.OpCodeWriteSegment, protocol.EncodeWriteSegment(protocol.WriteSegmentReq{
		MasterID: masterID, SegmentID: segmentID, Offset: offset, Close: closeSeg, Data: data,
	}))
}

func (s *tcpSession) FreeSegment(masterID protocol.ServerID, segmentID uint64) *Call {
	return s.issue(protocol.OpCodeFreeSegment, protocol.EncodeFreeSegment(protocol.FreeSegmentReq{
		MasterID: masterID, SegmentID: segmentID,
	}))
}
