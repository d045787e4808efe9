package backup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"rampart/protocol"
	"rampart/transport"
)

// Server exposes a Store over the framed TCP protocol, along with the ping
// verb every rampart daemon answers.
type Server struct {
	store    *Store
	addr     string
	logger   *slog.Logger
	listener net.Listener

	// version supplies the local directory version for ping replies.
	version func() uint64

	wg sync.WaitGroup
}

// NewServer wires a listener address to a store.
func NewServer(addr string, store *Store, version func() uint64, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == nil {
		version = func() uint64 { return 0 }
	}
	return &Server{store: store, addr: addr, logger: logger, version: version}
}

// Run accepts connections until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info("backup service listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Warn("accept failed", "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(protocol.ShutdownTimeout):
		s.logger.Warn("shutdown timed out with connections still open")
	}
	return nil
}

// Addr returns the bound listen address, valid once Run has started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Minute))
		op, payload, err := transport.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("connection closed", "err", err)
			}
			return
		}
		if op == protocol.OpCodeQuit {
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(protocol.DefaultWriteTimeout))
		if err := s.dispatch(conn, op, payload); err != nil {
			s.logger.Warn("reply failed", "err", err)
			return
		}
	}
}

func (s *Server) dispatch(conn net.Conn, op uint8, payload []byte) error {
	switch op {
	case protocol.OpCodePing:
		nonce, err := protocol.DecodePing(payload)
		if err != nil {
			return replyStatus(conn, err)
		}
		return replyBody(conn, protocol.EncodePingReply(nonce, s.version()))

	case protocol.OpCodeOpenSegment:
		req, err := protocol.DecodeOpenSegment(payload)
		if err == nil {
			err = s.store.OpenSegment(req)
		}
		return replyStatus(conn, err)

	case protocol.OpCodeWriteSegment:
		req, err := protocol.DecodeWriteSegment(payload)
		if err == nil {
			err = s.store.WriteSegment(req)
		}
		return replyStatus(conn, err)

	case protocol.OpCodeFreeSegment:
		req, err := protocol.DecodeFreeSegment(payload)
		if err == nil {
			err = s.store.FreeSegment(req)
		}
		return replyStatus(conn, err)

	case protocol.OpCodeGetSegment:
		req, err := protocol.DecodeFreeSegment(payload) // Same (master, segment) shape.
		if err != nil {
			return replyStatus(conn, err)
		}
		data, found := s.store.SegmentData(req.MasterID, req.SegmentID)
		if !found {
			return replyStatus(conn, protocol.ErrSegmentNotOpen)
		}
		return replyBody(conn, data)

	default:
		return replyStatus(conn, protocol.ErrMalformedRequest)
	}
}

func replyStatus(conn net.Conn, err error) error {
	return transport.WriteFrame(conn, protocol.OpCodeReply, []byte{protocol.StatusFor(err)})
}

func replyBody(conn net.Conn, body []byte) error {
	payload := make([]byte, 1+len(body))
	payload[0] = protocol.StatusOK
	copy(payload[1:], body)
	return transport.WriteFrame(conn, protocol.OpCodeReply, payload)
}
