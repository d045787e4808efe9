package coordinator

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

// Server exposes a Coordinator over the framed TCP protocol.
type Server struct {
	coord    *Coordinator
	addr     string
	logger   *slog.Logger
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer wires a listener address to a coordinator.
func NewServer(addr string, coord *Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{coord: coord, addr: addr, logger: logger}
}

// Run accepts connections until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info("coordinator listening", "addr", listener.Addr().String())

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
	s.wg.Wait()
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
			return s.replyStatus(conn, err)
		}
		return s.replyBody(conn, protocol.EncodePingReply(nonce, s.coord.Version()))

	case protocol.OpCodeEnlist:
		req, err := protocol.DecodeEnlist(payload)
		if err != nil {
			return s.replyStatus(conn, err)
		}
		id, err := s.coord.Enlist(req)
		if err != nil {
			return s.replyStatus(conn, err)
		}
		return s.replyBody(conn, protocol.EncodeServerID(id))

	case protocol.OpCodeHintServerDown:
		id, err := protocol.DecodeServerID(payload)
		if err == nil {
			err = s.coord.HintServerDown(id)
		}
		return s.replyStatus(conn, err)

	case protocol.OpCodeRequestServerList, protocol.OpCodeGetServerList:
		if _, err := protocol.DecodeServerID(payload); err != nil &&
			op == protocol.OpCodeRequestServerList {
			return s.replyStatus(conn, err)
		}
		version, entries := s.coord.ServerList()
		return s.replyBody(conn, protocol.EncodeServerList(version, entries))

	default:
		return s.replyStatus(conn, protocol.ErrMalformedRequest)
	}
}

func (s *Server) replyStatus(conn net.Conn, err error) error {
	return transport.WriteFrame(conn, protocol.OpCodeReply, []byte{protocol.StatusFor(err)})
}

func (s *Server) replyBody(conn net.Conn, body []byte) error {
	payload := make([]byte, 1+len(body))
	payload[0] = protocol.StatusOK
	copy(payload[1:], body)
	return transport.WriteFrame(conn, protocol.OpCodeReply, payload)
}
